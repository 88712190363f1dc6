package transport

import (
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

// Heartbeat is the control stream keepalive. The receiver echoes the
// sender's timestamp back on its own next heartbeat so each side can
// measure round trip time without clock agreement.
type Heartbeat struct {
	Sequence        uint64 `json:"sequence"`
	TimestampMs     uint64 `json:"timestamp_ms"`
	EchoTimestampMs uint64 `json:"echo_timestamp_ms,omitempty"`
}

func (self *Session) runHeartbeatSender() {
	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()

	sequence := uint64(0)
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}

		sequence += 1
		heartbeat := &Heartbeat{
			Sequence:        sequence,
			TimestampMs:     uint64(time.Now().UnixMilli()),
			EchoTimestampMs: self.takeEchoTimestamp(),
		}
		payload, err := json.Marshal(heartbeat)
		if err != nil {
			glog.Infof("[t]heartbeat encode failed: %s\n", err)
			return
		}

		self.controlWriteLock.Lock()
		err = WriteFrame(self.control, FrameKindHeartbeat, payload)
		self.controlWriteLock.Unlock()
		if err != nil {
			self.markDead("heartbeat write failed")
			return
		}
		self.metrics.Update(func(diagnostics *Diagnostics) {
			diagnostics.PacketsSent += 1
			diagnostics.BytesSent += uint64(frameHeaderBytes + len(payload))
		})
	}
}

func (self *Session) runHeartbeatReceiver() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.control.SetReadDeadline(time.Now().Add(self.settings.HeartbeatTimeout))
		frame, err := ReadFrame(self.control)
		if err != nil {
			if isTimeout(err) {
				if self.recordMissedHeartbeat() {
					self.markDead("heartbeat deadline missed")
					return
				}
				continue
			}
			self.markDead("control read failed")
			return
		}
		if frame.Kind != FrameKindHeartbeat {
			glog.V(2).Infof("[t]ignoring frame kind %#02x on control stream\n", frame.Kind)
			self.metrics.Update(func(diagnostics *Diagnostics) {
				diagnostics.UnknownFrameDrops += 1
			})
			continue
		}

		var heartbeat Heartbeat
		if err := json.Unmarshal(frame.Payload, &heartbeat); err != nil {
			glog.Infof("[t]malformed heartbeat dropped: %s\n", err)
			continue
		}
		self.recordHeartbeat(&heartbeat, len(frame.Payload))
	}
}

// takeEchoTimestamp returns the timestamp of the most recent heartbeat
// received from the peer, consumed at most once.
func (self *Session) takeEchoTimestamp() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	timestamp := self.pendingEchoMs
	self.pendingEchoMs = 0
	return timestamp
}

func (self *Session) recordMissedHeartbeat() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.missedHeartbeats += 1
	return self.settings.MissedHeartbeatLimit <= self.missedHeartbeats
}

func (self *Session) recordHeartbeat(heartbeat *Heartbeat, payloadBytes int) {
	self.stateLock.Lock()
	self.missedHeartbeats = 0
	self.pendingEchoMs = heartbeat.TimestampMs
	self.stateLock.Unlock()

	rttMs := float32(0)
	if 0 < heartbeat.EchoTimestampMs {
		nowMs := uint64(time.Now().UnixMilli())
		// a negative round trip means clock skew, clamp to zero
		if heartbeat.EchoTimestampMs <= nowMs {
			rttMs = float32(nowMs - heartbeat.EchoTimestampMs)
		}
	}

	self.metrics.Update(func(diagnostics *Diagnostics) {
		diagnostics.PacketsReceived += 1
		diagnostics.BytesReceived += uint64(frameHeaderBytes + payloadBytes)
		if 0 < heartbeat.EchoTimestampMs {
			jitter := rttMs - diagnostics.RttMs
			if jitter < 0 {
				jitter = -jitter
			}
			diagnostics.RttMs = rttMs
			// same smoothing as the WebRTC heartbeat path so both
			// transports report comparable jitter
			diagnostics.JitterMs = diagnostics.JitterMs*0.8 + jitter*0.2
		}
	})
}
