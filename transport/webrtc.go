package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"

	"github.com/jvastola/Theta/command"
)

// WebRtcSettings tunes the data channel transport.
type WebRtcSettings struct {
	StunUrls          []string
	OpenTimeout       time.Duration
	HeartbeatInterval time.Duration
	InboxSize         int
}

func DefaultWebRtcSettings() *WebRtcSettings {
	return &WebRtcSettings{
		StunUrls:          []string{"stun:stun.l.google.com:19302"},
		OpenTimeout:       10 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
		InboxSize:         256,
	}
}

func (self *WebRtcSettings) configuration() webrtc.Configuration {
	iceServers := []webrtc.ICEServer{}
	if 0 < len(self.StunUrls) {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: self.StunUrls,
		})
	}
	return webrtc.Configuration{
		ICEServers: iceServers,
	}
}

// ErrChannelClosed marks sends on a closed data channel.
var ErrChannelClosed = errors.New("data channel closed")

// WebRtcTransport carries the framed protocol over one ordered reliable
// data channel. All frame kinds share the channel since data channel
// messages are whole frames.
type WebRtcTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings       *WebRtcSettings
	peerConnection *webrtc.PeerConnection
	metrics        *MetricsHandle

	opened chan struct{}

	commandInbox chan *command.Packet
	deltaInbox   chan []byte
	voiceInbox   chan []byte

	stateLock     sync.Mutex
	dataChannel   *webrtc.DataChannel
	pendingEchoMs uint64
	closed        bool
}

// NewWebRtcOfferer creates the offering side. It owns the data channel and
// returns the local offer to pass through signaling.
func NewWebRtcOfferer(ctx context.Context, settings *WebRtcSettings) (*WebRtcTransport, webrtc.SessionDescription, error) {
	transport, err := newWebRtcTransport(ctx, settings)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}

	ordered := true
	dataChannel, err := transport.peerConnection.CreateDataChannel("theta", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		transport.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	transport.attachDataChannel(dataChannel)

	offer, err := transport.peerConnection.CreateOffer(nil)
	if err != nil {
		transport.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	if err := transport.peerConnection.SetLocalDescription(offer); err != nil {
		transport.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	return transport, offer, nil
}

// NewWebRtcAnswerer creates the answering side from a remote offer and
// returns the local answer to pass back through signaling.
func NewWebRtcAnswerer(ctx context.Context, settings *WebRtcSettings, offer webrtc.SessionDescription) (*WebRtcTransport, webrtc.SessionDescription, error) {
	transport, err := newWebRtcTransport(ctx, settings)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}

	transport.peerConnection.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		transport.attachDataChannel(dataChannel)
	})

	if err := transport.peerConnection.SetRemoteDescription(offer); err != nil {
		transport.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	answer, err := transport.peerConnection.CreateAnswer(nil)
	if err != nil {
		transport.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	if err := transport.peerConnection.SetLocalDescription(answer); err != nil {
		transport.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	return transport, answer, nil
}

func newWebRtcTransport(ctx context.Context, settings *WebRtcSettings) (*WebRtcTransport, error) {
	if settings == nil {
		settings = DefaultWebRtcSettings()
	}
	peerConnection, err := webrtc.NewPeerConnection(settings.configuration())
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebRtcTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		peerConnection: peerConnection,
		metrics:        NewMetricsHandle(TransportKindWebRtc),
		opened:         make(chan struct{}),
		commandInbox:   make(chan *command.Packet, settings.InboxSize),
		deltaInbox:     make(chan []byte, settings.InboxSize),
		voiceInbox:     make(chan []byte, settings.InboxSize),
	}, nil
}

// PeerConnection exposes the underlying connection for signaling glue
// (remote descriptions and ICE candidates).
func (self *WebRtcTransport) PeerConnection() *webrtc.PeerConnection {
	return self.peerConnection
}

func (self *WebRtcTransport) attachDataChannel(dataChannel *webrtc.DataChannel) {
	self.stateLock.Lock()
	self.dataChannel = dataChannel
	self.stateLock.Unlock()

	dataChannel.OnOpen(func() {
		close(self.opened)
		go self.runHeartbeatSender()
	})
	dataChannel.OnMessage(func(message webrtc.DataChannelMessage) {
		self.receiveFrame(message.Data)
	})
	dataChannel.OnClose(func() {
		self.stateLock.Lock()
		self.closed = true
		self.stateLock.Unlock()
	})
}

// WaitForOpen blocks until the data channel is usable.
func (self *WebRtcTransport) WaitForOpen(timeout time.Duration) error {
	select {
	case <-self.opened:
		return nil
	case <-self.ctx.Done():
		return self.ctx.Err()
	case <-time.After(timeout):
		return errors.New("data channel open timeout")
	}
}

func (self *WebRtcTransport) Kind() TransportKind {
	return TransportKindWebRtc
}

func (self *WebRtcTransport) Metrics() *MetricsHandle {
	return self.metrics
}

func (self *WebRtcTransport) sendFrame(kind byte, payload []byte) error {
	frame, err := EncodeFrame(kind, payload)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	dataChannel := self.dataChannel
	closed := self.closed
	self.stateLock.Unlock()
	if dataChannel == nil || closed {
		return ErrChannelClosed
	}
	if err := dataChannel.Send(frame); err != nil {
		return err
	}
	self.metrics.Update(func(diagnostics *Diagnostics) {
		diagnostics.PacketsSent += 1
		diagnostics.BytesSent += uint64(len(frame))
	})
	return nil
}

func (self *WebRtcTransport) receiveFrame(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			self.metrics.Update(func(diagnostics *Diagnostics) {
				diagnostics.PayloadGuardDrops += 1
			})
		} else {
			glog.V(2).Infof("[t]malformed frame dropped: %s\n", err)
		}
		return
	}

	self.metrics.Update(func(diagnostics *Diagnostics) {
		diagnostics.PacketsReceived += 1
		diagnostics.BytesReceived += uint64(len(data))
	})

	switch frame.Kind {
	case FrameKindCommand:
		packet, err := command.DecodePacket(frame.Payload)
		if err != nil {
			glog.Infof("[t]malformed command packet dropped: %s\n", err)
			return
		}
		self.recordCommandReceive(packet.TimestampMs)
		select {
		case self.commandInbox <- packet:
		default:
			glog.Infof("[t]command inbox full, dropping packet %d\n", packet.Sequence)
		}
	case FrameKindComponentDelta:
		select {
		case self.deltaInbox <- frame.Payload:
		default:
			glog.Infof("[t]delta inbox full, dropping %d bytes\n", len(frame.Payload))
		}
	case FrameKindVoice:
		select {
		case self.voiceInbox <- frame.Payload:
		default:
			glog.Infof("[t]voice inbox full, dropping %d bytes\n", len(frame.Payload))
		}
	case FrameKindHeartbeat:
		self.receiveHeartbeat(frame.Payload)
	default:
		glog.V(2).Infof("[t]ignoring unknown frame kind %#02x\n", frame.Kind)
		self.metrics.Update(func(diagnostics *Diagnostics) {
			diagnostics.UnknownFrameDrops += 1
		})
	}
}

func (self *WebRtcTransport) recordCommandReceive(timestampMs uint64) {
	nowMs := uint64(time.Now().UnixMilli())
	latencyMs := float32(0)
	if timestampMs <= nowMs {
		latencyMs = float32(nowMs - timestampMs)
	}
	self.metrics.Update(func(diagnostics *Diagnostics) {
		diagnostics.CommandPacketsReceived += 1
		diagnostics.CommandLatencyMs = latencyMs
	})
}

// SendCommandPackets frames and sends packets on the data channel in
// order.
func (self *WebRtcTransport) SendCommandPackets(packets []*command.Packet) error {
	for _, packet := range packets {
		payload, err := packet.Encode()
		if err != nil {
			return err
		}
		if err := self.sendFrame(FrameKindCommand, payload); err != nil {
			return err
		}
		self.metrics.Update(func(diagnostics *Diagnostics) {
			diagnostics.CommandPacketsSent += 1
		})
	}
	return nil
}

// ReceiveCommandPacket returns the next parked command packet, or nil
// after the timeout.
func (self *WebRtcTransport) ReceiveCommandPacket(timeout time.Duration) (*command.Packet, error) {
	select {
	case packet := <-self.commandInbox:
		return packet, nil
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (self *WebRtcTransport) SendChangeSet(payload []byte) error {
	return self.sendFrame(FrameKindComponentDelta, payload)
}

func (self *WebRtcTransport) DrainChangeSets() [][]byte {
	return drainInbox(self.deltaInbox)
}

func (self *WebRtcTransport) SendVoicePayload(payload []byte) error {
	return self.sendFrame(FrameKindVoice, payload)
}

func (self *WebRtcTransport) DrainVoicePayloads() [][]byte {
	return drainInbox(self.voiceInbox)
}

func (self *WebRtcTransport) runHeartbeatSender() {
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
			return
		}
		if err := self.sendFrame(FrameKindHeartbeat, payload); err != nil {
			return
		}
	}
}

func (self *WebRtcTransport) takeEchoTimestamp() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	timestamp := self.pendingEchoMs
	self.pendingEchoMs = 0
	return timestamp
}

func (self *WebRtcTransport) receiveHeartbeat(payload []byte) {
	var heartbeat Heartbeat
	if err := json.Unmarshal(payload, &heartbeat); err != nil {
		glog.Infof("[t]malformed heartbeat dropped: %s\n", err)
		return
	}

	self.stateLock.Lock()
	self.pendingEchoMs = heartbeat.TimestampMs
	self.stateLock.Unlock()

	if heartbeat.EchoTimestampMs == 0 {
		return
	}
	nowMs := uint64(time.Now().UnixMilli())
	rttMs := float32(0)
	if heartbeat.EchoTimestampMs <= nowMs {
		rttMs = float32(nowMs - heartbeat.EchoTimestampMs)
	}
	self.metrics.Update(func(diagnostics *Diagnostics) {
		jitter := rttMs - diagnostics.RttMs
		if jitter < 0 {
			jitter = -jitter
		}
		diagnostics.RttMs = rttMs
		// same smoothing as the QUIC heartbeat path so both transports
		// report comparable jitter
		diagnostics.JitterMs = diagnostics.JitterMs*0.8 + jitter*0.2
	})
}

// Close tears down the data channel and peer connection.
func (self *WebRtcTransport) Close() {
	self.cancel()
	self.stateLock.Lock()
	dataChannel := self.dataChannel
	self.closed = true
	self.stateLock.Unlock()
	if dataChannel != nil {
		dataChannel.Close()
	}
	self.peerConnection.Close()
}

// NewLoopbackPair wires an offerer and answerer directly together,
// forwarding ICE candidates in process. Useful for connectivity checks and
// tests without a signaling server.
func NewLoopbackPair(ctx context.Context, settings *WebRtcSettings) (*WebRtcTransport, *WebRtcTransport, error) {
	if settings == nil {
		settings = DefaultWebRtcSettings()
		// loopback never needs STUN
		settings.StunUrls = nil
	}

	offerer, offer, err := NewWebRtcOfferer(ctx, settings)
	if err != nil {
		return nil, nil, err
	}
	answerer, answer, err := NewWebRtcAnswerer(ctx, settings, offer)
	if err != nil {
		offerer.Close()
		return nil, nil, err
	}
	if err := offerer.peerConnection.SetRemoteDescription(answer); err != nil {
		offerer.Close()
		answerer.Close()
		return nil, nil, err
	}

	forward := func(from *WebRtcTransport, to *WebRtcTransport) {
		from.peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
			if candidate == nil {
				return
			}
			if err := to.peerConnection.AddICECandidate(candidate.ToJSON()); err != nil {
				glog.V(2).Infof("[t]loopback candidate forward failed: %s\n", err)
			}
		})
	}
	forward(offerer, answerer)
	forward(answerer, offerer)

	if err := offerer.WaitForOpen(settings.OpenTimeout); err != nil {
		offerer.Close()
		answerer.Close()
		return nil, nil, err
	}
	if err := answerer.WaitForOpen(settings.OpenTimeout); err != nil {
		offerer.Close()
		answerer.Close()
		return nil, nil, err
	}
	return offerer, answerer, nil
}
