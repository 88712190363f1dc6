package voice

import (
	"math"
	"sync"
)

// jitterBuffer reorders incoming packets by sequence. When full, the
// oldest packet is evicted to make room.
type jitterBuffer struct {
	capacity int
	packets  []*Packet
}

func newJitterBuffer(capacity int) *jitterBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &jitterBuffer{
		capacity: capacity,
	}
}

func (self *jitterBuffer) push(packet *Packet) {
	if len(self.packets) == self.capacity {
		self.packets = self.packets[1:]
	}
	position := len(self.packets)
	for i, entry := range self.packets {
		if packet.Sequence < entry.Sequence {
			position = i
			break
		}
	}
	self.packets = append(self.packets, nil)
	copy(self.packets[position+1:], self.packets[position:])
	self.packets[position] = packet
}

func (self *jitterBuffer) pop() *Packet {
	if len(self.packets) == 0 {
		return nil
	}
	packet := self.packets[0]
	self.packets = self.packets[1:]
	return packet
}

func (self *jitterBuffer) len() int {
	return len(self.packets)
}

// ActivityDetector is a simple energy gate over normalized RMS level.
type ActivityDetector struct {
	threshold float32
}

func NewActivityDetector(threshold float32) *ActivityDetector {
	if threshold < 0 {
		threshold = 0
	}
	if 1 < threshold {
		threshold = 1
	}
	return &ActivityDetector{
		threshold: threshold,
	}
}

// Voiced reports whether the frame's energy clears the threshold.
func (self *ActivityDetector) Voiced(samples []int16) bool {
	if len(samples) == 0 {
		return false
	}
	maxValue := float64(math.MaxInt16)
	sum := float64(0)
	for _, sample := range samples {
		normalized := float64(sample) / maxValue
		sum += normalized * normalized
	}
	rms := sum / float64(len(samples))
	level := math.Sqrt(rms) * math.Sqrt2
	return float64(self.threshold) <= level
}

// Metrics aggregates per-session voice counters.
type Metrics struct {
	TotalPackets   uint64
	VoicedFrames   uint64
	DroppedPackets uint64
}

func (self *Metrics) recordGap(missing uint64) {
	self.DroppedPackets += missing
}

func (self *Metrics) reset() {
	*self = Metrics{}
}

// Diagnostics is the pass-through telemetry surface for voice.
type Diagnostics struct {
	PacketsSent     uint64   `json:"packets_sent"`
	PacketsReceived uint64   `json:"packets_received"`
	PacketsDropped  uint64   `json:"packets_dropped"`
	BytesSent       uint64   `json:"bytes_sent"`
	BytesReceived   uint64   `json:"bytes_received"`
	BitrateKbps     float32  `json:"bitrate_kbps"`
	LatencyMs       float32  `json:"latency_ms"`
	JitterMs        float32  `json:"jitter_ms"`
	VoicedFrames    uint64   `json:"voiced_frames"`
	ActiveSpeakers  []string `json:"active_speakers"`
}

// DiagnosticsHandle shares one Diagnostics between the voice session and
// telemetry.
type DiagnosticsHandle struct {
	stateLock sync.Mutex
	latest    Diagnostics
}

func NewDiagnosticsHandle() *DiagnosticsHandle {
	return &DiagnosticsHandle{}
}

func (self *DiagnosticsHandle) Latest() Diagnostics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.latest
}

func (self *DiagnosticsHandle) Update(apply func(diagnostics *Diagnostics)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	apply(&self.latest)
}

// Session composes a codec, jitter buffer, activity detector, and metrics
// into the receive half of a voice stream.
type Session struct {
	codec           Codec
	buffer          *jitterBuffer
	detector        *ActivityDetector
	metrics         Metrics
	bufferCapacity  int
	highestSequence uint64
	sequenceSeen    bool
}

func NewSession(codec Codec, bufferCapacity int, vadThreshold float32) *Session {
	if bufferCapacity < 1 {
		bufferCapacity = 1
	}
	return &Session{
		codec:          codec,
		buffer:         newJitterBuffer(bufferCapacity),
		detector:       NewActivityDetector(vadThreshold),
		bufferCapacity: bufferCapacity,
	}
}

// EnqueuePacket accepts one packet, counting any sequence gap as dropped
// packets.
func (self *Session) EnqueuePacket(packet *Packet) {
	if self.sequenceSeen {
		if self.highestSequence < packet.Sequence {
			expectedNext := self.highestSequence + 1
			if expectedNext < packet.Sequence {
				self.metrics.recordGap(packet.Sequence - expectedNext)
			}
			self.highestSequence = packet.Sequence
		}
	} else {
		self.highestSequence = packet.Sequence
		self.sequenceSeen = true
	}
	self.buffer.push(packet)
}

// DequeueSamples pops the next buffered packet and decodes it. Unvoiced
// frames come back zeroed. Returns nil samples when the buffer is empty.
func (self *Session) DequeueSamples() ([]int16, error) {
	packet := self.buffer.pop()
	if packet == nil {
		return nil, nil
	}

	self.metrics.TotalPackets += 1
	decoded, err := self.codec.Decode(packet.Payload)
	if err != nil {
		return nil, err
	}

	if self.detector.Voiced(decoded) {
		self.metrics.VoicedFrames += 1
	} else {
		for i := range decoded {
			decoded[i] = 0
		}
	}
	return decoded, nil
}

func (self *Session) Metrics() Metrics {
	return self.metrics
}

// Reset clears the buffer, metrics, and gap tracking.
func (self *Session) Reset() {
	self.buffer = newJitterBuffer(self.bufferCapacity)
	self.metrics.reset()
	self.highestSequence = 0
	self.sequenceSeen = false
}
