package transport

import (
	"sync"
)

// TransportKind discriminates the active transport.
type TransportKind int

const (
	TransportKindUnknown TransportKind = iota
	TransportKindQuic
	TransportKindWebRtc
)

func (self TransportKind) String() string {
	switch self {
	case TransportKindQuic:
		return "quic"
	case TransportKindWebRtc:
		return "webrtc"
	default:
		return "unknown"
	}
}

// Diagnostics is the shared counter set for one transport session.
// Snapshots are immutable copies; counters are monotonic.
type Diagnostics struct {
	Kind                        TransportKind `json:"kind"`
	RttMs                       float32       `json:"rtt_ms"`
	JitterMs                    float32       `json:"jitter_ms"`
	PacketsSent                 uint64        `json:"packets_sent"`
	PacketsReceived             uint64        `json:"packets_received"`
	BytesSent                   uint64        `json:"bytes_sent"`
	BytesReceived               uint64        `json:"bytes_received"`
	CommandPacketsSent          uint64        `json:"command_packets_sent"`
	CommandPacketsReceived      uint64        `json:"command_packets_received"`
	CommandBandwidthBytesPerSec float32       `json:"command_bandwidth_bytes_per_sec"`
	CommandLatencyMs            float32       `json:"command_latency_ms"`
	CompressionRatio            float32       `json:"compression_ratio"`
	PayloadGuardDrops           uint64        `json:"payload_guard_drops"`
	UnknownFrameDrops           uint64        `json:"unknown_frame_drops"`
}

// MetricsHandle shares one Diagnostics between a session's send/receive
// paths, its heartbeat tasks, and telemetry. Writers update under the lock;
// readers take copies.
type MetricsHandle struct {
	stateLock sync.Mutex
	latest    Diagnostics
}

func NewMetricsHandle(kind TransportKind) *MetricsHandle {
	return &MetricsHandle{
		latest: Diagnostics{
			Kind:             kind,
			CompressionRatio: 1.0,
		},
	}
}

// Latest returns a copy of the current diagnostics.
func (self *MetricsHandle) Latest() Diagnostics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.latest
}

// Update applies a mutation under the lock.
func (self *MetricsHandle) Update(apply func(diagnostics *Diagnostics)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	apply(&self.latest)
}
