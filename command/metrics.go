package command

import (
	"time"
)

// ewmaAlpha smooths append rate and signature verify latency.
const ewmaAlpha = 0.2

// MetricsSnapshot is an immutable per-frame readout of the log counters.
// Every rejection kind of the failure taxonomy maps onto exactly one
// counter here.
type MetricsSnapshot struct {
	TotalAppended            uint64            `json:"total_appended"`
	AppendRatePerSec         float32           `json:"append_rate_per_sec"`
	ConflictRejections       map[string]uint64 `json:"conflict_rejections"`
	QueueDepth               int               `json:"queue_depth"`
	SignatureVerifyLatencyMs float32           `json:"signature_verify_latency_ms"`
	SignatureRejections      uint64            `json:"signature_rejections"`
	PermissionRejections     uint64            `json:"permission_rejections"`
	ReplayRejections         uint64            `json:"replay_rejections"`
	RateLimitDrops           uint64            `json:"rate_limit_drops"`
	PayloadGuardDrops        uint64            `json:"payload_guard_drops"`
	DuplicateDrops           uint64            `json:"duplicate_drops"`
	SerializationErrors      uint64            `json:"serialization_errors"`
}

type metrics struct {
	totalAppended            uint64
	appendRatePerSec         float32
	lastAppendTime           time.Time
	conflictRejections       map[ConflictStrategy]uint64
	signatureVerifyLatencyMs float32
	signatureRejections      uint64
	permissionRejections     uint64
	replayRejections         uint64
	rateLimitDrops           uint64
	payloadGuardDrops        uint64
	duplicateDrops           uint64
	serializationErrors      uint64
}

func newMetrics() *metrics {
	return &metrics{
		conflictRejections: map[ConflictStrategy]uint64{},
	}
}

func (self *metrics) recordAppend(now time.Time) {
	self.totalAppended += 1
	if !self.lastAppendTime.IsZero() {
		elapsed := now.Sub(self.lastAppendTime).Seconds()
		if 0 < elapsed {
			instant := float32(1.0 / elapsed)
			self.appendRatePerSec = self.appendRatePerSec*(1-ewmaAlpha) + instant*ewmaAlpha
		}
	}
	self.lastAppendTime = now
}

func (self *metrics) recordVerifyLatency(elapsed time.Duration) {
	latencyMs := float32(elapsed.Seconds() * 1000)
	if self.signatureVerifyLatencyMs == 0 {
		self.signatureVerifyLatencyMs = latencyMs
	} else {
		self.signatureVerifyLatencyMs = self.signatureVerifyLatencyMs*(1-ewmaAlpha) + latencyMs*ewmaAlpha
	}
}

func (self *metrics) snapshot(queueDepth int) MetricsSnapshot {
	conflicts := map[string]uint64{}
	for strategy, count := range self.conflictRejections {
		conflicts[strategy.String()] = count
	}
	return MetricsSnapshot{
		TotalAppended:            self.totalAppended,
		AppendRatePerSec:         self.appendRatePerSec,
		ConflictRejections:       conflicts,
		QueueDepth:               queueDepth,
		SignatureVerifyLatencyMs: self.signatureVerifyLatencyMs,
		SignatureRejections:      self.signatureRejections,
		PermissionRejections:     self.permissionRejections,
		ReplayRejections:         self.replayRejections,
		RateLimitDrops:           self.rateLimitDrops,
		PayloadGuardDrops:        self.payloadGuardDrops,
		DuplicateDrops:           self.duplicateDrops,
		SerializationErrors:      self.serializationErrors,
	}
}
