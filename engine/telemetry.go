package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jvastola/Theta/command"
	"github.com/jvastola/Theta/ecs"
	"github.com/jvastola/Theta/replicate"
	"github.com/jvastola/Theta/transport"
	"github.com/jvastola/Theta/voice"
)

// StageSample is one stage's timing slice inside a frame telemetry record.
type StageSample struct {
	Stage      string  `json:"stage"`
	DurationMs float32 `json:"duration_ms"`
	RollingMs  float32 `json:"rolling_ms"`
}

// FrameTelemetry is the per-frame observability record. Optional sections
// are nil when the subsystem is not attached.
type FrameTelemetry struct {
	Frame                 uint64                   `json:"frame"`
	AverageFrameTimeMs    float32                  `json:"average_frame_time_ms"`
	Stages                []StageSample            `json:"stages"`
	Transport             *transport.Diagnostics   `json:"transport,omitempty"`
	Commands              *command.MetricsSnapshot `json:"commands,omitempty"`
	Voice                 *voice.Diagnostics       `json:"voice,omitempty"`
	SignalingEventsPolled uint64                   `json:"signaling_events_polled"`
}

// TelemetryFromProfile converts a scheduler frame profile into a telemetry
// record. The average frame time is the sum of the per-stage rolling
// averages.
func TelemetryFromProfile(profile *FrameProfile) *FrameTelemetry {
	stages := make([]StageSample, 0, len(profile.Stages))
	averageMs := float32(0)
	for _, stageProfile := range profile.Stages {
		stages = append(stages, StageSample{
			Stage:      stageProfile.Stage,
			DurationMs: stageProfile.TotalMs,
			RollingMs:  stageProfile.RollingMs,
		})
		averageMs += stageProfile.RollingMs
	}
	return &FrameTelemetry{
		Frame:              profile.Frame,
		AverageFrameTimeMs: averageMs,
		Stages:             stages,
	}
}

// TelemetrySurface holds the latest telemetry record, deduplicating by
// frame number so re-recording the same frame is a no-op.
type TelemetrySurface struct {
	latest *FrameTelemetry
}

func NewTelemetrySurface() *TelemetrySurface {
	return &TelemetrySurface{}
}

// Record stores the telemetry and reports whether it replaced a different
// frame's record.
func (self *TelemetrySurface) Record(telemetry *FrameTelemetry) bool {
	if telemetry == nil {
		return false
	}
	if self.latest != nil && self.latest.Frame == telemetry.Frame {
		return false
	}
	self.latest = telemetry
	return true
}

func (self *TelemetrySurface) Latest() *FrameTelemetry {
	return self.latest
}

// TelemetryReplicator publishes the telemetry record as a change set so
// observers receive it over the same delta channel as world state. The
// first publish is an insert with a descriptor; later publishes are
// updates.
type TelemetryReplicator struct {
	key        replicate.ComponentKey
	entity     ecs.Entity
	sequence   uint64
	advertised bool

	// Now stamps change sets. Injectable for tests.
	Now func() time.Time
}

func NewTelemetryReplicator(entity ecs.Entity) *TelemetryReplicator {
	return &TelemetryReplicator{
		key:    replicate.NewComponentKey("engine.FrameTelemetry"),
		entity: entity,
		Now:    time.Now,
	}
}

func (self *TelemetryReplicator) Key() replicate.ComponentKey {
	return self.key
}

// Publish serializes the telemetry into a single-diff change set.
func (self *TelemetryReplicator) Publish(telemetry *FrameTelemetry) (*replicate.ChangeSet, error) {
	payload, err := json.Marshal(telemetry)
	if err != nil {
		return nil, err
	}

	kind := replicate.DiffUpdate
	var descriptors []replicate.ComponentDescriptor
	if !self.advertised {
		kind = replicate.DiffInsert
		descriptors = []replicate.ComponentDescriptor{{
			Key:      self.key.TypeHash,
			TypeName: self.key.TypeName,
		}}
		self.advertised = true
	}

	self.sequence += 1
	return &replicate.ChangeSet{
		Sequence:    self.sequence,
		TimestampMs: uint64(self.Now().UnixMilli()),
		Descriptors: descriptors,
		Diffs: []replicate.ComponentDiff{{
			Key:     self.key.TypeHash,
			Entity:  self.entity,
			Kind:    kind,
			Payload: payload,
		}},
	}, nil
}

// telemetryOverlayCapacity bounds the overlay's frame history.
const telemetryOverlayCapacity = 120

// TelemetryOverlay keeps a rolling window of telemetry records for the
// debug panel and sparkline series.
type TelemetryOverlay struct {
	capacity int
	frames   []*FrameTelemetry
}

func NewTelemetryOverlay() *TelemetryOverlay {
	return &TelemetryOverlay{
		capacity: telemetryOverlayCapacity,
	}
}

func (self *TelemetryOverlay) Push(telemetry *FrameTelemetry) {
	if telemetry == nil {
		return
	}
	if len(self.frames) == self.capacity {
		self.frames = self.frames[1:]
	}
	self.frames = append(self.frames, telemetry)
}

func (self *TelemetryOverlay) Len() int {
	return len(self.frames)
}

func (self *TelemetryOverlay) Latest() *FrameTelemetry {
	if len(self.frames) == 0 {
		return nil
	}
	return self.frames[len(self.frames)-1]
}

// TextPanel renders the latest record as a multi-line debug panel.
func (self *TelemetryOverlay) TextPanel() string {
	latest := self.Latest()
	if latest == nil {
		return "telemetry: no frames"
	}

	builder := strings.Builder{}
	fmt.Fprintf(&builder, "frame %d avg %.2fms\n", latest.Frame, latest.AverageFrameTimeMs)
	for _, stage := range latest.Stages {
		fmt.Fprintf(&builder, "  %s %.2fms (rolling %.2fms)\n", stage.Stage, stage.DurationMs, stage.RollingMs)
	}
	if latest.Transport != nil {
		fmt.Fprintf(
			&builder,
			"  transport %s rtt %.2fms jitter %.2fms sent %d recv %d\n",
			latest.Transport.Kind,
			latest.Transport.RttMs,
			latest.Transport.JitterMs,
			latest.Transport.CommandPacketsSent,
			latest.Transport.CommandPacketsReceived,
		)
	}
	if latest.Commands != nil {
		fmt.Fprintf(
			&builder,
			"  commands appended %d rate %.2f/s queue %d\n",
			latest.Commands.TotalAppended,
			latest.Commands.AppendRatePerSec,
			latest.Commands.QueueDepth,
		)
	}
	if latest.Voice != nil {
		fmt.Fprintf(
			&builder,
			"  voice recv %d dropped %d voiced %d\n",
			latest.Voice.PacketsReceived,
			latest.Voice.PacketsDropped,
			latest.Voice.VoicedFrames,
		)
	}
	return builder.String()
}

// RollingSeries returns the windowed rolling averages for one stage,
// oldest first.
func (self *TelemetryOverlay) RollingSeries(stage Stage) []float32 {
	name := stage.String()
	series := make([]float32, 0, len(self.frames))
	for _, telemetry := range self.frames {
		for _, sample := range telemetry.Stages {
			if sample.Stage == name {
				series = append(series, sample.RollingMs)
				break
			}
		}
	}
	return series
}
