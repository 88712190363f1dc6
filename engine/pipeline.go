package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/jvastola/Theta/command"
	"github.com/jvastola/Theta/ecs"
)

// PipelineSettings tunes batching.
type PipelineSettings struct {
	// Now stamps outgoing batches. Injectable for tests.
	Now func() time.Time
	// LogSettings passes through to the underlying command log.
	LogSettings *command.LogSettings
}

func DefaultPipelineSettings() *PipelineSettings {
	return &PipelineSettings{
		Now: time.Now,
	}
}

// Pipeline turns editor intents into signed log entries and drains them as
// batches for the outbox. Remote packets come back in through
// IntegrateRemotePacket. Single-owner like the log: only the frame loop
// calls it.
type Pipeline struct {
	settings *PipelineSettings

	log      *command.Log
	registry *command.Registry

	// publish cursor into the log's total order
	lastPublished command.Id
	hasPublished  bool

	batchSequence  uint64
	nonce          uint64
	pendingBatches []*command.Batch
}

func NewPipeline(localAuthor command.Author, signer command.Signer, verifier command.Verifier, settings *PipelineSettings) *Pipeline {
	if settings == nil {
		settings = DefaultPipelineSettings()
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Pipeline{
		settings:       settings,
		log:            command.NewLog(localAuthor, signer, verifier, settings.LogSettings),
		registry:       DefaultCommandRegistry(),
		pendingBatches: []*command.Batch{},
	}
}

func (self *Pipeline) Log() *command.Log {
	return self.log
}

func (self *Pipeline) Registry() *command.Registry {
	return self.registry
}

// Append serializes the command value and appends it to the log under the
// registered definition for commandType. The new entries since the last
// publish are captured into a pending batch.
func (self *Pipeline) Append(commandType string, scope command.Scope, value any) (command.Id, error) {
	definition, ok := self.registry.Lookup(commandType)
	if !ok {
		return command.Id{}, fmt.Errorf("unregistered command type %s", commandType)
	}
	payloadBytes, err := json.Marshal(value)
	if err != nil {
		return command.Id{}, err
	}
	id, err := self.log.AppendLocal(commandType, payloadBytes, scope, definition.RequiredRole, definition.DefaultStrategy)
	if err != nil {
		glog.V(2).Infof("[pipeline]append %s rejected: %s\n", commandType, err)
		return command.Id{}, err
	}
	self.capturePending()
	return id, nil
}

func (self *Pipeline) RecordSelectionHighlight(entity ecs.Entity, active bool) (command.Id, error) {
	return self.Append(CommandSelectionHighlight, command.EntityScope(entity), &SelectionHighlightCommand{
		Entity: entity,
		Active: active,
	})
}

func (self *Pipeline) RecordEntityTranslate(entity ecs.Entity, delta [3]float32) (command.Id, error) {
	return self.Append(CommandEntityTranslate, command.EntityScope(entity), &EntityTranslateCommand{
		Entity: entity,
		Delta:  delta,
	})
}

func (self *Pipeline) RecordEntityRotate(entity ecs.Entity, rotation Quaternion) (command.Id, error) {
	return self.Append(CommandEntityRotate, command.EntityScope(entity), &EntityRotateCommand{
		Entity:   entity,
		Rotation: rotation.Normalized(),
	})
}

func (self *Pipeline) RecordEntityScale(entity ecs.Entity, scale [3]float32) (command.Id, error) {
	return self.Append(CommandEntityScale, command.EntityScope(entity), &EntityScaleCommand{
		Entity: entity,
		Scale:  scale,
	})
}

func (self *Pipeline) RecordToolActivate(toolId string) (command.Id, error) {
	return self.Append(CommandToolActivate, command.ToolScope(toolId), &ToolActivateCommand{
		ToolId: toolId,
	})
}

func (self *Pipeline) RecordToolDeactivate(toolId string) (command.Id, error) {
	return self.Append(CommandToolDeactivate, command.ToolScope(toolId), &ToolDeactivateCommand{
		ToolId: toolId,
	})
}

func (self *Pipeline) RecordVertexCreate(position [3]float32, metadata map[string]string) (command.Id, error) {
	return self.Append(CommandMeshVertexCreate, command.GlobalScope(), &VertexCreateCommand{
		Position: position,
		Metadata: metadata,
	})
}

func (self *Pipeline) RecordEdgeExtrude(edgeId uint32, direction [3]float32) (command.Id, error) {
	return self.Append(CommandMeshEdgeExtrude, command.GlobalScope(), &EdgeExtrudeCommand{
		EdgeId:    edgeId,
		Direction: direction,
	})
}

func (self *Pipeline) RecordFaceSubdivide(faceId uint32, params SubdivideParams) (command.Id, error) {
	return self.Append(CommandMeshFaceSubdivide, command.GlobalScope(), &FaceSubdivideCommand{
		FaceId: faceId,
		Params: params,
	})
}

// capturePending moves every entry past the publish cursor into a new
// pending batch and advances the cursor.
func (self *Pipeline) capturePending() {
	var entries []command.Entry
	if self.hasPublished {
		entries = self.log.EntriesSince(self.lastPublished)
	} else {
		entries = self.log.Entries()
	}
	if len(entries) == 0 {
		return
	}

	self.batchSequence += 1
	self.nonce += 1
	self.pendingBatches = append(self.pendingBatches, &command.Batch{
		Sequence:    self.batchSequence,
		Nonce:       self.nonce,
		TimestampMs: uint64(self.settings.Now().UnixMilli()),
		Author:      self.log.LocalAuthor().Id,
		Entries:     entries,
	})
	self.lastPublished = entries[len(entries)-1].Id
	self.hasPublished = true
}

// DrainBatches hands off the pending batches, oldest first.
func (self *Pipeline) DrainBatches() []*command.Batch {
	batches := self.pendingBatches
	self.pendingBatches = []*command.Batch{}
	return batches
}

func (self *Pipeline) PendingBatchCount() int {
	return len(self.pendingBatches)
}

// IntegrateRemotePacket feeds a received packet through the log's
// acceptance state machine and returns the accepted entries in total
// order. Accepted remote entries advance the publish cursor so they are
// not echoed back out.
func (self *Pipeline) IntegrateRemotePacket(packet *command.Packet) ([]command.Entry, error) {
	applied, err := self.log.IntegratePacket(packet)
	if err != nil {
		return nil, err
	}
	if latest, ok := self.log.LatestId(); ok {
		if !self.hasPublished || self.lastPublished.Less(latest) {
			self.lastPublished = latest
			self.hasPublished = true
		}
	}
	return applied, nil
}

// MetricsSnapshot copies the log counters; queueDepth comes from the
// transport send queue.
func (self *Pipeline) MetricsSnapshot(queueDepth int) command.MetricsSnapshot {
	return self.log.MetricsSnapshot(queueDepth)
}
