package engine

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/jvastola/Theta/command"
	"github.com/jvastola/Theta/ecs"
	"github.com/jvastola/Theta/replicate"
	"github.com/jvastola/Theta/signal"
)

func newTestPipeline(authorId command.AuthorId) *Pipeline {
	settings := DefaultPipelineSettings()
	settings.Now = func() time.Time {
		return time.UnixMilli(1000)
	}
	return NewPipeline(
		command.NewAuthor(authorId, command.RoleEditor),
		command.NewNoopSigner(),
		command.NewNoopVerifier(),
		settings,
	)
}

func newTestEngine(t *testing.T, authorId command.AuthorId) *Engine {
	settings := DefaultEngineSettings()
	settings.Author = command.NewAuthor(authorId, command.RoleEditor)
	settings.Bootstrap = &signal.BootstrapSettings{Disabled: true}
	engine, err := NewEngine(context.Background(), settings)
	assert.Equal(t, err, nil)
	return engine
}

func TestPipelineBatchesAppendedCommands(t *testing.T) {
	pipeline := newTestPipeline(1)
	world := ecs.NewWorld()
	entity := world.Spawn()

	_, err := pipeline.RecordSelectionHighlight(entity, true)
	assert.Equal(t, err, nil)
	_, err = pipeline.RecordToolActivate("translate")
	assert.Equal(t, err, nil)
	assert.Equal(t, pipeline.PendingBatchCount(), 2)

	batches := pipeline.DrainBatches()
	assert.Equal(t, len(batches), 2)
	assert.Equal(t, batches[0].Sequence, uint64(1))
	assert.Equal(t, batches[1].Sequence, uint64(2))
	assert.Equal(t, len(batches[0].Entries), 1)
	assert.Equal(t, batches[0].Entries[0].Payload.CommandType, CommandSelectionHighlight)
	assert.Equal(t, batches[1].Entries[0].Payload.CommandType, CommandToolActivate)
	assert.Equal(t, pipeline.PendingBatchCount(), 0)
	assert.Equal(t, len(pipeline.DrainBatches()), 0)
}

func TestPipelineRejectsUnregisteredCommandType(t *testing.T) {
	pipeline := newTestPipeline(1)
	_, err := pipeline.Append("unregistered", command.GlobalScope(), map[string]int{})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, pipeline.PendingBatchCount(), 0)
}

func TestPipelineIntegrateRemoteAdvancesCursor(t *testing.T) {
	sender := newTestPipeline(1)
	receiver := newTestPipeline(2)

	_, err := sender.RecordVertexCreate([3]float32{1, 2, 3}, nil)
	assert.Equal(t, err, nil)
	batches := sender.DrainBatches()
	assert.Equal(t, len(batches), 1)
	packet, err := command.PacketFromBatch(batches[0])
	assert.Equal(t, err, nil)

	applied, err := receiver.IntegrateRemotePacket(packet)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(applied), 1)
	// remote entries do not echo back out
	assert.Equal(t, receiver.PendingBatchCount(), 0)

	_, err = receiver.RecordToolActivate("scale")
	assert.Equal(t, err, nil)
	batches = receiver.DrainBatches()
	assert.Equal(t, len(batches), 1)
	assert.Equal(t, len(batches[0].Entries), 1)
	assert.Equal(t, batches[0].Entries[0].Payload.CommandType, CommandToolActivate)
}

func TestPipelineMetricsPassThroughQueueDepth(t *testing.T) {
	pipeline := newTestPipeline(1)
	_, err := pipeline.RecordToolActivate("rotate")
	assert.Equal(t, err, nil)

	metrics := pipeline.MetricsSnapshot(7)
	assert.Equal(t, metrics.TotalAppended, uint64(1))
	assert.Equal(t, metrics.QueueDepth, 7)
}

func TestOutboxSerializesBatchesInOrder(t *testing.T) {
	pipeline := newTestPipeline(1)
	_, err := pipeline.RecordToolActivate("translate")
	assert.Equal(t, err, nil)
	_, err = pipeline.RecordToolDeactivate("translate")
	assert.Equal(t, err, nil)

	outbox := NewOutbox()
	outbox.Ingest(pipeline.DrainBatches())
	assert.Equal(t, outbox.Counters().TotalBatches, uint64(2))
	assert.Equal(t, outbox.Counters().TotalEntries, uint64(2))
	assert.Equal(t, outbox.Counters().TotalPackets, uint64(2))

	packets := outbox.DrainPackets()
	assert.Equal(t, len(packets), 2)
	assert.Equal(t, packets[0].Sequence, uint64(1))
	assert.Equal(t, packets[1].Sequence, uint64(2))
	assert.Equal(t, outbox.PendingCount(), 0)
}

func TestTelemetryFromProfileSumsRollingAverages(t *testing.T) {
	profile := &FrameProfile{
		Frame: 7,
		Stages: []StageProfile{
			{Stage: "startup", TotalMs: 1, RollingMs: 1},
			{Stage: "simulation", TotalMs: 4, RollingMs: 2},
		},
	}
	telemetry := TelemetryFromProfile(profile)
	assert.Equal(t, telemetry.Frame, uint64(7))
	assert.Equal(t, telemetry.AverageFrameTimeMs, float32(3))
	assert.Equal(t, len(telemetry.Stages), 2)
	assert.Equal(t, telemetry.Stages[1].DurationMs, float32(4))
}

func TestTelemetrySurfaceDedupesByFrame(t *testing.T) {
	surface := NewTelemetrySurface()
	assert.Equal(t, surface.Record(&FrameTelemetry{Frame: 1}), true)
	assert.Equal(t, surface.Record(&FrameTelemetry{Frame: 1}), false)
	assert.Equal(t, surface.Record(&FrameTelemetry{Frame: 2}), true)
	assert.Equal(t, surface.Latest().Frame, uint64(2))
}

func TestTelemetryReplicatorInsertThenUpdate(t *testing.T) {
	world := ecs.NewWorld()
	entity := world.Spawn()
	replicator := NewTelemetryReplicator(entity)
	replicator.Now = func() time.Time {
		return time.UnixMilli(5000)
	}

	first, err := replicator.Publish(&FrameTelemetry{Frame: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, first.Sequence, uint64(1))
	assert.Equal(t, len(first.Descriptors), 1)
	assert.Equal(t, first.Diffs[0].Kind, replicate.DiffInsert)
	assert.Equal(t, first.Diffs[0].Entity, entity)

	second, err := replicator.Publish(&FrameTelemetry{Frame: 2})
	assert.Equal(t, err, nil)
	assert.Equal(t, second.Sequence, uint64(2))
	assert.Equal(t, len(second.Descriptors), 0)
	assert.Equal(t, second.Diffs[0].Kind, replicate.DiffUpdate)
}

func TestTelemetryOverlayWindowAndSeries(t *testing.T) {
	overlay := NewTelemetryOverlay()
	for frame := 1; frame <= telemetryOverlayCapacity+5; frame += 1 {
		overlay.Push(&FrameTelemetry{
			Frame: uint64(frame),
			Stages: []StageSample{
				{Stage: "simulation", RollingMs: float32(frame)},
			},
		})
	}
	assert.Equal(t, overlay.Len(), telemetryOverlayCapacity)
	assert.Equal(t, overlay.Latest().Frame, uint64(telemetryOverlayCapacity+5))

	series := overlay.RollingSeries(StageSimulation)
	assert.Equal(t, len(series), telemetryOverlayCapacity)
	assert.Equal(t, series[0], float32(6))
	assert.NotEqual(t, overlay.TextPanel(), "")
}

func TestEngineFrameAdvancesWorld(t *testing.T) {
	engine := newTestEngine(t, 1)
	defer engine.Close()

	telemetry := engine.Frame(1.0 / 60)
	assert.Equal(t, telemetry.Frame, uint64(1))
	assert.NotEqual(t, telemetry.Commands, nil)

	stats, ok, err := ecs.Get[FrameStats](engine.World(), engine.SessionEntity())
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, stats.Frame, uint64(1))
	assert.Equal(t, stats.EntityCount, 3)

	transformValue, ok, err := ecs.Get[Transform](engine.World(), engine.AvatarEntity())
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.NotEqual(t, transformValue.Position, DefaultTransform().Position)
}

func TestEngineSelectionPulseEmitsCommand(t *testing.T) {
	engine := newTestEngine(t, 1)
	defer engine.Close()

	for i := 0; i < selectionHighlightInterval; i += 1 {
		engine.Frame(1.0 / 60)
	}

	selection, ok, err := ecs.Get[EditorSelection](engine.World(), engine.selectionEntity)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, selection.HighlightActive, true)
	assert.Equal(t, selection.FramesSinceChange, uint32(0))

	// the highlight command was batched and queued for the transport
	assert.Equal(t, engine.Pipeline().Log().Len(), 1)
	assert.Equal(t, engine.sendQueue.Depth(), 1)
}

func TestEngineAppliesRemoteCommands(t *testing.T) {
	sender := newTestEngine(t, 1)
	defer sender.Close()
	receiver := newTestEngine(t, 2)
	defer receiver.Close()

	_, err := sender.Pipeline().RecordVertexCreate([3]float32{1, 2, 3}, nil)
	assert.Equal(t, err, nil)
	_, err = sender.Pipeline().RecordEntityTranslate(sender.AvatarEntity(), [3]float32{5, 0, 0})
	assert.Equal(t, err, nil)

	for _, batch := range sender.Pipeline().DrainBatches() {
		packet, err := command.PacketFromBatch(batch)
		assert.Equal(t, err, nil)
		applied, err := receiver.Pipeline().IntegrateRemotePacket(packet)
		assert.Equal(t, err, nil)
		for _, entry := range applied {
			assert.Equal(t, receiver.applyEntry(entry), nil)
		}
	}

	stats, _, err := ecs.Get[MeshStats](receiver.World(), receiver.SessionEntity())
	assert.Equal(t, err, nil)
	assert.Equal(t, stats.VerticesCreated, uint64(1))
	assert.Equal(t, stats.LastVertex, [3]float32{1, 2, 3})

	// both engines seed the scene identically, so the entity handle resolves
	transformValue, ok, err := ecs.Get[Transform](receiver.World(), receiver.AvatarEntity())
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, transformValue.Position[0], DefaultTransform().Position[0]+5)
}

func TestEngineReplaysPersistedCommands(t *testing.T) {
	storePath := t.TempDir() + "/commands.db"

	settings := DefaultEngineSettings()
	settings.Bootstrap = &signal.BootstrapSettings{Disabled: true}
	settings.CommandStorePath = storePath
	first, err := NewEngine(context.Background(), settings)
	assert.Equal(t, err, nil)

	_, err = first.Pipeline().RecordVertexCreate([3]float32{7, 8, 9}, nil)
	assert.Equal(t, err, nil)
	first.Frame(1.0 / 60)
	first.Close()

	restartSettings := DefaultEngineSettings()
	restartSettings.Bootstrap = &signal.BootstrapSettings{Disabled: true}
	restartSettings.CommandStorePath = storePath
	second, err := NewEngine(context.Background(), restartSettings)
	assert.Equal(t, err, nil)
	defer second.Close()

	assert.Equal(t, second.Pipeline().Log().Len(), 1)
	stats, _, err := ecs.Get[MeshStats](second.World(), second.SessionEntity())
	assert.Equal(t, err, nil)
	assert.Equal(t, stats.VerticesCreated, uint64(1))
	assert.Equal(t, stats.LastVertex, [3]float32{7, 8, 9})
}

func TestEngineDeterministicEvolution(t *testing.T) {
	first := newTestEngine(t, 1)
	defer first.Close()
	second := newTestEngine(t, 1)
	defer second.Close()

	for i := 0; i < 150; i += 1 {
		first.Frame(1.0 / 60)
		second.Frame(1.0 / 60)
	}

	firstTransform, _, err := ecs.Get[Transform](first.World(), first.AvatarEntity())
	assert.Equal(t, err, nil)
	secondTransform, _, err := ecs.Get[Transform](second.World(), second.AvatarEntity())
	assert.Equal(t, err, nil)
	assert.Equal(t, firstTransform, secondTransform)

	// command logs converge: identical ids and nonces hash identically
	assert.Equal(t, first.Pipeline().Log().Hash(), second.Pipeline().Log().Hash())
	assert.Equal(t, first.Pipeline().Log().Len(), second.Pipeline().Log().Len())
}
