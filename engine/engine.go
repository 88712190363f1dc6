package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jvastola/Theta/command"
	"github.com/jvastola/Theta/ecs"
	"github.com/jvastola/Theta/replicate"
	"github.com/jvastola/Theta/signal"
	"github.com/jvastola/Theta/transport"
	"github.com/jvastola/Theta/voice"
)

// EngineSettings wires one engine instance.
type EngineSettings struct {
	Author            command.Author
	SchedulerSettings *SchedulerSettings
	PipelineSettings  *PipelineSettings
	SendQueueSettings *transport.SendQueueSettings
	WebRtcSettings    *transport.WebRtcSettings
	Bootstrap         *signal.BootstrapSettings
	// CommandStorePath persists outbound command packets when set. On
	// startup the stored packets are replayed so a restarted process
	// recovers its command history.
	CommandStorePath string
	// ReceivePacketBudget bounds packets integrated per frame.
	ReceivePacketBudget int
	// ReceiveTimeout is the per-packet poll on the transport. Zero polls
	// without blocking.
	ReceiveTimeout time.Duration
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		Author:              command.NewAuthor(1, command.RoleEditor),
		ReceivePacketBudget: 8,
	}
}

// Engine composes the world, scheduler, command pipeline, replication, and
// networking into one frame-driven loop. All state except the attached
// transport is frame-loop confined.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *EngineSettings

	world       *ecs.World
	registry    *replicate.Registry
	replication *replicate.Session
	scheduler   *Scheduler
	pipeline    *Pipeline
	outbox      *Outbox
	sendQueue   *transport.SendQueue
	store       *command.Store

	surface    *TelemetrySurface
	overlay    *TelemetryOverlay
	replicator *TelemetryReplicator

	voiceDiagnostics *voice.DiagnosticsHandle

	signalServer *signal.Server
	signalClient *signal.Client
	directory    *signal.Directory

	stateLock             sync.Mutex
	activeTransport       transport.CommandTransport
	signalingEventsPolled uint64

	sessionEntity   ecs.Entity
	avatarEntity    ecs.Entity
	selectionEntity ecs.Entity
}

func NewEngine(ctx context.Context, settings *EngineSettings) (*Engine, error) {
	if settings == nil {
		settings = DefaultEngineSettings()
	}
	if settings.ReceivePacketBudget < 1 {
		settings.ReceivePacketBudget = 8
	}

	signer, err := command.NewEd25519Signer()
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	world := ecs.NewWorld()
	registry := replicate.NewRegistry()
	RegisterCoreComponents(registry)

	engine := &Engine{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		world:       world,
		registry:    registry,
		replication: replicate.NewSession(),
		scheduler:   NewScheduler(world, settings.SchedulerSettings),
		pipeline:    NewPipeline(settings.Author, signer, command.NewEd25519Verifier(), settings.PipelineSettings),
		outbox:      NewOutbox(),
		sendQueue:   transport.NewSendQueue(settings.SendQueueSettings),
		surface:     NewTelemetrySurface(),
		overlay:     NewTelemetryOverlay(),
	}

	engine.seedScene()
	engine.replicator = NewTelemetryReplicator(engine.sessionEntity)
	engine.registerSystems()

	if settings.CommandStorePath != "" {
		if err := engine.openStore(settings.CommandStorePath); err != nil {
			cancel()
			return nil, err
		}
	}
	return engine, nil
}

// openStore opens the packet store and replays its contents through the
// pipeline so the log reflects history from before a restart.
func (self *Engine) openStore(path string) error {
	store, err := command.OpenStore(path)
	if err != nil {
		return err
	}
	self.store = store

	packets, err := store.ReadSince(0)
	if err != nil {
		store.Close()
		self.store = nil
		return err
	}
	for _, packet := range packets {
		applied, err := self.pipeline.IntegrateRemotePacket(packet)
		if err != nil {
			glog.Infof("[engine]stored packet %d skipped: %s\n", packet.Sequence, err)
			continue
		}
		for _, entry := range applied {
			if err := self.applyEntry(entry); err != nil {
				glog.V(2).Infof("[engine]stored apply %s failed: %s\n", entry.Payload.CommandType, err)
			}
		}
	}
	if last, err := store.LastSequence(); err == nil {
		// keep new batch sequences past the stored ones
		self.pipeline.batchSequence = last
	}
	if len(packets) != 0 {
		glog.Infof("[engine]replayed %d stored packets\n", len(packets))
	}
	return nil
}

// seedScene spawns the session, avatar, and selection entities.
func (self *Engine) seedScene() {
	self.sessionEntity = self.world.Spawn()
	ecs.Insert(self.world, self.sessionEntity, FrameStats{})
	ecs.Insert(self.world, self.sessionEntity, ActiveTool{})
	ecs.Insert(self.world, self.sessionEntity, MeshStats{})

	self.avatarEntity = self.world.Spawn()
	ecs.Insert(self.world, self.avatarEntity, DefaultTransform())
	ecs.Insert(self.world, self.avatarEntity, DefaultVelocity())
	ecs.Insert(self.world, self.avatarEntity, TrackedPose{
		Position:    [3]float32{0, 1.6, 0},
		Orientation: IdentityQuaternion(),
	})
	ecs.Insert(self.world, self.avatarEntity, ControllerState{})

	self.selectionEntity = self.world.Spawn()
	ecs.Insert(self.world, self.selectionEntity, EditorSelection{
		Primary:           self.avatarEntity,
		HighlightInterval: selectionHighlightInterval,
	})
}

func (self *Engine) registerSystems() {
	self.scheduler.AddSystem(StageSimulation, "simulate_input", ReadWrite, self.simulateInput)
	self.scheduler.AddSystem(StageSimulation, "integrate_velocity", ReadWrite, integrateVelocity)
	self.scheduler.AddSystem(StageRender, "frame_diagnostics", ReadOnly, frameDiagnostics)
	self.scheduler.AddSystem(StageEditor, "frame_stats", ReadWrite, self.updateFrameStats)
	self.scheduler.AddSystem(StageEditor, "cycle_selection", ReadWrite, self.cycleSelection)
}

// simulateInput drives the controller and tracked pose with a synthetic
// input pattern until real devices are wired in.
func (self *Engine) simulateInput(world *ecs.World, deltaSeconds float32) error {
	for _, entry := range ecs.Entries[ControllerState](world) {
		stats, _, err := ecs.Get[FrameStats](world, self.sessionEntity)
		if err != nil {
			return err
		}
		state := entry.Value
		state.TriggerPressed = stats.Frame%120 < 10
		state.GripPressed = stats.Frame%240 < 5
		state.Stick = [2]float32{0.1, -0.05}
		if err := ecs.Insert(world, entry.Entity, state); err != nil {
			return err
		}

		pose, ok, err := ecs.Get[TrackedPose](world, entry.Entity)
		if err != nil {
			return err
		}
		if ok {
			pose.Position[1] = 1.6 + 0.01*float32(stats.Frame%60)/60
			if err := ecs.Insert(world, entry.Entity, pose); err != nil {
				return err
			}
		}
	}
	return nil
}

func integrateVelocity(world *ecs.World, deltaSeconds float32) error {
	for _, entry := range ecs.Entries[Velocity](world) {
		transformValue, ok, err := ecs.Get[Transform](world, entry.Entity)
		if err != nil || !ok {
			continue
		}
		for axis := 0; axis < 3; axis += 1 {
			transformValue.Position[axis] += entry.Value.Linear[axis] * deltaSeconds
		}
		if err := ecs.Insert(world, entry.Entity, transformValue); err != nil {
			return err
		}
	}
	return nil
}

// frameDiagnostics is read-only; it only inspects world contents.
func frameDiagnostics(world *ecs.World, deltaSeconds float32) error {
	count := world.EntityCount()
	glog.V(2).Infof("[engine]render diagnostics: %d entities\n", count)
	return nil
}

func (self *Engine) updateFrameStats(world *ecs.World, deltaSeconds float32) error {
	stats, _, err := ecs.Get[FrameStats](world, self.sessionEntity)
	if err != nil {
		return err
	}
	stats.Frame += 1
	stats.DeltaSeconds = deltaSeconds
	stats.EntityCount = world.EntityCount()
	return ecs.Insert(world, self.sessionEntity, stats)
}

// cycleSelection pulses the highlight on the primary selection and records
// the change as a command so peers follow along.
func (self *Engine) cycleSelection(world *ecs.World, deltaSeconds float32) error {
	selection, ok, err := ecs.Get[EditorSelection](world, self.selectionEntity)
	if err != nil || !ok {
		return err
	}
	selection.FramesSinceChange += 1
	if selection.FramesSinceChange < selection.HighlightInterval {
		return ecs.Insert(world, self.selectionEntity, selection)
	}
	selection.FramesSinceChange = 0
	selection.HighlightActive = !selection.HighlightActive
	if err := ecs.Insert(world, self.selectionEntity, selection); err != nil {
		return err
	}
	if _, err := self.pipeline.RecordSelectionHighlight(selection.Primary, selection.HighlightActive); err != nil {
		glog.V(2).Infof("[engine]selection highlight rejected: %s\n", err)
	}
	return nil
}

func (self *Engine) World() *ecs.World {
	return self.world
}

func (self *Engine) Registry() *replicate.Registry {
	return self.registry
}

func (self *Engine) Pipeline() *Pipeline {
	return self.pipeline
}

func (self *Engine) Scheduler() *Scheduler {
	return self.scheduler
}

func (self *Engine) Outbox() *Outbox {
	return self.outbox
}

func (self *Engine) Overlay() *TelemetryOverlay {
	return self.overlay
}

func (self *Engine) Surface() *TelemetrySurface {
	return self.surface
}

func (self *Engine) SessionEntity() ecs.Entity {
	return self.sessionEntity
}

func (self *Engine) AvatarEntity() ecs.Entity {
	return self.avatarEntity
}

// AttachVoiceDiagnostics includes voice counters in frame telemetry.
func (self *Engine) AttachVoiceDiagnostics(handle *voice.DiagnosticsHandle) {
	self.voiceDiagnostics = handle
}

// AttachTransport makes the transport the active command path. Any
// previous transport is closed.
func (self *Engine) AttachTransport(activeTransport transport.CommandTransport) {
	self.stateLock.Lock()
	previous := self.activeTransport
	self.activeTransport = activeTransport
	self.stateLock.Unlock()
	if previous != nil && previous != activeTransport {
		previous.Close()
	}
	if activeTransport != nil {
		glog.Infof("[engine]transport attached: %s\n", activeTransport.Kind())
	}
}

// DetachTransport removes the active transport without closing it.
func (self *Engine) DetachTransport() {
	self.stateLock.Lock()
	self.activeTransport = nil
	self.stateLock.Unlock()
	glog.Infof("[engine]transport detached\n")
}

func (self *Engine) Transport() transport.CommandTransport {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.activeTransport
}

// StartSignaling brings up peer discovery according to the bootstrap
// settings: an external relay when a url is set, otherwise a local one.
func (self *Engine) StartSignaling() error {
	settings := self.settings.Bootstrap
	if settings == nil {
		settings = signal.BootstrapSettingsFromEnv()
	}
	if settings.Disabled {
		glog.Infof("[engine]signaling disabled\n")
		return nil
	}

	url := settings.Url
	if url == "" {
		server, err := signal.NewServer(settings.BindAddress)
		if err != nil {
			return err
		}
		self.signalServer = server
		url = server.Url()
	}

	client, err := signal.Connect(url, settings.PeerId, settings.RoomId)
	if err != nil {
		return err
	}
	self.signalClient = client

	existingPeers, err := client.Register(settings.RegisterTimeout)
	if err != nil {
		client.Close()
		self.signalClient = nil
		return err
	}
	glog.Infof("[engine]registered as %s in %s (%d peers present)\n", settings.PeerId, settings.RoomId, len(existingPeers))

	self.directory = signal.NewDirectory(self.ctx, client, self.settings.WebRtcSettings, &signal.DirectorySettings{
		AttachFunc: func(activeTransport *transport.WebRtcTransport) {
			self.AttachTransport(activeTransport)
		},
		DetachFunc: self.DetachTransport,
	})
	// peers already in the room negotiate as if they had just joined
	for _, peerId := range existingPeers {
		self.directory.Dispatch(&signal.Event{
			Type:   signal.TypePeerJoined,
			PeerId: peerId,
		})
	}
	return nil
}

func (self *Engine) Directory() *signal.Directory {
	return self.directory
}

// Frame advances the engine by one tick: poll signaling, drain connection
// events, run the scheduler, publish commands, exchange packets, and
// record telemetry.
func (self *Engine) Frame(deltaSeconds float32) *FrameTelemetry {
	if self.signalClient != nil {
		event, err := self.signalClient.NextEvent(0)
		if err != nil {
			glog.Infof("[engine]signaling lost: %s\n", err)
			self.signalClient = nil
		} else if event != nil {
			self.signalingEventsPolled += 1
			if self.directory != nil {
				self.directory.Dispatch(event)
			}
		}
	}
	if self.directory != nil {
		self.directory.DrainRuntimeEvents()
	}

	profile := self.scheduler.Tick(deltaSeconds)

	self.outbox.Ingest(self.pipeline.DrainBatches())
	if packets := self.outbox.DrainPackets(); len(packets) != 0 {
		if self.store != nil {
			for _, packet := range packets {
				if err := self.store.Append(packet); err != nil {
					glog.Infof("[engine]packet persist failed: %s\n", err)
				}
			}
		}
		self.sendQueue.Push(packets...)
	}

	activeTransport := self.Transport()
	if activeTransport != nil {
		if err := self.sendQueue.Flush(activeTransport); err != nil {
			glog.V(2).Infof("[engine]send deferred: %s\n", err)
		}
		self.receivePackets(activeTransport)
		self.publishReplication(activeTransport)
	}

	telemetry := self.collectTelemetry(profile, activeTransport)
	self.surface.Record(telemetry)
	self.overlay.Push(telemetry)
	if changeSet, err := self.replicator.Publish(telemetry); err != nil {
		glog.V(2).Infof("[engine]telemetry publish failed: %s\n", err)
	} else if deltaTransport, ok := activeTransport.(transport.DeltaTransport); ok {
		self.sendChangeSet(deltaTransport, changeSet)
	}
	return telemetry
}

// receivePackets integrates up to the per-frame budget of remote packets
// and applies the accepted entries to the world.
func (self *Engine) receivePackets(activeTransport transport.CommandTransport) {
	for i := 0; i < self.settings.ReceivePacketBudget; i += 1 {
		packet, err := activeTransport.ReceiveCommandPacket(self.settings.ReceiveTimeout)
		if err != nil {
			glog.Infof("[engine]receive failed: %s\n", err)
			return
		}
		if packet == nil {
			return
		}
		applied, err := self.pipeline.IntegrateRemotePacket(packet)
		if err != nil {
			glog.V(2).Infof("[engine]packet rejected: %s\n", err)
			continue
		}
		for _, entry := range applied {
			if err := self.applyEntry(entry); err != nil {
				glog.V(2).Infof("[engine]apply %s failed: %s\n", entry.Payload.CommandType, err)
			}
		}
	}
}

// applyEntry folds one accepted command into the world.
func (self *Engine) applyEntry(entry command.Entry) error {
	switch entry.Payload.CommandType {
	case CommandSelectionHighlight:
		var value SelectionHighlightCommand
		if err := json.Unmarshal(entry.Payload.Bytes, &value); err != nil {
			return err
		}
		selection, ok, err := ecs.Get[EditorSelection](self.world, self.selectionEntity)
		if err != nil || !ok {
			return err
		}
		selection.Primary = value.Entity
		selection.HighlightActive = value.Active
		selection.FramesSinceChange = 0
		return ecs.Insert(self.world, self.selectionEntity, selection)
	case CommandEntityTranslate:
		var value EntityTranslateCommand
		if err := json.Unmarshal(entry.Payload.Bytes, &value); err != nil {
			return err
		}
		return self.mutateTransform(value.Entity, func(transformValue *Transform) {
			for axis := 0; axis < 3; axis += 1 {
				transformValue.Position[axis] += value.Delta[axis]
			}
		})
	case CommandEntityRotate:
		var value EntityRotateCommand
		if err := json.Unmarshal(entry.Payload.Bytes, &value); err != nil {
			return err
		}
		return self.mutateTransform(value.Entity, func(transformValue *Transform) {
			transformValue.Rotation = value.Rotation.Normalized()
		})
	case CommandEntityScale:
		var value EntityScaleCommand
		if err := json.Unmarshal(entry.Payload.Bytes, &value); err != nil {
			return err
		}
		return self.mutateTransform(value.Entity, func(transformValue *Transform) {
			transformValue.Scale = value.Scale
		})
	case CommandToolActivate, CommandToolDeactivate:
		tool, _, err := ecs.Get[ActiveTool](self.world, self.sessionEntity)
		if err != nil {
			return err
		}
		tool.ToolId = entry.Payload.Scope.Tool
		tool.Active = entry.Payload.CommandType == CommandToolActivate
		return ecs.Insert(self.world, self.sessionEntity, tool)
	case CommandMeshVertexCreate:
		var value VertexCreateCommand
		if err := json.Unmarshal(entry.Payload.Bytes, &value); err != nil {
			return err
		}
		return self.mutateMeshStats(func(stats *MeshStats) {
			stats.VerticesCreated += 1
			stats.LastVertex = value.Position
		})
	case CommandMeshEdgeExtrude:
		return self.mutateMeshStats(func(stats *MeshStats) {
			stats.EdgesExtruded += 1
		})
	case CommandMeshFaceSubdivide:
		return self.mutateMeshStats(func(stats *MeshStats) {
			stats.FacesSubdivided += 1
		})
	default:
		glog.V(2).Infof("[engine]unapplied command type %s\n", entry.Payload.CommandType)
		return nil
	}
}

func (self *Engine) mutateTransform(entity ecs.Entity, apply func(transformValue *Transform)) error {
	transformValue, ok, err := ecs.Get[Transform](self.world, entity)
	if err != nil || !ok {
		return err
	}
	apply(&transformValue)
	return ecs.Insert(self.world, entity, transformValue)
}

func (self *Engine) mutateMeshStats(apply func(stats *MeshStats)) error {
	stats, _, err := ecs.Get[MeshStats](self.world, self.sessionEntity)
	if err != nil {
		return err
	}
	apply(&stats)
	return ecs.Insert(self.world, self.sessionEntity, stats)
}

// publishReplication diffs the world and ships the change set when the
// transport carries a replication surface.
func (self *Engine) publishReplication(activeTransport transport.CommandTransport) {
	deltaTransport, ok := activeTransport.(transport.DeltaTransport)
	if !ok {
		return
	}
	changeSet := self.replication.CraftChangeSet(self.world, self.registry)
	if changeSet == nil {
		return
	}
	self.sendChangeSet(deltaTransport, changeSet)
}

func (self *Engine) sendChangeSet(deltaTransport transport.DeltaTransport, changeSet *replicate.ChangeSet) {
	payload, err := json.Marshal(changeSet)
	if err != nil {
		glog.V(2).Infof("[engine]change set encode failed: %s\n", err)
		return
	}
	if err := deltaTransport.SendChangeSet(payload); err != nil {
		glog.V(2).Infof("[engine]change set send failed: %s\n", err)
	}
}

func (self *Engine) collectTelemetry(profile *FrameProfile, activeTransport transport.CommandTransport) *FrameTelemetry {
	telemetry := TelemetryFromProfile(profile)
	telemetry.SignalingEventsPolled = self.signalingEventsPolled
	if activeTransport != nil {
		diagnostics := activeTransport.Metrics().Latest()
		telemetry.Transport = &diagnostics
	}
	commandMetrics := self.pipeline.MetricsSnapshot(self.sendQueue.Depth())
	telemetry.Commands = &commandMetrics
	if self.voiceDiagnostics != nil {
		voiceDiagnostics := self.voiceDiagnostics.Latest()
		telemetry.Voice = &voiceDiagnostics
	}
	return telemetry
}

// Close tears down networking and stops background work.
func (self *Engine) Close() {
	self.cancel()
	if self.directory != nil {
		self.directory.Close()
	}
	if self.signalClient != nil {
		self.signalClient.Close()
	}
	if self.signalServer != nil {
		self.signalServer.Close()
	}
	if activeTransport := self.Transport(); activeTransport != nil {
		activeTransport.Close()
	}
	if self.store != nil {
		self.store.Close()
	}
}
