package engine

import (
	"github.com/jvastola/Theta/ecs"
	"github.com/jvastola/Theta/replicate"
)

// selectionHighlightInterval is the frame cadence of the selection pulse.
const selectionHighlightInterval = 120

// FrameStats lives on the session entity and carries per-frame counters.
type FrameStats struct {
	Frame        uint64  `json:"frame"`
	DeltaSeconds float32 `json:"delta_seconds"`
	EntityCount  int     `json:"entity_count"`
}

// Transform is position, rotation, scale in world space.
type Transform struct {
	Position [3]float32 `json:"position"`
	Rotation Quaternion `json:"rotation"`
	Scale    [3]float32 `json:"scale"`
}

func DefaultTransform() Transform {
	return Transform{
		Position: [3]float32{0, 1.6, 0},
		Rotation: IdentityQuaternion(),
		Scale:    [3]float32{1, 1, 1},
	}
}

// Velocity integrates into Transform.Position every simulation tick.
type Velocity struct {
	Linear [3]float32 `json:"linear"`
}

func DefaultVelocity() Velocity {
	return Velocity{
		Linear: [3]float32{0.2, 0, 0.1},
	}
}

// EditorSelection pulses a highlight on the primary selection every
// highlight interval.
type EditorSelection struct {
	Primary           ecs.Entity `json:"primary"`
	FramesSinceChange uint32     `json:"frames_since_change"`
	HighlightInterval uint32     `json:"highlight_interval"`
	HighlightActive   bool       `json:"highlight_active"`
}

// TrackedPose is a head or hand pose fed by the input layer.
type TrackedPose struct {
	Position    [3]float32 `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// ControllerState is the simulated controller input for one frame.
type ControllerState struct {
	TriggerPressed bool       `json:"trigger_pressed"`
	GripPressed    bool       `json:"grip_pressed"`
	Stick          [2]float32 `json:"stick"`
}

// ActiveTool lives on the session entity and mirrors the last tool
// activation command applied to the world.
type ActiveTool struct {
	ToolId string `json:"tool_id"`
	Active bool   `json:"active"`
}

// MeshStats counts applied mesh edit commands.
type MeshStats struct {
	VerticesCreated uint64     `json:"vertices_created"`
	EdgesExtruded   uint64     `json:"edges_extruded"`
	FacesSubdivided uint64     `json:"faces_subdivided"`
	LastVertex      [3]float32 `json:"last_vertex"`
}

// RegisterCoreComponents populates the replication registry with the
// engine's component vocabulary, in a fixed order so schema hashes agree
// across peers.
func RegisterCoreComponents(registry *replicate.Registry) {
	replicate.Register[FrameStats](registry)
	replicate.Register[Transform](registry)
	replicate.Register[Velocity](registry)
	replicate.Register[EditorSelection](registry)
	replicate.Register[TrackedPose](registry)
	replicate.Register[ControllerState](registry)
	replicate.Register[ActiveTool](registry)
	replicate.Register[MeshStats](registry)
}
