package engine

import (
	"math"

	"github.com/jvastola/Theta/command"
	"github.com/jvastola/Theta/ecs"
)

// Command types issued by the editor systems.
const (
	CommandSelectionHighlight = "selection_highlight"
	CommandEntityTranslate    = "entity_translate"
	CommandEntityRotate       = "entity_rotate"
	CommandEntityScale        = "entity_scale"
	CommandToolActivate       = "tool_activate"
	CommandToolDeactivate     = "tool_deactivate"
	CommandMeshVertexCreate   = "mesh_vertex_create"
	CommandMeshEdgeExtrude    = "mesh_edge_extrude"
	CommandMeshFaceSubdivide  = "mesh_face_subdivide"
)

// DefaultCommandRegistry declares the built-in commands: all require the
// editor role, transform and mesh edits merge, the rest last-write-wins.
func DefaultCommandRegistry() *command.Registry {
	registry := command.NewRegistry()
	register := func(commandType string, strategy command.ConflictStrategy) {
		registry.Register(command.Definition{
			CommandType:     commandType,
			RequiredRole:    command.RoleEditor,
			DefaultStrategy: strategy,
		})
	}
	register(CommandSelectionHighlight, command.LastWriteWins)
	register(CommandEntityTranslate, command.Merge)
	register(CommandEntityRotate, command.LastWriteWins)
	register(CommandEntityScale, command.LastWriteWins)
	register(CommandToolActivate, command.LastWriteWins)
	register(CommandToolDeactivate, command.LastWriteWins)
	register(CommandMeshVertexCreate, command.Merge)
	register(CommandMeshEdgeExtrude, command.Merge)
	register(CommandMeshFaceSubdivide, command.Merge)
	return registry
}

// Quaternion is a rotation in xyzw order.
type Quaternion struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

func IdentityQuaternion() Quaternion {
	return Quaternion{W: 1}
}

// Normalized returns the unit quaternion, or identity for a degenerate
// input.
func (self Quaternion) Normalized() Quaternion {
	magnitude := float32(math.Sqrt(float64(self.X*self.X + self.Y*self.Y + self.Z*self.Z + self.W*self.W)))
	if magnitude <= 1e-7 {
		return IdentityQuaternion()
	}
	inv := 1 / magnitude
	return Quaternion{
		X: self.X * inv,
		Y: self.Y * inv,
		Z: self.Z * inv,
		W: self.W * inv,
	}
}

type SelectionHighlightCommand struct {
	Entity ecs.Entity `json:"entity"`
	Active bool       `json:"active"`
}

type EntityTranslateCommand struct {
	Entity ecs.Entity `json:"entity"`
	Delta  [3]float32 `json:"delta"`
}

type EntityRotateCommand struct {
	Entity   ecs.Entity `json:"entity"`
	Rotation Quaternion `json:"rotation"`
}

type EntityScaleCommand struct {
	Entity ecs.Entity `json:"entity"`
	Scale  [3]float32 `json:"scale"`
}

type ToolActivateCommand struct {
	ToolId string `json:"tool_id"`
}

type ToolDeactivateCommand struct {
	ToolId string `json:"tool_id"`
}

type VertexCreateCommand struct {
	Position [3]float32        `json:"position"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type EdgeExtrudeCommand struct {
	EdgeId    uint32     `json:"edge_id"`
	Direction [3]float32 `json:"direction"`
}

type SubdivideParams struct {
	Cuts   uint32  `json:"cuts"`
	Smooth float32 `json:"smooth"`
}

type FaceSubdivideCommand struct {
	FaceId uint32          `json:"face_id"`
	Params SubdivideParams `json:"params"`
}
