package command

import (
	"fmt"

	"github.com/jvastola/Theta/ecs"
)

// Role is the permission tier of a command author. Higher tiers include the
// lower ones.
type Role int

const (
	RoleViewer Role = iota
	RoleEditor
	RoleAdmin
)

func (self Role) String() string {
	switch self {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Allows reports whether an author holding this role may issue a command
// that requires the given role.
func (self Role) Allows(required Role) bool {
	return required <= self
}

// ConflictStrategy determines resolution when two entries share a
// non-global scope.
type ConflictStrategy int

const (
	LastWriteWins ConflictStrategy = iota
	Merge
	Reject
)

func (self ConflictStrategy) String() string {
	switch self {
	case LastWriteWins:
		return "last_write_wins"
	case Merge:
		return "merge"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// AuthorId identifies a command author across the session.
type AuthorId uint64

// Author is a command-issuing identity.
type Author struct {
	Id        AuthorId `json:"id"`
	Role      Role     `json:"role"`
	PublicKey []byte   `json:"public_key,omitempty"`
}

func NewAuthor(id AuthorId, role Role) Author {
	return Author{Id: id, Role: role}
}

// Id is the Lamport pair that totally orders the log: lamport ascending,
// then author ascending.
type Id struct {
	Lamport uint64   `json:"lamport"`
	Author  AuthorId `json:"author"`
}

func NewId(lamport uint64, author AuthorId) Id {
	return Id{Lamport: lamport, Author: author}
}

func (self Id) Less(other Id) bool {
	if self.Lamport != other.Lamport {
		return self.Lamport < other.Lamport
	}
	return self.Author < other.Author
}

func (self Id) String() string {
	return fmt.Sprintf("%d@%d", self.Lamport, self.Author)
}

// ScopeKind discriminates command scopes.
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeEntity
	ScopeTool
)

// Scope is the visibility and conflict domain of a command. Only non-global
// scopes participate in conflict resolution.
type Scope struct {
	Kind   ScopeKind  `json:"kind"`
	Entity ecs.Entity `json:"entity,omitempty"`
	Tool   string     `json:"tool,omitempty"`
}

func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

func EntityScope(entity ecs.Entity) Scope {
	return Scope{Kind: ScopeEntity, Entity: entity}
}

func ToolScope(tool string) Scope {
	return Scope{Kind: ScopeTool, Tool: tool}
}

func (self Scope) String() string {
	switch self.Kind {
	case ScopeGlobal:
		return "global"
	case ScopeEntity:
		return fmt.Sprintf("entity(%s)", self.Entity)
	case ScopeTool:
		return fmt.Sprintf("tool(%s)", self.Tool)
	default:
		return "unknown"
	}
}

// Payload is the typed body of a command.
type Payload struct {
	CommandType string `json:"command_type"`
	Scope       Scope  `json:"scope"`
	Bytes       []byte `json:"bytes"`
}

func NewPayload(commandType string, scope Scope, bytes []byte) Payload {
	return Payload{
		CommandType: commandType,
		Scope:       scope,
		Bytes:       bytes,
	}
}

// Entry is one accepted or candidate command in the log.
type Entry struct {
	Id           Id               `json:"id"`
	TimestampMs  uint64           `json:"timestamp_ms"`
	Payload      Payload          `json:"payload"`
	RequiredRole Role             `json:"required_role"`
	Strategy     ConflictStrategy `json:"strategy"`
	Author       Author           `json:"author"`
	Nonce        uint64           `json:"nonce"`
	Signature    []byte           `json:"signature,omitempty"`
}
