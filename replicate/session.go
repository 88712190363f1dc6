package replicate

import (
	"time"

	"github.com/jvastola/Theta/ecs"
)

// Session tracks per-peer replication state: the outgoing change set
// sequence and the delta tracker whose advertisement set scopes the
// once-per-session descriptor rule.
type Session struct {
	tracker  *DeltaTracker
	sequence uint64
}

func NewSession() *Session {
	return &Session{
		tracker: NewDeltaTracker(),
	}
}

// Sequence returns the last crafted change set sequence.
func (self *Session) Sequence() uint64 {
	return self.sequence
}

// CraftChangeSet diffs the world and wraps the result in a sequenced,
// timestamped change set. Returns nil when nothing changed.
func (self *Session) CraftChangeSet(world *ecs.World, registry *Registry) *ChangeSet {
	diffs, descriptors := self.tracker.Diff(world, registry)
	if len(diffs) == 0 && len(descriptors) == 0 {
		return nil
	}
	self.sequence += 1
	return &ChangeSet{
		Sequence:    self.sequence,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Descriptors: descriptors,
		Diffs:       diffs,
	}
}

// Reset starts a fresh session: sequence restarts and all component keys
// will be re-advertised.
func (self *Session) Reset() {
	self.tracker.Reset()
	self.sequence = 0
}
