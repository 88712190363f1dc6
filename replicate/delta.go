package replicate

import (
	"bytes"
	"sort"

	"github.com/golang/glog"

	"github.com/jvastola/Theta/ecs"
)

// DiffKind discriminates the three delta payload lists.
type DiffKind int

const (
	DiffInsert DiffKind = iota
	DiffUpdate
	DiffRemove
)

func (self DiffKind) String() string {
	switch self {
	case DiffInsert:
		return "insert"
	case DiffUpdate:
		return "update"
	case DiffRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// ComponentDescriptor advertises a component key the first time the key
// appears in a session, strictly before its first diff emission.
type ComponentDescriptor struct {
	Key      uint64 `json:"key"`
	TypeName string `json:"type_name"`
}

// ComponentDiff is one insert/update/remove against a replica. Payload is
// empty for removals.
type ComponentDiff struct {
	Key     uint64     `json:"key"`
	Entity  ecs.Entity `json:"entity"`
	Kind    DiffKind   `json:"kind"`
	Payload []byte     `json:"payload,omitempty"`
}

// ChangeSet is the output of one tracker diff: first-use descriptors plus
// the diffs in deterministic emission order.
type ChangeSet struct {
	Sequence    uint64                `json:"sequence"`
	TimestampMs uint64                `json:"timestamp_ms"`
	Descriptors []ComponentDescriptor `json:"descriptors,omitempty"`
	Diffs       []ComponentDiff       `json:"diffs"`
}

// StateKey addresses one component instance in a replica.
type StateKey struct {
	Key    uint64
	Entity ecs.Entity
}

// Apply folds the change set into a replica state map.
func (self *ChangeSet) Apply(state map[StateKey][]byte) {
	for _, diff := range self.Diffs {
		key := StateKey{Key: diff.Key, Entity: diff.Entity}
		switch diff.Kind {
		case DiffInsert, DiffUpdate:
			state[key] = diff.Payload
		case DiffRemove:
			delete(state, key)
		}
	}
}

// DeltaTracker diffs successive world states by byte equality against its
// previous serialization. One tracker serves one replication session.
type DeltaTracker struct {
	prev       map[StateKey][]byte
	advertised map[uint64]bool
}

func NewDeltaTracker() *DeltaTracker {
	return &DeltaTracker{
		prev:       map[StateKey][]byte{},
		advertised: map[uint64]bool{},
	}
}

// Diff enumerates the registry like the snapshot builder, emits inserts and
// updates interleaved in enumeration order, then removals, and advertises
// each component key exactly once per session. A component whose
// serialization fails is skipped for this tick and its previous state is
// kept, so the retry next tick emits a plain update instead of a spurious
// remove.
func (self *DeltaTracker) Diff(world *ecs.World, registry *Registry) ([]ComponentDiff, []ComponentDescriptor) {
	curr := map[StateKey][]byte{}
	failed := map[StateKey]bool{}
	diffs := []ComponentDiff{}
	descriptors := []ComponentDescriptor{}

	advertise := func(key ComponentKey) {
		if !self.advertised[key.TypeHash] {
			self.advertised[key.TypeHash] = true
			descriptors = append(descriptors, ComponentDescriptor{
				Key:      key.TypeHash,
				TypeName: key.TypeName,
			})
		}
	}

	for _, entry := range registry.Entries() {
		for _, dumped := range entry.Dump(world) {
			stateKey := StateKey{Key: entry.Key.TypeHash, Entity: dumped.Entity}
			if dumped.Err != nil {
				glog.Warningf("[rep]diff skip %s for %s: %s\n", entry.Key.TypeName, dumped.Entity, dumped.Err)
				failed[stateKey] = true
				continue
			}
			curr[stateKey] = dumped.Bytes

			previous, existed := self.prev[stateKey]
			if !existed {
				advertise(entry.Key)
				diffs = append(diffs, ComponentDiff{
					Key:     entry.Key.TypeHash,
					Entity:  dumped.Entity,
					Kind:    DiffInsert,
					Payload: dumped.Bytes,
				})
			} else if !bytes.Equal(previous, dumped.Bytes) {
				advertise(entry.Key)
				diffs = append(diffs, ComponentDiff{
					Key:     entry.Key.TypeHash,
					Entity:  dumped.Entity,
					Kind:    DiffUpdate,
					Payload: dumped.Bytes,
				})
			}
		}
	}

	// removals are sorted so that emission order does not depend on map
	// iteration
	removed := []StateKey{}
	for stateKey := range self.prev {
		if _, ok := curr[stateKey]; ok {
			continue
		}
		if failed[stateKey] {
			// keep the previous bytes for retry
			curr[stateKey] = self.prev[stateKey]
			continue
		}
		removed = append(removed, stateKey)
	}
	sort.Slice(removed, func(i int, j int) bool {
		if removed[i].Key != removed[j].Key {
			return removed[i].Key < removed[j].Key
		}
		if removed[i].Entity.Index != removed[j].Entity.Index {
			return removed[i].Entity.Index < removed[j].Entity.Index
		}
		return removed[i].Entity.Generation < removed[j].Entity.Generation
	})
	for _, stateKey := range removed {
		if entry, ok := registry.Lookup(stateKey.Key); ok {
			advertise(entry.Key)
		}
		diffs = append(diffs, ComponentDiff{
			Key:    stateKey.Key,
			Entity: stateKey.Entity,
			Kind:   DiffRemove,
		})
	}

	self.prev = curr
	return diffs, descriptors
}

// Reset clears tracked state and advertisements, starting a new session.
func (self *DeltaTracker) Reset() {
	self.prev = map[StateKey][]byte{}
	self.advertised = map[uint64]bool{}
}
