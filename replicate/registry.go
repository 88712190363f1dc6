package replicate

import (
	"encoding/json"

	"github.com/jvastola/Theta/ecs"
)

// DumpedComponent is one serialized (entity, bytes) pair from a dump. Err is
// set when serialization failed for that entity only; callers skip the item
// and retry it on a later tick.
type DumpedComponent struct {
	Entity ecs.Entity
	Bytes  []byte
	Err    error
}

// RegistryEntry binds a component key to the function that extracts all
// instances of that type from a world, in world iteration order.
type RegistryEntry struct {
	Key  ComponentKey
	Dump func(world *ecs.World) []DumpedComponent
}

// Registry enumerates the replicable component vocabulary. It is append-only
// and must be fully populated during engine setup; after that it is only
// read, so no locking is needed.
type Registry struct {
	entries []RegistryEntry
	byName  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		entries: []RegistryEntry{},
		byName:  map[string]int{},
	}
}

// Entries returns the registered entries in registration order.
func (self *Registry) Entries() []RegistryEntry {
	return self.entries
}

// Len returns the number of registered component types.
func (self *Registry) Len() int {
	return len(self.entries)
}

// Lookup finds an entry by type hash.
func (self *Registry) Lookup(typeHash uint64) (RegistryEntry, bool) {
	for _, entry := range self.entries {
		if entry.Key.TypeHash == typeHash {
			return entry, true
		}
	}
	return RegistryEntry{}, false
}

func (self *Registry) register(key ComponentKey, dump func(world *ecs.World) []DumpedComponent) ComponentKey {
	if index, ok := self.byName[key.TypeName]; ok {
		return self.entries[index].Key
	}
	self.byName[key.TypeName] = len(self.entries)
	self.entries = append(self.entries, RegistryEntry{Key: key, Dump: dump})
	return key
}

// Register adds component type T to the registry. Duplicate registrations
// are idempotent. Values are serialized as JSON.
func Register[T any](registry *Registry) ComponentKey {
	typeName := ecs.CanonicalName[T]()
	key := NewComponentKey(typeName)
	return registry.register(key, func(world *ecs.World) []DumpedComponent {
		entries := ecs.Entries[T](world)
		dumped := make([]DumpedComponent, 0, len(entries))
		for _, entry := range entries {
			bytes, err := json.Marshal(entry.Value)
			dumped = append(dumped, DumpedComponent{
				Entity: entry.Entity,
				Bytes:  bytes,
				Err:    err,
			})
		}
		return dumped
	})
}
