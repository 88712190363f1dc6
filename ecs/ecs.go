package ecs

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
)

// ErrNoSuchEntity is returned for operations against a despawned or
// stale-generation handle.
var ErrNoSuchEntity = errors.New("no such entity")

// Entity is a generational handle. A handle minted at generation g never
// resolves once the index has been reused at a later generation.
type Entity struct {
	Index      uint32 `json:"index"`
	Generation uint32 `json:"generation"`
}

func (self Entity) String() string {
	return fmt.Sprintf("e%d.g%d", self.Index, self.Generation)
}

type entityRecord struct {
	generation uint32
	alive      bool
}

// componentStore keeps one component type for all entities, preserving
// insertion order so that iteration is deterministic for a given mutation
// history. Replacing a value does not move the entity in the order.
type componentStore struct {
	order  []Entity
	values map[Entity]any
}

func newComponentStore() *componentStore {
	return &componentStore{
		order:  []Entity{},
		values: map[Entity]any{},
	}
}

func (self *componentStore) set(entity Entity, value any) {
	if _, ok := self.values[entity]; !ok {
		self.order = append(self.order, entity)
	}
	self.values[entity] = value
}

func (self *componentStore) remove(entity Entity) bool {
	if _, ok := self.values[entity]; !ok {
		return false
	}
	delete(self.values, entity)
	for i, e := range self.order {
		if e == entity {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
	return true
}

// World owns all component storage. It is not safe for concurrent mutation;
// the scheduler serializes writers (see engine.Scheduler).
type World struct {
	records    []entityRecord
	freeList   []uint32
	stores     map[string]*componentStore
	storeOrder []string
	version    atomic.Uint64
}

func NewWorld() *World {
	return &World{
		records:    []entityRecord{},
		freeList:   []uint32{},
		stores:     map[string]*componentStore{},
		storeOrder: []string{},
	}
}

// Version increments on every structural or component mutation. The
// counter is atomic so the scheduler's read-only pool can compare it
// without racing a misbehaving writer; everything else in World is still
// single-writer only.
func (self *World) Version() uint64 {
	return self.version.Load()
}

// Spawn allocates a new entity handle, reusing freed indices with a
// generation bump.
func (self *World) Spawn() Entity {
	self.version.Add(1)
	if n := len(self.freeList); n > 0 {
		index := self.freeList[n-1]
		self.freeList = self.freeList[:n-1]
		record := &self.records[index]
		record.generation += 1
		record.alive = true
		return Entity{Index: index, Generation: record.generation}
	}
	index := uint32(len(self.records))
	self.records = append(self.records, entityRecord{generation: 0, alive: true})
	return Entity{Index: index, Generation: 0}
}

// Despawn removes the entity and all of its components. The index is
// recycled; any outstanding handle for it becomes stale.
func (self *World) Despawn(entity Entity) error {
	if !self.Alive(entity) {
		return ErrNoSuchEntity
	}
	for _, name := range self.storeOrder {
		self.stores[name].remove(entity)
	}
	self.records[entity.Index].alive = false
	self.freeList = append(self.freeList, entity.Index)
	self.version.Add(1)
	return nil
}

// Alive reports whether the handle resolves to a live entity at its own
// generation.
func (self *World) Alive(entity Entity) bool {
	if int(entity.Index) >= len(self.records) {
		return false
	}
	record := self.records[entity.Index]
	return record.alive && record.generation == entity.Generation
}

// EntityCount returns the number of live entities.
func (self *World) EntityCount() int {
	count := 0
	for _, record := range self.records {
		if record.alive {
			count += 1
		}
	}
	return count
}

func (self *World) store(typeName string) *componentStore {
	store, ok := self.stores[typeName]
	if !ok {
		store = newComponentStore()
		self.stores[typeName] = store
		self.storeOrder = append(self.storeOrder, typeName)
	}
	return store
}

// CanonicalName is the stable textual identifier of a component type. It is
// the input to the replication key hash, so it must not depend on build or
// platform specifics.
func CanonicalName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if pkg := t.PkgPath(); pkg != "" {
		return pkg + "." + t.Name()
	}
	return t.String()
}

// Insert attaches value to the entity, replacing any existing instance of
// the same type.
func Insert[T any](world *World, entity Entity, value T) error {
	if !world.Alive(entity) {
		return ErrNoSuchEntity
	}
	world.store(CanonicalName[T]()).set(entity, value)
	world.version.Add(1)
	return nil
}

// Get returns the component of type T for the entity. The second return is
// false when the entity is alive but carries no such component.
func Get[T any](world *World, entity Entity) (T, bool, error) {
	var zero T
	if !world.Alive(entity) {
		return zero, false, ErrNoSuchEntity
	}
	store, ok := world.stores[CanonicalName[T]()]
	if !ok {
		return zero, false, nil
	}
	value, ok := store.values[entity]
	if !ok {
		return zero, false, nil
	}
	return value.(T), true, nil
}

// Contains reports whether the entity carries a component of type T.
func Contains[T any](world *World, entity Entity) (bool, error) {
	if !world.Alive(entity) {
		return false, ErrNoSuchEntity
	}
	store, ok := world.stores[CanonicalName[T]()]
	if !ok {
		return false, nil
	}
	_, ok = store.values[entity]
	return ok, nil
}

// Remove detaches the component of type T from the entity. Removing a
// component that is not present is not an error.
func Remove[T any](world *World, entity Entity) error {
	if !world.Alive(entity) {
		return ErrNoSuchEntity
	}
	if store, ok := world.stores[CanonicalName[T]()]; ok {
		if store.remove(entity) {
			world.version.Add(1)
		}
	}
	return nil
}

// Entry is one (entity, component) pair from a typed iteration.
type Entry[T any] struct {
	Entity Entity
	Value  T
}

// Entries returns all (entity, component) pairs of type T in insertion
// order. The slice is a copy; mutating it does not affect the world.
func Entries[T any](world *World) []Entry[T] {
	store, ok := world.stores[CanonicalName[T]()]
	if !ok {
		return nil
	}
	entries := make([]Entry[T], 0, len(store.order))
	for _, entity := range store.order {
		entries = append(entries, Entry[T]{
			Entity: entity,
			Value:  store.values[entity].(T),
		})
	}
	return entries
}

// RawEntries returns the pairs for a type by canonical name with values
// still boxed. The replication registry uses this to dump components
// without being generic over the type at the call site.
func (self *World) RawEntries(typeName string) []struct {
	Entity Entity
	Value  any
} {
	store, ok := self.stores[typeName]
	if !ok {
		return nil
	}
	entries := make([]struct {
		Entity Entity
		Value  any
	}, 0, len(store.order))
	for _, entity := range store.order {
		entries = append(entries, struct {
			Entity Entity
			Value  any
		}{Entity: entity, Value: store.values[entity]})
	}
	return entries
}
