package replicate

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/jvastola/Theta/ecs"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type position struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

type velocity struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// channels cannot be marshaled, which stands in for a component whose
// serialization fails
type unserializable struct {
	C chan int
}

func TestComponentKeyIsStable(t *testing.T) {
	a := NewComponentKey("github.com/jvastola/Theta/replicate.position")
	b := NewComponentKey("github.com/jvastola/Theta/replicate.position")
	c := NewComponentKey("github.com/jvastola/Theta/replicate.velocity")

	assert.Equal(t, a.TypeHash, b.TypeHash)
	assert.NotEqual(t, a.TypeHash, c.TypeHash)
}

func TestRegisterIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	a := Register[position](registry)
	b := Register[position](registry)

	assert.Equal(t, a, b)
	assert.Equal(t, registry.Len(), 1)

	Register[velocity](registry)
	assert.Equal(t, registry.Len(), 2)
	// registration order is preserved
	assert.Equal(t, registry.Entries()[0].Key.TypeName, ecs.CanonicalName[position]())
	assert.Equal(t, registry.Entries()[1].Key.TypeName, ecs.CanonicalName[velocity]())
}

func TestManifestIsByteStableAndSorted(t *testing.T) {
	registry := NewRegistry()
	Register[velocity](registry)
	Register[position](registry)

	first, err := ManifestJSON(registry)
	assert.Equal(t, err, nil)
	second, err := ManifestJSON(registry)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(first), string(second))

	var decoded map[string]string
	assert.Equal(t, json.Unmarshal(first, &decoded), nil)
	assert.Equal(t, len(decoded), 2)

	hashA, err := SchemaHash(registry)
	assert.Equal(t, err, nil)
	hashB, err := SchemaHash(registry)
	assert.Equal(t, err, nil)
	assert.Equal(t, hashA, hashB)

	// a different vocabulary must hash differently
	other := NewRegistry()
	Register[position](other)
	hashC, err := SchemaHash(other)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, hashA, hashC)
}

func TestEmptyWorldSnapshotHasZeroChunks(t *testing.T) {
	registry := NewRegistry()
	Register[position](registry)
	builder := NewSnapshotBuilder(nil)

	chunks := builder.Build(ecs.NewWorld(), registry)
	assert.Equal(t, len(chunks), 0)
}

func TestTwoEntitySnapshotFitsOneChunk(t *testing.T) {
	registry := NewRegistry()
	key := Register[position](registry)

	world := ecs.NewWorld()
	a := world.Spawn()
	b := world.Spawn()
	ecs.Insert(world, a, position{1, 2, 3})
	ecs.Insert(world, b, position{4, 5, 6})

	builder := NewSnapshotBuilder(&SnapshotBuilderSettings{MaxChunkBytes: 16384})
	chunks := builder.Build(world, registry)

	assert.Equal(t, len(chunks), 1)
	assert.Equal(t, chunks[0].Index, 0)
	assert.Equal(t, chunks[0].TotalCount, 1)
	assert.Equal(t, len(chunks[0].Components), 2)
	assert.Equal(t, chunks[0].Components[0].Key, key.TypeHash)
	assert.Equal(t, chunks[0].Components[0].Entity, a)
	assert.Equal(t, chunks[0].Components[1].Entity, b)

	var decoded position
	assert.Equal(t, json.Unmarshal(chunks[0].Components[0].Payload, &decoded), nil)
	assert.Equal(t, decoded.X, float32(1))
}

func TestSnapshotChunkingRespectsByteBudget(t *testing.T) {
	type blob struct {
		Data string `json:"data"`
	}
	registry := NewRegistry()
	Register[blob](registry)

	world := ecs.NewWorld()
	for i := 0; i < 8; i++ {
		e := world.Spawn()
		ecs.Insert(world, e, blob{Data: string(make([]byte, 100))})
	}

	builder := NewSnapshotBuilder(&SnapshotBuilderSettings{MaxChunkBytes: 300})
	chunks := builder.Build(world, registry)

	assert.Equal(t, 1 < len(chunks), true)
	total := 0
	for i, chunk := range chunks {
		assert.Equal(t, chunk.Index, i)
		assert.Equal(t, chunk.TotalCount, len(chunks))
		total += len(chunk.Components)
	}
	assert.Equal(t, total, 8)
}

func TestOversizedComponentGetsOwnChunk(t *testing.T) {
	type blob struct {
		Data string `json:"data"`
	}
	registry := NewRegistry()
	Register[blob](registry)

	world := ecs.NewWorld()
	small := world.Spawn()
	ecs.Insert(world, small, blob{Data: "x"})
	big := world.Spawn()
	ecs.Insert(world, big, blob{Data: string(make([]byte, 4096))})

	builder := NewSnapshotBuilder(&SnapshotBuilderSettings{MaxChunkBytes: 256})
	chunks := builder.Build(world, registry)

	assert.Equal(t, len(chunks), 2)
	assert.Equal(t, len(chunks[0].Components), 1)
	assert.Equal(t, chunks[0].Components[0].Entity, small)
	assert.Equal(t, len(chunks[1].Components), 1)
	assert.Equal(t, chunks[1].Components[0].Entity, big)
}

func TestDeltaInsertUpdateRemoveLifecycle(t *testing.T) {
	registry := NewRegistry()
	key := Register[position](registry)

	world := ecs.NewWorld()
	tracker := NewDeltaTracker()

	// frame 1: empty world, no entries
	diffs, descriptors := tracker.Diff(world, registry)
	assert.Equal(t, len(diffs), 0)
	assert.Equal(t, len(descriptors), 0)

	// frame 2: insert
	a := world.Spawn()
	ecs.Insert(world, a, position{0, 0, 0})
	diffs, descriptors = tracker.Diff(world, registry)
	assert.Equal(t, len(descriptors), 1)
	assert.Equal(t, descriptors[0].Key, key.TypeHash)
	assert.Equal(t, len(diffs), 1)
	assert.Equal(t, diffs[0].Kind, DiffInsert)
	assert.Equal(t, diffs[0].Entity, a)

	// frame 3: update
	ecs.Insert(world, a, position{1, 0, 0})
	diffs, descriptors = tracker.Diff(world, registry)
	assert.Equal(t, len(descriptors), 0)
	assert.Equal(t, len(diffs), 1)
	assert.Equal(t, diffs[0].Kind, DiffUpdate)

	// frame 4: no change
	diffs, descriptors = tracker.Diff(world, registry)
	assert.Equal(t, len(diffs), 0)
	assert.Equal(t, len(descriptors), 0)

	// frame 5: despawn
	world.Despawn(a)
	diffs, descriptors = tracker.Diff(world, registry)
	assert.Equal(t, len(descriptors), 0)
	assert.Equal(t, len(diffs), 1)
	assert.Equal(t, diffs[0].Kind, DiffRemove)
	assert.Equal(t, diffs[0].Entity, a)
}

func TestDescriptorAdvertisedOncePerSession(t *testing.T) {
	registry := NewRegistry()
	Register[position](registry)

	world := ecs.NewWorld()
	tracker := NewDeltaTracker()

	a := world.Spawn()
	ecs.Insert(world, a, position{1, 0, 0})
	_, descriptors := tracker.Diff(world, registry)
	assert.Equal(t, len(descriptors), 1)

	b := world.Spawn()
	ecs.Insert(world, b, position{2, 0, 0})
	_, descriptors = tracker.Diff(world, registry)
	assert.Equal(t, len(descriptors), 0)

	tracker.Reset()
	ecs.Insert(world, a, position{3, 0, 0})
	_, descriptors = tracker.Diff(world, registry)
	assert.Equal(t, len(descriptors), 1)
}

func TestDeltaRebuildsSnapshotState(t *testing.T) {
	registry := NewRegistry()
	Register[position](registry)
	Register[velocity](registry)

	world := ecs.NewWorld()
	tracker := NewDeltaTracker()
	builder := NewSnapshotBuilder(nil)

	replica := map[StateKey][]byte{}
	apply := func() {
		diffs, _ := tracker.Diff(world, registry)
		changeSet := &ChangeSet{Diffs: diffs}
		changeSet.Apply(replica)
	}
	snapshotState := func() map[StateKey][]byte {
		state := map[StateKey][]byte{}
		for _, chunk := range builder.Build(world, registry) {
			for _, component := range chunk.Components {
				state[StateKey{Key: component.Key, Entity: component.Entity}] = component.Payload
			}
		}
		return state
	}

	a := world.Spawn()
	b := world.Spawn()
	ecs.Insert(world, a, position{1, 0, 0})
	ecs.Insert(world, b, velocity{0, 1, 0})
	apply()
	assert.Equal(t, replica, snapshotState())

	ecs.Insert(world, a, position{2, 0, 0})
	world.Despawn(b)
	apply()
	assert.Equal(t, replica, snapshotState())
}

func TestSerializationFailureSkipsAndRetries(t *testing.T) {
	registry := NewRegistry()
	Register[unserializable](registry)
	Register[position](registry)

	world := ecs.NewWorld()
	tracker := NewDeltaTracker()

	a := world.Spawn()
	ecs.Insert(world, a, unserializable{C: make(chan int)})
	ecs.Insert(world, a, position{1, 0, 0})

	diffs, _ := tracker.Diff(world, registry)
	// the bad component is skipped, the good one still flows
	assert.Equal(t, len(diffs), 1)
	assert.Equal(t, diffs[0].Kind, DiffInsert)

	// once it serializes, it shows up without a phantom remove in between
	ecs.Remove[unserializable](world, a)
	diffs, _ = tracker.Diff(world, registry)
	assert.Equal(t, len(diffs), 0)
}

func TestSessionCraftsSequencedChangeSets(t *testing.T) {
	registry := NewRegistry()
	Register[position](registry)

	world := ecs.NewWorld()
	session := NewSession()

	assert.Equal(t, session.CraftChangeSet(world, registry), nil)
	assert.Equal(t, session.Sequence(), uint64(0))

	a := world.Spawn()
	ecs.Insert(world, a, position{1, 0, 0})
	changeSet := session.CraftChangeSet(world, registry)
	assert.NotEqual(t, changeSet, nil)
	assert.Equal(t, changeSet.Sequence, uint64(1))
	assert.Equal(t, len(changeSet.Descriptors), 1)
	assert.Equal(t, len(changeSet.Diffs), 1)

	ecs.Insert(world, a, position{2, 0, 0})
	changeSet = session.CraftChangeSet(world, registry)
	assert.Equal(t, changeSet.Sequence, uint64(2))
}
