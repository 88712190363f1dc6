package replicate

import (
	"github.com/golang/glog"

	"github.com/jvastola/Theta/ecs"
)

const (
	// DefaultMaxChunkBytes bounds the serialized size of one snapshot chunk.
	DefaultMaxChunkBytes = 16 * 1024
	// snapshotEntryOverheadBytes approximates the framing cost of one
	// component entry beyond its payload.
	snapshotEntryOverheadBytes = 24
)

// SnapshotComponent carries one serialized component instance.
type SnapshotComponent struct {
	Key     uint64     `json:"key"`
	Entity  ecs.Entity `json:"entity"`
	Payload []byte     `json:"payload"`
}

// SnapshotChunk is one bounded-size, indexed segment of a world snapshot.
// Concatenating all chunks in index order yields the full replicable state.
type SnapshotChunk struct {
	Index      int                 `json:"index"`
	TotalCount int                 `json:"total_count"`
	Components []SnapshotComponent `json:"components"`
}

type SnapshotBuilderSettings struct {
	MaxChunkBytes int
}

func DefaultSnapshotBuilderSettings() *SnapshotBuilderSettings {
	return &SnapshotBuilderSettings{
		MaxChunkBytes: DefaultMaxChunkBytes,
	}
}

// SnapshotBuilder emits chunked world snapshots for late joiners.
type SnapshotBuilder struct {
	settings *SnapshotBuilderSettings
}

func NewSnapshotBuilder(settings *SnapshotBuilderSettings) *SnapshotBuilder {
	if settings == nil {
		settings = DefaultSnapshotBuilderSettings()
	}
	if settings.MaxChunkBytes <= 0 {
		settings.MaxChunkBytes = DefaultMaxChunkBytes
	}
	return &SnapshotBuilder{
		settings: settings,
	}
}

// Build enumerates the registry in registration order and packs serialized
// components into chunks. A chunk is sealed once appending the next
// component would exceed the byte budget and the chunk is non-empty, so a
// single oversized component still occupies exactly one chunk. An empty
// world yields zero chunks.
func (self *SnapshotBuilder) Build(world *ecs.World, registry *Registry) []SnapshotChunk {
	chunks := []SnapshotChunk{}
	current := SnapshotChunk{Components: []SnapshotComponent{}}
	currentBytes := 0

	seal := func() {
		if 0 < len(current.Components) {
			current.Index = len(chunks)
			chunks = append(chunks, current)
			current = SnapshotChunk{Components: []SnapshotComponent{}}
			currentBytes = 0
		}
	}

	for _, entry := range registry.Entries() {
		for _, dumped := range entry.Dump(world) {
			if dumped.Err != nil {
				glog.Warningf("[rep]skip %s for %s: %s\n", entry.Key.TypeName, dumped.Entity, dumped.Err)
				continue
			}
			estimated := len(dumped.Bytes) + snapshotEntryOverheadBytes
			if 0 < len(current.Components) && self.settings.MaxChunkBytes < currentBytes+estimated {
				seal()
			}
			current.Components = append(current.Components, SnapshotComponent{
				Key:     entry.Key.TypeHash,
				Entity:  dumped.Entity,
				Payload: dumped.Bytes,
			})
			currentBytes += estimated
		}
	}
	seal()

	for i := range chunks {
		chunks[i].TotalCount = len(chunks)
	}
	return chunks
}
