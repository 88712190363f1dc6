package command

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStoreAppendAndReadSince(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.db")
	store, err := OpenStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()

	for sequence := uint64(1); sequence <= 5; sequence += 1 {
		packet := &Packet{
			Sequence:    sequence,
			Nonce:       sequence,
			TimestampMs: sequence * 100,
			Payload:     []byte{byte(sequence)},
		}
		assert.Equal(t, store.Append(packet), nil)
	}

	last, err := store.LastSequence()
	assert.Equal(t, err, nil)
	assert.Equal(t, last, uint64(5))

	packets, err := store.ReadSince(2)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(packets), 3)
	assert.Equal(t, packets[0].Sequence, uint64(3))
	assert.Equal(t, packets[2].Sequence, uint64(5))

	// rewriting a sequence is idempotent
	assert.Equal(t, store.Append(&Packet{Sequence: 3, Payload: []byte{9}}), nil)
	packets, err = store.ReadSince(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(packets), 5)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.db")
	store, err := OpenStore(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, store.Append(&Packet{Sequence: 7, Payload: []byte{7}}), nil)
	assert.Equal(t, store.Close(), nil)

	reopened, err := OpenStore(path)
	assert.Equal(t, err, nil)
	defer reopened.Close()

	packets, err := reopened.ReadSince(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(packets), 1)
	assert.Equal(t, packets[0].Sequence, uint64(7))
}
