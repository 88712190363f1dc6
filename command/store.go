package command

import (
	"encoding/binary"
	"encoding/json"

	"go.etcd.io/bbolt"
)

var packetsBucket = []byte("packets")

// Store persists serialized command packets keyed by sequence. It is the
// persistence collaborator of the log: a restarted process can replay
// `ReadSince` into `IntegratePacket` to catch up.
type Store struct {
	db *bbolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(packetsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

func sequenceKey(sequence uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, sequence)
	return key
}

// Append writes one packet. Writing the same sequence twice overwrites,
// which keeps replays idempotent.
func (self *Store) Append(packet *Packet) error {
	data, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(packetsBucket).Put(sequenceKey(packet.Sequence), data)
	})
}

// ReadSince returns all stored packets with sequence strictly greater than
// afterSequence, in sequence order.
func (self *Store) ReadSince(afterSequence uint64) ([]*Packet, error) {
	packets := []*Packet{}
	err := self.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(packetsBucket).Cursor()
		for key, value := cursor.Seek(sequenceKey(afterSequence + 1)); key != nil; key, value = cursor.Next() {
			var packet Packet
			if err := json.Unmarshal(value, &packet); err != nil {
				return err
			}
			packets = append(packets, &packet)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return packets, nil
}

// LastSequence returns the greatest stored sequence, or 0 when empty.
func (self *Store) LastSequence() (uint64, error) {
	var last uint64
	err := self.db.View(func(tx *bbolt.Tx) error {
		key, _ := tx.Bucket(packetsBucket).Cursor().Last()
		if key != nil {
			last = binary.BigEndian.Uint64(key)
		}
		return nil
	})
	return last, err
}
