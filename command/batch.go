package command

import (
	"encoding/json"
)

// Batch groups the entries published since the last pipeline drain, in id
// order.
type Batch struct {
	Sequence    uint64   `json:"sequence"`
	Nonce       uint64   `json:"nonce"`
	TimestampMs uint64   `json:"timestamp_ms"`
	Author      AuthorId `json:"author"`
	Entries     []Entry  `json:"entries"`
}

// Packet is the wire form of a batch: the batch serialized into an opaque
// payload plus routing fields readable without decoding it.
type Packet struct {
	Sequence    uint64 `json:"sequence"`
	Nonce       uint64 `json:"nonce"`
	TimestampMs uint64 `json:"timestamp_ms"`
	Payload     []byte `json:"payload"`
}

// PacketFromBatch serializes the batch into a packet.
func PacketFromBatch(batch *Batch) (*Packet, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	return &Packet{
		Sequence:    batch.Sequence,
		Nonce:       batch.Nonce,
		TimestampMs: batch.TimestampMs,
		Payload:     payload,
	}, nil
}

// Batch decodes the packet payload.
func (self *Packet) Batch() (*Batch, error) {
	var batch Batch
	if err := json.Unmarshal(self.Payload, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// Encode serializes the packet itself for framing on a transport.
func (self *Packet) Encode() ([]byte, error) {
	return json.Marshal(self)
}

// DecodePacket parses a serialized packet.
func DecodePacket(data []byte) (*Packet, error) {
	var packet Packet
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, err
	}
	return &packet, nil
}
