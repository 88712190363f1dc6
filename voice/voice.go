package voice

import (
	"encoding/binary"
	"fmt"
)

const (
	SampleRateHz    = 48000
	FrameDurationMs = 20
	FrameSamples    = SampleRateHz * FrameDurationMs / 1000

	// sequence (8) | timestamp_ms (8) | payload length (4), little-endian
	packetHeaderBytes = 20
)

// Packet carries one encoded voice frame.
type Packet struct {
	Sequence    uint64
	TimestampMs uint64
	Payload     []byte
}

// EncodePacket renders the wire form: fixed header then payload.
func EncodePacket(packet *Packet) []byte {
	data := make([]byte, packetHeaderBytes+len(packet.Payload))
	binary.LittleEndian.PutUint64(data[0:8], packet.Sequence)
	binary.LittleEndian.PutUint64(data[8:16], packet.TimestampMs)
	binary.LittleEndian.PutUint32(data[16:20], uint32(len(packet.Payload)))
	copy(data[packetHeaderBytes:], packet.Payload)
	return data
}

// DecodePacket parses one wire packet.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < packetHeaderBytes {
		return nil, fmt.Errorf("voice packet shorter than header: %d bytes", len(data))
	}
	length := binary.LittleEndian.Uint32(data[16:20])
	if len(data) < packetHeaderBytes+int(length) {
		return nil, fmt.Errorf("voice packet truncated: declared %d, have %d", length, len(data)-packetHeaderBytes)
	}
	return &Packet{
		Sequence:    binary.LittleEndian.Uint64(data[0:8]),
		TimestampMs: binary.LittleEndian.Uint64(data[8:16]),
		Payload:     data[packetHeaderBytes : packetHeaderBytes+int(length)],
	}, nil
}

// Codec is an encoder/decoder pair for voice frames.
type Codec interface {
	Encode(pcm []int16) ([]byte, error)
	Decode(encoded []byte) ([]int16, error)
}

// PassthroughCodec packs raw little-endian PCM. Used for scaffolding and
// tests.
type PassthroughCodec struct {
}

func (self *PassthroughCodec) Encode(pcm []int16) ([]byte, error) {
	encoded := make([]byte, 2*len(pcm))
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(encoded[2*i:], uint16(sample))
	}
	return encoded, nil
}

func (self *PassthroughCodec) Decode(encoded []byte) ([]int16, error) {
	if len(encoded)%2 != 0 {
		return nil, fmt.Errorf("encoded payload length must be even: %d", len(encoded))
	}
	samples := make([]int16, len(encoded)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(encoded[2*i:]))
	}
	return samples, nil
}
