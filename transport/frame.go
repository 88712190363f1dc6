package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame kinds. Every frame on every stream or channel is
// kind (1B) | length (4B big-endian) | payload.
const (
	FrameKindCommand        = byte(0x01)
	FrameKindComponentDelta = byte(0x02)
	FrameKindHeartbeat      = byte(0x03)
	FrameKindVoice          = byte(0x04)
	FrameKindHandshake      = byte(0x05)
)

const (
	frameHeaderBytes = 5
	// MaxFramePayloadBytes caps a single frame payload. Oversized frames
	// are dropped by the receiver without closing the stream.
	MaxFramePayloadBytes = 64 * 1024
)

// ErrFrameTooLarge marks an oversized frame whose payload was consumed and
// discarded; the stream remains usable.
var ErrFrameTooLarge = errors.New("frame exceeds payload limit")

// Frame is one decoded wire frame.
type Frame struct {
	Kind    byte
	Payload []byte
}

// EncodeFrame renders the wire form of one frame.
func EncodeFrame(kind byte, payload []byte) ([]byte, error) {
	if MaxFramePayloadBytes < len(payload) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, frameHeaderBytes+len(payload))
	frame[0] = kind
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[frameHeaderBytes:], payload)
	return frame, nil
}

// DecodeFrame parses a complete frame from a single message (datagram-style
// transports deliver whole frames).
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < frameHeaderBytes {
		return nil, fmt.Errorf("frame shorter than header: %d bytes", len(data))
	}
	length := binary.BigEndian.Uint32(data[1:5])
	if MaxFramePayloadBytes < length {
		return nil, ErrFrameTooLarge
	}
	if len(data) < frameHeaderBytes+int(length) {
		return nil, fmt.Errorf("frame truncated: declared %d, have %d", length, len(data)-frameHeaderBytes)
	}
	return &Frame{
		Kind:    data[0],
		Payload: data[frameHeaderBytes : frameHeaderBytes+int(length)],
	}, nil
}

// WriteFrame writes one frame to a byte stream.
func WriteFrame(writer io.Writer, kind byte, payload []byte) error {
	frame, err := EncodeFrame(kind, payload)
	if err != nil {
		return err
	}
	_, err = writer.Write(frame)
	return err
}

// ReadFrame reads one frame from a byte stream. An oversized declared
// length consumes and discards the payload, then returns ErrFrameTooLarge
// so the caller can count the drop and keep reading.
func ReadFrame(reader io.Reader) (*Frame, error) {
	header := make([]byte, frameHeaderBytes)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, err
	}
	kind := header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if MaxFramePayloadBytes < length {
		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	return &Frame{Kind: kind, Payload: payload}, nil
}
