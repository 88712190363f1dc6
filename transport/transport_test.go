package transport

import (
	"bytes"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/jvastola/Theta/command"
)

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
	flag.Parse()
}

func TestFrameRoundTrip(t *testing.T) {
	initGlog()

	payload := []byte("hello world")
	encoded, err := EncodeFrame(FrameKindCommand, payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(encoded), frameHeaderBytes+len(payload))

	frame, err := DecodeFrame(encoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Kind, FrameKindCommand)
	assert.Equal(t, frame.Payload, payload)
}

func TestFrameStreamOversizedDrop(t *testing.T) {
	initGlog()

	buffer := &bytes.Buffer{}

	// hand-build an oversized frame, EncodeFrame refuses to
	oversized := make([]byte, MaxFramePayloadBytes+1)
	header := []byte{FrameKindCommand, 0, 0, 0, 0}
	header[1] = byte(len(oversized) >> 24)
	header[2] = byte(len(oversized) >> 16)
	header[3] = byte(len(oversized) >> 8)
	header[4] = byte(len(oversized))
	buffer.Write(header)
	buffer.Write(oversized)

	assert.Equal(t, WriteFrame(buffer, FrameKindHeartbeat, []byte("beat")), nil)

	_, err := ReadFrame(buffer)
	assert.Equal(t, err, ErrFrameTooLarge)

	// the stream stays usable after the drop
	frame, err := ReadFrame(buffer)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Kind, FrameKindHeartbeat)
	assert.Equal(t, frame.Payload, []byte("beat"))
}

func TestEncodeFrameRefusesOversized(t *testing.T) {
	initGlog()

	_, err := EncodeFrame(FrameKindVoice, make([]byte, MaxFramePayloadBytes+1))
	assert.NotEqual(t, err, nil)
}

func TestHeartbeatJitterSmoothing(t *testing.T) {
	initGlog()

	session := &Session{
		settings: DefaultSessionSettings(),
		metrics:  NewMetricsHandle(TransportKindQuic),
	}

	nowMs := uint64(time.Now().UnixMilli())
	session.recordHeartbeat(&Heartbeat{
		Sequence:        1,
		TimestampMs:     nowMs,
		EchoTimestampMs: nowMs - 100,
	}, 20)

	first := session.Metrics().Latest()
	// smoothed jitter takes a fifth of the first |rtt - prev| sample,
	// not the raw value
	if first.JitterMs <= 0 || first.RttMs*0.5 < first.JitterMs {
		t.Fatalf("jitter %.2f not smoothed against rtt %.2f", first.JitterMs, first.RttMs)
	}

	session.recordHeartbeat(&Heartbeat{
		Sequence:        2,
		TimestampMs:     nowMs,
		EchoTimestampMs: uint64(time.Now().UnixMilli()) - uint64(first.RttMs),
	}, 20)

	second := session.Metrics().Latest()
	// a steady round trip decays the smoothed jitter
	if first.JitterMs <= second.JitterMs {
		t.Fatalf("jitter %.2f did not decay from %.2f under steady rtt", second.JitterMs, first.JitterMs)
	}
}

func TestValidateHello(t *testing.T) {
	initGlog()

	hello := &SessionHello{
		ProtocolVersion: ProtocolVersion,
		SchemaHash:      0xfeed,
		ClientNonce:     RandomNonce(),
		ClientPublicKey: make([]byte, 32),
	}
	assert.Equal(t, ValidateHello(hello, ProtocolVersion, 0xfeed), nil)

	mismatchedVersion := *hello
	mismatchedVersion.ProtocolVersion = ProtocolVersion + 1
	err := ValidateHello(&mismatchedVersion, ProtocolVersion, 0xfeed)
	assert.NotEqual(t, err, nil)

	mismatchedSchema := *hello
	mismatchedSchema.SchemaHash = 0xdead
	err = ValidateHello(&mismatchedSchema, ProtocolVersion, 0xfeed)
	assert.NotEqual(t, err, nil)

	shortKey := *hello
	shortKey.ClientPublicKey = make([]byte, 16)
	err = ValidateHello(&shortKey, ProtocolVersion, 0xfeed)
	assert.NotEqual(t, err, nil)
}

func TestValidateAcknowledge(t *testing.T) {
	initGlog()

	ack := &SessionAcknowledge{
		ProtocolVersion: ProtocolVersion,
		SchemaHash:      0xfeed,
		ServerNonce:     RandomNonce(),
		SessionId:       42,
		AssignedRole:    1,
		ServerPublicKey: make([]byte, 32),
	}
	assert.Equal(t, ValidateAcknowledge(ack, ProtocolVersion, 0xfeed), nil)

	mismatched := *ack
	mismatched.SchemaHash = 0xdead
	err := ValidateAcknowledge(&mismatched, ProtocolVersion, 0xfeed)
	assert.NotEqual(t, err, nil)
}

func TestNegotiateCapabilities(t *testing.T) {
	initGlog()

	server := []uint32{1, 2, 3}
	requested := []uint32{3, 4, 1}
	mask := NegotiateCapabilities(server, requested)
	assert.Equal(t, mask, []uint32{3, 1})

	assert.Equal(t, NegotiateCapabilities(server, []uint32{9}), []uint32{})
	assert.Equal(t, NegotiateCapabilities(nil, requested), []uint32{})
}

func TestAuthTokenRoundTrip(t *testing.T) {
	initGlog()

	secret := []byte("shared secret")
	token, err := MintAuthToken(secret, "peer-a", "room-1", time.Minute)
	assert.Equal(t, err, nil)

	peerId, roomId, err := VerifyAuthToken(secret, token)
	assert.Equal(t, err, nil)
	assert.Equal(t, peerId, "peer-a")
	assert.Equal(t, roomId, "room-1")

	_, _, err = VerifyAuthToken([]byte("wrong secret"), token)
	assert.NotEqual(t, err, nil)
}

func TestRandomNonceLength(t *testing.T) {
	initGlog()

	nonce := RandomNonce()
	assert.Equal(t, len(nonce), 24)
	assert.NotEqual(t, nonce, RandomNonce())
}

func TestSendQueueOrderAndRequeue(t *testing.T) {
	initGlog()

	queue := NewSendQueue(nil)
	first := &command.Packet{Sequence: 1}
	second := &command.Packet{Sequence: 2}
	third := &command.Packet{Sequence: 3}

	queue.Push(second, third)
	queue.Requeue([]*command.Packet{first})
	assert.Equal(t, queue.Depth(), 3)

	drained := queue.Drain()
	assert.Equal(t, len(drained), 3)
	assert.Equal(t, drained[0].Sequence, uint64(1))
	assert.Equal(t, drained[1].Sequence, uint64(2))
	assert.Equal(t, drained[2].Sequence, uint64(3))
	assert.Equal(t, queue.Depth(), 0)
}

type failingTransport struct {
	sent [][]*command.Packet
	fail bool
}

func (self *failingTransport) Kind() TransportKind {
	return TransportKindUnknown
}

func (self *failingTransport) SendCommandPackets(packets []*command.Packet) error {
	if self.fail {
		return ErrChannelClosed
	}
	self.sent = append(self.sent, packets)
	return nil
}

func (self *failingTransport) ReceiveCommandPacket(timeout time.Duration) (*command.Packet, error) {
	return nil, nil
}

func (self *failingTransport) Metrics() *MetricsHandle {
	return NewMetricsHandle(TransportKindUnknown)
}

func (self *failingTransport) Close() {
}

func TestSendQueueFlushRequeuesOnFailure(t *testing.T) {
	initGlog()

	queue := NewSendQueue(nil)
	queue.Push(&command.Packet{Sequence: 1}, &command.Packet{Sequence: 2})

	transport := &failingTransport{fail: true}
	err := queue.Flush(transport)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, queue.Depth(), 2)

	transport.fail = false
	assert.Equal(t, queue.Flush(transport), nil)
	assert.Equal(t, queue.Depth(), 0)
	assert.Equal(t, len(transport.sent), 1)
	assert.Equal(t, transport.sent[0][0].Sequence, uint64(1))
}

func TestMetricsHandleCopies(t *testing.T) {
	initGlog()

	metrics := NewMetricsHandle(TransportKindQuic)
	metrics.Update(func(diagnostics *Diagnostics) {
		diagnostics.PacketsSent = 7
	})

	snapshot := metrics.Latest()
	snapshot.PacketsSent = 100
	assert.Equal(t, metrics.Latest().PacketsSent, uint64(7))
	assert.Equal(t, metrics.Latest().Kind, TransportKindQuic)
	assert.Equal(t, metrics.Latest().CompressionRatio, float32(1.0))
}
