package transport

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/quic-go/quic-go"

	"github.com/jvastola/Theta/command"
)

// SessionSettings tunes handshake and heartbeat behavior for one session.
type SessionSettings struct {
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MissedHeartbeatLimit int
	InboxSize            int
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		HandshakeTimeout:     5 * time.Second,
		HeartbeatInterval:    500 * time.Millisecond,
		HeartbeatTimeout:     5 * time.Second,
		MissedHeartbeatLimit: 3,
		InboxSize:            256,
	}
}

// ClientHandshake configures the connecting side.
type ClientHandshake struct {
	ProtocolVersion uint32
	SchemaHash      uint64
	Capabilities    []uint32
	AuthToken       string
	PublicKey       []byte
}

// ServerHandshake configures the accepting side. When AuthSecret is set,
// hellos must carry a valid token.
type ServerHandshake struct {
	ProtocolVersion uint32
	SchemaHash      uint64
	Capabilities    []uint32
	PublicKey       []byte
	AuthSecret      []byte
}

// Session is one established QUIC transport session with control,
// replication, and asset streams plus heartbeat tasks.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn        quic.Connection
	control     quic.Stream
	replication quic.Stream
	assets      quic.Stream

	controlWriteLock     sync.Mutex
	replicationWriteLock sync.Mutex
	replicationReadLock  sync.Mutex

	metrics  *MetricsHandle
	summary  *HandshakeSummary
	settings *SessionSettings

	deltaInbox chan []byte
	voiceInbox chan []byte

	stateLock        sync.Mutex
	missedHeartbeats int
	pendingEchoMs    uint64
	dead             bool
}

// Connect dials a server and runs the client side of the handshake.
func Connect(ctx context.Context, addr string, tlsConfig *tls.Config, handshake *ClientHandshake, settings *SessionSettings) (*Session, error) {
	if settings == nil {
		settings = DefaultSessionSettings()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, nil)
	if err != nil {
		return nil, err
	}
	session, err := establishClient(ctx, conn, handshake, settings)
	if err != nil {
		conn.CloseWithError(1, "handshake failed")
		return nil, err
	}
	return session, nil
}

// Accept runs the server side of the handshake on an accepted connection.
func Accept(ctx context.Context, conn quic.Connection, handshake *ServerHandshake, settings *SessionSettings) (*Session, error) {
	if settings == nil {
		settings = DefaultSessionSettings()
	}
	session, err := establishServer(ctx, conn, handshake, settings)
	if err != nil {
		conn.CloseWithError(1, "handshake failed")
		return nil, err
	}
	return session, nil
}

func establishClient(ctx context.Context, conn quic.Connection, handshake *ClientHandshake, settings *SessionSettings) (*Session, error) {
	deadline := time.Now().Add(settings.HandshakeTimeout)

	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	control.SetDeadline(deadline)

	clientNonce := RandomNonce()
	hello := &SessionHello{
		ProtocolVersion:       handshake.ProtocolVersion,
		SchemaHash:            handshake.SchemaHash,
		ClientNonce:           clientNonce,
		RequestedCapabilities: handshake.Capabilities,
		AuthToken:             handshake.AuthToken,
		ClientPublicKey:       handshake.PublicKey,
	}
	helloBytes, err := encodeHello(hello)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(control, FrameKindHandshake, helloBytes); err != nil {
		return nil, err
	}

	frame, err := ReadFrame(control)
	if err != nil {
		return nil, handshakeErrorf("acknowledge read failed: %s", err)
	}
	if frame.Kind != FrameKindHandshake {
		return nil, handshakeErrorf("expected acknowledge, got frame kind %#02x", frame.Kind)
	}
	ack, err := decodeAcknowledge(frame.Payload)
	if err != nil {
		return nil, err
	}
	if err := ValidateAcknowledge(ack, handshake.ProtocolVersion, handshake.SchemaHash); err != nil {
		return nil, err
	}

	replication, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	assets, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	control.SetDeadline(time.Time{})

	summary := &HandshakeSummary{
		SessionId:       ack.SessionId,
		AssignedRole:    ack.AssignedRole,
		CapabilityMask:  ack.CapabilityMask,
		ClientPublicKey: handshake.PublicKey,
		ServerPublicKey: ack.ServerPublicKey,
		ClientNonce:     clientNonce,
		ServerNonce:     ack.ServerNonce,
	}
	return newSession(conn, control, replication, assets, summary, settings), nil
}

func establishServer(ctx context.Context, conn quic.Connection, handshake *ServerHandshake, settings *SessionSettings) (*Session, error) {
	deadline := time.Now().Add(settings.HandshakeTimeout)

	control, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	control.SetDeadline(deadline)

	frame, err := ReadFrame(control)
	if err != nil {
		return nil, handshakeErrorf("hello read failed: %s", err)
	}
	if frame.Kind != FrameKindHandshake {
		return nil, handshakeErrorf("expected hello, got frame kind %#02x", frame.Kind)
	}
	hello, err := decodeHello(frame.Payload)
	if err != nil {
		return nil, err
	}
	if err := ValidateHello(hello, handshake.ProtocolVersion, handshake.SchemaHash); err != nil {
		return nil, err
	}
	if 0 < len(handshake.AuthSecret) {
		if hello.AuthToken == "" {
			return nil, handshakeErrorf("auth token required")
		}
		if _, _, err := VerifyAuthToken(handshake.AuthSecret, hello.AuthToken); err != nil {
			return nil, err
		}
	}

	serverNonce := RandomNonce()
	sessionId := randomSessionId()
	ack := &SessionAcknowledge{
		ProtocolVersion: handshake.ProtocolVersion,
		SchemaHash:      handshake.SchemaHash,
		ServerNonce:     serverNonce,
		SessionId:       sessionId,
		AssignedRole:    1,
		CapabilityMask:  NegotiateCapabilities(handshake.Capabilities, hello.RequestedCapabilities),
		ServerPublicKey: handshake.PublicKey,
	}
	ackBytes, err := encodeAcknowledge(ack)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(control, FrameKindHandshake, ackBytes); err != nil {
		return nil, err
	}

	replication, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	assets, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	control.SetDeadline(time.Time{})

	summary := &HandshakeSummary{
		SessionId:       sessionId,
		AssignedRole:    ack.AssignedRole,
		CapabilityMask:  ack.CapabilityMask,
		ClientPublicKey: hello.ClientPublicKey,
		ServerPublicKey: handshake.PublicKey,
		ClientNonce:     hello.ClientNonce,
		ServerNonce:     serverNonce,
	}
	return newSession(conn, control, replication, assets, summary, settings), nil
}

func newSession(conn quic.Connection, control quic.Stream, replication quic.Stream, assets quic.Stream, summary *HandshakeSummary, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(context.Background())
	session := &Session{
		ctx:         cancelCtx,
		cancel:      cancel,
		conn:        conn,
		control:     control,
		replication: replication,
		assets:      assets,
		metrics:     NewMetricsHandle(TransportKindQuic),
		summary:     summary,
		settings:    settings,
		deltaInbox:  make(chan []byte, settings.InboxSize),
		voiceInbox:  make(chan []byte, settings.InboxSize),
	}
	go session.runHeartbeatSender()
	go session.runHeartbeatReceiver()
	return session
}

func randomSessionId() uint64 {
	var bytes [8]byte
	rand.Read(bytes[:])
	return binary.BigEndian.Uint64(bytes[:])
}

func (self *Session) Kind() TransportKind {
	return TransportKindQuic
}

func (self *Session) Metrics() *MetricsHandle {
	return self.metrics
}

func (self *Session) Summary() *HandshakeSummary {
	return self.summary
}

// Dead reports whether the heartbeat receiver gave up on the peer.
func (self *Session) Dead() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dead
}

func (self *Session) markDead(reason string) {
	self.stateLock.Lock()
	alreadyDead := self.dead
	self.dead = true
	self.stateLock.Unlock()
	if !alreadyDead {
		glog.Infof("[t]session %d dead: %s\n", self.summary.SessionId, reason)
	}
}

// SendCommandPackets frames and writes packets on the replication stream
// in order.
func (self *Session) SendCommandPackets(packets []*command.Packet) error {
	if len(packets) == 0 {
		return nil
	}
	sendStart := time.Now()
	totalBytes := 0
	self.replicationWriteLock.Lock()
	defer self.replicationWriteLock.Unlock()
	for _, packet := range packets {
		payload, err := packet.Encode()
		if err != nil {
			return err
		}
		if err := WriteFrame(self.replication, FrameKindCommand, payload); err != nil {
			self.markDead(fmt.Sprintf("replication write failed: %s", err))
			return err
		}
		totalBytes += frameHeaderBytes + len(payload)
	}
	elapsed := time.Since(sendStart).Seconds()
	self.metrics.Update(func(diagnostics *Diagnostics) {
		sent := uint64(len(packets))
		diagnostics.PacketsSent += sent
		diagnostics.CommandPacketsSent += sent
		diagnostics.BytesSent += uint64(totalBytes)
		if 0 < elapsed {
			diagnostics.CommandBandwidthBytesPerSec = float32(float64(totalBytes) / elapsed)
		}
	})
	return nil
}

// ReceiveCommandPacket reads replication frames until a command packet
// arrives or the timeout elapses. Delta and voice frames encountered along
// the way are parked in their inboxes; oversized and unknown frames are
// dropped and counted.
func (self *Session) ReceiveCommandPacket(timeout time.Duration) (*command.Packet, error) {
	self.replicationReadLock.Lock()
	defer self.replicationReadLock.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		self.replication.SetReadDeadline(deadline)
		frame, err := ReadFrame(self.replication)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				self.metrics.Update(func(diagnostics *Diagnostics) {
					diagnostics.PayloadGuardDrops += 1
				})
				continue
			}
			if isTimeout(err) {
				return nil, nil
			}
			self.markDead(fmt.Sprintf("replication read failed: %s", err))
			return nil, err
		}
		switch frame.Kind {
		case FrameKindCommand:
			packet, err := command.DecodePacket(frame.Payload)
			if err != nil {
				glog.Infof("[t]malformed command packet dropped: %s\n", err)
				continue
			}
			self.recordCommandReceive(len(frame.Payload), packet.TimestampMs)
			return packet, nil
		case FrameKindComponentDelta:
			self.parkFrame(self.deltaInbox, frame.Payload, "delta")
		case FrameKindVoice:
			self.parkFrame(self.voiceInbox, frame.Payload, "voice")
		default:
			glog.V(2).Infof("[t]ignoring unknown frame kind %#02x (%d bytes)\n", frame.Kind, len(frame.Payload))
			self.metrics.Update(func(diagnostics *Diagnostics) {
				diagnostics.UnknownFrameDrops += 1
			})
		}
	}
}

func (self *Session) parkFrame(inbox chan []byte, payload []byte, tag string) {
	select {
	case inbox <- payload:
	default:
		glog.Infof("[t]%s inbox full, dropping %d bytes\n", tag, len(payload))
	}
	self.metrics.Update(func(diagnostics *Diagnostics) {
		diagnostics.PacketsReceived += 1
		diagnostics.BytesReceived += uint64(frameHeaderBytes + len(payload))
	})
}

func (self *Session) recordCommandReceive(payloadBytes int, timestampMs uint64) {
	nowMs := uint64(time.Now().UnixMilli())
	latencyMs := float32(0)
	if timestampMs <= nowMs {
		latencyMs = float32(nowMs - timestampMs)
	}
	self.metrics.Update(func(diagnostics *Diagnostics) {
		previousLatency := diagnostics.CommandLatencyMs
		diagnostics.PacketsReceived += 1
		diagnostics.CommandPacketsReceived += 1
		diagnostics.BytesReceived += uint64(frameHeaderBytes + payloadBytes)
		diagnostics.CommandLatencyMs = latencyMs
		delta := latencyMs - previousLatency
		if delta < 0 {
			delta = -delta
		}
		diagnostics.JitterMs = diagnostics.JitterMs*0.8 + delta*0.2
	})
}

// SendChangeSet writes one serialized component delta on the replication
// stream.
func (self *Session) SendChangeSet(payload []byte) error {
	self.replicationWriteLock.Lock()
	defer self.replicationWriteLock.Unlock()
	if err := WriteFrame(self.replication, FrameKindComponentDelta, payload); err != nil {
		self.markDead(fmt.Sprintf("replication write failed: %s", err))
		return err
	}
	self.metrics.Update(func(diagnostics *Diagnostics) {
		diagnostics.PacketsSent += 1
		diagnostics.BytesSent += uint64(frameHeaderBytes + len(payload))
	})
	return nil
}

// DrainChangeSets returns the delta payloads parked since the last drain.
func (self *Session) DrainChangeSets() [][]byte {
	return drainInbox(self.deltaInbox)
}

// SendVoicePayload writes one opaque voice frame.
func (self *Session) SendVoicePayload(payload []byte) error {
	self.replicationWriteLock.Lock()
	defer self.replicationWriteLock.Unlock()
	if err := WriteFrame(self.replication, FrameKindVoice, payload); err != nil {
		return err
	}
	self.metrics.Update(func(diagnostics *Diagnostics) {
		diagnostics.PacketsSent += 1
		diagnostics.BytesSent += uint64(frameHeaderBytes + len(payload))
	})
	return nil
}

// DrainVoicePayloads returns the voice payloads parked since the last
// drain.
func (self *Session) DrainVoicePayloads() [][]byte {
	return drainInbox(self.voiceInbox)
}

func drainInbox(inbox chan []byte) [][]byte {
	payloads := [][]byte{}
	for {
		select {
		case payload := <-inbox:
			payloads = append(payloads, payload)
		default:
			return payloads
		}
	}
}

// Close cancels heartbeat tasks, flushes streams, and closes the
// connection.
func (self *Session) Close() {
	self.cancel()
	self.replication.Close()
	self.assets.Close()
	self.control.Close()
	self.conn.CloseWithError(0, "normal shutdown")
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
