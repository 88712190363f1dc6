package transport

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const (
	// ProtocolVersion must match exactly between peers.
	ProtocolVersion = uint32(1)

	handshakeNonceBytes = 24
	publicKeyBytes      = 32
)

// SessionHello opens a session on the control stream.
type SessionHello struct {
	ProtocolVersion       uint32   `json:"protocol_version"`
	SchemaHash            uint64   `json:"schema_hash"`
	ClientNonce           []byte   `json:"client_nonce"`
	RequestedCapabilities []uint32 `json:"requested_capabilities"`
	AuthToken             string   `json:"auth_token,omitempty"`
	ClientPublicKey       []byte   `json:"client_public_key"`
}

// SessionAcknowledge answers a hello.
type SessionAcknowledge struct {
	ProtocolVersion uint32   `json:"protocol_version"`
	SchemaHash      uint64   `json:"schema_hash"`
	ServerNonce     []byte   `json:"server_nonce"`
	SessionId       uint64   `json:"session_id"`
	AssignedRole    uint32   `json:"assigned_role"`
	CapabilityMask  []uint32 `json:"capability_mask"`
	ServerPublicKey []byte   `json:"server_public_key"`
}

// HandshakeSummary records the negotiated session parameters.
type HandshakeSummary struct {
	SessionId       uint64
	AssignedRole    uint32
	CapabilityMask  []uint32
	ClientPublicKey []byte
	ServerPublicKey []byte
	ClientNonce     []byte
	ServerNonce     []byte
}

// HandshakeError is a handshake rejection with a specific reason.
type HandshakeError struct {
	Reason string
}

func (self *HandshakeError) Error() string {
	return fmt.Sprintf("handshake error: %s", self.Reason)
}

func handshakeErrorf(format string, a ...any) error {
	return &HandshakeError{Reason: fmt.Sprintf(format, a...)}
}

// RandomNonce returns a fresh 24-byte handshake nonce.
func RandomNonce() []byte {
	nonce := make([]byte, handshakeNonceBytes)
	rand.Read(nonce)
	return nonce
}

// NegotiateCapabilities intersects the client's request with what the
// server offers, preserving the request order.
func NegotiateCapabilities(server []uint32, requested []uint32) []uint32 {
	offered := map[uint32]bool{}
	for _, capability := range server {
		offered[capability] = true
	}
	mask := []uint32{}
	for _, capability := range requested {
		if offered[capability] {
			mask = append(mask, capability)
		}
	}
	return mask
}

// ValidateHello checks a decoded hello against the local expectations.
func ValidateHello(hello *SessionHello, protocolVersion uint32, schemaHash uint64) error {
	if hello.ProtocolVersion != protocolVersion {
		return handshakeErrorf("protocol version mismatch: %d != %d", hello.ProtocolVersion, protocolVersion)
	}
	if hello.SchemaHash != schemaHash {
		return handshakeErrorf("schema hash mismatch: %016x != %016x", hello.SchemaHash, schemaHash)
	}
	if len(hello.ClientNonce) == 0 {
		return handshakeErrorf("client nonce must be non-empty")
	}
	if len(hello.ClientPublicKey) != publicKeyBytes {
		return handshakeErrorf("client public key must be %d bytes", publicKeyBytes)
	}
	return nil
}

// ValidateAcknowledge checks a decoded acknowledge against the local
// expectations.
func ValidateAcknowledge(ack *SessionAcknowledge, protocolVersion uint32, schemaHash uint64) error {
	if ack.ProtocolVersion != protocolVersion {
		return handshakeErrorf("protocol version mismatch: %d != %d", ack.ProtocolVersion, protocolVersion)
	}
	if ack.SchemaHash != schemaHash {
		return handshakeErrorf("schema hash mismatch: %016x != %016x", ack.SchemaHash, schemaHash)
	}
	if len(ack.ServerNonce) == 0 {
		return handshakeErrorf("server nonce must be non-empty")
	}
	if len(ack.ServerPublicKey) != publicKeyBytes {
		return handshakeErrorf("server public key must be %d bytes", publicKeyBytes)
	}
	return nil
}

func encodeHello(hello *SessionHello) ([]byte, error) {
	return json.Marshal(hello)
}

func decodeHello(data []byte) (*SessionHello, error) {
	var hello SessionHello
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, handshakeErrorf("malformed hello: %s", err)
	}
	return &hello, nil
}

func encodeAcknowledge(ack *SessionAcknowledge) ([]byte, error) {
	return json.Marshal(ack)
}

func decodeAcknowledge(data []byte) (*SessionAcknowledge, error) {
	var ack SessionAcknowledge
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, handshakeErrorf("malformed acknowledge: %s", err)
	}
	return &ack, nil
}

// MintAuthToken issues the optional session auth token carried in the
// hello. Claims bind the peer and room so the server can scope admission.
func MintAuthToken(secret []byte, peerId string, roomId string, expiry time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"peer_id": peerId,
		"room_id": roomId,
		"exp":     time.Now().Add(expiry).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyAuthToken validates a hello auth token and returns its peer and
// room claims.
func VerifyAuthToken(secret []byte, tokenString string) (string, string, error) {
	token, err := gojwt.Parse(
		tokenString,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", "", handshakeErrorf("auth token invalid: %s", err)
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return "", "", handshakeErrorf("auth token claims malformed")
	}
	peerId, _ := claims["peer_id"].(string)
	roomId, _ := claims["room_id"].(string)
	return peerId, roomId, nil
}
