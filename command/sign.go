package command

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
)

// Signer produces a signature over the canonical signing message of an
// entry.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a signature against an author's public key.
type Verifier interface {
	Verify(message []byte, signature []byte, publicKey []byte) bool
}

// SigningMessage is the canonical byte string covered by an entry
// signature. It binds the Lamport position, the nonce, and the full
// payload, so flipping any bit of those invalidates the signature.
func SigningMessage(entry *Entry) ([]byte, error) {
	message := struct {
		Lamport uint64   `json:"lamport"`
		Author  AuthorId `json:"author"`
		Nonce   uint64   `json:"nonce"`
		Payload Payload  `json:"payload"`
	}{
		Lamport: entry.Id.Lamport,
		Author:  entry.Id.Author,
		Nonce:   entry.Nonce,
		Payload: entry.Payload,
	}
	return json.Marshal(message)
}

// Ed25519Signer signs with a private Ed25519 key.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
}

func NewEd25519Signer() (*Ed25519Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{privateKey: privateKey}, nil
}

func NewEd25519SignerFromKey(privateKey ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{privateKey: privateKey}
}

func (self *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(self.privateKey, message), nil
}

func (self *Ed25519Signer) PublicKey() []byte {
	return []byte(self.privateKey.Public().(ed25519.PublicKey))
}

// Ed25519Verifier verifies Ed25519 signatures.
type Ed25519Verifier struct {
}

func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{}
}

func (self *Ed25519Verifier) Verify(message []byte, signature []byte, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// NoopSigner signs nothing. Test use only.
type NoopSigner struct {
}

func NewNoopSigner() *NoopSigner {
	return &NoopSigner{}
}

func (self *NoopSigner) Sign(message []byte) ([]byte, error) {
	return nil, nil
}

func (self *NoopSigner) PublicKey() []byte {
	return nil
}

// NoopVerifier accepts every signature. Test use only.
type NoopVerifier struct {
}

func NewNoopVerifier() *NoopVerifier {
	return &NoopVerifier{}
}

func (self *NoopVerifier) Verify(message []byte, signature []byte, publicKey []byte) bool {
	return true
}
