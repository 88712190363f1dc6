package command

import (
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/jvastola/Theta/replicate"
)

// DefaultMaxPayloadBytes caps one entry payload and one packet payload.
const DefaultMaxPayloadBytes = 64 * 1024

// Failure taxonomy. Each kind maps onto exactly one metrics counter.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrReplayDetected   = errors.New("replay detected")
	ErrRateLimited      = errors.New("rate limited")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrConflictRejected = errors.New("conflict rejected")
	ErrDuplicateId      = errors.New("duplicate id")
	ErrSerialization    = errors.New("serialization error")
)

type LogSettings struct {
	MaxPayloadBytes        int
	RateLimitBurst         int
	RateLimitSustainPerSec float64
	// Now is injectable for rate limit tests
	Now func() time.Time
}

func DefaultLogSettings() *LogSettings {
	return &LogSettings{
		MaxPayloadBytes:        DefaultMaxPayloadBytes,
		RateLimitBurst:         100,
		RateLimitSustainPerSec: 10,
		Now:                    time.Now,
	}
}

// Log is the Lamport-ordered, signed, role-checked command log. It is
// single-owner: only the engine frame loop mutates it.
type Log struct {
	settings *LogSettings

	localAuthor Author
	signer      Signer
	verifier    Verifier

	lamport    uint64
	localNonce uint64

	// entries sorted by id; membership mirrors the slice
	entries    []Entry
	membership map[Id]bool

	// winner per occupied non-global scope
	scopeWinners map[string]Id

	replay  *ReplayTracker
	buckets map[AuthorId]*TokenBucket
	metrics *metrics
}

func NewLog(localAuthor Author, signer Signer, verifier Verifier, settings *LogSettings) *Log {
	if settings == nil {
		settings = DefaultLogSettings()
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.MaxPayloadBytes <= 0 {
		settings.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	localAuthor.PublicKey = signer.PublicKey()
	return &Log{
		settings:     settings,
		localAuthor:  localAuthor,
		signer:       signer,
		verifier:     verifier,
		entries:      []Entry{},
		membership:   map[Id]bool{},
		scopeWinners: map[string]Id{},
		replay:       NewReplayTracker(),
		buckets:      map[AuthorId]*TokenBucket{},
		metrics:      newMetrics(),
	}
}

// LocalAuthor returns the authoring identity used by AppendLocal.
func (self *Log) LocalAuthor() Author {
	return self.localAuthor
}

// Lamport returns the current clock value.
func (self *Log) Lamport() uint64 {
	return self.lamport
}

// Len returns the number of entries in the log.
func (self *Log) Len() int {
	return len(self.entries)
}

// AppendLocal creates, signs, and inserts a local command. The Lamport
// clock advances by one and the local nonce is strictly increasing. On any
// rejection the log state is unchanged.
func (self *Log) AppendLocal(commandType string, payloadBytes []byte, scope Scope, requiredRole Role, strategy ConflictStrategy) (Id, error) {
	if !self.localAuthor.Role.Allows(requiredRole) {
		self.metrics.permissionRejections += 1
		return Id{}, ErrPermissionDenied
	}
	if self.settings.MaxPayloadBytes < len(payloadBytes) {
		self.metrics.payloadGuardDrops += 1
		return Id{}, ErrPayloadTooLarge
	}

	entry := Entry{
		Id:           NewId(self.lamport+1, self.localAuthor.Id),
		TimestampMs:  uint64(self.settings.Now().UnixMilli()),
		Payload:      NewPayload(commandType, scope, payloadBytes),
		RequiredRole: requiredRole,
		Strategy:     strategy,
		Author:       self.localAuthor,
		Nonce:        self.localNonce + 1,
	}

	message, err := SigningMessage(&entry)
	if err != nil {
		self.metrics.serializationErrors += 1
		return Id{}, ErrSerialization
	}
	signature, err := self.signer.Sign(message)
	if err != nil {
		self.metrics.signatureRejections += 1
		return Id{}, ErrSignatureInvalid
	}
	entry.Signature = signature

	if err := self.resolveConflict(&entry); err != nil {
		return Id{}, err
	}

	self.lamport += 1
	self.localNonce += 1
	self.insert(entry)
	self.replay.Accept(entry.Author.Id, entry.Nonce)
	self.metrics.recordAppend(self.settings.Now())
	glog.V(2).Infof("[cmd]append %s %s\n", entry.Id, entry.Payload.CommandType)
	return entry.Id, nil
}

// IntegrateRemote runs one remote entry through the acceptance state
// machine: signature, replay nonce, role, rate limit, payload size,
// conflict resolution. Rejection at any step bumps its counter and leaves
// the log unchanged.
func (self *Log) IntegrateRemote(entry Entry) error {
	if self.membership[entry.Id] {
		self.metrics.duplicateDrops += 1
		return ErrDuplicateId
	}

	message, err := SigningMessage(&entry)
	if err != nil {
		self.metrics.serializationErrors += 1
		return ErrSerialization
	}
	verifyStart := self.settings.Now()
	verified := self.verifier.Verify(message, entry.Signature, entry.Author.PublicKey)
	self.metrics.recordVerifyLatency(self.settings.Now().Sub(verifyStart))
	if !verified {
		self.metrics.signatureRejections += 1
		return ErrSignatureInvalid
	}

	if !self.replay.IsNewer(entry.Author.Id, entry.Nonce) {
		self.metrics.replayRejections += 1
		return ErrReplayDetected
	}

	if !entry.Author.Role.Allows(entry.RequiredRole) {
		self.metrics.permissionRejections += 1
		return ErrPermissionDenied
	}

	if !self.bucket(entry.Author.Id).TryAcquire() {
		self.metrics.rateLimitDrops += 1
		return ErrRateLimited
	}

	if self.settings.MaxPayloadBytes < len(entry.Payload.Bytes) {
		self.metrics.payloadGuardDrops += 1
		return ErrPayloadTooLarge
	}

	if err := self.resolveConflict(&entry); err != nil {
		return err
	}

	self.lamport = max(self.lamport, entry.Id.Lamport) + 1
	self.insert(entry)
	self.replay.Accept(entry.Author.Id, entry.Nonce)
	self.metrics.recordAppend(self.settings.Now())
	glog.V(2).Infof("[cmd]integrate %s %s\n", entry.Id, entry.Payload.CommandType)
	return nil
}

// IntegrateBatch integrates entries in batch order and returns the accepted
// entries in total order. Per-entry rejections are counted and skipped.
func (self *Log) IntegrateBatch(batch *Batch) []Entry {
	applied := []Entry{}
	for _, entry := range batch.Entries {
		if err := self.IntegrateRemote(entry); err != nil {
			if !errors.Is(err, ErrDuplicateId) {
				glog.V(2).Infof("[cmd]drop %s: %s\n", entry.Id, err)
			}
			continue
		}
		applied = append(applied, entry)
	}
	sort.Slice(applied, func(i int, j int) bool {
		return applied[i].Id.Less(applied[j].Id)
	})
	return applied
}

// IntegratePacket decodes and integrates one serialized packet.
func (self *Log) IntegratePacket(packet *Packet) ([]Entry, error) {
	if self.settings.MaxPayloadBytes < len(packet.Payload) {
		self.metrics.payloadGuardDrops += 1
		return nil, ErrPayloadTooLarge
	}
	batch, err := packet.Batch()
	if err != nil {
		self.metrics.serializationErrors += 1
		return nil, ErrSerialization
	}
	return self.IntegrateBatch(batch), nil
}

// EntriesSince returns all entries with id strictly greater than lastId,
// in total order. Late joiners use this for catch-up.
func (self *Log) EntriesSince(lastId Id) []Entry {
	index := sort.Search(len(self.entries), func(i int) bool {
		return lastId.Less(self.entries[i].Id)
	})
	entries := make([]Entry, len(self.entries)-index)
	copy(entries, self.entries[index:])
	return entries
}

// Entries returns a copy of the full log in total order.
func (self *Log) Entries() []Entry {
	entries := make([]Entry, len(self.entries))
	copy(entries, self.entries)
	return entries
}

// LatestId returns the greatest id in the log.
func (self *Log) LatestId() (Id, bool) {
	if len(self.entries) == 0 {
		return Id{}, false
	}
	return self.entries[len(self.entries)-1].Id, true
}

// Hash digests the ordered (id, nonce) sequence. Converged peers have
// equal hashes.
func (self *Log) Hash() uint64 {
	buffer := make([]byte, 0, len(self.entries)*24)
	scratch := make([]byte, 8)
	for _, entry := range self.entries {
		binary.BigEndian.PutUint64(scratch, entry.Id.Lamport)
		buffer = append(buffer, scratch...)
		binary.BigEndian.PutUint64(scratch, uint64(entry.Id.Author))
		buffer = append(buffer, scratch...)
		binary.BigEndian.PutUint64(scratch, entry.Nonce)
		buffer = append(buffer, scratch...)
	}
	return replicate.StableHash(buffer)
}

// MetricsSnapshot copies the current counters. queueDepth is supplied by
// the caller because the transport queue lives outside the log.
func (self *Log) MetricsSnapshot(queueDepth int) MetricsSnapshot {
	return self.metrics.snapshot(queueDepth)
}

// ScopeWinner returns the resolved entry id for an occupied scope.
func (self *Log) ScopeWinner(scope Scope) (Id, bool) {
	id, ok := self.scopeWinners[scope.String()]
	return id, ok
}

func (self *Log) bucket(author AuthorId) *TokenBucket {
	bucket, ok := self.buckets[author]
	if !ok {
		bucket = NewTokenBucket(self.settings.RateLimitBurst, self.settings.RateLimitSustainPerSec, self.settings.Now)
		self.buckets[author] = bucket
	}
	return bucket
}

// resolveConflict applies the incoming entry's strategy against the current
// winner of its scope. Global scope never conflicts.
func (self *Log) resolveConflict(entry *Entry) error {
	if entry.Payload.Scope.Kind == ScopeGlobal {
		return nil
	}
	scopeKey := entry.Payload.Scope.String()
	winner, occupied := self.scopeWinners[scopeKey]

	switch entry.Strategy {
	case LastWriteWins:
		if occupied {
			self.metrics.conflictRejections[LastWriteWins] += 1
			if entry.Id.Less(winner) {
				return ErrConflictRejected
			}
			// the incoming entry supersedes the previous winner
			self.removeEntry(winner)
		}
		self.scopeWinners[scopeKey] = entry.Id
	case Merge:
		// both entries are kept; the scope resolves to the greater id
		if !occupied || winner.Less(entry.Id) {
			self.scopeWinners[scopeKey] = entry.Id
		}
	case Reject:
		if occupied && !entry.Id.Less(winner) {
			self.metrics.conflictRejections[Reject] += 1
			return ErrConflictRejected
		}
		self.scopeWinners[scopeKey] = entry.Id
	}
	return nil
}

func (self *Log) insert(entry Entry) {
	index := sort.Search(len(self.entries), func(i int) bool {
		return entry.Id.Less(self.entries[i].Id)
	})
	self.entries = append(self.entries, Entry{})
	copy(self.entries[index+1:], self.entries[index:])
	self.entries[index] = entry
	self.membership[entry.Id] = true
}

func (self *Log) removeEntry(id Id) {
	if !self.membership[id] {
		return
	}
	index := sort.Search(len(self.entries), func(i int) bool {
		return !self.entries[i].Id.Less(id)
	})
	if index < len(self.entries) && self.entries[index].Id == id {
		self.entries = append(self.entries[:index], self.entries[index+1:]...)
	}
	delete(self.membership, id)
}
