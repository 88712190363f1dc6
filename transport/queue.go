package transport

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jvastola/Theta/command"
)

// CommandTransport is the send/receive surface the engine drives each
// frame, satisfied by both the QUIC session and the WebRTC transport.
type CommandTransport interface {
	Kind() TransportKind
	SendCommandPackets(packets []*command.Packet) error
	ReceiveCommandPacket(timeout time.Duration) (*command.Packet, error)
	Metrics() *MetricsHandle
	Close()
}

// DeltaTransport is the optional replication surface of a transport.
// Both the QUIC session and the WebRTC transport satisfy it.
type DeltaTransport interface {
	SendChangeSet(payload []byte) error
	DrainChangeSets() [][]byte
}

// SendQueueSettings tunes the backlog warning.
type SendQueueSettings struct {
	WarnDepth    int
	WarnDuration time.Duration
}

func DefaultSendQueueSettings() *SendQueueSettings {
	return &SendQueueSettings{
		WarnDepth:    25,
		WarnDuration: 2 * time.Second,
	}
}

// SendQueue is the FIFO backlog of outbound command packets. Packets that
// fail to send go back to the front so order is preserved across retries.
type SendQueue struct {
	settings *SendQueueSettings

	stateLock     sync.Mutex
	packets       []*command.Packet
	backlogSince  time.Time
	backlogWarned bool
}

func NewSendQueue(settings *SendQueueSettings) *SendQueue {
	if settings == nil {
		settings = DefaultSendQueueSettings()
	}
	return &SendQueue{
		settings: settings,
	}
}

// Push appends packets at the back of the queue.
func (self *SendQueue) Push(packets ...*command.Packet) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.packets = append(self.packets, packets...)
	self.checkBacklog()
}

// Requeue returns unsent packets to the front of the queue.
func (self *SendQueue) Requeue(packets []*command.Packet) {
	if len(packets) == 0 {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.packets = append(append([]*command.Packet{}, packets...), self.packets...)
	self.checkBacklog()
}

// Drain removes and returns every queued packet in order.
func (self *SendQueue) Drain() []*command.Packet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	packets := self.packets
	self.packets = nil
	self.backlogSince = time.Time{}
	self.backlogWarned = false
	return packets
}

func (self *SendQueue) Depth() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.packets)
}

// Flush drains the queue into the transport. On failure the unsent tail is
// requeued at the front and the error returned.
func (self *SendQueue) Flush(transport CommandTransport) error {
	packets := self.Drain()
	if len(packets) == 0 {
		return nil
	}
	if err := transport.SendCommandPackets(packets); err != nil {
		self.Requeue(packets)
		return err
	}
	return nil
}

// checkBacklog warns once per backlog episode when the queue stays deep.
// Callers hold stateLock.
func (self *SendQueue) checkBacklog() {
	if len(self.packets) <= self.settings.WarnDepth {
		self.backlogSince = time.Time{}
		self.backlogWarned = false
		return
	}
	if self.backlogSince.IsZero() {
		self.backlogSince = time.Now()
		return
	}
	if !self.backlogWarned && self.settings.WarnDuration <= time.Since(self.backlogSince) {
		glog.Infof("[t]send queue backlog: %d packets for %.1fs\n", len(self.packets), time.Since(self.backlogSince).Seconds())
		self.backlogWarned = true
	}
}
