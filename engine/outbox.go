package engine

import (
	"github.com/golang/glog"

	"github.com/jvastola/Theta/command"
)

// OutboxCounters accumulate over the life of the outbox.
type OutboxCounters struct {
	TotalBatches uint64 `json:"total_batches"`
	TotalEntries uint64 `json:"total_entries"`
	TotalPackets uint64 `json:"total_packets"`
}

// Outbox serializes drained batches into packets for the transport queue.
// It lives as a component on the engine's session entity so its counters
// replicate with everything else.
type Outbox struct {
	pending  []*command.Packet
	counters OutboxCounters
}

func NewOutbox() *Outbox {
	return &Outbox{
		pending: []*command.Packet{},
	}
}

// Ingest serializes each batch into a packet. A batch that fails to
// serialize is dropped with a log line; the rest still queue.
func (self *Outbox) Ingest(batches []*command.Batch) {
	for _, batch := range batches {
		packet, err := command.PacketFromBatch(batch)
		if err != nil {
			glog.Infof("[outbox]drop batch %d: %s\n", batch.Sequence, err)
			continue
		}
		self.counters.TotalBatches += 1
		self.counters.TotalEntries += uint64(len(batch.Entries))
		self.counters.TotalPackets += 1
		self.pending = append(self.pending, packet)
	}
}

// DrainPackets hands off the queued packets in FIFO order.
func (self *Outbox) DrainPackets() []*command.Packet {
	packets := self.pending
	self.pending = []*command.Packet{}
	return packets
}

func (self *Outbox) PendingCount() int {
	return len(self.pending)
}

func (self *Outbox) Counters() OutboxCounters {
	return self.counters
}
