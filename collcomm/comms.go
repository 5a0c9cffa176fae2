// Package collcomm implements the collective operations used by one world
// of cooperating ranks: a source-rooted broadcast and a sum allreduce,
// running on top of a simulated network.
//
// All ranks must issue the same collectives in the same order. A skipped or
// reordered call either trips a sequence-number check or deadlocks the
// event loop; there is no recovery from either.
package collcomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/dist-gcn/simulator"
	"github.com/unixpickle/essentials"
)

// packetOverhead is the simulated wire size of a packet header, in bytes.
const packetOverhead = 16.0

// A Payload is a value that can travel through a collective call.
type Payload interface {
	// WireSize is the serialized size in bytes, used only to compute
	// simulated transfer time.
	WireSize() float64
}

type packetKind int

const (
	packetBcast packetKind = iota
	packetReduce
)

// A packet wraps a payload with the routing and sequencing information
// receivers use to match it to the right collective call.
type packet struct {
	src  int
	kind packetKind

	// seq counts broadcasts rooted at src, so a receiver can tell a
	// desynchronized world from a slow one.
	seq int

	body Payload
}

// Comms is one rank's view of a fixed world of ranks.
//
// A Comms is bound to a single goroutine for the lifetime of the run; the
// same object is reused across every collective call so that sequence
// counters span the whole run.
type Comms struct {
	Handle  *simulator.Handle
	Rank    int
	Nodes   []*simulator.Node
	Network simulator.Network

	// sendSeq counts our own broadcasts; recvSeq[s] is the next expected
	// broadcast sequence number from rank s.
	sendSeq int
	recvSeq []int

	// Packets that arrived while we were waiting for a different one.
	queue []*packet
}

// SpawnWorld creates a Comms for every rank and runs f for each in its own
// goroutine on the loop.
func SpawnWorld(loop *simulator.EventLoop, network simulator.Network,
	nodes []*simulator.Node, f func(c *Comms)) {
	for i := range nodes {
		rank := i
		loop.Go(func(h *simulator.Handle) {
			f(&Comms{
				Handle:  h,
				Rank:    rank,
				Nodes:   nodes,
				Network: network,
				recvSeq: make([]int, len(nodes)),
			})
		})
	}
}

// WorldSize returns the number of ranks in the world.
func (c *Comms) WorldSize() int {
	return len(c.Nodes)
}

// sendTo schedules one packet for delivery to a single rank.
func (c *Comms) sendTo(dst int, p *packet) {
	c.Network.Send(c.Handle, &simulator.Message{
		Source:  c.Nodes[c.Rank],
		Dest:    c.Nodes[dst],
		Payload: p,
		Size:    p.body.WireSize() + packetOverhead,
	})
}

// sendAll schedules one packet for delivery to every other rank as a single
// batch, so the network can model the shared sender link.
func (c *Comms) sendAll(p *packet) {
	msgs := make([]*simulator.Message, 0, len(c.Nodes)-1)
	for i, node := range c.Nodes {
		if i == c.Rank {
			continue
		}
		msgs = append(msgs, &simulator.Message{
			Source:  c.Nodes[c.Rank],
			Dest:    node,
			Payload: p,
			Size:    p.body.WireSize() + packetOverhead,
		})
	}
	c.Network.Send(c.Handle, msgs...)
}

// nextPacket returns the oldest packet matching the predicate, first from
// the local queue and then from the network, buffering mismatches.
func (c *Comms) nextPacket(match func(p *packet) bool) *packet {
	for i, p := range c.queue {
		if match(p) {
			essentials.OrderedDelete(&c.queue, i)
			return p
		}
	}
	for {
		msg := c.Nodes[c.Rank].Recv(c.Handle)
		p := msg.Payload.(*packet)
		if match(p) {
			return p
		}
		c.queue = append(c.queue, p)
	}
}

// Broadcast performs a source-rooted collective broadcast.
//
// Every rank must call it with the same src. On the source rank, payload is
// sent to all peers and returned unchanged; on the other ranks, payload is
// ignored and the source's payload is returned. The call blocks until the
// source's data for this round is available locally.
//
// An error means the world has issued mismatched broadcast sequences; the
// round cannot be resumed.
func (c *Comms) Broadcast(src int, payload Payload) (Payload, error) {
	if src < 0 || src >= len(c.Nodes) {
		panic("source rank out of range")
	}
	if src == c.Rank {
		c.sendAll(&packet{src: c.Rank, kind: packetBcast, seq: c.sendSeq, body: payload})
		c.sendSeq++
		return payload, nil
	}
	p := c.nextPacket(func(p *packet) bool {
		return p.kind == packetBcast && p.src == src
	})
	if p.seq != c.recvSeq[src] {
		return nil, errors.Errorf(
			"broadcast from rank %d: got sequence %d but expected %d: world is desynchronized",
			src, p.seq, c.recvSeq[src])
	}
	c.recvSeq[src]++
	return p.body, nil
}
