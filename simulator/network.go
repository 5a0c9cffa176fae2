package simulator

import "sync"

// A Node is a machine on a virtual network.
type Node struct {
	// Incoming receives *Message objects addressed to the node.
	Incoming *EventStream
}

// NewNode creates a Node with a fresh incoming stream on the loop.
func NewNode(loop *EventLoop) *Node {
	return &Node{Incoming: loop.Stream()}
}

// Recv blocks until the next message addressed to the node arrives.
func (n *Node) Recv(h *Handle) *Message {
	return h.Poll(n.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between nodes.
//
// Size is in bytes and only affects simulated transfer time; Payload is
// delivered by reference, byte-for-byte intact.
type Message struct {
	Source  *Node
	Dest    *Node
	Payload interface{}
	Size    float64
}

// A Network delivers messages between nodes with simulated cost.
type Network interface {
	// Send schedules delivery of the messages. It never blocks; the
	// messages arrive on each destination's Incoming stream later in
	// virtual time.
	//
	// Passing a whole batch at once lets the network account for the
	// sender's bandwidth being split across the batch.
	Send(h *Handle, msgs ...*Message)
}

// fifoGap separates two deliveries on one pair that would otherwise tie.
// The event loop breaks timestamp ties at random, so equal times would
// break per-pair ordering.
const fifoGap = 1e-9

// pairClock serializes deliveries between each (source, dest) pair so that
// a pair's messages arrive strictly in the order they were sent, whatever
// their individual transfer times. The collective protocol relies on this
// FIFO property.
type pairClock struct {
	lock    sync.Mutex
	nextVec map[[2]*Node]float64
}

// clamp returns the actual delivery time for a message on the given pair
// that would otherwise arrive at time eta, and records it.
func (p *pairClock) clamp(src, dst *Node, eta float64) float64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.nextVec == nil {
		p.nextVec = map[[2]*Node]float64{}
	}
	key := [2]*Node{src, dst}
	if prev, ok := p.nextVec[key]; ok && eta <= prev {
		eta = prev + fifoGap
	}
	p.nextVec[key] = eta
	return eta
}

// A LatencyNetwork delivers every message independently after a constant
// latency plus a size-proportional transfer time. Links never contend with
// each other.
type LatencyNetwork struct {
	// Latency is the fixed per-message delay.
	Latency float64

	// Rate is the transfer rate of every link, in bytes per unit of
	// virtual time.
	Rate float64

	clock pairClock
}

// Send schedules the messages for delivery.
func (l *LatencyNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		eta := h.Time() + l.Latency + msg.Size/l.Rate
		eta = l.clock.clamp(msg.Source, msg.Dest, eta)
		h.Schedule(msg.Dest.Incoming, msg, eta-h.Time())
	}
}

// A SharedLinkNetwork models each sender's NIC as a fixed-rate link that is
// divided evenly across the messages of one Send call. A broadcast of k
// copies therefore takes roughly k times as long as a single send, which is
// the dominant cost effect in the one-sender-at-a-time traffic produced by
// sequential collective rounds.
//
// Contention between separate Send calls is not modeled.
type SharedLinkNetwork struct {
	// Latency is the fixed per-message delay.
	Latency float64

	// SendRate is each sender's total outgoing rate, in bytes per unit
	// of virtual time.
	SendRate float64

	clock pairClock
}

// Send schedules the messages, splitting each source's bandwidth across its
// part of the batch.
func (s *SharedLinkNetwork) Send(h *Handle, msgs ...*Message) {
	bySource := map[*Node]int{}
	for _, msg := range msgs {
		bySource[msg.Source]++
	}
	for _, msg := range msgs {
		rate := s.SendRate / float64(bySource[msg.Source])
		eta := h.Time() + s.Latency + msg.Size/rate
		eta = s.clock.clamp(msg.Source, msg.Dest, eta)
		h.Schedule(msg.Dest.Incoming, msg, eta-h.Time())
	}
}
