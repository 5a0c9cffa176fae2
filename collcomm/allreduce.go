package collcomm

// An Allreducer applies a ReduceFn to vectors distributed across all ranks,
// leaving the reduced result on every rank.
//
// Like every collective here, all ranks must call Allreduce together, and
// deliveries between any rank pair are consumed in order, so back-to-back
// allreduces on one Comms do not interfere.
type Allreducer interface {
	Allreduce(c *Comms, data []float64, fn ReduceFn) []float64
}

// A NaiveAllreducer sends every rank's vector to every other rank and
// reduces locally.
type NaiveAllreducer struct{}

// Allreduce runs fn on all of the ranks' vectors on every rank.
func (n NaiveAllreducer) Allreduce(c *Comms, data []float64, fn ReduceFn) []float64 {
	c.sendAll(&packet{src: c.Rank, kind: packetReduce, body: vecPayload(data)})

	gathered := make([][]float64, c.WorldSize())
	gathered[c.Rank] = data
	for src := 0; src < c.WorldSize(); src++ {
		if src == c.Rank {
			continue
		}
		p := c.recvReduceFrom(src)
		gathered[src] = p
	}

	return fn(c.Handle, gathered...)
}

// A TreeAllreducer arranges the ranks in a binary tree, reduces up to the
// root, and broadcasts the result back down.
type TreeAllreducer struct{}

// Allreduce reduces along the tree and returns the fully reduced vector.
func (t TreeAllreducer) Allreduce(c *Comms, data []float64, fn ReduceFn) []float64 {
	parent, children := treePosition(c)

	vecs := [][]float64{data}
	for _, child := range children {
		vecs = append(vecs, c.recvReduceFrom(child))
	}

	reduced := fn(c.Handle, vecs...)
	if parent >= 0 {
		c.sendTo(parent, &packet{src: c.Rank, kind: packetReduce, body: vecPayload(reduced)})
		reduced = c.recvReduceFrom(parent)
	}

	for _, child := range children {
		c.sendTo(child, &packet{src: c.Rank, kind: packetReduce, body: vecPayload(reduced)})
	}

	return reduced
}

// recvReduceFrom waits for the next reduce vector from a specific rank.
func (c *Comms) recvReduceFrom(src int) []float64 {
	p := c.nextPacket(func(p *packet) bool {
		return p.kind == packetReduce && p.src == src
	})
	return []float64(p.body.(vecPayload))
}

// treePosition returns a rank's parent (-1 for the root) and children in
// the implicit binary reduction tree over rank indices.
func treePosition(c *Comms) (parent int, children []int) {
	idx := c.Rank
	parent = -1
	if idx > 0 {
		parent = (idx - 1) / 2
	}
	for i := idx*2 + 1; i <= idx*2+2 && i < c.WorldSize(); i++ {
		children = append(children, i)
	}
	return
}

// AllreduceSum sums data across all ranks using the given reducer, leaving
// the identical total on every rank.
func (c *Comms) AllreduceSum(r Allreducer, data []float64) []float64 {
	return r.Allreduce(c, data, Sum)
}
