// Package gcn implements one layer of a distributed graph convolution: a
// cached, optionally quantized collective broadcast of feature shards,
// accumulated through sparse matrix products, with the matching backward
// pass. Every rank holds one partition of the graph and participates in
// every collective round.
package gcn

import "fmt"

// Direction tells whether a collective round carries activations or
// gradients.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// String returns "Forward" or "Backward".
func (d Direction) String() string {
	switch d {
	case Forward:
		return "Forward"
	case Backward:
		return "Backward"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// A Tag identifies one layer's rounds in one direction. Tags key the
// broadcast cache and its counters, so two layers must never share a tag.
type Tag struct {
	Dir   Direction
	Layer int
}

// String renders the tag in the conventional "ForwardL1" form.
func (t Tag) String() string {
	return fmt.Sprintf("%sL%d", t.Dir, t.Layer)
}
