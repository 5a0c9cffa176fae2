package gcn

import (
	"k8s.io/klog/v2"

	"github.com/unixpickle/dist-gcn/collcomm"
)

// l2WarmupBroadcasts is how many real broadcasts a (tag, source) pair needs
// before a second-layer forward round may be served from cache.
const l2WarmupBroadcasts = 50

// A CacheConfig says, per tag, whether the tag may ever serve rounds from
// cache. Missing tags are disabled.
type CacheConfig map[Tag]bool

// DefaultCacheConfig disables caching for every tag: all rounds go over the
// network and results are exact.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{}
}

// ForwardCacheConfig enables caching for the forward direction of a
// two-layer model. Backward rounds are never cached so that gradients are
// always fresh.
func ForwardCacheConfig() CacheConfig {
	return CacheConfig{
		{Forward, 1}: true,
		{Forward, 2}: true,
	}
}

// A BroadcastCache stores previously broadcast payloads per (tag, source)
// pair, along with the counters the admission policy consults. One cache is
// owned by one model instance and shared by its layers; tags keep the
// layers' entries apart.
//
// Entries are overwritten by every real broadcast and never evicted, so the
// cache holds at most one payload per (tag, source) for the life of the
// model.
type BroadcastCache struct {
	config CacheConfig

	entries map[Tag]map[int]collcomm.Payload

	// bcasts counts real (non-cached) broadcasts per (tag, source);
	// epochs counts rounds started per tag. Neither is ever reset.
	bcasts map[Tag]map[int]int
	epochs map[Tag]int
}

// NewBroadcastCache creates an empty cache with the given admission
// configuration.
func NewBroadcastCache(config CacheConfig) *BroadcastCache {
	return &BroadcastCache{
		config:  config,
		entries: map[Tag]map[int]collcomm.Payload{},
		bcasts:  map[Tag]map[int]int{},
		epochs:  map[Tag]int{},
	}
}

// Enabled reports whether the tag may ever use the cache.
func (b *BroadcastCache) Enabled(tag Tag) bool {
	return b.config[tag]
}

// StartEpoch records the start of one broadcast-and-accumulate round for
// the tag.
func (b *BroadcastCache) StartEpoch(tag Tag) {
	b.epochs[tag]++
}

// Epochs returns how many rounds have started for the tag.
func (b *BroadcastCache) Epochs(tag Tag) int {
	return b.epochs[tag]
}

// Broadcasts returns how many real broadcasts have happened for the pair.
func (b *BroadcastCache) Broadcasts(tag Tag, src int) int {
	return b.bcasts[tag][src]
}

// RecordBroadcast counts one real broadcast for the pair.
func (b *BroadcastCache) RecordBroadcast(tag Tag, src int) {
	m := b.bcasts[tag]
	if m == nil {
		m = map[int]int{}
		b.bcasts[tag] = m
	}
	m[src]++
}

// Store saves a payload for the pair, replacing any previous entry. The
// caller passes a clone; the cache takes ownership.
func (b *BroadcastCache) Store(tag Tag, src int, payload collcomm.Payload) {
	m := b.entries[tag]
	if m == nil {
		m = map[int]collcomm.Payload{}
		b.entries[tag] = m
	}
	m[src] = payload
}

// Lookup returns the cached payload for the pair, if any.
func (b *BroadcastCache) Lookup(tag Tag, src int) (collcomm.Payload, bool) {
	p, ok := b.entries[tag][src]
	return p, ok
}

// UseCache decides whether the current round may skip the collective
// transfer from src and serve the cached payload instead.
//
// A first-layer forward pair is eligible as soon as one real broadcast has
// populated its entry. A second-layer forward pair additionally needs a
// warm-up of more than l2WarmupBroadcasts real broadcasts and only hits on
// even epochs, so its staler activations are refreshed every other round.
// Backward tags are never eligible.
//
// Both warm-up guards imply at least one prior real broadcast, which is
// what keeps the policy consistent with the cache contents: UseCache must
// never return true for a pair without an entry.
func (b *BroadcastCache) UseCache(tag Tag, src int) bool {
	condL1 := tag == Tag{Forward, 1} && b.Broadcasts(tag, src) > 0
	condL2 := tag == Tag{Forward, 2} &&
		b.Broadcasts(tag, src) > l2WarmupBroadcasts &&
		b.Epochs(tag)%2 == 0
	use := b.Enabled(tag) && (condL1 || condL2)
	if use {
		klog.V(2).Infof("cache hit tag=%v src=%d epoch=%d", tag, src, b.Epochs(tag))
	}
	return use
}
