// Package replay implements the bounded experience replay buffer shared by
// self-play workers and the learner.
package replay

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/lamim/selfplay/pkg/models"
)

// EvictionPolicy decides which entry leaves a full buffer
type EvictionPolicy string

const (
	EvictOldestFirst   EvictionPolicy = "oldest_first"
	EvictLowestQuality EvictionPolicy = "lowest_quality"
)

// SamplingStrategy decides how batches are drawn
type SamplingStrategy string

const (
	SampleUniform SamplingStrategy = "uniform"
	SampleRecent  SamplingStrategy = "recent"
	SampleMixed   SamplingStrategy = "mixed"
)

// ErrBufferUnderflow is returned when more samples are requested than stored
var ErrBufferUnderflow = errors.New("replay buffer underflow")

const (
	defaultRecentFraction = 0.25
	defaultMixRatio       = 0.5
)

// Options configures a Buffer
type Options struct {
	MaxSize        int
	Eviction       EvictionPolicy
	Sampling       SamplingStrategy
	RecentFraction float64 // share of the newest entries RECENT draws from
	MixRatio       float64 // probability a MIXED draw comes from the recent window
	AllowPartial   bool    // return size() entries instead of failing on underflow
}

// Stats is a point-in-time view of the buffer
type Stats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
	TotalAdded  uint64  `json:"total_added"`
	Evicted     uint64  `json:"evicted"`
}

type entry struct {
	exp models.EnhancedExperience
	seq uint64
}

// Buffer is a capacity-bounded store guarded by a single mutex. Every public
// method is one short critical section.
type Buffer struct {
	mu   sync.Mutex
	opts Options

	entries []entry
	head    int // oldest slot once the ring has wrapped (oldest_first)
	quality qualityHeap

	nextSeq uint64
	evicted uint64

	ordered      []int // slot indices by insertion order
	orderedDirty bool
}

// New creates an empty buffer
func New(opts Options) (*Buffer, error) {
	if opts.MaxSize < 1 {
		return nil, fmt.Errorf("replay buffer max_size must be at least 1 (got %d)", opts.MaxSize)
	}
	switch opts.Eviction {
	case "":
		opts.Eviction = EvictOldestFirst
	case EvictOldestFirst, EvictLowestQuality:
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", opts.Eviction)
	}
	if opts.Sampling == "" {
		opts.Sampling = SampleUniform
	}
	if !ValidSampling(opts.Sampling) {
		return nil, fmt.Errorf("unknown sampling strategy %q", opts.Sampling)
	}
	if opts.RecentFraction <= 0 || opts.RecentFraction > 1 {
		opts.RecentFraction = defaultRecentFraction
	}
	if opts.MixRatio <= 0 || opts.MixRatio > 1 {
		opts.MixRatio = defaultMixRatio
	}

	b := &Buffer{
		opts:    opts,
		entries: make([]entry, 0, opts.MaxSize),
	}
	b.quality.buf = b
	return b, nil
}

// ValidSampling reports whether s names a known strategy
func ValidSampling(s SamplingStrategy) bool {
	switch s {
	case SampleUniform, SampleRecent, SampleMixed:
		return true
	}
	return false
}

// Add inserts one experience, evicting exactly one entry when full
func (b *Buffer) Add(exp models.EnhancedExperience) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := entry{exp: exp, seq: b.nextSeq}
	b.nextSeq++
	b.orderedDirty = true

	if len(b.entries) < b.opts.MaxSize {
		b.entries = append(b.entries, e)
		if b.opts.Eviction == EvictLowestQuality {
			heap.Push(&b.quality, len(b.entries)-1)
		}
		return
	}

	b.evicted++
	switch b.opts.Eviction {
	case EvictLowestQuality:
		slot := b.quality.slots[0]
		b.entries[slot] = e
		heap.Fix(&b.quality, 0)
	default:
		b.entries[b.head] = e
		b.head = (b.head + 1) % b.opts.MaxSize
	}
}

// AddAll adds experiences in order. Each insert is its own critical section.
func (b *Buffer) AddAll(exps []models.EnhancedExperience) {
	for _, e := range exps {
		b.Add(e)
	}
}

// Sample draws n entries with the configured strategy
func (b *Buffer) Sample(n int, rng *rand.Rand) ([]models.EnhancedExperience, error) {
	return b.SampleWith(n, b.opts.Sampling, rng)
}

// SampleWith draws n entries (with replacement) without mutating contents.
// The same contents and generator position always give the same batch.
func (b *Buffer) SampleWith(n int, strategy SamplingStrategy, rng *rand.Rand) ([]models.EnhancedExperience, error) {
	if rng == nil {
		return nil, fmt.Errorf("sample requires a random generator")
	}
	if !ValidSampling(strategy) {
		return nil, fmt.Errorf("unknown sampling strategy %q", strategy)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.entries)
	if n <= 0 {
		return nil, nil
	}
	if n > size {
		if !b.opts.AllowPartial || size == 0 {
			return nil, fmt.Errorf("%w: requested %d, have %d", ErrBufferUnderflow, n, size)
		}
		n = size
	}

	order := b.orderLocked()
	window := int(math.Ceil(float64(size) * b.opts.RecentFraction))
	if window < 1 {
		window = 1
	}

	out := make([]models.EnhancedExperience, n)
	for i := range out {
		var rank int
		switch strategy {
		case SampleRecent:
			rank = size - 1 - rng.IntN(window)
		case SampleMixed:
			if rng.Float64() < b.opts.MixRatio {
				rank = size - 1 - rng.IntN(window)
			} else {
				rank = rng.IntN(size)
			}
		default:
			rank = rng.IntN(size)
		}
		out[i] = b.entries[order[rank]].exp
	}
	return out, nil
}

// orderLocked returns slot indices from oldest to newest
func (b *Buffer) orderLocked() []int {
	if !b.orderedDirty && len(b.ordered) == len(b.entries) {
		return b.ordered
	}
	size := len(b.entries)
	if cap(b.ordered) < size {
		b.ordered = make([]int, size)
	}
	b.ordered = b.ordered[:size]

	if b.opts.Eviction == EvictOldestFirst {
		for i := 0; i < size; i++ {
			b.ordered[i] = (b.head + i) % size
		}
	} else {
		for i := range b.ordered {
			b.ordered[i] = i
		}
		sort.Slice(b.ordered, func(i, j int) bool {
			return b.entries[b.ordered[i]].seq < b.entries[b.ordered[j]].seq
		})
	}
	b.orderedDirty = false
	return b.ordered
}

// Contents returns every stored experience from oldest to newest
func (b *Buffer) Contents() []models.EnhancedExperience {
	b.mu.Lock()
	defer b.mu.Unlock()

	order := b.orderLocked()
	out := make([]models.EnhancedExperience, len(order))
	for i, slot := range order {
		out[i] = b.entries[slot].exp
	}
	return out
}

// Size returns the number of stored entries
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Capacity returns MaxSize
func (b *Buffer) Capacity() int {
	return b.opts.MaxSize
}

// IsFull reports whether the next Add evicts
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) >= b.opts.MaxSize
}

// Clear empties the buffer, keeping its capacity
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	b.quality.slots = b.quality.slots[:0]
	b.head = 0
	b.ordered = b.ordered[:0]
	b.orderedDirty = true
}

// Stats returns size and eviction counters
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Size:        len(b.entries),
		Capacity:    b.opts.MaxSize,
		Utilization: float64(len(b.entries)) / float64(b.opts.MaxSize),
		TotalAdded:  b.nextSeq,
		Evicted:     b.evicted,
	}
}

// qualityHeap is a min-heap of slots ordered by quality, then insertion order
type qualityHeap struct {
	buf   *Buffer
	slots []int
}

func (h *qualityHeap) Len() int { return len(h.slots) }

func (h *qualityHeap) Less(i, j int) bool {
	a, b := h.buf.entries[h.slots[i]], h.buf.entries[h.slots[j]]
	if a.exp.QualityScore != b.exp.QualityScore {
		return a.exp.QualityScore < b.exp.QualityScore
	}
	return a.seq < b.seq
}

func (h *qualityHeap) Swap(i, j int) { h.slots[i], h.slots[j] = h.slots[j], h.slots[i] }

func (h *qualityHeap) Push(x any) { h.slots = append(h.slots, x.(int)) }

func (h *qualityHeap) Pop() any {
	old := h.slots
	n := len(old)
	x := old[n-1]
	h.slots = old[:n-1]
	return x
}
