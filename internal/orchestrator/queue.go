package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tier is a scheduling class. Lower values are served first.
type Tier int

const (
	TierImmediate Tier = iota
	TierHigh
	TierNormal
	TierLow
	TierBackground

	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierImmediate:
		return "immediate"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	case TierBackground:
		return "background"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// TierFor maps an operation priority (1-10) to a tier. Crisis and
// emergency-bypass work is always immediate.
func TierFor(priority int, urgent bool) Tier {
	switch {
	case urgent || priority >= 10:
		return TierImmediate
	case priority >= 8:
		return TierHigh
	case priority >= 5:
		return TierNormal
	case priority >= 3:
		return TierLow
	default:
		return TierBackground
	}
}

// item is one queued operation.
type item struct {
	opID   string
	change Change
	tier   Tier

	// seq is the submission order, assigned on first push and kept
	// across retries and parking.
	seq uint64

	// readyAt defers a retry until its backoff has elapsed.
	readyAt time.Time
}

// syncQueue holds queued work in per-tier FIFOs plus per-device parking
// for work pinned to a device that is offline.
//
// Parked items never sit in a tier, so an offline device cannot hold up
// the head of any tier.
//
// Thread-safety: all methods are safe for concurrent use.
type syncQueue struct {
	mu     sync.Mutex
	tiers  [numTiers][]item
	parked map[string][]item
	seq    uint64
	closed bool

	// urgent signals that immediate-tier work arrived (buffered, size 1).
	urgent chan struct{}
}

func newSyncQueue() *syncQueue {
	return &syncQueue{
		parked: make(map[string][]item),
		urgent: make(chan struct{}, 1),
	}
}

// Push places it in its tier by submission order, so a retry or an
// unparked item goes back ahead of work submitted after it. Returns false
// once closed.
func (q *syncQueue) Push(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if it.seq == 0 {
		q.seq++
		it.seq = q.seq
	}
	q.insert(it)
	if it.tier == TierImmediate {
		select {
		case q.urgent <- struct{}{}:
		default:
		}
	}
	return true
}

func (q *syncQueue) insert(it item) {
	tier := q.tiers[it.tier]
	if n := len(tier); n == 0 || tier[n-1].seq < it.seq {
		q.tiers[it.tier] = append(tier, it)
		return
	}
	i := sort.Search(len(tier), func(i int) bool { return tier[i].seq > it.seq })
	tier = append(tier, item{})
	copy(tier[i+1:], tier[i:])
	tier[i] = it
	q.tiers[it.tier] = tier
}

// PopReady removes up to limit items that are due at now, highest tier
// first and in submission order within a tier. Items still backing off
// keep their position.
func (q *syncQueue) PopReady(now time.Time, limit int) []item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []item
	for t := range q.tiers {
		if len(out) >= limit {
			break
		}
		kept := q.tiers[t][:0]
		for _, it := range q.tiers[t] {
			if len(out) < limit && !it.readyAt.After(now) {
				out = append(out, it)
				continue
			}
			kept = append(kept, it)
		}
		// Clear the tail so popped items can be collected.
		for i := len(kept); i < len(q.tiers[t]); i++ {
			q.tiers[t][i] = item{}
		}
		q.tiers[t] = kept
	}
	return out
}

// Promote moves matching items to the immediate tier in submission
// order and returns how many moved.
func (q *syncQueue) Promote(match func(item) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var moved []item
	for t := TierHigh; t < numTiers; t++ {
		kept := q.tiers[t][:0]
		for _, it := range q.tiers[t] {
			if match(it) {
				it.tier = TierImmediate
				moved = append(moved, it)
				continue
			}
			kept = append(kept, it)
		}
		for i := len(kept); i < len(q.tiers[t]); i++ {
			q.tiers[t][i] = item{}
		}
		q.tiers[t] = kept
	}
	if len(moved) > 0 {
		for _, it := range moved {
			q.insert(it)
		}
		select {
		case q.urgent <- struct{}{}:
		default:
		}
	}
	return len(moved)
}

// Park holds it until deviceID reconnects.
func (q *syncQueue) Park(deviceID string, it item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parked[deviceID] = append(q.parked[deviceID], it)
}

// ParkTargeted moves queued items pinned to deviceID into its parking
// list and returns how many moved.
func (q *syncQueue) ParkTargeted(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for t := range q.tiers {
		kept := q.tiers[t][:0]
		for _, it := range q.tiers[t] {
			if it.change.Target == deviceID {
				q.parked[deviceID] = append(q.parked[deviceID], it)
				n++
				continue
			}
			kept = append(kept, it)
		}
		for i := len(kept); i < len(q.tiers[t]); i++ {
			q.tiers[t][i] = item{}
		}
		q.tiers[t] = kept
	}
	return n
}

// Unpark removes and returns everything parked for deviceID.
func (q *syncQueue) Unpark(deviceID string) []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.parked[deviceID]
	delete(q.parked, deviceID)
	return items
}

// Len returns the number of queued items, parked ones excluded.
func (q *syncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for t := range q.tiers {
		n += len(q.tiers[t])
	}
	return n
}

// TierLen returns the number of items queued in one tier.
func (q *syncQueue) TierLen(t Tier) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tiers[t])
}

// ParkedLen returns the number of items parked for deviceID.
func (q *syncQueue) ParkedLen(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parked[deviceID])
}

// Urgent returns a channel that signals when immediate work may be
// available.
func (q *syncQueue) Urgent() <-chan struct{} {
	return q.urgent
}

// Close rejects further pushes.
func (q *syncQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
