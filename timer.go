package evloop

import (
	"container/heap"
	"time"
)

// TimerPolicy selects how a cyclic callback is rescheduled after firing late.
type TimerPolicy int

const (
	// TimerPolicyCurrentTime reschedules relative to the actual fire time,
	// keeping the cadence and skipping missed slots.
	TimerPolicyCurrentTime TimerPolicy = iota
	// TimerPolicyOnceInCurrent reschedules relative to the scheduled time, so
	// every missed slot is visited once, back-to-back, until caught up.
	TimerPolicyOnceInCurrent
)

type timerEntry struct {
	id       uint64
	cyclic   bool
	nextTime time.Time // monotonic domain
	interval time.Duration
	policy   TimerPolicy
	seq      uint64 // insertion order, stable tiebreak for identical nextTime
	index    int

	callback    Callback
	application interface{}
	data        interface{}
}

// timerHeap is a min-heap keyed by next-fire time with an id lookup for
// modification and removal. Not safe for concurrent use; the loop serializes
// all access.
type timerHeap struct {
	entries []*timerEntry
	byID    map[uint64]*timerEntry
	nextID  uint64
	nextSeq uint64
}

func newTimerHeap() *timerHeap {
	return &timerHeap{byID: make(map[uint64]*timerEntry)}
}

func (h *timerHeap) Len() int { return len(h.entries) }

func (h *timerHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.nextTime.Equal(b.nextTime) {
		return a.seq < b.seq
	}
	return a.nextTime.Before(b.nextTime)
}

func (h *timerHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *timerHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	return e
}

// firstTime computes the initial fire time. A base time aligns the phase: the
// first fire is the smallest baseTime + k*interval at or after now.
func firstTime(now time.Time, interval time.Duration, baseTime *time.Time) time.Time {
	if baseTime == nil {
		return now.Add(interval)
	}
	diff := now.Sub(*baseTime)
	if diff <= 0 {
		return *baseTime
	}
	k := diff / interval
	aligned := baseTime.Add(k * interval)
	if aligned.Before(now) {
		aligned = aligned.Add(interval)
	}
	return aligned
}

func (h *timerHeap) addCyclic(cb Callback, application, data interface{},
	interval time.Duration, baseTime *time.Time, policy TimerPolicy,
	now time.Time) (uint64, error) {
	if cb == nil || interval <= 0 {
		return 0, ErrInvalidArgument
	}
	h.nextID++
	h.nextSeq++
	e := &timerEntry{
		id:          h.nextID,
		cyclic:      true,
		nextTime:    firstTime(now, interval, baseTime),
		interval:    interval,
		policy:      policy,
		seq:         h.nextSeq,
		callback:    cb,
		application: application,
		data:        data,
	}
	heap.Push(h, e)
	h.byID[e.id] = e
	return e.id, nil
}

func (h *timerHeap) addTimed(cb Callback, application, data interface{},
	when time.Time) (uint64, error) {
	if cb == nil {
		return 0, ErrInvalidArgument
	}
	h.nextID++
	h.nextSeq++
	e := &timerEntry{
		id:          h.nextID,
		nextTime:    when,
		seq:         h.nextSeq,
		callback:    cb,
		application: application,
		data:        data,
	}
	heap.Push(h, e)
	h.byID[e.id] = e
	return e.id, nil
}

// modifyCyclic recomputes the next-fire time as if the entry were newly added.
func (h *timerHeap) modifyCyclic(id uint64, interval time.Duration,
	baseTime *time.Time, policy TimerPolicy, now time.Time) error {
	if interval <= 0 {
		return ErrInvalidArgument
	}
	e, ok := h.byID[id]
	if !ok || !e.cyclic {
		return ErrNotFound
	}
	e.interval = interval
	e.policy = policy
	e.nextTime = firstTime(now, interval, baseTime)
	heap.Fix(h, e.index)
	return nil
}

// removeCyclic is idempotent, removing an unknown id is a no-op.
func (h *timerHeap) removeCyclic(id uint64) {
	e, ok := h.byID[id]
	if !ok {
		return
	}
	heap.Remove(h, e.index)
	delete(h.byID, id)
}

// nextTime returns the smallest pending fire time, or FarFuture when empty.
func (h *timerHeap) nextTime() time.Time {
	if len(h.entries) == 0 {
		return FarFuture
	}
	return h.entries[0].nextTime
}

// process fires every entry due at now. Cyclic entries are rescheduled per
// their policy; with TimerPolicyOnceInCurrent a lagging entry may fire
// several times in a row until its schedule catches up with now.
func (h *timerHeap) process(now time.Time, fire func(e *timerEntry)) {
	for len(h.entries) > 0 && !h.entries[0].nextTime.After(now) {
		e := heap.Pop(h).(*timerEntry)
		if !e.cyclic {
			delete(h.byID, e.id)
			fire(e)
			continue
		}
		switch e.policy {
		case TimerPolicyOnceInCurrent:
			e.nextTime = e.nextTime.Add(e.interval)
		default:
			e.nextTime = now.Add(e.interval)
		}
		heap.Push(h, e)
		fire(e)
	}
}

func (h *timerHeap) clear() {
	h.entries = nil
	h.byID = make(map[uint64]*timerEntry)
}
