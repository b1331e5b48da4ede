package evloop

import "sync"

// Callback is the unit of deferred work executed by the loop. The application
// and data arguments are passed through unmodified.
type Callback func(application, data interface{})

// DelayedCallback is executed at the start of the next dispatch cycle. The
// caller owns the node until it is enqueued; the loop owns it until the
// callback has returned.
type DelayedCallback struct {
	next        *DelayedCallback
	Callback    Callback
	Application interface{}
	Data        interface{}
}

// delayedQueue is a singly-linked FIFO. Enqueue is the only loop operation
// that may be invoked from another goroutine; everything else assumes
// exclusive access from the dispatching goroutine.
type delayedQueue struct {
	mu   sync.Mutex
	head *DelayedCallback
	tail *DelayedCallback
}

func (q *delayedQueue) push(dc *DelayedCallback) {
	q.mu.Lock()
	dc.next = nil
	if q.tail == nil {
		q.head = dc
	} else {
		q.tail.next = dc
	}
	q.tail = dc
	q.mu.Unlock()
}

// detach atomically takes the whole list so that callbacks enqueued during
// dispatch land in the next cycle.
func (q *delayedQueue) detach() *DelayedCallback {
	q.mu.Lock()
	head := q.head
	q.head = nil
	q.tail = nil
	q.mu.Unlock()
	return head
}
