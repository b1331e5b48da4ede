package evloop

import "time"

// FarFuture is returned as the next-fire time when no timer, cyclic or
// one-shot, is pending.
var FarFuture = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Clock is the time domain of a single loop. Separate loops may be
// synchronized to separate external clocks, and tests drive a manual clock.
// The monotonic reading orders timers; the wall reading is what callers see.
type Clock interface {
	Now() time.Time
	NowMonotonic() time.Time
	LocalUTCOffset() time.Duration
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NowMonotonic() time.Time { return time.Now() }

func (systemClock) LocalUTCOffset() time.Duration {
	_, offset := time.Now().Zone()
	return time.Duration(offset) * time.Second
}
