package timestamp

import (
	"runtime"
	"sync"
	"time"
)

// Stamper issues strictly increasing timestamps for a single origin.
// When the clock has not advanced past the last issued value it spins
// until the next microsecond.
type Stamper struct {
	mu     sync.Mutex
	origin uint32
	last   Timestamp
	clock  func() time.Time
}

// NewStamper creates a Stamper for origin using the wall clock.
func NewStamper(origin uint32) *Stamper {
	return NewStamperWithClock(origin, time.Now)
}

// NewStamperWithClock creates a Stamper reading time from clock.
func NewStamperWithClock(origin uint32, clock func() time.Time) *Stamper {
	return &Stamper{origin: origin, clock: clock}
}

// Origin returns the origin id stamped on every timestamp.
func (s *Stamper) Origin() uint32 {
	return s.origin
}

// Next returns a timestamp strictly greater than every previous one.
func (s *Stamper) Next() Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		now := s.clock()
		ts := Timestamp{
			Sec:    uint32(now.Unix()),
			Usec:   uint32(now.Nanosecond() / 1000),
			Origin: s.origin,
		}
		if s.last.Less(ts) {
			s.last = ts
			return ts
		}
		runtime.Gosched()
	}
}
