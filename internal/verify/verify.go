// Package verify checks delivered message streams for ordering violations.
package verify

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ywci/tbc/internal/timestamp"
)

// DefaultOrigins bounds how many origins an OrderChecker remembers.
const DefaultOrigins = 4096

// Regression reports a timestamp that did not follow the last one seen from
// its origin.
type Regression struct {
	Last    timestamp.Timestamp
	Current timestamp.Timestamp
}

func (e *Regression) Error() string {
	return fmt.Sprintf("origin %d regressed: %s after %s", e.Current.Origin, e.Current, e.Last)
}

// Conflict reports two timestamps delivered in opposite orders by two
// streams. Position is the index of the mismatch among common timestamps.
type Conflict struct {
	Position int
	A        timestamp.Timestamp
	B        timestamp.Timestamp
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("order conflict at common position %d: %s vs %s", e.Position, e.A, e.B)
}

// Duplicate reports a timestamp that appears twice in one stream.
type Duplicate struct {
	Timestamp timestamp.Timestamp
}

func (e *Duplicate) Error() string {
	return fmt.Sprintf("timestamp %s delivered twice", e.Timestamp)
}

// OrderChecker tracks the last timestamp seen per origin and flags any
// timestamp that is not strictly newer. Origins beyond the cache size are
// forgotten least recently used first.
type OrderChecker struct {
	mu         sync.Mutex
	last       *lru.Cache[uint32, timestamp.Timestamp]
	checked    uint64
	violations uint64
}

// NewOrderChecker creates a checker remembering up to origins origins.
func NewOrderChecker(origins int) (*OrderChecker, error) {
	if origins <= 0 {
		origins = DefaultOrigins
	}
	cache, err := lru.New[uint32, timestamp.Timestamp](origins)
	if err != nil {
		return nil, fmt.Errorf("failed to create origin cache: %w", err)
	}
	return &OrderChecker{last: cache}, nil
}

// Check records ts and returns a *Regression if its origin already produced
// a timestamp at or after it.
func (c *OrderChecker) Check(ts timestamp.Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checked++
	if last, ok := c.last.Get(ts.Origin); ok && !last.Less(ts) {
		c.violations++
		return &Regression{Last: last, Current: ts}
	}
	c.last.Add(ts.Origin, ts)
	return nil
}

// Stats returns how many timestamps were checked and how many failed.
func (c *OrderChecker) Stats() (checked, violations uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checked, c.violations
}

// CheckStream runs every timestamp of a delivered stream through a fresh
// checker and returns the first violation.
func CheckStream(tss []timestamp.Timestamp) error {
	c, err := NewOrderChecker(DefaultOrigins)
	if err != nil {
		return err
	}
	for _, ts := range tss {
		if err := c.Check(ts); err != nil {
			return err
		}
	}
	return nil
}

// CompareOrders checks that a and b deliver their common timestamps in the
// same relative order. Timestamps present in only one stream are ignored.
// It returns the number of common timestamps.
func CompareOrders(a, b []timestamp.Timestamp) (int, error) {
	inA, err := index(a)
	if err != nil {
		return 0, err
	}
	inB, err := index(b)
	if err != nil {
		return 0, err
	}

	common := func(tss []timestamp.Timestamp, other map[timestamp.Timestamp]int) []timestamp.Timestamp {
		out := make([]timestamp.Timestamp, 0, len(tss))
		for _, ts := range tss {
			if _, ok := other[ts]; ok {
				out = append(out, ts)
			}
		}
		return out
	}
	ca := common(a, inB)
	cb := common(b, inA)

	for i := range ca {
		if ca[i] != cb[i] {
			return len(ca), &Conflict{Position: i, A: ca[i], B: cb[i]}
		}
	}
	return len(ca), nil
}

func index(tss []timestamp.Timestamp) (map[timestamp.Timestamp]int, error) {
	m := make(map[timestamp.Timestamp]int, len(tss))
	for i, ts := range tss {
		if _, ok := m[ts]; ok {
			return nil, &Duplicate{Timestamp: ts}
		}
		m[ts] = i
	}
	return m, nil
}

// IsPrefix reports whether the shorter stream is a prefix of the longer.
// Nodes that stayed available deliver prefixes of one another.
func IsPrefix(a, b []timestamp.Timestamp) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
