package timestamp

import "sync"

// FreshnessShards is the number of shards in a Freshness table.
const FreshnessShards = 1024

// Freshness remembers the latest delivered Timestamp of every origin.
// Only one value per origin is kept, so a timestamp older than the latest
// one is rejected even if it was never seen.
type Freshness struct {
	shards [FreshnessShards]freshnessShard
}

type freshnessShard struct {
	mu     sync.RWMutex
	latest map[uint32]Timestamp
}

// NewFreshness creates an empty table.
func NewFreshness() *Freshness {
	f := &Freshness{}
	for i := range f.shards {
		f.shards[i].latest = make(map[uint32]Timestamp)
	}
	return f
}

func (f *Freshness) shard(origin uint32) *freshnessShard {
	return &f.shards[origin%FreshnessShards]
}

// Check reports whether ts is newer than anything recorded for its origin.
func (f *Freshness) Check(ts Timestamp) bool {
	s := f.shard(ts.Origin)
	s.mu.RLock()
	defer s.mu.RUnlock()

	last, ok := s.latest[ts.Origin]
	return !ok || last.Less(ts)
}

// Update records ts as the latest value for its origin. It returns false
// when an equal or newer value is already present.
func (f *Freshness) Update(ts Timestamp) bool {
	s := f.shard(ts.Origin)
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.latest[ts.Origin]
	if ok && !last.Less(ts) {
		return false
	}
	s.latest[ts.Origin] = ts
	return true
}

// Latest returns the recorded value for origin.
func (f *Freshness) Latest(origin uint32) (Timestamp, bool) {
	s := f.shard(origin)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.latest[origin]
	return ts, ok
}
