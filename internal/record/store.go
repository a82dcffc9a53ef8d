package record

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/timestamp"
)

const (
	// Shards is the number of shards of a Store.
	Shards = 1024
	// MaxRecords bounds the number of live records.
	MaxRecords = 10000000
)

// ErrCapacity is returned when the store is full.
var ErrCapacity = errors.New("record store is full")

// ReleaseFunc is called with the timestamp of every released record.
type ReleaseFunc func(ts timestamp.Timestamp)

// Store maps timestamps to records.
type Store struct {
	// mu is held exclusively for whole-store iteration; lookups take the
	// read side and then a shard lock.
	mu   sync.RWMutex
	size atomic.Int64

	shards     [Shards]shard
	membership *cluster.Membership
	freshness  *timestamp.Freshness
	onRelease  ReleaseFunc
}

type shard struct {
	mu      sync.Mutex
	records map[timestamp.Timestamp]*Record
}

// NewStore creates an empty Store. Delivered timestamps are recorded in
// freshness; onRelease may be nil.
func NewStore(membership *cluster.Membership, freshness *timestamp.Freshness, onRelease ReleaseFunc) *Store {
	s := &Store{
		membership: membership,
		freshness:  freshness,
		onRelease:  onRelease,
	}
	for i := range s.shards {
		s.shards[i].records = make(map[timestamp.Timestamp]*Record)
	}
	return s
}

// SetReleaseFunc installs the release hook.
func (s *Store) SetReleaseFunc(fn ReleaseFunc) {
	s.mu.Lock()
	s.onRelease = fn
	s.mu.Unlock()
}

func (s *Store) shard(ts timestamp.Timestamp) *shard {
	return &s.shards[ts.Usec%Shards]
}

// Find returns the record of ts, creating it when source is available and
// payload is non-nil. It returns nil when the record is already delivered
// or cannot be created.
func (s *Store) Find(source cluster.NodeID, ts timestamp.Timestamp, payload []byte) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh := s.shard(ts)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[ts]; ok {
		if rec.Delivered() {
			return nil, nil
		}
		if rec.payload == nil && payload != nil {
			rec.payload = payload
		}
		return rec, nil
	}

	if payload == nil || !s.membership.IsAvailable(source) {
		return nil, nil
	}
	if s.size.Load() >= MaxRecords {
		return nil, ErrCapacity
	}

	rec := &Record{ts: ts, payload: payload, created: time.Now()}
	sh.records[ts] = rec
	s.size.Add(1)
	return rec, nil
}

// Lookup returns the record of ts without creating it.
func (s *Store) Lookup(ts timestamp.Timestamp) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh := s.shard(ts)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.records[ts]
}

// Deliver latches rec as delivered and records its timestamp as the latest
// of its origin. It returns false if rec was already delivered.
func (s *Store) Deliver(rec *Record) bool {
	if !rec.delivered.CompareAndSwap(false, true) {
		return false
	}
	s.freshness.Update(rec.ts)
	return true
}

// Release removes rec from the store and hands its timestamp to the
// release hook.
func (s *Store) Release(rec *Record) {
	s.mu.RLock()
	sh := s.shard(rec.ts)
	sh.mu.Lock()
	cur, ok := sh.records[rec.ts]
	if ok && cur == rec {
		delete(sh.records, rec.ts)
		s.size.Add(-1)
	}
	sh.mu.Unlock()
	fn := s.onRelease
	s.mu.RUnlock()

	if ok && fn != nil {
		fn(rec.ts)
	}
}

// Len returns the number of live records.
func (s *Store) Len() int {
	return int(s.size.Load())
}

// Range calls fn for every live record until fn returns false.
func (s *Store) Range(fn func(*Record) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.shards {
		for _, rec := range s.shards[i].records {
			if !fn(rec) {
				return
			}
		}
	}
}
