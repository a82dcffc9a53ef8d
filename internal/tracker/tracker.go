// Package tracker certifies records for delivery.
//
// Every source node has a queue of the records it relayed, in the order it
// relayed them. The head of a source is its oldest queued record that is
// neither delivered nor stale. A source votes for its head, and a record
// that heads the queues of a majority of sources is delivered next. When
// no record has a majority but every available source has a head and the
// available nodes still form a majority, the head with the smallest
// timestamp is delivered instead.
//
// Heads only depend on what each source relayed and on what was delivered
// before, so every node delivers the same sequence whatever the order in
// which updates from different sources reach it.
package tracker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/event"
	"github.com/ywci/tbc/internal/metrics"
	"github.com/ywci/tbc/internal/queue"
	"github.com/ywci/tbc/internal/record"
	"github.com/ywci/tbc/internal/timestamp"
)

// Handler receives delivered messages in delivery order.
type Handler func(ts timestamp.Timestamp, payload []byte)

type source struct {
	id    cluster.NodeID
	label string
	queue *queue.Queue[*record.Record]

	liveMu   sync.Mutex
	liveness cluster.Liveness
	// alive is closed while the source is alive.
	alive chan struct{}
}

// Tracker runs the certification algorithm over all sources.
type Tracker struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	membership *cluster.Membership
	store      *record.Store
	freshness  *timestamp.Freshness
	handle     Handler
	majority   int

	sources []*source

	// mu guards the queues and the certification state of records.
	mu sync.Mutex

	outMu sync.Mutex
	out   []*record.Record

	ready     *event.Event
	dirty     atomic.Bool
	busy      atomic.Bool
	delivered atomic.Uint64
}

// New creates a Tracker. handle is called once per delivered message.
func New(membership *cluster.Membership, store *record.Store, freshness *timestamp.Freshness, handle Handler, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:        DefaultConfig(),
		log:        zap.NewNop(),
		membership: membership,
		store:      store,
		freshness:  freshness,
		handle:     handle,
		majority:   membership.Majority(),
		ready:      event.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = metrics.New(uint8(membership.Self()))
	}

	t.sources = make([]*source, membership.Size())
	for i := range t.sources {
		alive := make(chan struct{})
		close(alive)
		t.sources[i] = &source{
			id:    cluster.NodeID(i),
			label: strconv.Itoa(i),
			queue: queue.New[*record.Record](),
			alive: alive,
		}
	}
	return t
}

// Update appends ts, relayed by src, to src's queue and delivers whatever
// becomes certified. Stale, duplicate and unavailable input is dropped.
// The returned error reports an exhausted capacity.
func (t *Tracker) Update(src cluster.NodeID, ts timestamp.Timestamp, payload []byte) error {
	s := t.sources[src]
	t.mu.Lock()

	if !t.freshness.Check(ts) {
		t.mu.Unlock()
		t.metrics.Stale.WithLabelValues("tracker").Inc()
		return nil
	}
	rec, err := t.store.Find(src, ts, payload)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if rec == nil {
		t.mu.Unlock()
		return nil
	}
	if rec.Queued(src) {
		t.mu.Unlock()
		t.metrics.Duplicates.WithLabelValues("tracker").Inc()
		return nil
	}

	h, _, err := s.queue.Push(ts, rec)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("queue of source %d: %w", src, err)
	}
	rec.Slot[src] = h
	rec.Receivers = rec.Receivers.Add(src)
	t.metrics.QueueLength.WithLabelValues(s.label).Set(float64(s.queue.Len()))
	t.metrics.Records.Set(float64(t.store.Len()))

	stale := t.certify()
	t.mu.Unlock()

	t.release(stale)
	return nil
}

// certify delivers records until neither rule applies and returns the
// stale records it discarded. The caller holds t.mu.
func (t *Tracker) certify() []*record.Record {
	var stale []*record.Record
	for {
		var (
			lowest *record.Record
			voters cluster.NodeSet
			winner *record.Record
		)
		for _, s := range t.sources {
			rec := t.head(s, &stale)
			if rec == nil {
				continue
			}
			voters = voters.Add(s.id)
			if !rec.Counted.Has(s.id) {
				rec.Counted = rec.Counted.Add(s.id)
				rec.Perceived++
			}
			if rec.Perceived >= t.majority {
				winner = rec
				break
			}
			if lowest == nil || rec.Timestamp().Less(lowest.Timestamp()) {
				lowest = rec
			}
		}

		switch {
		case winner != nil:
			t.deliver(winner)
		case lowest != nil && t.canBreakTie(voters):
			t.log.Debug("delivering lowest head", zap.Stringer("ts", lowest.Timestamp()), zap.Stringer("voters", voters))
			t.deliver(lowest)
		default:
			return stale
		}
	}
}

// canBreakTie reports whether the heads of voters are all the heads that
// can ever take part in the next decision.
func (t *Tracker) canBreakTie(voters cluster.NodeSet) bool {
	avail := t.membership.Available()
	return avail.Len() >= t.majority && voters.Covers(avail)
}

// head returns the head of s, discarding stale entries in front of it.
func (t *Tracker) head(s *source, stale *[]*record.Record) *record.Record {
	for {
		h := s.queue.Oldest()
		if h == queue.None {
			return nil
		}
		rec := s.queue.Value(h)
		if t.freshness.Check(rec.Timestamp()) {
			return rec
		}
		t.pop(rec)
		t.metrics.Stale.WithLabelValues("tracker").Inc()
		*stale = append(*stale, rec)
	}
}

// deliver latches rec and hands it to the output loop. The caller holds t.mu.
func (t *Tracker) deliver(rec *record.Record) {
	t.pop(rec)
	if !t.store.Deliver(rec) {
		return
	}

	t.outMu.Lock()
	t.out = append(t.out, rec)
	t.outMu.Unlock()
	t.delivered.Add(1)
	t.busy.Store(true)
	t.ready.Set()
}

// pop removes rec from every queue holding it. The caller holds t.mu.
func (t *Tracker) pop(rec *record.Record) {
	for _, s := range t.sources {
		h := rec.Slot[s.id]
		if h == queue.None {
			continue
		}
		s.queue.Pop(h)
		rec.Slot[s.id] = queue.None
		t.metrics.QueueLength.WithLabelValues(s.label).Set(float64(s.queue.Len()))
	}
}

func (t *Tracker) release(recs []*record.Record) {
	for _, rec := range recs {
		t.store.Release(rec)
	}
}

func (t *Tracker) checkOutput() bool {
	t.outMu.Lock()
	if len(t.out) == 0 {
		t.outMu.Unlock()
		return false
	}
	rec := t.out[0]
	t.out[0] = nil
	t.out = t.out[1:]
	t.outMu.Unlock()

	if t.handle != nil {
		t.handle(rec.Timestamp(), rec.Payload())
	}
	t.metrics.Delivered.Inc()
	t.metrics.DeliveryLatency.Observe(time.Since(rec.Created()).Seconds())
	t.store.Release(rec)
	return true
}

// recheck re-runs certification after a membership or liveness change.
func (t *Tracker) recheck() {
	t.mu.Lock()
	stale := t.certify()
	t.mu.Unlock()
	t.release(stale)
}

// kick schedules a recheck on the handler loop.
func (t *Tracker) kick() {
	t.dirty.Store(true)
	t.ready.Set()
}

// Run drives the output handler and the monitor until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.runHandler(ctx)
	})
	g.Go(func() error {
		return t.runMonitor(ctx)
	})
	return g.Wait()
}

func (t *Tracker) runHandler(ctx context.Context) error {
	for ctx.Err() == nil {
		if t.dirty.Swap(false) {
			t.recheck()
		}
		if !t.checkOutput() {
			t.ready.Wait(ctx, t.cfg.DeliverTimeout)
		}
	}
	return nil
}

func (t *Tracker) runMonitor(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if t.busy.Swap(false) {
				continue
			}
			t.recheck()
		}
	}
}

// Delivered returns the number of records delivered so far.
func (t *Tracker) Delivered() uint64 {
	return t.delivered.Load()
}

// QueueLen returns the number of entries queued for src.
func (t *Tracker) QueueLen(src cluster.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sources[src].queue.Len()
}

// Drained reports whether every queue is empty and nothing awaits output.
func (t *Tracker) Drained() bool {
	t.mu.Lock()
	for _, s := range t.sources {
		if !s.queue.Empty() {
			t.mu.Unlock()
			return false
		}
	}
	t.mu.Unlock()

	t.outMu.Lock()
	defer t.outMu.Unlock()
	return len(t.out) == 0
}
