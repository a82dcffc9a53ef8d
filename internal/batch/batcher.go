// Package batch implements the dissemination layer.
//
// Every node keeps one stream per source: the ordered list of timestamps
// that source announced in its batch packets. A node's own stream lists the
// payloads it holds. Streams are numbered by the progress view, and an entry
// is handed to the tracker once a majority of nodes incorporated it in that
// stream. Entries are recycled once delivered and stable on every stream
// that lists them.
package batch

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/event"
	"github.com/ywci/tbc/internal/metrics"
	"github.com/ywci/tbc/internal/overlay"
	"github.com/ywci/tbc/internal/progress"
	"github.com/ywci/tbc/internal/timestamp"
)

// Tracker receives visible entries.
type Tracker interface {
	Update(src cluster.NodeID, ts timestamp.Timestamp, payload []byte) error
}

// Sender carries packets and payload messages to peers.
type Sender interface {
	Broadcast(kind overlay.Kind, payload []byte) error
	Send(to cluster.NodeID, kind overlay.Kind, payload []byte) error
}

type message struct {
	ts      timestamp.Timestamp
	payload []byte
}

// Batcher is the dissemination layer of one node.
type Batcher struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	membership *cluster.Membership
	freshness  *timestamp.Freshness
	view       *progress.View
	tracker    Tracker
	out        Sender
	ingress    func(ts timestamp.Timestamp, payload []byte)
	self       cluster.NodeID

	mu       sync.Mutex
	records  map[timestamp.Timestamp]*entry
	streams  []*stream
	sessions []uint32
	pending  []timestamp.Timestamp
	recycle  *list.List
	forwards *list.List

	suspended bool
	buffer    []message

	sendEv    *event.Event
	checkEv   *event.Event
	cleanEv   *event.Event
	recycleEv *event.Event
}

// New creates a Batcher.
func New(membership *cluster.Membership, freshness *timestamp.Freshness, tracker Tracker, out Sender, opts ...Option) *Batcher {
	b := &Batcher{
		cfg:        DefaultConfig(),
		log:        zap.NewNop(),
		membership: membership,
		freshness:  freshness,
		tracker:    tracker,
		out:        out,
		self:       membership.Self(),
		records:    make(map[timestamp.Timestamp]*entry),
		streams:    make([]*stream, membership.Size()),
		sessions:   make([]uint32, membership.Size()),
		recycle:    list.New(),
		forwards:   list.New(),
		sendEv:     event.New(),
		checkEv:    event.New(),
		cleanEv:    event.New(),
		recycleEv:  event.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.New(uint8(b.self))
	}
	for i := range b.streams {
		b.streams[i] = newStream()
	}
	b.view = progress.NewView(b.cfg.Mode, membership.Size(), b.self)
	return b
}

// View returns the progress view.
func (b *Batcher) View() *progress.View {
	return b.view
}

// Submit accepts a message originated locally. While suspended the message
// is buffered.
func (b *Batcher) Submit(ts timestamp.Timestamp, payload []byte) error {
	b.mu.Lock()
	if b.suspended {
		defer b.mu.Unlock()
		if len(b.buffer) >= b.cfg.SuspendBuffer {
			b.metrics.SuspendDropped.Inc()
			return ErrSuspendBufferFull
		}
		b.buffer = append(b.buffer, message{ts: ts, payload: payload})
		return nil
	}
	b.mu.Unlock()

	if !b.accept(ts, payload, true) {
		return nil
	}
	if err := b.out.Broadcast(overlay.KindMessage, EncodeMessage(ts, payload)); err != nil {
		b.log.Debug("broadcast payload", zap.Stringer("ts", ts), zap.Error(err))
	}
	return nil
}

// Relay accepts a payload message received from a peer.
func (b *Batcher) Relay(ts timestamp.Timestamp, payload []byte) {
	b.accept(ts, payload, false)
}

// accept lists ts in the local stream. It reports false for a duplicate.
func (b *Batcher) accept(ts timestamp.Timestamp, payload []byte, local bool) bool {
	if b.ingress != nil {
		b.ingress(ts, payload)
	}

	b.mu.Lock()
	e, ok := b.lookup(b.self, ts, payload)
	if !ok {
		b.mu.Unlock()
		b.metrics.Duplicates.WithLabelValues("batch").Inc()
		return false
	}
	b.push(b.self, e)
	b.pending = append(b.pending, ts)
	if local && !e.released && e.forward == nil {
		e.forward = b.forwards.PushBack(e)
	}
	b.mu.Unlock()

	b.sendEv.Set()
	b.checkEv.Set()
	return true
}

// lookup returns the entry of ts for listing in the stream of src, or false
// when src already lists it. Stale timestamps get a released entry so that
// stream numbering stays aligned. The caller holds b.mu.
func (b *Batcher) lookup(src cluster.NodeID, ts timestamp.Timestamp, payload []byte) (*entry, bool) {
	e, ok := b.records[ts]
	if ok && e.receivers.Has(src) {
		return nil, false
	}
	if !ok {
		e = &entry{ts: ts}
		b.records[ts] = e
	}
	if !b.freshness.Check(ts) {
		b.metrics.Stale.WithLabelValues("batch").Inc()
		b.release(e)
	} else if e.payload == nil && !e.released {
		e.payload = payload
	}
	return e, true
}

// push appends e to the stream of src. The caller holds b.mu.
func (b *Batcher) push(src cluster.NodeID, e *entry) {
	e.seq[src] = b.view.Advance(src)
	e.elem[src] = b.streams[src].push(e)
	e.receivers = e.receivers.Add(src)
}

// release marks e as delivered or stale. A payload still being forwarded
// is kept until every available node lists it. The caller holds b.mu.
func (b *Batcher) release(e *entry) {
	if e.released {
		return
	}
	e.released = true
	if e.forward == nil {
		e.payload = nil
	}
	e.recycle = b.recycle.PushBack(e)
	b.recycleEv.Set()
}

// Remove marks the entry of a delivered timestamp as released.
func (b *Batcher) Remove(ts timestamp.Timestamp) {
	b.mu.Lock()
	if e, ok := b.records[ts]; ok {
		b.release(e)
	}
	b.mu.Unlock()
}

// Update merges a batch packet received from src.
func (b *Batcher) Update(src cluster.NodeID, data []byte) error {
	if src == b.self || !src.Valid(b.membership.Size()) {
		return nil
	}
	pkt, err := ParsePacket(data, b.view.Mode().HeaderLen(b.membership.Size()))
	if err != nil {
		b.metrics.PacketsDropped.WithLabelValues("invalid").Inc()
		return err
	}

	b.mu.Lock()
	if pkt.Session != b.sessions[src] {
		b.mu.Unlock()
		b.metrics.PacketsDropped.WithLabelValues("session").Inc()
		return fmt.Errorf("%w: source %d sent %d, expected %d", ErrSessionMismatch, src, pkt.Session, b.sessions[src])
	}
	if err := b.view.Merge(src, pkt.Rows); err != nil {
		b.mu.Unlock()
		b.metrics.PacketsDropped.WithLabelValues("invalid").Inc()
		return err
	}

	count := uint32(len(pkt.Timestamps))
	end := b.view.SenderSeq(src, pkt.Rows)
	if end < count {
		b.mu.Unlock()
		b.metrics.PacketsDropped.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %d timestamps end at sequence %d", ErrInvalidPacket, count, end)
	}
	added, err := b.extend(src, end-count+1, pkt.Timestamps)
	b.mu.Unlock()

	if err != nil {
		b.metrics.PacketsDropped.WithLabelValues("gap").Inc()
		b.log.Debug("dropped batch packet", zap.Uint8("source", uint8(src)), zap.Error(err))
	}
	if added > 0 {
		b.sendEv.Set()
	}
	b.checkEv.Set()
	b.cleanEv.Set()
	return err
}

// extend lists tss, whose first element has sequence first, in the stream
// of src. A prefix already listed is skipped. The caller holds b.mu.
func (b *Batcher) extend(src cluster.NodeID, first uint32, tss []timestamp.Timestamp) (int, error) {
	end := b.view.Observed(b.self, src)
	if first > end+1 {
		return 0, fmt.Errorf("%w: source %d at %d, packet starts at %d", ErrSequenceGap, src, end, first)
	}
	skip := int(end + 1 - first)
	if skip >= len(tss) {
		return 0, nil
	}

	for _, ts := range tss[skip:] {
		e, ok := b.lookup(src, ts, nil)
		if !ok {
			// keep numbering aligned with the sender
			b.view.Advance(src)
			b.metrics.Duplicates.WithLabelValues("batch").Inc()
			continue
		}
		b.push(src, e)
	}
	return len(tss) - skip, nil
}

// Run drives the sender, checker, cleaner, recycler and forwarder loops.
func (b *Batcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.runSender(ctx)
	})
	g.Go(func() error {
		return b.runChecker(ctx)
	})
	g.Go(func() error {
		return b.runCleaner(ctx)
	})
	g.Go(func() error {
		return b.runRecycler(ctx)
	})
	if b.cfg.Forward {
		g.Go(func() error {
			return b.runForwarder(ctx)
		})
	}
	return g.Wait()
}

// Drained reports whether every available stream is empty.
func (b *Batcher) Drained() bool {
	avail := b.membership.Available()
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range avail.IDs() {
		if b.streams[id].entries.Len() > 0 {
			return false
		}
	}
	return true
}

// Len returns the number of live entries.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
