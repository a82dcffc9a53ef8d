package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/overlay"
	"github.com/ywci/tbc/internal/timestamp"
)

func (b *Batcher) runSender(ctx context.Context) error {
	for ctx.Err() == nil {
		woken := b.sendEv.Wait(ctx, b.cfg.HeaderInterval)
		if woken && b.cfg.SendTimeout > 0 {
			// gather until the batch is full or input pauses
			for b.pendingLen() < b.cfg.BatchMax && b.sendEv.Wait(ctx, b.cfg.SendTimeout) {
			}
		}
		if err := b.flush(!woken); err != nil {
			b.log.Debug("send batch", zap.Error(err))
		}
	}
	return nil
}

func (b *Batcher) pendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// flush sends the pending timestamps. An idle flush resends the stream
// suffix a lagging peer misses, or at least the header while entries are
// in flight.
func (b *Batcher) flush(idle bool) error {
	b.mu.Lock()
	pkt := &Packet{
		Rows:       b.view.Header(),
		Session:    b.sessions[b.self],
		Timestamps: b.pending,
	}
	b.pending = nil
	if len(pkt.Timestamps) == 0 && idle {
		pkt.Timestamps = b.repair()
	}
	inFlight := len(b.records) > 0
	b.mu.Unlock()

	if len(pkt.Timestamps) == 0 && !b.view.Changed(pkt.Rows) && !(idle && inFlight) {
		return nil
	}
	b.view.MarkSent(pkt.Rows)
	b.metrics.PacketsSent.Inc()
	return b.out.Broadcast(overlay.KindBatch, pkt.Marshal())
}

// repair returns the suffix of the local stream that the slowest available
// peer has not incorporated. The caller holds b.mu.
func (b *Batcher) repair() []timestamp.Timestamp {
	end := b.view.Observed(b.self, b.self)
	low := b.view.MinObserved(b.self, b.membership.Available())
	if low >= end || int(end-low) > b.cfg.RepairMax {
		return nil
	}
	tss, ok := b.rangeLocked(b.self, low+1)
	if !ok {
		return nil
	}
	return tss
}

func (b *Batcher) runChecker(ctx context.Context) error {
	for ctx.Err() == nil {
		b.checkEv.Wait(ctx, b.cfg.CheckInterval)
		if err := b.checkVisible(); err != nil {
			return err
		}
	}
	return nil
}

type handoff struct {
	src     cluster.NodeID
	ts      timestamp.Timestamp
	payload []byte
}

// checkVisible hands the entries that became visible to the tracker, in
// stream order. A stream stops at its first entry that is not visible or
// whose payload is missing.
func (b *Batcher) checkVisible() error {
	var out []handoff

	b.mu.Lock()
	for i, st := range b.streams {
		src := cluster.NodeID(i)
		for el := st.checkNext; el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if !e.released {
				if !e.receivers.Has(b.self) || !b.view.Visible(src, e.seq[src]) {
					break
				}
				e.visible = e.visible.Add(src)
				out = append(out, handoff{src: src, ts: e.ts, payload: e.payload})
			}
			st.checkNext = el.Next()
		}
	}
	b.mu.Unlock()

	for _, h := range out {
		if err := b.tracker.Update(h.src, h.ts, h.payload); err != nil {
			return err
		}
	}
	if len(out) > 0 {
		b.cleanEv.Set()
	}
	return nil
}

func (b *Batcher) runCleaner(ctx context.Context) error {
	for ctx.Err() == nil {
		b.cleanEv.Wait(ctx, b.cfg.CheckInterval)
		if b.checkClean() {
			b.recycleEv.Set()
		}
	}
	return nil
}

// checkClean sets the clean bit of every entry that is stable on its
// stream. It reports whether any bit was set.
func (b *Batcher) checkClean() bool {
	avail := b.membership.Available()
	cleaned := false

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, st := range b.streams {
		src := cluster.NodeID(i)
		for el := st.cleanNext; el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if !b.view.Stable(src, e.seq[src], avail) {
				break
			}
			e.clean = e.clean.Add(src)
			st.cleanNext = el.Next()
			cleaned = true
		}
	}
	return cleaned
}

func (b *Batcher) runRecycler(ctx context.Context) error {
	for ctx.Err() == nil {
		b.recycleEv.Wait(ctx, b.cfg.RecycleInterval)
		b.recycleReleased()
	}
	return nil
}

// recycleReleased frees the released entries that every available node
// lists and that are clean on every stream listing them.
func (b *Batcher) recycleReleased() int {
	avail := b.membership.Available()
	freed := 0

	b.mu.Lock()
	defer b.mu.Unlock()
	for el := b.recycle.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.receivers.Covers(avail) && e.clean.Covers(e.receivers) {
			b.free(e)
			freed++
		}
		el = next
	}
	if freed > 0 {
		b.metrics.Recycled.Add(float64(freed))
	}
	return freed
}

// free drops e from every list and from the index. The caller holds b.mu.
func (b *Batcher) free(e *entry) {
	for i, el := range e.elem {
		if el != nil {
			b.streams[i].remove(el)
			e.elem[i] = nil
		}
	}
	if e.recycle != nil {
		b.recycle.Remove(e.recycle)
		e.recycle = nil
	}
	if e.forward != nil {
		b.forwards.Remove(e.forward)
		e.forward = nil
	}
	delete(b.records, e.ts)
}

func (b *Batcher) runForwarder(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.ForwardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.forward()
		}
	}
}

type resend struct {
	to  cluster.NodeSet
	msg []byte
}

// forward re-sends local payloads to the available nodes that do not list
// them yet. A payload is first resent one period after it was submitted.
func (b *Batcher) forward() {
	avail := b.membership.Available()
	var out []resend

	b.mu.Lock()
	for el := b.forwards.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		switch {
		case e.receivers.Covers(avail):
			e.state = forwardClear
			b.forwards.Remove(el)
			e.forward = nil
			if e.released {
				e.payload = nil
			}
		case e.state == forwardInit:
			e.state = forwardSet
		default:
			out = append(out, resend{to: avail.Minus(e.receivers), msg: EncodeMessage(e.ts, e.payload)})
		}
		el = next
	}
	b.mu.Unlock()

	for _, r := range out {
		for _, id := range r.to.IDs() {
			if err := b.out.Send(id, overlay.KindMessage, r.msg); err != nil {
				b.log.Debug("forward payload", zap.Uint8("to", uint8(id)), zap.Error(err))
				continue
			}
			b.metrics.Forwarded.Inc()
		}
	}
}
