package batch

import (
	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/cluster"
	"github.com/ywci/tbc/internal/timestamp"
)

// Session returns the session expected in packets from id.
func (b *Batcher) Session(id cluster.NodeID) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[id]
}

// SetSession sets the session expected in packets from id.
func (b *Batcher) SetSession(id cluster.NodeID, session uint32) {
	b.mu.Lock()
	b.sessions[id] = session
	b.mu.Unlock()
}

// BumpSession invalidates every packet id has sent so far and returns the
// new session.
func (b *Batcher) BumpSession(id cluster.NodeID) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[id]++
	return b.sessions[id]
}

// SeqEnd returns the last sequence of id's stream listed locally.
func (b *Batcher) SeqEnd(id cluster.NodeID) uint32 {
	return b.view.Observed(b.self, id)
}

// MinObserved returns the smallest progress on id's stream among set.
func (b *Batcher) MinObserved(id cluster.NodeID, set cluster.NodeSet) uint32 {
	return b.view.MinObserved(id, set)
}

// RangeStart returns the first sequence of id's stream still listed.
func (b *Batcher) RangeStart(id cluster.NodeID) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if front := b.streams[id].entries.Front(); front != nil {
		return front.Value.(*entry).seq[id]
	}
	return b.view.Observed(b.self, id) + 1
}

// Range returns the timestamps of id's stream from sequence from to the
// end. It reports false when part of the range is no longer listed.
func (b *Batcher) Range(id cluster.NodeID, from uint32) ([]timestamp.Timestamp, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rangeLocked(id, from)
}

func (b *Batcher) rangeLocked(id cluster.NodeID, from uint32) ([]timestamp.Timestamp, bool) {
	end := b.view.Observed(b.self, id)
	if from == 0 || from > end {
		return nil, from == end+1
	}

	st := b.streams[id]
	el := st.entries.Back()
	for el != nil && el.Value.(*entry).seq[id] > from {
		el = el.Prev()
	}
	if el == nil || el.Value.(*entry).seq[id] != from {
		return nil, false
	}

	tss := make([]timestamp.Timestamp, 0, end-from+1)
	want := from
	for ; el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.seq[id] != want {
			return nil, false
		}
		tss = append(tss, e.ts)
		want++
	}
	return tss, want == end+1
}

// AddTimestamps lists tss, starting at sequence start, in id's stream. It
// serves range transfers during recovery.
func (b *Batcher) AddTimestamps(id cluster.NodeID, start uint32, tss []timestamp.Timestamp) error {
	b.mu.Lock()
	_, err := b.extend(id, start, tss)
	b.mu.Unlock()

	b.checkEv.Set()
	b.cleanEv.Set()
	b.sendEv.Set()
	return err
}

// Suspend buffers local messages until Resume.
func (b *Batcher) Suspend() {
	b.mu.Lock()
	b.suspended = true
	b.mu.Unlock()
}

// Suspended reports whether local intake is frozen.
func (b *Batcher) Suspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended
}

// Resume unfreezes local intake and replays the buffered messages in order.
func (b *Batcher) Resume() {
	b.mu.Lock()
	b.suspended = false
	buffered := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	for _, m := range buffered {
		if err := b.Submit(m.ts, m.payload); err != nil {
			b.log.Warn("replay buffered message", zap.Stringer("ts", m.ts), zap.Error(err))
		}
	}
}
