// Package queue implements the per-source causal queue.
//
// A Queue keeps its entries in timestamp order in a three level index
// (queue → chunk → block) so that inserting near the tail and looking up a
// neighbour touch a bounded number of children. Entries live in an arena
// and refer to each other by Handle.
//
// Each entry also caches its predecessor: the greatest remaining entry with
// a smaller timestamp, whenever it arrived. Push and Pop only relink the
// successors of the neighbours they touch.
package queue

import (
	"errors"
	"slices"
	"sort"

	"github.com/ywci/tbc/internal/timestamp"
)

// Capacity limits.
const (
	MaxChunks  = 4096
	MaxBlocks  = 32
	MaxEntries = 32
	MaxLength  = 10000000
)

// ErrFull is returned when an insertion would exceed the queue capacity.
var ErrFull = errors.New("causal queue is full")

// Handle refers to an entry of a Queue. The zero Handle refers to nothing.
type Handle uint32

// None is the zero Handle.
const None Handle = 0

type node[T any] struct {
	ts    timestamp.Timestamp
	value T
	blk   *block

	prev Handle
	next []Handle

	older, newer Handle
	live         bool
}

type block struct {
	chunk *chunk
	items []Handle
}

type chunk struct {
	blocks []*block
}

type position struct {
	ci, bi, i int
}

// Queue is a causal queue of values of type T. It is not safe for
// concurrent use.
type Queue[T any] struct {
	nodes  []node[T]
	free   []Handle
	chunks []*chunk

	oldest, newest Handle
	length         int
}

// New creates an empty Queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{nodes: make([]node[T], 1, 64)}
}

// Len returns the number of entries.
func (q *Queue[T]) Len() int {
	return q.length
}

// Empty reports whether the queue holds no entries.
func (q *Queue[T]) Empty() bool {
	return q.length == 0
}

// Contains reports whether h refers to a live entry.
func (q *Queue[T]) Contains(h Handle) bool {
	return h != None && int(h) < len(q.nodes) && q.nodes[h].live
}

// Value returns the value stored at h.
func (q *Queue[T]) Value(h Handle) T {
	return q.nodes[h].value
}

// Timestamp returns the timestamp of h.
func (q *Queue[T]) Timestamp(h Handle) timestamp.Timestamp {
	return q.nodes[h].ts
}

// Prev returns the cached causal predecessor of h.
func (q *Queue[T]) Prev(h Handle) Handle {
	return q.nodes[h].prev
}

// Oldest returns the earliest enqueued entry.
func (q *Queue[T]) Oldest() Handle {
	return q.oldest
}

// Newest returns the latest enqueued entry.
func (q *Queue[T]) Newest() Handle {
	return q.newest
}

// Newer returns the entry enqueued right after h.
func (q *Queue[T]) Newer(h Handle) Handle {
	return q.nodes[h].newer
}

// Older returns the entry enqueued right before h.
func (q *Queue[T]) Older(h Handle) Handle {
	return q.nodes[h].older
}

// Min returns the entry with the smallest timestamp.
func (q *Queue[T]) Min() Handle {
	if len(q.chunks) == 0 {
		return None
	}
	return q.chunks[0].min()
}

// Push enqueues v under ts. It reports whether the new entry is the
// smallest one present.
func (q *Queue[T]) Push(ts timestamp.Timestamp, v T) (Handle, bool, error) {
	if q.length >= MaxLength {
		return None, false, ErrFull
	}

	h := q.alloc(ts, v)
	if err := q.insert(h); err != nil {
		q.release(h)
		return None, false, err
	}

	pos := q.position(ts)
	prev := None
	if p, ok := q.stepBack(pos); ok {
		prev = q.at(p)
		// successors of prev above ts now hang on the new entry
		var keep []Handle
		for _, s := range q.nodes[prev].next {
			if ts.Less(q.nodes[s].ts) {
				q.link(h, s)
				continue
			}
			keep = append(keep, s)
		}
		q.nodes[prev].next = append(keep, h)
	} else if q.length > 0 {
		// the former minimum is the only entry without a predecessor
		if p, ok := q.stepForward(pos); ok {
			q.link(h, q.at(p))
		}
	}
	q.nodes[h].prev = prev

	q.nodes[h].older = q.newest
	if q.newest != None {
		q.nodes[q.newest].newer = h
	} else {
		q.oldest = h
	}
	q.newest = h
	q.length++

	return h, prev == None, nil
}

// Pop removes h. Entries whose predecessor was h are re-parented to the
// entry sorted right below h; if there is none they are returned.
func (q *Queue[T]) Pop(h Handle) []Handle {
	if !q.Contains(h) {
		return nil
	}

	n := &q.nodes[h]
	pos := q.position(n.ts)

	if n.prev != None {
		q.unlinkNext(n.prev, h)
	}

	np := None
	if p, ok := q.stepBack(pos); ok {
		np = q.at(p)
	}
	var woken []Handle
	for _, s := range n.next {
		q.nodes[s].prev = np
		if np == None {
			woken = append(woken, s)
			continue
		}
		q.nodes[np].next = append(q.nodes[np].next, s)
	}

	q.removeAt(pos)

	if n.older != None {
		q.nodes[n.older].newer = n.newer
	} else {
		q.oldest = n.newer
	}
	if n.newer != None {
		q.nodes[n.newer].older = n.older
	} else {
		q.newest = n.older
	}

	q.length--
	q.release(h)
	return woken
}

func (q *Queue[T]) alloc(ts timestamp.Timestamp, v T) Handle {
	n := node[T]{ts: ts, value: v, live: true}
	if k := len(q.free); k > 0 {
		h := q.free[k-1]
		q.free = q.free[:k-1]
		q.nodes[h] = n
		return h
	}
	q.nodes = append(q.nodes, n)
	return Handle(len(q.nodes) - 1)
}

func (q *Queue[T]) release(h Handle) {
	q.nodes[h] = node[T]{}
	q.free = append(q.free, h)
}

func (q *Queue[T]) unlinkNext(p, h Handle) {
	next := q.nodes[p].next
	for i, s := range next {
		if s == h {
			q.nodes[p].next = slices.Delete(next, i, i+1)
			return
		}
	}
}

// link makes p the predecessor of s.
func (q *Queue[T]) link(p, s Handle) {
	q.nodes[s].prev = p
	q.nodes[p].next = append(q.nodes[p].next, s)
}

func (q *Queue[T]) at(p position) Handle {
	return q.chunks[p.ci].blocks[p.bi].items[p.i]
}

func (q *Queue[T]) stepBack(p position) (position, bool) {
	if p.i > 0 {
		p.i--
		return p, true
	}
	if p.bi > 0 {
		p.bi--
		p.i = len(q.chunks[p.ci].blocks[p.bi].items) - 1
		return p, true
	}
	if p.ci > 0 {
		p.ci--
		c := q.chunks[p.ci]
		p.bi = len(c.blocks) - 1
		p.i = len(c.blocks[p.bi].items) - 1
		return p, true
	}
	return p, false
}

func (q *Queue[T]) stepForward(p position) (position, bool) {
	b := q.chunks[p.ci].blocks[p.bi]
	if p.i+1 < len(b.items) {
		p.i++
		return p, true
	}
	if p.bi+1 < len(q.chunks[p.ci].blocks) {
		p.bi++
		p.i = 0
		return p, true
	}
	if p.ci+1 < len(q.chunks) {
		p.ci++
		p.bi = 0
		p.i = 0
		return p, true
	}
	return p, false
}

func (q *Queue[T]) less(h Handle, ts timestamp.Timestamp) bool {
	return q.nodes[h].ts.Less(ts)
}

// position finds the index of ts, which must be present.
func (q *Queue[T]) position(ts timestamp.Timestamp) position {
	ci := sort.Search(len(q.chunks), func(k int) bool {
		return ts.Less(q.nodes[q.chunks[k].min()].ts)
	}) - 1
	c := q.chunks[ci]
	bi := sort.Search(len(c.blocks), func(k int) bool {
		return ts.Less(q.nodes[c.blocks[k].min()].ts)
	}) - 1
	b := c.blocks[bi]
	i := sort.Search(len(b.items), func(k int) bool {
		return !q.less(b.items[k], ts)
	})
	return position{ci: ci, bi: bi, i: i}
}

// locate scans from the tail for the block that should receive ts.
func (q *Queue[T]) locate(ts timestamp.Timestamp) (int, int) {
	ci := len(q.chunks) - 1
	for ; ci > 0; ci-- {
		if q.less(q.chunks[ci].min(), ts) {
			break
		}
	}
	c := q.chunks[ci]
	bi := len(c.blocks) - 1
	for ; bi > 0; bi-- {
		if q.less(c.blocks[bi].min(), ts) {
			break
		}
	}
	return ci, bi
}

func (q *Queue[T]) insert(h Handle) error {
	ts := q.nodes[h].ts
	if len(q.chunks) == 0 {
		c := &chunk{}
		c.blocks = []*block{q.newBlock(c, h)}
		q.chunks = append(q.chunks, c)
		return nil
	}

	for {
		ci, bi := q.locate(ts)
		c := q.chunks[ci]
		b := c.blocks[bi]
		i := sort.Search(len(b.items), func(k int) bool {
			return ts.Less(q.nodes[b.items[k]].ts)
		})
		tail := i == len(b.items)

		if len(b.items) < MaxEntries {
			q.insertItem(b, i, h)
			return nil
		}
		if tail && bi+1 < len(c.blocks) && len(c.blocks[bi+1].items) < MaxEntries {
			q.insertItem(c.blocks[bi+1], 0, h)
			return nil
		}
		if len(c.blocks) < MaxBlocks {
			if tail {
				c.blocks = slices.Insert(c.blocks, bi+1, q.newBlock(c, h))
				return nil
			}
			q.splitBlock(c, bi)
			continue
		}
		if len(q.chunks) < MaxChunks {
			if tail && bi == len(c.blocks)-1 {
				nc := &chunk{}
				nc.blocks = []*block{q.newBlock(nc, h)}
				q.chunks = slices.Insert(q.chunks, ci+1, nc)
				return nil
			}
			q.splitChunk(ci)
			continue
		}
		return ErrFull
	}
}

func (q *Queue[T]) newBlock(c *chunk, h Handle) *block {
	b := &block{chunk: c, items: make([]Handle, 1, MaxEntries)}
	b.items[0] = h
	q.nodes[h].blk = b
	return b
}

func (q *Queue[T]) insertItem(b *block, i int, h Handle) {
	b.items = slices.Insert(b.items, i, h)
	q.nodes[h].blk = b
}

func (q *Queue[T]) splitBlock(c *chunk, bi int) {
	b := c.blocks[bi]
	half := len(b.items) / 2

	nb := &block{chunk: c, items: make([]Handle, 0, MaxEntries)}
	nb.items = append(nb.items, b.items[half:]...)
	for _, h := range nb.items {
		q.nodes[h].blk = nb
	}
	b.items = b.items[:half]
	c.blocks = slices.Insert(c.blocks, bi+1, nb)
}

func (q *Queue[T]) splitChunk(ci int) {
	c := q.chunks[ci]
	half := len(c.blocks) / 2

	nc := &chunk{blocks: append([]*block(nil), c.blocks[half:]...)}
	for _, b := range nc.blocks {
		b.chunk = nc
	}
	c.blocks = c.blocks[:half:half]
	q.chunks = slices.Insert(q.chunks, ci+1, nc)
}

func (q *Queue[T]) removeAt(p position) {
	c := q.chunks[p.ci]
	b := c.blocks[p.bi]
	b.items = slices.Delete(b.items, p.i, p.i+1)
	if len(b.items) > 0 {
		return
	}
	c.blocks = slices.Delete(c.blocks, p.bi, p.bi+1)
	if len(c.blocks) > 0 {
		return
	}
	q.chunks = slices.Delete(q.chunks, p.ci, p.ci+1)
}

// min returns the smallest entry of the block; blocks are never empty.
func (b *block) min() Handle {
	return b.items[0]
}

func (c *chunk) min() Handle {
	return c.blocks[0].min()
}
