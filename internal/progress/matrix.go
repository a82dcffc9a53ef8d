// Package progress maintains the progress matrix exchanged in batch headers.
//
// progress[observer][source] is the highest sequence number of source's
// stream that observer has incorporated. Every update is an entrywise
// maximum, so concurrent readers never see a value go backwards.
package progress

import (
	"sync/atomic"
)

// Matrix is an n×n table of monotonically increasing counters.
type Matrix struct {
	n     int
	cells []atomic.Uint32
}

// NewMatrix creates a zeroed n×n matrix.
func NewMatrix(n int) *Matrix {
	return &Matrix{n: n, cells: make([]atomic.Uint32, n*n)}
}

// Size returns n.
func (m *Matrix) Size() int {
	return m.n
}

// Get returns cell (i, j).
func (m *Matrix) Get(i, j int) uint32 {
	return m.cells[i*m.n+j].Load()
}

// Raise sets cell (i, j) to max(current, v) and reports whether it changed.
func (m *Matrix) Raise(i, j int, v uint32) bool {
	c := &m.cells[i*m.n+j]
	for {
		cur := c.Load()
		if v <= cur {
			return false
		}
		if c.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Incr adds one to cell (i, j) and returns the new value.
func (m *Matrix) Incr(i, j int) uint32 {
	return m.cells[i*m.n+j].Add(1)
}

// Row copies row i into dst, which must hold n values.
func (m *Matrix) Row(i int, dst []uint32) {
	for j := 0; j < m.n; j++ {
		dst[j] = m.Get(i, j)
	}
}

// Snapshot returns all cells in row-major order.
func (m *Matrix) Snapshot() []uint32 {
	out := make([]uint32, m.n*m.n)
	for i := range m.cells {
		out[i] = m.cells[i].Load()
	}
	return out
}
