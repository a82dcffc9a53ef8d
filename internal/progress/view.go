package progress

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ywci/tbc/internal/cluster"
)

// ErrHeaderSize is returned when a header does not match the layout.
var ErrHeaderSize = errors.New("progress header has wrong size")

// Mode selects what a node sends in its batch header.
type Mode int

const (
	// ModeVector sends only the sender's own row.
	ModeVector Mode = iota
	// ModeMatrix sends the sender's whole matrix.
	ModeMatrix
)

// String returns the string representation of a Mode.
func (m Mode) String() string {
	switch m {
	case ModeVector:
		return "vector"
	case ModeMatrix:
		return "matrix"
	default:
		return "unknown"
	}
}

// ParseMode parses "vector" or "matrix".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "vector":
		return ModeVector, nil
	case "matrix", "":
		return ModeMatrix, nil
	default:
		return 0, fmt.Errorf("unknown progress layout %q", s)
	}
}

// HeaderLen returns the number of u32 rows values carried for n nodes.
func (m Mode) HeaderLen(n int) int {
	if m == ModeVector {
		return n
	}
	return n * n
}

// View is a node's knowledge of cluster progress.
type View struct {
	mode     Mode
	n        int
	self     int
	majority int

	// local[i][j] is the latest row i that node i reported about itself,
	// except row self which this node maintains directly.
	local *Matrix
	// peers[i] is node i's whole matrix, kept only in ModeMatrix.
	peers []*Matrix

	mu   sync.Mutex
	sent []uint32
}

// NewView creates the progress view of node self in a cluster of n nodes.
func NewView(mode Mode, n int, self cluster.NodeID) *View {
	v := &View{
		mode:     mode,
		n:        n,
		self:     int(self),
		majority: cluster.Majority(n),
		local:    NewMatrix(n),
	}
	if mode == ModeMatrix {
		v.peers = make([]*Matrix, n)
		for i := range v.peers {
			if i != v.self {
				v.peers[i] = NewMatrix(n)
			}
		}
	}
	return v
}

// Mode returns the header layout.
func (v *View) Mode() Mode {
	return v.mode
}

// Advance increments this node's progress on source and returns the new
// sequence number.
func (v *View) Advance(source cluster.NodeID) uint32 {
	return v.local.Incr(v.self, int(source))
}

// Observed returns progress[observer][source].
func (v *View) Observed(observer, source cluster.NodeID) uint32 {
	return v.local.Get(int(observer), int(source))
}

// Header returns the rows to place in the next outgoing packet.
func (v *View) Header() []uint32 {
	if v.mode == ModeVector {
		row := make([]uint32, v.n)
		v.local.Row(v.self, row)
		return row
	}
	return v.local.Snapshot()
}

// Changed reports whether header differs from the last one marked sent.
func (v *View) Changed(header []uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !slices.Equal(v.sent, header)
}

// MarkSent remembers header as the last one sent.
func (v *View) MarkSent(header []uint32) {
	v.mu.Lock()
	v.sent = header
	v.mu.Unlock()
}

// SenderSeq returns the sender's own progress on its stream as carried in rows.
func (v *View) SenderSeq(from cluster.NodeID, rows []uint32) uint32 {
	if v.mode == ModeVector {
		return rows[from]
	}
	return rows[int(from)*v.n+int(from)]
}

// Merge folds a header received from node from into the view.
func (v *View) Merge(from cluster.NodeID, rows []uint32) error {
	if len(rows) != v.mode.HeaderLen(v.n) {
		return fmt.Errorf("%w: got %d values, want %d", ErrHeaderSize, len(rows), v.mode.HeaderLen(v.n))
	}
	f := int(from)
	if f == v.self {
		return nil
	}

	if v.mode == ModeVector {
		for j, val := range rows {
			v.local.Raise(f, j, val)
		}
		return nil
	}

	for j := 0; j < v.n; j++ {
		v.local.Raise(f, j, rows[f*v.n+j])
	}
	peer := v.peers[f]
	for i := 0; i < v.n; i++ {
		for j := 0; j < v.n; j++ {
			peer.Raise(i, j, rows[i*v.n+j])
		}
	}
	return nil
}

// Visible reports whether a majority of observers have incorporated seq
// of source's stream.
func (v *View) Visible(source cluster.NodeID, seq uint32) bool {
	if seq == 0 {
		return false
	}
	count := 0
	for i := 0; i < v.n; i++ {
		if v.local.Get(i, int(source)) >= seq {
			count++
		}
	}
	return count >= v.majority
}

// Stable reports whether every alive node is known to have incorporated
// seq of source's stream. In ModeMatrix this is required transitively: every
// alive node must also know it of every other alive node.
func (v *View) Stable(source cluster.NodeID, seq uint32, alive cluster.NodeSet) bool {
	s := int(source)
	for _, i := range alive.IDs() {
		if int(i) >= v.n {
			continue
		}
		if v.mode == ModeVector {
			if v.local.Get(int(i), s) < seq {
				return false
			}
			continue
		}
		m := v.local
		if int(i) != v.self {
			m = v.peers[i]
		}
		for _, j := range alive.IDs() {
			if int(j) >= v.n {
				continue
			}
			if m.Get(int(j), s) < seq {
				return false
			}
		}
	}
	return true
}

// MinObserved returns the smallest progress on source among the nodes in set.
func (v *View) MinObserved(source cluster.NodeID, set cluster.NodeSet) uint32 {
	first := true
	var low uint32
	for _, i := range set.IDs() {
		if int(i) >= v.n {
			continue
		}
		got := v.local.Get(int(i), int(source))
		if first || got < low {
			low = got
			first = false
		}
	}
	return low
}
