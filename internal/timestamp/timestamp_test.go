package timestamp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{"equal", Timestamp{1, 2, 3}, Timestamp{1, 2, 3}, 0},
		{"sec", Timestamp{1, 9, 9}, Timestamp{2, 0, 0}, -1},
		{"usec", Timestamp{1, 3, 0}, Timestamp{1, 2, 9}, 1},
		{"origin breaks ties", Timestamp{1, 2, 3}, Timestamp{1, 2, 4}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
			assert.Equal(t, tt.want < 0, tt.a.Less(tt.b))
		})
	}
}

func TestEncoding(t *testing.T) {
	tss := []Timestamp{{1, 2, 3}, {0xffffffff, 999999, 7}, {}}

	buf := AppendTimestamps(nil, tss)
	require.Len(t, buf, len(tss)*Size)

	got, err := ParseTimestamps(buf, len(tss))
	require.NoError(t, err)
	assert.Equal(t, tss, got)

	_, err = ParseTimestamps(buf[:Size*2-1], 2)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Parse(buf[:4])
	assert.ErrorIs(t, err, ErrTruncated)
}

// TestFreshnessMonotonic tests that check rejects anything not newer than
// the last accepted value for the same origin.
func TestFreshnessMonotonic(t *testing.T) {
	f := NewFreshness()
	ts := Timestamp{Sec: 10, Usec: 5, Origin: 1}

	assert.True(t, f.Check(ts))
	require.True(t, f.Update(ts))

	assert.False(t, f.Check(ts), "equal timestamp must be stale")
	assert.False(t, f.Update(ts), "equal timestamp must be expired")
	assert.False(t, f.Check(Timestamp{Sec: 10, Usec: 4, Origin: 1}))
	assert.False(t, f.Check(Timestamp{Sec: 9, Usec: 999999, Origin: 1}))
	assert.True(t, f.Check(Timestamp{Sec: 10, Usec: 6, Origin: 1}))

	// other origins are independent, including ones in the same shard
	assert.True(t, f.Check(Timestamp{Sec: 1, Origin: 2}))
	assert.True(t, f.Check(Timestamp{Sec: 1, Origin: 1 + FreshnessShards}))

	latest, ok := f.Latest(1)
	require.True(t, ok)
	assert.Equal(t, ts, latest)
}

func TestFreshnessConcurrentUpdates(t *testing.T) {
	f := NewFreshness()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(origin uint32) {
			defer wg.Done()
			for i := uint32(1); i <= 1000; i++ {
				f.Update(Timestamp{Sec: i, Origin: origin % 3})
				f.Check(Timestamp{Sec: i, Origin: origin % 3})
			}
		}(uint32(g))
	}
	wg.Wait()

	for origin := uint32(0); origin < 3; origin++ {
		latest, ok := f.Latest(origin)
		require.True(t, ok)
		assert.Equal(t, uint32(1000), latest.Sec)
	}
}

func TestStamperStrictlyIncreasing(t *testing.T) {
	base := time.Unix(100, 0)
	calls := 0
	// the clock repeats each reading three times
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls/3) * time.Microsecond)
	}

	s := NewStamperWithClock(4, clock)
	prev := s.Next()
	for i := 0; i < 50; i++ {
		next := s.Next()
		require.True(t, prev.Less(next), "%s !< %s", prev, next)
		assert.Equal(t, uint32(4), next.Origin)
		prev = next
	}
}
