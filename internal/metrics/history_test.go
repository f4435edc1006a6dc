package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mkSamples builds n cpu_percent samples one second apart starting at base.
func mkSamples(base time.Time, n int) []Sample {
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Sample{
			Name:      CPUPercent,
			Value:     float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func TestHistoryEvictsOldestWhenFull(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(5)
	for _, s := range mkSamples(base, 8) {
		h.Append(s)
	}

	got := h.Query(CPUPercent, time.Time{})
	require.Len(t, got, 5)
	for i, s := range got {
		assert.Equal(t, float64(i+3), s.Value, "only the 5 newest samples should remain, in order")
	}
}

func TestHistoryQuerySince(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(100)
	for _, s := range mkSamples(base, 10) {
		h.Append(s)
	}

	// Cutoff in the middle: inclusive of the boundary sample.
	got := h.Query(CPUPercent, base.Add(6*time.Second))
	require.Len(t, got, 4)
	assert.Equal(t, float64(6), got[0].Value)

	// Cutoff far in the past yields everything rather than an error.
	got = h.Query(CPUPercent, base.Add(-24*time.Hour))
	assert.Len(t, got, 10)

	// Cutoff in the future yields nothing.
	got = h.Query(CPUPercent, base.Add(time.Hour))
	assert.Empty(t, got)

	// Unknown series yields an empty slice.
	got = h.Query(MemUsed, time.Time{})
	assert.Empty(t, got)
}

func TestHistoryQuerySinceAfterEviction(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(4)
	for _, s := range mkSamples(base, 10) {
		h.Append(s)
	}

	// The requested window predates retention; the oldest retained sample wins.
	got := h.Query(CPUPercent, base)
	require.Len(t, got, 4)
	assert.Equal(t, float64(6), got[0].Value)
	assert.Equal(t, float64(9), got[3].Value)
}

func TestHistoryLatest(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(3)

	_, ok := h.Latest(CPUPercent)
	assert.False(t, ok, "empty series has no latest sample")

	for _, s := range mkSamples(base, 5) {
		h.Append(s)
	}
	got, ok := h.Latest(CPUPercent)
	require.True(t, ok)
	assert.Equal(t, float64(4), got.Value)
}

func TestHistorySeriesAreIndependent(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(2)
	h.Append(Sample{Name: MemUsed, Value: 1, Timestamp: base})
	h.Append(Sample{Name: MemTotal, Value: 2, Timestamp: base})
	h.Append(Sample{Name: MemUsed, Value: 3, Timestamp: base.Add(time.Second)})

	assert.Len(t, h.Query(MemUsed, time.Time{}), 2)
	assert.Len(t, h.Query(MemTotal, time.Time{}), 1)
}

func TestHistorySetCapacityTruncatesToNewest(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(10)
	for _, s := range mkSamples(base, 10) {
		h.Append(s)
	}

	h.SetCapacity(3)
	got := h.Query(CPUPercent, time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, float64(7), got[0].Value)
	assert.Equal(t, float64(9), got[2].Value)

	// Appends after the shrink keep evicting in order.
	h.Append(Sample{Name: CPUPercent, Value: 42, Timestamp: base.Add(time.Minute)})
	got = h.Query(CPUPercent, time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, float64(8), got[0].Value)
	assert.Equal(t, float64(42), got[2].Value)
}

func TestHistorySetCapacityGrowKeepsSamples(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(2)
	for _, s := range mkSamples(base, 5) {
		h.Append(s)
	}

	h.SetCapacity(4)
	got := h.Query(CPUPercent, time.Time{})
	require.Len(t, got, 2, "growing must not invent samples")
	assert.Equal(t, float64(3), got[0].Value)

	for _, s := range mkSamples(base.Add(time.Hour), 4) {
		h.Append(s)
	}
	assert.Len(t, h.Query(CPUPercent, time.Time{}), 4)

	// Values below 1 are ignored.
	h.SetCapacity(0)
	assert.Equal(t, 4, h.Capacity())
}
