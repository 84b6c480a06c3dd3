package waveform

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(from, to int) []float64 {
	out := make([]float64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, float64(i))
	}
	return out
}

func TestNewWindowRejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewWindow(0)
	require.Error(t, err)
	_, err = NewWindow(-5)
	require.Error(t, err)
}

func TestWindowAppendAndSnapshot(t *testing.T) {
	w, err := NewWindow(5)
	require.NoError(t, err)

	assert.Equal(t, 0, w.Len())
	assert.Empty(t, w.Snapshot(0))

	w.Append(1, 2, 3)
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{1, 2, 3}, w.Snapshot(0))
	assert.Equal(t, []float64{2, 3}, w.Snapshot(2))
	assert.Equal(t, []float64{1, 2, 3}, w.Snapshot(10))
}

func TestWindowEvictsOldest(t *testing.T) {
	w, err := NewWindow(4)
	require.NoError(t, err)

	for i := range 10 {
		w.Append(float64(i))
	}

	assert.Equal(t, 4, w.Len())
	assert.Equal(t, []float64{6, 7, 8, 9}, w.Snapshot(0))
	assert.Equal(t, []float64{8, 9}, w.Snapshot(2))
	assert.Equal(t, uint64(10), w.Version())
}

func TestWindowAppendLargerThanCapacity(t *testing.T) {
	w, err := NewWindow(3)
	require.NoError(t, err)

	w.Append(seq(0, 7)...)
	assert.Equal(t, []float64{4, 5, 6}, w.Snapshot(0))
	assert.Equal(t, uint64(7), w.Version())

	w.Append(7)
	assert.Equal(t, []float64{5, 6, 7}, w.Snapshot(0))
}

func TestSnapshotIsACopy(t *testing.T) {
	w, err := NewWindow(4)
	require.NoError(t, err)
	w.Append(1, 2, 3)

	snap := w.Snapshot(0)
	snap[0] = 99
	w.Append(4)

	assert.Equal(t, []float64{99, 2, 3}, snap)
	assert.Equal(t, []float64{1, 2, 3, 4}, w.Snapshot(0))
}

func TestWindowReset(t *testing.T) {
	w, err := NewWindow(4)
	require.NoError(t, err)
	w.Append(1, 2, 3)
	w.Reset()

	assert.Equal(t, 0, w.Len())
	assert.Equal(t, uint64(3), w.Version())
	w.Append(5)
	assert.Equal(t, []float64{5}, w.Snapshot(0))
}

func TestWindowConcurrentReadersAndWriter(t *testing.T) {
	w, err := NewWindow(DefaultCapacity)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Go(func() {
		for i := range 5000 {
			w.Append(float64(i))
		}
	})
	for range 4 {
		wg.Go(func() {
			for range 500 {
				snap := w.Snapshot(100)
				for i := 1; i < len(snap); i++ {
					if snap[i] != snap[i-1]+1 {
						t.Errorf("snapshot out of order at %d: %v then %v", i, snap[i-1], snap[i])
						return
					}
				}
			}
		})
	}
	wg.Wait()

	assert.Equal(t, DefaultCapacity, w.Len())
	assert.Equal(t, uint64(5000), w.Version())
}
