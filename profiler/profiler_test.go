package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimings_Record(t *testing.T) {
	tm := NewTimings(2)
	tm.Record("loss", 10*time.Millisecond)
	tm.Record("loss", 30*time.Millisecond)
	tm.Record("loss", 50*time.Millisecond)
	tm.Record("inference", time.Second)

	stats := tm.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "inference", stats[0].Name)

	loss := stats[1]
	assert.Equal(t, int64(3), loss.Count)
	assert.Equal(t, 40*time.Millisecond, loss.Mean, "mean over the retained samples")
	assert.Equal(t, 10*time.Millisecond, loss.Min)
	assert.Equal(t, 50*time.Millisecond, loss.Max)
	assert.Contains(t, tm.Report(), "inference")
}

func TestTimings_StartOperation(t *testing.T) {
	tm := NewTimings(0)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := tm.StartOperation("op")
			time.Sleep(time.Millisecond)
			done()
		}()
	}
	wg.Wait()

	stats := tm.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(4), stats[0].Count)
	assert.GreaterOrEqual(t, stats[0].Min, time.Millisecond)
}
