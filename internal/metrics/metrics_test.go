package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Sample
}

func (r *recordingSink) Publish(_ context.Context, samples []Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, samples)
	return nil
}

func TestCollectorCountsAndDrains(t *testing.T) {
	c := NewCollector(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc(FramesReceived, "binance.spot.live")
		}()
	}
	wg.Wait()
	c.Observe(SubmitLatency, "binance.spot.live", 2*time.Millisecond)
	c.Observe(SubmitLatency, "binance.spot.live", 4*time.Millisecond)

	assert.EqualValues(t, 50, c.Count(FramesReceived, "binance.spot.live"))

	samples := c.Drain()
	byName := map[string]Sample{}
	for _, s := range samples {
		byName[s.Name] = s
	}
	assert.Equal(t, float64(50), byName[FramesReceived].Value)
	assert.Equal(t, float64(3), byName[SubmitLatency+"_avg_ms"].Value)
	assert.Equal(t, float64(4), byName[SubmitLatency+"_max_ms"].Value)
	assert.Equal(t, float64(2), byName[SubmitLatency+"_count"].Value)

	assert.Zero(t, c.Count(FramesReceived, "binance.spot.live"))
	assert.Empty(t, c.Drain())
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Inc(Reconnects, "x")
	c.Observe(SubmitLatency, "x", time.Second)
	assert.Zero(t, c.Count(Reconnects, "x"))
	assert.Nil(t, c.Drain())
}

func TestRunFlushesOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	c := NewCollector(nil, sink, NewLogSink(nil))
	c.Inc(Reconnects, "bybit.linear.live")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Hour) }()
	cancel()
	require.NoError(t, <-done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 1)
	assert.Equal(t, Reconnects, sink.batches[0][0].Name)
}
