package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"execflow/logger"
)

// Metric names emitted by the engine components.
const (
	FramesReceived     = "frames_received"
	FramesDropped      = "frames_dropped"
	Reconnects         = "reconnects"
	SubscribeMessages  = "subscribe_messages"
	PongTimeouts       = "pong_timeouts"
	PongLatency        = "pong_latency"
	OrdersSubmitted    = "orders_submitted"
	OrdersRejected     = "orders_rejected"
	CancelsSubmitted   = "cancels_submitted"
	HandlerFailures    = "bus_handler_failures"
	IllegalTransitions = "illegal_transitions"
	SubmitLatency      = "submit_latency"
	UnitRestarts       = "unit_restarts"
)

type key struct {
	name      string
	dimension string
}

// Sample is one drained metric value.
type Sample struct {
	Name      string
	Dimension string
	Value     float64
	Unit      string
}

// Sink receives drained samples.
type Sink interface {
	Publish(ctx context.Context, samples []Sample) error
}

// Collector accumulates counters and latency stats for one engine instance.
// A nil *Collector is valid and records nothing.
type Collector struct {
	mu        sync.RWMutex
	counters  map[key]*atomic.Int64
	latencies map[key]*LatencyStats
	sinks     []Sink
	log       *logger.Log
}

func NewCollector(log *logger.Log, sinks ...Sink) *Collector {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Collector{
		counters:  make(map[key]*atomic.Int64),
		latencies: make(map[key]*LatencyStats),
		sinks:     sinks,
		log:       log,
	}
}

func (c *Collector) Inc(name, dimension string) {
	c.Add(name, dimension, 1)
}

func (c *Collector) Add(name, dimension string, delta int64) {
	if c == nil || name == "" {
		return
	}
	k := key{name, dimension}
	c.mu.RLock()
	ctr, ok := c.counters[k]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if ctr, ok = c.counters[k]; !ok {
			ctr = new(atomic.Int64)
			c.counters[k] = ctr
		}
		c.mu.Unlock()
	}
	ctr.Add(delta)
}

func (c *Collector) Observe(name, dimension string, d time.Duration) {
	if c == nil || name == "" {
		return
	}
	k := key{name, dimension}
	c.mu.RLock()
	stats, ok := c.latencies[k]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if stats, ok = c.latencies[k]; !ok {
			stats = &LatencyStats{}
			c.latencies[k] = stats
		}
		c.mu.Unlock()
	}
	stats.Observe(d)
}

// Count returns the current value of a counter.
func (c *Collector) Count(name, dimension string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ctr, ok := c.counters[key{name, dimension}]; ok {
		return ctr.Load()
	}
	return 0
}

// Drain resets all counters and latency stats and returns what they held.
func (c *Collector) Drain() []Sample {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	counters := c.counters
	latencies := c.latencies
	c.counters = make(map[key]*atomic.Int64)
	c.latencies = make(map[key]*LatencyStats)
	c.mu.Unlock()

	samples := make([]Sample, 0, len(counters)+3*len(latencies))
	for k, ctr := range counters {
		samples = append(samples, Sample{Name: k.name, Dimension: k.dimension, Value: float64(ctr.Load()), Unit: "count"})
	}
	for k, stats := range latencies {
		snap := stats.Snapshot()
		if snap.Count == 0 {
			continue
		}
		samples = append(samples,
			Sample{Name: k.name + "_avg_ms", Dimension: k.dimension, Value: ms(snap.Avg), Unit: "milliseconds"},
			Sample{Name: k.name + "_max_ms", Dimension: k.dimension, Value: ms(snap.Max), Unit: "milliseconds"},
			Sample{Name: k.name + "_count", Dimension: k.dimension, Value: float64(snap.Count), Unit: "count"},
		)
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Dimension < samples[j].Dimension
	})
	return samples
}

// Flush drains the collector into every sink.
func (c *Collector) Flush(ctx context.Context) {
	if c == nil {
		return
	}
	samples := c.Drain()
	if len(samples) == 0 {
		return
	}
	for _, sink := range c.sinks {
		if err := sink.Publish(ctx, samples); err != nil {
			c.log.WithComponent("metrics").WithError(err).Warn("failed to publish metrics")
		}
	}
}

// Run flushes every interval until ctx is done, then flushes once more.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
