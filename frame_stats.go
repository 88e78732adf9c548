package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cwsl/flexstream/engine"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FrameStatistics summarises the bin values of one completed spectrum frame
type FrameStatistics struct {
	StreamID     string    `json:"stream_id"`
	FrameID      uint32    `json:"frame_id"`
	Timestamp    time.Time `json:"timestamp"`
	Bins         int       `json:"bins"`
	Min          float64   `json:"min"`
	Max          float64   `json:"max"`
	Mean         float64   `json:"mean"`
	Median       float64   `json:"median"`
	P5           float64   `json:"p5"`  // noise floor estimate
	P95          float64   `json:"p95"` // signal peaks
	DynamicRange float64   `json:"dynamic_range"`
}

// FrameStatsTracker computes statistics on every Nth frame of each
// panadapter stream and keeps the latest result per stream
type FrameStatsTracker struct {
	every   int
	metrics *PrometheusMetrics

	mu     sync.RWMutex
	counts map[uint32]int
	latest map[uint32]FrameStatistics
}

// NewFrameStatsTracker creates a tracker sampling one frame in every
func NewFrameStatsTracker(every int, metrics *PrometheusMetrics) *FrameStatsTracker {
	if every < 1 {
		every = 1
	}
	return &FrameStatsTracker{
		every:   every,
		metrics: metrics,
		counts:  make(map[uint32]int),
		latest:  make(map[uint32]FrameStatistics),
	}
}

// Observe records a completed frame. It reports whether statistics were
// computed for it.
func (ft *FrameStatsTracker) Observe(streamID, frameID uint32, bins []uint16) bool {
	if len(bins) == 0 {
		return false
	}

	ft.mu.Lock()
	n := ft.counts[streamID]
	ft.counts[streamID] = n + 1
	ft.mu.Unlock()

	if n%ft.every != 0 {
		return false
	}

	fs := calculateFrameStatistics(bins)
	fs.StreamID = formatStreamID(streamID)
	fs.FrameID = frameID
	fs.Timestamp = time.Now()

	ft.mu.Lock()
	ft.latest[streamID] = fs
	ft.mu.Unlock()

	ft.metrics.RecordFrameStatistics(fs)
	return true
}

// Run samples panadapter frames from the engine until ctx is cancelled
func (ft *FrameStatsTracker) Run(ctx context.Context, eng *engine.Engine) error {
	sub := eng.Subscribe(64)
	defer eng.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if fr, isFrame := ev.(engine.FrameReady); isFrame {
				ft.Observe(fr.StreamID, fr.Frame.ID, fr.Frame.Bins)
			}
		}
	}
}

// Latest returns the most recent statistics for a stream
func (ft *FrameStatsTracker) Latest(streamID uint32) (FrameStatistics, bool) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	fs, ok := ft.latest[streamID]
	return fs, ok
}

// All returns the most recent statistics of every stream
func (ft *FrameStatsTracker) All() []FrameStatistics {
	ft.mu.RLock()
	all := make([]FrameStatistics, 0, len(ft.latest))
	for _, fs := range ft.latest {
		all = append(all, fs)
	}
	ft.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StreamID < all[j].StreamID })
	return all
}

// Forget drops the state of a removed stream
func (ft *FrameStatsTracker) Forget(streamID uint32) {
	ft.mu.Lock()
	delete(ft.counts, streamID)
	delete(ft.latest, streamID)
	ft.mu.Unlock()
}

// calculateFrameStatistics computes the distribution of bin values
func calculateFrameStatistics(bins []uint16) FrameStatistics {
	sorted := make([]float64, len(bins))
	for i, v := range bins {
		sorted[i] = float64(v)
	}
	// stat.Quantile requires sorted input
	sort.Float64s(sorted)

	fs := FrameStatistics{
		Bins:   len(sorted),
		Min:    floats.Min(sorted),
		Max:    floats.Max(sorted),
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P5:     stat.Quantile(0.05, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
	fs.DynamicRange = fs.Max - fs.P5
	return fs
}
