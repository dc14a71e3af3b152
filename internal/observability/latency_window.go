package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyStats summarizes the recent samples of one operation.
type LatencyStats struct {
	Operation string  `json:"operation"`
	Samples   int     `json:"samples"`
	Failures  int     `json:"failures"`
	LastMS    float64 `json:"last_ms"`
	AvgMS     float64 `json:"avg_ms"`
	P50MS     float64 `json:"p50_ms"`
	P95MS     float64 `json:"p95_ms"`
}

// LatencySnapshot is a point-in-time view of the latency window.
type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Operations  []LatencyStats `json:"operations"`
}

// latencyWindow keeps a fixed-size ring of recent samples per operation.
type latencyWindow struct {
	mu       sync.RWMutex
	size     int
	rings    map[string]*latencyRing
	failures map[string]int
}

type latencyRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 128
	}
	return &latencyWindow{
		size:     size,
		rings:    make(map[string]*latencyRing),
		failures: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(op string, d time.Duration, ok bool) {
	if op == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000

	w.mu.Lock()
	defer w.mu.Unlock()
	if !ok {
		w.failures[op]++
	}
	ring, exists := w.rings[op]
	if !exists {
		ring = &latencyRing{values: make([]float64, w.size)}
		w.rings[op] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ops := make([]string, 0, len(w.rings))
	for op := range w.rings {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	out := make([]LatencyStats, 0, len(ops))
	for _, op := range ops {
		ring := w.rings[op]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n == 0 {
			continue
		}
		samples := append([]float64(nil), ring.values[:n]...)
		sort.Float64s(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		out = append(out, LatencyStats{
			Operation: op,
			Samples:   n,
			Failures:  w.failures[op],
			LastMS:    round2(ring.last),
			AvgMS:     round2(sum / float64(n)),
			P50MS:     round2(quantile(samples, 0.50)),
			P95MS:     round2(quantile(samples, 0.95)),
		})
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Operations:  out,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
