package relay

import (
	"math"
	"sort"
)

const latencyWindow = 200

// latencyTracker keeps the last latencyWindow samples
type latencyTracker struct {
	samples []float64
	next    int
}

func (l *latencyTracker) add(ms float64) {
	if len(l.samples) < latencyWindow {
		l.samples = append(l.samples, ms)
		return
	}
	l.samples[l.next] = ms
	l.next = (l.next + 1) % latencyWindow
}

// percentile uses the nearest-rank method
func (l *latencyTracker) percentile(p float64) float64 {
	if len(l.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(l.samples))
	copy(sorted, l.samples)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
