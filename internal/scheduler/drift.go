package scheduler

import (
	"math"
	"sync"
)

// driftCapacity bounds the drift ring buffer.
const driftCapacity = 512

// DriftSample records one beat's scheduling accuracy.
type DriftSample struct {
	Bar       int
	Beat      int
	Scheduled float64
	Actual    float64
	DriftMS   float64
}

// DriftStats summarizes the retained samples.
type DriftStats struct {
	Count    int
	MeanMS   float64
	MinMS    float64
	MaxMS    float64
	StdDevMS float64
}

// driftRecorder keeps the last driftCapacity samples in a ring buffer.
type driftRecorder struct {
	mu      sync.Mutex
	samples [driftCapacity]DriftSample
	next    int
	count   int
}

func newDriftRecorder() *driftRecorder {
	return &driftRecorder{}
}

func (r *driftRecorder) record(s DriftSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = s
	r.next = (r.next + 1) % driftCapacity
	if r.count < driftCapacity {
		r.count++
	}
}

// Samples returns the retained samples, oldest first.
func (r *driftRecorder) Samples() []DriftSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DriftSample, 0, r.count)
	start := r.next - r.count
	for i := 0; i < r.count; i++ {
		idx := (start + i + driftCapacity) % driftCapacity
		out = append(out, r.samples[idx])
	}
	return out
}

// Stats computes mean/min/max/stddev over the retained samples.
func (r *driftRecorder) Stats() DriftStats {
	samples := r.Samples()
	if len(samples) == 0 {
		return DriftStats{}
	}

	stats := DriftStats{
		Count: len(samples),
		MinMS: math.Inf(1),
		MaxMS: math.Inf(-1),
	}
	var sum float64
	for _, s := range samples {
		sum += s.DriftMS
		stats.MinMS = math.Min(stats.MinMS, s.DriftMS)
		stats.MaxMS = math.Max(stats.MaxMS, s.DriftMS)
	}
	stats.MeanMS = sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := s.DriftMS - stats.MeanMS
		sq += d * d
	}
	stats.StdDevMS = math.Sqrt(sq / float64(len(samples)))
	return stats
}
