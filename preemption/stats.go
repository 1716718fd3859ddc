package preemption

import (
	"time"
)

// Stats is a snapshot of queue statistics.
type Stats struct {
	// WaitP50, WaitP90 and WaitP99 estimate the time messages spent queued,
	// before processing began.
	WaitP50 time.Duration
	WaitP90 time.Duration
	WaitP99 time.Duration
	WaitMax time.Duration

	// DepthAvg is an exponential moving average (alpha 0.1) of the queue
	// length, sampled on every push and finish.
	DepthAvg float64
	DepthMax int

	// Processed counts messages whose processing began.
	Processed int

	// Preemptions counts preemption episodes, i.e. entries into
	// StatePreempting from StateChecking.
	Preemptions int

	State State
}

type stats struct {
	p50, p90, p99 *quantile
	waitMax       time.Duration
	depthAvg      float64
	depthMax      int
	processed     int
	preemptions   int
	depthInit     bool
}

func newStats() stats {
	return stats{
		p50: newQuantile(0.5),
		p90: newQuantile(0.9),
		p99: newQuantile(0.99),
	}
}

func (x *stats) wait(d time.Duration) {
	d = max(d, 0)
	x.processed++
	x.waitMax = max(x.waitMax, d)
	v := float64(d)
	x.p50.update(v)
	x.p90.update(v)
	x.p99.update(v)
}

func (x *stats) depth(n int) {
	x.depthMax = max(x.depthMax, n)
	if !x.depthInit {
		x.depthAvg = float64(n)
		x.depthInit = true
	} else {
		x.depthAvg = 0.9*x.depthAvg + 0.1*float64(n)
	}
}

// Stats returns a snapshot of the queue's statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		WaitP50:     time.Duration(q.stats.p50.value()),
		WaitP90:     time.Duration(q.stats.p90.value()),
		WaitP99:     time.Duration(q.stats.p99.value()),
		WaitMax:     q.stats.waitMax,
		DepthAvg:    q.stats.depthAvg,
		DepthMax:    q.stats.depthMax,
		Processed:   q.stats.processed,
		Preemptions: q.stats.preemptions,
		State:       q.state,
	}
}
