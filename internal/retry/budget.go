package retry

import (
	"sync"
	"time"
)

const budgetBuckets = 10

type bucket struct {
	calls   int64
	retries int64
}

// Budget caps the fraction of calls that may be retries over a sliding
// window, so a struggling destination is not buried under a retry storm.
// A nil *Budget permits everything.
type Budget struct {
	ratio     float64
	minPerSec int
	window    time.Duration
	bucketDur time.Duration

	mu       sync.Mutex
	buckets  [budgetBuckets]bucket
	idx      int
	advanced time.Time
}

// NewBudget creates a budget allowing retries up to ratio of total
// calls, but always at least minPerSec retries per second.
func NewBudget(ratio float64, minPerSec int, window time.Duration) *Budget {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Budget{
		ratio:     ratio,
		minPerSec: minPerSec,
		window:    window,
		bucketDur: window / budgetBuckets,
		advanced:  time.Now(),
	}
}

// RecordCall counts one first attempt.
func (b *Budget) RecordCall() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.buckets[b.idx].calls++
}

// RecordRetry counts one retry attempt.
func (b *Budget) RecordRetry() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	b.buckets[b.idx].retries++
}

// Allow reports whether another retry fits the budget.
func (b *Budget) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	var calls, retries int64
	for i := range b.buckets {
		calls += b.buckets[i].calls
		retries += b.buckets[i].retries
	}

	if float64(retries)/b.window.Seconds() < float64(b.minPerSec) {
		return true
	}
	if calls == 0 {
		return true
	}
	return float64(retries)/float64(calls) < b.ratio
}

// advance rotates expired buckets out of the window.
func (b *Budget) advance() {
	now := time.Now()
	elapsed := now.Sub(b.advanced)
	if elapsed < b.bucketDur {
		return
	}
	steps := int(elapsed / b.bucketDur)
	if steps > budgetBuckets {
		steps = budgetBuckets
	}
	for i := 0; i < steps; i++ {
		b.idx = (b.idx + 1) % budgetBuckets
		b.buckets[b.idx] = bucket{}
	}
	b.advanced = now
}
