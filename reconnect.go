package dchat

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// reconnector computes bounded reconnection delays. When base and max delay
// are equal the delay is fixed; otherwise it grows exponentially with jitter.
type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	random      func() float64
}

func newReconnector(baseDelay, maxDelay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		random:      rand.Float64,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

// nextDelay returns the delay before the next attempt and counts the attempt.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jitter := r.random() * float64(r.baseDelay) * 0.5
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter,
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}
