package transfer

import (
	"sync"
	"time"
)

// SpeedTracker smooths byte arrivals into a bytes/sec rate with an
// exponential moving average, generalized from a per-connection
// upload/download rate loop into a reusable per-transfer component window
// is configurable instead of hardcoded to 1s ticks.
type SpeedTracker struct {
	mu         sync.Mutex
	window     time.Duration
	windowStart time.Time
	windowBytes uint64
	ema        float64
	inited     bool
}

const emaAlpha = 0.2

func NewSpeedTracker(window time.Duration) *SpeedTracker {
	return &SpeedTracker{window: window, windowStart: time.Now()}
}

// Observe folds n newly-transferred bytes into the current window, rolling
// the EMA forward whenever a full window has elapsed.
func (s *SpeedTracker) Observe(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windowBytes += uint64(n)

	elapsed := time.Since(s.windowStart)
	if elapsed < s.window {
		return
	}

	instant := float64(s.windowBytes) / elapsed.Seconds()
	if !s.inited {
		s.ema = instant
		s.inited = true
	} else {
		s.ema = emaAlpha*instant + (1-emaAlpha)*s.ema
	}

	s.windowBytes = 0
	s.windowStart = time.Now()
}

// Rate returns the current smoothed bytes/sec estimate.
func (s *SpeedTracker) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ema
}
