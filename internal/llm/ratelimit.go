package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// hit is one admitted event in a moving window.
type hit struct {
	at     time.Time
	weight int
}

// window is a moving-window counter with a weight limit.
type window struct {
	limit int
	hits  []hit
}

// prune drops hits older than the window interval.
func (w *window) prune(now time.Time, interval time.Duration) {
	cut := 0
	for cut < len(w.hits) && now.Sub(w.hits[cut].at) >= interval {
		cut++
	}
	if cut > 0 {
		w.hits = append(w.hits[:0], w.hits[cut:]...)
	}
}

// total is the weight currently inside the window.
func (w *window) total() int {
	sum := 0
	for _, h := range w.hits {
		sum += h.weight
	}
	return sum
}

// resetAfter is how long until the oldest hit leaves the window.
func (w *window) resetAfter(now time.Time, interval time.Duration) time.Duration {
	if len(w.hits) == 0 {
		return 0
	}
	return w.hits[0].at.Add(interval).Sub(now)
}

// RateLimiter enforces two independent moving-window limits shared
// across all sessions: one counting requests, one counting estimated
// token cost. Admission is work-conserving: a caller over either limit
// blocks until the window allows it, then proceeds; requests are
// delayed, never dropped.
//
// All methods are safe for concurrent use. A blocked caller does not
// hold the lock while sleeping, so it never delays another session's
// accounting; only the shared counters are mutated under the lock.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	requests window
	tokens   window
	logger   *slog.Logger

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter admitting at most requestsPerMinute
// hits and tokensPerMinute cost-weight in any rolling 60-second window.
func NewRateLimiter(requestsPerMinute, tokensPerMinute int, logger *slog.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 50
	}
	if tokensPerMinute <= 0 {
		tokensPerMinute = 40000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		interval: time.Minute,
		requests: window{limit: requestsPerMinute},
		tokens:   window{limit: tokensPerMinute},
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Wait blocks until one request of the given estimated token cost is
// admissible under both windows, records it, and returns. It returns
// early only if ctx is cancelled. A cost larger than the token limit
// itself is admitted once the token window is empty, so oversized
// single calls delay rather than deadlock.
func (l *RateLimiter) Wait(ctx context.Context, cost int) error {
	if cost < 0 {
		cost = 0
	}

	for {
		l.mu.Lock()
		now := l.now()
		l.requests.prune(now, l.interval)
		l.tokens.prune(now, l.interval)

		requestsOK := len(l.requests.hits) < l.requests.limit
		tokensOK := l.tokens.total()+cost <= l.tokens.limit ||
			(cost > l.tokens.limit && len(l.tokens.hits) == 0)

		if requestsOK && tokensOK {
			l.requests.hits = append(l.requests.hits, hit{at: now, weight: 1})
			l.tokens.hits = append(l.tokens.hits, hit{at: now, weight: cost})
			l.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if !requestsOK {
			wait = l.requests.resetAfter(now, l.interval)
		}
		if !tokensOK {
			if d := l.tokens.resetAfter(now, l.interval); d > wait {
				wait = d
			}
		}
		l.mu.Unlock()

		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		l.logger.Warn("rate limit window full, waiting",
			"wait", wait.Round(time.Millisecond),
			"cost", cost,
		)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// sleepContext sleeps for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
