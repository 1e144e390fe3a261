// Package ratelimit provides the global token bucket that gates every
// outbound Salesforce call. It is the single throttle in the pipeline: no
// component issues a remote call without acquiring a token first.
//
// The bucket is adaptive. Callers report each call's outcome, and once per
// adjustment interval the limiter recomputes its steady-state rate from the
// observed success ratio: mostly-successful windows speed it up, quota
// errors or a poor success ratio halve it. Bounds are clamped so a burst of
// failures can never stall the pipeline entirely.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrDeadline is returned when a caller's deadline elapses while waiting
// for a token. It is retryable.
var ErrDeadline = errors.New("rate limiter: deadline elapsed waiting for token")

const (
	// DefaultPerMinute is the initial steady-state rate in calls/minute.
	DefaultPerMinute = 200
	// MinPerMinute and MaxPerMinute clamp adaptive adjustment.
	MinPerMinute = 50
	MaxPerMinute = 300
	// DefaultBurst is the bucket capacity.
	DefaultBurst = 20

	// adjustInterval is how often the adaptive loop recomputes the rate.
	adjustInterval = 60 * time.Second

	speedUpFactor  = 1.2
	slowDownFactor = 0.5

	// Success-ratio thresholds for adjustment.
	speedUpRatio  = 0.95
	slowDownRatio = 0.80
)

// window accumulates call outcomes between adjustments.
type window struct {
	success int
	failure int
	quota   int
}

// Limiter is the shared adaptive token bucket.
type Limiter struct {
	mu        sync.Mutex
	bucket    *rate.Limiter
	perMinute float64
	min       float64
	max       float64
	win       window
	log       *logrus.Logger
}

// Config holds limiter tunables; zero values fall back to defaults.
type Config struct {
	PerMinute float64
	Min       float64
	Max       float64
	Burst     int
}

// New creates a limiter with the given configuration.
func New(cfg Config, log *logrus.Logger) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.Min <= 0 {
		cfg.Min = MinPerMinute
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return &Limiter{
		bucket:    rate.NewLimiter(rate.Limit(cfg.PerMinute/60.0), cfg.Burst),
		perMinute: cfg.PerMinute,
		min:       cfg.Min,
		max:       cfg.Max,
		log:       log,
	}
}

// Acquire blocks until a token is available or the context is done. A
// context deadline is surfaced as the retryable ErrDeadline; plain
// cancellation is surfaced as the context error.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrDeadline
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrDeadline
	}
	return nil
}

// Report records a call outcome into the current adjustment window.
func (l *Limiter) Report(ok, quotaHit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok {
		l.win.success++
		return
	}
	l.win.failure++
	if quotaHit {
		l.win.quota++
	}
}

// Rate returns the current steady-state rate in calls/minute.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perMinute
}

// Downshift immediately halves the rate. The retry engine invokes this when
// a quota error is observed so the pipeline backs off before the next
// scheduled adjustment.
func (l *Limiter) Downshift() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setRateLocked(l.perMinute * slowDownFactor)
}

// Adjust recomputes the rate from the current window and resets the window.
// It is exported so tests and the orchestrator's final report can trigger an
// adjustment deterministically.
func (l *Limiter) Adjust() {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.win.success + l.win.failure
	if total == 0 {
		return
	}
	ratio := float64(l.win.success) / float64(total)

	switch {
	case l.win.quota > 0 || ratio < slowDownRatio:
		l.setRateLocked(l.perMinute * slowDownFactor)
	case ratio > speedUpRatio:
		l.setRateLocked(l.perMinute * speedUpFactor)
	}
	l.win = window{}
}

// Run drives the periodic adjustment loop until the context is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(adjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Adjust()
		}
	}
}

// setRateLocked clamps and applies a new steady-state rate. Callers hold mu.
func (l *Limiter) setRateLocked(perMinute float64) {
	if perMinute < l.min {
		perMinute = l.min
	}
	if perMinute > l.max {
		perMinute = l.max
	}
	if perMinute == l.perMinute {
		return
	}
	old := l.perMinute
	l.perMinute = perMinute
	l.bucket.SetLimit(rate.Limit(perMinute / 60.0))
	l.log.WithFields(logrus.Fields{
		"old_rate_per_min": old,
		"new_rate_per_min": perMinute,
	}).Info("Rate limiter adjusted")
}
