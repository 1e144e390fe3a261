// Package retry implements the classified retry policy wrapped around every
// remote operation. The policy consumes the bridge's outcome classes:
// transport and timeout failures back off exponentially with jitter, quota
// failures back off from a higher floor and trigger a rate downshift,
// syntactic failures surface immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/bridge"
)

const (
	// DefaultAttempts is the total number of tries per operation.
	DefaultAttempts = 5
	// DefaultBaseDelay seeds the exponential backoff.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps a single backoff sleep.
	DefaultMaxDelay = 2 * time.Minute
	// DefaultQuotaFloor is the minimum backoff after a quota error.
	DefaultQuotaFloor = 30 * time.Second
)

// ClassifiedError carries the final outcome class of an exhausted or fatal
// operation so callers can record it in the progress store.
type ClassifiedError struct {
	Class    bridge.Class
	Attempts int
	Err      error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// ClassOf extracts the outcome class from an error produced by a Policy.
// Errors without a classification are reported as transport failures.
func ClassOf(err error) bridge.Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return bridge.ClassTransport
}

// Downshifter is the slice of the rate limiter the retry engine needs:
// quota errors halve the global rate immediately.
type Downshifter interface {
	Downshift()
}

// Op is a retryable operation. It returns the outcome class of this attempt
// together with an error describing the failure; ClassOK means success and
// the error is ignored.
type Op func(ctx context.Context) (bridge.Class, error)

// Policy is a reusable retry configuration. It is safe for concurrent use.
type Policy struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	QuotaFloor time.Duration

	// Limiter receives a downshift on each quota error. Optional.
	Limiter Downshifter

	// OnExhausted observes every operation that gives up for good, with
	// its final outcome class. The orchestrator hooks this to halt a
	// phase once quota failures pile up. Optional.
	OnExhausted func(class bridge.Class)

	// Sleep is replaceable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	Log *logrus.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewPolicy builds a policy with the default attempt budget and backoff.
func NewPolicy(limiter Downshifter, log *logrus.Logger) *Policy {
	return &Policy{
		Attempts:   DefaultAttempts,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		QuotaFloor: DefaultQuotaFloor,
		Limiter:    limiter,
		Log:        log,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op until it succeeds, fails fatally, or the attempt budget is
// exhausted. The returned error is always a *ClassifiedError (or a context
// error when the caller was cancelled mid-backoff).
func (p *Policy) Do(ctx context.Context, name string, op Op) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastClass bridge.Class
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		class, err := op(ctx)
		if class == bridge.ClassOK {
			return nil
		}
		lastClass, lastErr = class, err

		if class == bridge.ClassSyntactic {
			p.notifyExhausted(class)
			return &ClassifiedError{Class: class, Attempts: attempt + 1, Err: err}
		}
		if class == bridge.ClassQuota && p.Limiter != nil {
			p.Limiter.Downshift()
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.backoff(class, attempt)
		if p.Log != nil {
			p.Log.WithFields(logrus.Fields{
				"operation": name,
				"class":     class,
				"attempt":   attempt + 1,
				"backoff":   delay.String(),
			}).Warn("Remote operation failed, retrying")
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}

	p.notifyExhausted(lastClass)
	return &ClassifiedError{Class: lastClass, Attempts: attempts, Err: lastErr}
}

func (p *Policy) notifyExhausted(class bridge.Class) {
	if p.OnExhausted != nil {
		p.OnExhausted(class)
	}
}

// backoff computes the sleep before the next attempt: exponential growth
// with +/-25% jitter for transport failures, doubled for timeouts, and a
// raised floor with +/-50% jitter after quota errors.
func (p *Policy) backoff(class bridge.Class, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	delay := base << uint(attempt)

	switch class {
	case bridge.ClassTimeout:
		delay *= 2
		delay = p.jitter(delay, 0.25)
	case bridge.ClassQuota:
		floor := p.QuotaFloor
		if floor <= 0 {
			floor = DefaultQuotaFloor
		}
		if delay < floor {
			delay = floor
		}
		delay = p.jitter(delay, 0.5)
	default:
		delay = p.jitter(delay, 0.25)
	}

	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if delay > max {
		delay = max
	}
	return delay
}

func (p *Policy) jitter(d time.Duration, fraction float64) time.Duration {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	spread := float64(d) * fraction
	offset := (p.rng.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
