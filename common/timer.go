package common

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// BackOffPolicy decides how long to wait before a retry attempt.
//
// NextDelay returns the delay to wait before making attempt number
// `attempt` (attempts are 1-indexed) and whether that attempt is the
// terminal one. Once a policy reports terminal=true, the caller schedules
// that last attempt and gives up for good if it still fails.
type BackOffPolicy interface {
	NextDelay(attempt int) (delay time.Duration, terminal bool)
}

// FixedBackOffPolicy waits InitialDelay before the first attempt and Delay
// before every attempt after that. A MaxAttempts of 0 means retry forever.
type FixedBackOffPolicy struct {
	InitialDelay time.Duration
	Delay        time.Duration
	MaxAttempts  int
}

// NextDelay implements BackOffPolicy
func (p FixedBackOffPolicy) NextDelay(attempt int) (time.Duration, bool) {
	delay := p.Delay
	if attempt <= 1 {
		delay = p.InitialDelay
	}
	terminal := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
	return delay, terminal
}

// RetryHandler runs one retry attempt. It returns done=true when the
// operation succeeded (or should no longer be retried) and the retry loop
// should stop. A non-nil error with done=false means "try again".
type RetryHandler func(ctx context.Context, attempt int) (done bool, err error)

// RetryTimer drives a RetryHandler through a BackOffPolicy on a single
// background goroutine, the cooperative-scheduling analogue of
// IntervalTimer generalized to variable, attempt-dependent delays.
type RetryTimer interface {
	// Start begins the retry loop. onExhausted fires exactly once if the
	// policy's terminal attempt is reached and the handler still hasn't
	// reported done. Start is not re-entrant: call Stop before Start again.
	Start(ctx context.Context, policy BackOffPolicy, handler RetryHandler, onExhausted func()) error
	// Stop cancels the retry loop. Safe to call more than once, and safe to
	// call even if the loop already finished on its own.
	Stop()
}

type retryTimerImpl struct {
	Component
	wg     *sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewRetryTimer creates a new RetryTimer. wg is used to track the
// background goroutine's lifetime for coordinated shutdown.
func NewRetryTimer(name string, wg *sync.WaitGroup) RetryTimer {
	return &retryTimerImpl{
		Component: Component{LogTags: log.Fields{
			"module": "common", "component": "retry-timer", "instance": name,
		}},
		wg: wg,
	}
}

// Start implements RetryTimer
func (t *retryTimerImpl) Start(
	ctx context.Context, policy BackOffPolicy, handler RetryHandler, onExhausted func(),
) error {
	loopCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Debug("retry loop exiting")

		attempt := 1
		for {
			delay, terminal := policy.NextDelay(attempt)
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(delay):
			}

			done, err := handler(loopCtx, attempt)
			if done {
				return
			}
			if err != nil {
				log.WithError(err).WithFields(t.LogTags).Warnf("retry attempt %d failed", attempt)
			}
			if terminal {
				if onExhausted != nil {
					onExhausted()
				}
				return
			}
			attempt++
		}
	}()
	return nil
}

// Stop implements RetryTimer
func (t *retryTimerImpl) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
