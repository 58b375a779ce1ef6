// Package wait implements bounded, cooperative polling over a driver.Driver.
// Every wait runs on the caller's goroutine and sleeps a fixed interval
// between checks.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
)

// DefaultInterval is used when a Poller is built with a non-positive interval.
const DefaultInterval = 250 * time.Millisecond

// Clock abstracts time so long waits can be exercised in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Predicate is the readiness condition an element wait checks.
type Predicate int

const (
	Present Predicate = iota
	Visible
	Clickable
)

func (p Predicate) String() string {
	switch p {
	case Visible:
		return "visible"
	case Clickable:
		return "clickable"
	default:
		return "present"
	}
}

// CheckFunc reports whether a condition holds. A returned error is treated
// as "not yet" and retained for the timeout message.
type CheckFunc func(ctx context.Context) (bool, error)

// Poller runs bounded waits against a single driver.
type Poller struct {
	drv      driver.Driver
	clock    Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewPoller creates a Poller. A nil clock selects the real clock.
func NewPoller(drv driver.Driver, clock Clock, interval time.Duration, logger *zap.Logger) *Poller {
	if clock == nil {
		clock = RealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{drv: drv, clock: clock, interval: interval, logger: logger.Named("wait")}
}

// Clock returns the clock the poller sleeps on.
func (p *Poller) Clock() Clock { return p.clock }

// Until polls check until it reports true or timeout elapses. The check runs
// at least once, even with a zero timeout.
func (p *Poller) Until(ctx context.Context, timeout time.Duration, condition string, loc driver.Locator, check CheckFunc) error {
	start := p.clock.Now()
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := check(ctx)
		if ok {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			last = err
		}

		waited := p.clock.Now().Sub(start)
		if waited >= timeout {
			p.logger.Debug("Wait timed out.",
				zap.String("condition", condition),
				zap.Stringer("locator", loc),
				zap.Int("attempts", attempt),
				zap.Duration("waited", waited))
			return &driver.TimeoutError{Locator: loc, Condition: condition, Waited: waited, Last: last}
		}

		sleep := p.interval
		if remaining := timeout - waited; remaining < sleep {
			sleep = remaining
		}
		if err := p.clock.Sleep(ctx, sleep); err != nil {
			return err
		}
	}
}

// Element waits for the first node matching loc to satisfy pred and returns it.
func (p *Poller) Element(ctx context.Context, loc driver.Locator, pred Predicate, timeout time.Duration) (driver.Element, error) {
	var found driver.Element
	err := p.Until(ctx, timeout, pred.String(), loc, func(ctx context.Context) (bool, error) {
		el, err := p.first(ctx, loc)
		if err != nil {
			return false, err
		}
		if pred == Present {
			found = el
			return true, nil
		}
		state, err := p.drv.State(ctx, el)
		if err != nil {
			return false, err
		}
		if satisfies(state, pred) {
			found = el
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return driver.Element{}, err
	}
	return found, nil
}

// Invisible waits until no node matching loc is visible. An absent node counts.
func (p *Poller) Invisible(ctx context.Context, loc driver.Locator, timeout time.Duration) error {
	return p.Until(ctx, timeout, "invisible", loc, func(ctx context.Context) (bool, error) {
		els, err := p.drv.Find(ctx, loc)
		if err != nil {
			return false, err
		}
		for _, el := range els {
			state, err := p.drv.State(ctx, el)
			if errors.Is(err, driver.ErrStaleElement) {
				continue
			}
			if err != nil {
				return false, err
			}
			if state.Attached && state.Visible {
				return false, nil
			}
		}
		return true, nil
	})
}

// WindowCount waits until at least n windows are open and returns the
// handle set observed at that moment.
func (p *Poller) WindowCount(ctx context.Context, n int, timeout time.Duration) ([]string, error) {
	var handles []string
	err := p.Until(ctx, timeout, fmt.Sprintf("window count >= %d", n), driver.Locator{}, func(ctx context.Context) (bool, error) {
		hs, err := p.drv.WindowHandles(ctx)
		if err != nil {
			return false, err
		}
		handles = hs
		return len(hs) >= n, nil
	})
	if err != nil {
		return nil, err
	}
	return handles, nil
}

// PageReady waits for document.readyState to reach "complete".
func (p *Poller) PageReady(ctx context.Context, timeout time.Duration) error {
	return p.Until(ctx, timeout, "page ready", driver.Locator{}, func(ctx context.Context) (bool, error) {
		state, err := p.drv.ReadyState(ctx)
		if err != nil {
			return false, err
		}
		return state == "complete", nil
	})
}

func (p *Poller) first(ctx context.Context, loc driver.Locator) (driver.Element, error) {
	els, err := p.drv.Find(ctx, loc)
	if err != nil {
		return driver.Element{}, err
	}
	if len(els) == 0 {
		return driver.Element{}, driver.NotFound(loc)
	}
	if len(els) > 1 {
		// Extra matches are not used by the caller.
		_ = p.drv.Release(ctx, els[1:]...)
	}
	return els[0], nil
}

func satisfies(s driver.ElementState, pred Predicate) bool {
	switch pred {
	case Visible:
		return s.Attached && s.Visible
	case Clickable:
		return s.Clickable()
	default:
		return s.Attached
	}
}
