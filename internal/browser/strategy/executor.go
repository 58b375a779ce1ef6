// Package strategy runs an element action through an ordered chain of
// interaction techniques, verifying each one before accepting it.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/wait"
)

// Kind is the action a chain performs.
type Kind string

const (
	Click    Kind = "click"
	TypeText Kind = "type"
)

// StrategyNoop is reported when a TypeText request already matches the field.
const StrategyNoop = "noop"

// Env is what a strategy may touch while it runs.
type Env struct {
	Driver    driver.Driver
	Clock     wait.Clock
	CharDelay time.Duration
}

// Strategy is one interaction technique. Strategies hold no state.
type Strategy struct {
	Name string
	// Applies, when set, can skip the strategy for an element it cannot serve.
	// A skipped strategy does not count as a failure.
	Applies func(ctx context.Context, env Env, el driver.Element) bool
	Attempt func(ctx context.Context, env Env, el driver.Element, payload string) error
	// Verify reads the effect back. A nil Verify accepts the attempt as soon
	// as it returns without error.
	Verify func(ctx context.Context, env Env, el driver.Element, payload string) (string, error)
	// Degraded marks a strategy whose success is accepted without verification.
	Degraded bool
}

// Request describes one action.
type Request struct {
	Kind    Kind
	Locator driver.Locator
	Payload string
	// StrategyTimeout bounds each attempt; zero selects the executor default.
	StrategyTimeout time.Duration
	// ReadyTimeout bounds element resolution; zero selects the executor default.
	ReadyTimeout time.Duration
}

// Result is the outcome of Perform. Exactly one of Succeeded or Err is set.
type Result struct {
	Succeeded     bool
	StrategyUsed  string
	Err           error
	ObservedValue string
	Degraded      bool
	// Tried lists every strategy that ran, in order.
	Tried []string
}

// Options holds executor defaults.
type Options struct {
	ReadyTimeout    time.Duration
	StrategyTimeout time.Duration
	CharDelay       time.Duration
}

// Executor owns the chain for every action kind.
type Executor struct {
	drv    driver.Driver
	poller *wait.Poller
	chains map[Kind][]Strategy
	opts   Options
	logger *zap.Logger
}

// NewExecutor builds an executor with the default click and type chains.
func NewExecutor(drv driver.Driver, poller *wait.Poller, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.StrategyTimeout <= 0 {
		opts.StrategyTimeout = 5 * time.Second
	}
	return &Executor{
		drv:    drv,
		poller: poller,
		chains: map[Kind][]Strategy{
			Click:    ClickChain(),
			TypeText: TypeChain(),
		},
		opts:   opts,
		logger: logger.Named("strategy"),
	}
}

// SetChain replaces the chain used for kind.
func (e *Executor) SetChain(kind Kind, chain []Strategy) {
	e.chains[kind] = chain
}

// Chain returns the names of the strategies configured for kind.
func (e *Executor) Chain(kind Kind) []string {
	names := make([]string, 0, len(e.chains[kind]))
	for _, s := range e.chains[kind] {
		names = append(names, s.Name)
	}
	return names
}

// Perform resolves the element and walks the chain until one strategy is
// verified. No strategy runs after a verified success.
func (e *Executor) Perform(ctx context.Context, req Request) Result {
	chain, ok := e.chains[req.Kind]
	if !ok || len(chain) == 0 {
		return Result{Err: fmt.Errorf("no strategies registered for action %q", req.Kind)}
	}
	if req.StrategyTimeout <= 0 {
		req.StrategyTimeout = e.opts.StrategyTimeout
	}
	if req.ReadyTimeout <= 0 {
		req.ReadyTimeout = e.opts.ReadyTimeout
	}
	log := e.logger.With(zap.String("action", string(req.Kind)), zap.Stringer("locator", req.Locator))

	el, err := e.resolve(ctx, req, log)
	if err != nil {
		return Result{Err: err}
	}
	defer func() {
		// The element is released even when ctx has been cancelled.
		_ = e.drv.Release(context.WithoutCancel(ctx), el)
	}()

	if req.Kind == TypeText {
		if current, err := e.drv.Value(ctx, el); err == nil && current == req.Payload {
			log.Debug("Field already holds the requested value.")
			return Result{Succeeded: true, StrategyUsed: StrategyNoop, ObservedValue: current}
		}
	}

	env := Env{Driver: e.drv, Clock: e.poller.Clock(), CharDelay: e.opts.CharDelay}
	var causes []driver.StrategyFailure
	var tried []string
	for _, s := range chain {
		if err := ctx.Err(); err != nil {
			return Result{Err: err, Tried: tried}
		}
		if s.Applies != nil && !s.Applies(ctx, env, el) {
			log.Debug("Strategy does not apply, skipping.", zap.String("strategy", s.Name))
			continue
		}
		tried = append(tried, s.Name)
		observed, err := e.try(ctx, env, s, &el, req)
		if err != nil {
			log.Debug("Strategy failed.", zap.String("strategy", s.Name), zap.Error(err))
			causes = append(causes, driver.StrategyFailure{Strategy: s.Name, Err: err})
			continue
		}
		log.Debug("Strategy succeeded.", zap.String("strategy", s.Name), zap.Bool("degraded", s.Degraded))
		return Result{
			Succeeded:     true,
			StrategyUsed:  s.Name,
			ObservedValue: observed,
			Degraded:      s.Degraded,
			Tried:         tried,
		}
	}

	return Result{
		Err:   &driver.ExhaustedError{Action: string(req.Kind), Locator: req.Locator, Causes: causes},
		Tried: tried,
	}
}

// resolve waits for the minimal readiness of the action. A click target that
// is visible but stays covered is still returned: the later strategies are
// the ones that cope with intercepted elements.
func (e *Executor) resolve(ctx context.Context, req Request, log *zap.Logger) (driver.Element, error) {
	pred := wait.Visible
	if req.Kind == Click {
		pred = wait.Clickable
	}
	el, err := e.poller.Element(ctx, req.Locator, pred, req.ReadyTimeout)
	if err == nil || req.Kind != Click || !errors.Is(err, driver.ErrTimeout) {
		return el, err
	}
	visible, verr := e.poller.Element(ctx, req.Locator, wait.Visible, 0)
	if verr != nil {
		return driver.Element{}, err
	}
	log.Debug("Element is visible but not clickable, handing it to the chain anyway.")
	return visible, nil
}

func (e *Executor) try(ctx context.Context, env Env, s Strategy, el *driver.Element, req Request) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, req.StrategyTimeout)
	defer cancel()

	err := s.Attempt(sctx, env, *el, req.Payload)
	if errors.Is(err, driver.ErrStaleElement) {
		fresh, rerr := e.poller.Element(sctx, req.Locator, wait.Present, 0)
		if rerr != nil {
			return "", err
		}
		*el = fresh
		err = s.Attempt(sctx, env, *el, req.Payload)
	}
	if err != nil && e.collapsed(sctx, *el) {
		if serr := e.drv.ScrollIntoView(sctx, *el); serr == nil {
			err = s.Attempt(sctx, env, *el, req.Payload)
		}
	}
	if err != nil {
		return "", err
	}

	if s.Verify == nil {
		if req.Kind == TypeText {
			// Unverified: the read-back is kept for the audit trail only.
			observed, _ := e.drv.Value(sctx, *el)
			return observed, nil
		}
		return "", nil
	}
	return s.Verify(sctx, env, *el, req.Payload)
}

func (e *Executor) collapsed(ctx context.Context, el driver.Element) bool {
	state, err := e.drv.State(ctx, el)
	return err == nil && state.Rect.Collapsed()
}

// verifyValue reads the field back and accepts an exact match or a value
// that starts with the payload. An empty payload must read back empty.
func verifyValue(name string) func(context.Context, Env, driver.Element, string) (string, error) {
	return func(ctx context.Context, env Env, el driver.Element, payload string) (string, error) {
		got, err := env.Driver.Value(ctx, el)
		if err != nil {
			return "", err
		}
		if valueMatches(got, payload) {
			return got, nil
		}
		return got, &driver.VerificationError{Strategy: name, Want: payload, Got: got}
	}
}

func valueMatches(got, want string) bool {
	if want == "" {
		return got == ""
	}
	return got == want || strings.HasPrefix(got, want)
}
