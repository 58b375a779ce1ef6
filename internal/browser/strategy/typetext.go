package strategy

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
)

// TypeChain returns the text entry strategies, least invasive first. The last
// one is degraded: it is accepted without reading the value back.
func TypeChain() []Strategy {
	return []Strategy{
		{Name: "native", Attempt: nativeType, Verify: verifyValue("native")},
		{Name: "events", Attempt: assignWithEvents, Verify: verifyValue("events")},
		{Name: "per-char", Attempt: perCharType, Verify: verifyValue("per-char")},
		{Name: "forced", Attempt: forcedAssign, Degraded: true},
	}
}

func focusAndClear(ctx context.Context, env Env, el driver.Element) error {
	if err := env.Driver.Focus(ctx, el); err != nil {
		return fmt.Errorf("focus: %w", err)
	}
	if err := env.Driver.Clear(ctx, el); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func nativeType(ctx context.Context, env Env, el driver.Element, payload string) error {
	if err := focusAndClear(ctx, env, el); err != nil {
		return err
	}
	if payload == "" {
		return nil
	}
	return env.Driver.Keys(ctx, payload)
}

// assignWithEvents sets the value property and fires the events that
// component frameworks listen to instead of observing the property.
func assignWithEvents(ctx context.Context, env Env, el driver.Element, payload string) error {
	if err := env.Driver.SetValue(ctx, el, payload); err != nil {
		return fmt.Errorf("assign value: %w", err)
	}
	for _, ev := range []string{"input", "change"} {
		if err := env.Driver.DispatchEvent(ctx, el, ev); err != nil {
			return fmt.Errorf("dispatch %s: %w", ev, err)
		}
	}
	return nil
}

func perCharType(ctx context.Context, env Env, el driver.Element, payload string) error {
	if err := focusAndClear(ctx, env, el); err != nil {
		return err
	}
	for _, r := range payload {
		if err := env.Driver.Keys(ctx, string(r)); err != nil {
			return err
		}
		if env.Clock != nil && env.CharDelay > 0 {
			if err := env.Clock.Sleep(ctx, env.CharDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// forcedAssign writes the value and fires every event it can. Event failures
// are ignored; only a failed assignment fails the strategy.
func forcedAssign(ctx context.Context, env Env, el driver.Element, payload string) error {
	if err := env.Driver.SetValue(ctx, el, payload); err != nil {
		return fmt.Errorf("forced assign: %w", err)
	}
	for _, ev := range []string{"input", "change", "blur"} {
		_ = env.Driver.DispatchEvent(ctx, el, ev)
	}
	return nil
}
