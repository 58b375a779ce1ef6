package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
)

// interactiveSelector matches the ancestors that own click handling for
// decorative children (icons, spans inside buttons and links).
const interactiveSelector = `a[href], button, label, summary, input[type="button"], input[type="submit"], [role="button"], [role="link"], [role="menuitem"], [onclick]`

// hoverDelay is how long the pointer rests on the target before pressing.
const hoverDelay = 40 * time.Millisecond

// ClickChain returns the click strategies, least invasive first.
func ClickChain() []Strategy {
	return []Strategy{
		{Name: "direct", Attempt: directClick},
		{Name: "synthetic", Attempt: syntheticClick},
		{Name: "pointer", Attempt: pointerClick},
		{Name: "ancestor", Applies: hasInteractiveAncestor, Attempt: ancestorClick},
		{Name: "keyboard", Attempt: keyboardActivate},
	}
}

func directClick(ctx context.Context, env Env, el driver.Element, _ string) error {
	return env.Driver.Click(ctx, el)
}

func syntheticClick(ctx context.Context, env Env, el driver.Element, _ string) error {
	return env.Driver.DispatchEvent(ctx, el, "click")
}

// pointerClick moves the pointer onto the centre of the box, rests, then
// presses. A covered centre would deliver the click to the covering node, so
// it is refused up front.
func pointerClick(ctx context.Context, env Env, el driver.Element, _ string) error {
	state, err := env.Driver.State(ctx, el)
	if err != nil {
		return err
	}
	if state.Rect.Collapsed() {
		return driver.ErrCollapsed
	}
	if state.Obscured {
		return fmt.Errorf("%w: centre point is covered", driver.ErrIntercepted)
	}
	x, y := state.Rect.Center()
	if err := env.Driver.MouseMove(ctx, x, y); err != nil {
		return fmt.Errorf("pointer move: %w", err)
	}
	if env.Clock != nil {
		if err := env.Clock.Sleep(ctx, hoverDelay); err != nil {
			return err
		}
	}
	if err := env.Driver.MouseClick(ctx, x, y); err != nil {
		return fmt.Errorf("pointer press: %w", err)
	}
	return nil
}

func hasInteractiveAncestor(ctx context.Context, env Env, el driver.Element) bool {
	a, err := env.Driver.Ancestor(ctx, el, interactiveSelector)
	if err != nil {
		return false
	}
	_ = env.Driver.Release(ctx, a)
	return true
}

func ancestorClick(ctx context.Context, env Env, el driver.Element, _ string) error {
	a, err := env.Driver.Ancestor(ctx, el, interactiveSelector)
	if err != nil {
		return err
	}
	defer func() { _ = env.Driver.Release(context.WithoutCancel(ctx), a) }()
	return env.Driver.Click(ctx, a)
}

// keyboardActivate focuses the node and presses the key a browser maps to
// activation: Space for toggles, Enter for everything else.
func keyboardActivate(ctx context.Context, env Env, el driver.Element, _ string) error {
	key := "Enter"
	if state, err := env.Driver.State(ctx, el); err == nil {
		if state.Type == "checkbox" || state.Type == "radio" {
			key = " "
		}
	}
	if err := env.Driver.Focus(ctx, el); err != nil {
		return fmt.Errorf("focus: %w", err)
	}
	return env.Driver.PressKey(ctx, key)
}
