// Package modal classifies how a UI change triggered by an action manifested:
// as a new top-level window, as an in-page overlay, or not at all.
package modal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/wait"
)

// Kind is the classification result.
type Kind int

const (
	None Kind = iota
	NewWindow
	Overlay
)

func (k Kind) String() string {
	switch k {
	case NewWindow:
		return "new_window"
	case Overlay:
		return "overlay"
	default:
		return "none"
	}
}

// Hint describes what to look for after the trigger.
type Hint struct {
	// Baseline is the handle set captured before the trigger. When empty the
	// detector treats any growth beyond one window as a new window.
	Baseline []string
	// Overlay, when set, is the element whose visibility marks an in-page modal.
	Overlay *driver.Locator
}

// Observation is what Classify saw.
type Observation struct {
	Kind    Kind
	Handle  string
	Overlay *driver.Locator
	Waited  time.Duration
}

// Detector runs classification waits against a driver.
type Detector struct {
	drv    driver.Driver
	poller *wait.Poller
	logger *zap.Logger
}

// NewDetector creates a Detector.
func NewDetector(drv driver.Driver, poller *wait.Poller, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{drv: drv, poller: poller, logger: logger.Named("modal")}
}

// Baseline snapshots the current handle set. Call it before the trigger.
func (d *Detector) Baseline(ctx context.Context) ([]string, error) {
	hs, err := d.drv.WindowHandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read window handles: %w", err)
	}
	return hs, nil
}

// Classify polls until either a window outside the baseline appears or the
// overlay becomes visible. Window growth is checked first on every tick so a
// popup wins over an overlay that renders in the same interval. When neither
// happens within timeout it returns a None observation and an error matching
// driver.ErrModalNotDetected.
func (d *Detector) Classify(ctx context.Context, hint Hint, timeout time.Duration) (Observation, error) {
	start := d.poller.Clock().Now()
	var obs Observation

	err := d.poller.Until(ctx, timeout, "modal", overlayLocator(hint), func(ctx context.Context) (bool, error) {
		handles, err := d.drv.WindowHandles(ctx)
		if err != nil {
			return false, err
		}
		if h, ok := newHandle(hint.Baseline, handles); ok {
			obs = Observation{Kind: NewWindow, Handle: h}
			return true, nil
		}
		if hint.Overlay == nil {
			return false, nil
		}
		visible, err := d.visible(ctx, *hint.Overlay)
		if err != nil {
			return false, err
		}
		if visible {
			obs = Observation{Kind: Overlay, Overlay: hint.Overlay}
			return true, nil
		}
		return false, nil
	})
	obs.Waited = d.poller.Clock().Now().Sub(start)

	if err != nil {
		if errors.Is(err, driver.ErrTimeout) {
			d.logger.Debug("No modal appeared.", zap.Duration("waited", obs.Waited))
			return Observation{Kind: None, Waited: obs.Waited},
				fmt.Errorf("%w: neither a new window nor the overlay appeared within %s", driver.ErrModalNotDetected, timeout)
		}
		return Observation{Kind: None, Waited: obs.Waited}, err
	}
	d.logger.Debug("Modal classified.",
		zap.Stringer("kind", obs.Kind),
		zap.String("handle", obs.Handle),
		zap.Duration("waited", obs.Waited))
	return obs, nil
}

func (d *Detector) visible(ctx context.Context, loc driver.Locator) (bool, error) {
	els, err := d.drv.Find(ctx, loc)
	if err != nil {
		return false, err
	}
	defer func() { _ = d.drv.Release(context.WithoutCancel(ctx), els...) }()
	for _, el := range els {
		st, err := d.drv.State(ctx, el)
		if err != nil {
			continue
		}
		if st.Attached && st.Visible && !st.Rect.Collapsed() {
			return true, nil
		}
	}
	return false, nil
}

func newHandle(baseline, current []string) (string, bool) {
	if len(baseline) == 0 {
		if len(current) > 1 {
			return current[len(current)-1], true
		}
		return "", false
	}
	for _, h := range current {
		if !slices.Contains(baseline, h) {
			return h, true
		}
	}
	return "", false
}

func overlayLocator(h Hint) driver.Locator {
	if h.Overlay == nil {
		return driver.Locator{}
	}
	return *h.Overlay
}
