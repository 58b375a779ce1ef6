// Package auth signs into the application under test, either through its own
// login form or through a federated identity provider.
//
// Both flows are strict: a required field that never resolves ends the flow
// with an error, and the context tracker is returned to the origin window
// whether the flow succeeds or not.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/stagehand/internal/browser/action"
	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/modal"
	"github.com/xkilldash9x/stagehand/internal/browser/scope"
	"github.com/xkilldash9x/stagehand/internal/browser/wait"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/observability"
)

// ErrFieldNotFound is matched by errors for required fields that never resolved.
var ErrFieldNotFound = errors.New("sign-in field not found")

// Credentials is one login. The secret is never logged or recorded.
type Credentials struct {
	Identity string
	Secret   string
}

// String masks the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("%s/******", c.Identity)
}

// CredentialsFrom picks the identity and password from the auth config.
func CredentialsFrom(a config.AuthConfig) Credentials {
	return Credentials{Identity: a.Identity(), Secret: a.Password}
}

// Options configures a Flow. Zero timeouts take the defaults of NewFlow.
type Options struct {
	// Method is one of config.AuthDirect, AuthFederated, AuthAuto or AuthNone.
	Method string
	// FederatedDomain is the identity provider host auto detection compares against.
	FederatedDomain         string
	StaySignedIn            bool
	RequireDomainTransition bool

	ProbeTimeout      time.Duration
	FieldTimeout      time.Duration
	WindowTimeout     time.Duration
	TransitionTimeout time.Duration
	PageLoadTimeout   time.Duration
}

// OptionsFrom maps the auth and timing config onto flow options.
func OptionsFrom(a config.AuthConfig, t config.TimingConfig) Options {
	return Options{
		Method:                  a.Type,
		FederatedDomain:         a.FederatedDomain,
		StaySignedIn:            a.StaySignedIn,
		RequireDomainTransition: a.RequireDomainTransition,
		ProbeTimeout:            t.ShortTimeout,
		FieldTimeout:            t.DefaultTimeout,
		WindowTimeout:           t.NewWindowTimeout,
		TransitionTimeout:       t.LongTimeout,
		PageLoadTimeout:         t.PageLoadTimeout,
	}
}

// Flow drives a login through the action facade.
type Flow struct {
	drv      driver.Driver
	poller   *wait.Poller
	facade   *action.Facade
	tracker  *scope.Tracker
	detector *modal.Detector
	recorder observability.Recorder
	locators Locators
	opts     Options
	logger   *zap.Logger
}

// NewFlow creates a Flow. Outcomes go to the facade's recorder.
func NewFlow(drv driver.Driver, poller *wait.Poller, facade *action.Facade, tracker *scope.Tracker,
	detector *modal.Detector, locators Locators, opts Options, logger *zap.Logger) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Method == "" {
		opts.Method = config.AuthDirect
	}
	defaults := []struct {
		d   *time.Duration
		def time.Duration
	}{
		{&opts.ProbeTimeout, 3 * time.Second},
		{&opts.FieldTimeout, 15 * time.Second},
		{&opts.WindowTimeout, 10 * time.Second},
		{&opts.TransitionTimeout, 40 * time.Second},
		{&opts.PageLoadTimeout, 30 * time.Second},
	}
	for _, x := range defaults {
		if *x.d <= 0 {
			*x.d = x.def
		}
	}
	return &Flow{
		drv:      drv,
		poller:   poller,
		facade:   facade,
		tracker:  tracker,
		detector: detector,
		recorder: facade.Recorder(),
		locators: locators,
		opts:     opts,
		logger:   logger.Named("auth"),
	}
}

// Login signs in with creds using the configured method.
func (f *Flow) Login(ctx context.Context, creds Credentials) (err error) {
	if f.opts.Method == config.AuthNone {
		f.logger.Debug("Authentication disabled.")
		return nil
	}
	method, err := f.resolveMethod(ctx)
	if err != nil {
		return err
	}
	f.logger.Info("Signing in.", zap.String("method", method), zap.String("identity", creds.Identity))

	defer func() {
		if err == nil {
			return
		}
		f.recorder.RecordFailure(fmt.Sprintf("Could not sign in (%s).", method), err)
		if rerr := f.tracker.RestoreOrigin(context.WithoutCancel(ctx)); rerr != nil {
			f.logger.Warn("Could not restore the origin window after a failed sign-in.", zap.Error(rerr))
		}
	}()

	if method == config.AuthFederated {
		err = f.federated(ctx, creds)
	} else {
		err = f.direct(ctx, creds)
	}
	if err != nil {
		return fmt.Errorf("%s sign-in failed: %w", method, err)
	}
	if err = f.tracker.RestoreOrigin(ctx); err != nil {
		return fmt.Errorf("%s sign-in: %w", method, err)
	}
	if err = f.awaitPostLogin(ctx); err != nil {
		return fmt.Errorf("%s sign-in: %w", method, err)
	}
	f.recorder.RecordSuccess(fmt.Sprintf("Signed in (%s).", method))
	return nil
}

// resolveMethod settles auto: federated when the browser is already on the
// identity provider, or when the page offers a provider entry point but no
// username field.
func (f *Flow) resolveMethod(ctx context.Context) (string, error) {
	switch f.opts.Method {
	case config.AuthDirect, config.AuthFederated:
		return f.opts.Method, nil
	case config.AuthAuto:
	default:
		return "", fmt.Errorf("unknown auth method %q", f.opts.Method)
	}

	if f.opts.FederatedDomain != "" {
		if u, err := f.drv.CurrentURL(ctx); err == nil && sameSite(u, "https://"+f.opts.FederatedDomain) {
			return config.AuthFederated, nil
		}
	}

	var username, provider bool
	_ = f.poller.Until(ctx, f.opts.ProbeTimeout, "login form", driver.Locator{Name: "login form"}, func(ctx context.Context) (bool, error) {
		_, username = f.firstVisible(ctx, f.locators.Username)
		_, provider = f.firstVisible(ctx, f.locators.ProviderEntry)
		return username || provider, nil
	})
	method := config.AuthDirect
	if provider && !username {
		method = config.AuthFederated
	}
	f.logger.Debug("Detected auth method.", zap.String("method", method),
		zap.Bool("username_field", username), zap.Bool("provider_entry", provider))
	return method, nil
}

func (f *Flow) direct(ctx context.Context, creds Credentials) error {
	user, err := f.locate(ctx, "username", f.locators.Username, f.opts.FieldTimeout, false)
	if err != nil {
		return err
	}
	if _, err := f.facade.Type(ctx, user, creds.Identity); err != nil {
		return err
	}
	pass, err := f.locate(ctx, "password", f.locators.Password, f.opts.FieldTimeout, false)
	if err != nil {
		return err
	}
	if _, err := f.facade.Type(ctx, pass, creds.Secret); err != nil {
		return err
	}
	if err := f.submit(ctx, f.locators.Submit, pass); err != nil {
		return err
	}
	return f.poller.PageReady(ctx, f.opts.PageLoadTimeout)
}

func (f *Flow) federated(ctx context.Context, creds Credentials) error {
	baseline, err := f.detector.Baseline(ctx)
	if err != nil {
		return err
	}
	entry, err := f.locate(ctx, "provider entry", f.locators.ProviderEntry, f.opts.FieldTimeout, false)
	if err != nil {
		return err
	}
	if _, err := f.facade.Click(ctx, entry); err != nil {
		return err
	}

	hint := modal.Hint{Baseline: baseline}
	if len(f.locators.Identity) > 0 {
		hint.Overlay = &f.locators.Identity[0]
	}
	obs, err := f.detector.Classify(ctx, hint, f.opts.WindowTimeout)
	switch {
	case errors.Is(err, driver.ErrModalNotDetected):
		// A same-window redirect shows neither; the identity lookup below waits for it.
		f.logger.Debug("Provider opened in the same window.")
	case err != nil:
		return err
	}
	popup := ""
	if obs.Kind == modal.NewWindow {
		if err := f.tracker.EnterWindow(ctx, obs.Handle); err != nil {
			return err
		}
		popup = obs.Handle
		if err := f.poller.PageReady(ctx, f.opts.PageLoadTimeout); err != nil {
			return err
		}
	}

	identity, err := f.locate(ctx, "identity", f.locators.Identity, f.opts.FieldTimeout, true)
	if err != nil {
		return err
	}
	from := ""
	if u, err := f.drv.CurrentURL(ctx); err == nil {
		from = registrableDomain(u)
	}
	if _, err := f.facade.Type(ctx, identity, creds.Identity); err != nil {
		return err
	}
	if err := f.submit(ctx, f.locators.IdentityNext, identity); err != nil {
		return err
	}
	if err := f.awaitTransition(ctx, from); err != nil {
		return err
	}

	// The identity step may have entered a frame that the next page no longer has.
	if err := f.tracker.ResetToDefault(ctx); err != nil {
		return err
	}
	secret, err := f.locate(ctx, "secret", f.locators.Secret, f.opts.FieldTimeout, true)
	if err != nil {
		return err
	}
	if _, err := f.facade.Type(ctx, secret, creds.Secret); err != nil {
		return err
	}
	if err := f.submit(ctx, f.locators.SecretSubmit, secret); err != nil {
		return err
	}

	closed, err := f.awaitSecretAccepted(ctx, secret, popup)
	if err != nil {
		return err
	}
	if !closed {
		f.answerStaySignedIn(ctx)
	}
	return nil
}

// locate polls until one of cands is visible. With frames set, each tick
// also searches one level of frames, leaving the tracker in the frame that
// holds the match.
func (f *Flow) locate(ctx context.Context, name string, cands []driver.Locator, timeout time.Duration, frames bool) (driver.Locator, error) {
	if len(cands) == 0 {
		return driver.Locator{}, fmt.Errorf("%w: %s: no locators configured", ErrFieldNotFound, name)
	}
	var found driver.Locator
	err := f.poller.Until(ctx, timeout, "visible", driver.Locator{Name: name, Selector: cands[0].Selector, By: cands[0].By},
		func(ctx context.Context) (bool, error) {
			if loc, ok := f.firstVisible(ctx, cands); ok {
				found = loc
				return true, nil
			}
			if !frames {
				return false, nil
			}
			for _, c := range cands {
				ok, err := f.tracker.LocateInFrames(ctx, c, 1)
				if err != nil {
					return false, err
				}
				if ok && f.facade.IsVisible(ctx, c) {
					found = c
					return true, nil
				}
				if ok {
					_ = f.tracker.ResetToDefault(ctx)
				}
			}
			return false, nil
		})
	if err != nil {
		return driver.Locator{}, fmt.Errorf("%w: %s: %w", ErrFieldNotFound, name, err)
	}
	f.logger.Debug("Resolved sign-in field.", zap.String("field", name), zap.Stringer("locator", found),
		zap.Stringer("context", f.tracker.Current()))
	return found, nil
}

func (f *Flow) firstVisible(ctx context.Context, cands []driver.Locator) (driver.Locator, bool) {
	for _, c := range cands {
		if f.facade.IsVisible(ctx, c) {
			return c, true
		}
	}
	return driver.Locator{}, false
}

// submit clicks the first visible submit candidate, falling back to Enter in
// field when there is none or the click fails.
func (f *Flow) submit(ctx context.Context, cands []driver.Locator, field driver.Locator) error {
	loc, err := f.locate(ctx, "submit", cands, f.opts.ProbeTimeout, false)
	if err == nil {
		if _, err = f.facade.Click(ctx, loc); err == nil {
			return nil
		}
		f.logger.Warn("Submit click failed, pressing Enter instead.", zap.Error(err))
	} else {
		f.logger.Debug("No submit control, pressing Enter.", zap.Stringer("field", field))
	}

	el, err := f.poller.Element(ctx, field, wait.Visible, f.opts.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("submit from %s: %w", field, err)
	}
	defer func() { _ = f.drv.Release(context.WithoutCancel(ctx), el) }()
	if err := f.drv.Focus(ctx, el); err != nil {
		return fmt.Errorf("submit from %s: %w", field, err)
	}
	if err := f.drv.PressKey(ctx, "Enter"); err != nil {
		return fmt.Errorf("submit from %s: %w", field, err)
	}
	return nil
}

// awaitTransition waits for the registrable domain to change from from. The
// secret field showing up on the same domain also ends the wait.
func (f *Flow) awaitTransition(ctx context.Context, from string) error {
	var to string
	secretShown := false
	err := f.poller.Until(ctx, f.opts.TransitionTimeout, "domain transition", driver.Locator{Name: "domain"}, func(ctx context.Context) (bool, error) {
		u, err := f.drv.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		to = registrableDomain(u)
		if from != "" && to != "" && to != from {
			return true, nil
		}
		if !f.opts.RequireDomainTransition {
			_, secretShown = f.firstVisible(ctx, f.locators.Secret)
			return secretShown, nil
		}
		return false, nil
	})
	switch {
	case err == nil && secretShown:
		f.logger.Debug("Secret requested without a domain transition.", zap.String("domain", from))
		return nil
	case err == nil:
		f.logger.Info("Domain transition.", zap.String("from", from), zap.String("to", to))
		return nil
	case !errors.Is(err, driver.ErrTimeout):
		return err
	case f.opts.RequireDomainTransition:
		return fmt.Errorf("no domain transition away from %s: %w", from, err)
	}
	f.recorder.RecordWarning(fmt.Sprintf("No domain transition away from %s after the identity step; continuing.", from))
	return nil
}

// awaitSecretAccepted waits for the secret field to go away and reports
// whether the provider window closed itself.
func (f *Flow) awaitSecretAccepted(ctx context.Context, secret driver.Locator, popup string) (bool, error) {
	closed := false
	err := f.poller.Until(ctx, f.opts.FieldTimeout, "secret accepted", secret, func(ctx context.Context) (bool, error) {
		if popup != "" {
			if hs, err := f.drv.WindowHandles(ctx); err == nil && !slices.Contains(hs, popup) {
				closed = true
				return true, nil
			}
		}
		return !f.facade.IsVisible(ctx, secret), nil
	})
	if err != nil {
		return false, fmt.Errorf("the secret was not accepted: %w", err)
	}
	return closed, nil
}

func (f *Flow) answerStaySignedIn(ctx context.Context) {
	cands := f.locators.StaySignedInNo
	if f.opts.StaySignedIn {
		cands = f.locators.StaySignedInYes
	}
	loc, err := f.locate(ctx, "stay signed in", cands, f.opts.ProbeTimeout, false)
	if err != nil {
		f.logger.Debug("No stay signed in prompt.")
		return
	}
	if _, err := f.facade.Click(ctx, loc); err != nil {
		f.logger.Warn("Could not answer the stay signed in prompt.", zap.Error(err))
	}
}

func (f *Flow) awaitPostLogin(ctx context.Context) error {
	if len(f.locators.PostLogin) == 0 {
		return nil
	}
	_, err := f.locate(ctx, "post login", f.locators.PostLogin, f.opts.FieldTimeout, false)
	return err
}

// registrableDomain returns the eTLD+1 of raw's host, or the bare host for
// IP addresses and single label names.
func registrableDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

func sameSite(a, b string) bool {
	da := registrableDomain(a)
	return da != "" && da == registrableDomain(b)
}
