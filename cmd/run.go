package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/auth"
	"github.com/xkilldash9x/stagehand/internal/browser/action"
	"github.com/xkilldash9x/stagehand/internal/browser/cdp"
	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/modal"
	"github.com/xkilldash9x/stagehand/internal/browser/scope"
	"github.com/xkilldash9x/stagehand/internal/browser/strategy"
	"github.com/xkilldash9x/stagehand/internal/browser/wait"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/dataset"
	"github.com/xkilldash9x/stagehand/internal/observability"
	"github.com/xkilldash9x/stagehand/internal/runner"
	"github.com/xkilldash9x/stagehand/internal/store"
)

const persistTimeout = 30 * time.Second

// browser is a driver that owns a browser process.
type browser interface {
	driver.Driver
	Close()
}

// Replaced in tests.
var (
	launchBrowser = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser, error) {
		d, err := cdp.Launch(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	newClock = wait.RealClock
)

type runOptions struct {
	ContinueOnFailure bool
	// Credential limits the run to the credential rows with this name.
	Credential string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the steps of a workbook in a browser",
		Long: `Launches the configured browser, opens target.url and runs every row of the
steps sheet once per credential row, signing in where the steps ask for it.
A JSON report is written to report.path and, when store.dsn is set, every
outcome is also stored in PostgreSQL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			return execute(cmd.Context(), cfg, opts, cmd.OutOrStdout(), observability.GetLogger())
		},
	}
	f := cmd.Flags()
	f.StringP("url", "u", "", "URL of the application under test")
	f.StringP("data", "d", "", "path to the workbook (.xlsx)")
	f.StringP("report", "r", "", "path of the JSON report")
	f.String("screenshot-dir", "", "directory for failure screenshots")
	f.String("browser", "", "browser to launch (chrome, chromium, edge)")
	f.Bool("headless", true, "run the browser without a window")
	f.String("auth-type", "", "sign-in flow (none, direct, federated, auto)")
	f.BoolVar(&opts.ContinueOnFailure, "continue-on-failure", false, "keep running steps after one fails")
	f.StringVar(&opts.Credential, "credential", "", "only run with the named credential row")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a workbook without launching a browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			wb, err := dataset.Load(cfg.Data)
			if err != nil {
				return err
			}
			if err := runner.Validate(wb.Steps); err != nil {
				return fmt.Errorf("invalid steps in %s: %w", cfg.Data.Path, err)
			}
			for _, c := range wb.Credentials {
				if err := c.AuthConfig(cfg.Auth).Validate(); err != nil {
					return fmt.Errorf("credential %s: %w", c.Name(), err)
				}
			}
			cmd.Printf("%s: %d steps, %d credentials\n", cfg.Data.Path, len(wb.Steps), len(wb.Credentials))
			return nil
		},
	}
}

// session wires the engine over one driver.
type session struct {
	cfg      *config.Config
	drv      driver.Driver
	poller   *wait.Poller
	tracker  *scope.Tracker
	facade   *action.Facade
	detector *modal.Detector
	logger   *zap.Logger
}

func newSession(drv driver.Driver, clock wait.Clock, cfg *config.Config, rec observability.Recorder, logger *zap.Logger) *session {
	t := cfg.Timing
	poller := wait.NewPoller(drv, clock, t.PollInterval, logger)
	exec := strategy.NewExecutor(drv, poller, strategy.Options{
		ReadyTimeout:    t.DefaultTimeout,
		StrategyTimeout: t.StrategyTimeout,
		CharDelay:       t.CharDelay,
	}, logger)
	tracker := scope.NewTracker(drv, poller, rec, scope.Options{FrameTimeout: t.DefaultTimeout}, logger)
	facade := action.New(drv, poller, exec, tracker, rec, action.Options{
		ReadyTimeout:    t.DefaultTimeout,
		StrategyTimeout: t.StrategyTimeout,
		PageLoadTimeout: t.PageLoadTimeout,
		Relocate:        true,
	}, logger)
	return &session{
		cfg:      cfg,
		drv:      drv,
		poller:   poller,
		tracker:  tracker,
		facade:   facade,
		detector: modal.NewDetector(drv, poller, logger),
		logger:   logger,
	}
}

// login returns the sign-in step for a, or nil when a signs in with nothing.
func (s *session) login(a config.AuthConfig) runner.LoginFunc {
	if a.Type == "" || a.Type == config.AuthNone {
		return nil
	}
	flow := auth.NewFlow(s.drv, s.poller, s.facade, s.tracker, s.detector,
		auth.DefaultLocators().WithOverrides(a.Selectors), auth.OptionsFrom(a, s.cfg.Timing), s.logger)
	creds := auth.CredentialsFrom(a)
	return func(ctx context.Context) error {
		return flow.Login(ctx, creds)
	}
}

// pass is one execution of the steps with one set of credentials.
type pass struct {
	name string
	auth config.AuthConfig
}

func plan(base config.AuthConfig, creds []dataset.Credential, only string) ([]pass, error) {
	if len(creds) == 0 {
		return []pass{{name: "default", auth: base}}, nil
	}
	var out []pass
	for _, c := range creds {
		if only != "" && c.Name() != only {
			continue
		}
		a := c.AuthConfig(base)
		// A credential row always signs in.
		if a.Type == "" || a.Type == config.AuthNone {
			a.Type = config.AuthAuto
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("credential %s: %w", c.Name(), err)
		}
		out = append(out, pass{name: c.Name(), auth: a})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no credential named %q", only)
	}
	return out, nil
}

// execute loads the workbook and runs it once per credential.
func execute(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer, logger *zap.Logger) (err error) {
	if cfg.Data.Path == "" {
		return fmt.Errorf("no workbook given; set data.path or --data")
	}
	wb, err := dataset.Load(cfg.Data)
	if err != nil {
		return err
	}
	if err := runner.Validate(wb.Steps); err != nil {
		return fmt.Errorf("invalid steps in %s: %w", cfg.Data.Path, err)
	}
	passes, err := plan(cfg.Auth, wb.Credentials, opts.Credential)
	if err != nil {
		return err
	}

	drv, err := launchBrowser(ctx, cfg.Browser, logger)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer drv.Close()

	journal := observability.NewJournal(logger, drv, cfg.Report.ScreenshotDir)
	s := newSession(drv, newClock(), cfg, journal, logger)
	if err := s.tracker.Init(ctx); err != nil {
		return fmt.Errorf("failed to attach to the browser: %w", err)
	}
	logger.Info("Run started.",
		zap.String("run_id", journal.RunID()),
		zap.String("data", cfg.Data.Path),
		zap.Int("steps", len(wb.Steps)),
		zap.Int("passes", len(passes)))

	defer func() {
		err = multierr.Append(err, finish(ctx, cfg, journal, out, logger))
	}()

	hasLoginStep := slices.ContainsFunc(wb.Steps, func(st dataset.Step) bool { return st.Action == runner.ActLogin })
	for i, p := range passes {
		if ctx.Err() != nil {
			return multierr.Append(err, ctx.Err())
		}
		logger.Info("Starting pass.", zap.Int("pass", i+1), zap.String("credential", p.name))
		if perr := s.run(ctx, i, p, wb.Steps, hasLoginStep, opts); perr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", p.name, perr))
			if !opts.ContinueOnFailure {
				return err
			}
		}
	}
	return err
}

func (s *session) run(ctx context.Context, i int, p pass, steps []dataset.Step, hasLoginStep bool, opts runOptions) error {
	if i > 0 {
		if err := s.tracker.RestoreOrigin(ctx); err != nil {
			return err
		}
	}
	if s.cfg.Target.URL != "" {
		if err := s.facade.Navigate(ctx, s.cfg.Target.URL); err != nil {
			return err
		}
	}
	login := s.login(p.auth)
	if login != nil && !hasLoginStep {
		if err := login(ctx); err != nil {
			return err
		}
	}
	r := runner.New(s.drv, s.facade, s.tracker, s.detector, runner.Options{
		BaseURL:           s.cfg.Target.URL,
		WaitTimeout:       s.cfg.Timing.DefaultTimeout,
		NewWindowTimeout:  s.cfg.Timing.NewWindowTimeout,
		ContinueOnFailure: opts.ContinueOnFailure,
	}, s.logger)
	return r.Run(ctx, steps, login)
}

// finish writes the report, persists outcomes when a store is configured and
// prints the summary. It runs even when the run was cancelled.
func finish(ctx context.Context, cfg *config.Config, journal *observability.Journal, out io.Writer, logger *zap.Logger) error {
	var errs error
	if cfg.Report.Path != "" {
		errs = multierr.Append(errs, journal.WriteReport(cfg.Report.Path))
	}
	if cfg.Store.DSN != "" {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		errs = multierr.Append(errs, persist(pctx, cfg.Store.DSN, journal, logger))
	}
	sum := journal.Summary()
	fmt.Fprintf(out, "Run %s: %d passed, %d failed, %d warnings\n", journal.RunID(), sum.Passed, sum.Failed, sum.Warnings)
	return errs
}

func persist(ctx context.Context, dsn string, journal *observability.Journal, logger *zap.Logger) error {
	st, pool, err := store.Connect(ctx, dsn, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	return journal.Flush(ctx, st)
}
