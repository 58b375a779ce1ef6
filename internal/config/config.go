package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Auth flow selectors.
const (
	AuthNone      = "none"
	AuthDirect    = "direct"
	AuthFederated = "federated"
	AuthAuto      = "auto"
)

// Browser choices.
const (
	BrowserChrome   = "chrome"
	BrowserChromium = "chromium"
	BrowserEdge     = "edge"
)

// Config is the root configuration. Every field is exported so viper can
// unmarshal flat key-value stores (YAML, TOML, JSON, env).
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Timing  TimingConfig  `mapstructure:"timing" yaml:"timing"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Target  TargetConfig  `mapstructure:"target" yaml:"target"`
	Data    DataConfig    `mapstructure:"data" yaml:"data"`
	Report  ReportConfig  `mapstructure:"report" yaml:"report"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the console colour of each level: red, green, yellow or
// cyan.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// BrowserConfig selects and launches the browser.
type BrowserConfig struct {
	Choice       string   `mapstructure:"choice" yaml:"choice"`
	Headless     bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath     string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args         []string `mapstructure:"args" yaml:"args"`
	WindowWidth  int      `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight int      `mapstructure:"window_height" yaml:"window_height"`
	UserAgent    string   `mapstructure:"user_agent" yaml:"user_agent"`
	Debug        bool     `mapstructure:"debug" yaml:"debug"`
}

// TimingConfig holds every timeout the engine uses. Poll interval is a fixed
// constant; timeouts vary by how critical the call site is.
type TimingConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ShortTimeout     time.Duration `mapstructure:"short_timeout" yaml:"short_timeout"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	LongTimeout      time.Duration `mapstructure:"long_timeout" yaml:"long_timeout"`
	StrategyTimeout  time.Duration `mapstructure:"strategy_timeout" yaml:"strategy_timeout"`
	NewWindowTimeout time.Duration `mapstructure:"new_window_timeout" yaml:"new_window_timeout"`
	PageLoadTimeout  time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
	CharDelay        time.Duration `mapstructure:"char_delay" yaml:"char_delay"`
}

// AuthConfig holds credentials and the auth flow choice.
type AuthConfig struct {
	Type     string `mapstructure:"type" yaml:"type"`
	Username string `mapstructure:"username" yaml:"username"`
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"-"`
	// FederatedDomain is the identity provider host, used by auto detection.
	FederatedDomain         string        `mapstructure:"federated_domain" yaml:"federated_domain"`
	StaySignedIn            bool          `mapstructure:"stay_signed_in" yaml:"stay_signed_in"`
	RequireDomainTransition bool          `mapstructure:"require_domain_transition" yaml:"require_domain_transition"`
	Selectors               AuthSelectors `mapstructure:"selectors" yaml:"selectors"`
}

// Identity returns the login name for the configured flow: the email for
// federated logins when set, the username otherwise.
func (a AuthConfig) Identity() string {
	if a.Type == AuthFederated && a.Email != "" {
		return a.Email
	}
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// AuthSelectors overrides the built-in locators of the auth flow. Empty
// entries keep the defaults.
type AuthSelectors struct {
	Username        string `mapstructure:"username" yaml:"username"`
	Password        string `mapstructure:"password" yaml:"password"`
	Submit          string `mapstructure:"submit" yaml:"submit"`
	ProviderEntry   string `mapstructure:"provider_entry" yaml:"provider_entry"`
	Identity        string `mapstructure:"identity" yaml:"identity"`
	IdentityNext    string `mapstructure:"identity_next" yaml:"identity_next"`
	Secret          string `mapstructure:"secret" yaml:"secret"`
	SecretSubmit    string `mapstructure:"secret_submit" yaml:"secret_submit"`
	StaySignedInYes string `mapstructure:"stay_signed_in_yes" yaml:"stay_signed_in_yes"`
	StaySignedInNo  string `mapstructure:"stay_signed_in_no" yaml:"stay_signed_in_no"`
	PostLogin       string `mapstructure:"post_login" yaml:"post_login"`
}

// TargetConfig names the application under test.
type TargetConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// DataConfig points at the spreadsheet that drives a run.
type DataConfig struct {
	Path             string `mapstructure:"path" yaml:"path"`
	CredentialsSheet string `mapstructure:"credentials_sheet" yaml:"credentials_sheet"`
	StepsSheet       string `mapstructure:"steps_sheet" yaml:"steps_sheet"`
}

// ReportConfig controls run output.
type ReportConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	ScreenshotDir string `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// StoreConfig enables persisting outcomes to PostgreSQL when DSN is set.
type StoreConfig struct {
	DSN string `mapstructure:"dsn" yaml:"-"`
}

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "stagehand")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.choice", BrowserChrome)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.debug", false)

	// -- Timing --
	v.SetDefault("timing.poll_interval", "250ms")
	v.SetDefault("timing.short_timeout", "3s")
	v.SetDefault("timing.default_timeout", "15s")
	v.SetDefault("timing.long_timeout", "40s")
	v.SetDefault("timing.strategy_timeout", "5s")
	v.SetDefault("timing.new_window_timeout", "10s")
	v.SetDefault("timing.page_load_timeout", "30s")
	v.SetDefault("timing.char_delay", "50ms")

	// -- Auth --
	v.SetDefault("auth.type", AuthNone)
	v.SetDefault("auth.federated_domain", "login.microsoftonline.com")
	v.SetDefault("auth.stay_signed_in", false)
	v.SetDefault("auth.require_domain_transition", false)

	// -- Data --
	v.SetDefault("data.credentials_sheet", "Credentials")
	v.SetDefault("data.steps_sheet", "Steps")

	// -- Report --
	v.SetDefault("report.path", "stagehand-report.json")
	v.SetDefault("report.screenshot_dir", "screenshots")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are read from the environment rather than committed config files.
	_ = v.BindEnv("auth.password", "STAGEHAND_AUTH_PASSWORD")
	_ = v.BindEnv("store.dsn", "STAGEHAND_STORE_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Auth.Password == "" {
		cfg.Auth.Password = os.Getenv("STAGEHAND_AUTH_PASSWORD")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Browser.Choice) {
	case BrowserChrome, BrowserChromium, BrowserEdge:
	default:
		return fmt.Errorf("browser.choice must be one of chrome, chromium or edge, got %q", c.Browser.Choice)
	}
	if err := c.Timing.Validate(); err != nil {
		return fmt.Errorf("timing configuration invalid: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration invalid: %w", err)
	}
	if c.Target.URL != "" {
		u, err := url.Parse(c.Target.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("target.url must be an absolute URL, got %q", c.Target.URL)
		}
	}
	return nil
}

// Validate checks that every timeout is positive and that polling is finer
// than the shortest wait.
func (t TimingConfig) Validate() error {
	durations := map[string]time.Duration{
		"poll_interval":      t.PollInterval,
		"short_timeout":      t.ShortTimeout,
		"default_timeout":    t.DefaultTimeout,
		"long_timeout":       t.LongTimeout,
		"strategy_timeout":   t.StrategyTimeout,
		"new_window_timeout": t.NewWindowTimeout,
		"page_load_timeout":  t.PageLoadTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("timing.%s must be positive", name)
		}
	}
	if t.CharDelay < 0 {
		return fmt.Errorf("timing.char_delay must not be negative")
	}
	if t.PollInterval >= t.ShortTimeout {
		return fmt.Errorf("timing.poll_interval (%s) must be shorter than timing.short_timeout (%s)", t.PollInterval, t.ShortTimeout)
	}
	return nil
}

// Validate checks the flow type and that the flow has credentials.
func (a AuthConfig) Validate() error {
	switch a.Type {
	case AuthNone, "":
		return nil
	case AuthDirect, AuthFederated, AuthAuto:
	default:
		return fmt.Errorf("auth.type must be one of none, direct, federated or auto, got %q", a.Type)
	}
	if a.Identity() == "" {
		return fmt.Errorf("auth.username or auth.email is required for auth.type %q", a.Type)
	}
	if a.Password == "" {
		return fmt.Errorf("auth.password (or STAGEHAND_AUTH_PASSWORD) is required for auth.type %q", a.Type)
	}
	return nil
}
