// Package config loads the moderation bot configuration from a single YAML
// file. The moderation keys sit at the top level of the file and the bot's
// own connection settings live under "bot".
//
// Moderation thresholds are validated at load. Values that cannot be trusted
// never make the bot stricter: an unusable ai_mod_threshold disables AI
// moderation and a negative uncensor_pl falls back to 0.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Score bounds for ai_mod_threshold and classifier verdicts.
const (
	MinScore = 0
	MaxScore = 10
)

// Defaults applied when the file omits a key.
const (
	DefaultThreshold      = 7
	DefaultRequestTimeout = 30 * time.Second
	DefaultRetryWaitMin   = 250 * time.Millisecond
	DefaultRetryWaitMax   = 1 * time.Second
)

var (
	defaultMsgtypes  = []string{"m.text", "m.image"}
	defaultMimetypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}
)

// Config is the full bot configuration.
type Config struct {
	Bot    BotConfig
	Filter FilterConfig

	// Warnings lists the fallbacks applied during validation so the caller
	// can log them.
	Warnings []string
}

// BotConfig holds connection settings for the host and the supporting
// infrastructure. Empty addresses disable the matching component.
type BotConfig struct {
	Homeserver   string        `yaml:"homeserver"`
	UserID       string        `yaml:"user_id"`
	AccessToken  string        `yaml:"access_token"`
	Workers      int           `yaml:"workers"`
	EventTimeout time.Duration `yaml:"event_timeout"`
	RedisAddr    string        `yaml:"redis_addr"`
	NATSURL      string        `yaml:"nats_url"`
	DatabaseURL  string        `yaml:"database_url"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	LogLevel     string        `yaml:"log_level"`
}

// DefaultBotConfig returns sensible defaults.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		Workers:      16,
		EventTimeout: 2 * time.Minute,
		MetricsAddr:  ":9100",
		LogLevel:     "info",
	}
}

// BudgetConfig caps classifier calls per room. A zero Limit disables it.
type BudgetConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// FilterConfig is the validated, read-only moderation policy. A value is
// never mutated after Load; reloads build a new one.
type FilterConfig struct {
	Admins     map[string]struct{}
	UncensorPL int

	ModerateFiles bool

	// AIEnabled is false when the threshold, endpoint or model is unusable.
	AIEnabled      bool
	AIModThreshold float64
	APIKey         string
	APIEndpoint    string
	APIModel       string

	RequestTimeout          time.Duration
	RetryWaitMin            time.Duration
	RetryWaitMax            time.Duration
	TreatRefusalAsViolation bool
	Budget                  BudgetConfig

	EnableMsgtypeFilter bool
	AllowedMsgtypes     map[string]struct{}
	AllowedMimetypes    map[string]struct{}

	EnableJoinNotice bool
	CustomNoticeText string
}

// IsAdmin reports whether userID is on the static admin list.
func (f *FilterConfig) IsAdmin(userID string) bool {
	_, ok := f.Admins[userID]
	return ok
}

// MsgtypeAllowed reports whether msgtype is in allowed_msgtypes.
func (f *FilterConfig) MsgtypeAllowed(msgtype string) bool {
	_, ok := f.AllowedMsgtypes[msgtype]
	return ok
}

// MimetypeAllowed reports whether mimetype is in allowed_mimetypes.
func (f *FilterConfig) MimetypeAllowed(mimetype string) bool {
	_, ok := f.AllowedMimetypes[strings.ToLower(mimetype)]
	return ok
}

// fileConfig mirrors the YAML layout. The two numeric policy values are kept
// as raw nodes so a malformed value degrades to a fallback instead of
// failing the whole load.
type fileConfig struct {
	Bot BotConfig `yaml:"bot"`

	Admins         []string  `yaml:"admins"`
	UncensorPL     yaml.Node `yaml:"uncensor_pl"`
	ModerateFiles  bool      `yaml:"moderate_files"`
	AIModThreshold yaml.Node `yaml:"ai_mod_threshold"`
	APIKey         string    `yaml:"ai_mod_api_key"`
	APIEndpoint    string    `yaml:"ai_mod_api_endpoint"`
	APIModel       string    `yaml:"ai_mod_api_model"`

	RequestTimeout          time.Duration `yaml:"ai_mod_timeout"`
	RetryWaitMin            time.Duration `yaml:"ai_mod_retry_wait_min"`
	RetryWaitMax            time.Duration `yaml:"ai_mod_retry_wait_max"`
	TreatRefusalAsViolation bool          `yaml:"treat_refusal_as_violation"`
	Budget                  BudgetConfig  `yaml:"classifier_budget"`

	EnableMsgtypeFilter bool     `yaml:"enable_msgtype_filter"`
	AllowedMsgtypes     []string `yaml:"allowed_msgtypes"`
	AllowedMimetypes    []string `yaml:"allowed_mimetypes"`

	EnableJoinNotice bool   `yaml:"enable_join_notice"`
	CustomNoticeText string `yaml:"custom_notice_text"`
}

// Load reads and validates the file at path, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	applyEnv(cfg, os.Getenv)
	if err := cfg.validateBot(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes and validates the moderation policy. It
// does not check the bot connection settings; Load does that after
// environment overrides are applied.
func Parse(data []byte) (*Config, error) {
	raw := fileConfig{Bot: DefaultBotConfig()}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg := &Config{Bot: raw.Bot}
	if cfg.Bot.Workers <= 0 {
		cfg.Bot.Workers = DefaultBotConfig().Workers
	}
	if cfg.Bot.EventTimeout <= 0 {
		cfg.Bot.EventTimeout = DefaultBotConfig().EventTimeout
	}

	f := &cfg.Filter
	f.Admins = toSet(raw.Admins, false)
	f.ModerateFiles = raw.ModerateFiles
	f.APIKey = raw.APIKey
	f.APIEndpoint = strings.TrimSpace(raw.APIEndpoint)
	f.APIModel = strings.TrimSpace(raw.APIModel)
	f.TreatRefusalAsViolation = raw.TreatRefusalAsViolation
	f.EnableMsgtypeFilter = raw.EnableMsgtypeFilter
	f.EnableJoinNotice = raw.EnableJoinNotice
	f.CustomNoticeText = raw.CustomNoticeText

	pl, warn := parseUncensorPL(&raw.UncensorPL)
	f.UncensorPL = pl
	cfg.warn(warn)

	threshold, ok, warn := parseThreshold(&raw.AIModThreshold)
	cfg.warn(warn)
	f.AIModThreshold = threshold
	f.AIEnabled = ok
	if f.APIEndpoint == "" || f.APIModel == "" {
		if f.AIEnabled {
			cfg.warn("ai_mod_api_endpoint or ai_mod_api_model is empty; AI moderation disabled")
		}
		f.AIEnabled = false
	}

	f.RequestTimeout = positiveOr(raw.RequestTimeout, DefaultRequestTimeout)
	f.RetryWaitMin = positiveOr(raw.RetryWaitMin, DefaultRetryWaitMin)
	f.RetryWaitMax = positiveOr(raw.RetryWaitMax, DefaultRetryWaitMax)
	if f.RetryWaitMax < f.RetryWaitMin {
		f.RetryWaitMax = f.RetryWaitMin
	}

	f.Budget = raw.Budget
	if f.Budget.Limit < 0 {
		cfg.warn("classifier_budget.limit is negative; budget disabled")
		f.Budget.Limit = 0
	}
	if f.Budget.Limit > 0 && f.Budget.Window <= 0 {
		f.Budget.Window = time.Minute
	}

	if raw.AllowedMsgtypes == nil {
		raw.AllowedMsgtypes = defaultMsgtypes
	}
	if raw.AllowedMimetypes == nil {
		raw.AllowedMimetypes = defaultMimetypes
	}
	f.AllowedMsgtypes = toSet(raw.AllowedMsgtypes, false)
	f.AllowedMimetypes = toSet(raw.AllowedMimetypes, true)

	return cfg, nil
}

func (c *Config) warn(msg string) {
	if msg != "" {
		c.Warnings = append(c.Warnings, msg)
	}
}

// validateBot only rejects settings the bot cannot start without.
func (c *Config) validateBot() error {
	var errs []error
	if c.Bot.Homeserver == "" {
		errs = append(errs, errors.New("bot.homeserver is required"))
	}
	if c.Bot.UserID == "" {
		errs = append(errs, errors.New("bot.user_id is required"))
	}
	return errors.Join(errs...)
}

func parseUncensorPL(node *yaml.Node) (int, string) {
	if node.Kind == 0 || node.ShortTag() == "!!null" {
		return 0, ""
	}
	var pl int
	if err := node.Decode(&pl); err != nil {
		return 0, fmt.Sprintf("uncensor_pl %q is not an integer; using 0", node.Value)
	}
	if pl < 0 {
		return 0, fmt.Sprintf("uncensor_pl %d is negative; using 0", pl)
	}
	return pl, ""
}

// parseThreshold returns the threshold and whether AI moderation may run.
func parseThreshold(node *yaml.Node) (float64, bool, string) {
	if node.Kind == 0 {
		return DefaultThreshold, true, ""
	}
	if node.ShortTag() == "!!null" {
		return MaxScore, false, "ai_mod_threshold is null; AI moderation disabled"
	}
	var t float64
	if err := node.Decode(&t); err != nil {
		return MaxScore, false, fmt.Sprintf("ai_mod_threshold %q is not a number; AI moderation disabled", node.Value)
	}
	if math.IsNaN(t) || t < MinScore || t > MaxScore {
		return MaxScore, false, fmt.Sprintf("ai_mod_threshold %v is outside %d-%d; AI moderation disabled", t, MinScore, MaxScore)
	}
	return t, true, ""
}

func toSet(values []string, lower bool) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		set[v] = struct{}{}
	}
	return set
}

func positiveOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
