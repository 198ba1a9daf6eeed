package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for rewardd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Database      string           `yaml:"database"`
	Program       ProgramConfig    `yaml:"program"`
	Formula       FormulaConfig    `yaml:"formula"`
	Tokens        []TokenSeed      `yaml:"tokens"`
	Validator     ValidatorConfig  `yaml:"validator"`
	MarketData    MarketDataConfig `yaml:"market_data"`
	Schedule      ScheduleConfig   `yaml:"schedule"`
	Auth          AuthConfig       `yaml:"auth"`
	Treasury      TreasuryConfig   `yaml:"treasury"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
}

// ProgramConfig seeds the emission program.
type ProgramConfig struct {
	TotalAllocation string `yaml:"total_allocation"`
	DurationDays    uint32 `yaml:"duration_days"`
	Start           string `yaml:"start"`
	TreasuryAddress string `yaml:"treasury_address"`
	Active          bool   `yaml:"active"`
}

// FormulaConfig seeds the reward formula parameters.
type FormulaConfig struct {
	TimeBoostBps      uint32 `yaml:"time_boost_bps"`
	FullRangeBonusBps uint32 `yaml:"full_range_bonus_bps"`
	MinPositionUSD    string `yaml:"min_position_usd"`
	LockPeriodDays    uint32 `yaml:"lock_period_days"`
}

// TokenSeed registers a token at startup.
type TokenSeed struct {
	Symbol  string `yaml:"symbol"`
	Address string `yaml:"address"`
	Primary bool   `yaml:"primary"`
	Active  bool   `yaml:"active"`
}

// ValidatorConfig tunes position eligibility checks.
type ValidatorConfig struct {
	RewardToken     string `yaml:"reward_token"`
	FullRangeLower  string `yaml:"full_range_lower"`
	FullRangeUpper  string `yaml:"full_range_upper"`
	FullRangeTolBps uint32 `yaml:"full_range_tol_bps"`
	RatioTolBps     uint32 `yaml:"ratio_tol_bps"`
}

// MarketDataConfig tunes the polling loop and historical lookups.
type MarketDataConfig struct {
	Interval       Duration `yaml:"interval"`
	MaxAge         Duration `yaml:"max_age"`
	HistoryRetries int      `yaml:"history_retries"`
	HistoryBackoff Duration `yaml:"history_backoff"`
	Sources        []Source `yaml:"sources"`
}

// Source describes an upstream market data feed.
type Source struct {
	Name     string   `yaml:"name"`
	Endpoint string   `yaml:"endpoint"`
	APIKey   string   `yaml:"api_key"`
	Pools    []string `yaml:"pools"`
}

// ScheduleConfig pins the daily accounting run.
type ScheduleConfig struct {
	RunHour   int `yaml:"run_hour"`
	RunMinute int `yaml:"run_minute"`
}

// AuthConfig configures inbound JWT verification and custodian role grants.
type AuthConfig struct {
	Issuer         string   `yaml:"issuer"`
	Audience       []string `yaml:"audience"`
	HSSecretEnv    string   `yaml:"hs_secret_env"`
	MaxSkewSeconds int      `yaml:"max_skew_seconds"`
	Operators      []string `yaml:"operators"`
	Admins         []string `yaml:"admins"`
	Owner          string   `yaml:"owner"`
}

// TreasuryConfig points at the settlement endpoint used for fund transfers.
type TreasuryConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	BearerToken string   `yaml:"bearer_token"`
	Timeout     Duration `yaml:"timeout"`
}

// RateLimitConfig throttles inbound API traffic.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7091"
	}
	if cfg.Database == "" {
		cfg.Database = "/var/data/rewardd.sqlite"
	}
	if cfg.Formula.LockPeriodDays == 0 {
		cfg.Formula.LockPeriodDays = 7
	}
	if cfg.MarketData.Interval.Duration == 0 {
		cfg.MarketData.Interval.Duration = 30 * time.Second
	}
	if cfg.MarketData.MaxAge.Duration == 0 {
		cfg.MarketData.MaxAge.Duration = 5 * time.Minute
	}
	if cfg.MarketData.HistoryRetries <= 0 {
		cfg.MarketData.HistoryRetries = 3
	}
	if cfg.MarketData.HistoryBackoff.Duration == 0 {
		cfg.MarketData.HistoryBackoff.Duration = 2 * time.Second
	}
	if cfg.Treasury.Timeout.Duration == 0 {
		cfg.Treasury.Timeout.Duration = 10 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 25
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.Auth.MaxSkewSeconds <= 0 {
		cfg.Auth.MaxSkewSeconds = 30
	}
	if cfg.Auth.HSSecretEnv == "" {
		cfg.Auth.HSSecretEnv = "REWARDD_JWT_SECRET"
	}
}

func validate(cfg Config) error {
	if _, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Program.TotalAllocation), 10); !ok {
		return fmt.Errorf("program total_allocation must be a base-10 integer")
	}
	if cfg.Program.DurationDays == 0 {
		return fmt.Errorf("program duration_days must be positive")
	}
	if cfg.Program.Active && strings.TrimSpace(cfg.Program.TreasuryAddress) == "" {
		return fmt.Errorf("treasury_address required when program is active")
	}
	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("at least one token must be configured")
	}
	actives := 0
	for _, token := range cfg.Tokens {
		if strings.TrimSpace(token.Symbol) == "" {
			return fmt.Errorf("token symbol must not be empty")
		}
		if token.Active {
			actives++
		}
	}
	if actives != 1 {
		return fmt.Errorf("exactly one token must be active, found %d", actives)
	}
	if strings.TrimSpace(cfg.Validator.RewardToken) == "" {
		return fmt.Errorf("validator reward_token must be configured")
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		return fmt.Errorf("auth issuer must be configured")
	}
	if len(cfg.Auth.Audience) == 0 {
		return fmt.Errorf("auth audience must be configured")
	}
	if strings.TrimSpace(cfg.Auth.Owner) == "" {
		return fmt.Errorf("auth owner must be configured")
	}
	if cfg.Schedule.RunHour < 0 || cfg.Schedule.RunHour > 23 {
		return fmt.Errorf("schedule run_hour out of range")
	}
	if cfg.Schedule.RunMinute < 0 || cfg.Schedule.RunMinute > 59 {
		return fmt.Errorf("schedule run_minute out of range")
	}
	return nil
}

// TotalAllocation parses the configured allocation. Validation guarantees the
// string is well formed.
func (p ProgramConfig) TotalAllocationInt() *big.Int {
	v, _ := new(big.Int).SetString(strings.TrimSpace(p.TotalAllocation), 10)
	return v
}

// ProgramStart parses the configured start instant, accepting RFC 3339 or a
// bare date.
func (p ProgramConfig) StartTime() (time.Time, error) {
	raw := strings.TrimSpace(p.Start)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse program start %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

// MinPositionUSD parses the configured minimum position value.
func (f FormulaConfig) MinPositionUSDRat() (*big.Rat, error) {
	raw := strings.TrimSpace(f.MinPositionUSD)
	if raw == "" {
		return new(big.Rat), nil
	}
	v, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("parse min_position_usd %q", raw)
	}
	return v, nil
}
