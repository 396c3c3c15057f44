// Package config loads the service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Tuner     TunerConfig     `mapstructure:"tuner"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Score     ScoreConfig     `mapstructure:"score"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
}

// ServerConfig configures the HTTP/WebSocket API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig configures the sqlite store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// TunerConfig holds the per-pass pipeline parameters.
type TunerConfig struct {
	InitialCandidates int    `mapstructure:"initial_candidates"`
	EvalMaxCandidates int    `mapstructure:"eval_max_candidates"`
	DefaultSeed       int64  `mapstructure:"default_seed"`
	DefaultPeriodDays int    `mapstructure:"default_period_days"`
	ModelVersion      string `mapstructure:"model_version"`

	// Improvement thresholds: the winner must beat the baseline by the
	// larger of the absolute and relative margins before it is applied.
	MinAbsImprove float64 `mapstructure:"min_abs_improve"`
	MinRelImprove float64 `mapstructure:"min_rel_improve"`

	// Escape hatch for hopeless baselines: when the baseline score is at or
	// below this level, any improvement above the small delta is accepted.
	BaselineTooBadScore    float64 `mapstructure:"baseline_too_bad_score"`
	BaselineTooBadMinDelta float64 `mapstructure:"baseline_too_bad_min_delta"`

	// OverrideTTL bounds how long an applied patch stays active; zero means
	// no expiry.
	OverrideTTL time.Duration `mapstructure:"override_ttl"`
}

// GuardConfig holds the safety limits.
type GuardConfig struct {
	MaxDeltaPct     float64       `mapstructure:"max_delta_pct"`
	RequireTpGteSl  bool          `mapstructure:"require_tp_gte_sl"`
	MinHoursBetween time.Duration `mapstructure:"min_hours_between"`
}

// SchedulerConfig holds the recurring-job parameters.
type SchedulerConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Period       time.Duration `mapstructure:"period"`
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
}

// ScoreConfig holds the default score-policy weights. All weights are
// non-negative; drawdown is subtracted by the policy itself.
type ScoreConfig struct {
	ProfitWeight   float64 `mapstructure:"profit_weight"`
	DrawdownWeight float64 `mapstructure:"drawdown_weight"`
	TradesWeight   float64 `mapstructure:"trades_weight"`
	MinTrades      int     `mapstructure:"min_trades"`
	ThinPenalty    float64 `mapstructure:"thin_penalty"`
}

// EvaluatorConfig configures the backtest runner.
type EvaluatorConfig struct {
	Mode    string        `mapstructure:"mode"` // stub | sidecar
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// Load reads configuration from the given file (optional) with TUNER_*
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TUNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration, used by tests and by Load when
// no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("store.path", "./data/tuner.db")

	v.SetDefault("tuner.initial_candidates", 30)
	v.SetDefault("tuner.eval_max_candidates", 10)
	v.SetDefault("tuner.default_seed", 42)
	v.SetDefault("tuner.default_period_days", 14)
	v.SetDefault("tuner.model_version", "autotune-v1")
	v.SetDefault("tuner.min_abs_improve", 0.02)
	v.SetDefault("tuner.min_rel_improve", 0.03)
	v.SetDefault("tuner.baseline_too_bad_score", -1.0)
	v.SetDefault("tuner.baseline_too_bad_min_delta", 0.01)
	v.SetDefault("tuner.override_ttl", time.Duration(0))

	v.SetDefault("guard.max_delta_pct", 0.25)
	v.SetDefault("guard.require_tp_gte_sl", true)
	v.SetDefault("guard.min_hours_between", 6*time.Hour)

	v.SetDefault("scheduler.initial_delay", 30*time.Minute)
	v.SetDefault("scheduler.period", 6*time.Hour)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_size", 256)
	v.SetDefault("scheduler.task_timeout", 5*time.Minute)

	v.SetDefault("score.profit_weight", 1.0)
	v.SetDefault("score.drawdown_weight", 0.6)
	v.SetDefault("score.trades_weight", 0.2)
	v.SetDefault("score.min_trades", 10)
	v.SetDefault("score.thin_penalty", 5.0)

	v.SetDefault("evaluator.mode", "stub")
	v.SetDefault("evaluator.base_url", "http://localhost:8099")
	v.SetDefault("evaluator.timeout", 60*time.Second)
	v.SetDefault("evaluator.retries", 1)
}

func (c *Config) validate() error {
	if c.Tuner.InitialCandidates <= 0 {
		return fmt.Errorf("tuner.initial_candidates must be positive")
	}
	if c.Tuner.EvalMaxCandidates <= 0 {
		return fmt.Errorf("tuner.eval_max_candidates must be positive")
	}
	if c.Guard.MaxDeltaPct < 0 {
		return fmt.Errorf("guard.max_delta_pct must be non-negative")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Score.ProfitWeight < 0 || c.Score.DrawdownWeight < 0 || c.Score.TradesWeight < 0 {
		return fmt.Errorf("score weights must be non-negative")
	}
	switch c.Evaluator.Mode {
	case "stub", "sidecar":
	default:
		return fmt.Errorf("evaluator.mode must be stub or sidecar, got %q", c.Evaluator.Mode)
	}
	return nil
}
