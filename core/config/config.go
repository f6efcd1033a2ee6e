// Package config loads the bridge decision layer's tunables from the
// environment. The core components take plain values; nothing here is
// consulted after wiring.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/apd/v3"
	"github.com/pkg/errors"
)

// Config is the externally loaded configuration surface.
type Config struct {
	// Transfer amount bounds, NUMERIC(78,0)-class decimal strings.
	MinAmount string `env:"BRIDGE_MIN_AMOUNT" envDefault:"1"`
	MaxAmount string `env:"BRIDGE_MAX_AMOUNT" envDefault:"1000000000"`

	// MinValidatorStake gates registration and continued activity.
	MinValidatorStake string `env:"BRIDGE_MIN_VALIDATOR_STAKE" envDefault:"10000"`

	// RequestTimeout is how long a request may sit before the sweep
	// cancels it.
	RequestTimeout time.Duration `env:"BRIDGE_REQUEST_TIMEOUT" envDefault:"30m"`

	// ProviderTimeout bounds every external risk provider call.
	ProviderTimeout time.Duration `env:"BRIDGE_PROVIDER_TIMEOUT" envDefault:"2s"`

	// ProviderWeights orders the combination weights for configured risk
	// providers; they must sum to 1.
	ProviderWeights []float64 `env:"BRIDGE_PROVIDER_WEIGHTS" envDefault:"0.6,0.4"`

	// SuspiciousCutoff is the fraud score above which an action counts as
	// suspicious.
	SuspiciousCutoff float64 `env:"BRIDGE_SUSPICIOUS_CUTOFF" envDefault:"70"`

	// SuspiciousThreshold flags an actor once exceeded.
	SuspiciousThreshold int64 `env:"BRIDGE_SUSPICIOUS_THRESHOLD" envDefault:"5"`

	// MinTrustScore is the trust floor of the is-valid decision rule.
	MinTrustScore float64 `env:"BRIDGE_MIN_TRUST_SCORE" envDefault:"40"`

	// MinConfidence is the baseline confidence the fraud gate requires;
	// the consensus threshold can only raise it.
	MinConfidence float64 `env:"BRIDGE_MIN_CONFIDENCE" envDefault:"60"`

	// RecomputeCooldown spaces consensus parameter recomputes.
	RecomputeCooldown time.Duration `env:"BRIDGE_RECOMPUTE_COOLDOWN" envDefault:"5m"`

	// RiskWindowSize is the rolling evaluation window the optimizer reads.
	RiskWindowSize int `env:"BRIDGE_RISK_WINDOW_SIZE" envDefault:"256"`

	// AnalysisRetention caps retained fraud analyses per actor.
	AnalysisRetention int `env:"BRIDGE_ANALYSIS_RETENTION" envDefault:"500"`

	// Kafka settings for status-change notifications; publishing is
	// disabled when no brokers are configured.
	KafkaBrokers []string `env:"BRIDGE_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"BRIDGE_KAFKA_TOPIC" envDefault:"bridge-status"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and no
// environment consulted. Used by tests and local wiring.
func Default() *Config {
	return &Config{
		MinAmount:           "1",
		MaxAmount:           "1000000000",
		MinValidatorStake:   "10000",
		RequestTimeout:      30 * time.Minute,
		ProviderTimeout:     2 * time.Second,
		ProviderWeights:     []float64{0.6, 0.4},
		SuspiciousCutoff:    70,
		SuspiciousThreshold: 5,
		MinTrustScore:       40,
		MinConfidence:       60,
		RecomputeCooldown:   5 * time.Minute,
		RiskWindowSize:      256,
		AnalysisRetention:   500,
		KafkaTopic:          "bridge-status",
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	min, _, err := apd.NewFromString(c.MinAmount)
	if err != nil {
		return errors.Wrap(err, "invalid min amount")
	}
	max, _, err := apd.NewFromString(c.MaxAmount)
	if err != nil {
		return errors.Wrap(err, "invalid max amount")
	}
	if min.Cmp(max) > 0 {
		return errors.Errorf("min amount %s exceeds max amount %s", c.MinAmount, c.MaxAmount)
	}
	if _, _, err := apd.NewFromString(c.MinValidatorStake); err != nil {
		return errors.Wrap(err, "invalid min validator stake")
	}
	if len(c.ProviderWeights) > 0 {
		var sum float64
		for _, w := range c.ProviderWeights {
			if w < 0 {
				return errors.Errorf("provider weight %f is negative", w)
			}
			sum += w
		}
		if sum < 0.999 || sum > 1.001 {
			return errors.Errorf("provider weights sum to %f, want 1", sum)
		}
	}
	if c.SuspiciousThreshold <= 0 {
		return errors.New("suspicious threshold must be positive")
	}
	if c.RiskWindowSize <= 0 {
		return errors.New("risk window size must be positive")
	}
	if c.RequestTimeout <= 0 || c.ProviderTimeout <= 0 || c.RecomputeCooldown <= 0 {
		return errors.New("timeouts and cooldown must be positive")
	}
	return nil
}
