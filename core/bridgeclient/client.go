// Package bridgeclient wires the bridge decision layer together and exposes
// its operations to the application layer.
package bridgeclient

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crossmesh/bridgecore/core/config"
	"github.com/crossmesh/bridgecore/core/consensus"
	"github.com/crossmesh/bridgecore/core/custody"
	"github.com/crossmesh/bridgecore/core/fraud"
	"github.com/crossmesh/bridgecore/core/ledger"
	"github.com/crossmesh/bridgecore/core/logging"
	"github.com/crossmesh/bridgecore/core/notify"
	"github.com/crossmesh/bridgecore/core/profiles"
	"github.com/crossmesh/bridgecore/core/registry"
	"github.com/crossmesh/bridgecore/core/types"
)

// Client is the assembled bridge decision layer.
type Client struct {
	Ledger    types.ILedger             `validate:"required"`
	Registry  types.IValidatorRegistry  `validate:"required"`
	Engine    types.IFraudEngine        `validate:"required"`
	Optimizer types.IConsensusOptimizer `validate:"required"`
	Profiles  types.IProfileStore       `validate:"required"`

	cfg       *config.Config
	custody   types.CustodyAdapter
	providers []types.RiskProvider
	extra     notify.Notifier
	bus       *notify.Bus
	logger    *zap.Logger
	now       func() time.Time

	// Emergency pause: an explicit operational mode consulted at the top of
	// every state-mutating operation. Pause/Resume is the only transition
	// path.
	pauseMu     sync.RWMutex
	pauseReason string
}

// Option configures NewClient.
type Option func(*Client)

// WithConfig supplies a configuration instead of loading the environment.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithCustodyAdapter supplies the custody adapter for escrow and stake.
// Defaults to the in-memory reference adapter.
func WithCustodyAdapter(adapter types.CustodyAdapter) Option {
	return func(c *Client) { c.custody = adapter }
}

// WithRiskProviders supplies the ordered risk provider list. Weights come
// from the configuration; with no providers the engine always falls back
// to actor history.
func WithRiskProviders(providers ...types.RiskProvider) Option {
	return func(c *Client) { c.providers = providers }
}

// WithNotifier attaches an additional notifier beside the in-process bus.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Client) { c.extra = n }
}

// WithLogger replaces the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		logging.SetLogger(l)
		c.logger = l
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds and validates the decision layer. Components are
// constructed from the configuration unless replaced by options.
func NewClient(ctx context.Context, options ...Option) (*Client, error) {
	c := &Client{now: time.Now}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = logging.Named("bridge")
	}

	if c.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		c.cfg = cfg
	} else if err := c.cfg.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}

	if c.custody == nil {
		c.custody = custody.NewMemoryAdapter()
	}

	c.bus = notify.NewBus()
	var notifier notify.Notifier = c.bus
	if c.extra != nil {
		notifier = notify.Multi{c.bus, c.extra}
	} else if len(c.cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(c.cfg.KafkaBrokers, c.cfg.KafkaTopic)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		notifier = notify.Multi{c.bus, kp}
	}

	store, err := profiles.NewStore(profiles.NewStoreOptions{
		SuspiciousThreshold: c.cfg.SuspiciousThreshold,
		Now:                 c.now,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.Profiles = store

	reg, err := registry.NewRegistry(registry.NewRegistryOptions{
		MinStake: c.cfg.MinValidatorStake,
		Custody:  c.custody,
		Now:      c.now,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.Registry = reg

	optimizer, err := consensus.NewOptimizer(consensus.NewOptimizerOptions{
		Cooldown:   c.cfg.RecomputeCooldown,
		WindowSize: c.cfg.RiskWindowSize,
		Notifier:   notifier,
		Now:        c.now,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.Optimizer = optimizer

	engine, err := fraud.NewEngine(fraud.NewEngineOptions{
		Providers:        weightedProviders(c.providers, c.cfg.ProviderWeights),
		Timeout:          c.cfg.ProviderTimeout,
		Profiles:         store,
		SuspiciousCutoff: c.cfg.SuspiciousCutoff,
		TrustFloor:       c.cfg.MinTrustScore,
		MinConfidence:    c.cfg.MinConfidence,
		Retention:        c.cfg.AnalysisRetention,
		Now:              c.now,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.Engine = engine

	led, err := ledger.NewLedger(ledger.NewLedgerOptions{
		MinAmount:      c.cfg.MinAmount,
		MaxAmount:      c.cfg.MaxAmount,
		RequestTimeout: c.cfg.RequestTimeout,
		MinConfidence:  c.cfg.MinConfidence,
		Custody:        c.custody,
		Registry:       reg,
		Engine:         engine,
		Optimizer:      optimizer,
		Notifier:       notifier,
		Now:            c.now,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.Ledger = led

	if err := c.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	return c, nil
}

// Validate validates the client wiring.
func (c *Client) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// weightedProviders zips providers with the configured weights, falling
// back to an equal split when the counts disagree.
func weightedProviders(providers []types.RiskProvider, weights []float64) []fraud.ProviderEntry {
	if len(providers) == 0 {
		return nil
	}
	entries := make([]fraud.ProviderEntry, len(providers))
	if len(weights) == len(providers) {
		for i, p := range providers {
			entries[i] = fraud.ProviderEntry{Provider: p, Weight: weights[i]}
		}
		return entries
	}
	equal := 1.0 / float64(len(providers))
	for i, p := range providers {
		entries[i] = fraud.ProviderEntry{Provider: p, Weight: equal}
	}
	return entries
}
