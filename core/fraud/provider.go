package fraud

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/crossmesh/bridgecore/core/types"
)

// StaticProvider returns a fixed assessment after an optional delay. It
// stands in for an external risk model in tests and local wiring; it is
// deliberately not a scoring algorithm of its own.
type StaticProvider struct {
	ProviderName string
	Assessment   types.RiskAssessment
	Delay        time.Duration
	Err          error
}

var _ types.RiskProvider = (*StaticProvider)(nil)

// Name implements types.RiskProvider.
func (p *StaticProvider) Name() string {
	if p.ProviderName == "" {
		return "static"
	}
	return p.ProviderName
}

// Analyze returns the fixed assessment, honoring the context deadline
// across the configured delay.
func (p *StaticProvider) Analyze(ctx context.Context, _ string, _ types.RiskContext) (*types.RiskAssessment, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, errors.Wrap(types.ErrTimeout, ctx.Err().Error())
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	out := p.Assessment
	return &out, nil
}
