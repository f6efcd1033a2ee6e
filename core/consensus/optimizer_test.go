package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossmesh/bridgecore/core/notify"
	"github.com/crossmesh/bridgecore/core/types"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) Now() time.Time { return c.at }
func (c *fakeClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestOptimizer(t *testing.T, clock *fakeClock, notifier notify.Notifier) *Optimizer {
	t.Helper()
	o, err := NewOptimizer(NewOptimizerOptions{
		Cooldown:   5 * time.Minute,
		WindowSize: 64,
		Notifier:   notifier,
		Now:        clock.Now,
	})
	require.NoError(t, err)
	return o
}

func TestRecomputeBands(t *testing.T) {
	ctx := context.Background()

	t.Run("Clean window keeps the low-risk band", func(t *testing.T) {
		clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
		o := newTestOptimizer(t, clock, nil)
		for i := 0; i < 20; i++ {
			o.Observe(false)
		}

		params := o.Recompute(ctx)
		assert.Equal(t, types.RiskLow, params.Band)
		assert.Equal(t, 67, params.RequiredAgreementPercent)
		assert.Equal(t, 5, params.RecommendedValidatorCount)
		assert.Equal(t, int64(12_000), params.TargetFinalityMs)
		assert.False(t, params.ShouldAdjust, "threshold did not move off the seed")
		assert.InDelta(t, 0, params.ObservedFraudRisk, 0.001)
	})

	t.Run("Quarter-flagged window moves to moderate", func(t *testing.T) {
		clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
		o := newTestOptimizer(t, clock, nil)
		for i := 0; i < 20; i++ {
			o.Observe(i%4 == 0)
		}

		params := o.Recompute(ctx)
		assert.Equal(t, types.RiskModerate, params.Band)
		assert.Equal(t, 75, params.RequiredAgreementPercent)
		assert.Equal(t, 7, params.RecommendedValidatorCount)
		assert.Equal(t, int64(30_000), params.TargetFinalityMs)
		assert.True(t, params.ShouldAdjust)
	})

	t.Run("Majority-flagged window moves to high", func(t *testing.T) {
		clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
		o := newTestOptimizer(t, clock, nil)
		for i := 0; i < 20; i++ {
			o.Observe(i%2 == 0 || i%3 == 0)
		}

		params := o.Recompute(ctx)
		assert.Equal(t, types.RiskHigh, params.Band)
		assert.Equal(t, 85, params.RequiredAgreementPercent)
		assert.Equal(t, 9, params.RecommendedValidatorCount)
		assert.Equal(t, int64(60_000), params.TargetFinalityMs)
	})

	t.Run("Empty window reads as zero risk", func(t *testing.T) {
		clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
		o := newTestOptimizer(t, clock, nil)

		params := o.Recompute(ctx)
		assert.Equal(t, types.RiskLow, params.Band)
		assert.InDelta(t, 0, params.ObservedFraudRisk, 0.001)
	})
}

func TestRecomputeCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	o := newTestOptimizer(t, clock, nil)

	first := o.Recompute(ctx)
	assert.Equal(t, types.RiskLow, first.Band)

	// The window turns hostile inside the cooldown; parameters must not move.
	for i := 0; i < 64; i++ {
		o.Observe(true)
	}
	clock.Advance(time.Minute)
	cached := o.Recompute(ctx)
	assert.Equal(t, first, cached, "recompute inside the cooldown returns cached parameters")
	assert.Equal(t, types.RiskLow, o.Current().Band)

	clock.Advance(5 * time.Minute)
	updated := o.Recompute(ctx)
	assert.Equal(t, types.RiskHigh, updated.Band)
	assert.Equal(t, 85, updated.RequiredAgreementPercent)
	assert.True(t, updated.ShouldAdjust)
}

func TestRecomputeNotification(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	bus := notify.NewBus()
	events := bus.Subscribe(8)
	o := newTestOptimizer(t, clock, bus)

	// Same band as the seed: no event.
	o.Recompute(ctx)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %q for an unchanged threshold", ev.Type)
	default:
	}

	for i := 0; i < 64; i++ {
		o.Observe(true)
	}
	clock.Advance(6 * time.Minute)
	o.Recompute(ctx)

	select {
	case ev := <-events:
		assert.Equal(t, notify.EventConsensusAdjusted, ev.Type)
		assert.Equal(t, 85, ev.Threshold)
		assert.InDelta(t, 1.0, ev.Risk, 0.001)
	default:
		t.Fatal("expected a consensus adjustment event")
	}
}

func TestWindowEviction(t *testing.T) {
	w := newWindow(4)
	for i := 0; i < 4; i++ {
		w.push(true)
	}
	assert.InDelta(t, 1.0, w.flaggedShare(), 0.001)

	// Four clean pushes evict the flagged slots.
	for i := 0; i < 4; i++ {
		w.push(false)
	}
	assert.InDelta(t, 0, w.flaggedShare(), 0.001)
}
