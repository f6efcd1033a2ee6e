// Package profiles owns the actor profile collection. All mutation funnels
// through the Store; profiles accumulate monotonically and are never rolled
// back.
package profiles

import (
	"context"
	"sync"
	"time"

	"github.com/golang-sql/civil"
	"github.com/pkg/errors"

	"github.com/crossmesh/bridgecore/core/types"
)

type record struct {
	profile types.ActorProfile

	// Running sums for the historical fallback average.
	fraudScoreSum float64
	trustScoreSum float64
	scoredActions int64

	// Actions per day, keyed by UTC civil date. Feeds activity queries
	// without retaining every action.
	daily map[civil.Date]int64
}

// Store is the in-memory actor profile store.
type Store struct {
	mu                  sync.RWMutex
	actors              map[string]*record
	suspiciousThreshold int64
	now                 func() time.Time
}

var _ types.IProfileStore = (*Store)(nil)

// NewStoreOptions contains options for creating a Store.
type NewStoreOptions struct {
	// SuspiciousThreshold flags an actor once suspicious actions exceed it.
	SuspiciousThreshold int64
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewStore creates an empty profile store.
func NewStore(options NewStoreOptions) (*Store, error) {
	if options.SuspiciousThreshold <= 0 {
		return nil, errors.New("suspicious threshold must be positive")
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		actors:              make(map[string]*record),
		suspiciousThreshold: options.SuspiciousThreshold,
		now:                 now,
	}, nil
}

// GetProfile returns a copy of the actor's profile.
func (s *Store) GetProfile(_ context.Context, actor string) (*types.ActorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.actors[actor]
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "actor %s", actor)
	}
	p := rec.profile
	return &p, nil
}

// FlagActor issues a manual flag with an explanatory reason. Manual flags
// do not require the suspicious threshold.
func (s *Store) FlagActor(_ context.Context, actor string, reason types.FlagReason) error {
	if reason == types.FlagNone {
		return errors.New("flag reason is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(actor)
	rec.profile.Flagged = true
	rec.profile.FlagReason = reason
	return nil
}

// RecordAnalysis folds one fraud analysis into the actor's profile. The
// total-action counter always advances; the suspicious counter and the
// last-action time advance only for suspicious actions. Crossing the
// threshold sets the flag with the supplied reason.
func (s *Store) RecordAnalysis(_ context.Context, actor string, analysis *types.FraudAnalysis, suspicious bool, reason types.FlagReason) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensure(actor)
	rec.profile.TotalActions++
	rec.daily[civil.DateOf(now.UTC())]++

	if analysis.Providers > 0 {
		// Fallback analyses are excluded from the rolling average so a
		// provider outage cannot skew future fallbacks.
		rec.fraudScoreSum += analysis.FraudScore
		rec.trustScoreSum += analysis.TrustScore
		rec.scoredActions++
	}

	if suspicious {
		rec.profile.SuspiciousActions++
		rec.profile.LastActionAt = now
		if rec.profile.SuspiciousActions > s.suspiciousThreshold && !rec.profile.Flagged {
			rec.profile.Flagged = true
			if reason == types.FlagNone {
				reason = types.FlagFraudScore
			}
			rec.profile.FlagReason = reason
		}
	}
}

// HistoricalAverage returns the actor's rolling mean fraud and trust
// scores. ok is false when the actor has no scored history.
func (s *Store) HistoricalAverage(actor string) (fraud, trust float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, found := s.actors[actor]
	if !found || rec.scoredActions == 0 {
		return 0, 0, false
	}
	n := float64(rec.scoredActions)
	return rec.fraudScoreSum / n, rec.trustScoreSum / n, true
}

// ActionsOn returns how many actions the actor performed on a given day.
func (s *Store) ActionsOn(actor string, day civil.Date) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.actors[actor]
	if !ok {
		return 0
	}
	return rec.daily[day]
}

func (s *Store) ensure(actor string) *record {
	rec, ok := s.actors[actor]
	if !ok {
		rec = &record{
			profile: types.ActorProfile{Actor: actor},
			daily:   make(map[civil.Date]int64),
		}
		s.actors[actor] = rec
	}
	return rec
}
