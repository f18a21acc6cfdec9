package sentinel

import (
	"context"
	"errors"
	"sync"
	"time"

	"guardrail/pkg/clock"
	"guardrail/pkg/models"
)

// downAnswer is the sentinel value the uptime signal reports while the
// execution environment is down; anything else means up.
const downAnswer = 1

const maxGracePeriod = 24 * time.Hour

var ErrInvalidGracePeriod = errors.New("grace period must be positive and at most 24h")

// UptimeSource is the external execution-environment signal. startedAt is
// the most recent status-change time.
type UptimeSource interface {
	LatestRound(ctx context.Context) (answer int64, startedAt time.Time, err error)
}

// Sentinel gates liquidation and borrowing on sequencer health. A signal
// read failure is treated as down for both gates: fail-closed, since both
// reads are safety-critical. Liquidation additionally waits out a grace
// period after recovery so positions opened while down can be topped up
// before anyone can liquidate them.
type Sentinel struct {
	source UptimeSource
	clock  clock.Clock

	mu          sync.RWMutex
	gracePeriod time.Duration
	active      bool
}

func New(source UptimeSource, clk clock.Clock, gracePeriod time.Duration) (*Sentinel, error) {
	if gracePeriod <= 0 || gracePeriod > maxGracePeriod {
		return nil, ErrInvalidGracePeriod
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Sentinel{
		source:      source,
		clock:       clk,
		gracePeriod: gracePeriod,
		active:      true,
	}, nil
}

// SetGracePeriod bounds: 0 < period <= 24h.
func (s *Sentinel) SetGracePeriod(period time.Duration) error {
	if period <= 0 || period > maxGracePeriod {
		return ErrInvalidGracePeriod
	}
	s.mu.Lock()
	s.gracePeriod = period
	s.mu.Unlock()
	return nil
}

// SetActive toggles the whole sentinel. Inactive means every gate allows.
func (s *Sentinel) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

func (s *Sentinel) GracePeriod() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gracePeriod
}

// IsLiquidationAllowed is false while down and during the post-recovery
// grace period.
func (s *Sentinel) IsLiquidationAllowed(ctx context.Context) bool {
	s.mu.RLock()
	active, grace := s.active, s.gracePeriod
	s.mu.RUnlock()
	if !active {
		return true
	}
	up, sinceUp, ok := s.read(ctx)
	if !ok || !up {
		return false
	}
	return sinceUp >= grace
}

// IsBorrowingAllowed is false while down; no grace period applies.
func (s *Sentinel) IsBorrowingAllowed(ctx context.Context) bool {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if !active {
		return true
	}
	up, _, ok := s.read(ctx)
	return ok && up
}

// GracePeriodStatus reports whether the post-recovery grace window is
// open and how much of it remains. While down (or unreadable) both are
// zero values.
func (s *Sentinel) GracePeriodStatus(ctx context.Context) (inGrace bool, remaining time.Duration) {
	s.mu.RLock()
	grace := s.gracePeriod
	s.mu.RUnlock()
	up, sinceUp, ok := s.read(ctx)
	if !ok || !up {
		return false, 0
	}
	if sinceUp < grace {
		return true, grace - sinceUp
	}
	return false, 0
}

// Status is the combined derived view. It takes a single signal read so
// every field reflects the same round; composing the per-gate methods
// would read the signal once per field and could straddle a status flip.
func (s *Sentinel) Status(ctx context.Context) models.SequencerStatus {
	s.mu.RLock()
	active, grace := s.active, s.gracePeriod
	s.mu.RUnlock()

	up, sinceUp, ok := s.read(ctx)
	st := models.SequencerStatus{
		Active:      active,
		Up:          ok && up,
		TimeSinceUp: sinceUp,
	}
	if st.Up && sinceUp < grace {
		st.InGracePeriod = true
		st.GraceRemaining = grace - sinceUp
	}
	if !active {
		st.LiquidationAllowed = true
		st.BorrowingAllowed = true
		return st
	}
	st.LiquidationAllowed = st.Up && sinceUp >= grace
	st.BorrowingAllowed = st.Up
	return st
}

func (s *Sentinel) read(ctx context.Context) (up bool, sinceUp time.Duration, ok bool) {
	if s.source == nil {
		return false, 0, false
	}
	answer, startedAt, err := s.source.LatestRound(ctx)
	if err != nil {
		return false, 0, false
	}
	if answer == downAnswer {
		return false, 0, true
	}
	elapsed := s.clock.Now().Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return true, elapsed, true
}
