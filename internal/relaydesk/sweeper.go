package relaydesk

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const defaultSweepBatch = 200

// Sweeper resets sessions that have been idle past the timeout. CheckTimeout
// stays lazy; the sweeper only saves callers from carrying stale state.
type Sweeper struct {
	sessions *SessionManager
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

func NewSweeper(sessions *SessionManager, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		interval: interval,
		batch:    defaultSweepBatch,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("session sweep failed")
			}
		}
	}
}

// SweepOnce resets up to one batch of idle sessions and returns how many
// were reset.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.sessions.clock.Now().Add(-s.sessions.timeout)
	rows, err := s.sessions.backend.ListIdleSessions(ctx, cutoff, s.batch)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, row := range rows {
		ok, err := s.sessions.resetIfIdle(ctx, row.TenantID, row.UserID, cutoff)
		if err != nil {
			s.logger.Warn().Err(err).Str("tenant", row.TenantID).Str("user", row.UserID).Msg("idle session reset failed")
			continue
		}
		if ok {
			reset++
		}
	}
	if reset > 0 {
		s.logger.Info().Int("reset", reset).Msg("idle sessions reset")
	}
	return reset, nil
}
