// Package retention implements the periodic sweep that bounds
// on-disk storage: per-agent age-based deletion followed by a
// count-based trim, run on a ticker independent of the ingestion
// path.
package retention

import (
	"context"
	"log/slog"
	"time"

	"iris/internal/persist"
)

const defaultPeriod = 6 * time.Hour

// Sweeper periodically deletes samples older than a retention window
// and trims each agent down to a maximum row count.
type Sweeper struct {
	layer         *persist.Layer
	retentionDays int
	maxRecords    int
	period        time.Duration
	log           *slog.Logger
}

// NewSweeper builds a Sweeper. A non-positive retentionDays disables
// age-based deletion; trim_to_count always runs, per maxRecords.
func NewSweeper(layer *persist.Layer, retentionDays, maxRecords int, period time.Duration, logger *slog.Logger) *Sweeper {
	if period <= 0 {
		period = defaultPeriod
	}
	return &Sweeper{
		layer:         layer,
		retentionDays: retentionDays,
		maxRecords:    maxRecords,
		period:        period,
		log:           logger.With("module", "retention"),
	}
}

// Run performs one sweep pass across every known agent. Each agent is
// handled in its own short transactions, so a sweep never holds a
// single long-running transaction against the store.
func (s *Sweeper) Run(ctx context.Context) {
	agentIDs, err := s.layer.AgentIDs()
	if err != nil {
		s.log.Error("failed to list agents for sweep", "error", err)
		return
	}

	var deleted, trimmed, reaped int
	for _, agentID := range agentIDs {
		if ctx.Err() != nil {
			return
		}
		if s.retentionDays > 0 {
			cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays).UnixMilli()
			if err := s.layer.DeleteOlderThan(agentID, cutoff); err != nil {
				s.log.Error("delete older than failed", "agent_id", agentID, "error", err)
				continue
			}
			deleted++
		}
		if err := s.layer.TrimToCount(agentID, s.maxRecords); err != nil {
			s.log.Error("trim to count failed", "agent_id", agentID, "error", err)
			continue
		}
		trimmed++
		count, err := s.layer.CountSamples(agentID)
		if err != nil {
			s.log.Error("count samples failed", "agent_id", agentID, "error", err)
			continue
		}
		if count == 0 {
			if err := s.layer.DeleteAgentLatest(agentID); err != nil {
				s.log.Error("delete agent_latest failed", "agent_id", agentID, "error", err)
				continue
			}
			reaped++
		}
	}
	s.log.Info("retention sweep completed", "agents", len(agentIDs), "aged", deleted, "trimmed", trimmed, "reaped", reaped)
}

// RunLoop runs Run immediately, then on every tick of the sweep
// period, until ctx is cancelled.
func (s *Sweeper) RunLoop(ctx context.Context) {
	s.Run(ctx)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Run(ctx)
		}
	}
}
