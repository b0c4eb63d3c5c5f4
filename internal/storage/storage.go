// Package storage assembles the hot cache, write queue, batch writer,
// persistence layer, live broadcast hub, and retention sweeper into
// the single ingestion/query façade the rest of the process talks to.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"iris/internal/batchwriter"
	"iris/internal/broadcast"
	"iris/internal/hotcache"
	"iris/internal/models"
	"iris/internal/persist"
	"iris/internal/retention"
	"iris/internal/writequeue"
)

// Config mirrors the storage-relevant process configuration. DBPath
// empty selects in-memory-only mode: no persist.Layer or
// retention.Sweeper is constructed, and history beyond the hot cache's
// ring is unavailable.
type Config struct {
	DBPath              string
	CacheSizePerAgent   int
	BatchSize           int
	BatchTimeout        time.Duration
	ChannelCapacity     int
	MaxRecordsPerAgent  int
	RetentionDays       int
	CleanupInterval     time.Duration
	EnableCleanup       bool
	BroadcastQueueDepth int
}

// Storage is the public ingestion/query façade. Mode (persistent or
// in-memory) is fixed at construction and never switches at runtime.
type Storage struct {
	cfg Config
	log *slog.Logger

	cache   *hotcache.Cache
	queue   *writequeue.Queue
	writer  *batchwriter.Writer
	layer   *persist.Layer // nil in in-memory mode
	hub     *broadcast.Hub
	sweeper *retention.Sweeper // nil when persistence or cleanup is disabled

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New constructs a Storage in persistent mode when cfg.DBPath is
// non-empty, and in in-memory mode otherwise. The mode decision is
// logged once at startup.
func New(cfg Config, logger *slog.Logger) (*Storage, error) {
	log := logger.With("module", "storage")

	s := &Storage{
		cfg:   cfg,
		log:   log,
		cache: hotcache.New(cfg.CacheSizePerAgent),
		hub:   broadcast.New(cfg.BroadcastQueueDepth),
	}

	if cfg.DBPath == "" {
		log.Info("storage running in in-memory mode, no DBPath configured")
		return s, nil
	}

	layer, err := persist.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open persistence layer: %w", err)
	}
	s.layer = layer
	s.queue = writequeue.New(cfg.ChannelCapacity)
	s.writer = batchwriter.New(s.queue, layer, log, cfg.BatchSize, cfg.BatchTimeout)

	if cfg.EnableCleanup {
		s.sweeper = retention.NewSweeper(layer, cfg.RetentionDays, cfg.MaxRecordsPerAgent, cfg.CleanupInterval, log)
	}
	log.Info("storage running in persistent mode", "db_path", cfg.DBPath, "cleanup_enabled", cfg.EnableCleanup)
	return s, nil
}

// Start launches the background batch writer and, if configured,
// retention sweeper. It must be called once before Ingest is used in
// persistent mode.
func (s *Storage) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.writer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.writer.Run(ctx)
		}()
	}
	if s.sweeper != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweeper.RunLoop(ctx)
		}()
	}
}

// Ingest validates report, writes it into the hot cache synchronously,
// publishes it live, then attempts a non-blocking enqueue for durable
// persistence. A full queue drops the report from the durable path;
// the hot cache and live broadcast are unaffected, and ingestion
// itself never blocks or fails on backpressure once validated. Once
// Shutdown has been called, Ingest rejects every further report.
func (s *Storage) Ingest(report models.MetricsReport) error {
	if s.closed.Load() {
		return fmt.Errorf("storage: ingestion is closed")
	}
	if report.AgentID == "" || report.Hostname == "" {
		return fmt.Errorf("storage: agent_id and hostname are required")
	}

	s.cache.Put(report)
	s.hub.Publish(report)

	if s.writer == nil {
		return nil
	}
	if !s.queue.TryEnqueue(report) {
		s.log.Warn("write queue full, report dropped from durable path",
			"agent_id", report.AgentID, "queue_len", s.queue.Len(), "queue_cap", s.queue.Cap())
	}
	return nil
}

// Latest returns the most recent report for agentID, preferring the
// hot cache and falling back to persistence when running in
// persistent mode and the agent is not (yet) cached.
func (s *Storage) Latest(agentID string) (models.MetricsReport, bool, error) {
	if r, ok := s.cache.Latest(agentID); ok {
		return r, true, nil
	}
	if s.layer == nil {
		return models.MetricsReport{}, false, nil
	}
	return s.layer.Latest(agentID)
}

// History returns up to limit most-recent samples for agentID in
// ascending timestamp order. In persistent mode this reads through to
// the durable store, which may hold more history than the hot cache's
// ring; in in-memory mode it is bounded by the ring's capacity.
func (s *Storage) History(agentID string, limit int) ([]models.MetricsReport, error) {
	if s.layer == nil {
		return s.cache.Tail(agentID, limit), nil
	}
	return s.layer.History(agentID, limit)
}

// Agents returns the union of agents known to the hot cache and, in
// persistent mode, the durable store, deduplicated by agent_id and
// sorted for stable output.
func (s *Storage) Agents() ([]models.AgentDescriptor, error) {
	byID := make(map[string]models.AgentDescriptor)
	for _, a := range s.cache.Agents() {
		byID[a.AgentID] = a
	}

	if s.layer != nil {
		persisted, err := s.layer.Agents()
		if err != nil {
			return nil, fmt.Errorf("storage: list persisted agents: %w", err)
		}
		for _, a := range persisted {
			existing, ok := byID[a.AgentID]
			if !ok {
				if r, found, err := s.layer.Latest(a.AgentID); err == nil && found {
					a.Hostname = r.Hostname
				}
				byID[a.AgentID] = a
				continue
			}
			if a.LastSeen > existing.LastSeen {
				existing.LastSeen = a.LastSeen
				byID[a.AgentID] = existing
			}
		}
	}

	out := make([]models.AgentDescriptor, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Subscribe registers a live-feed subscriber. Callers must call
// Close on the returned subscription when done reading.
func (s *Storage) Subscribe() *broadcast.Subscription {
	return s.hub.Subscribe()
}

// Shutdown rejects further Ingest calls, stops the background writer
// and sweeper, waits for the batch writer to flush any partial batch,
// and closes the persistence layer. Calling it again is harmless:
// every step (cancel, queue close, wait, layer close) tolerates being
// repeated.
func (s *Storage) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	if s.queue != nil {
		s.queue.Close()
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.log.Warn("shutdown deadline exceeded waiting for background workers")
	}

	if s.layer != nil {
		if err := s.layer.Close(); err != nil {
			return fmt.Errorf("storage: close persistence layer: %w", err)
		}
	}
	return nil
}
