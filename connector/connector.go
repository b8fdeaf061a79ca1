// Package connector implements an embedded local HTTP server speaking the
// browser-extension capture protocol: bibliographic items, page snapshots and
// file attachments arrive as independent, unordered, possibly-duplicated
// requests and are assembled into one capture per session, then handed off
// exactly once to a downstream consumer.
package connector

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/saisie/connector/internal/dispatch"
	"github.com/hazyhaar/saisie/connector/internal/ingest"
	"github.com/hazyhaar/saisie/connector/internal/session"
	"github.com/hazyhaar/saisie/connector/internal/snapshot"
	"github.com/hazyhaar/saisie/idgen"
	"github.com/hazyhaar/saisie/journal"
)

// Consumer receives completed captures and late attachments. Alias of the
// dispatch interface so callers never import internal packages.
type Consumer = dispatch.Consumer

// ConsumerFuncs adapts plain functions to the Consumer interface.
type ConsumerFuncs = dispatch.ConsumerFuncs

// Service is the capture server orchestrator.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	registry   *session.Registry
	ingestor   *ingest.Ingestor
	dispatcher *dispatch.Dispatcher
	snapshots  *snapshot.Processor
	journal    *journal.Journal
	consumer   Consumer
	newID      idgen.Generator
}

// Option customizes a Service.
type Option func(*Service)

// WithConsumer sets the downstream consumer of completed captures.
func WithConsumer(c Consumer) Option {
	return func(s *Service) { s.consumer = c }
}

// WithJournal records every dispatch and late-attachment event to j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(s *Service) { s.newID = g }
}

// New creates a connector Service.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.consumer == nil {
		svc.consumer = ConsumerFuncs{}
	}

	svc.registry = session.NewRegistry(session.RegistryOptions{
		Retention:     cfg.Retention(),
		SweepInterval: cfg.SweepInterval(),
		NewID:         svc.newID,
		Logger:        logger,
	})
	svc.ingestor = ingest.New(cfg.StorageDir, logger)
	svc.snapshots = snapshot.NewProcessor(logger)
	svc.dispatcher = dispatch.New(svc.registry, &journalingConsumer{
		next:     svc.consumer,
		journal:  svc.journal,
		registry: svc.registry,
		logger:   logger,
	}, dispatch.Options{
		WatchTick:   cfg.WatchTick(),
		WatchBudget: cfg.WatchBudget,
		Logger:      logger,
	})
	return svc, nil
}

// Start launches the eviction sweep and binds late-attachment watches to ctx.
func (s *Service) Start(ctx context.Context) {
	s.dispatcher.Start(ctx)
	go s.registry.Sweep(ctx)
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

// ServiceStats aggregates the registry and dispatcher counters.
type ServiceStats struct {
	Registry   session.RegistryStats `json:"registry"`
	Dispatcher dispatch.Stats        `json:"dispatcher"`
}

// Stats returns point-in-time counters for health reporting.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Registry:   s.registry.Stats(),
		Dispatcher: s.dispatcher.Stats(),
	}
}

// journalingConsumer records every event to the journal before forwarding to
// the downstream consumer. A journal failure is logged, never escalated: the
// hand-off must not depend on local bookkeeping.
type journalingConsumer struct {
	next     Consumer
	journal  *journal.Journal
	registry *session.Registry
	logger   *slog.Logger
}

func (c *journalingConsumer) CaptureComplete(item map[string]any, paths []string, sessionID string) {
	if c.journal != nil {
		sourceURI := ""
		if sess, ok := c.registry.Get(sessionID); ok {
			sourceURI = sess.SourceURI()
		}
		if err := c.journal.RecordDispatch(context.Background(), sessionID, sourceURI, item, paths); err != nil {
			c.logger.Warn("journal: record dispatch", "session_id", sessionID, "error", err)
		}
	}
	c.next.CaptureComplete(item, paths, sessionID)
}

func (c *journalingConsumer) AdditionalAttachments(itemID string, newPaths []string, sessionID string) {
	if c.journal != nil {
		if err := c.journal.RecordLate(context.Background(), sessionID, itemID, newPaths); err != nil {
			c.logger.Warn("journal: record late attachments", "session_id", sessionID, "error", err)
		}
	}
	c.next.AdditionalAttachments(itemID, newPaths, sessionID)
}
