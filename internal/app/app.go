// Package app builds the process context: every long-lived component is
// constructed once here and released by Close.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/hession/toolmate/internal/activity"
	"github.com/hession/toolmate/internal/config"
	"github.com/hession/toolmate/internal/costs"
	"github.com/hession/toolmate/internal/embedding"
	"github.com/hession/toolmate/internal/lifecycle"
	"github.com/hession/toolmate/internal/llm"
	"github.com/hession/toolmate/internal/memory"
	"github.com/hession/toolmate/internal/metrics"
	"github.com/hession/toolmate/internal/worker"
)

// App holds the wired components
type App struct {
	Config     *config.Config
	Log        *slog.Logger
	Store      *memory.SQLiteStore
	Ledger     *costs.Ledger
	Tracker    *activity.Tracker
	Metrics    *metrics.Collector
	Queue      *worker.Queue
	Embeddings *embedding.Retrier // nil when no provider is configured
	Memory     *memory.Manager
	Async      *memory.AsyncManager
	Maintainer *lifecycle.Maintainer
	Chat       *llm.Client // nil when no chat API key is configured
}

type options struct {
	now      func() time.Time
	counter  costs.TokenCounter
	embedder embedding.Embedder
}

// Option adjusts construction
type Option func(*options)

// WithClock overrides time.Now for stores and the memory façade
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTokenCounter overrides the ledger's token estimator
func WithTokenCounter(c costs.TokenCounter) Option {
	return func(o *options) { o.counter = c }
}

// WithEmbedder replaces the HTTP embedding client
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// New opens the stores and wires every component from cfg
func New(cfg *config.Config, log *slog.Logger, opts ...Option) (a *App, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = slog.Default()
	}

	a = &App{Config: cfg, Log: log, Tracker: activity.NewTracker()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	for _, p := range []string{cfg.Memory.DBPath, cfg.Costs.DBPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return a, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	a.Store, err = memory.NewSQLiteStore(cfg.Memory.DBPath,
		memory.WithStoreClock(o.now),
		memory.WithSummaryLength(cfg.Maintenance.SummaryLength),
		memory.WithStoreLogger(log.With("component", "memory_store")),
	)
	if err != nil {
		return a, fmt.Errorf("failed to open memory store: %w", err)
	}

	ledgerOpts := []costs.Option{costs.WithClock(o.now), costs.WithLogger(log.With("component", "costs"))}
	if o.counter != nil {
		ledgerOpts = append(ledgerOpts, costs.WithTokenCounter(o.counter))
	}
	if len(cfg.Costs.Pricing) > 0 {
		ledgerOpts = append(ledgerOpts, costs.WithPricing(pricingCalculator(cfg.Costs.Pricing)))
	}
	a.Ledger, err = costs.Open(cfg.Costs.DBPath, ledgerOpts...)
	if err != nil {
		return a, fmt.Errorf("failed to open cost ledger: %w", err)
	}

	a.Queue = worker.NewQueue(cfg.Worker.QueueSize, cfg.Worker.Workers, log.With("component", "worker"))
	a.Metrics = metrics.New(func() float64 { return float64(a.Queue.Len()) })

	managerOpts := []memory.ManagerOption{
		memory.WithManagerClock(o.now),
		memory.WithManagerMetrics(a.Metrics),
		memory.WithManagerLogger(log.With("component", "memory")),
		memory.WithPolicy(memory.Policy{
			CompressAfterDays:     cfg.Maintenance.CompressAfterDays,
			CompressAccessCeiling: cfg.Maintenance.CompressAccessCeiling,
			ArchiveAfterDays:      cfg.Maintenance.ArchiveAfterDays,
			ArchiveAccessCeiling:  cfg.Maintenance.ArchiveAccessCeiling,
		}),
		memory.WithRetrieveLimit(cfg.Memory.RetrieveLimit),
		memory.WithCandidateWindow(cfg.Memory.CandidateWindow),
		memory.WithDefaultCategory(cfg.Memory.DefaultCategory),
	}

	embedder := o.embedder
	if embedder == nil && cfg.EmbeddingsAvailable() {
		embedder = embedding.NewClient(embedding.ClientConfig{
			BaseURL: cfg.Embedding.BaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
			Timeout: time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
		})
	}
	if embedder != nil {
		a.Embeddings = embedding.NewRetrier(embedder, embedding.RetrierConfig{
			Service:           cfg.Embedding.Service,
			Model:             cfg.Embedding.Model,
			MaxAttempts:       cfg.Embedding.MaxAttempts,
			MaxInputChars:     cfg.Embedding.MaxInputChars,
			BackoffBase:       time.Duration(cfg.Embedding.BackoffBaseMillis) * time.Millisecond,
			CacheTTL:          time.Duration(cfg.Embedding.CacheTTLMinutes) * time.Minute,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		},
			embedding.WithCostRecorder(a.Ledger),
			embedding.WithObserver(a.Tracker),
			embedding.WithMetrics(a.Metrics),
			embedding.WithLogger(log.With("component", "embedding")),
		)
		managerOpts = append(managerOpts, memory.WithVectorSource(a.Embeddings))
	} else {
		log.Info("embeddings disabled, similarity search unavailable")
	}

	a.Memory = memory.NewManager(a.Store, managerOpts...)
	a.Async = memory.NewAsyncManager(a.Memory, a.Queue)
	a.Maintainer = lifecycle.New(a.Memory, cfg.MaintenanceInterval(), log.With("component", "lifecycle"))

	if cfg.IsAPIKeyConfigured() {
		a.Chat = llm.New(llm.Config{
			APIKey:      cfg.Model.APIKey,
			BaseURL:     cfg.Model.BaseURL,
			Model:       cfg.Model.Model,
			Service:     cfg.Model.Service,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		},
			llm.WithCostRecorder(a.Ledger),
			llm.WithObserver(a.Tracker),
			llm.WithMetrics(a.Metrics),
			llm.WithLogger(log.With("component", "llm")),
		)
	}

	return a, nil
}

// Close stops the maintainer, drains queued work and closes the stores.
// It is safe to call more than once.
func (a *App) Close() error {
	if a.Maintainer != nil {
		a.Maintainer.Stop()
	}
	if a.Queue != nil {
		a.Queue.Close()
	}

	var errs []error
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cost ledger: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// pricingCalculator lays config overrides over the default rates
func pricingCalculator(overrides []config.PriceOverride) *costs.Calculator {
	pricing := slices.Clone(costs.DefaultPricing)
	for _, o := range overrides {
		pricing = append(pricing, costs.ModelPricing{
			Model:           o.Model,
			InputCostPer1K:  o.InputPer1K,
			OutputCostPer1K: o.OutputPer1K,
			Flat:            o.Flat,
		})
	}
	return costs.NewCalculator(pricing)
}
