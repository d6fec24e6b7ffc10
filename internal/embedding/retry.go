package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/hession/toolmate/internal/activity"
	"github.com/hession/toolmate/internal/costs"
	"github.com/hession/toolmate/internal/metrics"
)

// CostRecorder logs the spend of one successful embedding call
type CostRecorder interface {
	LogEmbedding(ctx context.Context, service, model, text string) (costs.Usage, error)
}

// RetrierConfig tunables for EmbedWithRetry
type RetrierConfig struct {
	Service           string
	Model             string
	MaxAttempts       int
	MaxInputChars     int
	BackoffBase       time.Duration
	CacheTTL          time.Duration // zero disables the cache
	RequestsPerSecond float64       // zero disables rate limiting
}

// DefaultRetrierConfig returns the stock settings
func DefaultRetrierConfig() RetrierConfig {
	return RetrierConfig{
		Service:       "openai",
		Model:         "text-embedding-3-small",
		MaxAttempts:   3,
		MaxInputChars: 8000,
		BackoffBase:   time.Second,
		CacheTTL:      time.Hour,
	}
}

// Retrier wraps an Embedder with truncation, caching, rate limiting and
// exponential backoff. It never returns an error: exhaustion yields nil.
type Retrier struct {
	embedder Embedder
	cfg      RetrierConfig

	cache    *cache.Cache
	limiter  *rate.Limiter
	costs    CostRecorder
	observer activity.Observer
	metrics  *metrics.Collector
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// RetrierOption configures a Retrier
type RetrierOption func(*Retrier)

// WithCostRecorder logs a cost entry per successful call
func WithCostRecorder(c CostRecorder) RetrierOption {
	return func(r *Retrier) { r.costs = c }
}

// WithObserver reports attempt progress
func WithObserver(o activity.Observer) RetrierOption {
	return func(r *Retrier) { r.observer = o }
}

// WithMetrics records attempt outcomes
func WithMetrics(m *metrics.Collector) RetrierOption {
	return func(r *Retrier) { r.metrics = m }
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) RetrierOption {
	return func(r *Retrier) { r.log = log }
}

// WithSleep replaces the backoff wait
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// NewRetrier creates a Retrier around e
func NewRetrier(e Embedder, cfg RetrierConfig, opts ...RetrierOption) *Retrier {
	def := DefaultRetrierConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = def.MaxInputChars
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 0
	}
	if cfg.Service == "" {
		cfg.Service = def.Service
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}

	r := &Retrier{
		embedder: e,
		cfg:      cfg,
		log:      slog.Default(),
		sleep:    sleepContext,
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, cfg.CacheTTL*2)
	}
	if cfg.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.observer = activity.Guard(r.observer, r.log)
	return r
}

// Model returns the embedding model name
func (r *Retrier) Model() string {
	return r.cfg.Model
}

// EmbedWithRetry returns a vector for text, or nil once every attempt failed
// or ctx ended.
func (r *Retrier) EmbedWithRetry(ctx context.Context, text string) []float32 {
	start := time.Now()
	defer r.metrics.ObserveEmbeddingLatency(start)

	text = Truncate(text, r.cfg.MaxInputChars)
	key := cacheKey(r.cfg.Model, text)

	if r.cache != nil {
		if v, found := r.cache.Get(key); found {
			if vec, ok := v.([]float32); ok {
				r.metrics.ObserveEmbeddingAttempt(metrics.OutcomeCacheHit)
				return vec
			}
		}
	}

	attempts := r.cfg.MaxAttempts
	activityID := r.observer.Start("generate_embedding", map[string]any{
		"service": r.cfg.Service,
		"model":   r.cfg.Model,
		"chars":   len(text),
	})

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		r.observer.Update(activityID, float64(attempt+1)/float64(attempts)*0.8, map[string]any{
			"attempt":      attempt + 1,
			"max_attempts": attempts,
		})

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		vec, err := r.embedder.Embed(ctx, text)
		if err == nil && len(vec) > 0 {
			r.metrics.ObserveEmbeddingAttempt(metrics.OutcomeSuccess)
			r.recordCost(ctx, text)
			if r.cache != nil {
				r.cache.Set(key, vec, cache.DefaultExpiration)
			}
			r.observer.Complete(activityID, fmt.Sprintf("generated %d-dimensional embedding", len(vec)))
			return vec
		}
		if err == nil {
			err = fmt.Errorf("empty embedding")
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		r.metrics.ObserveEmbeddingAttempt(metrics.OutcomeRetry)
		r.observer.Update(activityID, float64(attempt+1)/float64(attempts)*0.5, map[string]any{
			"attempt":  attempt + 1,
			"error":    err.Error(),
			"retrying": true,
		})

		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	r.metrics.ObserveEmbeddingAttempt(metrics.OutcomeExhausted)
	r.log.Warn("embedding unavailable, continuing without vector",
		"model", r.cfg.Model,
		"attempts", attempts,
		"error", lastErr,
	)
	r.observer.Complete(activityID, fmt.Sprintf("failed after %d attempts: %v", attempts, lastErr))
	return nil
}

// backoff is base * 2^attempt
func (r *Retrier) backoff(attempt int) time.Duration {
	return r.cfg.BackoffBase * time.Duration(1<<attempt)
}

func (r *Retrier) recordCost(ctx context.Context, text string) {
	if r.costs == nil {
		return
	}
	u, err := r.costs.LogEmbedding(context.WithoutCancel(ctx), r.cfg.Service, r.cfg.Model, text)
	if err != nil {
		r.log.Warn("failed to log embedding cost", "model", r.cfg.Model, "error", err)
		return
	}
	r.metrics.AddSpend(r.cfg.Service, costs.OpEmbedding, u.Cost)
}

// Truncate cuts text to at most max characters without splitting a rune
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i]
		}
		n++
	}
	return text
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
