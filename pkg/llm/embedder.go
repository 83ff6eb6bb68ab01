package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"
)

type EmbedderConfig struct {
	Model      string
	BaseURL    string  // Ollama server URL
	Dim        int     // expected vector dimensionality; 0 learns it from the first response
	BatchSize  int     // max texts per request
	MaxRetries int     // retries per batch on transient failure
	RateLimit  float64 // outbound batches per second
}

// Backend is the raw embedding capability. *ollama.LLM satisfies it;
// tests inject fakes.
type Backend interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder wraps the embedding capability with batching, bounded retry
// with exponential backoff and jitter, and rate limiting. It keeps no
// state beyond the learned dimensionality and transient retry counters.
type Embedder struct {
	config  EmbedderConfig
	backend Backend
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	dim     atomic.Int32
}

// TransientError reports a dependency failure that persisted through
// every retry attempt.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	backend, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding backend: %w", err)
	}

	return NewEmbedderWithBackend(config, backend), nil
}

// NewEmbedderWithBackend builds an Embedder over an explicit backend.
func NewEmbedderWithBackend(config EmbedderConfig, backend Backend) *Embedder {
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 5.0
	}

	e := &Embedder{
		config:  config,
		backend: backend,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	e.dim.Store(int32(config.Dim))
	return e
}

func (e *Embedder) ModelID() string {
	return "ollama:" + e.config.Model
}

// Dim returns the vector dimensionality, or 0 if no embedding has been
// produced yet and none was configured.
func (e *Embedder) Dim() int {
	return int(e.dim.Load())
}

// EmbedDocuments embeds the texts in configured batch sizes, preserving
// input order and count exactly. A batch that fails transiently is
// retried whole; earlier batches already embedded are unaffected.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.config.BatchSize {
		end := i + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vecs, err := e.backend.CreateEmbedding(ctx, batch)
		if err == nil {
			if err := e.check(batch, vecs); err != nil {
				return nil, err
			}
			return vecs, nil
		}
		if !retryable(err) {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}
		lastErr = err
	}
	return nil, &TransientError{Op: "embed", Attempts: e.config.MaxRetries + 1, Err: lastErr}
}

// check rejects any response whose shape does not match the request.
// A length mismatch between input and output is never passed through
// silently.
func (e *Embedder) check(batch []string, vecs [][]float32) error {
	if len(vecs) != len(batch) {
		return fmt.Errorf("embedding count mismatch: %d vectors for %d inputs", len(vecs), len(batch))
	}
	for i, v := range vecs {
		dim := e.dim.Load()
		if dim == 0 {
			e.dim.Store(int32(len(v)))
			dim = int32(len(v))
		}
		if int32(len(v)) != dim {
			return fmt.Errorf("embedding dimension mismatch at input %d: got %d, want %d", i, len(v), dim)
		}
	}
	return nil
}

func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << (attempt - 1)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	// jitter up to half the delay so retries from concurrent workers
	// do not land in lockstep
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// statusRe matches rate-limit and server-side HTTP codes only where the
// message marks them as a status, so unrelated digits (a dimension, a
// count) are never treated as one.
var statusRe = regexp.MustCompile(`(?:status(?: code)?|http)[ :]+(?:429|5\d\d)\b`)

// retryable classifies rate limits, timeouts and server-side faults as
// transient. Anything else (including invalid input) fails immediately.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	if statusRe.MatchString(msg) {
		return true
	}
	for _, marker := range []string{
		"rate limit", "too many requests",
		"timeout", "connection refused", "connection reset",
		"internal server error", "bad gateway", "service unavailable",
		"gateway timeout", "unexpected eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
