// Package gateway provides a unified completion interface over LLM
// providers, with retries, backoff, and streaming.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultSystemPrompt = "You are simforge, a simulation modeling assistant. Be concise. Ground answers in the provided model state and skill instructions; never invent geometry, materials, or results that were not built."

// defaultTemperature is used by the plain Complete methods; gateway
// callers set an explicit temperature per call.
const defaultTemperature = 0.2

// Client defines the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Name() string
}

// CompleterAt is implemented by clients that honor a per-call
// temperature. The base Client methods use each provider's default.
type CompleterAt interface {
	CompleteAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error)
}

// Streamer is implemented by clients that support incremental output.
// onChunk receives each content delta; the full reply is returned once
// the stream ends.
type Streamer interface {
	CompleteStream(ctx context.Context, systemPrompt, userPrompt string, temperature float64, onChunk func(string)) (string, error)
}

// Provider identifies an LLM provider family.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderGemini     Provider = "gemini"
	ProviderZAI        Provider = "zai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderOllama     Provider = "ollama"
)

// ErrEmptyResponse marks a completion that came back blank. Callers
// retry these.
var ErrEmptyResponse = errors.New("model returned an empty response")

// ConnectionError wraps transport-level failures so callers can tell a
// dead endpoint apart from a model refusal.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot reach model endpoint %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StatusError is a non-OK HTTP response from a provider API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is transient (rate limit or
// server-side failure).
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return true
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return false
}

// wrapTransportError classifies an http.Client.Do failure. Context
// cancellation passes through untouched so callers see ctx.Err().
func wrapTransportError(endpoint string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ConnectionError{Endpoint: endpoint, Err: err}
}

// ensureDeadline applies the client timeout when the caller did not
// set one of its own.
func ensureDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
