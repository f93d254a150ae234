package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"simforge/internal/logging"
)

// retryBackoffBase is multiplied by the attempt number before each
// retry: 2s, 4s, 6s.
const retryBackoffBase = 2 * time.Second

const defaultMaxRetries = 3

// CallOptions tune a single gateway call.
type CallOptions struct {
	System      string
	Temperature float64
	MaxRetries  int // attempts; <=0 means 3
}

// Gateway wraps a provider client with the retry policy every caller
// needs: bounded attempts, arithmetic backoff, empty replies retried.
type Gateway struct {
	client  Client
	backoff time.Duration
}

// New wraps the given provider client.
func New(client Client) *Gateway {
	return &Gateway{client: client, backoff: retryBackoffBase}
}

// Client returns the wrapped provider client.
func (g *Gateway) Client() Client {
	return g.client
}

// Name reports the wrapped client's provider:model identity.
func (g *Gateway) Name() string {
	return g.client.Name()
}

// Call sends a prompt and returns the completion, retrying transient
// failures. An empty reply counts as a failed attempt.
func (g *Gateway) Call(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	timer := logging.StartTimer(logging.CategoryGateway, "Call")
	defer timer.Stop()

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	logging.GatewayDebug("call: provider=%s temp=%.2f prompt_tokens~%d", g.client.Name(), opts.Temperature, CountTokens(prompt))

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * g.backoff
			logging.GatewayDebug("retry %d/%d after %v: %v", attempt, maxRetries, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		reply, err := g.completeOnce(ctx, prompt, opts)
		if err == nil {
			if strings.TrimSpace(reply) == "" {
				lastErr = ErrEmptyResponse
				continue
			}
			return reply, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
	}

	logging.GatewayError("call failed after %d attempts: %v", maxRetries, lastErr)
	return "", fmt.Errorf("gateway call failed after %d attempts: %w", maxRetries, lastErr)
}

// CallStream sends a prompt and forwards content deltas to onChunk,
// returning the full reply. Clients without streaming support fall back
// to a blocking call delivered as a single chunk. Only the initial
// connection is retried; once deltas flow, a failure aborts.
func (g *Gateway) CallStream(ctx context.Context, prompt string, onChunk func(string), opts CallOptions) (string, error) {
	streamer, ok := g.client.(Streamer)
	if !ok {
		reply, err := g.Call(ctx, prompt, opts)
		if err != nil {
			return "", err
		}
		if onChunk != nil {
			onChunk(reply)
		}
		return reply, nil
	}

	timer := logging.StartTimer(logging.CategoryGateway, "CallStream")
	defer timer.Stop()

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	logging.GatewayDebug("stream: provider=%s temp=%.2f prompt_tokens~%d", g.client.Name(), opts.Temperature, CountTokens(prompt))

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * g.backoff
			logging.GatewayDebug("stream retry %d/%d after %v: %v", attempt, maxRetries, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		delivered := false
		reply, err := streamer.CompleteStream(ctx, opts.System, prompt, opts.Temperature, func(chunk string) {
			delivered = true
			if onChunk != nil {
				onChunk(chunk)
			}
		})
		if err == nil {
			return reply, nil
		}

		lastErr = err
		if delivered || !IsRetryable(err) {
			return "", err
		}
	}

	logging.GatewayError("stream failed after %d attempts: %v", maxRetries, lastErr)
	return "", fmt.Errorf("gateway stream failed after %d attempts: %w", maxRetries, lastErr)
}

func (g *Gateway) completeOnce(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	if at, ok := g.client.(CompleterAt); ok {
		return at.CompleteAt(ctx, opts.System, prompt, opts.Temperature)
	}
	if opts.System != "" {
		return g.client.CompleteWithSystem(ctx, opts.System, prompt)
	}
	return g.client.Complete(ctx, prompt)
}
