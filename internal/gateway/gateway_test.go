package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeClient replays a scripted sequence of replies and errors and
// records what reached it.
type fakeClient struct {
	replies    []string
	errs       []error
	calls      int
	lastSystem string
	lastTemp   float64
}

func (f *fakeClient) next() (string, error) {
	i := f.calls
	f.calls++
	var reply string
	var err error
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return reply, err
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	return f.next()
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.lastSystem = systemPrompt
	return f.next()
}

func (f *fakeClient) CompleteAt(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (string, error) {
	f.lastSystem = systemPrompt
	f.lastTemp = temperature
	return f.next()
}

func (f *fakeClient) Name() string { return "fake:test" }

// fakeStreamer streams fixed chunks.
type fakeStreamer struct {
	fakeClient
	chunks    []string
	streamErr error
}

func (f *fakeStreamer) CompleteStream(ctx context.Context, systemPrompt, userPrompt string, temperature float64, onChunk func(string)) (string, error) {
	f.calls++
	if f.streamErr != nil {
		return "", f.streamErr
	}
	var full strings.Builder
	for _, c := range f.chunks {
		full.WriteString(c)
		onChunk(c)
	}
	return full.String(), nil
}

func newTestGateway(c Client) *Gateway {
	g := New(c)
	g.backoff = time.Millisecond
	return g
}

func TestGateway_RetriesEmptyResponse(t *testing.T) {
	client := &fakeClient{replies: []string{"", "final answer"}}
	g := newTestGateway(client)

	reply, err := g.Call(context.Background(), "hello", CallOptions{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if reply != "final answer" {
		t.Errorf("Expected final answer, got %q", reply)
	}
	if client.calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", client.calls)
	}
}

func TestGateway_RetriesConnectionError(t *testing.T) {
	client := &fakeClient{
		replies: []string{"", "recovered"},
		errs:    []error{&ConnectionError{Endpoint: "http://localhost:11434", Err: errors.New("connection refused")}, nil},
	}
	g := newTestGateway(client)

	reply, err := g.Call(context.Background(), "hello", CallOptions{})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("Expected recovered, got %q", reply)
	}
}

func TestGateway_StopsOnNonRetryable(t *testing.T) {
	badReq := &StatusError{Status: 400, Body: "bad request"}
	client := &fakeClient{errs: []error{badReq, nil}, replies: []string{"", "never"}}
	g := newTestGateway(client)

	_, err := g.Call(context.Background(), "hello", CallOptions{})
	if err == nil {
		t.Fatal("Expected error")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != 400 {
		t.Errorf("Expected 400 StatusError passed through, got %v", err)
	}
	if client.calls != 1 {
		t.Errorf("Non-retryable error should stop after 1 attempt, got %d", client.calls)
	}
}

func TestGateway_ExhaustsRetries(t *testing.T) {
	client := &fakeClient{replies: []string{"", "", "", "", ""}}
	g := newTestGateway(client)

	_, err := g.Call(context.Background(), "hello", CallOptions{MaxRetries: 3})
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Final error should wrap ErrEmptyResponse, got %v", err)
	}
	if client.calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", client.calls)
	}
}

func TestGateway_TemperatureAndSystemReachClient(t *testing.T) {
	client := &fakeClient{replies: []string{"ok"}, lastTemp: -1}
	g := newTestGateway(client)

	_, err := g.Call(context.Background(), "classify this", CallOptions{System: "routing rules", Temperature: 0})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if client.lastTemp != 0 {
		t.Errorf("Temperature 0 should reach the client, got %f", client.lastTemp)
	}
	if client.lastSystem != "routing rules" {
		t.Errorf("System prompt should reach the client, got %q", client.lastSystem)
	}
}

func TestGateway_CallStreamFallsBackWithoutStreamer(t *testing.T) {
	client := &fakeClient{replies: []string{"whole reply"}}
	g := newTestGateway(client)

	var chunks []string
	reply, err := g.CallStream(context.Background(), "hello", func(c string) { chunks = append(chunks, c) }, CallOptions{})
	if err != nil {
		t.Fatalf("CallStream failed: %v", err)
	}
	if reply != "whole reply" {
		t.Errorf("Expected whole reply, got %q", reply)
	}
	if len(chunks) != 1 || chunks[0] != "whole reply" {
		t.Errorf("Fallback should deliver one chunk, got %v", chunks)
	}
}

func TestGateway_CallStreamForwardsChunks(t *testing.T) {
	client := &fakeStreamer{chunks: []string{"a ", "beam ", "model"}}
	g := newTestGateway(client)

	var got []string
	reply, err := g.CallStream(context.Background(), "hello", func(c string) { got = append(got, c) }, CallOptions{})
	if err != nil {
		t.Fatalf("CallStream failed: %v", err)
	}
	if reply != "a beam model" {
		t.Errorf("Expected accumulated reply, got %q", reply)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 chunks, got %d", len(got))
	}
}

func TestConnectionError_Message(t *testing.T) {
	err := &ConnectionError{Endpoint: "http://localhost:11434", Err: errors.New("connection refused")}
	if !strings.Contains(err.Error(), "cannot reach model endpoint http://localhost:11434") {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"empty response", ErrEmptyResponse, true},
		{"connection", &ConnectionError{Endpoint: "x", Err: errors.New("refused")}, true},
		{"rate limit", &StatusError{Status: 429}, true},
		{"server error", &StatusError{Status: 503}, true},
		{"bad request", &StatusError{Status: 400}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCountTokens(t *testing.T) {
	if CountTokens("") != 0 {
		t.Error("Empty text should count 0 tokens")
	}
	long := strings.Repeat("simulation model ", 50)
	if CountTokens(long) <= 0 {
		t.Error("Non-empty text should have a positive token count")
	}
}
