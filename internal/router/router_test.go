package router

import (
	"context"
	"strings"
	"testing"

	"simforge/internal/gateway"
)

// stubClient returns a scripted reply or error for every completion.
type stubClient struct {
	reply      string
	err        error
	calls      int
	lastPrompt string
	lastTemp   float64
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteAt(ctx, "", prompt, -1)
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return s.CompleteAt(ctx, system, user, -1)
}

func (s *stubClient) CompleteAt(ctx context.Context, system, user string, temperature float64) (string, error) {
	s.calls++
	s.lastPrompt = user
	s.lastTemp = temperature
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubClient) Name() string { return "stub" }

func newTestRouter(client gateway.Client) *Router {
	return New(gateway.New(client), nil)
}

func TestRoute_EmptyInput(t *testing.T) {
	stub := &stubClient{reply: "technical"}
	r := newTestRouter(stub)

	for _, input := range []string{"", "   ", "\n\t"} {
		if got := r.Route(context.Background(), input); got != KindQA {
			t.Errorf("Empty input %q should route qa, got %s", input, got)
		}
	}
	if stub.calls != 0 {
		t.Errorf("Empty input should not reach the gateway, got %d calls", stub.calls)
	}
}

func TestRoute_ModelVerdict(t *testing.T) {
	cases := []struct {
		reply string
		want  Kind
	}{
		{"qa", KindQA},
		{"QA", KindQA},
		{"The answer is: qa", KindQA},
		{"technical", KindTechnical},
		{"Technical.", KindTechnical},
		{"something unrelated", KindTechnical},
	}

	for _, tc := range cases {
		stub := &stubClient{reply: tc.reply}
		r := newTestRouter(stub)
		if got := r.Route(context.Background(), "Create a beam model"); got != tc.want {
			t.Errorf("Reply %q: got %s, want %s", tc.reply, got, tc.want)
		}
	}
}

func TestRoute_ModelCallShape(t *testing.T) {
	stub := &stubClient{reply: "technical", lastTemp: -1}
	r := newTestRouter(stub)

	r.Route(context.Background(), "Create a rectangle")

	if stub.calls != 1 {
		t.Fatalf("Expected one gateway call, got %d", stub.calls)
	}
	if stub.lastTemp != 0 {
		t.Errorf("Classification must run at temperature 0, got %v", stub.lastTemp)
	}
	if !strings.Contains(stub.lastPrompt, "Create a rectangle") {
		t.Error("Prompt should carry the user input")
	}
	if !strings.Contains(stub.lastPrompt, "qa|technical") {
		t.Error("Prompt should name the two labels")
	}
}

func TestRoute_FallbackOnTransportError(t *testing.T) {
	stub := &stubClient{err: &gateway.ConnectionError{Endpoint: "http://localhost:11434"}}
	r := newTestRouter(stub)

	if got := r.Route(context.Background(), "Create a rectangle"); got != KindTechnical {
		t.Errorf("Fallback should classify an operational verb technical, got %s", got)
	}
	if got := r.Route(context.Background(), "hello"); got != KindQA {
		t.Errorf("Fallback should classify a greeting qa, got %s", got)
	}
}

func TestRoute_NilGateway(t *testing.T) {
	r := New(nil, nil)
	if got := r.Route(context.Background(), "Build a cylinder"); got != KindTechnical {
		t.Errorf("Nil gateway should still route by keywords, got %s", got)
	}
}

func TestClassifyByKeywords(t *testing.T) {
	longNoVerb := strings.Repeat("steel properties and thermal conductivity tables ", 3)

	cases := []struct {
		input string
		want  Kind
	}{
		{"hello", KindQA},
		{"hi there", KindQA},
		{"thanks!", KindQA},
		{"how are you", KindQA},
		{"你好", KindQA},
		{"谢谢", KindQA},
		{"Create a rectangle", KindTechnical},
		{"please mesh the part", KindTechnical},
		{"solve the study", KindTechnical},
		{"创建一个圆柱体", KindTechnical},
		{"给模型划分网格", KindTechnical},
		{"ok", KindQA},
		{"what is steel", KindQA},
		{longNoVerb, KindTechnical},
	}

	for _, tc := range cases {
		if got := classifyByKeywords(tc.input); got != tc.want {
			t.Errorf("%q: got %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestClassifyByKeywords_GreetingOnlyWhenShort(t *testing.T) {
	// Past 80 characters a stray greeting no longer decides the turn.
	long := "hello, " + strings.Repeat("the report covers boundary layers in detail ", 3)
	if got := classifyByKeywords(long); got != KindTechnical {
		t.Errorf("Long input with greeting should stay technical, got %s", got)
	}
}

func TestParseLabel(t *testing.T) {
	if parseLabel("qa") != KindQA {
		t.Error("qa should parse as qa")
	}
	// "technical" wins when both labels appear.
	if parseLabel("qa or technical") != KindTechnical {
		t.Error("Mixed reply should lean technical")
	}
	if parseLabel("") != KindTechnical {
		t.Error("Empty reply should lean technical")
	}
}
