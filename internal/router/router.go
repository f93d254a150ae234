// Package router classifies each user turn as conversational (qa) or
// technical (modeling work). The model gateway is asked first with a fixed
// instruction at temperature zero; when the gateway is unreachable a keyword
// rule takes over so routing never blocks a turn.
package router

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"simforge/internal/gateway"
	"simforge/internal/logging"
	"simforge/internal/prompt"
)

// Kind is the routing decision for one turn.
type Kind string

const (
	// KindQA routes to the conversational answer path.
	KindQA Kind = "qa"
	// KindTechnical routes to the planning and execution pipeline.
	KindTechnical Kind = "technical"
)

// Router decides which pipeline handles a turn.
type Router struct {
	gw       *gateway.Gateway
	registry *prompt.Registry
}

// New creates a router. The gateway may be nil, in which case only the
// keyword rule is used.
func New(gw *gateway.Gateway, registry *prompt.Registry) *Router {
	if registry == nil {
		registry = prompt.NewRegistry("")
	}
	return &Router{gw: gw, registry: registry}
}

// Route classifies input. Empty or whitespace-only input is conversational.
// Route does not return errors; a gateway failure degrades to the keyword
// rule.
func (r *Router) Route(ctx context.Context, input string) Kind {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return KindQA
	}

	if r.gw != nil {
		kind, err := r.classifyWithModel(ctx, trimmed)
		if err == nil {
			logging.RouterDebug("Model classified input as %s", kind)
			return kind
		}
		logging.RouterWarn("Model classification failed, using keyword rule: %v", err)
	}

	kind := classifyByKeywords(trimmed)
	logging.RouterDebug("Keyword rule classified input as %s", kind)
	return kind
}

// classifyWithModel asks the gateway for a one-word verdict.
func (r *Router) classifyWithModel(ctx context.Context, input string) (Kind, error) {
	promptText, err := r.registry.Format("routing", "classify", map[string]string{
		"input": input,
	})
	if err != nil {
		return KindQA, err
	}

	// A single attempt is enough here: the keyword rule is the retry.
	reply, err := r.gw.Call(ctx, promptText, gateway.CallOptions{
		Temperature: 0,
		MaxRetries:  1,
	})
	if err != nil {
		return KindQA, err
	}
	return parseLabel(reply), nil
}

// parseLabel reads the verdict by substring. Ambiguous replies route
// technical.
func parseLabel(reply string) Kind {
	lower := strings.ToLower(reply)
	if strings.Contains(lower, "technical") {
		return KindTechnical
	}
	if strings.Contains(lower, "qa") {
		return KindQA
	}
	return KindTechnical
}

// English terms match on word boundaries; Chinese terms match by substring.
var (
	greetingPattern = regexp.MustCompile(`\b(hello|hi|hey|howdy|thanks|thank you|good (morning|afternoon|evening)|how are you|what's up|goodbye|bye)\b`)

	verbPattern = regexp.MustCompile(`\b(create|build|make|model|draw|add|insert|set ?up|assign|apply|define|generate|mesh|refine|solve|run|compute|simulate|analy[sz]e|plot|export|modify|change|update|delete|remove|rotate|extrude)\b`)

	greetingTermsCJK = []string{
		"你好", "您好", "嗨", "谢谢", "多谢", "早上好", "下午好", "晚上好", "再见",
	}

	verbTermsCJK = []string{
		"创建", "建立", "新建", "构建", "添加", "绘制", "生成", "设置", "定义",
		"施加", "划分", "网格", "求解", "计算", "仿真", "模拟", "分析", "导出",
		"修改", "更改", "删除", "移除",
	}
)

// classifyByKeywords applies the deterministic rule: a greeting in a short
// input is conversational, an operational verb anywhere is technical, and
// anything long without either is assumed technical.
func classifyByKeywords(input string) Kind {
	lower := strings.ToLower(input)
	length := utf8.RuneCountInString(input)

	if length < 80 && containsGreeting(lower) {
		return KindQA
	}
	if containsVerb(lower) {
		return KindTechnical
	}
	if length < 30 {
		return KindQA
	}
	return KindTechnical
}

func containsGreeting(lower string) bool {
	if greetingPattern.MatchString(lower) {
		return true
	}
	for _, term := range greetingTermsCJK {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func containsVerb(lower string) bool {
	if verbPattern.MatchString(lower) {
		return true
	}
	for _, term := range verbTermsCJK {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
