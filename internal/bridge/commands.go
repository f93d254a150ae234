package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"simforge/internal/config"
	"simforge/internal/executor"
	"simforge/internal/orchestrator"
	"simforge/internal/session"
	"simforge/internal/types"
)

// contextShowTurns is how many recent turns context_show renders.
const contextShowTurns = 10

// request is a decoded request line. JSON numbers arrive as float64.
type request map[string]any

func (r request) str(key string) string {
	s, _ := r[key].(string)
	return strings.TrimSpace(s)
}

func (r request) boolOr(key string, def bool) bool {
	v, ok := r[key].(bool)
	if !ok {
		return def
	}
	return v
}

func (r request) intOr(key string, def int) int {
	if v, ok := r[key].(float64); ok {
		return int(v)
	}
	return def
}

// reply is one reply line. writeReply guarantees the ok key.
type reply map[string]any

func okReply(message string) reply {
	return reply{"ok": true, "message": message}
}

func fail(format string, args ...any) reply {
	return reply{"ok": false, "message": fmt.Sprintf(format, args...)}
}

// turnReply converts an orchestrator reply to the wire shape shared by
// run, exec and demo.
func turnReply(res orchestrator.Reply) reply {
	out := reply{"ok": res.OK, "message": res.Message}
	if res.ModelPath != "" {
		out["model_path"] = res.ModelPath
	}
	return out
}

func (b *Bridge) store(req request) *session.Store {
	return b.orch.Store(req.str("conversation_id"))
}

// orchFor returns the orchestrator serving this request, rebuilding the
// stack when the request overrides the provider or model.
func (b *Bridge) orchFor(req request) (*orchestrator.Orchestrator, reply) {
	provider := req.str("provider")
	model := req.str("model")
	if provider == "" && model == "" {
		return b.orch, nil
	}
	if b.rebuild == nil {
		return nil, fail("provider overrides are not available on this bridge")
	}
	orch, err := b.rebuild(provider, model)
	if err != nil {
		return nil, fail("provider override: %v", err)
	}
	return orch, nil
}

func (b *Bridge) cmdRun(ctx context.Context, req request) reply {
	input := req.str("input")
	if input == "" {
		return fail("run requires input")
	}

	orch, errReply := b.orchFor(req)
	if errReply != nil {
		return errReply
	}

	return turnReply(orch.HandleTurn(ctx, input, orchestrator.TurnOptions{
		Session:   req.str("conversation_id"),
		Output:    req.str("output"),
		Direct:    !req.boolOr("use_react", true),
		NoContext: req.boolOr("no_context", false),
	}))
}

// cmdPlan plans without executing. The expanded plan goes to
// output_path when given, otherwise into the reply itself.
func (b *Bridge) cmdPlan(ctx context.Context, req request) reply {
	input := req.str("input")
	if input == "" {
		return fail("plan requires input")
	}

	task, err := b.orch.PlanOnly(ctx, input, orchestrator.TurnOptions{
		Session: req.str("conversation_id"),
	})
	if err != nil {
		return fail("planning failed: %v", err)
	}

	if path := req.str("output_path"); path != "" {
		data, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return fail("encode plan: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fail("write plan: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fail("write plan: %v", err)
		}
		return okReply(fmt.Sprintf("planned %d steps, written to %s", len(task.Steps), path))
	}

	out := okReply(fmt.Sprintf("planned %d steps", len(task.Steps)))
	out["plan"] = task
	return out
}

// cmdExec runs a saved plan file. With code_only the plan is expanded
// and listed but nothing touches the backend.
func (b *Bridge) cmdExec(ctx context.Context, req request) reply {
	path := req.str("path")
	if path == "" {
		return fail("exec requires path")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail("read plan: %v", err)
	}
	var task types.TaskPlan
	if err := json.Unmarshal(data, &task); err != nil {
		return fail("decode plan %s: %v", path, err)
	}

	if req.boolOr("code_only", false) {
		if len(task.Steps) == 0 {
			executor.ExpandSteps(&task)
		}
		steps := make([]map[string]any, 0, len(task.Steps))
		for _, s := range task.Steps {
			steps = append(steps, map[string]any{"action": s.Action, "type": string(s.Type)})
		}
		out := okReply(fmt.Sprintf("plan %s: %d steps, not executed", task.TaskID, len(task.Steps)))
		out["steps"] = steps
		return out
	}

	return turnReply(b.orch.ExecutePlan(ctx, &task, orchestrator.TurnOptions{
		Session: req.str("conversation_id"),
		Output:  req.str("output"),
	}))
}

func (b *Bridge) cmdDemo(ctx context.Context, req request) reply {
	return turnReply(b.orch.Demo(ctx, orchestrator.TurnOptions{
		Session: req.str("conversation_id"),
		Output:  req.str("output"),
	}))
}

func (b *Bridge) cmdDoctor(ctx context.Context, _ request) reply {
	checks := DoctorChecks(ctx, b.cfg, b.backend)
	healthy := 0
	for _, c := range checks {
		if c.OK {
			healthy++
		}
	}
	out := reply{
		"ok":      healthy == len(checks),
		"message": fmt.Sprintf("%d/%d checks passed", healthy, len(checks)),
	}
	out["checks"] = checks
	return out
}

func (b *Bridge) cmdContextShow(_ context.Context, req request) reply {
	st := b.store(req)
	sum, err := st.Summary()
	if err != nil {
		return fail("load summary: %v", err)
	}
	stats, err := st.Stats()
	if err != nil {
		return fail("load stats: %v", err)
	}
	entries, err := st.History(contextShowTurns)
	if err != nil {
		return fail("load history: %v", err)
	}

	msg := strings.TrimSpace(sum.Summary)
	if msg == "" {
		msg = "(no context recorded)"
	}
	out := okReply(msg)
	out["summary"] = sum
	out["stats"] = stats
	out["recent"] = session.FormatHistory(entries, 0)
	return out
}

func (b *Bridge) cmdContextSummary(_ context.Context, req request) reply {
	sum, err := b.store(req).Summary()
	if err != nil {
		return fail("load summary: %v", err)
	}
	if strings.TrimSpace(sum.Summary) == "" {
		return okReply("(no summary yet)")
	}
	return okReply(sum.Summary)
}

func (b *Bridge) cmdContextSetSummary(_ context.Context, req request) reply {
	text := req.str("text")
	if text == "" {
		return fail("context_set_summary requires text")
	}
	if err := b.store(req).SetSummary(text); err != nil {
		return fail("set summary: %v", err)
	}
	return okReply("summary updated")
}

func (b *Bridge) cmdContextHistory(_ context.Context, req request) reply {
	entries, err := b.store(req).History(req.intOr("limit", 20))
	if err != nil {
		return fail("load history: %v", err)
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	out := okReply(fmt.Sprintf("%d entries", len(entries)))
	out["history"] = entries
	return out
}

func (b *Bridge) cmdContextStats(_ context.Context, req request) reply {
	stats, err := b.store(req).Stats()
	if err != nil {
		return fail("load stats: %v", err)
	}
	out := okReply(fmt.Sprintf("%d turns, %d succeeded, %d artifacts", stats.Entries, stats.Successes, stats.Artifacts))
	out["stats"] = stats
	return out
}

func (b *Bridge) cmdContextClear(_ context.Context, req request) reply {
	if err := b.store(req).Clear(); err != nil {
		return fail("clear context: %v", err)
	}
	return okReply("context cleared")
}

// cmdConfigSave decodes the given config object over defaults and
// writes it to the config path. Going through YAML keeps the JSON keys
// aligned with the config file's own names. The saved values apply to
// subsequent requests on this bridge.
func (b *Bridge) cmdConfigSave(_ context.Context, req request) reply {
	raw, ok := req["config"]
	if !ok {
		return fail("config_save requires config")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fail("encode config: %v", err)
	}

	cfg := config.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fail("parse config: %v", err)
	}

	path := b.cfgPath
	if path == "" {
		path = config.DefaultPath(".")
	}
	if err := cfg.Save(path); err != nil {
		return fail("save config: %v", err)
	}

	*b.cfg = *cfg
	return okReply(fmt.Sprintf("config saved to %s", path))
}

func (b *Bridge) cmdModelPreview(ctx context.Context, req request) reply {
	path := req.str("path")
	if path == "" {
		return fail("model_preview requires path")
	}
	if b.backend == nil {
		return fail("no backend configured")
	}

	png, err := b.backend.Preview(ctx, path, req.intOr("width", 0), req.intOr("height", 0))
	if err != nil {
		return fail("preview: %v", err)
	}
	out := okReply(fmt.Sprintf("preview of %s", filepath.Base(path)))
	out["image_base64"] = base64.StdEncoding.EncodeToString(png)
	return out
}

// modelInfo is one models_list element.
type modelInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (b *Bridge) cmdModelsList(_ context.Context, req request) reply {
	models := []modelInfo{}

	entries, err := os.ReadDir(b.cfg.Paths.OutputDir)
	if err != nil && !os.IsNotExist(err) {
		return fail("list models: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".mph") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		models = append(models, modelInfo{
			Path:     filepath.Join(b.cfg.Paths.OutputDir, e.Name()),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Modified.After(models[j].Modified) })

	if limit := req.intOr("limit", 10); limit > 0 && len(models) > limit {
		models = models[:limit]
	}
	out := okReply(fmt.Sprintf("%d models", len(models)))
	out["models"] = models
	return out
}

func (b *Bridge) cmdConversationDelete(_ context.Context, req request) reply {
	id := req.str("conversation_id")
	if id == "" {
		return fail("conversation_delete requires conversation_id")
	}

	removed, err := b.orch.Store(id).Delete()
	if err != nil {
		return fail("delete conversation: %v", err)
	}
	if removed == nil {
		removed = []string{}
	}
	out := okReply(fmt.Sprintf("conversation %s deleted", id))
	out["deleted_paths"] = removed
	return out
}
