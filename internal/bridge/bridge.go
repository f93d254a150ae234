// Package bridge exposes the agent core to a host process over
// line-delimited JSON on stdio. Each request line is one JSON object
// carrying a cmd field; each reply line carries at least ok and
// message. Progress events from the bus are interleaved with replies
// as lines tagged "_event": true, so hosts can stream progress while a
// command runs.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"simforge/internal/backend"
	"simforge/internal/bus"
	"simforge/internal/config"
	"simforge/internal/logging"
	"simforge/internal/orchestrator"
)

// maxLineBytes bounds one request line. Saved plans with long context
// blocks stay far below this.
const maxLineBytes = 10 * 1024 * 1024

// Deps wires the bridge. In and Out default to os.Stdin and os.Stdout.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Backend      backend.Backend
	Events       *bus.Bus
	Config       *config.Config

	// ConfigPath is where config_save writes.
	ConfigPath string

	// Rebuild returns an orchestrator honoring a per-request provider or
	// model override. Nil rejects overrides.
	Rebuild func(provider, model string) (*orchestrator.Orchestrator, error)

	In  io.Reader
	Out io.Writer
}

// Bridge serves the request loop. Requests are handled one at a time in
// arrival order; event lines for a running command are written as they
// happen, before the command's reply.
type Bridge struct {
	orch    *orchestrator.Orchestrator
	backend backend.Backend
	events  *bus.Bus
	cfg     *config.Config
	cfgPath string
	rebuild func(provider, model string) (*orchestrator.Orchestrator, error)

	in  io.Reader
	out io.Writer

	writeMu  sync.Mutex
	handlers map[string]func(context.Context, request) reply
}

// New builds a bridge from its dependencies.
func New(deps Deps) *Bridge {
	b := &Bridge{
		orch:    deps.Orchestrator,
		backend: deps.Backend,
		events:  deps.Events,
		cfg:     deps.Config,
		cfgPath: deps.ConfigPath,
		rebuild: deps.Rebuild,
		in:      deps.In,
		out:     deps.Out,
	}
	if b.cfg == nil {
		b.cfg = config.DefaultConfig()
	}
	if b.in == nil {
		b.in = os.Stdin
	}
	if b.out == nil {
		b.out = os.Stdout
	}
	b.handlers = map[string]func(context.Context, request) reply{
		"run":                 b.cmdRun,
		"plan":                b.cmdPlan,
		"exec":                b.cmdExec,
		"demo":                b.cmdDemo,
		"doctor":              b.cmdDoctor,
		"context_show":        b.cmdContextShow,
		"context_get_summary": b.cmdContextSummary,
		"context_set_summary": b.cmdContextSetSummary,
		"context_history":     b.cmdContextHistory,
		"context_stats":       b.cmdContextStats,
		"context_clear":       b.cmdContextClear,
		"config_save":         b.cmdConfigSave,
		"model_preview":       b.cmdModelPreview,
		"models_list":         b.cmdModelsList,
		"conversation_delete": b.cmdConversationDelete,
	}
	return b
}

// Run serves requests until stdin closes or the context is cancelled.
// It refuses to start when stdin is a terminal: the protocol expects a
// piped host on the other end, not a person.
func (b *Bridge) Run(ctx context.Context) error {
	if f, ok := b.in.(*os.File); ok && isTerminal(f) {
		return errors.New("stdin is a terminal; the bridge serves a piped host process")
	}

	if b.events != nil {
		b.events.SubscribeAll(b.forwardEvent)
	}
	logging.Bridge("bridge serving on stdio")

	lines := make(chan []byte)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(b.in)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			// Scanner reuses its buffer; the dispatcher needs a copy.
			buf := make([]byte, len(line))
			copy(buf, line)
			select {
			case lines <- buf:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return scanner.Err()
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				b.dispatch(gctx, line)
			}
		}
	})

	err := g.Wait()
	logging.Bridge("bridge loop ended: %v", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatch decodes one request line and writes its reply. Malformed
// lines and unknown commands get error replies rather than ending the
// loop.
func (b *Bridge) dispatch(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		logging.BridgeDebug("bad request line: %v", err)
		b.writeReply(fail("invalid request: %v", err))
		return
	}

	cmd, _ := req["cmd"].(string)
	handler, ok := b.handlers[cmd]
	if !ok {
		b.writeReply(fail("unknown command %q", cmd))
		return
	}

	logging.BridgeDebug("dispatch %s", cmd)
	b.writeReply(handler(ctx, req))
}

func (b *Bridge) writeReply(r reply) {
	if _, ok := r["ok"]; !ok {
		r["ok"] = false
	}
	b.writeLine(r)
}

// writeLine marshals v and writes it as one line. The mutex serializes
// replies with event lines emitted from handler goroutines.
func (b *Bridge) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.BridgeError("encode line: %v", err)
		return
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.out.Write(append(data, '\n')); err != nil {
		logging.BridgeError("write line: %v", err)
	}
}

// eventLine is the wire form of a bus event. The _event marker is what
// separates event lines from replies on the host side.
type eventLine struct {
	Event     bool           `json:"_event"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Iteration *int           `json:"iteration,omitempty"`
}

func (b *Bridge) forwardEvent(ev bus.Event) {
	b.writeLine(eventLine{
		Event:     true,
		Type:      ev.Type.String(),
		Data:      ev.Data,
		Iteration: ev.Iteration,
	})
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
