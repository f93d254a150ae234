// Package main wires the agent stack for the forge CLI. app.go owns
// construction and teardown; the command files use the pieces.
package main

import (
	"context"
	"fmt"

	"simforge/internal/backend"
	"simforge/internal/bus"
	"simforge/internal/config"
	"simforge/internal/embedding"
	"simforge/internal/executor"
	"simforge/internal/gateway"
	"simforge/internal/orchestrator"
	"simforge/internal/plancheck"
	"simforge/internal/planner"
	"simforge/internal/prompt"
	"simforge/internal/session"
	"simforge/internal/skills"
	"simforge/internal/store"

	"go.uber.org/zap"
)

// app owns the full agent stack for one CLI invocation.
type app struct {
	cfg      *config.Config
	cfgPath  string
	events   *bus.Bus
	be       backend.Backend
	registry *prompt.Registry
	checker  *plancheck.Checker
	injector *skills.Injector
	skillDB  *store.SkillStore
	gw       *gateway.Gateway
	memory   *session.MemoryUpdater
	orch     *orchestrator.Orchestrator
	watcher  *skills.Watcher
}

// newApp builds the stack from the loaded config. The gateway and the
// plan checker are required; the skill store and watcher degrade to nil
// with a logged warning so the CLI stays usable without them.
func newApp(ctx context.Context) (*app, error) {
	a := &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		events:  bus.New(),
		be:      backend.NewLocal(),
	}
	a.registry = prompt.NewRegistry(cfg.Paths.PromptsDir)

	var err error
	a.gw, err = gateway.NewGatewayFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build LLM gateway: %w", err)
	}
	a.checker, err = plancheck.New()
	if err != nil {
		return nil, fmt.Errorf("failed to build plan checker: %w", err)
	}

	library, err := skills.LoadDirectory(cfg.Skills.Dir)
	if err != nil {
		logger.Warn("Skill library unavailable", zap.String("dir", cfg.Skills.Dir), zap.Error(err))
	}
	engine, err := embedding.NewEngine(embeddingConfig(cfg))
	if err != nil {
		logger.Warn("Embedding engine unavailable, skills fall back to trigger matching", zap.Error(err))
	}
	if engine != nil {
		a.skillDB, err = store.NewSkillStore(cfg.Paths.VectorDB, engine, cfg.Skills.MaxPayload)
		if err != nil {
			logger.Warn("Skill store unavailable, skills fall back to trigger matching", zap.Error(err))
		}
	}
	var searcher skills.Searcher
	if a.skillDB != nil {
		searcher = a.skillDB
	}
	a.injector = skills.NewInjector(library, searcher, cfg.Skills.TopK)

	a.memory = session.NewMemoryUpdater(cfg.Context.AsyncMemory)
	a.orch = a.buildOrchestrator(cfg, a.gw)

	if cfg.Skills.Watch {
		w, werr := skills.NewWatcher(cfg.Skills.Dir, a.reloadSkills)
		if werr != nil {
			logger.Warn("Skill watcher unavailable", zap.Error(werr))
		} else if werr := w.Start(ctx); werr != nil {
			logger.Warn("Skill watcher failed to start", zap.Error(werr))
		} else {
			a.watcher = w
		}
	}
	return a, nil
}

// Close releases background workers and the skill store.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.memory != nil {
		a.memory.Close()
	}
	if a.skillDB != nil {
		_ = a.skillDB.Close()
	}
}

func (a *app) buildOrchestrator(c *config.Config, gw *gateway.Gateway) *orchestrator.Orchestrator {
	pl := planner.NewOrchestrator(gw, a.registry, a.injector, a.events, a.checker)
	exec := executor.NewController(a.be, gw, a.events, a.registry, a.checker, executorConfig(c))
	return orchestrator.New(orchestrator.Deps{
		Config:   c,
		Planner:  pl,
		Executor: exec,
		Gateway:  gw,
		Registry: a.registry,
		Injector: a.injector,
		Events:   a.events,
		Memory:   a.memory,
	})
}

// orchestratorWith rebuilds the turn stack for a per-request provider or
// model override. The bus, backend, skills and session memory are shared
// with the base stack, so bridge subscribers keep receiving events.
func (a *app) orchestratorWith(provider, model string) (*orchestrator.Orchestrator, error) {
	if provider == "" && model == "" {
		return a.orch, nil
	}
	override := *a.cfg
	if provider != "" && provider != a.cfg.LLM.Provider {
		override.LLM.Provider = provider
		override.LLM.APIKey = providerKeyFromEnv(provider)
		override.LLM.BaseURL = ""
	}
	if model != "" {
		override.LLM.Model = model
	}
	gw, err := gateway.NewGatewayFromConfig(&override)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s gateway: %w", override.LLM.Provider, err)
	}
	return a.buildOrchestrator(&override, gw), nil
}

// reloadSkills is the watcher callback: swap the injector's library and
// refresh the vector index.
func (a *app) reloadSkills(library []skills.Skill) {
	a.injector.SetLibrary(library)
	if a.skillDB != nil {
		if err := a.skillDB.Index(context.Background(), library); err != nil {
			logger.Warn("Skill reindex failed", zap.Error(err))
		}
	}
	logger.Info("Skill library reloaded", zap.Int("skills", len(library)))
}

// executorConfig maps the loop bounds from config, keeping defaults for
// unset values.
func executorConfig(c *config.Config) executor.Config {
	ec := executor.DefaultConfig()
	if c.Executor.MaxIterations > 0 {
		ec.MaxIterations = c.Executor.MaxIterations
	}
	if c.Executor.StepRetries > 0 {
		ec.MaxStepRetries = c.Executor.StepRetries
	}
	if c.Executor.WarningThreshold > 0 {
		ec.RefineAfterWarnings = c.Executor.WarningThreshold
	}
	return ec
}

func embeddingConfig(c *config.Config) embedding.Config {
	return embedding.Config{
		Provider:       c.Embedding.Provider,
		OllamaEndpoint: c.Embedding.OllamaEndpoint,
		OllamaModel:    c.Embedding.OllamaModel,
		GenAIAPIKey:    c.Embedding.GenAIAPIKey,
		GenAIModel:     c.Embedding.GenAIModel,
		TaskType:       c.Embedding.TaskType,
		Dimensions:     c.Embedding.Dimensions,
	}
}
