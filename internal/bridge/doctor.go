package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"simforge/internal/backend"
	"simforge/internal/config"
)

// ollamaProbeTimeout bounds the reachability probe. Doctor should never
// hang on a dead endpoint.
const ollamaProbeTimeout = 3 * time.Second

// DoctorChecks probes everything the agent needs to run: configuration,
// provider credentials, skill sources, the vector store, and the
// backend. Shared by the doctor command on the CLI and on the bridge.
func DoctorChecks(ctx context.Context, cfg *config.Config, be backend.Backend) []backend.Check {
	checks := []backend.Check{
		configCheck(cfg),
		credentialCheck(cfg),
		skillsCheck(cfg.Skills.Dir),
		vectorCheck(cfg.Paths.VectorDB),
	}
	if cfg.LLM.Provider == "ollama" {
		checks = append(checks, ollamaCheck(ctx, cfg.LLM.OllamaURL))
	}
	if be != nil {
		checks = append(checks, be.Doctor(ctx)...)
	}
	return checks
}

func configCheck(cfg *config.Config) backend.Check {
	if err := cfg.Validate(); err != nil {
		return backend.Check{Name: "config", OK: false, Detail: err.Error()}
	}
	return backend.Check{Name: "config", OK: true, Detail: fmt.Sprintf("provider %s", cfg.LLM.Provider)}
}

func credentialCheck(cfg *config.Config) backend.Check {
	if cfg.LLM.Provider == "ollama" {
		return backend.Check{Name: "credentials", OK: true, Detail: "ollama needs no API key"}
	}
	if cfg.LLM.APIKey == "" {
		return backend.Check{Name: "credentials", OK: false, Detail: fmt.Sprintf("no API key for %s", cfg.LLM.Provider)}
	}
	return backend.Check{Name: "credentials", OK: true, Detail: fmt.Sprintf("API key set for %s", cfg.LLM.Provider)}
}

func skillsCheck(dir string) backend.Check {
	info, err := os.Stat(dir)
	if err != nil {
		return backend.Check{Name: "skills directory", OK: false, Detail: err.Error()}
	}
	if !info.IsDir() {
		return backend.Check{Name: "skills directory", OK: false, Detail: dir + " is not a directory"}
	}
	return backend.Check{Name: "skills directory", OK: true, Detail: dir}
}

func vectorCheck(path string) backend.Check {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return backend.Check{Name: "vector store", OK: true, Detail: path + " not built yet, run skills reindex"}
		}
		return backend.Check{Name: "vector store", OK: false, Detail: err.Error()}
	}
	return backend.Check{Name: "vector store", OK: true, Detail: path}
}

func ollamaCheck(ctx context.Context, url string) backend.Check {
	probe, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/api/tags", nil)
	if err != nil {
		return backend.Check{Name: "ollama", OK: false, Detail: err.Error()}
	}

	client := &http.Client{Timeout: ollamaProbeTimeout}
	resp, err := client.Do(probe)
	if err != nil {
		return backend.Check{Name: "ollama", OK: false, Detail: fmt.Sprintf("unreachable at %s: %v", url, err)}
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return backend.Check{Name: "ollama", OK: false, Detail: fmt.Sprintf("%s returned %s", url, resp.Status)}
	}
	return backend.Check{Name: "ollama", OK: true, Detail: url}
}
