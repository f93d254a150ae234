// Package prompt resolves named templates. Templates live on disk
// under <dir>/<category>/<name>.md so users can override them; the
// built-in set is baked into the binary with go:embed and serves as
// the fallback.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"simforge/internal/logging"
)

// defaultTemplates holds the built-in template set. defaults/ is a
// subdirectory of this package.
//
//go:embed defaults
var defaultTemplates embed.FS

// ErrTemplateNotFound is returned when a template exists neither on
// disk nor in the built-in set.
var ErrTemplateNotFound = fmt.Errorf("prompt template not found")

// Registry resolves category/name template keys. It is session-scoped:
// construct one per session rather than sharing a global.
type Registry struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]string
}

// NewRegistry creates a registry rooted at dir. dir may be empty, in
// which case only the built-in templates resolve.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:   dir,
		cache: make(map[string]string),
	}
}

// Get returns the raw template for category/name, loading it on first
// use. Disk templates shadow built-ins.
func (r *Registry) Get(category, name string) (string, error) {
	key := category + "/" + name

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	text, err := r.load(category, name)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = text
	r.mu.Unlock()
	return text, nil
}

// Has reports whether category/name resolves.
func (r *Registry) Has(category, name string) bool {
	_, err := r.Get(category, name)
	return err == nil
}

// Format resolves the template and substitutes vars into its
// brace-style placeholders.
func (r *Registry) Format(category, name string, vars map[string]string) (string, error) {
	text, err := r.Get(category, name)
	if err != nil {
		return "", err
	}
	return Substitute(text, vars), nil
}

// Reload drops the cache so edited disk templates are picked up.
func (r *Registry) Reload() {
	r.mu.Lock()
	r.cache = make(map[string]string)
	r.mu.Unlock()
}

func (r *Registry) load(category, name string) (string, error) {
	if r.dir != "" {
		diskPath := filepath.Join(r.dir, category, name+".md")
		if data, err := os.ReadFile(diskPath); err == nil {
			logging.PromptDebug("loaded template %s/%s from %s", category, name, diskPath)
			return string(data), nil
		}
	}

	embeddedPath := path.Join("defaults", category, name+".md")
	if data, err := defaultTemplates.ReadFile(embeddedPath); err == nil {
		return string(data), nil
	}

	return "", fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, category, name)
}

// Substitute replaces {key} placeholders with values from vars. A
// doubled brace {{ emits a literal {. Unknown placeholders are left
// intact so callers can spot them in output.
func Substitute(template string, vars map[string]string) string {
	var out strings.Builder
	out.Grow(len(template))

	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '{' {
			out.WriteByte(c)
			continue
		}

		if i+1 < len(template) && template[i+1] == '{' {
			out.WriteByte('{')
			i++
			continue
		}

		end := strings.IndexByte(template[i+1:], '}')
		if end < 0 {
			out.WriteByte('{')
			continue
		}

		key := template[i+1 : i+1+end]
		if val, ok := vars[key]; ok {
			out.WriteString(val)
		} else {
			out.WriteString(template[i : i+2+end])
		}
		i += end + 1
	}

	return out.String()
}
