package skills

import (
	"context"
	"strings"
	"sync"

	"simforge/internal/logging"
)

// Marker precedes every injected skill block so downstream tooling can
// locate it in a prompt.
const Marker = "=== RETRIEVED SKILLS ==="

// promptDelimiter separates a prepended skill block from the user prompt.
const promptDelimiter = "---"

// Hit is one vector search result.
type Hit struct {
	Name         string
	Instructions string
	Distance     float64
}

// Searcher is the vector store surface the injector needs.
type Searcher interface {
	EnsureIndexed(ctx context.Context, library []Skill) error
	Search(ctx context.Context, query string, k int) ([]Hit, error)
}

// Injector selects relevant skills for a query and splices their
// instructions into prompts. Retrieval order: vector search, then
// trigger/tag matching, then the first K skills.
type Injector struct {
	mu       sync.Mutex
	library  []Skill
	store    Searcher // nil disables semantic recall
	topK     int
	lastUsed []string
}

// NewInjector creates an injector over the given library. store may be
// nil, in which case only trigger/tag matching is used.
func NewInjector(library []Skill, store Searcher, topK int) *Injector {
	if topK < 1 {
		topK = 3
	}
	return &Injector{
		library: library,
		store:   store,
		topK:    topK,
	}
}

// SetLibrary replaces the skill library, typically after a reload.
func (inj *Injector) SetLibrary(library []Skill) {
	inj.mu.Lock()
	inj.library = library
	inj.mu.Unlock()
	logging.Skills("injector library replaced, %d skills", len(library))
}

// Library returns the current skill library.
func (inj *Injector) Library() []Skill {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	out := make([]Skill, len(inj.library))
	copy(out, inj.library)
	return out
}

// Inject appends the retrieved skill block to a system prompt.
func (inj *Injector) Inject(ctx context.Context, query, systemPrompt string) string {
	block := inj.retrieve(ctx, query)
	if block == "" {
		return systemPrompt
	}
	if systemPrompt == "" {
		return Marker + "\n" + block
	}
	return systemPrompt + "\n\n" + Marker + "\n" + block
}

// InjectIntoPrompt prepends the retrieved skill block to a user prompt,
// separated by a delimiter line.
func (inj *Injector) InjectIntoPrompt(ctx context.Context, query, userPrompt string) string {
	block := inj.retrieve(ctx, query)
	if block == "" {
		return userPrompt
	}
	return Marker + "\n" + block + "\n\n" + promptDelimiter + "\n\n" + userPrompt
}

// LastUsedSkills returns the names injected by the most recent call.
func (inj *Injector) LastUsedSkills() []string {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	out := make([]string, len(inj.lastUsed))
	copy(out, inj.lastUsed)
	return out
}

// retrieve builds the instruction block for a query and records the
// names used.
func (inj *Injector) retrieve(ctx context.Context, query string) string {
	inj.mu.Lock()
	library := inj.library
	store := inj.store
	topK := inj.topK
	inj.mu.Unlock()

	if len(library) == 0 {
		inj.setLastUsed(nil)
		return ""
	}

	if store != nil && strings.TrimSpace(query) != "" {
		if block, names, ok := inj.retrieveSemantic(ctx, store, library, query, topK); ok {
			inj.setLastUsed(names)
			return block
		}
	}

	block, names := retrieveFallback(library, query, topK)
	inj.setLastUsed(names)
	return block
}

// retrieveSemantic runs the vector path. ok is false when the store
// errored or returned nothing, so the caller can fall back.
func (inj *Injector) retrieveSemantic(ctx context.Context, store Searcher, library []Skill, query string, topK int) (string, []string, bool) {
	if err := store.EnsureIndexed(ctx, library); err != nil {
		logging.SkillsWarn("ensure_indexed failed: %v", err)
	}

	hits, err := store.Search(ctx, query, topK)
	if err != nil {
		logging.SkillsWarn("vector search failed, falling back: %v", err)
		return "", nil, false
	}
	if len(hits) == 0 {
		return "", nil, false
	}

	seen := make(map[string]bool, len(hits))
	var texts, names []string
	for _, hit := range hits {
		if seen[hit.Name] {
			continue
		}
		seen[hit.Name] = true
		names = append(names, hit.Name)
		if strings.TrimSpace(hit.Instructions) != "" {
			texts = append(texts, hit.Instructions)
		}
	}
	logging.SkillsDebug("semantic recall: %v", names)
	return strings.Join(texts, "\n\n"), names, true
}

// retrieveFallback matches triggers first, then tags, then takes the
// first K skills when nothing matched.
func retrieveFallback(library []Skill, query string, topK int) (string, []string) {
	lowered := strings.ToLower(query)

	var picked []Skill
	seen := make(map[string]bool, topK)

	add := func(s Skill) bool {
		if seen[s.Name] || len(picked) >= topK {
			return len(picked) < topK
		}
		seen[s.Name] = true
		picked = append(picked, s)
		return len(picked) < topK
	}

	if lowered != "" {
		for _, s := range library {
			if s.TriggerMatch(lowered) && !add(s) {
				break
			}
		}
		for _, s := range library {
			if len(picked) >= topK {
				break
			}
			if s.TagMatch(lowered) {
				add(s)
			}
		}
	}

	if len(picked) == 0 {
		for _, s := range library {
			if !add(s) {
				break
			}
		}
	}

	var texts, names []string
	for _, s := range picked {
		names = append(names, s.Name)
		if strings.TrimSpace(s.Instructions) != "" {
			texts = append(texts, s.Instructions)
		}
	}
	return strings.Join(texts, "\n\n"), names
}

func (inj *Injector) setLastUsed(names []string) {
	inj.mu.Lock()
	inj.lastUsed = names
	inj.mu.Unlock()
}
