// Package skills loads the SKILL.md library and injects relevant
// instructions into prompts. Retrieval prefers the vector store and
// degrades to trigger/tag matching when no embedder is available.
package skills

import "strings"

// Skill is one loaded SKILL.md entry.
type Skill struct {
	// Name identifies the skill. Taken from frontmatter, falling back
	// to the directory name.
	Name string

	// Description is a one-line summary from frontmatter.
	Description string

	// Version and Author are informational frontmatter fields.
	Version string
	Author  string

	// Tags classify the skill for fallback matching.
	Tags []string

	// Triggers are substrings that activate the skill when found in a
	// lowercased query.
	Triggers []string

	// Prerequisites name skills that should accompany this one.
	Prerequisites []string

	// Instructions is the markdown body injected into prompts.
	Instructions string

	// Path is the source SKILL.md location.
	Path string
}

// EmbeddingText returns the text embedded for semantic recall.
func (s *Skill) EmbeddingText() string {
	parts := make([]string, 0, 4)
	if s.Name != "" {
		parts = append(parts, s.Name)
	}
	if s.Description != "" {
		parts = append(parts, s.Description)
	}
	if len(s.Tags) > 0 {
		parts = append(parts, strings.Join(s.Tags, " "))
	}
	if s.Instructions != "" {
		parts = append(parts, s.Instructions)
	}
	return strings.Join(parts, "\n")
}

// TriggerMatch reports whether any trigger appears in the lowercased query.
func (s *Skill) TriggerMatch(loweredQuery string) bool {
	for _, trig := range s.Triggers {
		trig = strings.ToLower(strings.TrimSpace(trig))
		if trig != "" && strings.Contains(loweredQuery, trig) {
			return true
		}
	}
	return false
}

// TagMatch reports whether any tag appears in the lowercased query.
func (s *Skill) TagMatch(loweredQuery string) bool {
	for _, tag := range s.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && strings.Contains(loweredQuery, tag) {
			return true
		}
	}
	return false
}
