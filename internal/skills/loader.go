package skills

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"simforge/internal/logging"
)

// frontmatter mirrors the recognised SKILL.md header keys.
type frontmatter struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Version       string   `yaml:"version"`
	Author        string   `yaml:"author"`
	Tags          []string `yaml:"tags"`
	Triggers      []string `yaml:"triggers"`
	Prerequisites []string `yaml:"prerequisites"`
}

// LoadDirectory scans root for SKILL.md files and returns the parsed
// skills in lexical path order. A missing root yields an empty library.
// Individual files that fail to parse are skipped with a warning.
func LoadDirectory(root string) ([]Skill, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			logging.Skills("skill root %s not found, library empty", root)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat skill root: %w", err)
	}

	var loaded []Skill
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.SkillsWarn("skipping %s: %v", path, err)
			return nil
		}
		if d.IsDir() || d.Name() != "SKILL.md" {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			logging.SkillsWarn("failed to read %s: %v", path, err)
			return nil
		}

		skill, err := Parse(content, filepath.Base(filepath.Dir(path)))
		if err != nil {
			logging.SkillsWarn("failed to parse %s: %v", path, err)
			return nil
		}
		skill.Path = path
		loaded = append(loaded, skill)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk skill root: %w", err)
	}

	logging.Skills("loaded %d skills from %s", len(loaded), root)
	return loaded, nil
}

// Parse parses one SKILL.md document. fallbackName is used when the
// frontmatter is absent or carries no name, conventionally the skill's
// directory name.
func Parse(content []byte, fallbackName string) (Skill, error) {
	header, body := splitFrontmatter(string(content))

	skill := Skill{
		Name:         fallbackName,
		Instructions: strings.TrimSpace(body),
	}

	if header == "" {
		return skill, nil
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return Skill{}, fmt.Errorf("invalid frontmatter: %w", err)
	}

	if fm.Name != "" {
		skill.Name = fm.Name
	}
	skill.Description = fm.Description
	skill.Version = fm.Version
	skill.Author = fm.Author
	skill.Tags = fm.Tags
	skill.Triggers = fm.Triggers
	skill.Prerequisites = fm.Prerequisites
	return skill, nil
}

// splitFrontmatter separates the leading --- delimited YAML header from
// the markdown body. Returns an empty header when none is present.
func splitFrontmatter(content string) (header, body string) {
	trimmed := strings.TrimPrefix(content, "\uFEFF")
	if !strings.HasPrefix(trimmed, "---") {
		return "", content
	}

	rest := trimmed[3:]
	rest = strings.TrimPrefix(rest, "\r")
	if !strings.HasPrefix(rest, "\n") {
		return "", content
	}
	rest = rest[1:]

	for _, closer := range []string{"\n---\n", "\n---\r\n"} {
		if idx := strings.Index(rest, closer); idx >= 0 {
			return rest[:idx], rest[idx+len(closer):]
		}
	}
	// Closing delimiter at EOF without trailing newline
	if strings.HasSuffix(rest, "\n---") {
		return strings.TrimSuffix(rest, "\n---"), ""
	}
	return "", content
}
