// Package session persists per-conversation context: conversation
// history, a rebuildable summary, the latest artifact pointer, and an
// append-only operation log. Files live under <root>/<session-id>/ and
// history writes replace the whole file so concurrent readers never see
// a partial array.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"simforge/internal/logging"
)

const (
	historyFile    = "history.json"
	summaryFile    = "summary.json"
	latestFile     = "latest_model.txt"
	operationsFile = "operations.md"

	// maxHistoryEntries is the tail kept in history.json.
	maxHistoryEntries = 100
)

// DefaultSession is the conversation id used when the caller does not
// supply one.
const DefaultSession = "default"

// Entry is one completed conversation turn.
type Entry struct {
	Timestamp    time.Time      `json:"timestamp"`
	UserInput    string         `json:"user_input"`
	Plan         map[string]any `json:"plan,omitempty"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
}

// ContextSummary is the session's rolled-up memory. Users may overwrite
// the text themselves; the counters and tags come from rebuilds.
type ContextSummary struct {
	Summary     string            `json:"summary"`
	LastUpdated time.Time         `json:"last_updated"`
	TotalCount  int               `json:"total_count"`
	RecentKinds []string          `json:"recent_kinds,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Stats aggregates the session at a glance.
type Stats struct {
	Entries     int     `json:"entries"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
	Artifacts   int     `json:"artifacts"`
	LatestModel string  `json:"latest_model,omitempty"`
}

// Store persists one session's context. Safe for concurrent use; every
// mutation rewrites the affected file atomically.
type Store struct {
	mu   sync.Mutex
	root string
	id   string
}

// NewStore opens (or lazily creates) the context store for a session.
// An empty id selects the default session.
func NewStore(root, id string) *Store {
	if id == "" {
		id = DefaultSession
	}
	return &Store{root: root, id: id}
}

// ID returns the session id.
func (s *Store) ID() string { return s.id }

// Dir returns the session's directory path.
func (s *Store) Dir() string {
	return filepath.Join(s.root, s.id)
}

// Append adds a completed turn and truncates history to the newest
// entries.
func (s *Store) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entries, err := s.readHistory()
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	if len(entries) > maxHistoryEntries {
		entries = entries[len(entries)-maxHistoryEntries:]
	}
	if err := s.writeJSON(historyFile, entries); err != nil {
		return err
	}
	logging.SessionDebug("session %s: %d entries after append", s.id, len(entries))
	return nil
}

// History returns the newest entries, oldest first. A non-positive
// limit returns everything kept.
func (s *Store) History(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Summary reads the current summary. A session with no summary yet
// yields an empty one rather than an error.
func (s *Store) Summary() (*ContextSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSummary()
}

// SetSummary replaces the summary text, keeping rebuilt counters and
// preferences. This is the user-authored memory path.
func (s *Store) SetSummary(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, err := s.readSummary()
	if err != nil {
		return err
	}
	sum.Summary = text
	sum.LastUpdated = time.Now().UTC()
	return s.writeJSON(summaryFile, sum)
}

// WriteSummary replaces the whole summary object. Used by rebuilds.
func (s *Store) WriteSummary(sum *ContextSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sum.LastUpdated.IsZero() {
		sum.LastUpdated = time.Now().UTC()
	}
	return s.writeJSON(summaryFile, sum)
}

// SetLatestModel records the most recent artifact path for the session.
func (s *Store) SetLatestModel(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return s.writeFile(latestFile, []byte(abs+"\n"))
}

// LatestModel returns the recorded artifact path, or "" when none is
// set.
func (s *Store) LatestModel() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.Dir(), latestFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read latest model: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// AppendOperation adds one timestamped line to the markdown step log.
func (s *Store) AppendOperation(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.Dir(), operationsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open operations log: %w", err)
	}
	defer f.Close()

	stamp := time.Now().UTC().Format("2006-01-02 15:04:05")
	if _, err := fmt.Fprintf(f, "- [%s] %s\n", stamp, line); err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// Stats summarizes the session's history and artifacts.
func (s *Store) Stats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	st := &Stats{Entries: len(entries)}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Success {
			st.Successes++
		} else {
			st.Failures++
		}
		if e.ArtifactPath != "" && !seen[e.ArtifactPath] {
			seen[e.ArtifactPath] = true
			st.Artifacts++
		}
	}
	if st.Entries > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Entries)
	}

	data, err := os.ReadFile(filepath.Join(s.Dir(), latestFile))
	if err == nil {
		st.LatestModel = strings.TrimSpace(string(data))
	}
	return st, nil
}

// Clear wipes the session's persisted context but keeps the directory.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{historyFile, summaryFile, latestFile, operationsFile} {
		if err := os.Remove(filepath.Join(s.Dir(), name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear %s: %w", name, err)
		}
	}
	logging.Session("session %s cleared", s.id)
	return nil
}

// Delete removes the session directory entirely and reports what was
// removed.
func (s *Store) Delete() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir()
	var removed []string
	for _, name := range []string{historyFile, summaryFile, latestFile, operationsFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			removed = append(removed, path)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	logging.Session("session %s deleted (%d files)", s.id, len(removed))
	return removed, nil
}

func (s *Store) readHistory() ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(), historyFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt history must not brick the session; start fresh and
		// keep the broken file out of the way.
		logging.SessionWarn("session %s: corrupt history discarded: %v", s.id, err)
		return nil, nil
	}
	return entries, nil
}

func (s *Store) readSummary() (*ContextSummary, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(), summaryFile))
	if os.IsNotExist(err) {
		return &ContextSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var sum ContextSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		logging.SessionWarn("session %s: corrupt summary discarded: %v", s.id, err)
		return &ContextSummary{}, nil
	}
	return &sum, nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.writeFile(name, data)
}

// writeFile replaces one session file atomically.
func (s *Store) writeFile(name string, data []byte) error {
	dir := s.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("stage %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("stage %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
