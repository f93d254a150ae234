package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"simforge/internal/logging"
)

const (
	// summaryWindow is how many recent entries a rebuild inspects.
	summaryWindow = 20
	// recentActivities is how many activity lines the summary keeps.
	recentActivities = 5
	// maxRecentKinds caps the geometry tags carried in the summary.
	maxRecentKinds = 8
)

// MemoryUpdater rebuilds session summaries from history. In async mode
// rebuilds run on a single background worker so turn handling never
// blocks on summary bookkeeping; Close drains the queue.
type MemoryUpdater struct {
	jobs  chan *Store
	wg    sync.WaitGroup
	once  sync.Once
	async bool
}

// NewMemoryUpdater creates an updater. With async=false Trigger
// rebuilds inline, which tests rely on for determinism.
func NewMemoryUpdater(async bool) *MemoryUpdater {
	m := &MemoryUpdater{async: async}
	if async {
		m.jobs = make(chan *Store, 16)
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *MemoryUpdater) worker() {
	defer m.wg.Done()
	for store := range m.jobs {
		if err := m.Rebuild(store); err != nil {
			logging.SessionWarn("memory rebuild for %s: %v", store.ID(), err)
		}
	}
}

// Trigger schedules a rebuild for the store, or runs it inline in sync
// mode. A full queue drops the request; the next turn triggers again.
func (m *MemoryUpdater) Trigger(store *Store) {
	if !m.async {
		if err := m.Rebuild(store); err != nil {
			logging.SessionWarn("memory rebuild for %s: %v", store.ID(), err)
		}
		return
	}
	select {
	case m.jobs <- store:
	default:
		logging.SessionDebug("memory queue full, skipping rebuild for %s", store.ID())
	}
}

// Close stops the worker after draining queued rebuilds.
func (m *MemoryUpdater) Close() {
	if !m.async {
		return
	}
	m.once.Do(func() { close(m.jobs) })
	m.wg.Wait()
}

// Rebuild derives a fresh summary from the session's history: turn
// counts, recently built geometry, the unit system the user keeps
// choosing, and the last few activity lines.
func (m *MemoryUpdater) Rebuild(store *Store) error {
	entries, err := store.History(0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	window := entries
	if len(window) > summaryWindow {
		window = window[len(window)-summaryWindow:]
	}

	kinds := recentKinds(window)
	prefs := preferences(window)

	var b strings.Builder
	successes := 0
	for _, e := range entries {
		if e.Success {
			successes++
		}
	}
	fmt.Fprintf(&b, "%d turns recorded (%d succeeded, %d failed).\n",
		len(entries), successes, len(entries)-successes)
	if len(kinds) > 0 {
		fmt.Fprintf(&b, "Recent geometry: %s.\n", strings.Join(kinds, ", "))
	}
	if u, ok := prefs["units"]; ok {
		fmt.Fprintf(&b, "Preferred units: %s.\n", u)
	}
	if n := len(window); n > 0 {
		b.WriteString("Recent activity:\n")
		start := n - recentActivities
		if start < 0 {
			start = 0
		}
		for _, e := range window[start:] {
			status := "ok"
			if !e.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "- %q (%s)\n", truncate(e.UserInput, 80), status)
		}
	}

	sum := &ContextSummary{
		Summary:     strings.TrimRight(b.String(), "\n"),
		LastUpdated: time.Now().UTC(),
		TotalCount:  len(entries),
		RecentKinds: kinds,
		Preferences: prefs,
	}
	if err := store.WriteSummary(sum); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	logging.SessionDebug("rebuilt summary for %s: %d entries, %d kinds",
		store.ID(), len(entries), len(kinds))
	return nil
}

// recentKinds collects geometry kinds from plan snapshots, newest
// first, deduplicated.
func recentKinds(window []Entry) []string {
	var kinds []string
	seen := make(map[string]bool)
	for i := len(window) - 1; i >= 0 && len(kinds) < maxRecentKinds; i-- {
		for _, k := range planStrings(window[i].Plan["shapes"]) {
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// preferences picks the unit system the user asks for most often.
func preferences(window []Entry) map[string]string {
	counts := make(map[string]int)
	for _, e := range window {
		if u, ok := e.Plan["units"].(string); ok && u != "" {
			counts[u]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	units := make([]string, 0, len(counts))
	for u := range counts {
		units = append(units, u)
	}
	// Highest count wins; ties break alphabetically so rebuilds are
	// stable.
	sort.Slice(units, func(i, j int) bool {
		if counts[units[i]] != counts[units[j]] {
			return counts[units[i]] > counts[units[j]]
		}
		return units[i] < units[j]
	})
	return map[string]string{"units": units[0]}
}

// planStrings reads a string list out of a plan snapshot, which holds
// []string in memory but []any after a JSON round trip.
func planStrings(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
