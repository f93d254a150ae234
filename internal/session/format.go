package session

import (
	"fmt"
	"strings"

	"simforge/internal/gateway"
)

// FormatHistory renders entries as a prompt block, newest entries
// preferred, trimmed to roughly tokenBudget tokens. Entries are emitted
// oldest first so the model reads the conversation in order. A
// non-positive budget formats everything.
func FormatHistory(entries []Entry, tokenBudget int) string {
	if len(entries) == 0 {
		return ""
	}

	lines := make([]string, 0, len(entries))
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		line := formatEntry(entries[i])
		cost := gateway.CountTokens(line)
		if tokenBudget > 0 && used+cost > tokenBudget && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
		used += cost
	}

	// Reverse back to chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func formatEntry(e Entry) string {
	status := "ok"
	if !e.Success {
		status = "failed"
		if e.Error != "" {
			status = "failed: " + truncate(e.Error, 120)
		}
	}
	line := fmt.Sprintf("- [%s] %q (%s)", e.Timestamp.Format("2006-01-02 15:04"), truncate(e.UserInput, 200), status)
	if e.ArtifactPath != "" {
		line += " -> " + e.ArtifactPath
	}
	return line
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
