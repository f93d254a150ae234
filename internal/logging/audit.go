// Package logging - structured audit trail for simforge.
// Audit events are JSON lines written alongside the category logs so a
// session can be reconstructed operation by operation after the fact.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies what kind of operation an audit entry records.
type AuditEventType string

const (
	// Turn lifecycle -> one pair per dialog turn
	AuditTurnStart AuditEventType = "turn_start"
	AuditTurnEnd   AuditEventType = "turn_end"

	// LLM gateway calls
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Backend operations on the model artifact
	AuditBackendOp    AuditEventType = "backend_op"
	AuditBackendError AuditEventType = "backend_error"

	// Vector store lifecycle
	AuditStoreIndex  AuditEventType = "store_index"
	AuditStoreSearch AuditEventType = "store_search"

	// Session persistence
	AuditSessionWrite AuditEventType = "session_write"
	AuditSessionClear AuditEventType = "session_clear"
)

// AuditEvent is a single JSON audit line.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	SessionID  string                 `json:"session,omitempty"`
	TaskID     string                 `json:"task,omitempty"`
	Target     string                 `json:"target,omitempty"` // artifact path, model name, etc.
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes audit events, optionally scoped to a session or task.
type AuditLogger struct {
	sessionID string
	taskID    string
}

// InitAudit opens the audit log file. No-op unless debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession creates an audit logger scoped to a session
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// AuditWithTask creates an audit logger scoped to a session and task
func AuditWithTask(sessionID, taskID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID, taskID: taskID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" && a.sessionID != "" {
		event.SessionID = a.sessionID
	}
	if event.TaskID == "" && a.taskID != "" {
		event.TaskID = a.taskID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// TurnStart records the beginning of a dialog turn.
func (a *AuditLogger) TurnStart(input string) {
	a.Log(AuditEvent{EventType: AuditTurnStart, Message: truncateForAudit(input, 200), Success: true})
}

// TurnEnd records the end of a dialog turn.
func (a *AuditLogger) TurnEnd(success bool, durMs int64, errMsg string) {
	a.Log(AuditEvent{EventType: AuditTurnEnd, Success: success, DurationMs: durMs, Error: errMsg})
}

// LLMCall records one gateway round trip.
func (a *AuditLogger) LLMCall(model string, promptTokens int, durMs int64, err error) {
	ev := AuditEvent{
		EventType:  AuditLLMResponse,
		Target:     model,
		Success:    err == nil,
		DurationMs: durMs,
		Fields:     map[string]interface{}{"prompt_tokens": promptTokens},
	}
	if err != nil {
		ev.EventType = AuditLLMError
		ev.Error = err.Error()
	}
	a.Log(ev)
}

// BackendOp records one backend operation against the artifact.
func (a *AuditLogger) BackendOp(action, artifact string, success bool, durMs int64, errMsg string) {
	ev := AuditEvent{
		EventType:  AuditBackendOp,
		Action:     action,
		Target:     artifact,
		Success:    success,
		DurationMs: durMs,
		Error:      errMsg,
	}
	if !success {
		ev.EventType = AuditBackendError
	}
	a.Log(ev)
}

func truncateForAudit(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
