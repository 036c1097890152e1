// Package audit writes a durable, append-only JSONL trail of session
// violation and backoff decisions, independent of the task event history
// kept on each task row.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcom/agentcom/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Decision  string `json:"decision"` // "violation", "disconnect", "backoff", "cooldown_rejected"
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu             sync.Mutex
	file           *os.File
	violationCount atomic.Int64
)

// Init opens (creating if needed) the audit.jsonl file under homeDir/logs.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ViolationCount returns the total number of violation decisions recorded
// since startup, across all agent sessions.
func ViolationCount() int64 {
	return violationCount.Load()
}

// Record appends one decision to the audit trail. reason and detail are
// redacted before persistence since they may echo back raw frame content.
func Record(agentID, decision, reason, detail string) {
	if decision == "violation" {
		violationCount.Add(1)
	}

	reason = shared.Redact(reason)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		AgentID:   agentID,
		Decision:  decision,
		Reason:    reason,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
