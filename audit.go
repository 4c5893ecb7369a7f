package modhost

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the host. These cover operator-relevant
// decisions that bypass or override normal policy.
const (
	AuditIntegrityForced   = "integrity.forced"
	AuditQuarantineCleared = "quarantine.cleared"
	AuditModuleReset       = "module.reset"
	AuditModuleEnabled     = "module.enabled"
	AuditModuleDisabled    = "module.disabled"
	AuditModeSet           = "mode.set"
)

// AuditRecord is a single append-only audit log entry.
type AuditRecord struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Module string    `json:"module,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// AuditLog is an append-only JSON-lines log of operator-relevant actions:
// forced integrity bypasses, quarantine clears, mode overrides. A nil
// AuditLog is valid and records nothing, so components can hold one
// unconditionally.
type AuditLog struct {
	mu     sync.Mutex
	path   string
	logger Logger
	now    func() time.Time
}

// NewAuditLog creates an audit log appending to the file at path.
// The file is created on first record.
func NewAuditLog(path string, logger Logger) *AuditLog {
	return &AuditLog{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends one entry to the audit log. Each entry carries a
// time-ordered UUIDv7 identifier for correlation with emitted events.
func (a *AuditLog) Record(action, module, detail string) error {
	if a == nil {
		return nil
	}

	rec := AuditRecord{
		ID:     newAuditID(),
		Time:   a.now().UTC(),
		Action: action,
		Module: module,
		Detail: detail,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	a.logger.Debug("Audit record written", "action", action, "module", module)
	return nil
}

// Entries reads back every record in the audit log, oldest first. A log
// file that does not exist yet yields no entries.
func (a *AuditLog) Entries() ([]AuditRecord, error) {
	if a == nil {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	raw, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var records []AuditRecord
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// newAuditID generates a unique identifier using UUIDv7, which is
// time-ordered. Falls back to v4 if v7 generation fails.
func newAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
