package modhost

import (
	"encoding/json"
	"fmt"
	"time"
)

// HealthLevel represents the severity reported by a module health check.
type HealthLevel int

const (
	// HealthUnknown indicates no health information is available, for
	// example when a module registers no health entry point.
	HealthUnknown HealthLevel = iota
	// HealthOK indicates the module is fully functional.
	HealthOK
	// HealthWarning indicates the module works but reports a concern.
	HealthWarning
	// HealthError indicates the module is not functioning correctly.
	HealthError
	// HealthCritical indicates the module must be isolated immediately.
	HealthCritical
)

// String returns a string representation of the health level.
func (l HealthLevel) String() string {
	switch l {
	case HealthUnknown:
		return "unknown"
	case HealthOK:
		return "ok"
	case HealthWarning:
		return "warning"
	case HealthError:
		return "error"
	case HealthCritical:
		return "critical"
	default:
		return "invalid"
	}
}

// MarshalJSON serializes the health level as its string form.
func (l HealthLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON decodes the health level from its string form.
func (l *HealthLevel) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseHealthLevel(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseHealthLevel converts a string to a HealthLevel.
func ParseHealthLevel(s string) (HealthLevel, error) {
	switch s {
	case "unknown", "":
		return HealthUnknown, nil
	case "ok":
		return HealthOK, nil
	case "warning":
		return HealthWarning, nil
	case "error":
		return HealthError, nil
	case "critical":
		return HealthCritical, nil
	default:
		return HealthUnknown, fmt.Errorf("%w: %q", ErrUnknownHealthLevel, s)
	}
}

// severityRank orders levels for worst-of aggregation. Unknown ranks just
// above ok: missing information is worth surfacing but is not a failure.
func (l HealthLevel) severityRank() int {
	switch l {
	case HealthOK:
		return 0
	case HealthUnknown:
		return 1
	case HealthWarning:
		return 2
	case HealthError:
		return 3
	case HealthCritical:
		return 4
	default:
		return 1
	}
}

// WorseThan reports whether l is more severe than other.
func (l HealthLevel) WorseThan(other HealthLevel) bool {
	return l.severityRank() > other.severityRank()
}

// HealthResult is what a module's health entry point returns.
type HealthResult struct {
	Level   HealthLevel    `json:"level"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthRecord is the monitor's accumulated view of one module's health.
type HealthRecord struct {
	Module              string      `json:"module"`
	Level               HealthLevel `json:"level"`
	Message             string      `json:"message,omitempty"`
	LastCheckedAt       time.Time   `json:"lastCheckedAt"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	RecoveryAttempts    int         `json:"recoveryAttempts"`
	TotalChecks         int64       `json:"totalChecks"`
	ChecksSkipped       int64       `json:"checksSkipped"`
}

// HealthSummary aggregates the health of all monitored modules.
type HealthSummary struct {
	Worst       HealthLevel    `json:"worst"`
	Records     []HealthRecord `json:"records"`
	GeneratedAt time.Time      `json:"generatedAt"`
}
