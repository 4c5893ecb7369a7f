package modhost

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// testLogger returns a logger discarding all output. Tests that care about
// specific log lines use recordingLogger instead.
func testLogger() Logger {
	return WrapSlog(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// recordingLogger captures log messages for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("INFO", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("ERROR", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("WARN", msg) }
func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("DEBUG", msg) }

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// testAudit returns an audit log writing into a per-test temp dir.
func testAudit(t *testing.T) *AuditLog {
	t.Helper()
	return NewAuditLog(filepath.Join(t.TempDir(), "audit.jsonl"), testLogger())
}

// desc builds a descriptor with required dependencies, the shape most
// resolver and loader tests need.
func desc(name string, deps ...string) ModuleDescriptor {
	d := ModuleDescriptor{Name: name, Version: "1.0.0"}
	for _, dep := range deps {
		d.Dependencies = append(d.Dependencies, Dependency{Name: dep})
	}
	return d
}

// descOpt builds a descriptor whose dependencies are all optional.
func descOpt(name string, optDeps ...string) ModuleDescriptor {
	d := ModuleDescriptor{Name: name, Version: "1.0.0"}
	for _, dep := range optDeps {
		d.Dependencies = append(d.Dependencies, Dependency{Name: dep, Optional: true})
	}
	return d
}
