package modhost

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"
)

const checksumPrefix = "sha256:"

// ComputeChecksum computes the content checksum of a module unit in
// "sha256:<hex>" form. The embedded checksum line itself is excluded from
// the hash so that authoring tools can stamp the result into the unit
// without invalidating it. Line endings are normalized first so checksums
// are stable across platforms.
func ComputeChecksum(content []byte) string {
	lines := bytes.Split(normalizeNewlines(content), []byte("\n"))
	kept := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("checksum:")) {
			continue
		}
		kept = append(kept, line)
	}
	sum := sha256.Sum256(bytes.Join(kept, []byte("\n")))
	return checksumPrefix + fmt.Sprintf("%x", sum)
}

// IntegrityVerifier validates module content against the checksum embedded
// in the descriptor. Verification failures are contained: the loader marks
// the offending module Broken and the load pass continues for independent
// branches of the graph.
type IntegrityVerifier struct {
	enabled bool
	logger  Logger
	audit   *AuditLog
}

// NewIntegrityVerifier creates a verifier. When enabled is false every
// verification succeeds without inspecting content, which is surfaced in
// debug logging only.
func NewIntegrityVerifier(enabled bool, logger Logger, audit *AuditLog) *IntegrityVerifier {
	return &IntegrityVerifier{
		enabled: enabled,
		logger:  logger,
		audit:   audit,
	}
}

// Enabled reports whether verification is active.
func (v *IntegrityVerifier) Enabled() bool {
	return v.enabled
}

// Verify checks the unit content against the descriptor's embedded
// checksum. It returns unsigned=true when no checksum is embedded, in
// which case verification is skipped and the module is flagged in status
// reporting rather than rejected.
//
// When force is true a mismatch is bypassed instead of failing; the bypass
// itself is recorded in the audit log.
func (v *IntegrityVerifier) Verify(desc ModuleDescriptor, content []byte, force bool) (unsigned bool, err error) {
	if !v.enabled {
		v.logger.Debug("Integrity verification disabled, skipping", "module", desc.Name)
		return false, nil
	}

	if desc.Checksum == "" {
		v.logger.Warn("Module has no embedded checksum, loading unsigned", "module", desc.Name)
		return true, nil
	}

	actual := ComputeChecksum(content)
	if actual == desc.Checksum {
		v.logger.Debug("Integrity verified", "module", desc.Name)
		return false, nil
	}

	if force {
		v.logger.Warn("Integrity mismatch bypassed by force",
			"module", desc.Name, "expected", desc.Checksum, "actual", actual)
		if auditErr := v.audit.Record(AuditIntegrityForced, desc.Name,
			fmt.Sprintf("expected %s, actual %s", shortChecksum(desc.Checksum), shortChecksum(actual))); auditErr != nil {
			v.logger.Error("Failed to record forced verification", "module", desc.Name, "error", auditErr)
		}
		return false, nil
	}

	return false, fmt.Errorf("%w: %s: expected %s, actual %s",
		ErrIntegrityMismatch, desc.Name, shortChecksum(desc.Checksum), shortChecksum(actual))
}

// shortChecksum abbreviates a checksum for log and error messages.
func shortChecksum(sum string) string {
	hex := strings.TrimPrefix(sum, checksumPrefix)
	if len(hex) > 12 {
		return checksumPrefix + hex[:12]
	}
	return sum
}
