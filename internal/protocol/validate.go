package protocol

import (
	"fmt"
	"regexp"
)

// Valid result statuses an agent may report.
var allowedStatuses = map[string]bool{
	StatusOK: true, StatusError: true, StatusRejected: true, StatusCancelled: true,
}

// machineIDRe matches valid machine identifiers.
var machineIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const (
	maxIDLen      = 128
	maxSummaryLen = 16 * 1024
	maxDiffLen    = 256 * 1024
)

// ValidateMachineID checks that a machine identifier is safe to use as a
// registry key and in log lines.
func ValidateMachineID(id string) error {
	if id == "" {
		return fmt.Errorf("empty machineId")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("machineId too long (%d chars, max %d)", len(id), maxIDLen)
	}
	if !machineIDRe.MatchString(id) {
		return fmt.Errorf("invalid machineId: %q", id)
	}
	return nil
}

// ValidateResult checks that an agent-reported result has the fields the
// relay needs to finalize a command.
func ValidateResult(r *ResultEnvelope) error {
	if r == nil {
		return fmt.Errorf("missing result")
	}
	if r.CommandID == "" {
		return fmt.Errorf("result missing commandId")
	}
	if err := ValidateMachineID(r.MachineID); err != nil {
		return err
	}
	if !allowedStatuses[r.Status] {
		return fmt.Errorf("invalid result status: %q", r.Status)
	}
	if len(r.Summary) > maxSummaryLen {
		return fmt.Errorf("result summary too long (%d bytes, max %d)", len(r.Summary), maxSummaryLen)
	}
	if len(r.Diff) > maxDiffLen {
		return fmt.Errorf("result diff too long (%d bytes, max %d)", len(r.Diff), maxDiffLen)
	}
	return nil
}
