// internal/checks/types.go
package checks

import (
	"fmt"

	"fleetwatch/internal/database"
)

// Measurement is one observation pushed by an agent for a check.
// Threshold check types carry a pre-classified Status; smoothed types
// (cpuload, memory) carry the raw Percent instead.
type Measurement struct {
	CheckID string `json:"check_id"`
	// Status for threshold checks: "passing", "failing" or "warning".
	Status database.CheckStatus `json:"status,omitempty"`
	// Percent for cpuload and memory checks.
	Percent int `json:"percent"`

	MoreInfo string `json:"more_info,omitempty"`

	// Script check results.
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	RetCode       int    `json:"retcode,omitempty"`
	ExecutionTime string `json:"execution_time,omitempty"`
}

// StatusWarning is accepted on threshold payloads but neither grows nor
// resets the failure streak.
const StatusWarning database.CheckStatus = "warning"

// ValidationError rejects a malformed measurement before any state is
// touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid measurement: %s %s", e.Field, e.Reason)
}
