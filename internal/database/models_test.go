// internal/database/models_test.go
package database

import (
	"testing"
	"time"
)

func TestIsDuplicatePerType(t *testing.T) {
	tests := []struct {
		name string
		a, b Check
		want bool
	}{
		{"disk same drive", Check{Type: CheckDiskSpace, Disk: "C:"}, Check{Type: CheckDiskSpace, Disk: "C:"}, true},
		{"disk different drive", Check{Type: CheckDiskSpace, Disk: "C:"}, Check{Type: CheckDiskSpace, Disk: "D:"}, false},
		{"different types never collide", Check{Type: CheckDiskSpace, Disk: "C:"}, Check{Type: CheckPing, IP: "C:"}, false},
		{"cpuload singleton", Check{Type: CheckCPULoad, Threshold: 80}, Check{Type: CheckCPULoad, Threshold: 95}, true},
		{"memory singleton", Check{Type: CheckMemory}, Check{Type: CheckMemory}, true},
		{"ping same target", Check{Type: CheckPing, IP: "10.0.0.1"}, Check{Type: CheckPing, IP: "10.0.0.1"}, true},
		{"ping different target", Check{Type: CheckPing, IP: "10.0.0.1"}, Check{Type: CheckPing, IP: "10.0.0.2"}, false},
		{"winsvc same service", Check{Type: CheckWinSvc, ServiceName: "spooler"}, Check{Type: CheckWinSvc, ServiceName: "spooler"}, true},
		{"script same ref", Check{Type: CheckScript, ScriptRef: "cleanup.ps1"}, Check{Type: CheckScript, ScriptRef: "cleanup.ps1"}, true},
		{"eventlog same log and id", Check{Type: CheckEventLog, LogName: "System", EventID: 6008}, Check{Type: CheckEventLog, LogName: "System", EventID: 6008}, true},
		{"eventlog different id", Check{Type: CheckEventLog, LogName: "System", EventID: 6008}, Check{Type: CheckEventLog, LogName: "System", EventID: 41}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.IsDuplicate(&tt.b); got != tt.want {
				t.Errorf("IsDuplicate = %v, want %v", got, tt.want)
			}
			// Symmetry
			if got := tt.b.IsDuplicate(&tt.a); got != tt.want {
				t.Errorf("IsDuplicate (reversed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloneForAgentResetsRuntimeState(t *testing.T) {
	sent := time.Now()
	template := Check{
		ID:               "tmpl-1",
		PolicyID:         "pol-1",
		Name:             "C drive",
		Type:             CheckDiskSpace,
		Disk:             "C:",
		Threshold:        25,
		EmailAlert:       true,
		FailsBeforeAlert: 3,
		Status:           StatusFailing,
		FailCount:        7,
		History:          []int{90, 95},
		LastEmailSent:    &sent,
	}

	clone := template.CloneForAgent("agent-1")

	if clone.AgentID != "agent-1" || clone.PolicyID != "" {
		t.Errorf("clone ownership wrong: agent=%q policy=%q", clone.AgentID, clone.PolicyID)
	}
	if !clone.ManagedByPolicy || clone.ParentCheck != "tmpl-1" {
		t.Errorf("clone not linked to template: managed=%v parent=%q", clone.ManagedByPolicy, clone.ParentCheck)
	}
	if clone.Status != StatusPending || clone.FailCount != 0 || len(clone.History) != 0 || clone.LastEmailSent != nil {
		t.Error("clone carried over runtime state")
	}
	if clone.Disk != "C:" || clone.Threshold != 25 || !clone.EmailAlert || clone.FailsBeforeAlert != 3 {
		t.Error("clone dropped configuration fields")
	}
}

func TestRollingAverage(t *testing.T) {
	c := Check{History: []int{70, 75, 95, 95, 95, 95}}
	if got := c.RollingAverage(); got != 87 {
		t.Errorf("RollingAverage = %d, want 87", got)
	}

	empty := Check{}
	if got := empty.RollingAverage(); got != 0 {
		t.Errorf("RollingAverage of empty history = %d, want 0", got)
	}
}

func TestAgentStatusAt(t *testing.T) {
	now := time.Now()
	horizon := 6 * time.Minute

	seenAt := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	tests := []struct {
		name     string
		lastSeen *time.Time
		overdue  int
		want     AgentStatus
	}{
		{"never seen", nil, 30, AgentOffline},
		{"seen just now", seenAt(time.Minute), 30, AgentOnline},
		{"just under horizon", seenAt(horizon - time.Second), 30, AgentOnline},
		{"past horizon", seenAt(7 * time.Minute), 30, AgentOffline},
		{"past overdue threshold", seenAt(31 * time.Minute), 30, AgentOverdue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := Agent{LastSeen: tt.lastSeen, OverdueMinutes: tt.overdue}
			if got := agent.StatusAt(now, horizon); got != tt.want {
				t.Errorf("StatusAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSettingsEmailConfigured(t *testing.T) {
	base := Settings{
		EmailRecipients: []string{"ops@example.com"},
		SMTPFrom:        "alerts@example.com",
		SMTPHost:        "smtp.example.com",
		SMTPPort:        587,
	}

	if !base.EmailConfigured() {
		t.Error("relay settings should be sufficient without auth")
	}

	authed := base
	authed.SMTPRequiresAuth = true
	if authed.EmailConfigured() {
		t.Error("auth required but no credentials set")
	}
	authed.SMTPUser = "alerts"
	authed.SMTPPassword = "secret"
	if !authed.EmailConfigured() {
		t.Error("authenticated settings should be sufficient")
	}

	missing := base
	missing.EmailRecipients = nil
	if missing.EmailConfigured() {
		t.Error("no recipients means not configured")
	}
}
