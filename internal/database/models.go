// internal/database/models.go
package database

import (
	"time"
)

type CheckType string

const (
	CheckDiskSpace CheckType = "diskspace"
	CheckPing      CheckType = "ping"
	CheckCPULoad   CheckType = "cpuload"
	CheckMemory    CheckType = "memory"
	CheckWinSvc    CheckType = "winsvc"
	CheckScript    CheckType = "script"
	CheckEventLog  CheckType = "eventlog"
)

// Smoothed reports whether the check type averages a rolling numeric
// history instead of consuming a pre-classified status.
func (t CheckType) Smoothed() bool {
	return t == CheckCPULoad || t == CheckMemory
}

func (t CheckType) Valid() bool {
	switch t {
	case CheckDiskSpace, CheckPing, CheckCPULoad, CheckMemory, CheckWinSvc, CheckScript, CheckEventLog:
		return true
	}
	return false
}

type CheckStatus string

const (
	StatusPending CheckStatus = "pending"
	StatusPassing CheckStatus = "passing"
	StatusFailing CheckStatus = "failing"
)

// HistoryLimit caps the rolling sample window for smoothed checks.
const HistoryLimit = 15

// Check is one monitor instance. It belongs to exactly one of an agent
// (concrete, alerting) or a policy (template, never alerting).
type Check struct {
	ID                 string      `json:"id"`
	AgentID            string      `json:"agent_id,omitempty"`
	PolicyID           string      `json:"policy_id,omitempty"`
	ManagedByPolicy    bool        `json:"managed_by_policy"`
	OverriddenByPolicy bool        `json:"overridden_by_policy"`
	ParentCheck        string      `json:"parent_check,omitempty"`
	Name               string      `json:"name"`
	Type               CheckType   `json:"check_type"`
	Status             CheckStatus `json:"status"`
	MoreInfo           string      `json:"more_info,omitempty"`
	LastRun            *time.Time  `json:"last_run,omitempty"`
	EmailAlert         bool        `json:"email_alert"`
	TextAlert          bool        `json:"text_alert"`
	FailsBeforeAlert   int         `json:"fails_before_alert"`
	FailCount          int         `json:"fail_count"`
	LastEmailSent      *time.Time  `json:"last_email_sent,omitempty"`
	LastTextSent       *time.Time  `json:"last_text_sent,omitempty"`

	// threshold percent for diskspace, cpuload or memory
	Threshold int `json:"threshold,omitempty"`
	// diskspace: drive identifier, e.g. "C:"
	Disk string `json:"disk,omitempty"`
	// ping: target host or address
	IP string `json:"ip,omitempty"`
	// script: reference to the script artifact plus run limits/results
	ScriptRef     string `json:"script_ref,omitempty"`
	ScriptTimeout int    `json:"script_timeout,omitempty"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	RetCode       int    `json:"retcode,omitempty"`
	ExecutionTime string `json:"execution_time,omitempty"`
	// cpuload and memory rolling history, oldest first
	History []int `json:"history,omitempty"`
	// winsvc
	ServiceName        string `json:"svc_name,omitempty"`
	ServiceDisplayName string `json:"svc_display_name,omitempty"`
	PassIfStartPending bool   `json:"pass_if_start_pending,omitempty"`
	RestartIfStopped   bool   `json:"restart_if_stopped,omitempty"`
	// eventlog
	LogName         string `json:"log_name,omitempty"`
	EventID         int    `json:"event_id,omitempty"`
	EventIDWildcard bool   `json:"event_id_is_wildcard,omitempty"`
	EventType       string `json:"event_type,omitempty"`
	FailWhen        string `json:"fail_when,omitempty"`
	SearchLastDays  int    `json:"search_last_days,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTemplate reports whether the check is a policy-owned template.
func (c *Check) IsTemplate() bool {
	return c.PolicyID != ""
}

// IsDuplicate compares the type-discriminating key of two checks of the
// same type. Checks of different types are never duplicates. cpuload and
// memory are singletons per owner.
func (c *Check) IsDuplicate(other *Check) bool {
	if c.Type != other.Type {
		return false
	}
	switch c.Type {
	case CheckDiskSpace:
		return c.Disk == other.Disk
	case CheckScript:
		return c.ScriptRef == other.ScriptRef
	case CheckPing:
		return c.IP == other.IP
	case CheckCPULoad, CheckMemory:
		return true
	case CheckWinSvc:
		return c.ServiceName == other.ServiceName
	case CheckEventLog:
		return c.LogName == other.LogName && c.EventID == other.EventID
	}
	return false
}

// CloneForAgent materializes a policy template into a concrete check owned
// by the given agent. Runtime state (status, fail count, history, alert
// stamps) starts fresh.
func (c *Check) CloneForAgent(agentID string) *Check {
	return &Check{
		AgentID:            agentID,
		ManagedByPolicy:    true,
		ParentCheck:        c.ID,
		Name:               c.Name,
		Type:               c.Type,
		Status:             StatusPending,
		EmailAlert:         c.EmailAlert,
		TextAlert:          c.TextAlert,
		FailsBeforeAlert:   c.FailsBeforeAlert,
		Threshold:          c.Threshold,
		Disk:               c.Disk,
		IP:                 c.IP,
		ScriptRef:          c.ScriptRef,
		ScriptTimeout:      c.ScriptTimeout,
		ServiceName:        c.ServiceName,
		ServiceDisplayName: c.ServiceDisplayName,
		PassIfStartPending: c.PassIfStartPending,
		RestartIfStopped:   c.RestartIfStopped,
		LogName:            c.LogName,
		EventID:            c.EventID,
		EventIDWildcard:    c.EventIDWildcard,
		EventType:          c.EventType,
		FailWhen:           c.FailWhen,
		SearchLastDays:     c.SearchLastDays,
	}
}

// RollingAverage returns the integer mean of the retained history.
func (c *Check) RollingAverage() int {
	if len(c.History) == 0 {
		return 0
	}
	sum := 0
	for _, v := range c.History {
		sum += v
	}
	return sum / len(c.History)
}

type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentOverdue AgentStatus = "overdue"
)

type Agent struct {
	ID                string         `json:"id"`
	Hostname          string         `json:"hostname"`
	Client            string         `json:"client"`
	Site              string         `json:"site"`
	Version           string         `json:"version,omitempty"`
	MonitoringType    string         `json:"monitoring_type,omitempty"`
	LastSeen          *time.Time     `json:"last_seen,omitempty"`
	OverdueMinutes    int            `json:"overdue_minutes"`
	OverdueEmailAlert bool           `json:"overdue_email_alert"`
	OverdueTextAlert  bool           `json:"overdue_text_alert"`
	PolicyID          string         `json:"policy_id,omitempty"`
	Disks             map[string]int `json:"disks,omitempty"` // drive -> percent used
	Services          []ServiceState `json:"services,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type ServiceState struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StatusAt derives the agent's liveness from its last contact timestamp.
// A never-seen agent is offline.
func (a *Agent) StatusAt(now time.Time, offlineHorizon time.Duration) AgentStatus {
	if a.LastSeen == nil {
		return AgentOffline
	}
	age := now.Sub(*a.LastSeen)
	overdue := time.Duration(a.OverdueMinutes) * time.Minute
	switch {
	case age < offlineHorizon:
		return AgentOnline
	case age < overdue:
		return AgentOffline
	default:
		return AgentOverdue
	}
}

// AgentOutage records one contiguous offline period. End is nil while the
// outage is still active; at most one active outage exists per agent.
type AgentOutage struct {
	ID                string     `json:"id"`
	AgentID           string     `json:"agent_id"`
	Start             time.Time  `json:"outage_start"`
	End               *time.Time `json:"outage_end,omitempty"`
	OutageEmailSent   bool       `json:"outage_email_sent"`
	OutageTextSent    bool       `json:"outage_text_sent"`
	RecoveryEmailSent bool       `json:"recovery_email_sent"`
	RecoveryTextSent  bool       `json:"recovery_text_sent"`
}

func (o *AgentOutage) IsActive() bool {
	return o.End == nil
}

type Policy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Desc      string    `json:"desc,omitempty"`
	Rank      int       `json:"rank"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BindingLevel string

const (
	BindAgent  BindingLevel = "agent"
	BindSite   BindingLevel = "site"
	BindClient BindingLevel = "client"
)

// PolicyBinding attaches a policy to an agent, a site or a whole client.
// Narrower levels win when the same check key appears at several levels.
type PolicyBinding struct {
	ID       string       `json:"id"`
	PolicyID string       `json:"policy_id"`
	Level    BindingLevel `json:"level"`
	Target   string       `json:"target"` // agent id, site name or client name
}

// Settings is the single global configuration record: alert recipients and
// outbound transports. Only one row may exist.
type Settings struct {
	ID               string    `json:"id"`
	EmailRecipients  []string  `json:"email_alert_recipients,omitempty"`
	SMTPFrom         string    `json:"smtp_from_email,omitempty"`
	SMTPHost         string    `json:"smtp_host,omitempty"`
	SMTPPort         int       `json:"smtp_port,omitempty"`
	SMTPUser         string    `json:"smtp_host_user,omitempty"`
	SMTPPassword     string    `json:"smtp_host_password,omitempty"`
	SMTPRequiresAuth bool      `json:"smtp_requires_auth"`
	TextGatewayURL   string    `json:"text_gateway_url,omitempty"`
	TextGatewayToken string    `json:"text_gateway_token,omitempty"`
	TextRecipients   []string  `json:"text_recipients,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EmailConfigured reports whether enough SMTP settings are present to send:
// authenticated submission needs credentials, a relay only needs host/port.
func (s *Settings) EmailConfigured() bool {
	if len(s.EmailRecipients) == 0 || s.SMTPFrom == "" || s.SMTPHost == "" || s.SMTPPort == 0 {
		return false
	}
	if s.SMTPRequiresAuth {
		return s.SMTPUser != "" && s.SMTPPassword != ""
	}
	return true
}

type CheckFilters struct {
	AgentID  string
	PolicyID string
	Type     CheckType
	Managed  *bool
}
