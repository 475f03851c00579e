// internal/alerts/messages.go
package alerts

import (
	"fmt"
	"strings"

	"fleetwatch/internal/database"
)

// checkSubject names the failing check with its owner's client and site,
// e.g. "Acme, HQ, Disk Space Check: C: Failed".
func checkSubject(check *database.Check, agent *database.Agent) string {
	desc := checkDescription(check)
	if agent != nil {
		return fmt.Sprintf("%s, %s, %s Failed", agent.Client, agent.Site, desc)
	}
	return fmt.Sprintf("%s Failed", desc)
}

func checkDescription(check *database.Check) string {
	switch check.Type {
	case database.CheckDiskSpace:
		return fmt.Sprintf("Disk Space Check: %s", check.Disk)
	case database.CheckPing:
		return fmt.Sprintf("Ping Check: %s", check.Name)
	case database.CheckCPULoad:
		return "CPU Load Check"
	case database.CheckMemory:
		return "Memory Check"
	case database.CheckWinSvc:
		return fmt.Sprintf("Service Check: %s", check.ServiceDisplayName)
	case database.CheckScript:
		return fmt.Sprintf("Script Check: %s", check.Name)
	case database.CheckEventLog:
		return fmt.Sprintf("Event Log Check: %s", check.Name)
	}
	return check.Name
}

// checkBody renders the type-specific alert body.
func checkBody(check *database.Check, agent *database.Agent, subject string) string {
	switch check.Type {
	case database.CheckDiskSpace:
		percentUsed := 0
		if agent != nil {
			percentUsed = agent.Disks[check.Disk]
		}
		percentFree := 100 - percentUsed
		return subject + fmt.Sprintf(" - Free: %d%%, Threshold: %d%%", percentFree, check.Threshold)

	case database.CheckScript:
		return subject + fmt.Sprintf(" - Return code: %d, Error: %s", check.RetCode, check.Stderr)

	case database.CheckPing:
		return check.MoreInfo

	case database.CheckCPULoad:
		return subject + fmt.Sprintf(" - Average CPU utilization: %d%%, Threshold: %d%%",
			check.RollingAverage(), check.Threshold)

	case database.CheckMemory:
		return subject + fmt.Sprintf(" - Average memory usage: %d%%, Threshold: %d%%",
			check.RollingAverage(), check.Threshold)

	case database.CheckWinSvc:
		status := "unknown"
		if agent != nil {
			for _, svc := range agent.Services {
				if svc.Name == check.ServiceName {
					status = svc.Status
					break
				}
			}
		}
		return subject + fmt.Sprintf(" - Status: %s", strings.ToUpper(status))

	case database.CheckEventLog:
		return fmt.Sprintf("Event ID %d was found in the %s log", check.EventID, check.LogName)
	}
	return subject
}

func outageSubject(agent *database.Agent) string {
	return fmt.Sprintf("%s, %s, %s - data overdue", agent.Client, agent.Site, agent.Hostname)
}

func outageBody(agent *database.Agent) string {
	return fmt.Sprintf(
		"Data has not been received from client %s, site %s, agent %s within the expected time.",
		agent.Client, agent.Site, agent.Hostname)
}

func recoverySubject(agent *database.Agent) string {
	return fmt.Sprintf("%s, %s, %s - data received", agent.Client, agent.Site, agent.Hostname)
}

func recoveryBody(agent *database.Agent) string {
	return fmt.Sprintf(
		"Data has been received from client %s, site %s, agent %s after an interruption in data transmission.",
		agent.Client, agent.Site, agent.Hostname)
}

