// internal/web/handlers.go
package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/checks"
	"fleetwatch/internal/database"
)

func (s *Server) getAgents(c *gin.Context) {
	agents, err := s.store.GetAgents(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get agents")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": agents, "count": len(agents)})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": agent})
}

func (s *Server) createAgent(c *gin.Context) {
	var req database.Agent
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.CreateAgent(c.Request.Context(), &req); err != nil {
		logrus.WithError(err).Error("Failed to create agent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create agent"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": req})
}

func (s *Server) updateAgent(c *gin.Context) {
	var req database.Agent
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ID = c.Param("id")

	if err := s.store.UpdateAgent(c.Request.Context(), &req); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update agent"})
		return
	}

	// The assigned policy may have changed.
	if err := s.projector.Reconcile(c.Request.Context(), req.ID); err != nil {
		logrus.WithError(err).WithField("agent_id", req.ID).Warn("Projection after agent update failed")
	}
	c.JSON(http.StatusOK, gin.H{"data": req})
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.store.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// agentHello stamps the agent's last contact time. Agents call it on
// every check-in, so it is deliberately minimal.
func (s *Server) agentHello(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.TouchAgent(c.Request.Context(), id, time.Now()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record agent contact"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) reconcileAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.projector.Reconcile(c.Request.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
			return
		}
		logrus.WithError(err).WithField("agent_id", id).Error("Failed to reconcile agent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reconcile agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}

func (s *Server) getAgentOutages(c *gin.Context) {
	outages, err := s.store.GetOutages(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get outages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": outages, "count": len(outages)})
}

func (s *Server) submitMeasurement(c *gin.Context) {
	var m checks.Measurement
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	check, err := s.evaluator.HandleMeasurement(c.Request.Context(), &m)
	if err != nil {
		var verr *checks.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Check not found"})
			return
		}
		logrus.WithError(err).WithField("check_id", m.CheckID).Error("Failed to handle measurement")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to handle measurement"})
		return
	}
	if check == nil {
		// Dropped after contention; the agent resubmits next interval.
		c.JSON(http.StatusAccepted, gin.H{"status": "dropped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": check})
}

func (s *Server) getChecks(c *gin.Context) {
	filters := database.CheckFilters{
		AgentID:  c.Query("agent_id"),
		PolicyID: c.Query("policy_id"),
		Type:     database.CheckType(c.Query("type")),
	}
	list, err := s.store.GetChecks(c.Request.Context(), filters)
	if err != nil {
		logrus.WithError(err).Error("Failed to get checks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get checks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "count": len(list)})
}

func (s *Server) getCheck(c *gin.Context) {
	check, err := s.store.GetCheck(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Check not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get check"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": check})
}

func (s *Server) createCheck(c *gin.Context) {
	var req database.Check
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown check type"})
		return
	}
	if (req.AgentID == "") == (req.PolicyID == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Check must belong to exactly one of agent or policy"})
		return
	}

	// Reject semantic duplicates within the same owner.
	filters := database.CheckFilters{AgentID: req.AgentID, PolicyID: req.PolicyID}
	siblings, err := s.store.GetChecks(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create check"})
		return
	}
	for i := range siblings {
		if req.IsDuplicate(&siblings[i]) {
			c.JSON(http.StatusConflict, gin.H{"error": "A check with the same key already exists"})
			return
		}
	}

	if err := s.store.CreateCheck(c.Request.Context(), &req); err != nil {
		logrus.WithError(err).Error("Failed to create check")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create check"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": req})
}

func (s *Server) updateCheck(c *gin.Context) {
	var req database.Check
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")

	// Runtime state is owned by the evaluator; only configuration fields
	// may change here.
	updated, err := s.store.UpdateCheckState(c.Request.Context(), id, func(check *database.Check) error {
		check.Name = req.Name
		check.EmailAlert = req.EmailAlert
		check.TextAlert = req.TextAlert
		if req.FailsBeforeAlert > 0 {
			check.FailsBeforeAlert = req.FailsBeforeAlert
		}
		check.Threshold = req.Threshold
		check.Disk = req.Disk
		check.IP = req.IP
		check.ScriptRef = req.ScriptRef
		check.ScriptTimeout = req.ScriptTimeout
		check.ServiceName = req.ServiceName
		check.ServiceDisplayName = req.ServiceDisplayName
		check.PassIfStartPending = req.PassIfStartPending
		check.RestartIfStopped = req.RestartIfStopped
		check.LogName = req.LogName
		check.EventID = req.EventID
		check.EventIDWildcard = req.EventIDWildcard
		check.EventType = req.EventType
		check.FailWhen = req.FailWhen
		check.SearchLastDays = req.SearchLastDays
		return nil
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Check not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update check"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": updated})
}

func (s *Server) deleteCheck(c *gin.Context) {
	if err := s.store.DeleteCheck(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete check"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) getPolicies(c *gin.Context) {
	policies, err := s.store.GetPolicies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get policies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": policies, "count": len(policies)})
}

func (s *Server) getPolicy(c *gin.Context) {
	pol, err := s.store.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pol})
}

func (s *Server) createPolicy(c *gin.Context) {
	var req database.Policy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.CreatePolicy(c.Request.Context(), &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create policy"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": req})
}

func (s *Server) updatePolicy(c *gin.Context) {
	var req database.Policy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ID = c.Param("id")
	if err := s.store.UpdatePolicy(c.Request.Context(), &req); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update policy"})
		return
	}

	if err := s.projector.ReconcilePolicy(c.Request.Context(), req.ID); err != nil {
		logrus.WithError(err).WithField("policy_id", req.ID).Warn("Projection after policy update failed")
	}
	c.JSON(http.StatusOK, gin.H{"data": req})
}

func (s *Server) deletePolicy(c *gin.Context) {
	id := c.Param("id")

	// Deletion cascades the bindings, so capture the reachable agents
	// first and sweep their managed instances afterwards.
	affected, err := s.projector.AffectedAgents(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete policy"})
		return
	}
	if err := s.store.DeletePolicy(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete policy"})
		return
	}
	for _, agentID := range affected {
		if err := s.projector.Reconcile(c.Request.Context(), agentID); err != nil {
			logrus.WithError(err).WithField("agent_id", agentID).Warn("Projection after policy delete failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) getBindings(c *gin.Context) {
	bindings, err := s.store.GetBindings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get bindings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": bindings, "count": len(bindings)})
}

func (s *Server) createBinding(c *gin.Context) {
	var req database.PolicyBinding
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Level {
	case database.BindAgent, database.BindSite, database.BindClient:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Binding level must be agent, site or client"})
		return
	}
	if err := s.store.CreateBinding(c.Request.Context(), &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create binding"})
		return
	}

	if err := s.projector.ReconcileBinding(c.Request.Context(), req.Level, req.Target); err != nil {
		logrus.WithError(err).WithField("policy_id", req.PolicyID).Warn("Projection after binding create failed")
	}
	c.JSON(http.StatusCreated, gin.H{"data": req})
}

func (s *Server) deleteBinding(c *gin.Context) {
	id := c.Param("id")

	bindings, err := s.store.GetBindings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete binding"})
		return
	}
	var removed *database.PolicyBinding
	for i := range bindings {
		if bindings[i].ID == id {
			removed = &bindings[i]
			break
		}
	}

	if err := s.store.DeleteBinding(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete binding"})
		return
	}
	if removed != nil {
		if err := s.projector.ReconcileBinding(c.Request.Context(), removed.Level, removed.Target); err != nil {
			logrus.WithError(err).WithField("binding_id", id).Warn("Projection after binding delete failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.store.GetSettings(c.Request.Context())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Settings not configured"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": settings})
}

func (s *Server) createSettings(c *gin.Context) {
	var req database.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.CreateSettings(c.Request.Context(), &req); err != nil {
		if errors.Is(err, database.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Settings already exist"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create settings"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": req})
}

func (s *Server) updateSettings(c *gin.Context) {
	var req database.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpdateSettings(c.Request.Context(), &req); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Settings not configured"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": req})
}
