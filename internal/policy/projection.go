// internal/policy/projection.go
package policy

import (
	"context"
	"errors"
	"sort"
	"time"

	"fleetwatch/internal/database"
	"fleetwatch/internal/queue"

	"github.com/sirupsen/logrus"
)

// Engine projects policy check templates onto agents. Projection is
// additive and idempotent: it never touches the runtime state of checks
// that already exist.
type Engine struct {
	store  database.Store
	queue  queue.Queue
	logger *logrus.Logger
}

func NewEngine(store database.Store, q queue.Queue, logger *logrus.Logger) *Engine {
	return &Engine{store: store, queue: q, logger: logger}
}

// Reconcile brings one agent's managed checks in line with the policies
// bound to it. Direct agent bindings take precedence over site bindings,
// which take precedence over client bindings; ties within a level are
// broken by ascending policy rank. The first template to claim a
// discriminating key wins; an unmanaged check holding the key is marked
// overridden instead of duplicated.
func (e *Engine) Reconcile(ctx context.Context, agentID string) error {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	policies, err := e.boundPolicies(ctx, agent)
	if err != nil {
		return err
	}

	existing, err := e.store.GetChecks(ctx, database.CheckFilters{AgentID: agentID})
	if err != nil {
		return err
	}

	// Managed instances by parent template, for fast template lookup.
	byParent := make(map[string]*database.Check)
	for i := range existing {
		if existing[i].ManagedByPolicy && existing[i].ParentCheck != "" {
			byParent[existing[i].ParentCheck] = &existing[i]
		}
	}

	validTemplates := make(map[string]bool)
	var boundTemplates []database.Check

	for _, pol := range policies {
		templates, err := e.store.GetChecks(ctx, database.CheckFilters{PolicyID: pol.ID})
		if err != nil {
			return err
		}

		for i := range templates {
			template := &templates[i]
			validTemplates[template.ID] = true
			boundTemplates = append(boundTemplates, *template)

			if _, ok := byParent[template.ID]; ok {
				continue
			}

			if blocked, err := e.resolveDuplicate(ctx, template, existing); err != nil {
				return err
			} else if blocked {
				continue
			}

			instance := template.CloneForAgent(agentID)
			if err := e.store.CreateCheck(ctx, instance); err != nil {
				return err
			}
			existing = append(existing, *instance)
			byParent[template.ID] = instance

			e.logger.WithFields(logrus.Fields{
				"agent_id":   agentID,
				"policy_id":  pol.ID,
				"check_type": template.Type,
			}).Debug("Projected policy check onto agent")
		}
	}

	return e.removeStale(ctx, existing, validTemplates, boundTemplates)
}

// resolveDuplicate reports whether a semantic duplicate blocks the
// template from being projected. An unmanaged duplicate gets marked
// overridden; a managed one already holds the key for an earlier policy.
func (e *Engine) resolveDuplicate(ctx context.Context, template *database.Check, existing []database.Check) (bool, error) {
	for i := range existing {
		other := &existing[i]
		if !template.IsDuplicate(other) {
			continue
		}
		if !other.ManagedByPolicy && !other.OverriddenByPolicy {
			_, err := e.store.UpdateCheckState(ctx, other.ID, func(c *database.Check) error {
				c.OverriddenByPolicy = true
				return nil
			})
			if err != nil {
				return true, err
			}
			other.OverriddenByPolicy = true
		}
		return true, nil
	}
	return false, nil
}

// removeStale deletes managed instances whose template is gone or whose
// policy is no longer bound, and lifts override marks that no bound
// template justifies anymore.
func (e *Engine) removeStale(ctx context.Context, existing []database.Check, validTemplates map[string]bool, templates []database.Check) error {
	var survivors []database.Check
	for i := range existing {
		check := &existing[i]
		if check.ManagedByPolicy && !validTemplates[check.ParentCheck] {
			if err := e.deleteManaged(ctx, check); err != nil {
				return err
			}
			continue
		}
		survivors = append(survivors, *check)
	}

	for i := range survivors {
		check := &survivors[i]
		if check.ManagedByPolicy || !check.OverriddenByPolicy {
			continue
		}
		// An overridden check blocked its template from projecting, so
		// no managed twin exists. The mark stays as long as a bound
		// template still holds the same key.
		shadowed := false
		for j := range templates {
			if templates[j].IsDuplicate(check) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			_, err := e.store.UpdateCheckState(ctx, check.ID, func(c *database.Check) error {
				c.OverriddenByPolicy = false
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Clear removes managed instances from an agent, optionally restricted
// to the given template ids. Unmanaged checks are never deleted; their
// override marks are lifted so they resume alerting.
func (e *Engine) Clear(ctx context.Context, agentID string, templateIDs []string) error {
	wanted := make(map[string]bool, len(templateIDs))
	for _, id := range templateIDs {
		wanted[id] = true
	}

	managed := true
	instances, err := e.store.GetChecks(ctx, database.CheckFilters{AgentID: agentID, Managed: &managed})
	if err != nil {
		return err
	}
	for i := range instances {
		check := &instances[i]
		if len(wanted) > 0 && !wanted[check.ParentCheck] {
			continue
		}
		if err := e.deleteManaged(ctx, check); err != nil {
			return err
		}
	}

	managed = false
	locals, err := e.store.GetChecks(ctx, database.CheckFilters{AgentID: agentID, Managed: &managed})
	if err != nil {
		return err
	}
	for i := range locals {
		if !locals[i].OverriddenByPolicy {
			continue
		}
		_, err := e.store.UpdateCheckState(ctx, locals[i].ID, func(c *database.Check) error {
			c.OverriddenByPolicy = false
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReconcileBinding reconciles every agent a binding's level and target
// can reach. Binding mutations call it so managed instances do not
// linger until someone reconciles the agent by hand.
func (e *Engine) ReconcileBinding(ctx context.Context, level database.BindingLevel, target string) error {
	agents, err := e.store.GetAgents(ctx)
	if err != nil {
		return err
	}
	for i := range agents {
		agent := &agents[i]
		var match bool
		switch level {
		case database.BindAgent:
			match = agent.ID == target
		case database.BindSite:
			match = agent.Site == target
		case database.BindClient:
			match = agent.Client == target
		}
		if !match {
			continue
		}
		if err := e.Reconcile(ctx, agent.ID); err != nil {
			return err
		}
	}
	return nil
}

// AffectedAgents lists agents reachable from a policy through its
// bindings or a direct assignment. Callers deleting a policy capture
// the list first, since deletion cascades the bindings away.
func (e *Engine) AffectedAgents(ctx context.Context, policyID string) ([]string, error) {
	bindings, err := e.store.GetBindings(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := e.store.GetAgents(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for i := range agents {
		agent := &agents[i]
		if agent.PolicyID == policyID {
			add(agent.ID)
			continue
		}
		for _, binding := range bindings {
			if binding.PolicyID != policyID {
				continue
			}
			switch binding.Level {
			case database.BindAgent:
				if binding.Target == agent.ID {
					add(agent.ID)
				}
			case database.BindSite:
				if binding.Target == agent.Site {
					add(agent.ID)
				}
			case database.BindClient:
				if binding.Target == agent.Client {
					add(agent.ID)
				}
			}
		}
	}
	return out, nil
}

// ReconcilePolicy reconciles every agent currently affected by a policy.
func (e *Engine) ReconcilePolicy(ctx context.Context, policyID string) error {
	ids, err := e.AffectedAgents(ctx, policyID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.Reconcile(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// deleteManaged removes one managed instance. Script checks may have a
// scheduled task on the agent; its cancellation is fire-and-forget and
// must not fail the projection.
func (e *Engine) deleteManaged(ctx context.Context, check *database.Check) error {
	if err := e.store.DeleteCheck(ctx, check.ID); err != nil {
		return err
	}
	if check.Type != database.CheckScript {
		return nil
	}
	task := &queue.Task{
		Kind:     queue.TaskRemoteCancel,
		AgentID:  check.AgentID,
		CheckID:  check.ID,
		TaskRef:  check.ScriptRef,
		Enqueued: time.Now(),
	}
	if err := e.queue.Push(ctx, task); err != nil {
		e.logger.WithError(err).WithField("check_id", check.ID).Warn("Failed to enqueue scheduled task cancellation")
	}
	return nil
}

// boundPolicies resolves the enabled policies bound to an agent in
// precedence order.
func (e *Engine) boundPolicies(ctx context.Context, agent *database.Agent) ([]database.Policy, error) {
	bindings, err := e.store.GetBindings(ctx)
	if err != nil {
		return nil, err
	}

	levelOrder := map[database.BindingLevel]int{
		database.BindAgent:  0,
		database.BindSite:   1,
		database.BindClient: 2,
	}

	type ranked struct {
		level  int
		policy database.Policy
	}
	var matched []ranked
	seen := make(map[string]bool)

	for _, binding := range bindings {
		switch binding.Level {
		case database.BindAgent:
			if binding.Target != agent.ID {
				continue
			}
		case database.BindSite:
			if binding.Target != agent.Site {
				continue
			}
		case database.BindClient:
			if binding.Target != agent.Client {
				continue
			}
		default:
			continue
		}
		if seen[binding.PolicyID] {
			continue
		}
		pol, err := e.store.GetPolicy(ctx, binding.PolicyID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !pol.Enabled {
			continue
		}
		seen[binding.PolicyID] = true
		matched = append(matched, ranked{level: levelOrder[binding.Level], policy: *pol})
	}

	// Agent-assigned policy counts as a direct binding too.
	if agent.PolicyID != "" && !seen[agent.PolicyID] {
		pol, err := e.store.GetPolicy(ctx, agent.PolicyID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		if err == nil && pol.Enabled {
			matched = append(matched, ranked{level: 0, policy: *pol})
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].level != matched[j].level {
			return matched[i].level < matched[j].level
		}
		return matched[i].policy.Rank < matched[j].policy.Rank
	})

	policies := make([]database.Policy, 0, len(matched))
	for _, m := range matched {
		policies = append(policies, m.policy)
	}
	return policies, nil
}
