// internal/outage/tracker.go
package outage

import (
	"context"
	"errors"
	"time"

	"fleetwatch/internal/database"
	"fleetwatch/internal/queue"

	"github.com/sirupsen/logrus"
)

// EventListener receives outage open/close events, e.g. for the
// websocket hub. Implementations must not block.
type EventListener interface {
	OutageOpened(agent *database.Agent, outage *database.AgentOutage)
	OutageClosed(agent *database.Agent, outage *database.AgentOutage)
}

// Tracker sweeps the fleet on a fixed cadence, opening an outage when an
// agent stops reporting and closing it when data flows again.
type Tracker struct {
	store          database.Store
	queue          queue.Queue
	logger         *logrus.Logger
	offlineHorizon time.Duration
	sweepInterval  time.Duration
	listener       EventListener
}

func NewTracker(store database.Store, q queue.Queue, logger *logrus.Logger, offlineHorizon, sweepInterval time.Duration) *Tracker {
	return &Tracker{
		store:          store,
		queue:          q,
		logger:         logger,
		offlineHorizon: offlineHorizon,
		sweepInterval:  sweepInterval,
	}
}

func (t *Tracker) SetListener(l EventListener) {
	t.listener = l
}

// Run blocks until the context is cancelled, sweeping every interval.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	t.logger.WithField("interval", t.sweepInterval).Info("Outage tracker started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Outage tracker stopped")
			return
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil {
				t.logger.WithError(err).Error("Outage sweep failed")
			}
		}
	}
}

// Sweep examines every agent once. It is idempotent: at most one active
// outage exists per agent, and repeated sweeps while the agent stays
// down change nothing.
func (t *Tracker) Sweep(ctx context.Context) error {
	agents, err := t.store.GetAgents(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range agents {
		agent := &agents[i]
		if err := t.sweepAgent(ctx, agent, now); err != nil {
			t.logger.WithError(err).WithField("agent_id", agent.ID).Error("Failed to sweep agent")
		}
	}
	return nil
}

func (t *Tracker) sweepAgent(ctx context.Context, agent *database.Agent, now time.Time) error {
	status := agent.StatusAt(now, t.offlineHorizon)

	active, err := t.store.GetActiveOutage(ctx, agent.ID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}

	switch status {
	case database.AgentOnline:
		if active == nil {
			return nil
		}
		return t.closeOutage(ctx, agent, active, now)
	case database.AgentOffline, database.AgentOverdue:
		if active != nil {
			return nil
		}
		return t.openOutage(ctx, agent, now)
	}
	return nil
}

func (t *Tracker) openOutage(ctx context.Context, agent *database.Agent, now time.Time) error {
	outage, err := t.store.OpenOutage(ctx, agent.ID, now)
	if err != nil {
		return err
	}

	t.logger.WithFields(logrus.Fields{
		"agent_id": agent.ID,
		"hostname": agent.Hostname,
	}).Warn("Agent outage opened")

	if t.listener != nil {
		t.listener.OutageOpened(agent, outage)
	}

	if agent.OverdueEmailAlert || agent.OverdueTextAlert {
		t.enqueue(ctx, queue.TaskOutageAlert, agent.ID, outage.ID)
	}
	return nil
}

func (t *Tracker) closeOutage(ctx context.Context, agent *database.Agent, outage *database.AgentOutage, now time.Time) error {
	if err := t.store.CloseOutage(ctx, outage.ID, now); err != nil {
		return err
	}
	outage.End = &now

	t.logger.WithFields(logrus.Fields{
		"agent_id": agent.ID,
		"hostname": agent.Hostname,
		"duration": now.Sub(outage.Start),
	}).Info("Agent outage closed")

	if t.listener != nil {
		t.listener.OutageClosed(agent, outage)
	}

	if agent.OverdueEmailAlert || agent.OverdueTextAlert {
		t.enqueue(ctx, queue.TaskRecovery, agent.ID, outage.ID)
	}
	return nil
}

func (t *Tracker) enqueue(ctx context.Context, kind queue.TaskKind, agentID, outageID string) {
	task := &queue.Task{
		Kind:     kind,
		AgentID:  agentID,
		OutageID: outageID,
		Enqueued: time.Now(),
	}
	if err := t.queue.Push(ctx, task); err != nil {
		t.logger.WithError(err).WithField("agent_id", agentID).Error("Failed to enqueue outage notification")
	}
}
