// internal/checks/evaluator.go
package checks

import (
	"context"
	"errors"
	"time"

	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/queue"

	"github.com/sirupsen/logrus"
)

const (
	maxUpdateAttempts = 3
	retryBackoff      = 50 * time.Millisecond
)

// Broadcaster receives check state transitions, e.g. for the websocket
// hub. Implementations must not block.
type Broadcaster interface {
	CheckStatusChanged(check *database.Check, from, to database.CheckStatus)
}

// Evaluator applies incoming measurements to check state and enqueues
// alert tasks when a check's failure streak crosses its alert line.
type Evaluator struct {
	store       database.Store
	queue       queue.Queue
	logger      *logrus.Logger
	broadcaster Broadcaster
}

func NewEvaluator(store database.Store, q queue.Queue, logger *logrus.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		queue:  q,
		logger: logger,
	}
}

// SetBroadcaster wires an optional transition listener.
func (e *Evaluator) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// HandleMeasurement validates and applies one measurement. The
// read-modify-write runs inside a single store transaction so concurrent
// measurements for the same check never lose fail_count increments. A
// rejected payload leaves the check untouched.
func (e *Evaluator) HandleMeasurement(ctx context.Context, m *Measurement) (*database.Check, error) {
	if m.CheckID == "" {
		return nil, &ValidationError{Field: "check_id", Reason: "is required"}
	}

	started := time.Now()
	var prevStatus database.CheckStatus

	mutate := func(check *database.Check) error {
		if check.IsTemplate() {
			return &ValidationError{Field: "check_id", Reason: "refers to a policy template"}
		}
		if err := validateForType(check.Type, m); err != nil {
			return err
		}

		prevStatus = check.Status
		now := time.Now()
		check.LastRun = &now
		if m.MoreInfo != "" {
			check.MoreInfo = m.MoreInfo
		}

		if check.Type.Smoothed() {
			applySmoothed(check, m.Percent)
		} else {
			applyThreshold(check, m)
		}
		return nil
	}

	var check *database.Check
	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		check, err = e.store.UpdateCheckState(ctx, m.CheckID, mutate)
		if !errors.Is(err, database.ErrConcurrency) {
			break
		}
		metrics.ConcurrencyRetries.Inc()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff << attempt):
		}
	}
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			metrics.MeasurementsTotal.WithLabelValues("unknown", "rejected").Inc()
			return nil, err
		}
		if errors.Is(err, database.ErrConcurrency) {
			// Lost the race repeatedly; the measurement is dropped and
			// the next sample carries the signal.
			e.logger.WithField("check_id", m.CheckID).Warn("Measurement dropped after update contention")
			return nil, nil
		}
		return nil, err
	}

	metrics.MeasurementsTotal.WithLabelValues(string(check.Type), string(check.Status)).Inc()
	metrics.EvaluationDuration.WithLabelValues(string(check.Type)).Observe(time.Since(started).Seconds())

	if prevStatus != check.Status {
		metrics.StatusTransitions.WithLabelValues(string(check.Type), string(prevStatus), string(check.Status)).Inc()
		if e.broadcaster != nil {
			e.broadcaster.CheckStatusChanged(check, prevStatus, check.Status)
		}
	}

	e.maybeEnqueueAlert(ctx, check)
	return check, nil
}

// maybeEnqueueAlert fires on every eligible evaluation, not just the
// first crossing. The dispatcher's renotify window deduplicates, so a
// lost task costs nothing while the check keeps failing.
func (e *Evaluator) maybeEnqueueAlert(ctx context.Context, check *database.Check) {
	if !check.EmailAlert && !check.TextAlert {
		return
	}
	if check.FailCount < check.FailsBeforeAlert {
		return
	}

	task := &queue.Task{
		Kind:     queue.TaskCheckAlert,
		CheckID:  check.ID,
		AgentID:  check.AgentID,
		Enqueued: time.Now(),
	}
	if err := e.queue.Push(ctx, task); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"check_id": check.ID,
			"agent_id": check.AgentID,
		}).Error("Failed to enqueue check alert")
	}
}

func applyThreshold(check *database.Check, m *Measurement) {
	switch m.Status {
	case database.StatusFailing:
		check.FailCount++
		check.Status = database.StatusFailing
	case database.StatusPassing:
		if check.FailCount != 0 {
			check.FailCount = 0
		}
		check.Status = database.StatusPassing
	case StatusWarning:
		// Neither grows nor resets the streak.
	}

	if check.Type == database.CheckScript {
		check.Stdout = m.Stdout
		check.Stderr = m.Stderr
		check.RetCode = m.RetCode
		check.ExecutionTime = m.ExecutionTime
	}
}

func applySmoothed(check *database.Check, percent int) {
	check.History = append(check.History, percent)
	if len(check.History) > database.HistoryLimit {
		check.History = check.History[len(check.History)-database.HistoryLimit:]
	}

	if check.RollingAverage() > check.Threshold {
		check.Status = database.StatusFailing
		check.FailCount++
	} else {
		check.Status = database.StatusPassing
		if check.FailCount != 0 {
			check.FailCount = 0
		}
	}
}

func validateForType(t database.CheckType, m *Measurement) error {
	if !t.Valid() {
		return &ValidationError{Field: "check_type", Reason: "is not recognized"}
	}
	if t.Smoothed() {
		if m.Percent < 0 || m.Percent > 100 {
			return &ValidationError{Field: "percent", Reason: "must be between 0 and 100"}
		}
		return nil
	}
	switch m.Status {
	case database.StatusPassing, database.StatusFailing, StatusWarning:
		return nil
	}
	return &ValidationError{Field: "status", Reason: "must be passing, failing or warning"}
}
