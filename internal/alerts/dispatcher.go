// internal/alerts/dispatcher.go
package alerts

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"fleetwatch/internal/database"
	"fleetwatch/internal/mail"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/queue"
	"fleetwatch/internal/remote"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	popTimeout  = 5 * time.Second
	sendTimeout = 20 * time.Second
)

// Options tunes the dispatcher worker pool.
type Options struct {
	Workers          int
	JitterMin        time.Duration
	JitterMax        time.Duration
	RenotifyInterval time.Duration
	RatePerSecond    float64
	RateBurst        int
}

// Dispatcher drains the alert queue with a pool of workers. Per-check
// dedup lives in the store's conditional alert-stamp claim, so duplicate
// tasks in the queue are cheap. Send failures are logged and swallowed;
// the claimed stamp is reverted so the next eligible evaluation retries.
type Dispatcher struct {
	store     database.Store
	queue     queue.Queue
	mailer    mail.Mailer
	texter    notify.Texter
	scheduler remote.SchedulerClient
	logger    *logrus.Logger
	opts      Options
	limiter   *rate.Limiter

	wg sync.WaitGroup
}

func NewDispatcher(store database.Store, q queue.Queue, mailer mail.Mailer, texter notify.Texter, scheduler remote.SchedulerClient, logger *logrus.Logger, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RenotifyInterval <= 0 {
		opts.RenotifyInterval = 24 * time.Hour
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.RateBurst < 1 {
		opts.RateBurst = 1
	}
	return &Dispatcher{
		store:     store,
		queue:     q,
		mailer:    mailer,
		texter:    texter,
		scheduler: scheduler,
		logger:    logger,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RateBurst),
	}
}

// Run starts the worker pool and blocks until the context is cancelled
// and all workers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.WithField("workers", d.opts.Workers).Info("Alert dispatcher started")

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Wait()
	d.logger.Info("Alert dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		task, err := d.queue.Pop(ctx, popTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			d.logger.WithError(err).WithField("worker", id).Error("Failed to pop alert task")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if depth, err := d.queue.Len(ctx); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
		d.handle(ctx, task)
	}
}

func (d *Dispatcher) handle(ctx context.Context, task *queue.Task) {
	switch task.Kind {
	case queue.TaskCheckAlert:
		d.handleCheckAlert(ctx, task)
	case queue.TaskOutageAlert:
		d.handleOutage(ctx, task, false)
	case queue.TaskRecovery:
		d.handleOutage(ctx, task, true)
	case queue.TaskRemoteCancel:
		d.handleRemoteCancel(ctx, task)
	default:
		d.logger.WithField("kind", task.Kind).Warn("Unknown alert task kind")
	}
}

func (d *Dispatcher) handleCheckAlert(ctx context.Context, task *queue.Task) {
	check, err := d.store.GetCheck(ctx, task.CheckID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			d.logger.WithError(err).WithField("check_id", task.CheckID).Error("Failed to load check for alert")
		}
		return
	}
	// The streak may have reset between enqueue and now.
	if check.FailCount < check.FailsBeforeAlert {
		return
	}

	var agent *database.Agent
	if check.AgentID != "" {
		agent, err = d.store.GetAgent(ctx, check.AgentID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			d.logger.WithError(err).WithField("agent_id", check.AgentID).Error("Failed to load agent for alert")
			return
		}
	}

	settings, err := d.store.GetSettings(ctx)
	if err != nil {
		d.logger.WithError(err).Debug("No settings configured, skipping check alert")
		return
	}

	subject := checkSubject(check, agent)
	body := checkBody(check, agent, subject)

	if check.EmailAlert && settings.EmailConfigured() {
		d.sendCheckChannel(ctx, check, "email", func(sendCtx context.Context) error {
			return d.mailer.Send(sendCtx, settings, subject, body)
		})
	}
	if check.TextAlert && settings.TextGatewayURL != "" {
		d.sendCheckChannel(ctx, check, "text", func(sendCtx context.Context) error {
			return d.texter.Send(sendCtx, settings, body)
		})
	}
}

// sendCheckChannel claims the channel's alert stamp, sleeps a random
// jitter so a thundering herd of agents spreads out, then sends. Exactly
// one concurrent worker wins the claim.
func (d *Dispatcher) sendCheckChannel(ctx context.Context, check *database.Check, channel string, send func(context.Context) error) {
	now := time.Now()
	claimed, prev, err := d.store.ClaimCheckAlert(ctx, check.ID, channel, now, d.opts.RenotifyInterval)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			d.logger.WithError(err).WithField("check_id", check.ID).Error("Failed to claim alert stamp")
		}
		return
	}
	if !claimed {
		metrics.AlertsSuppressed.WithLabelValues("check", channel).Inc()
		return
	}

	if !d.pause(ctx, d.jitter()) {
		d.revert(check.ID, channel, prev)
		return
	}
	if err := d.limiter.Wait(ctx); err != nil {
		d.revert(check.ID, channel, prev)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err = send(sendCtx)
	cancel()
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"check_id": check.ID,
			"channel":  channel,
		}).Error("Failed to send check alert")
		metrics.AlertFailures.WithLabelValues("check", channel).Inc()
		d.revert(check.ID, channel, prev)
		return
	}

	metrics.AlertsSent.WithLabelValues("check", channel).Inc()
	d.logger.WithFields(logrus.Fields{
		"check_id": check.ID,
		"channel":  channel,
	}).Info("Check alert sent")
}

func (d *Dispatcher) handleOutage(ctx context.Context, task *queue.Task, recovery bool) {
	agent, err := d.store.GetAgent(ctx, task.AgentID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			d.logger.WithError(err).WithField("agent_id", task.AgentID).Error("Failed to load agent for outage alert")
		}
		return
	}

	outage := d.findOutage(ctx, task)
	if outage == nil {
		return
	}

	settings, err := d.store.GetSettings(ctx)
	if err != nil {
		d.logger.WithError(err).Debug("No settings configured, skipping outage alert")
		return
	}

	kind := "outage"
	subject, body := outageSubject(agent), outageBody(agent)
	if recovery {
		kind = "recovery"
		subject, body = recoverySubject(agent), recoveryBody(agent)
	}

	if agent.OverdueEmailAlert && settings.EmailConfigured() && !emailSent(outage, recovery) {
		if d.sendOutageChannel(ctx, kind, "email", func(sendCtx context.Context) error {
			return d.mailer.Send(sendCtx, settings, subject, body)
		}) {
			setEmailSent(outage, recovery)
			d.saveOutage(ctx, outage)
		}
	}
	if agent.OverdueTextAlert && settings.TextGatewayURL != "" && !textSent(outage, recovery) {
		if d.sendOutageChannel(ctx, kind, "text", func(sendCtx context.Context) error {
			return d.texter.Send(sendCtx, settings, subject)
		}) {
			setTextSent(outage, recovery)
			d.saveOutage(ctx, outage)
		}
	}
}

func (d *Dispatcher) sendOutageChannel(ctx context.Context, kind, channel string, send func(context.Context) error) bool {
	if !d.pause(ctx, d.jitter()) {
		return false
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := send(sendCtx)
	cancel()
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"kind":    kind,
			"channel": channel,
		}).Error("Failed to send outage notification")
		metrics.AlertFailures.WithLabelValues(kind, channel).Inc()
		return false
	}

	metrics.AlertsSent.WithLabelValues(kind, channel).Inc()
	return true
}

func (d *Dispatcher) handleRemoteCancel(ctx context.Context, task *queue.Task) {
	cancelCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := d.scheduler.CancelScheduledTask(cancelCtx, task.AgentID, task.TaskRef); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"agent_id": task.AgentID,
			"task_ref": task.TaskRef,
		}).Warn("Failed to cancel remote scheduled task")
	}
}

func (d *Dispatcher) findOutage(ctx context.Context, task *queue.Task) *database.AgentOutage {
	outages, err := d.store.GetOutages(ctx, task.AgentID)
	if err != nil {
		d.logger.WithError(err).WithField("agent_id", task.AgentID).Error("Failed to load outages")
		return nil
	}
	for i := range outages {
		if outages[i].ID == task.OutageID {
			return &outages[i]
		}
	}
	return nil
}

func (d *Dispatcher) saveOutage(ctx context.Context, outage *database.AgentOutage) {
	if err := d.store.UpdateOutage(ctx, outage); err != nil {
		d.logger.WithError(err).WithField("outage_id", outage.ID).Error("Failed to record outage notification flag")
	}
}

func (d *Dispatcher) revert(checkID, channel string, prev *time.Time) {
	// Use a fresh context: the revert must land even when the worker's
	// context was cancelled mid-send.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.RevertCheckAlert(ctx, checkID, channel, prev); err != nil {
		d.logger.WithError(err).WithField("check_id", checkID).Error("Failed to revert alert stamp")
	}
}

func (d *Dispatcher) jitter() time.Duration {
	if d.opts.JitterMax <= d.opts.JitterMin {
		return d.opts.JitterMin
	}
	return d.opts.JitterMin + time.Duration(rand.Int63n(int64(d.opts.JitterMax-d.opts.JitterMin)))
}

func (d *Dispatcher) pause(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(dur):
		return true
	}
}

func emailSent(o *database.AgentOutage, recovery bool) bool {
	if recovery {
		return o.RecoveryEmailSent
	}
	return o.OutageEmailSent
}

func textSent(o *database.AgentOutage, recovery bool) bool {
	if recovery {
		return o.RecoveryTextSent
	}
	return o.OutageTextSent
}

func setEmailSent(o *database.AgentOutage, recovery bool) {
	if recovery {
		o.RecoveryEmailSent = true
	} else {
		o.OutageEmailSent = true
	}
}

func setTextSent(o *database.AgentOutage, recovery bool) {
	if recovery {
		o.RecoveryTextSent = true
	} else {
		o.OutageTextSent = true
	}
}
