// internal/checks/evaluator_test.go
package checks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleetwatch/internal/database"
	"fleetwatch/internal/queue"

	"github.com/sirupsen/logrus"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*queue.Task
}

func (f *fakeQueue) Push(ctx context.Context, task *queue.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeQueue) Pop(ctx context.Context, timeout time.Duration) (*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return nil, nil
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	return task, nil
}

func (f *fakeQueue) Len(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tasks)), nil
}

func (f *fakeQueue) Close() error { return nil }

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func newTestEvaluator(t *testing.T) (*Evaluator, database.Store, *fakeQueue) {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	q := &fakeQueue{}
	return NewEvaluator(store, q, logger), store, q
}

func mustCreate(t *testing.T, store database.Store, check *database.Check) *database.Check {
	t.Helper()
	if err := store.CreateCheck(context.Background(), check); err != nil {
		t.Fatalf("CreateCheck failed: %v", err)
	}
	return check
}

func TestThresholdFailureStreakAndAlert(t *testing.T) {
	ev, store, q := newTestEvaluator(t)
	ctx := context.Background()

	check := mustCreate(t, store, &database.Check{
		AgentID:          "a1",
		Type:             database.CheckDiskSpace,
		Disk:             "C:",
		Threshold:        25,
		EmailAlert:       true,
		FailsBeforeAlert: 4,
	})

	for i := 1; i <= 3; i++ {
		got, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Status: database.StatusFailing})
		if err != nil {
			t.Fatal(err)
		}
		if got.FailCount != i {
			t.Errorf("after %d failures, fail_count = %d", i, got.FailCount)
		}
	}
	if q.count() != 0 {
		t.Errorf("no alert expected below fails_before_alert, got %d tasks", q.count())
	}

	got, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Status: database.StatusFailing})
	if err != nil {
		t.Fatal(err)
	}
	if got.FailCount != 4 || got.Status != database.StatusFailing {
		t.Errorf("fail_count=%d status=%s", got.FailCount, got.Status)
	}
	if q.count() != 1 {
		t.Errorf("expected one alert task at the alert line, got %d", q.count())
	}

	// Level-triggered: a fifth failure enqueues again.
	if _, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Status: database.StatusFailing}); err != nil {
		t.Fatal(err)
	}
	if q.count() != 2 {
		t.Errorf("expected repeat enqueue while failing, got %d", q.count())
	}

	// Recovery resets the streak once.
	got, err = ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Status: database.StatusPassing})
	if err != nil {
		t.Fatal(err)
	}
	if got.FailCount != 0 || got.Status != database.StatusPassing {
		t.Errorf("after pass: fail_count=%d status=%s", got.FailCount, got.Status)
	}
}

func TestSmoothedRollingMean(t *testing.T) {
	ev, store, _ := newTestEvaluator(t)
	ctx := context.Background()

	check := mustCreate(t, store, &database.Check{
		AgentID:   "a1",
		Type:      database.CheckCPULoad,
		Threshold: 86,
	})

	// Running integer means: 70, 72, 80, 83, 86. None exceeds 86.
	samples := []int{70, 75, 95, 95, 95}
	for _, pct := range samples {
		got, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Percent: pct})
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != database.StatusPassing {
			t.Errorf("mean still at or under threshold, got status %s with history %v", got.Status, got.History)
		}
	}

	// [70 75 95 95 95 95] has integer mean 87 > 86.
	got, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Percent: 95})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != database.StatusFailing || got.FailCount != 1 {
		t.Errorf("expected first failure at mean 87: status=%s fail_count=%d", got.Status, got.FailCount)
	}
}

func TestSmoothedHistoryCap(t *testing.T) {
	ev, store, _ := newTestEvaluator(t)
	ctx := context.Background()

	check := mustCreate(t, store, &database.Check{
		AgentID:   "a1",
		Type:      database.CheckMemory,
		Threshold: 99,
	})

	var got *database.Check
	var err error
	for i := 0; i < 40; i++ {
		got, err = ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Percent: i % 50})
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(got.History) != database.HistoryLimit {
		t.Errorf("history length = %d, want %d", len(got.History), database.HistoryLimit)
	}
	// Oldest evicted first: last sample appended is retained.
	if got.History[len(got.History)-1] != 39%50 {
		t.Errorf("newest sample missing from history tail: %v", got.History)
	}
}

func TestWarningIsNoOpForStreak(t *testing.T) {
	ev, store, _ := newTestEvaluator(t)
	ctx := context.Background()

	check := mustCreate(t, store, &database.Check{
		AgentID: "a1",
		Type:    database.CheckPing,
		IP:      "10.0.0.1",
	})

	if _, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Status: database.StatusFailing}); err != nil {
		t.Fatal(err)
	}
	got, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Status: StatusWarning})
	if err != nil {
		t.Fatal(err)
	}
	if got.FailCount != 1 {
		t.Errorf("warning changed the streak: fail_count=%d", got.FailCount)
	}
	if got.Status != database.StatusFailing {
		t.Errorf("warning changed stored status: %s", got.Status)
	}
}

func TestValidationRejectsWithoutMutation(t *testing.T) {
	ev, store, q := newTestEvaluator(t)
	ctx := context.Background()

	check := mustCreate(t, store, &database.Check{
		AgentID:   "a1",
		Type:      database.CheckCPULoad,
		Threshold: 85,
	})

	_, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Percent: 150})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	got, err := store.GetCheck(ctx, check.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 0 || got.LastRun != nil {
		t.Error("rejected measurement mutated the check")
	}
	if q.count() != 0 {
		t.Error("rejected measurement enqueued an alert")
	}
}

func TestMeasurementForTemplateRejected(t *testing.T) {
	ev, store, _ := newTestEvaluator(t)
	ctx := context.Background()

	template := mustCreate(t, store, &database.Check{
		PolicyID: "pol-1",
		Type:     database.CheckPing,
		IP:       "10.0.0.1",
	})

	_, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: template.ID, Status: database.StatusFailing})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for template, got %v", err)
	}
}

func TestMeasurementForMissingCheck(t *testing.T) {
	ev, _, _ := newTestEvaluator(t)

	_, err := ev.HandleMeasurement(context.Background(), &Measurement{CheckID: "missing", Status: database.StatusFailing})
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScriptResultsRecorded(t *testing.T) {
	ev, store, _ := newTestEvaluator(t)
	ctx := context.Background()

	check := mustCreate(t, store, &database.Check{
		AgentID:   "a1",
		Type:      database.CheckScript,
		ScriptRef: "cleanup.ps1",
	})

	got, err := ev.HandleMeasurement(ctx, &Measurement{
		CheckID:       check.ID,
		Status:        database.StatusFailing,
		RetCode:       2,
		Stderr:        "access denied",
		ExecutionTime: "1.52",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.RetCode != 2 || got.Stderr != "access denied" || got.ExecutionTime != "1.52" {
		t.Errorf("script results not recorded: %+v", got)
	}
}

func TestTextAlertEnqueues(t *testing.T) {
	ev, store, q := newTestEvaluator(t)
	ctx := context.Background()

	check := mustCreate(t, store, &database.Check{
		AgentID:     "a1",
		Type:        database.CheckWinSvc,
		ServiceName: "spooler",
		TextAlert:   true,
	})

	if _, err := ev.HandleMeasurement(ctx, &Measurement{CheckID: check.ID, Status: database.StatusFailing}); err != nil {
		t.Fatal(err)
	}
	if q.count() != 1 {
		t.Errorf("text-only alert should enqueue, got %d tasks", q.count())
	}
}
