// internal/outage/tracker_test.go
package outage

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
	return nil, nil
}

func (f *fakeQueue) Len(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tasks)), nil
}

func (f *fakeQueue) Close() error { return nil }

func (f *fakeQueue) kinds() []queue.TaskKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queue.TaskKind, len(f.tasks))
	for i, task := range f.tasks {
		out[i] = task.Kind
	}
	return out
}

func newTestTracker(t *testing.T) (*Tracker, database.Store, *fakeQueue) {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	q := &fakeQueue{}
	tracker := NewTracker(store, q, logger, 6*time.Minute, time.Minute)
	return tracker, store, q
}

func seedAgent(t *testing.T, store database.Store, lastSeenAgo time.Duration, emailAlert bool) *database.Agent {
	t.Helper()
	agent := &database.Agent{
		Hostname:          "ws01",
		Client:            "Acme",
		Site:              "HQ",
		OverdueEmailAlert: emailAlert,
	}
	if err := store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatal(err)
	}
	if lastSeenAgo >= 0 {
		seen := time.Now().Add(-lastSeenAgo)
		if err := store.TouchAgent(context.Background(), agent.ID, seen); err != nil {
			t.Fatal(err)
		}
	}
	return agent
}

func TestSweepOpensOutageForSilentAgent(t *testing.T) {
	tracker, store, q := newTestTracker(t)
	ctx := context.Background()

	agent := seedAgent(t, store, 10*time.Minute, true)

	if err := tracker.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	outage, err := store.GetActiveOutage(ctx, agent.ID)
	if err != nil {
		t.Fatalf("expected active outage: %v", err)
	}
	if !outage.IsActive() {
		t.Error("outage should be active")
	}
	if kinds := q.kinds(); len(kinds) != 1 || kinds[0] != queue.TaskOutageAlert {
		t.Errorf("expected one outage alert task, got %v", kinds)
	}
}

func TestSweepIsIdempotentWhileDown(t *testing.T) {
	tracker, store, q := newTestTracker(t)
	ctx := context.Background()

	agent := seedAgent(t, store, 10*time.Minute, true)

	for i := 0; i < 3; i++ {
		if err := tracker.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}

	outages, err := store.GetOutages(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(outages) != 1 {
		t.Errorf("repeated sweeps opened %d outages", len(outages))
	}
	if kinds := q.kinds(); len(kinds) != 1 {
		t.Errorf("repeated sweeps enqueued %d notifications", len(kinds))
	}
}

func TestSweepClosesOutageOnRecovery(t *testing.T) {
	tracker, store, q := newTestTracker(t)
	ctx := context.Background()

	agent := seedAgent(t, store, 10*time.Minute, true)
	if err := tracker.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	// Agent reports in again.
	if err := store.TouchAgent(ctx, agent.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetActiveOutage(ctx, agent.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("outage should be closed, got %v", err)
	}

	kinds := q.kinds()
	if len(kinds) != 2 || kinds[1] != queue.TaskRecovery {
		t.Errorf("expected outage then recovery tasks, got %v", kinds)
	}
}

func TestSweepSkipsNotificationWithoutAlertFlags(t *testing.T) {
	tracker, store, q := newTestTracker(t)
	ctx := context.Background()

	agent := seedAgent(t, store, 10*time.Minute, false)

	if err := tracker.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	// The outage record still opens; only the notification is skipped.
	if _, err := store.GetActiveOutage(ctx, agent.ID); err != nil {
		t.Fatalf("expected outage opened: %v", err)
	}
	if kinds := q.kinds(); len(kinds) != 0 {
		t.Errorf("expected no notification tasks, got %v", kinds)
	}
}

func TestSweepIgnoresHealthyAndNeverSeenAgents(t *testing.T) {
	tracker, store, _ := newTestTracker(t)
	ctx := context.Background()

	healthy := seedAgent(t, store, time.Minute, true)

	// Never-seen agents read as offline and do get an outage.
	never := seedAgent(t, store, -1, false)

	if err := tracker.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetActiveOutage(ctx, healthy.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("healthy agent should have no outage, got %v", err)
	}
	if _, err := store.GetActiveOutage(ctx, never.ID); err != nil {
		t.Errorf("never-seen agent should have an outage: %v", err)
	}
}
