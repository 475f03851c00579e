// internal/database/boltstore_test.go
package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAgentDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Hostname: "ws01", Client: "Acme", Site: "HQ"}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if agent.ID == "" {
		t.Error("expected generated id")
	}
	if agent.OverdueMinutes != 30 {
		t.Errorf("expected default overdue 30, got %d", agent.OverdueMinutes)
	}
}

func TestTouchAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Hostname: "ws01"}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}

	seen := time.Now()
	if err := store.TouchAgent(ctx, agent.ID, seen); err != nil {
		t.Fatalf("TouchAgent failed: %v", err)
	}

	got, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen not stamped: %v", got.LastSeen)
	}

	if err := store.TouchAgent(ctx, "missing", seen); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateCheckDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	check := &Check{AgentID: "a1", Type: CheckDiskSpace, Disk: "C:"}
	if err := store.CreateCheck(ctx, check); err != nil {
		t.Fatal(err)
	}
	if check.Status != StatusPending {
		t.Errorf("expected pending status, got %s", check.Status)
	}
	if check.FailsBeforeAlert != 1 {
		t.Errorf("expected fails_before_alert default 1, got %d", check.FailsBeforeAlert)
	}
}

func TestUpdateCheckStateConcurrentIncrements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	check := &Check{AgentID: "a1", Type: CheckPing, IP: "10.0.0.1"}
	if err := store.CreateCheck(ctx, check); err != nil {
		t.Fatal(err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateCheckState(ctx, check.ID, func(c *Check) error {
				c.FailCount++
				return nil
			})
			if err != nil {
				t.Errorf("UpdateCheckState failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetCheck(ctx, check.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FailCount != writers {
		t.Errorf("lost increments: got %d, want %d", got.FailCount, writers)
	}
}

func TestClaimCheckAlertExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	check := &Check{AgentID: "a1", Type: CheckPing, IP: "10.0.0.1"}
	if err := store.CreateCheck(ctx, check); err != nil {
		t.Fatal(err)
	}

	const claimers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, _, err := store.ClaimCheckAlert(ctx, check.ID, "email", time.Now(), 24*time.Hour)
			if err != nil {
				t.Errorf("ClaimCheckAlert failed: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning claim, got %d", wins)
	}
}

func TestClaimCheckAlertWindowAndRevert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	check := &Check{AgentID: "a1", Type: CheckPing, IP: "10.0.0.1"}
	if err := store.CreateCheck(ctx, check); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	claimed, prev, err := store.ClaimCheckAlert(ctx, check.ID, "email", now, 24*time.Hour)
	if err != nil || !claimed {
		t.Fatalf("first claim should win: claimed=%v err=%v", claimed, err)
	}
	if prev != nil {
		t.Errorf("first claim should see nil previous stamp, got %v", prev)
	}

	// Inside the window: suppressed.
	claimed, _, err = store.ClaimCheckAlert(ctx, check.ID, "email", now.Add(time.Hour), 24*time.Hour)
	if err != nil || claimed {
		t.Fatalf("claim inside window should lose: claimed=%v err=%v", claimed, err)
	}

	// Text channel has its own stamp.
	claimed, _, err = store.ClaimCheckAlert(ctx, check.ID, "text", now, 24*time.Hour)
	if err != nil || !claimed {
		t.Fatalf("text claim should win independently: claimed=%v err=%v", claimed, err)
	}

	// Revert restores eligibility.
	if err := store.RevertCheckAlert(ctx, check.ID, "email", prev); err != nil {
		t.Fatalf("RevertCheckAlert failed: %v", err)
	}
	claimed, _, err = store.ClaimCheckAlert(ctx, check.ID, "email", now.Add(time.Minute), 24*time.Hour)
	if err != nil || !claimed {
		t.Fatalf("claim after revert should win: claimed=%v err=%v", claimed, err)
	}

	// Outside the window: a fresh claim wins again.
	claimed, _, err = store.ClaimCheckAlert(ctx, check.ID, "email", now.Add(25*time.Hour), 24*time.Hour)
	if err != nil || !claimed {
		t.Fatalf("claim outside window should win: claimed=%v err=%v", claimed, err)
	}
}

func TestOpenOutageIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Now()
	first, err := store.OpenOutage(ctx, "a1", start)
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.OpenOutage(ctx, "a1", start.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("second open created a new outage: %s vs %s", first.ID, second.ID)
	}

	if err := store.CloseOutage(ctx, first.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetActiveOutage(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no active outage after close, got %v", err)
	}

	// A closed outage does not block a new one.
	third, err := store.OpenOutage(ctx, "a1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Error("new outage should have a fresh id")
	}
}

func TestSettingsSingleton(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSettings(ctx, &Settings{SMTPHost: "smtp.example.com"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	err := store.CreateSettings(ctx, &Settings{SMTPHost: "other.example.com"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on second create, got %v", err)
	}

	got, err := store.GetSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.SMTPHost != "smtp.example.com" {
		t.Errorf("second create overwrote settings: %s", got.SMTPHost)
	}
}

func TestDeleteAgentCascadesChecks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Hostname: "ws01"}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}
	check := &Check{AgentID: agent.ID, Type: CheckMemory, Threshold: 90}
	if err := store.CreateCheck(ctx, check); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetCheck(ctx, check.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected check deleted with agent, got %v", err)
	}
}
