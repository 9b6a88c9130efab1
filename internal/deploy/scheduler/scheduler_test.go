package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"deployd/internal/deploy"
	"deployd/internal/storage"
	logx "deployd/pkg/logx"
)

// fakeRunner records Run calls and moves records to running like the real
// engine would, so fired items drop out of the due sets.
type fakeRunner struct {
	mu      sync.Mutex
	store   deploy.Store
	ran     []string
	runErr  error
	busySet map[deploy.LineageKey]bool
}

func (f *fakeRunner) Run(ctx context.Context, id string) error {
	f.mu.Lock()
	f.ran = append(f.ran, id)
	err := f.runErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	_, uerr := f.store.UpdateStatus(ctx, id, deploy.StatusRunning, "")
	return uerr
}

func (f *fakeRunner) Busy(key deploy.LineageKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busySet[key]
}

func (f *fakeRunner) runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, deploy.Store, *fakeRunner) {
	t.Helper()
	st := storage.NewMemory()
	r := &fakeRunner{store: st, busySet: map[deploy.LineageKey]bool{}}
	s := New(Config{Enabled: true}, st, r, nil, logx.Nop())
	return s, st, r
}

func createScheduled(t *testing.T, st deploy.Store, name string, at time.Time) deploy.Deployment {
	t.Helper()
	d, err := st.Create(context.Background(), deploy.Spec{
		Name:            name,
		ConfigurationID: "cfg-1",
		TargetType:      deploy.TargetServer,
		TargetID:        "srv-1",
		ScheduleType:    deploy.ScheduleScheduled,
		ScheduledFor:    &at,
	})
	if err != nil {
		t.Fatalf("create scheduled: %v", err)
	}
	return d
}

func createRecurring(t *testing.T, st deploy.Store, name, expr string, next time.Time) deploy.Deployment {
	t.Helper()
	d, err := st.Create(context.Background(), deploy.Spec{
		Name:            name,
		ConfigurationID: "cfg-1",
		TargetType:      deploy.TargetServer,
		TargetID:        "srv-1",
		ScheduleType:    deploy.ScheduleRecurring,
		CronExpression:  expr,
		NextRunAt:       &next,
	})
	if err != nil {
		t.Fatalf("create recurring: %v", err)
	}
	return d
}

func TestOverdueScheduledFiresOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, st, r := newTestScheduler(t)

	now := time.Now()
	d := createScheduled(t, st, "api", now.Add(-time.Hour))

	s.Tick(ctx, now)
	s.Tick(ctx, now.Add(time.Minute))

	if got := r.runs(); len(got) != 1 || got[0] != d.ID {
		t.Fatalf("runs = %v, want exactly one for %s", got, d.ID)
	}
}

func TestScheduledNotYetDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, st, r := newTestScheduler(t)

	now := time.Now()
	createScheduled(t, st, "api", now.Add(time.Hour))

	s.Tick(ctx, now)
	if got := r.runs(); len(got) != 0 {
		t.Fatalf("runs = %v, want none before due time", got)
	}
}

func TestScheduledDeferredWhileBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, st, r := newTestScheduler(t)

	now := time.Now()
	d := createScheduled(t, st, "api", now.Add(-time.Minute))
	r.runErr = deploy.ErrBusy

	s.Tick(ctx, now)
	got, _ := st.Get(ctx, d.ID)
	if got.Status != deploy.StatusPending {
		t.Fatalf("deferred record status = %s, want pending", got.Status)
	}

	// The slot frees up; the next tick retries and succeeds.
	r.mu.Lock()
	r.runErr = nil
	r.mu.Unlock()
	s.Tick(ctx, now.Add(time.Minute))

	got, _ = st.Get(ctx, d.ID)
	if got.Status != deploy.StatusRunning {
		t.Fatalf("retried record status = %s, want running", got.Status)
	}
	if n := len(r.runs()); n != 2 {
		t.Fatalf("run attempts = %d, want 2", n)
	}
}

func TestRecurringFiresAndAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, st, r := newTestScheduler(t)

	now := time.Now()
	def := createRecurring(t, st, "nightly", "0 0 * * *", now.Add(-time.Minute))

	s.Tick(ctx, now)

	versions, err := st.ListLineage(ctx, def.Lineage())
	if err != nil {
		t.Fatalf("list lineage: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("lineage size = %d, want definition plus one run", len(versions))
	}
	child := versions[0]
	if child.Version != 2 || child.IsActive || child.NextRunAt != nil {
		t.Fatalf("run instance = %+v, want inert version 2", child)
	}
	if got := r.runs(); len(got) != 1 || got[0] != child.ID {
		t.Fatalf("runs = %v, want the run instance", got)
	}

	updated, _ := st.Get(ctx, def.ID)
	if updated.NextRunAt == nil || !updated.NextRunAt.After(now) {
		t.Fatalf("nextRunAt = %v, want advanced past %v", updated.NextRunAt, now)
	}
	if updated.LastRunAt == nil {
		t.Fatal("lastRunAt not stamped")
	}

	// Advanced definition is no longer due.
	due, _ := st.ListRecurringDue(ctx, now)
	if len(due) != 0 {
		t.Fatalf("definition still due after advance: %v", due)
	}
}

func TestRecurringSkippedWhileBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, st, r := newTestScheduler(t)

	now := time.Now()
	def := createRecurring(t, st, "nightly", "0 0 * * *", now.Add(-time.Minute))
	r.busySet[def.Lineage()] = true

	s.Tick(ctx, now)

	versions, _ := st.ListLineage(ctx, def.Lineage())
	if len(versions) != 1 {
		t.Fatalf("lineage size = %d, want no appended run while busy", len(versions))
	}
	updated, _ := st.Get(ctx, def.ID)
	if !updated.NextRunAt.Equal(*def.NextRunAt) {
		t.Fatalf("nextRunAt advanced on a skipped occurrence: %v", updated.NextRunAt)
	}

	// Once the lineage frees up the occurrence fires.
	r.mu.Lock()
	delete(r.busySet, def.Lineage())
	r.mu.Unlock()
	s.Tick(ctx, now.Add(time.Minute))

	versions, _ = st.ListLineage(ctx, def.Lineage())
	if len(versions) != 2 {
		t.Fatalf("lineage size = %d after retry, want 2", len(versions))
	}
}

func TestRecurringAdvancesWhenRunFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, st, r := newTestScheduler(t)

	now := time.Now()
	def := createRecurring(t, st, "nightly", "0 0 * * *", now.Add(-time.Minute))
	r.runErr = deploy.ErrBusy

	s.Tick(ctx, now)

	updated, _ := st.Get(ctx, def.ID)
	if updated.NextRunAt == nil || !updated.NextRunAt.After(now) {
		t.Fatalf("nextRunAt = %v, want advanced even though the run did not start", updated.NextRunAt)
	}
}

func TestRecurringPausedOnBrokenExpression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, st, _ := newTestScheduler(t)

	now := time.Now()
	broken := createRecurring(t, st, "broken", "not a cron", now.Add(-time.Minute))
	healthy := createRecurring(t, st, "healthy", "0 0 * * *", now.Add(-time.Minute))

	s.Tick(ctx, now)

	got, _ := st.Get(ctx, broken.ID)
	if got.IsActive {
		t.Fatal("definition with broken expression still active")
	}

	// The broken definition never poisons its neighbors.
	h, _ := st.Get(ctx, healthy.ID)
	if h.NextRunAt == nil || !h.NextRunAt.After(now) {
		t.Fatalf("healthy definition not advanced: %v", h.NextRunAt)
	}
}
