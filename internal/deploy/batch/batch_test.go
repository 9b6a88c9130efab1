package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"deployd/internal/deploy"
	"deployd/internal/eventbus"
	"deployd/internal/storage"
	logx "deployd/pkg/logx"
)

// fakeRunner moves records to running and lets the test finish them later.
type fakeRunner struct {
	mu    sync.Mutex
	store deploy.Store
	ran   []string
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, id string) error {
	f.mu.Lock()
	f.ran = append(f.ran, id)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	_, uerr := f.store.UpdateStatus(ctx, id, deploy.StatusRunning, "")
	return uerr
}

func (f *fakeRunner) runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

func createMember(t *testing.T, st deploy.Store, name, batchKey string, sched deploy.ScheduleType) deploy.Deployment {
	t.Helper()
	sp := deploy.Spec{
		Name:            name,
		ConfigurationID: "cfg-" + name,
		TargetType:      deploy.TargetServer,
		TargetID:        "srv-1",
		ScheduleType:    sched,
		BatchKey:        batchKey,
	}
	if sched == deploy.ScheduleScheduled {
		at := time.Now().Add(time.Hour)
		sp.ScheduledFor = &at
	}
	d, err := st.Create(context.Background(), sp)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return d
}

func finish(t *testing.T, st deploy.Store, id string, to deploy.Status) {
	t.Helper()
	if _, err := st.UpdateStatus(context.Background(), id, to, ""); err != nil {
		t.Fatalf("finish %s: %v", id, err)
	}
}

func TestAdvanceRunsInCreationOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	r := &fakeRunner{store: st}
	seq := New(st, r, nil, logx.Nop())

	const key = "b-1"
	a := createMember(t, st, "db", key, deploy.ScheduleImmediate)
	b := createMember(t, st, "api", key, deploy.ScheduleImmediate)
	c := createMember(t, st, "web", key, deploy.ScheduleImmediate)

	seq.Advance(ctx, key)
	if got := r.runs(); len(got) != 1 || got[0] != a.ID {
		t.Fatalf("runs = %v, want only first member %s", got, a.ID)
	}

	// While the first member runs, advancing is a no-op.
	seq.Advance(ctx, key)
	if got := r.runs(); len(got) != 1 {
		t.Fatalf("runs while first still running = %v", got)
	}

	finish(t, st, a.ID, deploy.StatusCompleted)
	seq.Advance(ctx, key)
	if got := r.runs(); len(got) != 2 || got[1] != b.ID {
		t.Fatalf("runs = %v, want second member %s", got, b.ID)
	}

	finish(t, st, b.ID, deploy.StatusCompleted)
	seq.Advance(ctx, key)
	if got := r.runs(); len(got) != 3 || got[2] != c.ID {
		t.Fatalf("runs = %v, want third member %s", got, c.ID)
	}
}

func TestAdvanceContinuesPastFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	r := &fakeRunner{store: st}
	seq := New(st, r, nil, logx.Nop())

	const key = "b-1"
	a := createMember(t, st, "db", key, deploy.ScheduleImmediate)
	b := createMember(t, st, "api", key, deploy.ScheduleImmediate)

	seq.Advance(ctx, key)
	finish(t, st, a.ID, deploy.StatusFailed)

	// A failed predecessor does not abort the batch.
	seq.Advance(ctx, key)
	if got := r.runs(); len(got) != 2 || got[1] != b.ID {
		t.Fatalf("runs = %v, want successor started after failure", got)
	}
}

func TestAdvanceStopsAtTimeGatedSibling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	r := &fakeRunner{store: st}
	seq := New(st, r, nil, logx.Nop())

	const key = "b-1"
	a := createMember(t, st, "db", key, deploy.ScheduleImmediate)
	createMember(t, st, "api", key, deploy.ScheduleScheduled)
	createMember(t, st, "web", key, deploy.ScheduleImmediate)

	seq.Advance(ctx, key)
	finish(t, st, a.ID, deploy.StatusCompleted)

	// The scheduled sibling gates everything behind it.
	seq.Advance(ctx, key)
	if got := r.runs(); len(got) != 1 {
		t.Fatalf("runs = %v, want no starts past the time-gated sibling", got)
	}
}

func TestEventDrivenAdvance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	r := &fakeRunner{store: st}
	bus := eventbus.New()
	seq := New(st, r, bus, logx.Nop())
	seq.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		seq.Stop(sctx)
	}()

	const key = "b-1"
	a := createMember(t, st, "db", key, deploy.ScheduleImmediate)
	b := createMember(t, st, "api", key, deploy.ScheduleImmediate)

	seq.Advance(ctx, key)
	finish(t, st, a.ID, deploy.StatusCompleted)
	bus.Publish(eventbus.Event{
		Type: deploy.EventFinished,
		Data: deploy.Event{ID: a.ID, Status: deploy.StatusCompleted, BatchKey: key},
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := st.Get(ctx, b.ID)
		if got.Status == deploy.StatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("successor never started; runs = %v", r.runs())
}

func TestSweepRedrivesDeferredBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	r := &fakeRunner{store: st, err: deploy.ErrBusy}
	seq := New(st, r, nil, logx.Nop())

	const key = "b-1"
	a := createMember(t, st, "db", key, deploy.ScheduleImmediate)

	seq.Sweep(ctx)
	got, _ := st.Get(ctx, a.ID)
	if got.Status != deploy.StatusPending {
		t.Fatalf("deferred member status = %s, want pending", got.Status)
	}

	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
	seq.Sweep(ctx)
	got, _ = st.Get(ctx, a.ID)
	if got.Status != deploy.StatusRunning {
		t.Fatalf("swept member status = %s, want running", got.Status)
	}
}
