package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"deployd/internal/deploy"
	logx "deployd/pkg/logx"
)

func openTestSQLite(t *testing.T) deploy.Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "deployd.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	sched := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	sp := newSpec("api")
	sp.Description = "rollout"
	sp.ScheduleType = deploy.ScheduleScheduled
	sp.ScheduledFor = &sched
	sp.BatchKey = "b-1"

	created, err := st.Create(ctx, sp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "api" || got.Description != "rollout" || got.BatchKey != "b-1" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.ScheduledFor == nil || !got.ScheduledFor.Equal(sched) {
		t.Fatalf("scheduledFor = %v, want %v", got.ScheduledFor, sched)
	}
	if got.Section != "general" {
		t.Fatalf("section default = %q, want general", got.Section)
	}
}

func TestSQLiteVersionChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	v1, err := st.Create(ctx, newSpec("api"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	v2, err := st.Create(ctx, newSpec("api"))
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if v2.Version != 2 || v2.ParentDeploymentID != v1.ID {
		t.Fatalf("v2 = version %d parent %q, want 2 and %q", v2.Version, v2.ParentDeploymentID, v1.ID)
	}

	all, err := st.ListLineage(ctx, v1.Lineage())
	if err != nil {
		t.Fatalf("list lineage: %v", err)
	}
	if len(all) != 2 || all[0].ID != v2.ID || all[1].ID != v1.ID {
		t.Fatalf("lineage order wrong: %+v", all)
	}
}

func TestSQLiteStatusAndLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	d, _ := st.Create(ctx, newSpec("api"))

	if _, err := st.UpdateStatus(ctx, d.ID, deploy.StatusCompleted, ""); !errors.Is(err, deploy.ErrInvalidTransition) {
		t.Fatalf("pending -> completed: err = %v, want ErrInvalidTransition", err)
	}

	if _, err := st.UpdateStatus(ctx, d.ID, deploy.StatusRunning, "start\n"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := st.AppendLogs(ctx, d.ID, "line 1\n"); err != nil {
		t.Fatalf("append logs: %v", err)
	}
	fin, err := st.UpdateStatus(ctx, d.ID, deploy.StatusCompleted, "done\n")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if fin.Logs != "start\nline 1\ndone\n" {
		t.Fatalf("logs = %q", fin.Logs)
	}

	if err := st.AppendLogs(ctx, "nope", "x"); !errors.Is(err, deploy.ErrNotFound) {
		t.Fatalf("append to unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRecurrence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	past := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	sp := newSpec("nightly")
	sp.ScheduleType = deploy.ScheduleRecurring
	sp.CronExpression = "0 0 * * *"
	sp.NextRunAt = &past
	def, err := st.Create(ctx, sp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !def.IsActive {
		t.Fatal("recurring definition not active on create")
	}

	due, err := st.ListRecurringDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	next := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond)
	last := time.Now().Truncate(time.Millisecond)
	if err := st.SetRecurrence(ctx, def.ID, &next, &last); err != nil {
		t.Fatalf("set recurrence: %v", err)
	}
	got, _ := st.Get(ctx, def.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("nextRunAt = %v, want %v", got.NextRunAt, next)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(last) {
		t.Fatalf("lastRunAt = %v, want %v", got.LastRunAt, last)
	}

	imm, _ := st.Create(ctx, newSpec("one-off"))
	if err := st.SetRecurringActive(ctx, imm.ID, false); !errors.Is(err, deploy.ErrNotRecurring) {
		t.Fatalf("pause immediate: err = %v, want ErrNotRecurring", err)
	}
}

func TestSQLiteMarkInterrupted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	d, _ := st.Create(ctx, newSpec("api"))
	_, _ = st.UpdateStatus(ctx, d.ID, deploy.StatusRunning, "")

	n, err := st.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("mark interrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}
	got, _ := st.Get(ctx, d.ID)
	if got.Status != deploy.StatusFailed || got.CompletedAt == nil {
		t.Fatalf("interrupted record = %+v", got)
	}
}
