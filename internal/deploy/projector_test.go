package deploy

import (
	"reflect"
	"testing"
	"time"
)

func rec(id, name string, version int, status Status, created time.Time) Deployment {
	return Deployment{
		ID:              id,
		Name:            name,
		ConfigurationID: "cfg-1",
		TargetID:        "srv-1",
		Version:         version,
		Status:          status,
		CreatedAt:       created,
	}
}

func TestLatestPerLineage(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	in := []Deployment{
		rec("a1", "api", 1, StatusCompleted, base),
		rec("a2", "api", 2, StatusRunning, base.Add(time.Hour)),
		rec("w1", "web", 1, StatusFailed, base.Add(2*time.Hour)),
	}

	got := LatestPerLineage(in)
	if len(got) != 2 {
		t.Fatalf("lineages = %d, want 2", len(got))
	}
	// Newest creation first.
	if got[0].ID != "w1" || got[1].ID != "a2" {
		t.Fatalf("order = %s, %s; want w1, a2", got[0].ID, got[1].ID)
	}
}

func TestAggregateCountsHeadsOnly(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	in := []Deployment{
		// Three versions of one lineage; only the head (running) counts.
		rec("a1", "api", 1, StatusFailed, base),
		rec("a2", "api", 2, StatusCompleted, base.Add(time.Minute)),
		rec("a3", "api", 3, StatusRunning, base.Add(2*time.Minute)),
		rec("w1", "web", 1, StatusPending, base.Add(3*time.Minute)),
	}

	sum := Aggregate(in)
	if sum.Total != 2 {
		t.Fatalf("total = %d, want 2", sum.Total)
	}
	if sum.ByStatus[StatusRunning] != 1 || sum.ByStatus[StatusPending] != 1 {
		t.Fatalf("byStatus = %v", sum.ByStatus)
	}
	if sum.ByStatus[StatusFailed] != 0 || sum.ByStatus[StatusCompleted] != 0 {
		t.Fatalf("history versions leaked into counts: %v", sum.ByStatus)
	}
	if len(sum.Running) != 1 || sum.Running[0] != "a3" {
		t.Fatalf("running = %v, want [a3]", sum.Running)
	}
}

func TestAggregateIdempotent(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	in := []Deployment{
		rec("a1", "api", 1, StatusRunning, base),
		rec("b1", "web", 1, StatusRunning, base.Add(time.Minute)),
		rec("c1", "db", 1, StatusCompleted, base.Add(2*time.Minute)),
	}

	first := Aggregate(in)
	second := Aggregate(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("aggregate not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestAggregateEmpty(t *testing.T) {
	t.Parallel()
	sum := Aggregate(nil)
	if sum.Total != 0 || len(sum.Running) != 0 {
		t.Fatalf("empty aggregate = %+v", sum)
	}
}
