package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deployd/internal/deploy"
)

// memStore keeps all records in process memory. It is the reference
// implementation of the Store contract: every guarantee the sqlite store
// makes, this one makes with a single mutex.
type memStore struct {
	mu   sync.Mutex
	byID map[string]deploy.Deployment
	seq  map[string]uint64 // creation order, assigned under mu
	next uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() deploy.Store {
	return &memStore{
		byID: map[string]deploy.Deployment{},
		seq:  map[string]uint64{},
	}
}

func (s *memStore) Create(ctx context.Context, spec deploy.Spec) (deploy.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(spec), nil
}

func (s *memStore) Append(ctx context.Context, key deploy.LineageKey, spec deploy.Spec) (deploy.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latestLocked(key) == nil {
		return deploy.Deployment{}, deploy.ErrNotFound
	}
	spec.Name = key.Name
	spec.ConfigurationID = key.ConfigurationID
	spec.TargetID = key.TargetID
	return s.insertLocked(spec), nil
}

// insertLocked assigns the next version in the spec's lineage and links the
// parent. Callers hold s.mu, which is what makes version assignment atomic.
func (s *memStore) insertLocked(spec deploy.Spec) deploy.Deployment {
	now := time.Now()

	d := deploy.Deployment{
		ID:              uuid.NewString(),
		Name:            spec.Name,
		Description:     spec.Description,
		Section:         spec.Section,
		Version:         1,
		ConfigurationID: spec.ConfigurationID,
		TargetType:      spec.TargetType,
		TargetID:        spec.TargetID,
		Status:          deploy.StatusPending,
		ScheduleType:    spec.ScheduleType,
		ScheduledFor:    spec.ScheduledFor,
		CronExpression:  spec.CronExpression,
		Timezone:        spec.Timezone,
		NextRunAt:       spec.NextRunAt,
		BatchKey:        spec.BatchKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if d.Section == "" {
		d.Section = "general"
	}
	// A recurring record with a computed next fire time is a live definition;
	// recurring run instances appended by the scheduler carry no nextRunAt
	// and stay inert.
	d.IsActive = spec.ScheduleType == deploy.ScheduleRecurring && spec.NextRunAt != nil

	if prior := s.latestLocked(d.Lineage()); prior != nil {
		d.Version = prior.Version + 1
		d.ParentDeploymentID = prior.ID
	}

	s.next++
	s.seq[d.ID] = s.next
	s.byID[d.ID] = d
	return d
}

func (s *memStore) latestLocked(key deploy.LineageKey) *deploy.Deployment {
	var best *deploy.Deployment
	for id := range s.byID {
		d := s.byID[id]
		if d.Lineage() != key {
			continue
		}
		if best == nil || d.Version > best.Version {
			cp := d
			best = &cp
		}
	}
	return best
}

func (s *memStore) Get(ctx context.Context, id string) (deploy.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return deploy.Deployment{}, deploy.ErrNotFound
	}
	return d, nil
}

func (s *memStore) List(ctx context.Context) ([]deploy.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.collectLocked(func(deploy.Deployment) bool { return true })
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] > s.seq[out[j].ID] })
	return out, nil
}

func (s *memStore) ListLineage(ctx context.Context, key deploy.LineageKey) ([]deploy.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.collectLocked(func(d deploy.Deployment) bool { return d.Lineage() == key })
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *memStore) ListBatch(ctx context.Context, batchKey string) ([]deploy.Deployment, error) {
	if batchKey == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.collectLocked(func(d deploy.Deployment) bool { return d.BatchKey == batchKey })
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *memStore) ListScheduledDue(ctx context.Context, now time.Time) ([]deploy.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.collectLocked(func(d deploy.Deployment) bool {
		return d.ScheduleType == deploy.ScheduleScheduled &&
			d.Status == deploy.StatusPending &&
			d.ScheduledFor != nil && !d.ScheduledFor.After(now)
	})
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *memStore) ListRecurringDue(ctx context.Context, now time.Time) ([]deploy.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.collectLocked(func(d deploy.Deployment) bool {
		return d.ScheduleType == deploy.ScheduleRecurring &&
			d.IsActive &&
			d.NextRunAt != nil && !d.NextRunAt.After(now)
	})
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *memStore) collectLocked(keep func(deploy.Deployment) bool) []deploy.Deployment {
	out := make([]deploy.Deployment, 0, len(s.byID))
	for _, d := range s.byID {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s *memStore) UpdateStatus(ctx context.Context, id string, to deploy.Status, note string) (deploy.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return deploy.Deployment{}, deploy.ErrNotFound
	}
	if !deploy.CanTransition(d.Status, to) {
		return deploy.Deployment{}, fmt.Errorf("%w: %s -> %s", deploy.ErrInvalidTransition, d.Status, to)
	}

	now := time.Now()
	d.Status = to
	d.UpdatedAt = now
	if to == deploy.StatusRunning {
		d.StartedAt = &now
	}
	if to.Terminal() {
		d.CompletedAt = &now
	}
	if note != "" {
		d.Logs += note
	}

	s.byID[id] = d
	return d, nil
}

func (s *memStore) AppendLogs(ctx context.Context, id string, chunk string) error {
	if chunk == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return deploy.ErrNotFound
	}
	d.Logs += chunk
	d.UpdatedAt = time.Now()
	s.byID[id] = d
	return nil
}

func (s *memStore) SetRecurrence(ctx context.Context, id string, nextRunAt, lastRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return deploy.ErrNotFound
	}
	if d.ScheduleType != deploy.ScheduleRecurring {
		return deploy.ErrNotRecurring
	}
	d.NextRunAt = nextRunAt
	if lastRunAt != nil {
		d.LastRunAt = lastRunAt
	}
	d.UpdatedAt = time.Now()
	s.byID[id] = d
	return nil
}

func (s *memStore) SetRecurringActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return deploy.ErrNotFound
	}
	if d.ScheduleType != deploy.ScheduleRecurring {
		return deploy.ErrNotRecurring
	}
	d.IsActive = active
	d.UpdatedAt = time.Now()
	s.byID[id] = d
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return deploy.ErrNotFound
	}
	if d.Status == deploy.StatusRunning {
		return deploy.ErrDeleteRunning
	}
	delete(s.byID, id)
	delete(s.seq, id)
	return nil
}

func (s *memStore) MarkInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for id, d := range s.byID {
		if d.Status != deploy.StatusRunning {
			continue
		}
		d.Status = deploy.StatusFailed
		d.CompletedAt = &now
		d.UpdatedAt = now
		d.Logs += interruptedNote
		s.byID[id] = d
		n++
	}
	return n, nil
}

func (s *memStore) Close() error { return nil }
