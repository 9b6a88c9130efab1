// Package deploy defines the deployment domain: records, lineages, the
// status state machine, the store contract, and the executor capability.
//
// A "lineage" is the set of all versions of one logical deployment (same
// name + configuration + target). Records are immutable once terminal;
// re-running creates a new version instead of mutating history.
package deploy

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final for this record.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal status transition.
//
// Terminal states are immutable; cancellation is only reachable from
// pending or running. Re-running a finished deployment is modeled as a new
// version, never as a transition on the old record.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
	ScheduleRecurring ScheduleType = "recurring"
)

func (s ScheduleType) Valid() bool {
	switch s {
	case ScheduleImmediate, ScheduleScheduled, ScheduleRecurring:
		return true
	}
	return false
}

type TargetType string

const (
	TargetServer      TargetType = "server"
	TargetServerGroup TargetType = "serverGroup"
)

func (t TargetType) Valid() bool {
	return t == TargetServer || t == TargetServerGroup
}

// LineageKey identifies all versions of one logical deployment.
type LineageKey struct {
	Name            string
	ConfigurationID string
	TargetID        string
}

func (k LineageKey) String() string {
	return k.Name + "\x1f" + k.ConfigurationID + "\x1f" + k.TargetID
}

// Deployment is one version record within a lineage.
type Deployment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Section     string `json:"section"`

	Version            int    `json:"version"`
	ParentDeploymentID string `json:"parentDeploymentId,omitempty"`

	ConfigurationID string     `json:"configurationId"`
	TargetType      TargetType `json:"targetType"`
	TargetID        string     `json:"targetId"`

	Status Status `json:"status"`
	Logs   string `json:"logs,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ScheduleType   ScheduleType `json:"scheduleType"`
	ScheduledFor   *time.Time   `json:"scheduledFor,omitempty"`
	CronExpression string       `json:"cronExpression,omitempty"`
	Timezone       string       `json:"timezone,omitempty"`
	IsActive       bool         `json:"isActive"`
	NextRunAt      *time.Time   `json:"nextRunAt,omitempty"`
	LastRunAt      *time.Time   `json:"lastRunAt,omitempty"`

	BatchKey string `json:"batchKey,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (d Deployment) Lineage() LineageKey {
	return LineageKey{Name: d.Name, ConfigurationID: d.ConfigurationID, TargetID: d.TargetID}
}

// MinScheduleLead is how far in the future a one-time scheduled deployment
// must be at creation time.
const MinScheduleLead = 5 * time.Minute

// Spec describes a deployment to be created or appended.
type Spec struct {
	Name        string
	Description string
	Section     string

	ConfigurationID string
	TargetType      TargetType
	TargetID        string

	ScheduleType   ScheduleType
	ScheduledFor   *time.Time
	CronExpression string
	Timezone       string
	NextRunAt      *time.Time

	BatchKey string
}

func (s Spec) Lineage() LineageKey {
	return LineageKey{Name: s.Name, ConfigurationID: s.ConfigurationID, TargetID: s.TargetID}
}

// Validate checks structural requirements. Cron expressions are validated
// separately by the caller (the evaluator owns that grammar).
func (s Spec) Validate(now time.Time) error {
	if strings.TrimSpace(s.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(s.ConfigurationID) == "" {
		return &ValidationError{Field: "configurationId", Reason: "required"}
	}
	if !s.TargetType.Valid() {
		return &ValidationError{Field: "targetType", Reason: fmt.Sprintf("must be %q or %q", TargetServer, TargetServerGroup)}
	}
	if strings.TrimSpace(s.TargetID) == "" {
		return &ValidationError{Field: "targetId", Reason: "required"}
	}

	switch s.ScheduleType {
	case ScheduleImmediate:
	case ScheduleScheduled:
		if s.ScheduledFor == nil {
			return &ValidationError{Field: "scheduledFor", Reason: "required for scheduled deployments"}
		}
		if s.ScheduledFor.Before(now.Add(MinScheduleLead)) {
			return &ValidationError{Field: "scheduledFor", Reason: fmt.Sprintf("must be at least %s in the future", MinScheduleLead)}
		}
	case ScheduleRecurring:
		if strings.TrimSpace(s.CronExpression) == "" {
			return &ValidationError{Field: "cronExpression", Reason: "required for recurring deployments"}
		}
	default:
		return &ValidationError{Field: "scheduleType", Reason: "must be immediate, scheduled or recurring"}
	}
	return nil
}

// Event types published on the bus by the execution engine.
const (
	EventStarted  = "deploy.started"
	EventFinished = "deploy.finished"
)

// Event is the bus payload for deployment lifecycle events.
type Event struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Status   Status `json:"status"`
	BatchKey string `json:"batchKey,omitempty"`
}
