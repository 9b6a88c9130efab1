package deploy

import (
	"context"
	"fmt"
	"time"
)

// Job is the opaque unit of work handed to an Executor. The orchestrator
// stores and forwards configuration/target references without interpreting
// them.
type Job struct {
	DeploymentID    string
	ConfigurationID string
	TargetType      TargetType
	TargetID        string
}

// Result is the executor's terminal verdict. Status must be completed or
// failed; cancellation is signalled through the context instead.
type Result struct {
	Status   Status
	ExitInfo string
}

// Executor applies a configuration to a target. Implementations stream
// console output through onOutput and return a terminal result. They must
// honor ctx cancellation promptly; the engine forces the record to
// cancelled after a grace period either way.
type Executor interface {
	Execute(ctx context.Context, job Job, onOutput func(chunk string)) (Result, error)
}

// SimulatedExecutor is a stand-in executor for local development and tests:
// it emits a few output lines, sleeps for Delay, and reports success. It
// honors cancellation between steps.
type SimulatedExecutor struct {
	Delay time.Duration
}

func (e SimulatedExecutor) Execute(ctx context.Context, job Job, onOutput func(chunk string)) (Result, error) {
	delay := e.Delay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	onOutput(fmt.Sprintf("applying configuration %s to %s %s\n", job.ConfigurationID, job.TargetType, job.TargetID))

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(delay):
	}

	onOutput("configuration applied\n")
	return Result{Status: StatusCompleted, ExitInfo: "ok"}, nil
}
