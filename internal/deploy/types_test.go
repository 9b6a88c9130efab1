package deploy

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusCancelled}: true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSpecValidate(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ok := Spec{
		Name:            "api",
		ConfigurationID: "cfg-1",
		TargetType:      TargetServer,
		TargetID:        "srv-1",
		ScheduleType:    ScheduleImmediate,
	}

	if err := ok.Validate(now); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Spec)
		field  string
	}{
		{"empty name", func(s *Spec) { s.Name = "  " }, "name"},
		{"empty configuration", func(s *Spec) { s.ConfigurationID = "" }, "configurationId"},
		{"bad target type", func(s *Spec) { s.TargetType = "cluster" }, "targetType"},
		{"empty target", func(s *Spec) { s.TargetID = "" }, "targetId"},
		{"bad schedule type", func(s *Spec) { s.ScheduleType = "later" }, "scheduleType"},
		{"scheduled without time", func(s *Spec) { s.ScheduleType = ScheduleScheduled }, "scheduledFor"},
		{"scheduled too soon", func(s *Spec) {
			s.ScheduleType = ScheduleScheduled
			at := now.Add(MinScheduleLead - time.Second)
			s.ScheduledFor = &at
		}, "scheduledFor"},
		{"recurring without expression", func(s *Spec) { s.ScheduleType = ScheduleRecurring }, "cronExpression"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sp := ok
			tc.mutate(&sp)
			err := sp.Validate(now)
			verr, isVal := err.(*ValidationError)
			if !isVal {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %s, want %s", verr.Field, tc.field)
			}
		})
	}

	// The lead time boundary is inclusive.
	atLead := ok
	atLead.ScheduleType = ScheduleScheduled
	exact := now.Add(MinScheduleLead)
	atLead.ScheduledFor = &exact
	if err := atLead.Validate(now); err != nil {
		t.Fatalf("spec at exact lead time rejected: %v", err)
	}
}
