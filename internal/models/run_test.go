package models_test

import (
	"errors"
	"testing"
	"time"

	"vendorwatch/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from models.Stage
		to   models.Stage
		want bool
	}{
		{"pending to ingesting", models.StagePending, models.StageIngesting, true},
		{"ingesting to validating", models.StageIngesting, models.StageValidating, true},
		{"validating to transforming", models.StageValidating, models.StageTransforming, true},
		{"transforming to archiving", models.StageTransforming, models.StageArchiving, true},
		{"transforming to completed", models.StageTransforming, models.StageCompleted, true},
		{"archiving to completed", models.StageArchiving, models.StageCompleted, true},
		{"any active to failed", models.StageValidating, models.StageFailed, true},
		{"pending to failed", models.StagePending, models.StageFailed, true},
		{"skip validation", models.StageIngesting, models.StageTransforming, false},
		{"pending to completed", models.StagePending, models.StageCompleted, false},
		{"completed to failed", models.StageCompleted, models.StageFailed, false},
		{"failed to ingesting", models.StageFailed, models.StageIngesting, false},
		{"archiving backwards", models.StageArchiving, models.StageTransforming, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := models.CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestPipelineRunLifecycle(t *testing.T) {
	run := models.NewPipelineRun("run-1", models.NewTriggerSignal(models.TriggerWatch), true)

	for _, stage := range []models.Stage{
		models.StageIngesting,
		models.StageValidating,
		models.StageTransforming,
		models.StageArchiving,
		models.StageCompleted,
	} {
		if err := run.Advance(stage); err != nil {
			t.Fatalf("advance to %s: %v", stage, err)
		}
	}

	if run.Status != models.RunSucceeded {
		t.Errorf("expected status succeeded, got %s", run.Status)
	}
	if run.EndedAt == nil {
		t.Fatal("expected end time on terminal run")
	}
	if !run.IsTerminal() {
		t.Error("expected terminal run")
	}

	err := run.Advance(models.StageIngesting)
	if !errors.Is(err, models.ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestPipelineRunFailRecordsStageError(t *testing.T) {
	run := models.NewPipelineRun("run-2", models.NewTriggerSignal(models.TriggerSchedule), false)
	if err := run.Advance(models.StageIngesting); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if err := run.Fail(errors.New("no input")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if run.Stage != models.StageFailed || run.Status != models.RunFailed {
		t.Errorf("unexpected terminal state %s/%s", run.Stage, run.Status)
	}
	if got := run.StageErrors[models.StageIngesting]; got != "no input" {
		t.Errorf("expected ingesting error recorded, got %q", got)
	}
}

func TestPipelineRunAbort(t *testing.T) {
	run := models.NewPipelineRun("run-3", models.NewTriggerSignal(models.TriggerManual), false)
	_ = run.Advance(models.StageIngesting)

	run.Abort("panic: boom")

	if run.Status != models.RunAborted {
		t.Errorf("expected aborted, got %s", run.Status)
	}
	if run.Stage != models.StageFailed {
		t.Errorf("expected failed stage, got %s", run.Stage)
	}

	run.Abort("second")
	if run.StageErrors[models.StageIngesting] != "panic: boom" {
		t.Error("abort on a terminal run must be a no-op")
	}
}

func TestPipelineRunClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	run := models.NewPipelineRun("run-5", models.NewTriggerSignal(models.TriggerSchedule), false).
		WithClock(func() time.Time { return now })

	if !run.StartedAt.Equal(now) {
		t.Fatalf("expected start from clock, got %v", run.StartedAt)
	}
	now = now.Add(90 * time.Second)
	if got := run.Duration(); got != 90*time.Second {
		t.Errorf("expected 90s elapsed while active, got %v", got)
	}

	now = now.Add(30 * time.Second)
	if err := run.Fail(errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if run.EndedAt == nil || !run.EndedAt.Equal(now) {
		t.Fatalf("expected end from clock, got %v", run.EndedAt)
	}
	if got := run.Duration(); got != 2*time.Minute {
		t.Errorf("expected 2m duration, got %v", got)
	}
}

func TestPipelineRunCloneIsIndependent(t *testing.T) {
	run := models.NewPipelineRun("run-4", models.NewTriggerSignal(models.TriggerManual), false)
	run.Warn("first")
	run.Batches = []string{"sales.xlsx"}

	c := run.Clone()
	c.Warn("second")
	c.Batches[0] = "changed"

	if len(run.Warnings) != 1 {
		t.Errorf("clone shares warnings: %v", run.Warnings)
	}
	if run.Batches[0] != "sales.xlsx" {
		t.Errorf("clone shares batches: %v", run.Batches)
	}
}

func TestTriggerSourceIsValid(t *testing.T) {
	for _, s := range []models.TriggerSource{models.TriggerWatch, models.TriggerSchedule, models.TriggerManual} {
		if !s.IsValid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if models.TriggerSource("cron").IsValid() {
		t.Error("expected unknown source to be invalid")
	}
}
