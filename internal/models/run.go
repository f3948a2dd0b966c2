package models

import (
	"errors"
	"fmt"
	"time"
)

// TriggerSource identifies what caused a pipeline run
type TriggerSource string

const (
	TriggerWatch    TriggerSource = "watch"
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
)

// IsValid checks if the trigger source is known
func (s TriggerSource) IsValid() bool {
	switch s {
	case TriggerWatch, TriggerSchedule, TriggerManual:
		return true
	default:
		return false
	}
}

// TriggerSignal is the normalized output of every trigger source and the only
// input accepted by the pipeline orchestrator.
type TriggerSignal struct {
	Source TriggerSource `json:"source"`
	At     time.Time     `json:"at"`
}

// NewTriggerSignal stamps a signal for the given source
func NewTriggerSignal(source TriggerSource) TriggerSignal {
	return TriggerSignal{Source: source, At: time.Now().UTC()}
}

// WatchEvent is a filesystem creation event for a qualifying input batch.
type WatchEvent struct {
	Path       string
	DetectedAt time.Time
}

// Stage is the position of a run in the pipeline state machine
type Stage string

const (
	StagePending      Stage = "pending"
	StageIngesting    Stage = "ingesting"
	StageValidating   Stage = "validating"
	StageTransforming Stage = "transforming"
	StageArchiving    Stage = "archiving"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// IsTerminal reports whether the stage ends a run
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Stage) bool {
	if to == StageFailed {
		return !from.IsTerminal()
	}
	switch from {
	case StagePending:
		return to == StageIngesting
	case StageIngesting:
		return to == StageValidating
	case StageValidating:
		return to == StageTransforming
	case StageTransforming:
		return to == StageArchiving || to == StageCompleted
	case StageArchiving:
		return to == StageCompleted
	default:
		return false
	}
}

// RunStatus is the terminal outcome of a run
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// ErrIllegalTransition is returned when a run is moved along an edge the
// state machine does not allow.
var ErrIllegalTransition = errors.New("illegal stage transition")

// PipelineRun is one execution attempt of the pipeline
type PipelineRun struct {
	ID          string           `json:"id"`
	Trigger     TriggerSource    `json:"trigger"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	Stage       Stage            `json:"stage"`
	Status      RunStatus        `json:"status,omitempty"`
	StageErrors map[Stage]string `json:"stage_errors,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Batches     []string         `json:"batches,omitempty"`
	Archive     bool             `json:"archive"`

	// clock stamps start and end times; nil means time.Now
	clock func() time.Time
}

// NewPipelineRun creates a pending run for an accepted trigger
func NewPipelineRun(id string, sig TriggerSignal, archive bool) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Trigger:   sig.Source,
		StartedAt: time.Now().UTC(),
		Stage:     StagePending,
		Archive:   archive,
	}
}

// WithClock makes the run stamp StartedAt and EndedAt from now, so both ends
// of Duration come from the same clock.
func (r *PipelineRun) WithClock(now func() time.Time) *PipelineRun {
	r.clock = now
	r.StartedAt = r.now()
	return r
}

func (r *PipelineRun) now() time.Time {
	if r.clock != nil {
		return r.clock().UTC()
	}
	return time.Now().UTC()
}

// Advance moves the run to the next stage. Terminal stages also set the
// status and end time.
func (r *PipelineRun) Advance(to Stage) error {
	if !CanTransition(r.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.Stage, to)
	}
	r.Stage = to
	switch to {
	case StageCompleted:
		r.finish(RunSucceeded)
	case StageFailed:
		r.finish(RunFailed)
	}
	return nil
}

// Fail records err against the current stage and moves the run to Failed.
func (r *PipelineRun) Fail(err error) error {
	if r.StageErrors == nil {
		r.StageErrors = make(map[Stage]string)
	}
	if err != nil {
		r.StageErrors[r.Stage] = err.Error()
	}
	return r.Advance(StageFailed)
}

// Abort ends a run that did not fail on its own terms (e.g. a recovered
// panic). The stage becomes Failed but the status is Aborted.
func (r *PipelineRun) Abort(reason string) {
	if r.IsTerminal() {
		return
	}
	if r.StageErrors == nil {
		r.StageErrors = make(map[Stage]string)
	}
	r.StageErrors[r.Stage] = reason
	r.Stage = StageFailed
	r.finish(RunAborted)
}

// Warn appends a non-fatal finding
func (r *PipelineRun) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// IsTerminal reports whether the run has finished
func (r *PipelineRun) IsTerminal() bool {
	return r.Stage.IsTerminal()
}

// Duration returns the elapsed run time, up to now for active runs
func (r *PipelineRun) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return r.now().Sub(r.StartedAt)
}

// Clone returns a copy safe to hand to other goroutines
func (r *PipelineRun) Clone() *PipelineRun {
	c := *r
	if r.EndedAt != nil {
		ended := *r.EndedAt
		c.EndedAt = &ended
	}
	if r.StageErrors != nil {
		c.StageErrors = make(map[Stage]string, len(r.StageErrors))
		for k, v := range r.StageErrors {
			c.StageErrors[k] = v
		}
	}
	c.Warnings = append([]string(nil), r.Warnings...)
	c.Batches = append([]string(nil), r.Batches...)
	return &c
}

func (r *PipelineRun) finish(status RunStatus) {
	now := r.now()
	r.EndedAt = &now
	r.Status = status
}
