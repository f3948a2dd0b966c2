package models

import (
	"time"
)

// EventKind tags what an Envelope carries
type EventKind string

const (
	EventRunFinished EventKind = "run.finished"
	EventAlertRaised EventKind = "alert.raised"
)

// Envelope wraps a run or alert with publishing metadata for the event stream
type Envelope struct {
	Kind  EventKind    `json:"kind"`
	Run   *PipelineRun `json:"run,omitempty"`
	Alert *Alert       `json:"alert,omitempty"`

	// Publishing metadata
	PublishedAt  time.Time `json:"published_at"`
	Node         string    `json:"node"`
	CycleID      string    `json:"cycle_id,omitempty"`
	PartitionKey string    `json:"partition_key"`
}

// NewRunEnvelope wraps a finished run, partitioned by run id
func NewRunEnvelope(run *PipelineRun, node string) *Envelope {
	return &Envelope{
		Kind:         EventRunFinished,
		Run:          run,
		PublishedAt:  time.Now().UTC(),
		Node:         node,
		PartitionKey: run.ID,
	}
}

// NewAlertEnvelope wraps an alert, partitioned by vendor so one vendor's
// alerts stay ordered
func NewAlertEnvelope(alert Alert, node string) *Envelope {
	return &Envelope{
		Kind:         EventAlertRaised,
		Alert:        &alert,
		PublishedAt:  time.Now().UTC(),
		Node:         node,
		PartitionKey: alert.Vendor,
	}
}

// WithCycle sets the alert cycle the envelope belongs to
func (e *Envelope) WithCycle(cycleID string) *Envelope {
	e.CycleID = cycleID
	return e
}

// ID returns a stable identifier used as a message header
func (e *Envelope) ID() string {
	switch {
	case e.Run != nil:
		return e.Run.ID
	case e.Alert != nil:
		return e.Alert.ID
	default:
		return ""
	}
}
