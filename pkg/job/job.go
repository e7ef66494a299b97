// Package job defines the job record, stage lifecycle and log entry types
// shared by the gateway, the stage workers and the retry sweeper, together
// with the [Store] and [LogStore] persistence contracts.
//
// A Job moves through three stages in fixed order: conversion, transcription
// and summarization. Each stage owns its own [StageStatus]; the job's overall
// status is never set directly but derived from the stage statuses by
// [DeriveStatus] whenever a stage changes.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage names one of the pipeline transformations.
type Stage string

const (
	StageConversion    Stage = "conversion"
	StageTranscription Stage = "transcription"
	StageSummarization Stage = "summarization"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageConversion, StageTranscription, StageSummarization}

// IsValid reports whether s is a recognised stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageConversion, StageTranscription, StageSummarization:
		return true
	}
	return false
}

// index returns the position of s in [Stages], or -1.
func (s Stage) index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s. ok is false for the last stage and
// for unknown stages.
func (s Stage) Next() (next Stage, ok bool) {
	i := s.index()
	if i < 0 || i == len(Stages)-1 {
		return "", false
	}
	return Stages[i+1], true
}

// Upstream returns the stage that precedes s. ok is false for the first stage.
func (s Stage) Upstream() (prev Stage, ok bool) {
	i := s.index()
	if i <= 0 {
		return "", false
	}
	return Stages[i-1], true
}

// ParseStage converts a raw string into a [Stage].
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("job: unknown stage %q", raw)
	}
	return s, nil
}

// Status is the lifecycle state of a single stage, and also the value space
// of log entry statuses.
type Status string

const (
	StatusPending            Status = "pending"
	StatusProcessing         Status = "processing"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusFailedMissingInput Status = "failed_missing_input"
)

// IsValid reports whether s is a recognised stage status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusFailedMissingInput:
		return true
	}
	return false
}

// IsTerminal reports whether s can never change again without operator
// intervention. Plain failures are retried by the sweeper and are not terminal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailedMissingInput
}

// OverallStatus is the job-level status derived from its stages.
type OverallStatus string

const (
	OverallPending    OverallStatus = "pending"
	OverallProcessing OverallStatus = "processing"
	OverallCompleted  OverallStatus = "completed"
	OverallFailed     OverallStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s OverallStatus) IsTerminal() bool {
	return s == OverallCompleted || s == OverallFailed
}

// StageStatus is the per-stage record attached to a [Job].
type StageStatus struct {
	Status Status `json:"status"`

	// DownstreamJobID is the task identifier the queue assigned when the
	// stage was enqueued.
	DownstreamJobID string `json:"job_id,omitempty"`

	// Error holds the last failure message, if any.
	Error string `json:"error,omitempty"`

	// Output is the blob key of the stage's result once completed.
	Output string `json:"output,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Job is the persistent record of one recording moving through the pipeline.
type Job struct {
	ID            string                `json:"job_id"`
	OverallStatus OverallStatus         `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Stages        map[Stage]StageStatus `json:"stages"`

	// SourceKey is the blob key of the uploaded recording.
	SourceKey string `json:"source_key,omitempty"`

	// SourceName is the filename supplied with the upload.
	SourceName string `json:"source_name,omitempty"`
}

// New returns a Job with every stage pending, stamped with now.
func New(id string, now time.Time) Job {
	stages := make(map[Stage]StageStatus, len(Stages))
	for _, s := range Stages {
		stages[s] = StageStatus{Status: StatusPending}
	}
	return Job{
		ID:            id,
		OverallStatus: OverallPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Stages:        stages,
	}
}

// Stage returns the status of s, defaulting to pending for stages that were
// never written.
func (j Job) Stage(s Stage) StageStatus {
	if st, ok := j.Stages[s]; ok {
		return st
	}
	return StageStatus{Status: StatusPending}
}

// Clone returns a deep copy of j so callers can hand out records without
// sharing the stages map.
func (j Job) Clone() Job {
	out := j
	out.Stages = make(map[Stage]StageStatus, len(j.Stages))
	for k, v := range j.Stages {
		out.Stages[k] = v
	}
	return out
}

// DeriveStatus computes the overall status from the stage statuses:
//
//   - completed iff every stage is completed
//   - failed iff some stage is terminally failed and no later stage completed
//   - pending while every stage is still pending
//   - processing otherwise
func DeriveStatus(stages map[Stage]StageStatus) OverallStatus {
	allCompleted := true
	allPending := true
	for i, s := range Stages {
		st, ok := stages[s]
		if !ok {
			st = StageStatus{Status: StatusPending}
		}
		if st.Status != StatusCompleted {
			allCompleted = false
		}
		if st.Status != StatusPending {
			allPending = false
		}
		if st.Status == StatusFailedMissingInput && !laterCompleted(stages, i) {
			return OverallFailed
		}
	}
	switch {
	case allCompleted:
		return OverallCompleted
	case allPending:
		return OverallPending
	default:
		return OverallProcessing
	}
}

func laterCompleted(stages map[Stage]StageStatus, idx int) bool {
	for _, s := range Stages[idx+1:] {
		if stages[s].Status == StatusCompleted {
			return true
		}
	}
	return false
}

// LogEntry is the audit record a stage writes per job. Entries are keyed by
// (JobID, Service) and upserted; CreatedAt survives updates.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Service   Stage     `json:"service"`
	Event     string    `json:"event"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`

	// InputPath is the blob key the stage reads its input from.
	InputPath string `json:"input_path,omitempty"`

	// Attempts counts how many times a worker started this stage for the job.
	Attempts int `json:"attempts"`

	Metadata LogMetadata `json:"metadata"`
}

// LogMetadata carries the bookkeeping timestamps of a [LogEntry].
type LogMetadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Log events written by the stage workers and the sweeper.
const (
	EventProcessingStarted = "processing_started"
	EventCompleted         = "completed"
	EventFailed            = "failed"
	EventMissingInput      = "missing_input"
	EventRequeued          = "requeued"
)

// MarshalStages encodes a stages map as JSON. Stores that persist the map as
// a single document use it so every backend shares one wire shape.
func MarshalStages(stages map[Stage]StageStatus) ([]byte, error) {
	return json.Marshal(stages)
}

// UnmarshalStages decodes a stages document written by [MarshalStages].
func UnmarshalStages(data []byte) (map[Stage]StageStatus, error) {
	stages := make(map[Stage]StageStatus, len(Stages))
	if len(data) == 0 {
		return stages, nil
	}
	if err := json.Unmarshal(data, &stages); err != nil {
		return nil, fmt.Errorf("job: decode stages: %w", err)
	}
	return stages, nil
}
