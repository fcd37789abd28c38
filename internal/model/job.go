package model

import (
	"time"
)

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further status transitions can occur.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// validTransitions is the directed edge set of the job state machine.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusQueued},
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stage identifies one phase of the analysis pipeline. It is meaningful
// only while the job status is processing.
type Stage string

const (
	StageAcquisition Stage = "acquisition"
	StageVisual      Stage = "visual"
	StageAudio       Stage = "audio"
	StageDisclosure  Stage = "disclosure"
	StageScoring     Stage = "scoring"
	StageDone        Stage = "done"
)

// StageOrder lists pipeline stages in execution order.
var StageOrder = []Stage{
	StageAcquisition,
	StageVisual,
	StageAudio,
	StageDisclosure,
	StageScoring,
	StageDone,
}

// SourceKind discriminates the job source union.
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceRemote SourceKind = "remote"
)

// Source identifies the media to analyze: either a file already present on
// local disk or a remote URL to be fetched during acquisition.
type Source struct {
	Kind SourceKind `json:"kind"`
	Path string     `json:"path,omitempty"`
	URL  string     `json:"url,omitempty"`
}

// JobError is the structured error payload of a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AnalysisJob is the unit of work. It is mutated only by the worker that
// owns it and becomes append-only history once a terminal status is reached.
type AnalysisJob struct {
	ID        string          `json:"id"`
	Source    Source          `json:"source"`
	Status    JobStatus       `json:"status"`
	Stage     Stage           `json:"stage,omitempty"`
	Progress  int             `json:"progress"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
