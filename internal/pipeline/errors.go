package pipeline

import (
	"errors"

	"github.com/adlens/adlens/internal/media"
	"github.com/adlens/adlens/internal/model"
)

// Error kinds surfaced in a failed job's structured error payload. A
// stable kind lets the UI distinguish "could not analyze" causes without
// parsing messages.
const (
	ErrKindValidation       = "validation"
	ErrKindAcquisition      = "acquisition"
	ErrKindScoringInvariant = "scoring_invariant"
	ErrKindInternal         = "internal"
)

// ScoringInvariantError signals a broken invariant inside the scoring
// stage. It indicates an implementation bug and is always fatal.
type ScoringInvariantError struct {
	Reason string
}

func (e *ScoringInvariantError) Error() string {
	return "scoring invariant violated: " + e.Reason
}

// classifyFatal maps a fatal pipeline error to its structured job error.
func classifyFatal(err error) model.JobError {
	var acqErr *media.AcquisitionError
	if errors.As(err, &acqErr) {
		return model.JobError{Kind: ErrKindAcquisition, Message: acqErr.Error()}
	}
	var scoreErr *ScoringInvariantError
	if errors.As(err, &scoreErr) {
		return model.JobError{Kind: ErrKindScoringInvariant, Message: scoreErr.Error()}
	}
	return model.JobError{Kind: ErrKindInternal, Message: err.Error()}
}
