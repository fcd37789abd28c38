// Package media resolves a job source into a local, seekable media handle
// plus basic metadata. Acquisition failure is always fatal: no media means
// no analysis.
package media

import (
	"context"
	"fmt"

	"github.com/adlens/adlens/internal/model"
)

// Handle is a resolved local media file with probed metadata.
type Handle struct {
	Path            string  `json:"path"`
	SizeBytes       int64   `json:"size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	FrameRate       float64 `json:"frame_rate"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`

	// Temp is true when the file was downloaded and should be removed
	// after analysis.
	Temp bool `json:"-"`
}

// Acquirer resolves a source into a Handle. One blocking call per job.
type Acquirer interface {
	Acquire(ctx context.Context, source model.Source) (*Handle, error)
}

// AcquisitionError is the fatal failure of media resolution: unreachable
// URL, missing file, corrupt container, or a configured ceiling exceeded.
type AcquisitionError struct {
	Reason string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquisition: %s: %v", e.Reason, e.Err)
	}
	return "acquisition: " + e.Reason
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
