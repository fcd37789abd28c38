// Package progress is the narrow publish/subscribe abstraction that carries
// live job status from the worker executing a job to any number of
// observers. Writes are latest-wins: readers are guaranteed the most recent
// tuple, not a replay of history.
package progress

import (
	"context"

	"github.com/adlens/adlens/internal/model"
)

// Publisher is the write side of the channel, used by the pipeline worker.
type Publisher interface {
	// Publish replaces the current tuple for the job and notifies
	// subscribers. Publishing a terminal payload is the consumers' signal
	// to stop watching.
	Publish(ctx context.Context, jobID string, payload model.ProgressPayload) error
}

// Channel is the full progress channel contract.
type Channel interface {
	Publisher

	// Subscribe returns a stream of payloads for the job, primed with the
	// current tuple when one exists. The cancel func releases the
	// subscription; reads are non-destructive so any number of subscribers
	// is safe.
	Subscribe(ctx context.Context, jobID string) (<-chan model.ProgressPayload, func(), error)

	// Current returns the latest tuple for the job, or nil when the entry
	// is absent or expired.
	Current(ctx context.Context, jobID string) (*model.ProgressPayload, error)

	Close() error
}
