// Package history records finished remote runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-remote-run/internal/config"
	"github.com/withObsrvr/obsrvr-remote-run/internal/patch"
)

var (
	// ErrNoHistory is returned when no run has been recorded yet.
	ErrNoHistory = errors.New("no run history found")
)

// Run is the record of one finished remote run.
type Run struct {
	RunID        string              `json:"run_id"`
	ChangeListID string              `json:"change_list_id,omitempty"`
	Status       string              `json:"status"` // CHECKED | FAILED | ERROR | CANCELLED | EMPTY
	Message      string              `json:"message,omitempty"`
	Configs      []string            `json:"configs"`
	Builds       []Build             `json:"builds,omitempty"`
	Skipped      []patch.SkippedFile `json:"skipped,omitempty"`
	PatchBytes   int64               `json:"patch_bytes"`
	ArchiveURI   string              `json:"archive_uri,omitempty"`
	Error        string              `json:"error,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
}

// Build is one queued personal build of a run.
type Build struct {
	ID       string `json:"id"`
	ConfigID string `json:"config_id"`
	Outcome  string `json:"outcome,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Duration returns the wall time of the run.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder persists run records.
type Recorder interface {
	// Record stores a finished run.
	Record(ctx context.Context, run *Run) error

	// Last returns the most recently finished run.
	Last(ctx context.Context) (*Run, error)

	Close() error
}

// New creates a recorder based on configuration.
func New(ctx context.Context, cfg config.HistoryConfig) (Recorder, error) {
	switch cfg.Backend {
	case "", "noop":
		return noopRecorder{}, nil
	case "file":
		return NewFileRecorder(cfg.Path)
	case "postgres":
		return NewPostgresRecorder(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown history backend: %s", cfg.Backend)
	}
}

// noopRecorder discards all runs.
type noopRecorder struct{}

func (noopRecorder) Record(context.Context, *Run) error { return nil }

func (noopRecorder) Last(context.Context) (*Run, error) { return nil, ErrNoHistory }

func (noopRecorder) Close() error { return nil }
