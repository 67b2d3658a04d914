// Package remoterun sends local changes to the build server as a personal
// change list, runs the selected build configurations against it and
// reports whether all of them succeeded.
package remoterun

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-remote-run/internal/patch"
	"github.com/withObsrvr/obsrvr-remote-run/internal/poller"
	"github.com/withObsrvr/obsrvr-remote-run/internal/teamcity"
)

// ErrCancelled is wrapped into Result.Err when the run's context was
// cancelled or its deadline passed.
var ErrCancelled = errors.New("remote run cancelled")

// Named events emitted during a run.
const (
	EventUploadOK     = "upload_ok"
	EventUploadFailed = "upload_failed"
	EventTriggerFail  = "trigger_failed"
	EventPollTimeout  = "poll_timeout"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
)

// DeletePolicy decides when the local patch file is removed after the
// upload attempt.
type DeletePolicy int

const (
	// DeleteOnSuccess removes the patch once it was uploaded and keeps it
	// for diagnosis otherwise.
	DeleteOnSuccess DeletePolicy = iota
	DeleteAlways
	DeleteNever
)

func (p DeletePolicy) String() string {
	switch p {
	case DeleteAlways:
		return "always"
	case DeleteNever:
		return "never"
	default:
		return "on-success"
	}
}

// ParseDeletePolicy maps a config value to a DeletePolicy.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch s {
	case "", "on-success":
		return DeleteOnSuccess, nil
	case "always":
		return DeleteAlways, nil
	case "never":
		return DeleteNever, nil
	default:
		return DeleteOnSuccess, fmt.Errorf("unknown delete policy %q", s)
	}
}

func (p DeletePolicy) shouldDelete(uploaded bool) bool {
	switch p {
	case DeleteAlways:
		return true
	case DeleteNever:
		return false
	default:
		return uploaded
	}
}

// Assembler turns a change set into a patch file.
type Assembler interface {
	Prepare(ctx context.Context, info patch.CheckInInfo) (*patch.File, error)
}

// Submitter uploads patches and queues personal builds.
type Submitter interface {
	Upload(ctx context.Context, patchPath, message string) (teamcity.ChangeListID, error)
	Trigger(ctx context.Context, id teamcity.ChangeListID, configs []teamcity.BuildConfigRef) ([]teamcity.QueuedBuild, error)
}

// Waiter waits for queued builds to finish.
type Waiter interface {
	AwaitOutcomes(ctx context.Context, builds []teamcity.QueuedBuild) (poller.ChangeListStatus, []poller.BuildResult, error)
}

// Result is the full outcome of one remote run. Success is the value
// returned by Sender.RemoteRun.
type Result struct {
	RunID        string
	Success      bool
	Status       poller.ChangeListStatus // meaningful when Err is nil
	Empty        bool                    // no changes, nothing was sent
	ChangeListID teamcity.ChangeListID
	Queued       []teamcity.QueuedBuild
	Builds       []poller.BuildResult
	Skipped      []patch.SkippedFile
	PatchBytes   int64
	PatchPath    string // set when the patch file was kept on disk
	ArchiveURI   string
	Err          error
	Cancelled    bool
}

// Label is the short run status used in history and metrics.
func (r Result) Label() string {
	switch {
	case r.Cancelled:
		return "CANCELLED"
	case r.Err != nil:
		return "ERROR"
	case r.Empty:
		return "EMPTY"
	default:
		return r.Status.String()
	}
}
