// Package poller waits for queued personal builds to finish and reduces
// their outcomes to a single change list status.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-remote-run/internal/teamcity"
)

// DefaultInterval is the wait between passes that made no progress.
const DefaultInterval = 10 * time.Second

// ErrPollTimeout is returned when builds are still pending after the
// configured timeout.
var ErrPollTimeout = errors.New("timed out waiting for builds")

// ChangeListStatus is the aggregate verdict over all builds of a run.
type ChangeListStatus int

const (
	StatusChecked ChangeListStatus = iota
	StatusFailed
)

func (s ChangeListStatus) String() string {
	if s == StatusChecked {
		return "CHECKED"
	}
	return "FAILED"
}

// StatusSource reads the status of one build.
type StatusSource interface {
	BuildStatus(ctx context.Context, qb teamcity.QueuedBuild) (teamcity.StatusResult, error)
}

// BuildResult is the terminal outcome of one queued build.
type BuildResult struct {
	Build   teamcity.QueuedBuild
	Outcome teamcity.Outcome
	Status  string
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Poller polls builds round-robin until all of them have finished.
type Poller struct {
	src      StatusSource
	interval time.Duration
	timeout  time.Duration
	wait     WaitFunc
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithTimeout bounds the total wait. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) { p.timeout = d }
}

// WithWaitFunc replaces the timer-based wait, mainly for tests.
func WithWaitFunc(w WaitFunc) Option {
	return func(p *Poller) { p.wait = w }
}

// WithClock replaces time.Now for timeout accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller reading from src every interval.
func New(src StatusSource, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		src:      src,
		interval: interval,
		wait:     sleepContext,
		now:      time.Now,
		log:      slog.With("component", "poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AwaitOutcomes polls every build until it is finished. Each pass visits the
// still-pending builds in their original order; a finished build is recorded
// once and never queried again. The poller only waits after a pass that made
// no progress. Malformed status responses count as "not finished yet"; only
// transport failures abort with a *teamcity.PollError.
//
// Results are returned in the order builds finished.
func (p *Poller) AwaitOutcomes(ctx context.Context, builds []teamcity.QueuedBuild) (ChangeListStatus, []BuildResult, error) {
	pending := make([]teamcity.QueuedBuild, len(builds))
	copy(pending, builds)
	results := make([]BuildResult, 0, len(builds))

	var deadline time.Time
	if p.timeout > 0 {
		deadline = p.now().Add(p.timeout)
	}

	for pass := 1; len(pending) > 0; pass++ {
		if err := ctx.Err(); err != nil {
			return StatusFailed, results, fmt.Errorf("await builds: %w", err)
		}

		still := make([]teamcity.QueuedBuild, 0, len(pending))
		for _, qb := range pending {
			res, err := p.src.BuildStatus(ctx, qb)
			if err != nil {
				return StatusFailed, results, err
			}
			if res.Err != nil {
				p.log.Debug("unreadable build status, retrying later", "build_id", qb.ID, "error", res.Err)
			}
			if res.Pending() {
				still = append(still, qb)
				continue
			}
			p.log.Info("build finished", "build_id", qb.ID, "config", qb.Config.ID, "status", res.Status)
			results = append(results, BuildResult{Build: qb, Outcome: res.Outcome, Status: res.Status})
		}

		progressed := len(still) < len(pending)
		pending = still
		if len(pending) == 0 || progressed {
			continue
		}

		if !deadline.IsZero() && !p.now().Before(deadline) {
			p.log.Warn("builds still pending at timeout", "event", "poll_timeout", "pending", len(pending), "passes", pass)
			return StatusFailed, results, fmt.Errorf("%w: %d of %d builds pending", ErrPollTimeout, len(pending), len(builds))
		}
		p.log.Debug("no progress, waiting", "pending", len(pending), "interval", p.interval)
		if err := p.wait(ctx, p.interval); err != nil {
			return StatusFailed, results, fmt.Errorf("await builds: %w", err)
		}
	}

	return Reduce(results), results, nil
}

// Reduce returns StatusChecked when every result is a success, which holds
// vacuously for no results.
func Reduce(results []BuildResult) ChangeListStatus {
	for _, r := range results {
		if r.Outcome != teamcity.OutcomeSuccess {
			return StatusFailed
		}
	}
	return StatusChecked
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
