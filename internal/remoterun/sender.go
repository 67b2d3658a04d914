package remoterun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/withObsrvr/obsrvr-remote-run/internal/archive"
	"github.com/withObsrvr/obsrvr-remote-run/internal/history"
	"github.com/withObsrvr/obsrvr-remote-run/internal/logging"
	"github.com/withObsrvr/obsrvr-remote-run/internal/metrics"
	"github.com/withObsrvr/obsrvr-remote-run/internal/notify"
	"github.com/withObsrvr/obsrvr-remote-run/internal/patch"
	"github.com/withObsrvr/obsrvr-remote-run/internal/poller"
	"github.com/withObsrvr/obsrvr-remote-run/internal/teamcity"
)

// reportTimeout bounds notification, archive and history writes, which
// run on a context detached from the run's cancellation.
const reportTimeout = 15 * time.Second

// Sender runs the remote-run pipeline: prepare the patch, upload it,
// trigger one personal build per configuration and wait for the verdict.
type Sender struct {
	assembler Assembler
	submitter Submitter
	waiter    Waiter

	deletePolicy DeletePolicy
	archiver     archive.Archiver
	history      history.Recorder
	notifier     notify.Notifier
	metrics      *metrics.Metrics
	now          func() time.Time
}

// Option configures a Sender.
type Option func(*Sender)

func WithDeletePolicy(p DeletePolicy) Option {
	return func(s *Sender) { s.deletePolicy = p }
}

// WithArchiver stores a copy of every patch before it may be deleted.
func WithArchiver(a archive.Archiver) Option {
	return func(s *Sender) { s.archiver = a }
}

func WithHistory(r history.Recorder) Option {
	return func(s *Sender) { s.history = r }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Sender) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// NewSender creates a Sender. Without options it logs its terminal
// notification and records nothing.
func NewSender(a Assembler, sub Submitter, w Waiter, opts ...Option) *Sender {
	s := &Sender{
		assembler: a,
		submitter: sub,
		waiter:    w,
		notifier:  notify.NewLogNotifier(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RemoteRun reports whether every requested build succeeded. It never
// returns an error; details are in the logs, the notification and Run's
// Result.
func (s *Sender) RemoteRun(ctx context.Context, info patch.CheckInInfo, configs []teamcity.BuildConfigRef) bool {
	return s.Run(ctx, info, configs).Success
}

// Run executes one remote run. Every failure, including a panic in a
// collaborator, is converted into a Result with Success false.
func (s *Sender) Run(ctx context.Context, info patch.CheckInInfo, configs []teamcity.BuildConfigRef) (res Result) {
	runID := logging.RunID(ctx)
	if runID == "" {
		runID = logging.NewRunID()
		ctx = logging.WithRunID(ctx, runID)
	}
	log := logging.RunLogger(runID, len(info.Resources), len(configs))
	started := s.now()

	res = Result{RunID: runID, Status: poller.StatusFailed}
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = fmt.Errorf("remote run panicked: %v", r)
		}
		defer func() {
			if r := recover(); r != nil {
				log.Error("finishing remote run panicked", "panic", r)
			}
		}()
		s.finish(ctx, log, &res, info, configs, started)
	}()

	s.run(ctx, log, &res, info, configs)
	return res
}

func (s *Sender) run(ctx context.Context, log *slog.Logger, res *Result, info patch.CheckInInfo, configs []teamcity.BuildConfigRef) {
	f, err := s.assembler.Prepare(ctx, info)
	if err != nil {
		s.fail(res, fmt.Errorf("prepare patch: %w", err))
		return
	}
	if f == nil {
		log.Info("no changes to send")
		res.Empty = true
		res.Success = true
		res.Status = poller.StatusChecked
		return
	}
	res.Skipped = f.Skipped
	res.PatchBytes = f.Size
	s.metrics.ObservePatch(f.Size, len(f.Records), len(f.Skipped))
	log.Info("patch prepared", "records", len(f.Records), "skipped", len(f.Skipped), "bytes", f.Size)

	uploadStart := s.now()
	id, err := s.submitter.Upload(ctx, f.Path, info.Message)
	s.metrics.ObserveUploadDuration(s.now().Sub(uploadStart).Seconds())
	if err != nil {
		s.metrics.IncRequestErrors("upload")
		s.event(ctx, log, slog.LevelError, EventUploadFailed, "patch upload failed", "error", err)
		s.disposePatch(ctx, log, res, f, false)
		s.fail(res, err)
		return
	}
	res.ChangeListID = id
	s.event(ctx, log, slog.LevelInfo, EventUploadOK, "patch uploaded", "change_list", string(id))
	s.disposePatch(ctx, log, res, f, true)

	queued, err := s.submitter.Trigger(ctx, id, configs)
	res.Queued = queued
	if err != nil {
		s.metrics.IncRequestErrors("trigger")
		s.event(ctx, log, slog.LevelError, EventTriggerFail, "build trigger failed", "change_list", string(id), "error", err)
		s.fail(res, err)
		return
	}
	s.metrics.AddBuildsQueued(len(queued))
	if len(queued) == 0 {
		log.Info("no build configurations requested", "change_list", string(id))
		res.Success = true
		res.Status = poller.StatusChecked
		return
	}
	log.Info("builds queued", "change_list", string(id), "builds", len(queued))

	status, results, err := s.waiter.AwaitOutcomes(ctx, queued)
	res.Builds = results
	for _, r := range results {
		s.metrics.IncBuildOutcome(r.Outcome.String())
	}
	if err != nil {
		if errors.Is(err, poller.ErrPollTimeout) {
			s.forward(ctx, log, EventPollTimeout, map[string]string{"change_list": string(id)})
		} else if !isCancellation(err) {
			s.metrics.IncRequestErrors("status")
		}
		s.fail(res, err)
		return
	}
	res.Status = status
	res.Success = status == poller.StatusChecked
}

// fail records err on res, mapping context errors to ErrCancelled.
func (s *Sender) fail(res *Result, err error) {
	res.Success = false
	if isCancellation(err) {
		res.Cancelled = true
		res.Err = fmt.Errorf("%w: %w", ErrCancelled, err)
		return
	}
	res.Err = err
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// disposePatch archives the patch when an archiver is configured and then
// removes or keeps the local file according to the delete policy.
func (s *Sender) disposePatch(ctx context.Context, log *slog.Logger, res *Result, f *patch.File, uploaded bool) {
	if s.archiver != nil {
		actx, cancel := detached(ctx)
		status := "uploaded"
		if !uploaded {
			status = "upload_failed"
		}
		ar, err := s.archiver.Archive(actx, archive.Ref{RunID: res.RunID, ChangeListID: string(res.ChangeListID)}, f, status)
		cancel()
		if err != nil {
			log.Warn("patch archive failed", "error", err)
		} else {
			res.ArchiveURI = ar.URI
		}
	}

	if !s.deletePolicy.shouldDelete(uploaded) {
		res.PatchPath = f.Path
		log.Info("patch kept", "path", f.Path, "policy", s.deletePolicy.String())
		return
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		res.PatchPath = f.Path
		log.Warn("patch delete failed", "path", f.Path, "error", err)
	}
}

// event logs a named event and forwards it to the notifier.
func (s *Sender) event(ctx context.Context, log *slog.Logger, level slog.Level, name, msg string, attrs ...any) {
	log.Log(ctx, level, msg, append([]any{"event", name}, attrs...)...)

	fields := make(map[string]string, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		if k, ok := attrs[i].(string); ok {
			fields[k] = fmt.Sprint(attrs[i+1])
		}
	}
	s.forward(ctx, log, name, fields)
}

// forward sends a named event to the notifier without logging it again.
func (s *Sender) forward(ctx context.Context, log *slog.Logger, name string, fields map[string]string) {
	nctx, cancel := detached(ctx)
	defer cancel()
	ev := notify.Event{
		RunID:     logging.RunID(ctx),
		Name:      name,
		Fields:    fields,
		Timestamp: s.now().UTC(),
	}
	err := guard("notifier event", func() error { return s.notifier.Event(nctx, ev) })
	if err != nil {
		log.Warn("event delivery failed", "name", name, "error", err)
	}
}

// finish emits the final event and the single terminal notification, and
// records the run.
func (s *Sender) finish(ctx context.Context, log *slog.Logger, res *Result, info patch.CheckInInfo, configs []teamcity.BuildConfigRef, started time.Time) {
	finished := s.now()
	label := res.Label()
	s.metrics.IncRuns(label)
	s.metrics.ObserveRunDuration(finished.Sub(started).Seconds())

	n := notify.Notification{
		RunID:        res.RunID,
		ChangeListID: string(res.ChangeListID),
		Status:       label,
		Timestamp:    finished.UTC(),
	}
	switch {
	case res.Success:
		n.Level = notify.LevelInfo
		n.Message = successMessage(res)
		s.event(ctx, log, slog.LevelInfo, EventRunSucceeded, n.Message, "status", label)
	case res.Err == nil:
		n.Level = notify.LevelWarning
		n.Message = statusMessage(res.ChangeListID, res.Status)
		s.event(ctx, log, slog.LevelWarn, EventRunFailed, n.Message, "status", label)
	case res.Cancelled:
		n.Level = notify.LevelWarning
		n.Message = "Remote run cancelled."
		n.Error = res.Err.Error()
		s.event(ctx, log, slog.LevelWarn, EventRunFailed, n.Message, "status", label)
	default:
		n.Level = notify.LevelError
		n.Message = "Remote run failed: " + res.Err.Error()
		n.Error = res.Err.Error()
		s.event(ctx, log, slog.LevelError, EventRunFailed, "remote run failed", "status", label, "error", res.Err)
	}

	nctx, cancel := detached(ctx)
	defer cancel()
	if err := guard("notifier", func() error { return s.notifier.Notify(nctx, n) }); err != nil {
		log.Warn("notification delivery failed", "error", err)
	}

	if s.history != nil {
		run := historyRun(res, info, configs, started, finished)
		if err := guard("history", func() error { return s.history.Record(nctx, run) }); err != nil {
			log.Warn("history record failed", "error", err)
		}
	}
}

func successMessage(res *Result) string {
	if res.Empty {
		return "No local changes to send."
	}
	return statusMessage(res.ChangeListID, poller.StatusChecked)
}

func statusMessage(id teamcity.ChangeListID, status poller.ChangeListStatus) string {
	return fmt.Sprintf("Personal build for change #%s has %q status.", id, status.String())
}

func historyRun(res *Result, info patch.CheckInInfo, configs []teamcity.BuildConfigRef, started, finished time.Time) *history.Run {
	run := &history.Run{
		RunID:        res.RunID,
		ChangeListID: string(res.ChangeListID),
		Status:       res.Label(),
		Message:      info.Message,
		Configs:      make([]string, len(configs)),
		Skipped:      res.Skipped,
		PatchBytes:   res.PatchBytes,
		ArchiveURI:   res.ArchiveURI,
		StartedAt:    started.UTC(),
		FinishedAt:   finished.UTC(),
	}
	for i, c := range configs {
		run.Configs[i] = c.ID
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}

	outcomes := make(map[string]poller.BuildResult, len(res.Builds))
	for _, b := range res.Builds {
		outcomes[b.Build.ID] = b
	}
	for _, q := range res.Queued {
		b := history.Build{ID: q.ID, ConfigID: q.Config.ID}
		if r, ok := outcomes[q.ID]; ok {
			b.Outcome = r.Outcome.String()
			b.Status = r.Status
		}
		run.Builds = append(run.Builds, b)
	}
	return run
}

// guard runs a reporting call, turning a panic into an error so that
// reporting can never take the run down with it.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	return fn()
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
}
