package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/withObsrvr/obsrvr-remote-run/internal/archive"
	"github.com/withObsrvr/obsrvr-remote-run/internal/config"
	"github.com/withObsrvr/obsrvr-remote-run/internal/history"
	"github.com/withObsrvr/obsrvr-remote-run/internal/logging"
	"github.com/withObsrvr/obsrvr-remote-run/internal/metrics"
	"github.com/withObsrvr/obsrvr-remote-run/internal/notify"
	"github.com/withObsrvr/obsrvr-remote-run/internal/patch"
	"github.com/withObsrvr/obsrvr-remote-run/internal/poller"
	"github.com/withObsrvr/obsrvr-remote-run/internal/remoterun"
	"github.com/withObsrvr/obsrvr-remote-run/internal/teamcity"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Warn("received signal, cancelling run", "component", "main", "signal", sig.String())
		cancel()
	}()

	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

type options struct {
	configPath   string
	repoRoot     string
	serverRoot   string
	message      string
	configIDs    []string
	changes      string
	pollInterval time.Duration
	timeout      time.Duration
	showVersion  bool
	showLast     bool
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var opts options
	flagSet := pflag.NewFlagSet("remote-run", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.configPath, "config", "", "path to YAML config file")
	flagSet.StringVar(&opts.repoRoot, "repo-root", ".", "local repository root")
	flagSet.StringVar(&opts.serverRoot, "server-root", "", "server-side VCS root the repository maps to")
	flagSet.StringVarP(&opts.message, "message", "m", "", "personal change list description")
	flagSet.StringArrayVarP(&opts.configIDs, "config-id", "c", nil, "build configuration id to run (repeatable)")
	flagSet.StringVar(&opts.changes, "changes", "-", "file with git diff --name-status output, - for stdin")
	flagSet.DurationVar(&opts.pollInterval, "poll-interval", 0, "wait between status checks without progress (default from config)")
	flagSet.DurationVar(&opts.timeout, "timeout", 0, "give up waiting for builds after this long, 0 waits forever")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	flagSet.BoolVar(&opts.showLast, "last", false, "print the most recent recorded run and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "remote-run %s (%s)\n", Version, GitSHA)
		return exitOK
	}
	if flagSet.NArg() > 0 {
		fmt.Fprintf(stderr, "error: unexpected argument: %s\n", flagSet.Arg(0))
		return exitUsage
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	if flagSet.Changed("poll-interval") {
		cfg.Run.PollInterval = opts.pollInterval
	}
	if flagSet.Changed("timeout") {
		cfg.Run.PollTimeout = opts.timeout
	}

	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	log := logging.Component("main")

	if opts.showLast {
		return showLast(ctx, cfg, stdout, stderr)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	if len(opts.configIDs) == 0 {
		fmt.Fprintln(stderr, "error: no build configurations selected, pass at least one --config-id")
		return exitUsage
	}

	repoRoot, err := filepath.Abs(opts.repoRoot)
	if err != nil {
		fmt.Fprintf(stderr, "error: resolve repo root: %v\n", err)
		return exitUsage
	}
	resources, err := readChanges(opts.changes, stdin, repoRoot)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	sender, cleanup, err := buildSender(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	defer cleanup()

	configs := make([]teamcity.BuildConfigRef, len(opts.configIDs))
	for i, id := range opts.configIDs {
		configs[i] = teamcity.BuildConfigRef{ID: id}
	}
	info := patch.CheckInInfo{
		Resources:      resources,
		Message:        opts.message,
		RepositoryRoot: repoRoot,
		ServerRoot:     opts.serverRoot,
	}

	log.Info("starting remote run", "version", Version, "resources", len(resources), "configs", len(configs))
	res := sender.Run(ctx, info, configs)
	printSummary(stdout, res)

	if res.Success {
		return exitOK
	}
	return exitFailed
}

func readChanges(path string, stdin io.Reader, repoRoot string) ([]patch.ChangedResource, error) {
	if path == "-" {
		return parseNameStatus(stdin, repoRoot)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open changes file: %w", err)
	}
	defer f.Close()
	return parseNameStatus(f, repoRoot)
}

// buildSender wires the client, poller and reporting backends from cfg.
// The returned cleanup closes everything that was opened.
func buildSender(ctx context.Context, cfg config.Config) (*remoterun.Sender, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*remoterun.Sender, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	skipPolicy, err := patch.ParseSkipPolicy(cfg.Run.SkipPolicy)
	if err != nil {
		return fail(err)
	}
	deletePolicy, err := remoterun.ParseDeletePolicy(cfg.Run.DeletePolicy)
	if err != nil {
		return fail(err)
	}

	client, err := teamcity.NewClient(teamcity.Credentials{
		ServerURL: cfg.Server.URL,
		User:      cfg.Server.User,
		UserID:    cfg.Server.UserID,
		Password:  cfg.Server.Password,
		Token:     cfg.Server.Token,
	}, teamcity.WithTimeout(cfg.Server.Timeout))
	if err != nil {
		return fail(fmt.Errorf("create client: %w", err))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server stopped", "component", "metrics", "error", err)
			}
		}()
	}

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fail(fmt.Errorf("create archive: %w", err))
	}
	if arch != nil {
		closers = append(closers, arch.Close)
	}

	rec, err := history.New(ctx, cfg.History)
	if err != nil {
		return fail(fmt.Errorf("create history: %w", err))
	}
	closers = append(closers, rec.Close)

	notifier := notify.New(cfg.Notify)
	closers = append(closers, notifier.Close)

	p := poller.New(remoterun.CountingSource(client, m), cfg.Run.PollInterval,
		poller.WithTimeout(cfg.Run.PollTimeout))

	opts := []remoterun.Option{
		remoterun.WithDeletePolicy(deletePolicy),
		remoterun.WithHistory(rec),
		remoterun.WithNotifier(notifier),
		remoterun.WithMetrics(m),
	}
	if arch != nil {
		opts = append(opts, remoterun.WithArchiver(arch))
	}
	s := remoterun.NewSender(patch.NewAssembler(cfg.Run.WorkDir, skipPolicy), client, p, opts...)
	return s, cleanup, nil
}

// showLast prints the latest history record and, when an archive is
// configured, the manifest of its patch.
func showLast(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) int {
	rec, err := history.New(ctx, cfg.History)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	defer rec.Close()

	last, err := rec.Last(ctx)
	if errors.Is(err, history.ErrNoHistory) {
		fmt.Fprintln(stdout, "no recorded runs")
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailed
	}

	fmt.Fprintf(stdout, "run:         %s\n", last.RunID)
	if last.ChangeListID != "" {
		fmt.Fprintf(stdout, "change list: %s\n", last.ChangeListID)
	}
	fmt.Fprintf(stdout, "status:      %s\n", last.Status)
	fmt.Fprintf(stdout, "finished:    %s (took %s)\n", last.FinishedAt.Format(time.RFC3339), last.Duration().Round(time.Second))
	for _, b := range last.Builds {
		fmt.Fprintf(stdout, "  build %s (%s): %s\n", b.ID, b.ConfigID, b.Outcome)
	}
	if last.Error != "" {
		fmt.Fprintf(stdout, "error:       %s\n", last.Error)
	}
	if last.ArchiveURI == "" {
		return exitOK
	}

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil || arch == nil {
		fmt.Fprintf(stdout, "archived:    %s\n", last.ArchiveURI)
		return exitOK
	}
	defer arch.Close()
	m, err := arch.ReadManifest(ctx, archive.Ref{RunID: last.RunID, ChangeListID: last.ChangeListID})
	if err != nil {
		fmt.Fprintf(stderr, "warning: %v\n", err)
		fmt.Fprintf(stdout, "archived:    %s\n", last.ArchiveURI)
		return exitOK
	}
	fmt.Fprintf(stdout, "archived:    %s (%d records, %d bytes, %s)\n", last.ArchiveURI, len(m.Records), m.ByteSize, m.Checksum)
	return exitOK
}

func printSummary(w io.Writer, res remoterun.Result) {
	fmt.Fprintf(w, "run:         %s\n", res.RunID)
	if res.ChangeListID != "" {
		fmt.Fprintf(w, "change list: %s\n", res.ChangeListID)
	}
	fmt.Fprintf(w, "status:      %s\n", res.Label())
	for _, b := range res.Builds {
		fmt.Fprintf(w, "  build %s (%s): %s\n", b.Build.ID, b.Build.Config.ID, b.Outcome)
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "  skipped %s: %s\n", s.ServerPath, s.Reason)
	}
	if res.PatchPath != "" {
		fmt.Fprintf(w, "patch kept:  %s\n", res.PatchPath)
	}
	if res.ArchiveURI != "" {
		fmt.Fprintf(w, "archived:    %s\n", res.ArchiveURI)
	}
	if res.Err != nil {
		fmt.Fprintf(w, "error:       %v\n", res.Err)
	}
}
