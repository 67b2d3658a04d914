package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/obsrvr-remote-run/internal/wire"
)

// Assembler turns a CheckInInfo into a patch file.
type Assembler struct {
	workDir string
	policy  SkipPolicy
	log     *slog.Logger
}

// NewAssembler creates an assembler writing patches into workDir.
func NewAssembler(workDir string, policy SkipPolicy) *Assembler {
	return &Assembler{
		workDir: workDir,
		policy:  policy,
		log:     slog.With("component", "assembler"),
	}
}

// Prepare writes one record per resource, in input order. It returns a nil
// File and nil error when there is nothing to send. On error no patch file
// is left behind.
func (a *Assembler) Prepare(ctx context.Context, info CheckInInfo) (*File, error) {
	if len(info.Resources) == 0 {
		a.log.Info("no changed resources, nothing to send")
		return nil, nil
	}

	b, err := NewBuilder(a.workDir, a.policy)
	if err != nil {
		return nil, err
	}
	defer b.Abort()

	for i, res := range info.Resources {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("prepare patch: %w", err)
		}
		serverPath, err := ServerPath(info.RepositoryRoot, info.ServerRoot, res.AbsolutePath)
		if err != nil {
			return nil, fmt.Errorf("resource %d: %w", i, err)
		}
		if err := a.add(b, res, serverPath); err != nil {
			return nil, fmt.Errorf("resource %d (%s): %w", i, res.AbsolutePath, err)
		}
	}

	file, err := b.Close()
	if err != nil {
		return nil, err
	}
	a.log.Info("patch prepared",
		"patch_file", file.Path,
		"records", len(file.Records),
		"skipped", len(file.Skipped),
		"bytes", file.Size,
	)
	return file, nil
}

func (a *Assembler) add(b *Builder, res ChangedResource, serverPath string) error {
	exists, statErr := localExists(res.AbsolutePath)

	switch res.Status {
	case StatusDeleted:
		return b.AddDeleted(serverPath)
	case StatusAdded:
		if !exists {
			return a.missing(b, res, serverPath, statErr)
		}
		return b.AddAdded(serverPath, res.AbsolutePath)
	case StatusModified:
		if !exists {
			return a.missing(b, res, serverPath, statErr)
		}
		return b.AddReplaced(serverPath, res.AbsolutePath)
	default:
		if !exists && errors.Is(statErr, fs.ErrNotExist) {
			return b.AddDeleted(serverPath)
		}
		return b.AddReplaced(serverPath, res.AbsolutePath)
	}
}

// missing handles an added or modified resource whose file cannot be found.
// Only a provably absent file goes through the skip policy; other stat
// failures are left to the builder's open, which applies the same policy.
func (a *Assembler) missing(b *Builder, res ChangedResource, serverPath string, statErr error) error {
	if !errors.Is(statErr, fs.ErrNotExist) {
		if res.Status == StatusAdded {
			return b.AddAdded(serverPath, res.AbsolutePath)
		}
		return b.AddReplaced(serverPath, res.AbsolutePath)
	}
	ferr := &FileAccessError{Path: res.AbsolutePath, Op: "stat", Err: statErr}
	if a.policy == SkipPolicyFail {
		return ferr
	}
	b.Skip(serverPath, res.AbsolutePath, ferr)
	return nil
}

func localExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// ServerPath maps an absolute local path to its server-side path: the path
// relative to repoRoot with forward slashes, prefixed by serverRoot.
func ServerPath(repoRoot, serverRoot, absPath string) (string, error) {
	rel, err := filepath.Rel(repoRoot, absPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not under %s: %v", wire.ErrInvalidArgument, absPath, repoRoot, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s is not under %s", wire.ErrInvalidArgument, absPath, repoRoot)
	}
	if serverRoot == "" {
		return rel, nil
	}
	// Plain concatenation: server roots may contain "://" which path.Join
	// would collapse.
	return strings.TrimSuffix(serverRoot, "/") + "/" + rel, nil
}
