package patch

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/withObsrvr/obsrvr-remote-run/internal/wire"
)

// Builder streams patch records into a file. A Builder is single-use: once
// Close or Abort has been called every Add method returns ErrInvalidState.
type Builder struct {
	f      *os.File
	buf    *bufio.Writer
	w      *wire.Writer
	policy SkipPolicy
	log    *slog.Logger

	records []Record
	skipped []SkippedFile
	closed  bool
}

// NewBuilder creates a patch file in dir (os.TempDir when empty).
func NewBuilder(dir string, policy SkipPolicy) (*Builder, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create patch directory %s: %w", dir, err)
		}
	}
	f, err := os.CreateTemp(dir, "remote-run-*.patch")
	if err != nil {
		return nil, fmt.Errorf("create patch file: %w", err)
	}
	buf := bufio.NewWriterSize(f, 64*1024)
	return &Builder{
		f:      f,
		buf:    buf,
		w:      wire.NewWriter(buf),
		policy: policy,
		log:    slog.With("component", "patch", "patch_file", f.Name()),
	}, nil
}

// Path returns the location of the patch file being written.
func (b *Builder) Path() string { return b.f.Name() }

// AddAdded writes a create record with the contents of localPath.
func (b *Builder) AddAdded(serverPath, localPath string) error {
	return b.addContent(TypeAdded, serverPath, localPath)
}

// AddReplaced writes a replace record with the contents of localPath.
func (b *Builder) AddReplaced(serverPath, localPath string) error {
	return b.addContent(TypeReplaced, serverPath, localPath)
}

// AddDeleted writes a delete record.
func (b *Builder) AddDeleted(serverPath string) error {
	if b.closed {
		return ErrInvalidState
	}
	pathFrame, err := wire.EncodeUTF8String(serverPath)
	if err != nil {
		return fmt.Errorf("encode path %q: %w", serverPath, err)
	}
	if err := b.w.WriteOctet(int(TypeDeleted)); err != nil {
		return fmt.Errorf("write record type: %w", err)
	}
	if err := b.w.WriteRaw(pathFrame); err != nil {
		return fmt.Errorf("write path: %w", err)
	}
	b.records = append(b.records, Record{Type: TypeDeleted, Path: serverPath})
	return nil
}

// Skip lists a resource as skipped without writing a record.
func (b *Builder) Skip(serverPath, localPath string, cause error) {
	b.skipped = append(b.skipped, SkippedFile{
		ServerPath: serverPath,
		LocalPath:  localPath,
		Reason:     cause.Error(),
	})
	b.log.Warn("skipping file", "server_path", serverPath, "local_path", localPath, "error", cause)
}

func (b *Builder) addContent(typ RecordType, serverPath, localPath string) error {
	if b.closed {
		return ErrInvalidState
	}
	pathFrame, err := wire.EncodeUTF8String(serverPath)
	if err != nil {
		return fmt.Errorf("encode path %q: %w", serverPath, err)
	}

	// Open and stat before the header goes out so a skipped record leaves
	// no partial frame behind.
	src, err := os.Open(localPath)
	if err != nil {
		return b.accessFailure(serverPath, localPath, &FileAccessError{Path: localPath, Op: "open", Err: err})
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return b.accessFailure(serverPath, localPath, &FileAccessError{Path: localPath, Op: "stat", Err: err})
	}
	if info.IsDir() {
		return b.accessFailure(serverPath, localPath, &FileAccessError{Path: localPath, Op: "read", Err: fmt.Errorf("is a directory")})
	}
	size := info.Size()

	if err := b.w.WriteOctet(int(typ)); err != nil {
		return fmt.Errorf("write record type: %w", err)
	}
	if err := b.w.WriteRaw(pathFrame); err != nil {
		return fmt.Errorf("write path: %w", err)
	}
	if err := b.w.WriteInt64(size); err != nil {
		return fmt.Errorf("write content length: %w", err)
	}
	n, err := b.w.Copy(io.LimitReader(src, size))
	if err != nil {
		return &FileAccessError{Path: localPath, Op: "read", Err: err}
	}
	if n != size {
		// The header already promised size bytes; the frame cannot be
		// repaired, so this is fatal regardless of policy.
		return &FileAccessError{Path: localPath, Op: "read", Err: fmt.Errorf("file shrank from %d to %d bytes while reading", size, n)}
	}

	b.records = append(b.records, Record{Type: typ, Path: serverPath, LocalPath: localPath, Size: size})
	return nil
}

func (b *Builder) accessFailure(serverPath, localPath string, err *FileAccessError) error {
	if b.policy == SkipPolicyFail {
		return err
	}
	b.Skip(serverPath, localPath, err)
	return nil
}

// Close writes the end-of-patch marker, releases the file handle and
// returns the finished artifact.
func (b *Builder) Close() (*File, error) {
	if b.closed {
		return nil, ErrInvalidState
	}
	b.closed = true

	err := b.w.WriteOctet(int(TypeEnd))
	if err == nil {
		err = b.w.WriteUTF8String("")
	}
	if err == nil {
		err = b.buf.Flush()
	}
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(b.f.Name())
		return nil, fmt.Errorf("finish patch %s: %w", b.f.Name(), err)
	}

	b.log.Debug("patch closed", "records", len(b.records), "skipped", len(b.skipped), "bytes", b.w.Written())
	return &File{
		Path:    b.f.Name(),
		Size:    b.w.Written(),
		Records: b.records,
		Skipped: b.skipped,
	}, nil
}

// Abort releases the file handle and removes the partial patch. It is safe
// to call after Close, in which case it does nothing.
func (b *Builder) Abort() {
	if b.closed {
		return
	}
	b.closed = true
	b.f.Close()
	os.Remove(b.f.Name())
}
