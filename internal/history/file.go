package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFileLimit is the number of runs kept by a FileRecorder.
const DefaultFileLimit = 100

type fileDocument struct {
	Runs []*Run `json:"runs"`
}

// FileRecorder keeps the most recent runs in a single JSON file.
type FileRecorder struct {
	mu    sync.Mutex
	path  string
	limit int
}

// NewFileRecorder creates a recorder writing to path.
func NewFileRecorder(path string) (*FileRecorder, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &FileRecorder{path: path, limit: DefaultFileLimit}, nil
}

// Record appends run and drops the oldest entries beyond the limit.
func (f *FileRecorder) Record(ctx context.Context, run *Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	doc.Runs = append(doc.Runs, run)
	if len(doc.Runs) > f.limit {
		doc.Runs = doc.Runs[len(doc.Runs)-f.limit:]
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	// Write atomically
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write history temp file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename history file: %w", err)
	}
	return nil
}

// Last returns the most recently recorded run.
func (f *FileRecorder) Last(ctx context.Context) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	if len(doc.Runs) == 0 {
		return nil, ErrNoHistory
	}
	return doc.Runs[len(doc.Runs)-1], nil
}

func (f *FileRecorder) load() (*fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileDocument{}, nil
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse history file: %w", err)
	}
	return &doc, nil
}

func (f *FileRecorder) Close() error { return nil }
