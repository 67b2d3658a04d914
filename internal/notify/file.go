package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileNotifier appends notifications and events to a JSON Lines file.
type FileNotifier struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileNotifier(path string) (*FileNotifier, error) {
	if path == "" {
		return nil, fmt.Errorf("notify file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create notify dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open notify file: %w", err)
	}
	return &FileNotifier{f: f}, nil
}

func (n *FileNotifier) Notify(_ context.Context, nt Notification) error {
	return n.append(envelope{Kind: "notification", Notification: &nt})
}

func (n *FileNotifier) Event(_ context.Context, evt Event) error {
	return n.append(envelope{Kind: "event", Event: &evt})
}

func (n *FileNotifier) append(env envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Kind, err)
	}
	line = append(line, '\n')

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", env.Kind, err)
	}
	return nil
}

func (n *FileNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.f.Close()
}
