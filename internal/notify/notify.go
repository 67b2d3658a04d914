// Package notify delivers the terminal notification and named events of a
// remote run to the user or an external system.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-remote-run/internal/config"
)

// Level is the severity of a terminal notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is the single user-visible message that ends a run.
type Notification struct {
	RunID        string    `json:"run_id"`
	Level        Level     `json:"level"`
	Message      string    `json:"message"`
	ChangeListID string    `json:"change_list_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Event is a named milestone of a run, such as upload_ok or run_failed.
type Event struct {
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier is the interface for run notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Event(ctx context.Context, evt Event) error
	Close() error
}

// New creates an appropriate notifier based on configuration. The log
// notifier is always included; setup failures fall back to it alone.
func New(cfg config.NotifyConfig) Notifier {
	log := slog.With("component", "notify")

	switch cfg.Mode {
	case "http":
		n, err := NewHTTPNotifier(cfg.Endpoint, cfg.MaxRetries)
		if err != nil {
			log.Warn("failed to create http notifier, falling back to log", "error", err)
			return NewLogNotifier()
		}
		log.Info("using http notifier", "endpoint", cfg.Endpoint)
		return Tee{NewLogNotifier(), n}
	case "file":
		n, err := NewFileNotifier(cfg.FilePath)
		if err != nil {
			log.Warn("failed to create file notifier, falling back to log", "error", err)
			return NewLogNotifier()
		}
		log.Info("using file notifier", "path", cfg.FilePath)
		return Tee{NewLogNotifier(), n}
	default:
		return NewLogNotifier()
	}
}

// LogNotifier writes notifications to the default slog logger.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: slog.With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	attrs := []any{"run_id", n.RunID}
	if n.ChangeListID != "" {
		attrs = append(attrs, "change_list", n.ChangeListID)
	}
	if n.Error != "" {
		attrs = append(attrs, "error", n.Error)
	}
	l.log.Log(ctx, slogLevel(n.Level), n.Message, attrs...)
	return nil
}

func (l *LogNotifier) Event(ctx context.Context, evt Event) error {
	l.log.DebugContext(ctx, "event", "run_id", evt.RunID, "name", evt.Name)
	return nil
}

func (l *LogNotifier) Close() error { return nil }

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Tee fans a notification out to several notifiers. Every notifier is
// called even if an earlier one fails; the first error is returned.
type Tee []Notifier

func (t Tee) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, nt := range t {
		if err := nt.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t Tee) Event(ctx context.Context, evt Event) error {
	var first error
	for _, nt := range t {
		if err := nt.Event(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t Tee) Close() error {
	var first error
	for _, nt := range t {
		if err := nt.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
