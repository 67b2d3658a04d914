package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-remote-run/internal/config"
)

func TestHTTPNotifierPostsJSON(t *testing.T) {
	var got envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewHTTPNotifier(srv.URL, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	err = n.Notify(context.Background(), Notification{RunID: "r1", Level: LevelWarning, Message: "failed"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Kind != "notification" || got.Notification == nil || got.Notification.Level != LevelWarning {
		t.Errorf("posted = %+v", got)
	}
}

func TestHTTPNotifierRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewHTTPNotifier(srv.URL, 3)
	if err != nil {
		t.Fatal(err)
	}
	n.baseDelay = time.Millisecond

	if err := n.Event(context.Background(), Event{RunID: "r1", Name: "upload_ok"}); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPNotifierGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, _ := NewHTTPNotifier(srv.URL, 2)
	n.baseDelay = time.Millisecond

	if err := n.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPNotifierCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	n, _ := NewHTTPNotifier(srv.URL, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Notify(ctx, Notification{}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestNewHTTPNotifierRejectsBadEndpoint(t *testing.T) {
	for _, ep := range []string{"", "ftp://x", "http://"} {
		if _, err := NewHTTPNotifier(ep, 1); err == nil {
			t.Errorf("NewHTTPNotifier(%q) should fail", ep)
		}
	}
}

func TestFileNotifierAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "runs.jsonl")
	n, err := NewFileNotifier(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	n.Event(ctx, Event{RunID: "r1", Name: "upload_ok"})
	n.Notify(ctx, Notification{RunID: "r1", Level: LevelInfo, Message: "done"})
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var env envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		kinds = append(kinds, env.Kind)
	}
	if len(kinds) != 2 || kinds[0] != "event" || kinds[1] != "notification" {
		t.Errorf("kinds = %v", kinds)
	}
}

type countingNotifier struct {
	notes, events int
	err           error
}

func (c *countingNotifier) Notify(context.Context, Notification) error { c.notes++; return c.err }
func (c *countingNotifier) Event(context.Context, Event) error         { c.events++; return c.err }
func (c *countingNotifier) Close() error                               { return nil }

func TestTeeCallsAll(t *testing.T) {
	failing := &countingNotifier{err: errors.New("down")}
	ok := &countingNotifier{}
	tee := Tee{failing, ok}

	if err := tee.Notify(context.Background(), Notification{}); err == nil {
		t.Error("expected first error")
	}
	if ok.notes != 1 {
		t.Error("second notifier should still be called")
	}
}

func TestNewFallsBackToLog(t *testing.T) {
	n := New(config.NotifyConfig{Mode: "http", Endpoint: "not a url"})
	if _, ok := n.(*LogNotifier); !ok {
		t.Errorf("New = %T, want *LogNotifier", n)
	}
	n = New(config.NotifyConfig{Mode: "log"})
	if _, ok := n.(*LogNotifier); !ok {
		t.Errorf("New = %T, want *LogNotifier", n)
	}
}

func TestNewFileIncludesLog(t *testing.T) {
	n := New(config.NotifyConfig{Mode: "file", FilePath: filepath.Join(t.TempDir(), "n.jsonl")})
	defer n.Close()
	tee, ok := n.(Tee)
	if !ok || len(tee) != 2 {
		t.Fatalf("New = %T, want Tee of 2", n)
	}
	if _, ok := tee[1].(*FileNotifier); !ok {
		t.Errorf("tee[1] = %T, want *FileNotifier", tee[1])
	}
}
