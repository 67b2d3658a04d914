package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-remote-run/internal/teamcity"
)

// scriptedSource returns a scripted sequence of results per build id. The
// last entry repeats once the script runs out.
type scriptedSource struct {
	mu      sync.Mutex
	scripts map[string][]step
	calls   map[string]int
	order   []string
}

type step struct {
	res teamcity.StatusResult
	err error
}

func finished(status string) step {
	return step{res: teamcity.StatusResult{State: "finished", Status: status, Finished: true, Outcome: teamcity.ParseOutcome(status)}}
}

func running() step {
	return step{res: teamcity.StatusResult{State: "running"}}
}

func malformed() step {
	return step{res: teamcity.ParseBuildStatus([]byte("<build state="))}
}

func newSource(scripts map[string][]step) *scriptedSource {
	return &scriptedSource{scripts: scripts, calls: map[string]int{}}
}

func (s *scriptedSource) BuildStatus(ctx context.Context, qb teamcity.QueuedBuild) (teamcity.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	script := s.scripts[qb.ID]
	i := s.calls[qb.ID]
	s.calls[qb.ID]++
	s.order = append(s.order, qb.ID)
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i].res, script[i].err
}

type waitRecorder struct {
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	return ctx.Err()
}

func builds(ids ...string) []teamcity.QueuedBuild {
	out := make([]teamcity.QueuedBuild, len(ids))
	for i, id := range ids {
		out[i] = teamcity.QueuedBuild{ID: id, Config: teamcity.BuildConfigRef{ID: "cfg" + id}}
	}
	return out
}

func TestAwaitOutcomesAllSuccess(t *testing.T) {
	src := newSource(map[string][]step{
		"1": {running(), finished("SUCCESS")},
		"2": {finished("SUCCESS")},
	})
	w := &waitRecorder{}
	p := New(src, time.Second, WithWaitFunc(w.wait))

	status, results, err := p.AwaitOutcomes(context.Background(), builds("1", "2"))
	if err != nil {
		t.Fatalf("AwaitOutcomes: %v", err)
	}
	if status != StatusChecked {
		t.Errorf("status = %v, want CHECKED", status)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// pass 1 made progress (build 2 finished) so no wait before pass 2
	if len(w.waits) != 0 {
		t.Errorf("waits = %v, want none", w.waits)
	}
	if src.calls["2"] != 1 {
		t.Errorf("finished build queried %d times, want 1", src.calls["2"])
	}
}

func TestAwaitOutcomesAnyFailure(t *testing.T) {
	src := newSource(map[string][]step{
		"1": {finished("SUCCESS")},
		"2": {finished("FAILURE")},
	})
	status, _, err := New(src, time.Second, WithWaitFunc((&waitRecorder{}).wait)).AwaitOutcomes(context.Background(), builds("1", "2"))
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusFailed {
		t.Errorf("status = %v, want FAILED", status)
	}
}

func TestAwaitOutcomesEmpty(t *testing.T) {
	src := newSource(nil)
	status, results, err := New(src, time.Second).AwaitOutcomes(context.Background(), nil)
	if err != nil || status != StatusChecked || len(results) != 0 {
		t.Errorf("AwaitOutcomes(nil) = %v, %v, %v", status, results, err)
	}
	if len(src.order) != 0 {
		t.Errorf("calls = %v, want none", src.order)
	}
}

func TestAwaitOutcomesWaitsOnlyWithoutProgress(t *testing.T) {
	src := newSource(map[string][]step{
		"1": {running(), running(), finished("SUCCESS")},
		"2": {running(), running(), running(), finished("SUCCESS")},
	})
	w := &waitRecorder{}
	p := New(src, 5*time.Second, WithWaitFunc(w.wait))

	status, _, err := p.AwaitOutcomes(context.Background(), builds("1", "2"))
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusChecked {
		t.Errorf("status = %v", status)
	}
	// pass1: none, wait; pass2: none, wait; pass3: build 1 done, no wait;
	// pass4: build 2 done.
	if len(w.waits) != 2 {
		t.Errorf("waits = %v, want 2", w.waits)
	}
	for _, d := range w.waits {
		if d != 5*time.Second {
			t.Errorf("wait = %v, want 5s", d)
		}
	}
	want := []string{"1", "2", "1", "2", "1", "2", "2"}
	if fmt.Sprint(src.order) != fmt.Sprint(want) {
		t.Errorf("query order = %v, want %v", src.order, want)
	}
}

func TestAwaitOutcomesRetriesMalformedResponse(t *testing.T) {
	src := newSource(map[string][]step{
		"1": {malformed(), finished("SUCCESS")},
	})
	w := &waitRecorder{}
	status, results, err := New(src, time.Second, WithWaitFunc(w.wait)).AwaitOutcomes(context.Background(), builds("1"))
	if err != nil {
		t.Fatalf("malformed response must not be an error: %v", err)
	}
	if status != StatusChecked || len(results) != 1 {
		t.Errorf("status = %v, results = %v", status, results)
	}
	if len(w.waits) != 1 {
		t.Errorf("waits = %d, want 1", len(w.waits))
	}
}

func TestAwaitOutcomesTransportError(t *testing.T) {
	perr := &teamcity.PollError{BuildID: "2", Err: errors.New("connection refused")}
	src := newSource(map[string][]step{
		"1": {finished("SUCCESS")},
		"2": {{err: perr}},
	})
	_, results, err := New(src, time.Second).AwaitOutcomes(context.Background(), builds("1", "2"))
	var got *teamcity.PollError
	if !errors.As(err, &got) {
		t.Fatalf("error = %v, want PollError", err)
	}
	if len(results) != 1 {
		t.Errorf("results before failure = %d, want 1", len(results))
	}
}

func TestAwaitOutcomesCancelled(t *testing.T) {
	src := newSource(map[string][]step{"1": {running()}})
	ctx, cancel := context.WithCancel(context.Background())
	wait := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, _, err := New(src, time.Second, WithWaitFunc(wait)).AwaitOutcomes(ctx, builds("1"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestAwaitOutcomesTimeout(t *testing.T) {
	src := newSource(map[string][]step{"1": {running()}})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	wait := func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	p := New(src, 10*time.Second, WithTimeout(30*time.Second), WithWaitFunc(wait), WithClock(clock))

	_, _, err := p.AwaitOutcomes(context.Background(), builds("1"))
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("error = %v, want ErrPollTimeout", err)
	}
	if src.calls["1"] != 4 {
		t.Errorf("calls = %d, want 4", src.calls["1"])
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepContext: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled sleepContext = %v", err)
	}
}

func TestReduce(t *testing.T) {
	ok := BuildResult{Outcome: teamcity.OutcomeSuccess}
	bad := BuildResult{Outcome: teamcity.OutcomeFailure}
	other := BuildResult{Outcome: teamcity.OutcomeOther}

	if Reduce(nil) != StatusChecked {
		t.Error("empty results should be CHECKED")
	}
	if Reduce([]BuildResult{ok, ok}) != StatusChecked {
		t.Error("all success should be CHECKED")
	}
	if Reduce([]BuildResult{ok, bad, ok}) != StatusFailed {
		t.Error("any failure should be FAILED")
	}
	if Reduce([]BuildResult{ok, other}) != StatusFailed {
		t.Error("non-success outcome should be FAILED")
	}
}
