package jobclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medgpu/overlay"
)

// fakeBackend scripts a sequence of status reports and serves one result.
type fakeBackend struct {
	mu      sync.Mutex
	states  []JobState
	idx     int
	statErr error

	result      *overlay.Mask
	resultErr   error
	resultFails int // fail this many fetches before succeeding
	fetched     int
}

func (f *fakeBackend) FetchStatus(ctx context.Context, jobID string) (JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return JobState{}, f.statErr
	}
	state := f.states[f.idx]
	if f.idx < len(f.states)-1 {
		f.idx++
	}
	return state, nil
}

func (f *fakeBackend) FetchResult(ctx context.Context, resultRef string) (*overlay.Mask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	if f.resultFails > 0 {
		f.resultFails--
		return nil, errors.New("backend unavailable")
	}
	return f.result, f.resultErr
}

func testMask() *overlay.Mask {
	return &overlay.Mask{
		Dims:       [3]int{2, 2, 2},
		Spacing:    [3]float64{1, 1, 1},
		ClassCount: 2,
		Voxels:     []uint8{0, 1, 0, 1, 0, 1, 0, 1},
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"queued", StatusQueued, false},
		{"running", StatusRunning, false},
		{"completed", StatusCompleted, false},
		{"failed", StatusFailed, false},
		{"exploded", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStatus(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseStatus(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if err != nil && !errors.Is(err, ErrUnknownStatus) {
				t.Errorf("error = %v, want ErrUnknownStatus", err)
			}
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	if StatusQueued.Terminal() || StatusRunning.Terminal() {
		t.Error("non-terminal status reported terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Error("terminal status not reported terminal")
	}
}

func TestClient_Poll_AdvancesAndDelivers(t *testing.T) {
	backend := &fakeBackend{
		states: []JobState{
			{JobID: "j1", Status: "queued"},
			{JobID: "j1", Status: "running"},
			{JobID: "j1", Status: "completed", ResultRef: "res-1"},
		},
		result: testMask(),
	}

	var gotMask *overlay.Mask
	var gotGen uint64
	c := New(backend, backend, func(m *overlay.Mask, gen uint64) {
		gotMask, gotGen = m, gen
	})

	job := c.Submit("j1", 7, CacheKey{Patient: "p", Study: "s", Kind: "ct"})
	if job.Submitted.IsZero() {
		t.Error("Submitted timestamp not set")
	}

	ctx := context.Background()
	if st, err := c.Poll(ctx, job); err != nil || st != StatusQueued {
		t.Fatalf("poll 1 = %v, %v; want queued", st, err)
	}
	if st, err := c.Poll(ctx, job); err != nil || st != StatusRunning {
		t.Fatalf("poll 2 = %v, %v; want running", st, err)
	}
	if job.Started.IsZero() {
		t.Error("Started timestamp not set on running")
	}
	if st, err := c.Poll(ctx, job); err != nil || st != StatusCompleted {
		t.Fatalf("poll 3 = %v, %v; want completed", st, err)
	}
	if job.Finished.IsZero() {
		t.Error("Finished timestamp not set on completion")
	}

	if gotMask == nil || gotGen != 7 {
		t.Fatalf("delivery = (%v, %d), want mask stamped with generation 7", gotMask, gotGen)
	}
	if cached, ok := c.CachedResult(job.Key); !ok || cached != gotMask {
		t.Error("completed result not cached under the job key")
	}

	// A terminal job polls without another fetch or delivery.
	gotMask = nil
	if st, err := c.Poll(ctx, job); err != nil || st != StatusCompleted {
		t.Fatalf("terminal poll = %v, %v; want completed", st, err)
	}
	if gotMask != nil {
		t.Error("terminal poll delivered again")
	}
	if backend.fetched != 1 {
		t.Errorf("result fetched %d times, want 1", backend.fetched)
	}
}

func TestClient_Poll_Failure(t *testing.T) {
	backend := &fakeBackend{
		states: []JobState{
			{JobID: "j1", Status: "failed", Message: "out of GPU memory"},
		},
	}
	c := New(backend, backend, nil)
	job := c.Submit("j1", 1, CacheKey{})

	_, err := c.Poll(context.Background(), job)
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("Poll() error = %v, want ErrJobFailed", err)
	}
	// The backend's message is carried verbatim.
	if got := err.Error(); !strings.Contains(got, "out of GPU memory") {
		t.Errorf("error %q does not carry the backend message", got)
	}
	// Failed is absorbing.
	if _, err := c.Poll(context.Background(), job); !errors.Is(err, ErrJobFailed) {
		t.Errorf("terminal poll error = %v, want ErrJobFailed", err)
	}
}

// A completed job whose result fetch fails transiently must keep the
// result reachable: the next poll retries the fetch and delivers.
func TestClient_Poll_RetriesResultFetch(t *testing.T) {
	backend := &fakeBackend{
		states: []JobState{
			{JobID: "j1", Status: "completed", ResultRef: "res-1"},
		},
		result:      testMask(),
		resultFails: 1,
	}

	var gotMask *overlay.Mask
	var gotGen uint64
	c := New(backend, backend, func(m *overlay.Mask, gen uint64) {
		gotMask, gotGen = m, gen
	})
	job := c.Submit("j1", 3, CacheKey{Patient: "p", Study: "s", Kind: "ct"})

	ctx := context.Background()
	st, err := c.Poll(ctx, job)
	if err == nil {
		t.Fatal("poll 1 error = nil, want transient fetch failure")
	}
	if st != StatusCompleted {
		t.Fatalf("poll 1 status = %v, want completed", st)
	}
	if gotMask != nil {
		t.Fatal("mask delivered despite fetch failure")
	}

	st, err = c.Poll(ctx, job)
	if err != nil || st != StatusCompleted {
		t.Fatalf("poll 2 = %v, %v; want completed without error", st, err)
	}
	if gotMask == nil || gotGen != 3 {
		t.Fatalf("delivery = (%v, %d), want mask stamped with generation 3", gotMask, gotGen)
	}
	if backend.fetched != 2 {
		t.Errorf("result fetched %d times, want 2 (one failure, one retry)", backend.fetched)
	}

	// Settled: further polls neither fetch nor deliver again.
	gotMask = nil
	if st, err := c.Poll(ctx, job); err != nil || st != StatusCompleted {
		t.Fatalf("poll 3 = %v, %v; want completed", st, err)
	}
	if gotMask != nil || backend.fetched != 2 {
		t.Error("settled job fetched or delivered again")
	}
}

func TestClient_Watch_RetriesResultFetch(t *testing.T) {
	backend := &fakeBackend{
		states: []JobState{
			{JobID: "j1", Status: "completed", ResultRef: "res-1"},
		},
		result:      testMask(),
		resultFails: 1,
	}
	c := New(backend, backend, nil, WithBackoff(time.Millisecond, 2*time.Millisecond))
	job := c.Submit("j1", 1, CacheKey{})

	if err := c.Watch(context.Background(), job, time.Millisecond); err != nil {
		t.Fatalf("Watch() error = %v, want recovery after transient fetch failure", err)
	}
	if !job.delivered {
		t.Error("job not delivered after Watch returned")
	}
}

func TestClient_Poll_IgnoresBackwardsReport(t *testing.T) {
	backend := &fakeBackend{
		states: []JobState{
			{JobID: "j1", Status: "running"},
			{JobID: "j1", Status: "queued"},
		},
	}
	c := New(backend, backend, nil)
	job := c.Submit("j1", 1, CacheKey{})

	ctx := context.Background()
	if st, _ := c.Poll(ctx, job); st != StatusRunning {
		t.Fatalf("poll 1 = %v, want running", st)
	}
	if st, _ := c.Poll(ctx, job); st != StatusRunning {
		t.Errorf("poll 2 = %v, want running kept over stale queued report", st)
	}
}

func TestClient_Submit_InvalidatesCache(t *testing.T) {
	backend := &fakeBackend{
		states: []JobState{{JobID: "j1", Status: "completed", ResultRef: "r"}},
		result: testMask(),
	}
	c := New(backend, backend, nil)
	key := CacheKey{Patient: "p", Study: "s", Kind: "ct"}

	job := c.Submit("j1", 1, key)
	if _, err := c.Poll(context.Background(), job); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if _, ok := c.CachedResult(key); !ok {
		t.Fatal("result not cached")
	}

	c.Submit("j2", 2, key)
	if _, ok := c.CachedResult(key); ok {
		t.Error("cache survived a new submission for the same key")
	}
}

func TestClient_Watch_CompletesAndTimesOut(t *testing.T) {
	backend := &fakeBackend{
		states: []JobState{
			{JobID: "j1", Status: "queued"},
			{JobID: "j1", Status: "completed", ResultRef: "r"},
		},
		result: testMask(),
	}
	c := New(backend, backend, nil)
	job := c.Submit("j1", 1, CacheKey{})
	if err := c.Watch(context.Background(), job, time.Millisecond); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("Status = %v, want completed", job.Status)
	}

	stuck := &fakeBackend{states: []JobState{{JobID: "j2", Status: "queued"}}}
	c2 := New(stuck, stuck, nil, WithMaxElapsed(10*time.Millisecond))
	job2 := c2.Submit("j2", 1, CacheKey{})
	if err := c2.Watch(context.Background(), job2, time.Millisecond); !errors.Is(err, ErrJobTimeout) {
		t.Errorf("Watch() on stuck job error = %v, want ErrJobTimeout", err)
	}
}

func TestClient_Watch_ContextDeadline(t *testing.T) {
	stuck := &fakeBackend{states: []JobState{{JobID: "j1", Status: "queued"}}}
	c := New(stuck, stuck, nil)
	job := c.Submit("j1", 1, CacheKey{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := c.Watch(ctx, job, 50*time.Millisecond); !errors.Is(err, ErrJobTimeout) {
		t.Errorf("Watch() error = %v, want ErrJobTimeout on deadline", err)
	}
}

func TestClient_Backoff(t *testing.T) {
	c := New(nil, nil, nil, WithBackoff(100*time.Millisecond, time.Second))

	first := c.backoff(1)
	if first < 100*time.Millisecond || first > 125*time.Millisecond {
		t.Errorf("backoff(1) = %v, want base plus at most 25%% jitter", first)
	}
	deep := c.backoff(30)
	if deep < time.Second || deep > 1250*time.Millisecond {
		t.Errorf("backoff(30) = %v, want capped at 1s plus jitter", deep)
	}
}
