// Package jobclient tracks asynchronous segmentation jobs: it polls a
// status endpoint, fetches the finished label mask, and hands it to the
// renderer's delivery cell stamped with the generation current at
// submission time.
//
// Transport stays external: the caller supplies StatusFetcher and
// ResultFetcher implementations (typically thin REST wrappers); this
// package owns only the state machine, backoff and caching.
package jobclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/medgpu/overlay"
)

// Job errors.
var (
	// ErrJobFailed is returned when a job reaches the failed state. The
	// wrapped message carries the last status verbatim.
	ErrJobFailed = errors.New("jobclient: job failed")

	// ErrJobTimeout is returned when polling exceeds its elapsed bound.
	ErrJobTimeout = errors.New("jobclient: job timed out")

	// ErrUnknownStatus is returned for a status string outside the state
	// machine.
	ErrUnknownStatus = errors.New("jobclient: unknown status")
)

// Status is a job lifecycle state. Transitions only move forward:
// Queued → Running → {Completed, Failed}. Terminal states absorb every
// later report.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

var statusNames = map[Status]string{
	StatusQueued:    "queued",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the state absorbs further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps a wire status string to a Status.
func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// JobState is one status report from the backend.
type JobState struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	ResultRef string `json:"resultRef,omitempty"`
}

// StatusFetcher reports the current state of a job.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (JobState, error)
}

// ResultFetcher retrieves a finished label mask by its result reference.
type ResultFetcher interface {
	FetchResult(ctx context.Context, resultRef string) (*overlay.Mask, error)
}

// Deliverer receives a fetched mask together with the generation the job
// was stamped with at submission. The renderer's Deliver method satisfies
// this signature.
type Deliverer func(mask *overlay.Mask, generation uint64)

// Job is one tracked segmentation request.
type Job struct {
	ID         string
	Key        CacheKey
	Generation uint64

	Status    Status
	Last      JobState
	Submitted time.Time
	Started   time.Time
	Finished  time.Time

	delivered bool
}

// Backoff parameters for transient poll failures.
const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 10 * time.Second
	defaultMaxElapsed  = 10 * time.Minute
)

// Client polls job status and delivers finished masks.
type Client struct {
	status  StatusFetcher
	results ResultFetcher
	deliver Deliverer

	flight singleflight.Group
	cache  resultCache

	backoffBase time.Duration
	backoffCap  time.Duration
	maxElapsed  time.Duration

	now  func() time.Time
	rand *rand.Rand
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBackoff overrides the transient-failure backoff base and cap.
func WithBackoff(base, limit time.Duration) ClientOption {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffCap = limit
	}
}

// WithMaxElapsed bounds how long Watch keeps polling one job.
func WithMaxElapsed(d time.Duration) ClientOption {
	return func(c *Client) { c.maxElapsed = d }
}

// New creates a job client. The deliverer is invoked once per completed
// job, on the polling goroutine.
func New(status StatusFetcher, results ResultFetcher, deliver Deliverer, opts ...ClientOption) *Client {
	c := &Client{
		status:      status,
		results:     results,
		deliver:     deliver,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		maxElapsed:  defaultMaxElapsed,
		now:         time.Now,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter, not crypto
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit starts tracking a job. The generation must be the renderer's
// current value so stale results can be discarded on delivery. Any cached
// result for the same key is invalidated.
func (c *Client) Submit(jobID string, generation uint64, key CacheKey) *Job {
	c.cache.Invalidate(key)
	job := &Job{
		ID:         jobID,
		Key:        key,
		Generation: generation,
		Status:     StatusQueued,
		Submitted:  c.now(),
	}
	overlay.Logger().Info("job submitted",
		"job", jobID, "generation", generation, "key", key)
	return job
}

// CachedResult returns the cached mask for a key, if one is present.
func (c *Client) CachedResult(key CacheKey) (*overlay.Mask, bool) {
	return c.cache.Get(key)
}

// Poll fetches the job's status once and advances its state machine.
// Terminal jobs return immediately without a fetch. Completion fetches and
// delivers the result; failure returns ErrJobFailed carrying the backend's
// last message.
//
// Concurrent polls of the same job collapse into one fetch.
func (c *Client) Poll(ctx context.Context, job *Job) (Status, error) {
	if job.Status.Terminal() {
		if job.Status == StatusFailed {
			return job.Status, failure(job)
		}
		// Completed but not delivered: an earlier result fetch failed
		// transiently. Retry it; complete is a no-op once delivered.
		if err := c.complete(ctx, job, job.Last); err != nil {
			return job.Status, err
		}
		return job.Status, nil
	}

	v, err, _ := c.flight.Do(job.ID, func() (any, error) {
		return c.status.FetchStatus(ctx, job.ID)
	})
	if err != nil {
		return job.Status, err
	}
	state := v.(JobState)

	next, err := ParseStatus(state.Status)
	if err != nil {
		return job.Status, err
	}
	return c.advance(ctx, job, state, next)
}

// advance applies one status report. Reports that would move the machine
// backwards are ignored.
func (c *Client) advance(ctx context.Context, job *Job, state JobState, next Status) (Status, error) {
	job.Last = state
	if next < job.Status {
		overlay.Logger().Warn("ignoring backwards status report",
			"job", job.ID, "current", job.Status, "reported", next)
		return job.Status, nil
	}

	if next >= StatusRunning && job.Started.IsZero() {
		job.Started = c.now()
	}
	if next.Terminal() && job.Finished.IsZero() {
		job.Finished = c.now()
	}
	job.Status = next

	switch next {
	case StatusCompleted:
		if err := c.complete(ctx, job, state); err != nil {
			return job.Status, err
		}
	case StatusFailed:
		overlay.Logger().Warn("job failed",
			"job", job.ID, "message", state.Message)
		return job.Status, failure(job)
	}
	return job.Status, nil
}

// complete fetches the finished mask, caches it and hands it to the
// deliverer stamped with the job's generation. Delivery happens once.
func (c *Client) complete(ctx context.Context, job *Job, state JobState) error {
	if job.delivered {
		return nil
	}
	mask, err := c.results.FetchResult(ctx, state.ResultRef)
	if err != nil {
		return fmt.Errorf("fetch result for job %s: %w", job.ID, err)
	}
	c.cache.Put(job.Key, mask)
	if c.deliver != nil {
		c.deliver(mask, job.Generation)
	}
	job.delivered = true
	overlay.Logger().Info("job result delivered",
		"job", job.ID, "generation", job.Generation,
		"elapsed", job.Finished.Sub(job.Submitted))
	return nil
}

// Watch polls a job at the given interval until it reaches a terminal
// state. Transient fetch errors back off exponentially with jitter;
// exceeding the client's elapsed bound returns ErrJobTimeout.
func (c *Client) Watch(ctx context.Context, job *Job, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	start := c.now()
	failures := 0

	for {
		status, err := c.Poll(ctx, job)
		switch {
		case status == StatusFailed:
			return err
		case status == StatusCompleted && err == nil:
			return nil
		case err != nil:
			// Transient status or result fetch failure; the job may
			// already be completed with its delivery still pending.
			failures++
			overlay.Logger().Warn("job poll failed, backing off",
				"job", job.ID, "failures", failures, "error", err)
		default:
			failures = 0
		}

		if c.now().Sub(start) > c.maxElapsed {
			return fmt.Errorf("%w: job %s after %v", ErrJobTimeout, job.ID, c.maxElapsed)
		}

		wait := interval
		if failures > 0 {
			wait = c.backoff(failures)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: job %s: %v", ErrJobTimeout, job.ID, ctx.Err())
			}
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// backoff returns the wait before retry n (1-based): exponential from the
// base, capped, with up to 25% random jitter.
func (c *Client) backoff(n int) time.Duration {
	d := c.backoffBase << uint(n-1)
	if d > c.backoffCap || d <= 0 {
		d = c.backoffCap
	}
	jitter := time.Duration(c.rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func failure(job *Job) error {
	return fmt.Errorf("%w: job %s: %s", ErrJobFailed, job.ID, job.Last.Message)
}
