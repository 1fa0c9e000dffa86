package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackerRecorder collects callback invocations across goroutines.
type trackerRecorder struct {
	mu        sync.Mutex
	responses []*Envelope
	retries   []int
	errs      []error
}

func (r *trackerRecorder) callbacks() RequestCallbacks {
	return RequestCallbacks{
		OnResponse: func(env *Envelope) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.responses = append(r.responses, env)
		},
		OnRetryNeeded: func(env *Envelope, retry int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.retries = append(r.retries, retry)
		},
		OnFinalError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *trackerRecorder) responseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

func (r *trackerRecorder) retryCounts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.retries...)
}

func (r *trackerRecorder) finalErrs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// advanceClock moves a mock clock forward in small steps so timers armed by
// earlier callbacks are registered before later deadlines pass.
func advanceClock(mock *clock.Mock, total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		mock.Add(step)
		time.Sleep(time.Millisecond)
	}
}

func newTestTracker(cfg RequestConfig) (*RequestTracker, *clock.Mock) {
	mock := clock.NewMock()
	return NewRequestTracker(cfg, mock), mock
}

func TestTrackerResolveBeforeTimeout(t *testing.T) {
	tracker, _ := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   3,
		RetryDelay: 10 * time.Millisecond,
	})

	rec := &trackerRecorder{}
	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", rec.callbacks()))
	assert.Equal(t, 1, tracker.Pending())

	resp := NewResponse(req, nil, ResultOK, "", nil, "")
	assert.True(t, tracker.HandleResponse(req.RequestUUID, resp))

	assert.Equal(t, 1, rec.responseCount())
	assert.Empty(t, rec.finalErrs())
	assert.Equal(t, 0, tracker.Pending())
}

func TestTrackerDuplicateResponseIgnored(t *testing.T) {
	tracker, _ := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   3,
		RetryDelay: 10 * time.Millisecond,
	})

	rec := &trackerRecorder{}
	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", rec.callbacks()))

	resp := NewResponse(req, nil, ResultOK, "", nil, "")
	assert.True(t, tracker.HandleResponse(req.RequestUUID, resp))
	assert.False(t, tracker.HandleResponse(req.RequestUUID, resp))
	assert.False(t, tracker.HandleResponse("unknown-uuid", resp))

	assert.Equal(t, 1, rec.responseCount())
}

func TestTrackerDuplicateAdd(t *testing.T) {
	tracker, _ := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   3,
		RetryDelay: 10 * time.Millisecond,
	})

	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", RequestCallbacks{}))
	assert.ErrorIs(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", RequestCallbacks{}), ErrDuplicateRequest)
}

func TestTrackerRetriesThenTimesOut(t *testing.T) {
	tracker, mock := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   2,
		RetryDelay: 10 * time.Millisecond,
	})

	rec := &trackerRecorder{}
	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", rec.callbacks()))

	// three attempts of 100ms each plus retry delays
	advanceClock(mock, 500*time.Millisecond, 10*time.Millisecond)

	assert.Equal(t, []int{1, 2}, rec.retryCounts())
	errs := rec.finalErrs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRequestTimeout)
	assert.Equal(t, 0, rec.responseCount())
	assert.Equal(t, 0, tracker.Pending())
}

func TestTrackerResponseDuringRetryWindow(t *testing.T) {
	tracker, mock := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   3,
		RetryDelay: 10 * time.Millisecond,
	})

	rec := &trackerRecorder{}
	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", rec.callbacks()))

	// let the first attempt time out and one retry fire
	advanceClock(mock, 150*time.Millisecond, 10*time.Millisecond)
	require.NotEmpty(t, rec.retryCounts())

	resp := NewResponse(req, nil, ResultOK, "", nil, "")
	assert.True(t, tracker.HandleResponse(req.RequestUUID, resp))

	// no further timers should fire for the resolved request
	advanceClock(mock, 500*time.Millisecond, 10*time.Millisecond)

	assert.Equal(t, 1, rec.responseCount())
	assert.Empty(t, rec.finalErrs())
}

func TestTrackerResponseDuringRetryDelaySuppressesResend(t *testing.T) {
	tracker, mock := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   2,
		RetryDelay: 50 * time.Millisecond,
	})

	rec := &trackerRecorder{}
	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", rec.callbacks()))

	// fire the attempt timeout; the resend is now scheduled but not yet due
	advanceClock(mock, 100*time.Millisecond, 10*time.Millisecond)
	require.Empty(t, rec.retryCounts())

	resp := NewResponse(req, nil, ResultOK, "", nil, "")
	require.True(t, tracker.HandleResponse(req.RequestUUID, resp))

	// the delayed resend must notice the request is resolved and stay quiet
	advanceClock(mock, 500*time.Millisecond, 10*time.Millisecond)

	assert.Empty(t, rec.retryCounts())
	assert.Equal(t, 1, rec.responseCount())
	assert.Empty(t, rec.finalErrs())
}

func TestTrackerHandleError(t *testing.T) {
	tracker, _ := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   3,
		RetryDelay: 10 * time.Millisecond,
	})

	rec := &trackerRecorder{}
	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", rec.callbacks()))

	assert.True(t, tracker.HandleError(req.RequestUUID, ErrNotConnected))
	assert.False(t, tracker.HandleError(req.RequestUUID, ErrNotConnected))

	errs := rec.finalErrs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNotConnected)
}

func TestTrackerHandleErrorByTargetIP(t *testing.T) {
	tracker, _ := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   3,
		RetryDelay: 10 * time.Millisecond,
	})

	recA := &trackerRecorder{}
	recB := &trackerRecorder{}

	for i := 0; i < 3; i++ {
		req := NewRequest("ping", nil)
		require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", recA.callbacks()))
	}
	other := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(other.RequestUUID, other, "10.0.0.9", recB.callbacks()))

	n := tracker.HandleErrorByTargetIP("10.0.0.5", ErrMaxRetryExceeded)
	assert.Equal(t, 3, n)

	errs := recA.finalErrs()
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrMaxRetryExceeded)
	}

	// the request to the other peer is untouched
	assert.Empty(t, recB.finalErrs())
	assert.Equal(t, 1, tracker.Pending())

	assert.Equal(t, 0, tracker.HandleErrorByTargetIP("10.0.0.5", ErrMaxRetryExceeded))
}

func TestTrackerCancel(t *testing.T) {
	tracker, mock := newTestTracker(RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   3,
		RetryDelay: 10 * time.Millisecond,
	})

	rec := &trackerRecorder{}
	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", rec.callbacks()))

	assert.True(t, tracker.Cancel(req.RequestUUID))
	assert.False(t, tracker.Cancel(req.RequestUUID))

	advanceClock(mock, 500*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, rec.finalErrs())
	assert.Empty(t, rec.retryCounts())
}

func TestTrackerStopFailsOutstanding(t *testing.T) {
	tracker, _ := newTestTracker(RequestConfig{
		Timeout:    time.Minute,
		MaxRetry:   3,
		RetryDelay: time.Second,
	})
	tracker.Start(context.Background())

	rec := &trackerRecorder{}
	req := NewRequest("ping", nil)
	require.NoError(t, tracker.Add(req.RequestUUID, req, "10.0.0.5", rec.callbacks()))

	tracker.Stop()

	errs := rec.finalErrs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNotRunning)
	assert.Equal(t, 0, tracker.Pending())
}

func TestTrackerSweepReapsLeakedEntries(t *testing.T) {
	cfg := RequestConfig{
		Timeout:    100 * time.Millisecond,
		MaxRetry:   1,
		RetryDelay: 10 * time.Millisecond,
	}
	tracker, mock := newTestTracker(cfg)
	tracker.Start(context.Background())
	defer tracker.Stop()

	// inject an entry whose timer never fires, simulating a lost callback
	tracker.mu.Lock()
	tracker.entries["leaked"] = &pendingRequest{
		uuid:      "leaked",
		envelope:  NewRequest("ping", nil),
		targetIP:  "10.0.0.5",
		status:    RequestPending,
		createdAt: mock.Now().Add(-time.Hour),
		timer:     mock.AfterFunc(time.Hour, func() {}),
	}
	tracker.mu.Unlock()

	advanceClock(mock, 2*sweepInterval, sweepInterval/4)

	assert.Equal(t, 0, tracker.Pending())
}
