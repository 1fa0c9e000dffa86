package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RequestStatus is the lifecycle state of a tracked request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestResolved RequestStatus = "resolved"
	RequestTimedOut RequestStatus = "timed_out"
	RequestFailed   RequestStatus = "failed"
)

// Interval between sweep passes that reap leaked entries.
const sweepInterval = time.Minute

// RequestCallbacks are invoked as a tracked request progresses. All three
// are called outside the tracker's lock; at most one of OnResponse and
// OnFinalError fires per request.
type RequestCallbacks struct {
	// OnResponse receives the correlated response envelope.
	OnResponse func(*Envelope)

	// OnRetryNeeded asks the caller to resend the request over the
	// (possibly reconnected) transport.
	OnRetryNeeded func(env *Envelope, retryCount int)

	// OnFinalError reports timeout after exhausted retries or an
	// explicit failure.
	OnFinalError func(error)
}

type pendingRequest struct {
	uuid       string
	envelope   *Envelope
	targetIP   string
	retryCount int
	status     RequestStatus
	createdAt  time.Time
	timer      *clock.Timer
	callbacks  RequestCallbacks
}

// RequestTracker correlates outgoing requests to responses by UUID and owns
// all timeout and retry bookkeeping. A response resolves at most one entry,
// and resolution is idempotent against duplicate or late deliveries.
type RequestTracker struct {
	cfg   RequestConfig
	clock clock.Clock

	entries map[string]*pendingRequest
	mu      sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRequestTracker creates a request tracker. A nil clk uses wall time.
func NewRequestTracker(cfg RequestConfig, clk clock.Clock) *RequestTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &RequestTracker{
		cfg:     cfg,
		clock:   clk,
		entries: make(map[string]*pendingRequest),
	}
}

// Start launches the periodic sweep that reaps leaked entries.
func (t *RequestTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.sweepLoop(ctx)
}

// Stop stops the sweep and fails every outstanding request.
func (t *RequestTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	var failed []RequestCallbacks
	for uuid, entry := range t.entries {
		entry.timer.Stop()
		if entry.status == RequestPending {
			entry.status = RequestFailed
			failed = append(failed, entry.callbacks)
		}
		delete(t.entries, uuid)
	}
	t.mu.Unlock()

	for _, cb := range failed {
		if cb.OnFinalError != nil {
			cb.OnFinalError(ErrNotRunning)
		}
	}
}

// Add registers a request and arms its timeout timer.
func (t *RequestTracker) Add(uuid string, env *Envelope, targetIP string, cb RequestCallbacks) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[uuid]; exists {
		return ErrDuplicateRequest
	}

	entry := &pendingRequest{
		uuid:      uuid,
		envelope:  env,
		targetIP:  targetIP,
		status:    RequestPending,
		createdAt: t.clock.Now(),
		callbacks: cb,
	}
	entry.timer = t.clock.AfterFunc(t.cfg.Timeout, func() { t.onTimeout(uuid) })
	t.entries[uuid] = entry

	return nil
}

// HandleResponse resolves the entry matching uuid. It returns false without
// side effects when no Pending entry exists, which makes duplicate and late
// responses harmless.
func (t *RequestTracker) HandleResponse(uuid string, resp *Envelope) bool {
	t.mu.Lock()
	entry, ok := t.entries[uuid]
	if !ok || entry.status != RequestPending {
		t.mu.Unlock()
		return false
	}

	entry.timer.Stop()
	entry.status = RequestResolved
	delete(t.entries, uuid)
	cb := entry.callbacks
	t.mu.Unlock()

	if cb.OnResponse != nil {
		cb.OnResponse(resp)
	}
	return true
}

// HandleError immediately fails one tracked request.
func (t *RequestTracker) HandleError(uuid string, err error) bool {
	t.mu.Lock()
	entry, ok := t.entries[uuid]
	if !ok || entry.status != RequestPending {
		t.mu.Unlock()
		return false
	}

	entry.timer.Stop()
	entry.status = RequestFailed
	delete(t.entries, uuid)
	cb := entry.callbacks
	t.mu.Unlock()

	if cb.OnFinalError != nil {
		cb.OnFinalError(err)
	}
	return true
}

// HandleErrorByTargetIP fails every Pending request addressed to ip and
// returns the number of requests affected.
func (t *RequestTracker) HandleErrorByTargetIP(ip string, err error) int {
	t.mu.Lock()
	var failed []RequestCallbacks
	for uuid, entry := range t.entries {
		if entry.targetIP != ip || entry.status != RequestPending {
			continue
		}
		entry.timer.Stop()
		entry.status = RequestFailed
		delete(t.entries, uuid)
		failed = append(failed, entry.callbacks)
	}
	t.mu.Unlock()

	for _, cb := range failed {
		if cb.OnFinalError != nil {
			cb.OnFinalError(err)
		}
	}
	return len(failed)
}

// Cancel removes one entry without invoking any callback.
func (t *RequestTracker) Cancel(uuid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[uuid]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.entries, uuid)
	return true
}

// Pending returns the number of outstanding requests.
func (t *RequestTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// onTimeout fires when an attempt's response deadline passes. While the
// retry budget lasts the timer is rearmed and, after an incremental backoff,
// the caller is asked to resend; once spent the request times out for good.
func (t *RequestTracker) onTimeout(uuid string) {
	t.mu.Lock()
	entry, ok := t.entries[uuid]
	if !ok || entry.status != RequestPending {
		t.mu.Unlock()
		return
	}

	if entry.retryCount < t.cfg.MaxRetry {
		entry.retryCount++
		retry := entry.retryCount
		env := entry.envelope
		cb := entry.callbacks.OnRetryNeeded

		entry.timer = t.clock.AfterFunc(t.cfg.Timeout, func() { t.onTimeout(uuid) })
		t.mu.Unlock()

		delay := t.cfg.RetryDelay * time.Duration(retry)
		t.clock.AfterFunc(delay, func() {
			// A response may have landed while the retry delay ran; a
			// resolved request must not be retransmitted.
			t.mu.Lock()
			e, ok := t.entries[uuid]
			pending := ok && e.status == RequestPending
			t.mu.Unlock()
			if !pending {
				return
			}
			slog.Debug("retrying request", "uuid", uuid, "attempt", retry)
			if cb != nil {
				cb(env, retry)
			}
		})
		return
	}

	entry.status = RequestTimedOut
	delete(t.entries, uuid)
	cb := entry.callbacks
	t.mu.Unlock()

	slog.Debug("request timed out", "uuid", uuid, "target_ip", entry.targetIP)
	if cb.OnFinalError != nil {
		cb.OnFinalError(ErrRequestTimeout)
	}
}

// sweepLoop reaps entries that outlived every possible timer as a guard
// against leaks from lost callbacks.
func (t *RequestTracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := t.clock.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep deletes entries older than the worst-case request lifetime.
func (t *RequestTracker) sweep() {
	maxAge := t.cfg.Timeout*time.Duration(t.cfg.MaxRetry+1) + sweepInterval
	cutoff := t.clock.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	for uuid, entry := range t.entries {
		if entry.createdAt.Before(cutoff) {
			entry.timer.Stop()
			delete(t.entries, uuid)
			slog.Warn("swept leaked request entry", "uuid", uuid, "target_ip", entry.targetIP)
		}
	}
}
