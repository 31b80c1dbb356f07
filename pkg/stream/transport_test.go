package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuchat/pkg/retry"
)

// fastEngine returns a retry engine with millisecond delays so reconnection
// tests finish quickly and deterministically.
func fastEngine(maxAttempts int) *retry.Engine {
	return retry.NewEngine(retry.Policy{
		BaseDelay:     1 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Millisecond,
		MinDelay:      0,
		MaxAttempts:   maxAttempts,
		JitterFrac:    0,
	}, retry.WithClassifier(retry.TransportClassifier))
}

func mustEvent(t *testing.T, typ EventType, payload interface{}, messageID string) Event {
	t.Helper()
	ev, err := NewEvent(typ, payload, messageID)
	require.NoError(t, err)
	return ev
}

func writeEvent(t *testing.T, w http.ResponseWriter, ev Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	fmt.Fprintf(w, "%s\n", data)
	w.(http.Flusher).Flush()
}

// collector records callback invocations in order.
type collector struct {
	mu       sync.Mutex
	events   []Event
	errors   []string
	retries  []int
	complete chan struct{}
	failed   chan struct{}
}

func newCollector() *collector {
	return &collector{
		complete: make(chan struct{}),
		failed:   make(chan struct{}),
	}
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnData: func(ev Event) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		},
		OnError: func(msg string) {
			c.mu.Lock()
			c.errors = append(c.errors, msg)
			c.mu.Unlock()
			close(c.failed)
		},
		OnComplete: func() { close(c.complete) },
		OnRetry: func(attempt int) {
			c.mu.Lock()
			c.retries = append(c.retries, attempt)
			c.mu.Unlock()
		},
	}
}

func (c *collector) snapshot() ([]Event, []string, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...), append([]string(nil), c.errors...), append([]int(nil), c.retries...)
}

func waitClosed(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestChunkedStreamOrderedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/x-ndjson")
		writeEvent(t, w, mustEvent(t, EventStatus, StatusData{Status: "generating", Message: "working"}, "m1"))
		writeEvent(t, w, mustEvent(t, EventToken, "Hello ", "m1"))
		writeEvent(t, w, mustEvent(t, EventToken, "world", "m1"))
		writeEvent(t, w, mustEvent(t, EventComplete, nil, "m1"))
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()
	tr.Start("m1", Request{URL: srv.URL, Mode: ModeChunked, Body: []byte(`{"prompt":"hi"}`)}, col.handlers())

	waitClosed(t, col.complete, "complete")

	events, errs, retries := col.snapshot()
	require.Empty(t, errs)
	require.Empty(t, retries)
	require.Len(t, events, 4)

	want := []EventType{EventStatus, EventToken, EventToken, EventComplete}
	for i, typ := range want {
		assert.Equal(t, typ, events[i].Type, "event %d", i)
		assert.Equal(t, "m1", events[i].MessageID)
	}

	// Stream finished: retry state cleared.
	_, ok := tr.RetryState("m1")
	assert.False(t, ok)
}

func TestServerErrorEventIsTerminal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeEvent(t, w, mustEvent(t, EventToken, "partial ", "m2"))
		writeEvent(t, w, mustEvent(t, EventError, "model exploded", "m2"))
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()
	tr.Start("m2", Request{URL: srv.URL, Mode: ModeChunked}, col.handlers())

	waitClosed(t, col.failed, "error")

	events, errs, retries := col.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, "model exploded", errs[0])
	assert.Empty(t, retries, "a server error event is never reconnected")
	assert.Equal(t, int32(1), requests.Load())

	// The partial token arrived before the error.
	require.Len(t, events, 2)
	assert.Equal(t, EventToken, events[0].Type)
}

func TestUnparsableLineSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, mustEvent(t, EventToken, "ok ", "m3"))
		fmt.Fprint(w, "{this is not json\n")
		w.(http.Flusher).Flush()
		writeEvent(t, w, mustEvent(t, EventToken, "still ok", "m3"))
		writeEvent(t, w, mustEvent(t, EventComplete, nil, "m3"))
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()
	tr.Start("m3", Request{URL: srv.URL, Mode: ModeChunked}, col.handlers())

	waitClosed(t, col.complete, "complete")

	events, errs, _ := col.snapshot()
	require.Empty(t, errs)
	require.Len(t, events, 3, "garbage line skipped, stream continued")
}

func TestReconnectAfterTruncatedStream(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n == 1 {
			// Connection drops before any terminal event.
			writeEvent(t, w, mustEvent(t, EventToken, "first-attempt ", "m4"))
			return
		}
		writeEvent(t, w, mustEvent(t, EventToken, "second-attempt", "m4"))
		writeEvent(t, w, mustEvent(t, EventComplete, nil, "m4"))
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()
	tr.Start("m4", Request{URL: srv.URL, Mode: ModeChunked}, col.handlers())

	waitClosed(t, col.complete, "complete")

	_, errs, retries := col.snapshot()
	require.Empty(t, errs)
	require.Equal(t, []int{1}, retries)
	assert.Equal(t, int32(2), requests.Load())
}

func TestRetriesExhaustedSurfacesError(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		// Always truncate: EOF without a terminal event.
		writeEvent(t, w, mustEvent(t, EventToken, "x", "m5"))
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()
	tr.Start("m5", Request{URL: srv.URL, Mode: ModeChunked}, col.handlers())

	waitClosed(t, col.failed, "error")

	_, errs, retries := col.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, []int{1, 2}, retries, "two scheduled retries before the third failure exhausts")
	assert.Equal(t, int32(3), requests.Load())

	_, ok := tr.RetryState("m5")
	assert.False(t, ok, "state cleared after exhaustion")
}

func TestRateLimitedResponseClassified(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":     "slow down",
				"retryable": true,
			})
			return
		}
		writeEvent(t, w, mustEvent(t, EventComplete, nil, "m6"))
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()
	tr.Start("m6", Request{URL: srv.URL, Mode: ModeChunked}, col.handlers())

	waitClosed(t, col.complete, "complete")

	_, errs, retries := col.snapshot()
	require.Empty(t, errs)
	assert.Equal(t, []int{1}, retries, "429 is retryable")
}

func TestValidationStatusNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     "prompt must not be empty",
			"retryable": false,
		})
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()
	tr.Start("m7", Request{URL: srv.URL, Mode: ModeChunked}, col.handlers())

	waitClosed(t, col.failed, "error")

	_, errs, retries := col.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "prompt must not be empty")
	assert.Empty(t, retries)
	assert.Equal(t, int32(1), requests.Load())
}

func TestCancelStopsCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, mustEvent(t, EventToken, "before-cancel", "m8"))
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()

	gotFirst := make(chan struct{})
	h := col.handlers()
	base := h.OnData
	var once sync.Once
	h.OnData = func(ev Event) {
		base(ev)
		once.Do(func() { close(gotFirst) })
	}

	tr.Start("m8", Request{URL: srv.URL, Mode: ModeChunked}, h)
	waitClosed(t, gotFirst, "first event")

	tr.Cancel("m8")

	// No terminal callback may fire after cancel.
	select {
	case <-col.complete:
		t.Fatal("OnComplete fired after cancel")
	case <-col.failed:
		t.Fatal("OnError fired after cancel")
	case <-time.After(100 * time.Millisecond):
	}

	_, ok := tr.RetryState("m8")
	assert.False(t, ok)

	// Cancelling an unknown id is a no-op.
	tr.Cancel("never-started")
}

func TestSSEModeFraming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprint(w, ": keepalive\n\n")
		w.(http.Flusher).Flush()

		for _, ev := range []Event{
			mustEvent(t, EventToken, "sse ", "m9"),
			mustEvent(t, EventToken, "works", "m9"),
			mustEvent(t, EventComplete, nil, "m9"),
		} {
			data, err := json.Marshal(ev)
			require.NoError(t, err)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))
	col := newCollector()
	tr.Start("m9", Request{URL: srv.URL, Mode: ModeSSE}, col.handlers())

	waitClosed(t, col.complete, "complete")

	events, errs, _ := col.snapshot()
	require.Empty(t, errs)
	require.Len(t, events, 3)
	tok, err := events[0].Token()
	require.NoError(t, err)
	assert.Equal(t, "sse ", tok)
}

func TestStartSameIDCancelsPrior(t *testing.T) {
	blocked := make(chan struct{})
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			writeEvent(t, w, mustEvent(t, EventToken, "first", "m10"))
			<-r.Context().Done()
			close(blocked)
			return
		}
		writeEvent(t, w, mustEvent(t, EventComplete, nil, "m10"))
	}))
	defer srv.Close()

	tr := NewTransport(WithEngine(fastEngine(3)))

	first := newCollector()
	tr.Start("m10", Request{URL: srv.URL, Mode: ModeChunked}, first.handlers())
	time.Sleep(50 * time.Millisecond) // let the first attempt connect

	second := newCollector()
	tr.Start("m10", Request{URL: srv.URL, Mode: ModeChunked}, second.handlers())

	waitClosed(t, second.complete, "second stream complete")
	waitClosed(t, blocked, "first request aborted")

	select {
	case <-first.complete:
		t.Fatal("first stream completed after being superseded")
	default:
	}
}

func TestCancelWaitsForInFlightCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, mustEvent(t, EventToken, "one", "m11"))
		writeEvent(t, w, mustEvent(t, EventToken, "two", "m11"))
		<-r.Context().Done()
	}))
	defer srv.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var afterCancel atomic.Bool
	var firedAfterCancel atomic.Bool

	tr := NewTransport(WithEngine(fastEngine(3)))
	tr.Start("m11", Request{URL: srv.URL, Mode: ModeChunked}, Handlers{
		OnData: func(ev Event) {
			if afterCancel.Load() {
				firedAfterCancel.Store(true)
			}
			tok, _ := ev.Token()
			if tok == "one" {
				close(entered)
				<-release
			}
		},
	})

	waitClosed(t, entered, "first callback entered")

	cancelled := make(chan struct{})
	go func() {
		tr.Cancel("m11")
		close(cancelled)
	}()

	// Cancel must not return while a callback is still executing.
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while a callback was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitClosed(t, cancelled, "Cancel returned")
	afterCancel.Store(true)

	// Once Cancel has returned, the buffered second event must never reach
	// the callback.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, firedAfterCancel.Load(), "callback fired after Cancel returned")
}
