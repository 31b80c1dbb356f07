package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"docuchat/pkg/errclass"
	"docuchat/pkg/retry"
)

// Mode selects the wire mechanism a stream is read over.
type Mode int

const (
	// ModeChunked reads a single pull-based chunked response body (NDJSON).
	ModeChunked Mode = iota
	// ModeSSE reads a long-lived server-push text channel.
	ModeSSE
	// ModeWebSocket reads a full-duplex socket, one event per message.
	ModeWebSocket
)

// Handlers are the lifecycle callbacks every mechanism is presented through.
// All callbacks for one stream fire from a single goroutine, in order.
type Handlers struct {
	OnConnect    func()
	OnData       func(Event)
	OnError      func(message string)
	OnComplete   func()
	OnDisconnect func()
	OnRetry      func(attempt int)
}

// Request describes where and how to open a stream.
type Request struct {
	URL    string
	Mode   Mode
	Body   []byte // request body for chunked mode (POST when non-nil)
	Header http.Header
}

// Transport reads any of the three wire mechanisms and drives reconnection
// through the retry engine. Exactly one active attempt is tracked per
// streamID; starting a new attempt with the same id cancels the prior one.
type Transport struct {
	client *http.Client
	dialer *websocket.Dialer
	engine *retry.Engine
	log    *logrus.Logger

	mu      sync.Mutex
	streams map[string]*streamState
}

// streamState tracks one attempt. mu guards closed and timer, and is held
// across callback invocations so Cancel returning means no callback is in
// flight and none will fire.
type streamState struct {
	id     string
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	timer  *time.Timer
}

// Internal sentinels distinguishing terminal stream events from transport
// failures inside the read loop.
var (
	errStreamComplete = errors.New("stream complete")
	errStreamClosed   = errors.New("stream closed before terminal event")
)

// terminalError carries a server-emitted terminal error event; it is never
// retried.
type terminalError struct{ message string }

func (e *terminalError) Error() string { return e.message }

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.client = c }
}

// WithDialer overrides the default websocket dialer.
func WithDialer(d *websocket.Dialer) TransportOption {
	return func(t *Transport) { t.dialer = d }
}

// WithEngine overrides the retry engine (and with it the backoff policy and
// attempt ceiling).
func WithEngine(e *retry.Engine) TransportOption {
	return func(t *Transport) { t.engine = e }
}

// WithTransportLogger overrides the default logger.
func WithTransportLogger(l *logrus.Logger) TransportOption {
	return func(t *Transport) { t.log = l }
}

// NewTransport creates a transport. By default reconnects use
// retry.DefaultPolicy with the transport classifier (network, timeout,
// rate_limit and server kinds only).
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		client:  &http.Client{},
		dialer:  websocket.DefaultDialer,
		log:     logrus.StandardLogger(),
		streams: make(map[string]*streamState),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.engine == nil {
		t.engine = retry.NewEngine(retry.DefaultPolicy(),
			retry.WithClassifier(retry.TransportClassifier),
			retry.WithLogger(t.log))
	}
	return t
}

// RetryState exposes the current retry state for a stream, if any.
func (t *Transport) RetryState(streamID string) (retry.State, bool) {
	return t.engine.State(streamID)
}

// Start opens a stream for the given id, cancelling any prior attempt with
// the same id first.
func (t *Transport) Start(streamID string, req Request, h Handlers) {
	t.Cancel(streamID)

	ctx, cancel := context.WithCancel(context.Background())
	st := &streamState{id: streamID, cancel: cancel}

	t.mu.Lock()
	t.streams[streamID] = st
	t.mu.Unlock()

	go t.run(ctx, st, req, h)
}

// Cancel aborts the stream with the given id. It is always safe to call,
// including on an id with no active stream: the underlying I/O is aborted,
// any pending retry timer is invalidated, and no further callbacks fire.
func (t *Transport) Cancel(streamID string) {
	t.mu.Lock()
	st := t.streams[streamID]
	delete(t.streams, streamID)
	t.mu.Unlock()

	if st == nil {
		return
	}
	st.mu.Lock()
	st.closed = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.mu.Unlock()
	st.cancel()
	t.engine.RecordSuccess(streamID)
}

// remove drops bookkeeping for a naturally finished stream.
func (t *Transport) remove(st *streamState) {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	st.cancel()
	t.mu.Lock()
	if t.streams[st.id] == st {
		delete(t.streams, st.id)
	}
	t.mu.Unlock()
}

// emit invokes a callback unless the stream has been cancelled. The callback
// runs under the state mutex: a concurrent Cancel blocks until it returns,
// and once Cancel has returned no further callback fires. Callbacks must not
// call back into the transport for the same stream id.
func (st *streamState) emit(fn func()) {
	if fn == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	fn()
}

func (st *streamState) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// run is the per-stream goroutine: connect, read until terminal, and
// reconnect on transient failure while the retry engine allows it.
func (t *Transport) run(ctx context.Context, st *streamState, req Request, h Handlers) {
	for {
		connected, err := t.connectAndRead(ctx, st, req, h)

		if ctx.Err() != nil {
			// Intentional cancel: no further callbacks.
			return
		}

		if errors.Is(err, errStreamComplete) {
			st.emit(func() {
				if h.OnComplete != nil {
					h.OnComplete()
				}
			})
			t.engine.RecordSuccess(st.id)
			t.remove(st)
			return
		}

		var term *terminalError
		if errors.As(err, &term) {
			// Server-emitted terminal error: surfaced, never reconnected.
			st.emit(func() {
				if h.OnError != nil {
					h.OnError(term.message)
				}
			})
			t.engine.RecordSuccess(st.id)
			t.remove(st)
			return
		}

		if connected {
			st.emit(func() {
				if h.OnDisconnect != nil {
					h.OnDisconnect()
				}
			})
		}

		state, delay, ok := t.engine.RecordFailure(st.id, err)
		if !ok {
			c := errclass.Classify(err)
			st.emit(func() {
				if h.OnError != nil {
					h.OnError(c.Error())
				}
			})
			t.remove(st)
			return
		}

		attempt := state.Attempt
		st.emit(func() {
			if h.OnRetry != nil {
				h.OnRetry(attempt)
			}
		})
		t.log.WithFields(logrus.Fields{
			"stream":  st.id,
			"attempt": attempt,
			"delay":   delay,
		}).Debug("stream reconnect scheduled")

		timer := time.NewTimer(delay)
		st.mu.Lock()
		st.timer = timer
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if st.isClosed() {
			return
		}
	}
}

// connectAndRead opens one attempt and reads it to a terminal event. The
// bool reports whether a connection was established before failure.
func (t *Transport) connectAndRead(ctx context.Context, st *streamState, req Request, h Handlers) (bool, error) {
	switch req.Mode {
	case ModeWebSocket:
		return t.readWebSocket(ctx, st, req, h)
	default:
		return t.readHTTP(ctx, st, req, h)
	}
}

// readHTTP serves both the chunked-body and SSE mechanisms; they differ only
// in request shape and line framing.
func (t *Transport) readHTTP(ctx context.Context, st *streamState, req Request, h Handlers) (bool, error) {
	method := http.MethodGet
	var body io.Reader
	if req.Mode == ModeChunked && req.Body != nil {
		method = http.MethodPost
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return false, errclass.New(errclass.KindValidation, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Mode == ModeSSE {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, classifyResponse(resp)
	}

	st.emit(func() {
		if h.OnConnect != nil {
			h.OnConnect()
		}
	})

	return true, t.readLines(resp.Body, st, h, req.Mode == ModeSSE)
}

// classifyResponse maps a failure status onto the taxonomy, honoring the
// Retry-After header and the {error, code, retryable, retryAfter} body shape.
func classifyResponse(resp *http.Response) *errclass.Classified {
	var retryAfter time.Duration
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	var payload struct {
		Error      string `json:"error"`
		Code       string `json:"code"`
		RetryAfter int    `json:"retryAfter"`
	}
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && len(raw) > 0 {
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
			if retryAfter == 0 && payload.RetryAfter > 0 {
				retryAfter = time.Duration(payload.RetryAfter) * time.Second
			}
		}
	}

	return errclass.FromStatus(resp.StatusCode, retryAfter, errors.New(msg))
}

// readLines decodes the byte stream incrementally with a trailing-buffer
// strategy: each read appends to the buffer, complete lines are parsed, and
// the trailing partial line is retained for the next read.
func (t *Transport) readLines(r io.Reader, st *streamState, h Handlers, sse bool) error {
	buf := make([]byte, 4096)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				if termErr := t.handleLine(line, st, h, sse); termErr != nil {
					return termErr
				}
			}
		}
		if err == io.EOF {
			return errclass.New(errclass.KindNetwork, errStreamClosed)
		}
		if err != nil {
			return err
		}
	}
}

// handleLine parses one framed line and dispatches the event. A line that
// fails to parse is logged and skipped — it never aborts the stream.
// Terminal events are reported through the sentinel return.
func (t *Transport) handleLine(line []byte, st *streamState, h Handlers, sse bool) error {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return nil
	}
	if sse {
		if bytes.HasPrefix(line, []byte(":")) {
			return nil // keepalive comment
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			return nil
		}
		line = bytes.TrimPrefix(line, []byte("data: "))
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		t.log.WithField("stream", st.id).WithError(err).Warn("skipping unparsable event line")
		return nil
	}

	st.emit(func() {
		if h.OnData != nil {
			h.OnData(ev)
		}
	})

	switch ev.Type {
	case EventComplete:
		return errStreamComplete
	case EventError:
		return &terminalError{message: ev.ErrorMessage()}
	}
	return nil
}

// readWebSocket reads the full-duplex socket mechanism: one event envelope
// per text message.
func (t *Transport) readWebSocket(ctx context.Context, st *streamState, req Request, h Handlers) (bool, error) {
	conn, _, err := t.dialer.DialContext(ctx, req.URL, req.Header)
	if err != nil {
		return false, errclass.New(errclass.KindNetwork, err)
	}
	defer conn.Close()

	// Abort the blocking read when the stream is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	st.emit(func() {
		if h.OnConnect != nil {
			h.OnConnect()
		}
	})

	if req.Body != nil {
		if err := conn.WriteMessage(websocket.TextMessage, req.Body); err != nil {
			return true, errclass.New(errclass.KindNetwork, err)
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, errclass.New(errclass.KindNetwork, err)
		}
		// A message may carry several newline-separated envelopes.
		for _, line := range bytes.Split(msg, []byte("\n")) {
			if termErr := t.handleLine(line, st, h, false); termErr != nil {
				return true, termErr
			}
		}
	}
}
