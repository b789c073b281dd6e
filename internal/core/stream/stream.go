// Package stream maintains the long-lived server-push event channel for a
// basestation's device group. It opens the subscription, parses inbound
// frames, keeps the server-side subscription alive with periodic pings, and
// reports everything through a single event callback.
//
// One Manager owns at most one physical connection. Open is single-flight:
// concurrent callers that each observe a closed stream share one connection
// attempt instead of racing.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusClosed     Status = "closed"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusErroring   Status = "erroring"
)

// EventType classifies stream events.
type EventType string

const (
	// EventOpened fires once per connection when the server reports the
	// subscription is live. It is not a message event.
	EventOpened EventType = "opened"
	// EventMessage is a deliverable payload, usually a command acknowledgement.
	EventMessage EventType = "message"
	// EventPong is the server's reply to a keepalive ping.
	EventPong EventType = "pong"
	// EventError reports a malformed frame or transport failure.
	EventError EventType = "error"
	// EventClosed fires once when the connection is gone.
	EventClosed EventType = "closed"
)

// Message is a parsed frame payload.
type Message struct {
	TransID    string          `json:"transId"`
	Status     string          `json:"status"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	From       string          `json:"from"`
	Properties json.RawMessage `json:"properties"`

	// Raw is the unparsed payload the message was decoded from.
	Raw json.RawMessage `json:"-"`
}

// Event is delivered to the Manager's OnEvent callback, in frame order, from
// the read goroutine.
type Event struct {
	Type    EventType
	Message *Message
	Err     error
}

// ProtocolError reports a frame whose data line was not valid JSON. It does
// not terminate the stream.
type ProtocolError struct {
	Data []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream: malformed frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Pinger sends the keepalive command for the subscribed basestation. The ping
// is an ordinary device command, not a transport-level ping; its reply comes
// back through the stream as a pong event.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to the Pinger interface.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config configures a Manager.
type Config struct {
	// SubscribeURL is the full subscription endpoint.
	SubscribeURL string
	// XCloudID is the cloud-scope identifier of the target basestation.
	XCloudID string
	// HTTPClient issues the subscribe request. Required.
	HTTPClient *http.Client
	// Headers returns the authenticated header set for the subscribe request.
	Headers func() http.Header
	// Pinger keeps the server-side subscription alive. Optional.
	Pinger Pinger
	// PingInterval defaults to 30s.
	PingInterval time.Duration
	// OpenTimeout bounds the wait for the first "connected" frame. Defaults to 15s.
	OpenTimeout time.Duration
	// OnEvent receives all stream events. Optional.
	OnEvent func(Event)
	Logger  *slog.Logger
}

// Manager owns one subscription connection and its keepalive schedule.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	status        Status
	closing       bool
	inflight      *openCall
	cancel        context.CancelFunc
	lastKeepalive time.Time
}

type openCall struct {
	done chan struct{}
	err  error
}

// New creates a Manager. It does not connect; call Open.
func New(cfg Config) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 15 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log, status: StatusClosed}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Streaming reports whether the transport is up. An erroring stream is still
// up; only the transport layer tears it down.
func (m *Manager) Streaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusOpen || m.status == StatusErroring
}

// LastKeepalive returns when the server last answered a ping.
func (m *Manager) LastKeepalive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastKeepalive
}

// Open establishes the subscription and returns once the server reports it
// connected. Concurrent callers share a single connection attempt. Opening an
// already-open stream is a no-op.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusOpen || m.status == StatusErroring {
		m.mu.Unlock()
		return nil
	}
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-call.done:
			return call.err
		}
	}

	call := &openCall{done: make(chan struct{})}
	m.inflight = call
	m.closing = false
	m.status = StatusConnecting

	// The connection must outlive the Open caller, so the read loop runs on
	// its own context; Close cancels it.
	connCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.connect(connCtx, call)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.done:
		return call.err
	}
}

// Close releases the transport and cancels the keepalive schedule. It is
// idempotent; closing a closed stream is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.status == StatusClosed && m.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, call *openCall) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.SubscribeURL, nil)
	if err != nil {
		m.failOpen(call, fmt.Errorf("stream: build request: %w", err))
		return
	}
	if m.cfg.Headers != nil {
		for k, vs := range m.cfg.Headers() {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("xcloudId", m.cfg.XCloudID)

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		m.failOpen(call, fmt.Errorf("stream: subscribe: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		m.failOpen(call, fmt.Errorf("stream: subscribe: HTTP %d", resp.StatusCode))
		return
	}

	// Bound the wait for the "connected" frame; a stalled subscription would
	// otherwise hang every queued command.
	opened := false
	openTimer := time.AfterFunc(m.cfg.OpenTimeout, func() {
		m.mu.Lock()
		stillConnecting := m.status == StatusConnecting
		m.mu.Unlock()
		if stillConnecting {
			m.log.Warn("stream: no connected frame before timeout")
			if cancel := m.takeCancel(); cancel != nil {
				cancel()
			}
		}
	})
	defer openTimer.Stop()

	m.log.Info("stream subscribed, waiting for connected frame", "xcloud_id", m.cfg.XCloudID)

	reader := bufio.NewReader(resp.Body)
	for {
		data, err := readFrame(reader)
		if err != nil {
			m.handleDisconnect(call, opened, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			perr := &ProtocolError{Data: append([]byte(nil), data...), Err: err}
			m.log.Warn("stream: dropping malformed frame", "error", err)
			m.mu.Lock()
			if m.status == StatusOpen {
				m.status = StatusErroring
			}
			m.mu.Unlock()
			m.emit(Event{Type: EventError, Err: perr})
			continue
		}
		msg.Raw = append(json.RawMessage(nil), data...)

		if !opened {
			if msg.Status != "connected" {
				// Frames before the connected handshake are not deliverable.
				m.log.Debug("stream: frame before connected handshake", "status", msg.Status)
				continue
			}
			opened = true
			openTimer.Stop()

			m.mu.Lock()
			m.status = StatusOpen
			m.inflight = nil
			m.mu.Unlock()

			call.err = nil
			close(call.done)

			m.log.Info("stream open", "xcloud_id", m.cfg.XCloudID)
			m.emit(Event{Type: EventOpened, Message: &msg})

			go m.keepaliveLoop(ctx)
			continue
		}

		if strings.HasPrefix(msg.Resource, "subscriptions/") {
			m.mu.Lock()
			m.lastKeepalive = time.Now()
			m.mu.Unlock()
			m.emit(Event{Type: EventPong, Message: &msg})
			continue
		}

		m.emit(Event{Type: EventMessage, Message: &msg})
	}
}

// failOpen settles a connection attempt that never reached the connected
// handshake.
func (m *Manager) failOpen(call *openCall, err error) {
	m.mu.Lock()
	m.status = StatusClosed
	m.inflight = nil
	m.cancel = nil
	m.mu.Unlock()

	call.err = err
	close(call.done)
}

// handleDisconnect runs when the read loop ends, whether by explicit Close or
// transport failure.
func (m *Manager) handleDisconnect(call *openCall, opened bool, err error) {
	m.mu.Lock()
	deliberate := m.closing
	m.status = StatusClosed
	m.inflight = nil
	m.cancel = nil
	m.closing = false
	m.mu.Unlock()

	if !opened {
		if deliberate {
			err = fmt.Errorf("stream: closed before connected")
		}
		call.err = fmt.Errorf("stream: %w", err)
		close(call.done)
		m.emit(Event{Type: EventClosed})
		return
	}

	if deliberate {
		m.log.Info("stream closed")
	} else {
		m.log.Warn("stream disconnected", "error", err)
		m.emit(Event{Type: EventError, Err: fmt.Errorf("stream: %w", err)})
	}
	m.emit(Event{Type: EventClosed})
}

func (m *Manager) takeCancel() context.CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel := m.cancel
	m.cancel = nil
	return cancel
}

// keepaliveLoop pings the basestation on a fixed interval while the
// connection lives. Ping failures are logged but never fail the stream; there
// is no dead-peer detection here.
func (m *Manager) keepaliveLoop(ctx context.Context) {
	if m.cfg.Pinger == nil {
		return
	}
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.cfg.Pinger.Ping(ctx); err != nil {
				m.log.Warn("keepalive ping failed", "error", err)
				continue
			}
			m.log.Debug("keepalive ping sent")
		}
	}
}

func (m *Manager) emit(evt Event) {
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(evt)
	}
}

// readFrame reads one server-sent frame and returns its data payload.
// Frames are "event: message\ndata: <json>\n\n"; the envelope is stripped and
// multiple data lines are concatenated per the SSE wire format.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var data bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() > 0 {
				return data.Bytes(), nil
			}
			// stray blank line between frames
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// "event:" and comment lines carry no payload
		}
	}
}
