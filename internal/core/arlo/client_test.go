package arlo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trymwestin/arlo/internal/core/auth"
	"github.com/trymwestin/arlo/internal/core/state"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

var (
	testBasestation = state.Device{
		DeviceID:   "BS1",
		DeviceType: state.DeviceBasestation,
		DeviceName: "Base",
		XCloudID:   "XC1",
		State:      "provisioned",
	}
	testCamera = state.Device{
		DeviceID:   "C1",
		ParentID:   "BS1",
		DeviceType: state.DeviceCamera,
		DeviceName: "Porch",
		State:      "provisioned",
	}
)

// cloudHarness fakes the subscribe, notify and hmsweb endpoints so correlation
// can be exercised end to end over real HTTP.
type cloudHarness struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	current chan string // frames for the live subscription

	sseConns  atomic.Int32
	sseReject bool

	autoAck      bool
	rejectNotify bool
	notified     chan Command
}

func newHarness(t *testing.T) *cloudHarness {
	t.Helper()
	h := &cloudHarness{t: t, autoAck: true, notified: make(chan Command, 16)}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /hmsweb/client/subscribe", func(w http.ResponseWriter, r *http.Request) {
		h.sseConns.Add(1)
		if h.sseReject {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "XC1", r.Header.Get("xcloudId"))
		assert.Equal(t, "T1", r.Header.Get("Authorization"))

		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		ch := make(chan string, 16)
		h.mu.Lock()
		h.current = ch
		h.mu.Unlock()

		fmt.Fprintf(w, "event: message\ndata: %s\n\n", `{"status":"connected"}`)
		fl.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case frame, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
				fl.Flush()
			}
		}
	})

	mux.HandleFunc("POST /hmsweb/users/devices/notify/{id}", func(w http.ResponseWriter, r *http.Request) {
		var cmd Command
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		assert.Equal(t, "XC1", r.Header.Get("xcloudId"))
		assert.Equal(t, "BS1", r.PathValue("id"))
		h.notified <- cmd

		if h.rejectNotify {
			json.NewEncoder(w).Encode(map[string]any{"success": false})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})

		if h.autoAck {
			h.push(ackFrame(cmd))
		}
	})

	mux.HandleFunc("PUT /hmsweb/users/devices/renameDevice", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C1", body["deviceId"])
		assert.Equal(t, "BS1", body["parentId"])
		assert.NotEmpty(t, body["deviceName"])
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	mux.HandleFunc("GET /hmsweb/users/devices", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []state.Device{
				testBasestation,
				testCamera,
				{DeviceID: "C2", ParentID: "BS1", DeviceType: state.DeviceCamera, State: "deactivated"},
			},
		})
	})

	mux.HandleFunc("POST /hmsweb/users/devices/startStream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "XC1", r.Header.Get("xcloudId"))
		var cmd Command
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		assert.Equal(t, "startUserStream", cmd.Properties["activityState"])
		assert.Equal(t, "cameras/C1", cmd.Resource)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"url": "rtsps://stream.example/C1"},
		})
	})

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

// ackFrame builds the stream acknowledgement for a command, echoing its
// properties so tests can pair responses with requests.
func ackFrame(cmd Command) string {
	props, _ := json.Marshal(cmd.Properties)
	frame, _ := json.Marshal(map[string]any{
		"transId":    cmd.TransID,
		"action":     "is",
		"resource":   cmd.Resource,
		"from":       cmd.To,
		"properties": json.RawMessage(props),
	})
	return string(frame)
}

func (h *cloudHarness) push(frame string) {
	h.mu.Lock()
	ch := h.current
	h.mu.Unlock()
	ch <- frame
}

// closeStream drops the live subscription server-side.
func (h *cloudHarness) closeStream() {
	h.mu.Lock()
	ch := h.current
	h.current = nil
	h.mu.Unlock()
	close(ch)
}

func (h *cloudHarness) waitNotify(t *testing.T) Command {
	t.Helper()
	select {
	case cmd := <-h.notified:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notify")
		return Command{}
	}
}

func (h *cloudHarness) newClient(t *testing.T, timeout time.Duration) (*Client, *state.EventBus) {
	t.Helper()
	log := quietLogger()

	store := auth.NewStore("")
	require.NoError(t, store.Set(auth.Session{UserID: "U1", Token: "T1"}))
	authClient := auth.NewClient(h.srv.URL, h.srv.URL, store, nil, log)

	bus := state.NewEventBus(log)
	reg := state.NewDeviceRegistry(bus, log)
	reg.SetAll([]state.Device{testBasestation, testCamera})

	c := NewClient(Config{
		APIBase:        h.srv.URL,
		CommandTimeout: timeout,
		PingInterval:   time.Hour, // keepalive noise off
	}, authClient, bus, reg, log)
	t.Cleanup(c.CloseStreams)
	return c, bus
}

func waitBusEvent(t *testing.T, ch <-chan state.Event, typ state.EventType) state.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q bus event", typ)
		}
	}
}

func TestSendCorrelatesAcknowledgement(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	msg, err := c.Send(context.Background(), testCamera, Command{
		Action:          "set",
		Resource:        "cameras/C1",
		PublishResponse: true,
		Properties:      map[string]any{"marker": "one"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"marker":"one"}`, string(msg.Properties))

	cmd := h.waitNotify(t)
	assert.Equal(t, "U1_web", cmd.From)
	assert.Equal(t, "BS1", cmd.To)
	assert.Regexp(t, `^web![0-9a-f]+!\d+$`, cmd.TransID)
	assert.Equal(t, msg.TransID, cmd.TransID)
}

func TestConcurrentSendsResolveOwnAcks(t *testing.T) {
	h := newHarness(t)
	h.autoAck = false
	c, _ := h.newClient(t, 5*time.Second)

	send := func(marker string) (string, error) {
		msg, err := c.Send(context.Background(), testCamera, Command{
			Action:          "set",
			Resource:        "cameras/C1",
			PublishResponse: true,
			Properties:      map[string]any{"marker": marker},
		})
		if err != nil {
			return "", err
		}
		var props map[string]string
		if err := json.Unmarshal(msg.Properties, &props); err != nil {
			return "", err
		}
		return props["marker"], nil
	}

	type result struct {
		marker string
		err    error
	}
	results := make(chan result, 2)
	go func() {
		got, err := send("a")
		results <- result{got, err}
	}()
	go func() {
		got, err := send("b")
		results <- result{got, err}
	}()

	first := h.waitNotify(t)
	second := h.waitNotify(t)

	// Acknowledge in reverse arrival order: correlation is by transaction id,
	// not ordering.
	h.push(ackFrame(second))
	h.push(ackFrame(first))

	for range 2 {
		res := <-results
		require.NoError(t, res.err)
	}

	// Each caller got the payload carrying its own marker; verify by matching
	// the sent markers against what came back.
	sent := map[string]bool{
		first.Properties["marker"].(string):  true,
		second.Properties["marker"].(string): true,
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, sent)
}

func TestDuplicateAckResolvesOnce(t *testing.T) {
	h := newHarness(t)
	h.autoAck = false
	c, bus := h.newClient(t, 5*time.Second)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), testCamera, Command{
			Action: "set", Resource: "cameras/C1", PublishResponse: true,
		})
		done <- err
	}()

	cmd := h.waitNotify(t)
	frame := ackFrame(cmd)
	h.push(frame)
	require.NoError(t, <-done)

	// The duplicate lands after the pending entry is gone, so it is treated as
	// an unsolicited property push instead of resolving anything twice.
	h.push(frame)
	evt := waitBusEvent(t, events, state.EventPropertyUpdate)
	assert.Equal(t, "C1", evt.DeviceID)
}

func TestSendTimesOutWithoutAck(t *testing.T) {
	h := newHarness(t)
	h.autoAck = false
	c, _ := h.newClient(t, 100*time.Millisecond)

	_, err := c.Send(context.Background(), testCamera, Command{
		Action: "set", Resource: "cameras/C1", PublishResponse: true,
	})
	require.ErrorIs(t, err, ErrCommandTimeout)
}

func TestSendRejectedNotify(t *testing.T) {
	h := newHarness(t)
	h.rejectNotify = true
	c, _ := h.newClient(t, 2*time.Second)

	_, err := c.Send(context.Background(), testCamera, Command{
		Action: "set", Resource: "cameras/C1", PublishResponse: true,
	})
	require.ErrorIs(t, err, ErrCommandRejected)
}

func TestSendRequiresSession(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)
	c.auth.Store().Clear()

	_, err := c.Send(context.Background(), testCamera, Command{Action: "set", Resource: "cameras/C1"})
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, h.sseConns.Load(), "no network traffic without a session")
}

func TestSendUnknownBasestation(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	orphan := state.Device{DeviceID: "C9", ParentID: "GONE", DeviceType: state.DeviceCamera}
	_, err := c.Send(context.Background(), orphan, Command{Action: "set", Resource: "cameras/C9"})
	require.ErrorIs(t, err, ErrUnknownBasestation)
}

func TestSendStreamUnavailable(t *testing.T) {
	h := newHarness(t)
	h.sseReject = true
	c, _ := h.newClient(t, 2*time.Second)

	_, err := c.Send(context.Background(), testCamera, Command{Action: "set", Resource: "cameras/C1"})
	require.ErrorIs(t, err, ErrStreamUnavailable)
}

func TestStreamCloseFailsPendingCommands(t *testing.T) {
	h := newHarness(t)
	h.autoAck = false
	c, bus := h.newClient(t, 5*time.Second)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), testCamera, Command{
			Action: "set", Resource: "cameras/C1", PublishResponse: true,
		})
		done <- err
	}()
	h.waitNotify(t)

	h.closeStream()

	require.ErrorIs(t, <-done, ErrStreamClosed)
	waitBusEvent(t, events, state.EventStreamClosed)
}

func TestSendReopensAfterStreamClose(t *testing.T) {
	h := newHarness(t)
	c, bus := h.newClient(t, 2*time.Second)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	_, err := c.Send(context.Background(), testCamera, Command{
		Action: "set", Resource: "cameras/C1", PublishResponse: true,
	})
	require.NoError(t, err)
	h.waitNotify(t)

	h.closeStream()
	// Let the read loop observe the close before sending again.
	waitBusEvent(t, events, state.EventStreamClosed)

	_, err = c.Send(context.Background(), testCamera, Command{
		Action: "set", Resource: "cameras/C1", PublishResponse: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.sseConns.Load(), "a fresh subscription per reconnect")
}

func TestArmDisarm(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	require.NoError(t, c.Arm(context.Background(), testBasestation))
	cmd := h.waitNotify(t)
	assert.Equal(t, "modes", cmd.Resource)
	assert.Equal(t, "mode1", cmd.Properties["active"])

	require.NoError(t, c.Disarm(context.Background(), testBasestation))
	cmd = h.waitNotify(t)
	assert.Equal(t, "mode0", cmd.Properties["active"])

	err := c.Arm(context.Background(), testCamera)
	require.Error(t, err, "arming a camera is nonsense")
}

func TestSetBrightness(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	require.NoError(t, c.SetBrightness(context.Background(), testCamera, 2))
	cmd := h.waitNotify(t)
	assert.Equal(t, "set", cmd.Action)
	assert.Equal(t, "cameras/C1", cmd.Resource)
	assert.True(t, cmd.PublishResponse)
	assert.Equal(t, float64(2), cmd.Properties["brightness"])

	require.Error(t, c.SetBrightness(context.Background(), testCamera, 3))
	require.Error(t, c.SetBrightness(context.Background(), testCamera, -3))
	assert.Empty(t, h.notified, "out-of-range levels never reach the wire")
}

func TestSetPower(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	require.NoError(t, c.SetPower(context.Background(), testCamera, false))
	cmd := h.waitNotify(t)
	assert.Equal(t, true, cmd.Properties["privacyActive"])

	require.NoError(t, c.SetPower(context.Background(), testCamera, true))
	cmd = h.waitNotify(t)
	assert.Equal(t, false, cmd.Properties["privacyActive"])
}

func TestGetState(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	_, err := c.GetState(context.Background(), testBasestation)
	require.NoError(t, err)
	cmd := h.waitNotify(t)
	assert.Equal(t, "get", cmd.Action)
	assert.Equal(t, "basestation", cmd.Resource)

	_, err = c.GetState(context.Background(), testCamera)
	require.NoError(t, err)
	cmd = h.waitNotify(t)
	assert.Equal(t, "cameras/C1", cmd.Resource)
}

func TestFetchDevicesFilters(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	all, err := c.FetchDevices(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	provisioned := true
	cams, err := c.FetchDevices(context.Background(), &DeviceFilter{
		Types:       []state.DeviceType{state.DeviceCamera},
		Provisioned: &provisioned,
	})
	require.NoError(t, err)
	require.Len(t, cams, 1)
	assert.Equal(t, "C1", cams[0].DeviceID)

	// The registry always holds the unfiltered listing.
	_, ok := c.Device("C2")
	assert.True(t, ok)
}

func TestRenameUpdatesRegistry(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	require.NoError(t, c.Rename(context.Background(), testCamera, "Backyard"))

	d, ok := c.Device("C1")
	require.True(t, ok)
	assert.Equal(t, "Backyard", d.DeviceName)
}

func TestStartStream(t *testing.T) {
	h := newHarness(t)
	c, _ := h.newClient(t, 2*time.Second)

	url, err := c.StartStream(context.Background(), testCamera)
	require.NoError(t, err)
	assert.Equal(t, "rtsps://stream.example/C1", url)
}
