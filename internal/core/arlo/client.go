// Package arlo is the device-facing client: it issues commands to
// basestations over the authenticated notify channel and correlates each
// command with its asynchronous acknowledgement on the event stream.
//
// Commands are multiplexed: any number may be in flight against one open
// stream, each tracked by a generated transaction id. Ordering between
// distinct commands is not guaranteed; only the pairing of a command with its
// own acknowledgement is.
package arlo

import (
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

	"github.com/trymwestin/arlo/internal/core/auth"
	"github.com/trymwestin/arlo/internal/core/state"
	"github.com/trymwestin/arlo/internal/core/stream"
)

// Config configures the client.
type Config struct {
	// APIBase is the hmsweb API root, e.g. https://myapi.arlo.com.
	APIBase string
	// CommandTimeout bounds the wait for a command acknowledgement.
	// Defaults to 15s.
	CommandTimeout time.Duration
	// PingInterval is the stream keepalive interval. Defaults to 30s.
	PingInterval time.Duration
}

// Client sends device commands and resolves their acknowledgements.
type Client struct {
	cfg  Config
	http *http.Client
	auth *auth.Client
	bus  *state.EventBus
	reg  *state.DeviceRegistry
	log  *slog.Logger

	streamMu sync.Mutex
	streams  map[string]*stream.Manager // by basestation device id

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand // by transaction id
}

// pendingCommand is one in-flight command awaiting its acknowledgement.
// Exactly one instance exists per transaction id, and it is removed on
// resolution, timeout or stream closure.
type pendingCommand struct {
	basestationID string
	ch            chan commandResult
}

type commandResult struct {
	msg stream.Message
	err error
}

// Command is the notify payload for a device command.
type Command struct {
	Action          string         `json:"action"`
	Resource        string         `json:"resource"`
	PublishResponse bool           `json:"publishResponse"`
	From            string         `json:"from,omitempty"`
	To              string         `json:"to,omitempty"`
	TransID         string         `json:"transId,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
}

// NewClient creates a client sharing the auth client's cookie-bound HTTP
// client and session.
func NewClient(cfg Config, authClient *auth.Client, bus *state.EventBus, reg *state.DeviceRegistry, log *slog.Logger) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Client{
		cfg:     cfg,
		http:    authClient.HTTPClient(),
		auth:    authClient,
		bus:     bus,
		reg:     reg,
		log:     log,
		streams: make(map[string]*stream.Manager),
		pending: make(map[string]*pendingCommand),
	}
}

// Registry returns the device registry the client maintains.
func (c *Client) Registry() *state.DeviceRegistry {
	return c.reg
}

// Devices returns the cached device listing.
func (c *Client) Devices() []state.Device {
	return c.reg.Devices()
}

// Device returns a cached device by id.
func (c *Client) Device(deviceID string) (state.Device, bool) {
	return c.reg.Device(deviceID)
}

// Send issues a command to the basestation owning target and waits for the
// acknowledgement carrying the same transaction id. If no stream is open for
// that basestation one is established first; concurrent senders share a
// single connection attempt.
func (c *Client) Send(ctx context.Context, target state.Device, cmd Command) (stream.Message, error) {
	sess := c.auth.Store().Session()
	if !sess.Valid() {
		return stream.Message{}, ErrNotAuthenticated
	}

	bs, ok := c.reg.Basestation(target)
	if !ok {
		return stream.Message{}, fmt.Errorf("%w: device %s parent %s", ErrUnknownBasestation, target.DeviceID, target.ParentID)
	}

	mgr := c.manager(bs)
	if err := mgr.Open(ctx); err != nil {
		return stream.Message{}, fmt.Errorf("%w: %w", ErrStreamUnavailable, err)
	}

	cmd.TransID = NewTransactionID()
	cmd.From = sess.UserID + "_web"
	cmd.To = bs.DeviceID

	pc := &pendingCommand{basestationID: bs.DeviceID, ch: make(chan commandResult, 1)}
	c.pendingMu.Lock()
	c.pending[cmd.TransID] = pc
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, cmd.TransID)
		c.pendingMu.Unlock()
	}()

	c.log.Debug("sending command", "action", cmd.Action, "resource", cmd.Resource, "trans_id", cmd.TransID, "to", cmd.To)
	if err := c.notify(ctx, bs, cmd); err != nil {
		return stream.Message{}, err
	}

	select {
	case res := <-pc.ch:
		return res.msg, res.err
	case <-time.After(c.cfg.CommandTimeout):
		return stream.Message{}, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, cmd.TransID, c.cfg.CommandTimeout)
	case <-ctx.Done():
		return stream.Message{}, ctx.Err()
	}
}

// notify posts a command to the basestation's notify endpoint without
// registering for an acknowledgement.
func (c *Client) notify(ctx context.Context, bs state.Device, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("arlo: marshal command: %w", err)
	}

	url := c.cfg.APIBase + "/hmsweb/users/devices/notify/" + bs.DeviceID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("arlo: build notify request: %w", err)
	}
	c.applyAuthHeaders(req)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("xcloudId", bs.XCloudID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("arlo: notify: %w", err)
	}
	defer resp.Body.Close()

	var env successEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("arlo: notify: parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return fmt.Errorf("%w: HTTP %d", ErrCommandRejected, resp.StatusCode)
	}
	return nil
}

// manager returns the stream manager for a basestation, creating it on first
// use. One manager, and so at most one connection, exists per basestation.
func (c *Client) manager(bs state.Device) *stream.Manager {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	if mgr, ok := c.streams[bs.DeviceID]; ok {
		return mgr
	}

	mgr := stream.New(stream.Config{
		SubscribeURL: c.cfg.APIBase + "/hmsweb/client/subscribe",
		XCloudID:     bs.XCloudID,
		HTTPClient:   c.http,
		Headers:      c.auth.Headers,
		PingInterval: c.cfg.PingInterval,
		Pinger: stream.PingFunc(func(ctx context.Context) error {
			return c.ping(ctx, bs)
		}),
		OnEvent: func(evt stream.Event) {
			c.handleStreamEvent(bs, evt)
		},
		Logger: c.log.With("basestation", bs.DeviceID),
	})
	c.streams[bs.DeviceID] = mgr
	return mgr
}

// CloseStreams tears down all event streams. Pending commands fail with
// ErrStreamClosed rather than hanging.
func (c *Client) CloseStreams() {
	c.streamMu.Lock()
	managers := make([]*stream.Manager, 0, len(c.streams))
	for _, mgr := range c.streams {
		managers = append(managers, mgr)
	}
	c.streamMu.Unlock()

	for _, mgr := range managers {
		mgr.Close()
	}
}

// ping renews the server-side subscription for a basestation. It is a normal
// device command; the reply surfaces on the stream as a pong event.
func (c *Client) ping(ctx context.Context, bs state.Device) error {
	sess := c.auth.Store().Session()
	if !sess.Valid() {
		return ErrNotAuthenticated
	}
	return c.notify(ctx, bs, Command{
		Action:          "set",
		Resource:        "subscriptions/" + sess.UserID + "_web",
		PublishResponse: false,
		From:            sess.UserID + "_web",
		To:              bs.DeviceID,
		TransID:         NewTransactionID(),
		Properties:      map[string]any{"devices": []string{bs.DeviceID}},
	})
}

// handleStreamEvent routes stream events: acknowledgements settle their
// pending command, everything else fans out on the bus.
func (c *Client) handleStreamEvent(bs state.Device, evt stream.Event) {
	switch evt.Type {
	case stream.EventMessage:
		msg := evt.Message
		c.pendingMu.Lock()
		pc, ok := c.pending[msg.TransID]
		if ok {
			// One-shot: deregister before delivering so a duplicate frame
			// with the same transaction id cannot resolve twice.
			delete(c.pending, msg.TransID)
		}
		c.pendingMu.Unlock()

		if ok {
			pc.ch <- commandResult{msg: *msg}
			return
		}

		// Unsolicited message: a device-initiated property push.
		c.bus.Publish(state.Event{
			Type:     state.EventPropertyUpdate,
			DeviceID: deviceIDFromResource(msg.Resource, bs.DeviceID),
			Data:     msg.Raw,
		})

	case stream.EventOpened:
		c.bus.Publish(state.Event{Type: state.EventStreamOpened, DeviceID: bs.DeviceID})

	case stream.EventError:
		c.bus.Publish(state.Event{Type: state.EventStreamError, DeviceID: bs.DeviceID, Data: evt.Err.Error()})

	case stream.EventClosed:
		c.failPending(bs.DeviceID)
		c.bus.Publish(state.Event{Type: state.EventStreamClosed, DeviceID: bs.DeviceID})

	case stream.EventPong:
		c.log.Debug("keepalive pong", "basestation", bs.DeviceID)
	}
}

// failPending settles every command still waiting on the given basestation's
// stream. Without this a closed stream would leave callers hanging forever.
func (c *Client) failPending(basestationID string) {
	c.pendingMu.Lock()
	var failed []*pendingCommand
	for id, pc := range c.pending {
		if pc.basestationID == basestationID {
			delete(c.pending, id)
			failed = append(failed, pc)
		}
	}
	c.pendingMu.Unlock()

	for _, pc := range failed {
		pc.ch <- commandResult{err: ErrStreamClosed}
	}
	if len(failed) > 0 {
		c.log.Warn("stream closed with commands pending", "basestation", basestationID, "failed", len(failed))
	}
}

// deviceIDFromResource extracts the device id from resource paths like
// "cameras/ABCD123"; bare resources fall back to the basestation.
func deviceIDFromResource(resource, fallback string) string {
	if i := strings.IndexByte(resource, '/'); i >= 0 && i+1 < len(resource) {
		return resource[i+1:]
	}
	return fallback
}

// --- shared HTTP plumbing ---

type successEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) applyAuthHeaders(req *http.Request) {
	for k, vs := range c.auth.Headers() {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

// doJSON issues an authenticated request against the hmsweb API and unwraps
// the {success, data} envelope.
func (c *Client) doJSON(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	return c.doJSONWith(ctx, method, path, body, nil)
}

func (c *Client) doJSONWith(ctx context.Context, method, path string, body any, extra http.Header) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("arlo: marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("arlo: build request: %w", err)
	}
	c.applyAuthHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arlo: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env successEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("arlo: %s %s: parse response: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return nil, fmt.Errorf("arlo: %s %s: HTTP %d, success=%t", method, path, resp.StatusCode, env.Success)
	}
	return env.Data, nil
}
