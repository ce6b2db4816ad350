package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-hub/internal/automation"
)

// Default timings, matching the backend's expectations.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultPendingRetry      = 10 * time.Second
	DefaultRejectedRetry     = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second

	// DefaultServerAddress is what the hub reports as its own address.
	DefaultServerAddress = "http://localhost"

	// sendBufferSize is the outbound message buffer per session.
	sendBufferSize = 256

	// maxMessageSize bounds a single inbound frame. Rule sets are the
	// largest messages the backend sends.
	maxMessageSize = 4 << 20
)

// RuleLoader receives rule sets from the backend. *automation.Engine
// satisfies it.
type RuleLoader interface {
	Load(rules []automation.Rule)
	LoadFromSnapshot() bool
}

// CommandHandler executes device commands addressed by friendly name.
// *zigbee2mqtt.Bridge satisfies it.
type CommandHandler interface {
	HandleCommand(friendlyName string, command map[string]any, mode string) error
}

// Logger is the logging interface used by the backend link.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds configuration for creating a backend client.
type Options struct {
	// URL is the REST base, e.g. "http://localhost:8000/api".
	URL string

	// WSURL is the WebSocket base, e.g. "ws://localhost:8000/api".
	WSURL string

	// ServerAddress is reported at registration. Defaults to DefaultServerAddress.
	ServerAddress string

	// UserEmail identifies the owning account.
	UserEmail string

	// ChipID identifies this hub.
	ChipID string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	PendingRetry      time.Duration
	RejectedRetry     time.Duration
	RequestTimeout    time.Duration

	// Rules receives rule sets. Required.
	Rules RuleLoader

	// Commands receives device_command messages. Optional; commands are
	// dropped with a warning when nil.
	Commands CommandHandler

	// HTTPClient overrides the client used for REST calls.
	HTTPClient *http.Client

	// Logger is optional structured logger.
	Logger Logger
}

// Client is the hub's link to the cloud backend: registration, the
// WebSocket session and the reconnect loop.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	opts   Options
	http   *http.Client
	dialer *websocket.Dialer
	logger Logger

	session   *session
	sessionMu sync.RWMutex
}

// New creates a backend client. Call Run to register and connect.
func New(opts Options) (*Client, error) {
	if opts.Rules == nil {
		return nil, fmt.Errorf("rule loader is required")
	}
	if opts.URL == "" || opts.WSURL == "" {
		return nil, fmt.Errorf("backend url and ws_url are required")
	}
	if opts.ChipID == "" {
		return nil, fmt.Errorf("chip id is required")
	}

	if opts.ServerAddress == "" {
		opts.ServerAddress = DefaultServerAddress
	}
	setDefault(&opts.HeartbeatInterval, DefaultHeartbeatInterval)
	setDefault(&opts.ReconnectDelay, DefaultReconnectDelay)
	setDefault(&opts.PendingRetry, DefaultPendingRetry)
	setDefault(&opts.RejectedRetry, DefaultRejectedRetry)
	setDefault(&opts.RequestTimeout, DefaultRequestTimeout)
	opts.URL = strings.TrimRight(opts.URL, "/")
	opts.WSURL = strings.TrimRight(opts.WSURL, "/")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	return &Client{
		opts:   opts,
		http:   httpClient,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.RequestTimeout},
		logger: logger,
	}, nil
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Run registers the hub, then keeps a WebSocket session open until ctx is
// cancelled, reconnecting after ReconnectDelay whenever a session ends.
// It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	reg, err := c.Register(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		err := c.runSession(ctx, reg)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("backend session ended, reconnecting",
			"error", err,
			"retry_in", c.opts.ReconnectDelay,
		)
		if !sleep(ctx, c.opts.ReconnectDelay) {
			return nil
		}
	}
}

// Register posts the hub's identity until the backend approves it.
//
// A pending hub is retried after PendingRetry, any other status after
// RejectedRetry, and a failed request after PendingRetry.
//
// Returns:
//   - Registration: the approved registration with hub id and token
//   - error: ctx.Err() if cancelled while waiting
func (c *Client) Register(ctx context.Context) (Registration, error) {
	for {
		reg, err := c.registerOnce(ctx)
		if err == nil {
			c.logger.Info("hub approved", "hub_id", reg.HubID)
			return reg, nil
		}

		wait := c.opts.PendingRetry
		switch {
		case errors.Is(err, ErrNotApproved) && reg.Status == StatusPending:
			c.logger.Info("hub pending approval", "retry_in", wait)
		case errors.Is(err, ErrNotApproved):
			wait = c.opts.RejectedRetry
			c.logger.Warn("hub not approved", "status", reg.Status, "retry_in", wait)
		default:
			c.logger.Error("registration failed", "error", err, "retry_in", wait)
		}

		if !sleep(ctx, wait) {
			return Registration{}, ctx.Err()
		}
	}
}

// registerOnce performs a single registration request.
func (c *Client) registerOnce(ctx context.Context) (Registration, error) {
	body, err := json.Marshal(registerRequest{
		ServerAddress: c.opts.ServerAddress,
		UserEmail:     c.opts.UserEmail,
		ChipID:        c.opts.ChipID,
	})
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL+"/hubs/register", bytes.NewReader(body))
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Registration{}, fmt.Errorf("%w: HTTP %d", ErrRegistrationFailed, resp.StatusCode)
	}

	var reg Registration
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMessageSize)).Decode(&reg); err != nil {
		return Registration{}, fmt.Errorf("%w: decoding response: %w", ErrRegistrationFailed, err)
	}

	if reg.Status != StatusApproved || reg.AccessToken == "" {
		return reg, fmt.Errorf("%w: status %q", ErrNotApproved, reg.Status)
	}
	if _, err := uuid.Parse(reg.HubID); err != nil {
		return Registration{}, fmt.Errorf("%w: hub id %q: %w", ErrRegistrationFailed, reg.HubID, err)
	}
	return reg, nil
}

// FetchRules downloads the hub's rule set.
func (c *Client) FetchRules(ctx context.Context, reg Registration) ([]automation.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	endpoint := c.opts.URL + "/hubs/" + url.PathEscape(reg.HubID) + "/automations"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+reg.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	rules, err := automation.ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return rules, nil
}

// syncRules loads the backend's rule set, falling back to the snapshot.
func (c *Client) syncRules(ctx context.Context, reg Registration) {
	rules, err := c.FetchRules(ctx, reg)
	if err == nil {
		c.opts.Rules.Load(rules)
		c.logger.Info("automations fetched from backend", "rules", len(rules))
		return
	}

	c.logger.Warn("automation fetch failed, using local snapshot", "error", err)
	c.opts.Rules.LoadFromSnapshot()
}

// wsURL builds the session URL for a registration.
func (c *Client) wsURL(reg Registration) string {
	q := url.Values{}
	q.Set("token", reg.AccessToken)
	return c.opts.WSURL + "/hubs/" + url.PathEscape(reg.HubID) + "/ws?" + q.Encode()
}

// Connected reports whether a WebSocket session is open.
func (c *Client) Connected() bool {
	return c.currentSession() != nil
}

// SendStateUpdate forwards a device state update to the backend. It is
// dropped when no session is open.
func (c *Client) SendStateUpdate(ieeeAddress string, state map[string]any) error {
	return c.send(TypeDeviceStateUpdate, StateUpdate{IEEEAddress: ieeeAddress, State: state})
}

// SendDiscovery forwards the zigbee device list to the backend.
func (c *Client) SendDiscovery(devices any) error {
	return c.send(TypeDeviceDiscovery, devices)
}

func (c *Client) send(msgType string, payload any) error {
	s := c.currentSession()
	if s == nil {
		return ErrNotConnected
	}
	return s.enqueue(msgType, payload)
}

func (c *Client) currentSession() *session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

func (c *Client) setSession(s *session) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.session = s
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
