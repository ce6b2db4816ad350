package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-hub/internal/automation"
)

// session is one open WebSocket connection to the backend. Only the write
// pump writes to conn.
type session struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// enqueue queues a message for the write pump without blocking.
func (s *session) enqueue(msgType string, payload any) error {
	data, err := json.Marshal(outbound{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msgType, err)
	}

	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// close signals the write pump to send a close frame and drop the connection.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// runSession dials the backend and serves one session until the connection
// drops or ctx is cancelled.
func (c *Client) runSession(ctx context.Context, reg Registration) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(reg), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	s := newSession(conn)
	c.setSession(s)
	c.logger.Info("backend connected", "hub_id", reg.HubID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump(s)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	defer func() {
		c.setSession(nil)
		s.close()
		wg.Wait()
		c.logger.Info("backend disconnected", "hub_id", reg.HubID)
	}()

	if err := s.enqueue(TypeHeartbeat, struct{}{}); err != nil {
		return err
	}
	c.syncRules(ctx, reg)

	return c.readPump(s)
}

// readPump dispatches inbound messages until the connection fails.
func (c *Client) readPump(s *session) error {
	s.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("backend websocket read error", "error", err)
			} else {
				c.logger.Debug("backend websocket closed", "error", err)
			}
			return fmt.Errorf("reading websocket: %w", err)
		}
		c.handleMessage(data)
	}
}

// writePump writes queued messages and the periodic heartbeat.
func (c *Client) writePump(s *session) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	heartbeat, _ := json.Marshal(outbound{Type: TypeHeartbeat, Payload: struct{}{}}) //nolint:errcheck // static value

	write := func(messageType int, data []byte) error {
		//nolint:errcheck // Best-effort deadline; write error caught below
		s.conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
		return s.conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case <-s.done:
			//nolint:errcheck // Best-effort close message
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-s.send:
			if err := write(websocket.TextMessage, data); err != nil {
				c.logger.Warn("backend websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := write(websocket.TextMessage, heartbeat); err != nil {
				c.logger.Warn("backend heartbeat failed", "error", err)
				return
			}
		}
	}
}

// handleMessage routes one inbound frame.
func (c *Client) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("invalid backend message", "error", err)
		return
	}

	switch env.Type {
	case TypeSyncAutomations:
		c.handleSync(env.Payload)
	case TypeDeviceCommand:
		c.handleCommand(env.Payload)
	default:
		c.logger.Debug("unhandled backend message", "type", env.Type)
	}
}

// handleSync replaces the rule set with a pushed list.
func (c *Client) handleSync(payload json.RawMessage) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		c.logger.Warn("sync_automations payload is not a list")
		return
	}

	rules, err := automation.ParseRules(trimmed)
	if err != nil {
		c.logger.Warn("sync_automations payload rejected", "error", err)
		return
	}
	c.opts.Rules.Load(rules)
	c.logger.Info("automations synced", "rules", len(rules))
}

// handleCommand forwards a device command to the bridge.
func (c *Client) handleCommand(payload json.RawMessage) {
	var cmd DeviceCommand
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.logger.Warn("invalid device_command payload", "error", err)
			return
		}
	}
	if cmd.Mode == "" {
		cmd.Mode = "set"
	}

	if cmd.FriendlyName == "" || (len(cmd.Command) == 0 && cmd.Mode != "get") {
		c.logger.Warn("invalid device_command payload", "payload", string(payload))
		return
	}
	if c.opts.Commands == nil {
		c.logger.Warn("device_command dropped, no command handler", "device", cmd.FriendlyName)
		return
	}

	if err := c.opts.Commands.HandleCommand(cmd.FriendlyName, cmd.Command, cmd.Mode); err != nil {
		c.logger.Warn("device_command failed", "device", cmd.FriendlyName, "error", err)
	}
}
