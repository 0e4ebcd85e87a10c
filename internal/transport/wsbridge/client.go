// Package wsbridge implements transport.Messenger over a WebSocket
// connection to the bridge process that owns the chat session.
package wsbridge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/pkg/wire"
)

// Client is a reconnecting WebSocket client for the messaging bridge.
type Client struct {
	url    string
	logger *logger.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex

	pending   map[string]chan *wire.Message
	pendingMu sync.RWMutex

	events chan wire.IncomingMessage

	reconnectDelay time.Duration
	closed         bool
	closeMu        sync.Mutex
}

// New creates a client for the bridge at url. Call Connect before use.
func New(url string, reconnectDelay time.Duration, log *logger.Logger) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Client{
		url:            url,
		logger:         log.WithFields(zap.String("component", "wsbridge")),
		pending:        make(map[string]chan *wire.Message),
		events:         make(chan wire.IncomingMessage, 64),
		reconnectDelay: reconnectDelay,
	}
}

// Connect dials the bridge and starts the read loop. On read failure the
// client reconnects with a fixed delay until Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}
	c.conn = conn
	c.connected = true
	c.logger.Info("connected to messaging bridge", zap.String("url", c.url))
	go c.readLoop()
	return nil
}

// Close shuts the connection down and closes the event channel.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.connected = false
	close(c.events)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected reports whether the link is currently up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Events implements transport.Messenger.
func (c *Client) Events() <-chan wire.IncomingMessage {
	return c.events
}

// SendText implements transport.Messenger.
func (c *Client) SendText(ctx context.Context, target, text string) error {
	return c.requestPayload(ctx, wire.ActionChatSendText, wire.SendTextRequest{
		Target: target,
		Text:   text,
	}, nil)
}

// SendImage implements transport.Messenger.
func (c *Client) SendImage(ctx context.Context, target, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	return c.requestPayload(ctx, wire.ActionChatSendImage, wire.SendImageRequest{
		Target:  target,
		Data:    data,
		Caption: caption,
	}, nil)
}

// ListGroups implements transport.Messenger.
func (c *Client) ListGroups(ctx context.Context) ([]wire.Group, error) {
	var resp wire.ListGroupsResponse
	if err := c.requestPayload(ctx, wire.ActionChatListGroups, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// DownloadMedia implements transport.Messenger.
func (c *Client) DownloadMedia(ctx context.Context, messageRef string, index int) ([]byte, string, error) {
	var resp wire.DownloadMediaResponse
	err := c.requestPayload(ctx, wire.ActionChatDownloadMedia, wire.DownloadMediaRequest{
		MessageRef: messageRef,
		MediaIndex: index,
	}, &resp)
	if err != nil {
		return nil, "", err
	}
	return resp.Data, resp.MimeType, nil
}

func (c *Client) request(ctx context.Context, action string, payload interface{}) (*wire.Message, error) {
	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return nil, fmt.Errorf("not connected to bridge")
	}

	id := uuid.New().String()
	msg, err := wire.NewRequest(id, action, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respChan := make(chan *wire.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	c.logger.Debug("sent bridge request", zap.String("action", action), zap.String("id", id))

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) requestPayload(ctx context.Context, action string, payload, result interface{}) error {
	resp, err := c.request(ctx, action, payload)
	if err != nil {
		return err
	}
	if resp.Type == wire.MessageTypeError {
		var ep wire.ErrorPayload
		if resp.ParsePayload(&ep) == nil && ep.Message != "" {
			return fmt.Errorf("bridge error [%s]: %s", ep.Code, ep.Message)
		}
		return fmt.Errorf("bridge error: %s", string(resp.Payload))
	}
	if result != nil && len(resp.Payload) > 0 {
		if err := resp.ParsePayload(result); err != nil {
			return fmt.Errorf("failed to unmarshal bridge response: %w", err)
		}
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		c.connMu.RLock()
		conn, connected := c.conn, c.connected
		c.connMu.RUnlock()
		if !connected || conn == nil {
			return
		}
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("bridge read error", zap.Error(err))
			}
			c.handleDisconnect()
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *wire.Message) {
	switch msg.Type {
	case wire.MessageTypeResponse, wire.MessageTypeError:
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	case wire.MessageTypeNotification:
		if msg.Action != wire.ActionChatMessage {
			return
		}
		var in wire.IncomingMessage
		if err := msg.ParsePayload(&in); err != nil {
			c.logger.Warn("malformed incoming message", zap.Error(err))
			return
		}
		select {
		case c.events <- in:
		default:
			c.logger.Warn("event buffer full, dropping incoming message",
				zap.String("sender", in.Sender))
		}
	}
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.conn = nil
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		errMsg, _ := wire.NewError(id, "", wire.ErrorCodeInternalError, "connection lost", nil)
		ch <- errMsg
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return
	}

	c.logger.Warn("bridge connection lost, reconnecting",
		zap.Duration("delay", c.reconnectDelay))
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for {
		time.Sleep(c.reconnectDelay)

		c.closeMu.Lock()
		closed := c.closed
		c.closeMu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("bridge reconnect failed", zap.Error(err))
	}
}
