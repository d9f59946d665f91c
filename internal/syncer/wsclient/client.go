// Package wsclient provides a reference ChatClient over a websocket event
// feed. It is a development harness at the same boundary as a full chat
// client: events arrive as JSON frames, write operations are sent as JSON
// frames, and connectivity transitions follow the socket lifecycle.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lakefront-labs/chatsync/internal/events"
	"go.uber.org/zap"
)

var (
	errMissingURL = errors.New("wsclient: feed url is required")
	noOpLogger    = zap.NewNop()
)

// ErrClosed indicates an operation on a closed client.
var ErrClosed = errors.New("wsclient: closed")

// writeFrame is one outbound operation frame.
type writeFrame struct {
	Op           string          `json:"op"`
	ChannelType  string          `json:"channel_type,omitempty"`
	ChannelID    string          `json:"channel_id,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	ReactionType string          `json:"reaction_type,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
}

// Config carries the dependencies required to dial a Client.
type Config struct {
	URL     string
	Handler func(events.Event)
	Logger  *zap.Logger
}

// Client is a websocket-backed ChatClient implementation.
type Client struct {
	url     string
	handler func(events.Event)
	logger  *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu             sync.Mutex
	listeners      map[int64]func(bool)
	nextListenerID int64
	closed         bool

	done chan struct{}
}

// Dial connects to the feed and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", cfg.URL, err)
	}
	client := &Client{
		url:       cfg.URL,
		handler:   cfg.Handler,
		logger:    logger,
		conn:      conn,
		listeners: map[int64]func(bool){},
		done:      make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	c.notifyConnection(true)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Info("feed disconnected", zap.Error(err))
			c.notifyConnection(false)
			return
		}
		event, err := events.Decode(data)
		if err != nil {
			c.logger.Warn("feed frame dropped", zap.Error(err))
			continue
		}
		if event.ReceivedAt.IsZero() {
			event.ReceivedAt = time.Now().UTC()
		}
		if c.handler != nil {
			c.handler(event)
		}
	}
}

func (c *Client) notifyConnection(online bool) {
	c.mu.Lock()
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(online)
	}
}

// OnConnectionChanged registers a connectivity listener and returns its
// unsubscribe function.
func (c *Client) OnConnectionChanged(fn func(online bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) write(frame writeFrame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wsclient: encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsclient: write frame: %w", err)
	}
	return nil
}

// SendMessage sends the serialized message on the channel.
func (c *Client) SendMessage(_ context.Context, channelType, channelID string, message json.RawMessage) error {
	return c.write(writeFrame{
		Op:          "send-message",
		ChannelType: channelType,
		ChannelID:   channelID,
		Message:     message,
	})
}

// DeleteMessage deletes the message.
func (c *Client) DeleteMessage(_ context.Context, messageID string) error {
	return c.write(writeFrame{Op: "delete-message", MessageID: messageID})
}

// SendReaction adds a reaction to the message.
func (c *Client) SendReaction(_ context.Context, channelType, channelID, reactionType, messageID string) error {
	return c.write(writeFrame{
		Op:           "send-reaction",
		ChannelType:  channelType,
		ChannelID:    channelID,
		ReactionType: reactionType,
		MessageID:    messageID,
	})
}

// DeleteReaction removes a reaction from the message.
func (c *Client) DeleteReaction(_ context.Context, channelType, channelID, reactionType, messageID string) error {
	return c.write(writeFrame{
		Op:           "delete-reaction",
		ChannelType:  channelType,
		ChannelID:    channelID,
		ReactionType: reactionType,
		MessageID:    messageID,
	})
}

// MissedEvents is unsupported on the bare feed: the feed replays live events
// only, so the engine falls back to its reset path when a gap must be closed.
func (c *Client) MissedEvents(context.Context, []string, time.Time) ([]events.Event, error) {
	return nil, errors.New("wsclient: gap replay unsupported by feed")
}

// Close tears the socket down and waits for the read loop to settle.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
