// Package wsclient is a reconnecting WebSocket client for the external
// speech-processor protocol: one JSON text envelope immediately followed
// by one binary payload message per fragment, in both directions.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamforge/live-media-service/internal/models"
)

// envelope is the JSON text frame that precedes every binary payload, and
// also carries payload-less control messages (subscribed, stream:complete,
// error).
type envelope struct {
	Type        string `json:"type"`
	Id          string `json:"id,omitempty"`
	StreamId    string `json:"streamId,omitempty"`
	BatchNumber int    `json:"batchNumber,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Message     string `json:"message,omitempty"`
}

const (
	typeSubscribe         = "subscribe"
	typeUnsubscribe       = "unsubscribe"
	typeFragmentAck       = "fragment:ack"
	typeFragmentProcessed = "fragment:processed"
	typeSubscribed        = "subscribed"
	typeFragmentData      = "fragment:data"
	typeStreamComplete    = "stream:complete"
	typeFragmentError     = "fragment:error"
	typeError             = "error"
)

// Result is the outcome of a submitted fragment once the processor
// replies with fragment:processed (Payload set) or fragment:error/error
// (Err set).
type Result struct {
	Payload []byte
	Err     error
}

// Callbacks receives out-of-band events from the processor connection.
type Callbacks struct {
	OnStreamComplete func(streamID models.StreamId)
	OnDisconnect     func(error)
	OnReconnected    func()
}

// Client is a reconnecting WebSocket client matching `fragment:processed`
// responses to outstanding requests by id, per SPEC_FULL.md §9's resolved
// Open Question: matching happens by id regardless of arrival order, not
// by a strict request/response pairing.
type Client struct {
	url       string
	dialer    websocket.Dialer
	callbacks Callbacks
	logger    *slog.Logger

	reconnectDelay time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	waitersMu sync.Mutex
	waiters   map[string]chan Result

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Client for the given processor URL (ws:// or wss://).
func New(url string, callbacks Callbacks, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:            url,
		dialer:         websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		callbacks:      callbacks,
		logger:         logger.With("component", "wsclient"),
		reconnectDelay: 2 * time.Second,
		waiters:        make(map[string]chan Result),
	}
}

// Connect dials the processor and starts the background read loop. It
// reconnects automatically on read-loop failure until Close is called.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx)
	return nil
}

// Close terminates the connection and stops reconnection attempts.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	if c.done != nil {
		<-c.done
	}

	c.failAllWaiters(fmt.Errorf("client closed"))
	return err
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing processor: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("processor connection lost, reconnecting", "error", err)
		if c.callbacks.OnDisconnect != nil {
			c.callbacks.OnDisconnect(err)
		}
		c.failAllWaiters(fmt.Errorf("connection lost: %w", err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}

		if err := c.dial(ctx); err != nil {
			c.logger.Error("reconnect failed", "error", err)
			continue
		}
		if c.callbacks.OnReconnected != nil {
			c.callbacks.OnReconnected()
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			c.logger.Warn("unexpected non-text frame where envelope was expected")
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed envelope", "error", err)
			continue
		}

		if err := c.handleEnvelope(conn, env); err != nil {
			c.logger.Warn("handling envelope failed", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) handleEnvelope(conn *websocket.Conn, env envelope) error {
	switch env.Type {
	case typeFragmentProcessed:
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading fragment payload: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			return fmt.Errorf("expected binary payload after fragment:processed, got type %d", msgType)
		}
		c.deliver(env.Id, Result{Payload: payload})

	case typeFragmentError, typeError:
		c.deliver(env.Id, Result{Err: fmt.Errorf("processor error: %s", env.Message)})

	case typeSubscribed, typeFragmentAck:
		c.logger.Debug("processor ack", "type", env.Type, "id", env.Id)

	case typeStreamComplete:
		if c.callbacks.OnStreamComplete != nil {
			c.callbacks.OnStreamComplete(models.StreamId(env.StreamId))
		}

	default:
		c.logger.Warn("unrecognized envelope type", "type", env.Type)
	}
	return nil
}

// SubmitFragment sends a FragmentDescriptor and its audio payload to the
// processor and waits for the matching fragment:processed response (or
// fragment:error), returning the processed audio bytes.
func (c *Client) SubmitFragment(ctx context.Context, desc models.FragmentDescriptor, payload []byte) ([]byte, error) {
	waiter := c.registerWaiter(desc.Id)
	defer c.unregisterWaiter(desc.Id)

	env := envelope{
		Type:        typeFragmentData,
		Id:          desc.Id,
		StreamId:    string(desc.StreamId),
		BatchNumber: desc.BatchNumber,
		ContentType: desc.ContentType,
		Size:        desc.Size,
	}
	if err := c.sendEnvelopeAndPayload(env, payload); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-waiter:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Payload, nil
	}
}

// Subscribe sends a subscribe frame for streamID.
func (c *Client) Subscribe(streamID models.StreamId) error {
	return c.sendEnvelope(envelope{Type: typeSubscribe, StreamId: string(streamID)})
}

// Unsubscribe sends an unsubscribe frame for streamID.
func (c *Client) Unsubscribe(streamID models.StreamId) error {
	return c.sendEnvelope(envelope{Type: typeUnsubscribe, StreamId: string(streamID)})
}

func (c *Client) sendEnvelope(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	return conn.WriteJSON(env)
}

func (c *Client) sendEnvelopeAndPayload(env envelope, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

func (c *Client) registerWaiter(id string) chan Result {
	ch := make(chan Result, 1)
	c.waitersMu.Lock()
	c.waiters[id] = ch
	c.waitersMu.Unlock()
	return ch
}

func (c *Client) unregisterWaiter(id string) {
	c.waitersMu.Lock()
	delete(c.waiters, id)
	c.waitersMu.Unlock()
}

// deliver resolves the waiter registered under id, if any. An id with no
// waiter present is logged and dropped rather than treated as an error,
// since the processor may retransmit or race a local timeout.
func (c *Client) deliver(id string, result Result) {
	c.waitersMu.Lock()
	ch, ok := c.waiters[id]
	c.waitersMu.Unlock()

	if !ok {
		c.logger.Warn("fragment response with no waiter", "id", id)
		return
	}

	select {
	case ch <- result:
	default:
	}
}

func (c *Client) failAllWaiters(err error) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()

	for id, ch := range c.waiters {
		select {
		case ch <- Result{Err: err}:
		default:
		}
		delete(c.waiters, id)
	}
}
