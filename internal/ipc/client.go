package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// Client is the client for querying the modalityd daemon
type Client struct {
	mu      sync.RWMutex
	conn    net.Conn
	peerID  string
	version string

	writeMu   sync.Mutex
	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	events    chan *InteractionEvent
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(dataDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(dataDir, "modalityd.sock"),
		ClientName:     "modalityctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		pending: make(map[uint32]chan *Message),
		events:  make(chan *InteractionEvent, 64),
		ctx:     ctx,
		cancel:  cancel,
		config:  cfg,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *Client) Connect() error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.disconnect()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon and the event channel.
func (c *Client) Close() error {
	c.cancel()
	c.disconnect()
	c.wg.Wait()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// PeerID returns the ID the server assigned to this connection.
func (c *Client) PeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

// ServerVersion returns the daemon version reported at handshake.
func (c *Client) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Events returns the channel of streamed interaction events. It is only
// fed after Subscribe and is closed by Close.
func (c *Client) Events() <-chan *InteractionEvent {
	return c.events
}

func (c *Client) handshake() error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.call(context.Background(), MsgHandshake, req, MsgHandshakeAck, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.peerID = ack.PeerID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for the matching response.
func (c *Client) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		c.disconnect()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

// call performs a request and decodes a response of the wanted type into
// out. Daemon errors come back as *ErrorResponse.
func (c *Client) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}

	switch resp.Header.Type {
	case want:
		if out == nil {
			return nil
		}
		return Decode(resp.Payload, out)
	case MsgError:
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &errResp
	default:
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
}

func (c *Client) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	return msg.Write(conn)
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.disconnect()
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event InteractionEvent
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.events <- &event:
		default:
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status requests the daemon status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(ctx, MsgStatusRequest, nil, MsgStatusResponse, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// LastInteraction returns the most recent classified interaction.
func (c *Client) LastInteraction(ctx context.Context) (*LastInteractionResponse, error) {
	var resp LastInteractionResponse
	if err := c.call(ctx, MsgLastInteraction, nil, MsgLastInteractionResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UserInvoked asks whether an interaction happened within delay. A negative
// delay asks the daemon to use its configured default.
func (c *Client) UserInvoked(ctx context.Context, delay time.Duration) (*UserInvokedResponse, error) {
	var req UserInvokedRequest
	if delay >= 0 {
		ms := delay.Milliseconds()
		req.DelayMs = &ms
	}

	var resp UserInvokedResponse
	if err := c.call(ctx, MsgUserInvoked, &req, MsgUserInvokedResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns up to limit journaled transitions, newest first.
func (c *Client) History(ctx context.Context, limit int) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.call(ctx, MsgHistory, &HistoryRequest{Limit: limit}, MsgHistoryResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Metrics returns the daemon's metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (*MetricsResponse, error) {
	var resp MetricsResponse
	if err := c.call(ctx, MsgMetrics, nil, MsgMetricsResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe starts streaming interaction events to Events.
func (c *Client) Subscribe(ctx context.Context) (string, error) {
	var resp SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, nil, MsgSubscribeResp, &resp); err != nil {
		return "", err
	}
	return resp.SubscriptionID, nil
}

// Unsubscribe stops the event stream.
func (c *Client) Unsubscribe(ctx context.Context) error {
	return c.call(ctx, MsgUnsubscribe, nil, MsgSubscribeResp, nil)
}
