package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"modalityd/internal/logging"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	logger      *logging.Logger
	peers       map[string]*Peer
	subscribers map[string]*Peer
	startedAt   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	eventChan     chan *InteractionEvent
}

// Peer represents a connected client
type Peer struct {
	mu           sync.Mutex
	ID           string
	UID          int
	conn         net.Conn
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time
	handshaken   bool

	writeMu sync.Mutex
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	Permissions    os.FileMode
	ReadTimeout    time.Duration // idle time before the server pings a peer
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxConnections int
	// SameUserOnly rejects peers whose credentials show a different UID.
	SameUserOnly bool
	Logger       *logging.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(dataDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(dataDir, "modalityd.sock"),
		Version:        "dev",
		Permissions:    0600,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxConnections: 32,
		SameUserOnly:   true,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	defaults := DefaultServerConfig(filepath.Dir(cfg.SocketPath))
	if cfg.Permissions == 0 {
		cfg.Permissions = defaults.Permissions
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger.WithComponent("ipc"),
		peers:       make(map[string]*Peer),
		subscribers: make(map[string]*Peer),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *InteractionEvent, 64),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := prepareSocket(s.cfg.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("ipc server listening", "socket", s.cfg.SocketPath, "max_connections", s.cfg.MaxConnections)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, peer := range s.peers {
		peer.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server shutdown timed out")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// PeerCount returns the number of connected peers
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// SubscriberCount returns the number of peers streaming events.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Broadcast queues an event for every subscribed peer. Events are dropped
// when the queue is full or the server is stopped.
func (s *Server) Broadcast(event *InteractionEvent) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	case <-s.ctx.Done():
	default:
		s.logger.Debug("event queue full, dropping event", "type", event.Type)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.RLock()
		count := len(s.peers)
		s.mu.RUnlock()
		if count >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "limit", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		peer := &Peer{
			ID:           uuid.NewString(),
			UID:          -1,
			conn:         conn,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		if cred, err := GetPeerCredentials(conn); err == nil {
			peer.UID = cred.UID
			if s.cfg.SameUserOnly && cred.UID != os.Getuid() {
				s.logger.Warn("rejecting peer from another user", "peer_uid", cred.UID, "pid", cred.PID)
				conn.Close()
				continue
			}
		} else if !errors.Is(err, ErrCredentialsUnavailable) {
			s.logger.Debug("peer credentials unavailable", "error", err)
		}

		s.mu.Lock()
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer.ID)
		delete(s.subscribers, peer.ID)
		s.mu.Unlock()
		peer.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		peer.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := ReadMessage(peer.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if err := s.sendMessage(peer, NewMessage(MsgPing, s.nextRequestID.Add(1), nil)); err != nil {
					return
				}
				continue
			}
			s.logger.Debug("dropping peer after read error", "peer", peer.ID, "error", err)
			return
		}

		peer.mu.Lock()
		peer.LastActivity = time.Now()
		peer.mu.Unlock()

		response, err := s.processMessage(peer, msg)
		if err != nil {
			s.logger.Error("request failed", "peer", peer.ID, "type", msg.Header.Type.String(), "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(peer, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(peer *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(peer, msg)
	}

	peer.mu.Lock()
	handshaken := peer.handshaken
	peer.mu.Unlock()
	if !handshaken {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "handshake required"), nil
	}

	switch msg.Header.Type {
	case MsgSubscribe:
		s.mu.Lock()
		s.subscribers[peer.ID] = peer
		s.mu.Unlock()
		return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{SubscriptionID: peer.ID})

	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, peer.ID)
		s.mu.Unlock()
		return NewMessage(MsgSubscribeResp, msg.Header.RequestID, nil), nil
	}

	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}

	reqID := s.logger.NewRequestID()
	ctx, cancel := context.WithTimeout(logging.ContextWithRequestID(s.ctx, reqID), s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.handler.HandleMessage(ctx, peer, msg)
	s.logger.WithRequestID(reqID).Debug("handled request",
		"peer", peer.ID,
		"type", msg.Header.Type.String(),
		"duration", time.Since(start),
	)
	return resp, err
}

func (s *Server) handleHandshake(peer *Peer, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	peer.mu.Lock()
	peer.Version = req.ClientVersion
	peer.Name = req.ClientName
	peer.handshaken = true
	peer.mu.Unlock()

	s.logger.Debug("peer connected", "peer", peer.ID, "client", req.ClientName, "uid", peer.UID)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		PeerID:          peer.ID,
	})
}

func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.eventChan:
			payload, err := Encode(event)
			if err != nil {
				s.logger.Error("encode event", "error", err)
				continue
			}

			s.mu.RLock()
			targets := make([]*Peer, 0, len(s.subscribers))
			for _, peer := range s.subscribers {
				targets = append(targets, peer)
			}
			s.mu.RUnlock()

			for _, peer := range targets {
				msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
				if err := s.sendMessage(peer, msg); err != nil {
					s.logger.Debug("event delivery failed", "peer", peer.ID, "error", err)
				}
			}
		}
	}
}

func (s *Server) sendMessage(peer *Peer, msg *Message) error {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()

	peer.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(peer.conn)
}

// StartedAt returns when the server began listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}
