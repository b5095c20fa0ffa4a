package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server accepts client connections on a Unix socket.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	version     string
	startedAt   time.Time
	stopped     bool

	maxConns     int
	idleTimeout  time.Duration
	writeTimeout time.Duration
	allowedUIDs  []int
	log          *slog.Logger

	// authorize vets a new connection; tests replace it.
	authorize func(net.Conn) (*PeerCredentials, error)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	nextClientID  atomic.Uint64

	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Peer         *PeerCredentials
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

type subscription struct {
	clientID string
	events   map[string]bool // empty means all
}

func (s *subscription) wants(kind string) bool {
	return len(s.events) == 0 || s.events[kind]
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	MaxConnections int
	// IdleTimeout disconnects clients that send nothing for this long.
	// Subscribed clients are pinged instead.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// AllowedUIDs may connect in addition to the daemon's own user and root.
	AllowedUIDs []int
	Logger      *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		MaxConnections: 16,
		IdleTimeout:    5 * time.Minute,
		WriteTimeout:   5 * time.Second,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath:   cfg.SocketPath,
		handler:      handler,
		version:      cfg.Version,
		clients:      make(map[string]*Client),
		subscribers:  make(map[string]*subscription),
		maxConns:     cfg.MaxConnections,
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
		allowedUIDs:  slices.Clone(cfg.AllowedUIDs),
		log:          log.With("component", "ipc"),
		ctx:          ctx,
		cancel:       cancel,
		eventChan:    make(chan *Event, 100),
	}
	s.authorize = s.checkPeer
	return s, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if IsSocketListening(s.socketPath) {
		return fmt.Errorf("another daemon is listening on %s", s.socketPath)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := CleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Other users can only reach the socket when they are explicitly
	// allowed; their credentials are still checked on accept.
	mode := os.FileMode(0o600)
	if len(s.allowedUIDs) > 0 {
		mode = 0o666
	}
	if err := SetSocketPermissions(s.socketPath, mode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and every client, then removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	s.stopped = true
	close(s.eventChan)
	for _, client := range s.clients {
		client.conn.Close()
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
		s.log.Warn("timed out waiting for connections to close")
	}

	// The listener normally unlinks the socket itself.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.socketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Version returns the version reported to clients.
func (s *Server) Version() string {
	return s.version
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for subscribed clients. Events are sent in
// the order they are queued; when the queue is full the event is dropped.
func (s *Server) Broadcast(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.log.Warn("event queue full, dropping event", "kind", event.Kind)
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
			s.log.Warn("accept failed", "error", err)
			continue
		}

		peer, err := s.authorize(conn)
		if err != nil {
			s.log.Warn("rejected connection", "error", err)
			s.reject(conn, CodePermissionDenied, err.Error())
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		if len(s.clients) >= s.maxConns {
			s.mu.Unlock()
			s.log.Warn("too many connections", "limit", s.maxConns)
			s.reject(conn, CodeUnavailable, "too many connections")
			continue
		}
		now := time.Now()
		client := &Client{
			ID:           fmt.Sprintf("client-%d", s.nextClientID.Add(1)),
			conn:         conn,
			Peer:         peer,
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.clients[client.ID] = client
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(client)
	}
}

// reject tells the peer why before hanging up.
func (s *Server) reject(conn net.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	NewErrorMessage(0, code, reason).Write(conn)
	conn.Close()
}

// checkPeer admits the daemon's own user, root and the allowed uids.
func (s *Server) checkPeer(conn net.Conn) (*PeerCredentials, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: peer credentials: %v", ErrPermissionDenied, err)
	}
	if cred.UID == os.Getuid() || cred.UID == 0 || slices.Contains(s.allowedUIDs, cred.UID) {
		return cred, nil
	}
	return nil, fmt.Errorf("%w: uid %d", ErrPermissionDenied, cred.UID)
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
		s.log.Debug("client disconnected", "client", client.ID)
	}()

	s.log.Debug("client connected", "client", client.ID)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.subscribed(client.ID) {
					s.sendPing(client)
					continue
				}
				s.log.Debug("closing idle client", "client", client.ID)
				return
			}
			s.log.Debug("read failed", "client", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = errorMessageFor(msg.Header.RequestID, err)
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil

	default:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "no handler"), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	s.log.Debug("handshake", "client", client.ID, "name", req.ClientName, "version", req.ClientVersion)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid subscribe request"), nil
	}

	sub := &subscription{clientID: client.ID, events: make(map[string]bool)}
	for _, kind := range req.Events {
		sub.events[kind] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

func (s *Server) subscribed(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscribers[clientID]
	return ok
}

// eventBroadcaster delivers queued events one at a time so every client
// sees them in order.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		payload, err := Encode(event)
		if err != nil {
			s.log.Error("encode event", "kind", event.Kind, "error", err)
			continue
		}

		s.mu.RLock()
		var targets []*Client
		for clientID, sub := range s.subscribers {
			if !sub.wants(event.Kind) {
				continue
			}
			if client, ok := s.clients[clientID]; ok {
				targets = append(targets, client)
			}
		}
		s.mu.RUnlock()

		for _, client := range targets {
			msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
			if err := s.sendMessage(client, msg); err != nil {
				s.log.Debug("event delivery failed", "client", client.ID, "error", err)
				client.conn.Close()
			}
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) {
	s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
