package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"keylock/internal/coordinator"
	"keylock/internal/history"
)

var (
	// ErrConnectionLost is returned for requests cut off by a disconnect.
	ErrConnectionLost = errors.New("connection to keylockd lost")

	// ErrDaemonNotRunning is returned when nothing listens on the socket.
	ErrDaemonNotRunning = errors.New("keylockd is not running")
)

// IPCClient talks to keylockd. One client is one connection; create a new
// client to reconnect.
type IPCClient struct {
	mu            sync.RWMutex
	conn          net.Conn
	clientID      string
	serverVersion string
	err           error

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	eventChan chan *Event
	done      chan struct{}

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
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "keylockctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	def := DefaultClientConfig(cfg.SocketPath)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, 64),
		done:      make(chan struct{}),
		config:    cfg,
	}
}

// Dial creates a client and connects it.
func Dial(cfg ClientConfig) (*IPCClient, error) {
	c := NewClient(cfg)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the socket and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w (%s)", ErrDaemonNotRunning, c.config.SocketPath)
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection. Pending requests fail with
// ErrConnectionLost and the event channel is closed.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed when the connection ends.
func (c *IPCClient) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, if the daemon said.
func (c *IPCClient) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// ClientID returns the id the daemon assigned to this connection.
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon's version.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVersion
}

// Events returns pushed events once Subscribe succeeded. The channel is
// closed when the connection ends.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake() error {
	var ack HandshakeResponse
	err := c.call(MsgHandshake, &HandshakeRequest{
		ClientName:      c.config.ClientName,
		ClientVersion:   c.config.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.serverVersion = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// call sends a request, waits for the reply and decodes it into out.
func (c *IPCClient) call(msgType MessageType, payload any, expect MessageType, out any) error {
	resp, err := c.request(msgType, payload, c.config.RequestTimeout)
	if err != nil {
		return err
	}
	if resp.Header.Type == MsgError {
		return remoteError(resp)
	}
	if resp.Header.Type != expect {
		return fmt.Errorf("unexpected response %s to %s", resp.Header.Type, msgType)
	}
	if out == nil {
		return nil
	}
	if err := Decode(resp.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", resp.Header.Type, err)
	}
	return nil
}

func (c *IPCClient) request(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		if err := c.Err(); err != nil {
			return nil, err
		}
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
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := c.write(NewMessage(msgType, reqID, data)); err != nil {
		// The daemon may have refused the connection; prefer its reason.
		select {
		case <-c.done:
			if rerr := c.Err(); rerr != nil {
				return nil, rerr
			}
		case <-timer.C:
		}
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return msg.Write(conn)
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer close(c.done)
	defer close(c.eventChan)
	defer c.shutdown()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}
		if !c.handleMessage(msg) {
			return
		}
	}
}

// shutdown fails every pending request once the reader is gone.
func (c *IPCClient) shutdown() {
	c.connected.Store(false)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// handleMessage dispatches one incoming message. It returns false when the
// daemon refused the connection.
func (c *IPCClient) handleMessage(msg *Message) bool {
	switch msg.Header.Type {
	case MsgPong:

	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return true
		}
		select {
		case c.eventChan <- &event:
		default:
			// Reader is not keeping up; drop rather than stall replies.
		}

	default:
		if msg.Header.Type == MsgError && msg.Header.RequestID == 0 {
			c.mu.Lock()
			c.err = remoteError(msg)
			c.mu.Unlock()
			return false
		}
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
	return true
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	return c.call(MsgPing, nil, MsgPong, nil)
}

// Status returns the daemon state.
func (c *IPCClient) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(MsgStatusRequest, nil, MsgStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lock starts a session on device, or on the selection when device is
// empty. The returned state is taken right after the session started, so
// it may still show idle until the grab lands.
func (c *IPCClient) Lock(device string) (coordinator.Snapshot, error) {
	var resp StateResponse
	err := c.call(MsgLock, &LockRequest{Device: device}, MsgLockResp, &resp)
	return resp.State, err
}

// Unlock asks the running session to release its device.
func (c *IPCClient) Unlock() (coordinator.Snapshot, error) {
	var resp StateResponse
	err := c.call(MsgUnlock, nil, MsgUnlockResp, &resp)
	return resp.State, err
}

// Select changes the selected device.
func (c *IPCClient) Select(device string) (coordinator.Snapshot, error) {
	var resp StateResponse
	err := c.call(MsgSelect, &SelectRequest{Device: device}, MsgSelectResp, &resp)
	return resp.State, err
}

// SetUnlockKey changes the unlock letter.
func (c *IPCClient) SetUnlockKey(key string) (*SetUnlockKeyResponse, error) {
	var resp SetUnlockKeyResponse
	if err := c.call(MsgSetUnlockKey, &SetUnlockKeyRequest{Key: key}, MsgSetUnlockKeyResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Devices lists the keyboards the daemon knows about.
func (c *IPCClient) Devices() (*DevicesResponse, error) {
	var resp DevicesResponse
	if err := c.call(MsgListDevices, nil, MsgListDevicesResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rescan asks the daemon to scan for devices now and returns the result.
func (c *IPCClient) Rescan() (*DevicesResponse, error) {
	var resp DevicesResponse
	if err := c.call(MsgRescan, nil, MsgRescanResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns up to limit recent sessions, newest first.
func (c *IPCClient) History(limit int) ([]history.Record, error) {
	var resp HistoryResponse
	if err := c.call(MsgGetHistory, &HistoryRequest{Limit: limit}, MsgGetHistoryResp, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Subscribe starts event delivery on Events. With no kinds, every event is
// delivered.
func (c *IPCClient) Subscribe(kinds ...string) error {
	return c.call(MsgSubscribe, &SubscribeRequest{Events: kinds}, MsgSubscribeResp, nil)
}

// Unsubscribe stops event delivery.
func (c *IPCClient) Unsubscribe() error {
	return c.call(MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}
