package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"clipbridge/internal/envelope"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("ipc: not connected to daemon")
	ErrConnectionLost   = errors.New("ipc: connection to daemon lost")
	ErrDaemonNotRunning = errors.New("ipc: daemon is not running")
)

// ClientConfig configures a client connection.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	// RequestTimeout applies when the caller's context has no deadline.
	RequestTimeout time.Duration
}

// DefaultClientConfig returns defaults for socketPath.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "clipbridgectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// IPCClient is a connection to clipbridged.
type IPCClient struct {
	cfg  ClientConfig
	conn net.Conn
	ack  HandshakeResponse

	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   map[uint32]chan *Message
	nextID    atomic.Uint32
	closed    atomic.Bool
	done      chan struct{}

	events     chan Event
	eventsOnce sync.Once
}

// Dial connects and performs the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*IPCClient, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w (%s)", ErrDaemonNotRunning, cfg.SocketPath)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	c := &IPCClient{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint32]chan *Message),
		done:    make(chan struct{}),
		events:  make(chan Event, 256),
	}
	go c.readLoop()

	req := HandshakeRequest{ClientName: cfg.ClientName, ClientVersion: cfg.ClientVersion, ProtocolVersion: ProtocolVersion}
	if err := c.call(ctx, MsgHandshake, req, MsgHandshakeAck, &c.ack); err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

// SessionID is the id the daemon assigned to this connection.
func (c *IPCClient) SessionID() string { return c.ack.SessionID }

// ServerVersion is the daemon's version string.
func (c *IPCClient) ServerVersion() string { return c.ack.ServerVersion }

// State is the engine state reported at handshake.
func (c *IPCClient) State() string { return c.ack.State }

// Close drops the connection. Pending calls fail with ErrConnectionLost.
func (c *IPCClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *IPCClient) readLoop() {
	defer func() {
		c.closed.Store(true)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		c.eventsOnce.Do(func() { close(c.events) })
		close(c.done)
	}()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return
		}
		switch msg.Header.Type {
		case MsgPing:
			c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
		case MsgEvent:
			var ev Event
			if Decode(msg.Payload, &ev) == nil {
				select {
				case c.events <- ev:
				default:
				}
			}
		default:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.Header.RequestID]
			delete(c.pending, msg.Header.RequestID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *IPCClient) write(m *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return m.Write(c.conn)
}

// call sends a request and decodes the response into out. A MsgError
// reply is returned as *RemoteError.
func (c *IPCClient) call(ctx context.Context, t MessageType, req any, want MessageType, out any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	payload, err := Encode(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(t, id, payload)); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if resp.Header.Type == MsgError {
			var er ErrorResponse
			if err := Decode(resp.Payload, &er); err != nil {
				return fmt.Errorf("decode error reply: %w", err)
			}
			return &RemoteError{ErrorResponse: er}
		}
		if resp.Header.Type != want {
			return fmt.Errorf("unexpected reply %s to %s", resp.Header.Type, t)
		}
		if out == nil {
			return nil
		}
		return Decode(resp.Payload, out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping round-trips a ping frame.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.call(ctx, MsgStatus, nil, MsgStatusResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *IPCClient) Diagnostics(ctx context.Context) (*DiagnosticsResponse, error) {
	var out DiagnosticsResponse
	if err := c.call(ctx, MsgDiagnostics, nil, MsgDiagnosticsResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reinitialize restarts the engine. A Degraded outcome is reported in the
// response, not as an error.
func (c *IPCClient) Reinitialize(ctx context.Context) (*ReinitializeResponse, error) {
	var out ReinitializeResponse
	if err := c.call(ctx, MsgReinitialize, nil, MsgReinitializeResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *IPCClient) History(ctx context.Context, q envelope.HistoryQuery) (*HistoryResponse, error) {
	var out HistoryResponse
	if err := c.call(ctx, MsgHistory, q, MsgHistoryResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *IPCClient) Peers(ctx context.Context) (*PeersResponse, error) {
	var out PeersResponse
	if err := c.call(ctx, MsgPeers, nil, MsgPeersResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *IPCClient) Transfers(ctx context.Context) ([]envelope.TransferUpdate, error) {
	var out TransfersResponse
	if err := c.call(ctx, MsgTransfers, nil, MsgTransfersResp, &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

func (c *IPCClient) Logs(ctx context.Context, q envelope.LogQuery) ([]envelope.LogRow, error) {
	var out LogsResponse
	if err := c.call(ctx, MsgLogs, q, MsgLogsResp, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// Fetch makes an item local and applies it to the daemon's clipboard.
func (c *IPCClient) Fetch(ctx context.Context, itemID string) (*FetchResponse, error) {
	var out FetchResponse
	if err := c.call(ctx, MsgFetch, FetchRequest{ItemID: itemID}, MsgFetchResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *IPCClient) CancelTransfer(ctx context.Context, transferID string) error {
	return c.call(ctx, MsgCancelTransfer, CancelTransferRequest{TransferID: transferID}, MsgCancelTransferResp, nil)
}

// SetCapture toggles clipboard capture and returns the resulting setting.
func (c *IPCClient) SetCapture(ctx context.Context, on bool) (bool, error) {
	var out SetCaptureResponse
	if err := c.call(ctx, MsgSetCapture, SetCaptureRequest{Enabled: on}, MsgSetCaptureResp, &out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

// Subscribe starts the event stream. Events arrive on the returned channel
// until the connection closes; events are dropped while it is full.
func (c *IPCClient) Subscribe(ctx context.Context, types ...string) (<-chan Event, error) {
	var out SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, SubscribeRequest{Events: types}, MsgSubscribeResp, &out); err != nil {
		return nil, err
	}
	return c.events, nil
}

func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.call(ctx, MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}
