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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"clipbridge/internal/config"
)

// ErrAlreadyRunning is returned by Start when another daemon answers on the
// socket.
var ErrAlreadyRunning = errors.New("ipc: daemon already listening on socket")

// Handler processes request frames.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// ServerConfig configures the socket server.
type ServerConfig struct {
	SocketPath     string
	Permissions    os.FileMode
	MaxConnections int
	// IdleTimeout is how long a connection may stay silent before the
	// server pings it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
	// State reports the engine state in handshake acks.
	State  func() string
	Logger *slog.Logger
}

// ServerConfigFrom builds a ServerConfig from the [ipc] section.
func ServerConfigFrom(c config.IPCConfig, version string) (ServerConfig, error) {
	perm, err := strconv.ParseUint(c.Permissions, 8, 32)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("ipc permissions %q: %w", c.Permissions, err)
	}
	return ServerConfig{
		SocketPath:     c.SocketPath,
		Permissions:    os.FileMode(perm),
		MaxConnections: c.MaxConnections,
		IdleTimeout:    time.Duration(c.TimeoutSec) * time.Second,
		WriteTimeout:   10 * time.Second,
		Version:        version,
	}, nil
}

// Server accepts client connections on a Unix socket.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	clients  map[string]*Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextEventID atomic.Uint32
	events      chan Event
	dropped     atomic.Uint64
}

// Client is one connected peer.
type Client struct {
	ID          string
	Name        string
	Version     string
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	subscription string
	filter       map[string]bool
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last frame received.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Client) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscription == "" {
		return false
	}
	return len(c.filter) == 0 || c.filter[eventType]
}

// NewServer creates a stopped server.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0o600
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     logger.With("component", "ipc"),
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, 256),
	}
}

// Start binds the socket and begins accepting.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := cleanupSocket(s.cfg.SocketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		ln.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(2)
	go s.broadcaster()
	go s.acceptLoop(ln)
	s.log.Info("ipc listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection and waits for handlers.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.clients {
		c.conn.Close()
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
		s.log.Warn("ipc handlers still running after stop")
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

// SocketPath returns the bound path.
func (s *Server) SocketPath() string { return s.cfg.SocketPath }

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns the number of events dropped because the broadcast
// queue was full.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Broadcast queues ev for every subscribed client. It never blocks.
func (s *Server) Broadcast(ev Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.events <- ev:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.log.Warn("ipc event queue full, dropping", "dropped", s.dropped.Load())
		}
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if ok, err := verifyPeer(conn); !ok {
			s.log.Warn("rejected connection from another user", "error", err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		now := time.Now()
		c := &Client{ID: uuid.NewString(), ConnectedAt: now, conn: conn, lastActivity: now}
		s.clients[c.ID] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *Client) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(s.ctx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.mu.Lock()
		delete(s.clients, c.ID)
		s.mu.Unlock()
		c.conn.Close()
		s.log.Debug("client disconnected", "client", c.ID, "name", c.Name)
	}()

	for {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := ReadMessage(c.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.send(c, NewMessage(MsgPing, s.nextEventID.Add(1), nil)) != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.log.Debug("read failed", "client", c.ID, "error", err)
			}
			return
		}
		c.touch()

		if resp, handled := s.control(c, msg); handled {
			if resp != nil && s.send(c, resp) != nil {
				return
			}
			continue
		}

		// Requests run concurrently so a long fetch does not hold up
		// pings or other requests on the same connection.
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			resp := s.dispatch(ctx, c, msg)
			if resp != nil {
				s.send(c, resp)
			}
		}()
	}
}

// control answers the frames the server owns.
func (s *Server) control(c *Client, msg *Message) (*Message, bool) {
	id := msg.Header.RequestID
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, id, nil), true
	case MsgPong:
		return nil, true
	case MsgHandshake:
		var req HandshakeRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalidRequest(id, "invalid handshake: %v", err), true
		}
		if req.ProtocolVersion > ProtocolVersion {
			return invalidRequest(id, "protocol version %d not supported", req.ProtocolVersion), true
		}
		c.mu.Lock()
		c.Name, c.Version = req.ClientName, req.ClientVersion
		c.mu.Unlock()
		s.log.Debug("client connected", "client", c.ID, "name", req.ClientName, "version", req.ClientVersion)

		ack := HandshakeResponse{ServerVersion: s.cfg.Version, ProtocolVersion: ProtocolVersion, SessionID: c.ID}
		if s.cfg.State != nil {
			ack.State = s.cfg.State()
		}
		return mustResponse(MsgHandshakeAck, id, ack), true
	case MsgSubscribe:
		var req SubscribeRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalidRequest(id, "invalid subscribe request: %v", err), true
		}
		filter := make(map[string]bool, len(req.Events))
		for _, e := range req.Events {
			filter[e] = true
		}
		c.mu.Lock()
		c.subscription = uuid.NewString()
		c.filter = filter
		subID := c.subscription
		c.mu.Unlock()
		return mustResponse(MsgSubscribeResp, id, SubscribeResponse{SubscriptionID: subID}), true
	case MsgUnsubscribe:
		c.mu.Lock()
		c.subscription, c.filter = "", nil
		c.mu.Unlock()
		return NewMessage(MsgUnsubscribeResp, id, nil), true
	}
	return nil, false
}

func (s *Server) dispatch(ctx context.Context, c *Client, msg *Message) (resp *Message) {
	id := msg.Header.RequestID
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("ipc handler panicked", "type", msg.Header.Type.String(), "panic", r)
			resp = NewErrorMessage(id, fmt.Errorf("internal error: %v", r))
		}
	}()
	if s.handler == nil {
		return invalidRequest(id, "no handler")
	}
	resp, err := s.handler.HandleMessage(ctx, c, msg)
	if err != nil {
		return NewErrorMessage(id, err)
	}
	return resp
}

func (s *Server) broadcaster() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			payload, err := Encode(ev)
			if err != nil {
				s.log.Warn("encode event", "error", err)
				continue
			}
			s.mu.RLock()
			targets := make([]*Client, 0, len(s.clients))
			for _, c := range s.clients {
				if c.wants(ev.Type) {
					targets = append(targets, c)
				}
			}
			s.mu.RUnlock()

			for _, c := range targets {
				if err := s.send(c, NewMessage(MsgEvent, s.nextEventID.Add(1), payload)); err != nil {
					s.log.Debug("event delivery failed", "client", c.ID, "error", err)
					c.conn.Close()
				}
			}
		}
	}
}

func (s *Server) send(c *Client, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(c.conn)
}

func mustResponse(t MessageType, id uint32, v any) *Message {
	m, err := NewResponse(t, id, v)
	if err != nil {
		return NewErrorMessage(id, err)
	}
	return m
}

// cleanupSocket removes a stale socket left by a previous run.
func cleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return ErrAlreadyRunning
	}
	return os.Remove(path)
}
