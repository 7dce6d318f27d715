package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/SlideGo/internal/config"
	"github.com/cjeanneret/SlideGo/internal/debug"
)

// rejectLinger bounds how long a refused connection is drained before close.
const rejectLinger = 100 * time.Millisecond

// Config holds the server settings.
type Config struct {
	Addr             string
	MaxConnections   int
	Tick             time.Duration
	HandshakeTimeout time.Duration // also bounds receiving one message
	MaxMessageBytes  int
}

// ConfigFrom extracts the server settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Addr:             cfg.Addr(),
		MaxConnections:   cfg.Server.MaxConnections,
		Tick:             cfg.Tick(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		MaxMessageBytes:  cfg.Server.MaxMessageBytes,
	}
}

// Server accepts WebSocket clients and services them from a single loop:
// each tick polls the listener and every connection for readiness,
// accepts at most one client, takes one read from each ready socket and
// answers at most one message per client, then pushes pending status
// events. Requests and frames are decoded once fully buffered, so a slow
// peer never holds up the others. Plain HTTP requests get the control
// page.
type Server struct {
	cfg         Config
	dispatcher  *Dispatcher
	broadcaster *StatusBroadcaster
	page        fs.FS

	mu          sync.Mutex
	ln          *net.TCPListener
	lnFd        int
	pending     []*Conn // accepted, not upgraded yet
	conns       []*Conn
	events      <-chan string
	unsubscribe func()
}

// NewServer creates a server. broadcaster may be nil.
func NewServer(cfg Config, d *Dispatcher, b *StatusBroadcaster) *Server {
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4096
	}
	return &Server{cfg: cfg, dispatcher: d, broadcaster: b, page: pageFS()}
}

// Start binds the listening socket.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("listen %s: not a TCP listener", s.cfg.Addr)
	}
	fd, err := fdOf(tl)
	if err != nil {
		ln.Close()
		return fmt.Errorf("listener descriptor: %w", err)
	}

	s.mu.Lock()
	s.ln, s.lnFd = tl, fd
	if s.broadcaster != nil && s.events == nil {
		s.events, s.unsubscribe = s.broadcaster.Subscribe()
	}
	s.mu.Unlock()

	debug.Info("WebSocket server listening on %s (max %d clients)", tl.Addr(), s.cfg.MaxConnections)
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Count returns the number of active connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run services clients every tick until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Start(); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return s.Shutdown()
		case <-ticker.C:
		}
	}
}

// Tick runs one service pass.
func (s *Server) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return
	}
	pending := slices.Clone(s.pending)
	conns := slices.Clone(s.conns)
	fds := make([]int, 0, len(pending)+len(conns)+1)
	fds = append(fds, s.lnFd)
	s.mu.Unlock()
	for _, c := range pending {
		fds = append(fds, c.fd)
	}
	for _, c := range conns {
		fds = append(fds, c.fd)
	}

	ready, err := pollReadable(fds)
	if err != nil {
		debug.Error(err)
		return
	}
	now := time.Now()
	if ready[0] {
		s.accept(now)
	}
	for i, c := range pending {
		s.advance(c, ready[i+1], now)
	}
	for i, c := range conns {
		s.service(ctx, c, ready[i+1+len(pending)], now)
	}
	s.flushEvents()
}

func (s *Server) accept(now time.Time) {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	// readiness can be stale; never block the loop on Accept
	_ = ln.SetDeadline(now.Add(s.cfg.Tick))
	nc, err := ln.Accept()
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			debug.Error(fmt.Errorf("accept: %w", err))
		}
		return
	}
	addr := nc.RemoteAddr().String()

	s.mu.Lock()
	full := len(s.pending)+len(s.conns) >= s.cfg.MaxConnections
	s.mu.Unlock()
	if full {
		debug.Client("rejected, too many connections", addr)
		go func() {
			_ = nc.SetWriteDeadline(time.Now().Add(rejectLinger))
			_, _ = nc.Write([]byte(responseTooMany))
			_ = lingerClose(nc, rejectLinger)
		}()
		return
	}

	c, err := newConn(nc, s.cfg.MaxMessageBytes, s.cfg.HandshakeTimeout)
	if err != nil {
		debug.Error(fmt.Errorf("client %s: %w", addr, err))
		nc.Close()
		return
	}
	c.since = now
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
}

// advance moves a pending connection through its opening request. It is
// upgraded, answered and closed, or dropped once the handshake timeout
// passes.
func (s *Server) advance(c *Conn, ready bool, now time.Time) {
	if ready {
		if err := c.fill(now, now.Add(s.cfg.Tick)); err != nil {
			s.abandon(c, err)
			return
		}
	}
	done, upgraded, err := c.upgrade(now, s.page)
	if err != nil {
		debug.Client(fmt.Sprintf("handshake failed: %v", err), c.addr)
	}
	switch {
	case upgraded:
		s.mu.Lock()
		if i := slices.Index(s.pending, c); i >= 0 {
			s.pending = slices.Delete(s.pending, i, i+1)
		}
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		debug.Client("connected", c.addr)
	case done:
		if err == nil {
			debug.Client("served control page", c.addr)
		}
		s.abandon(c, nil)
	case c.stalled(now, s.cfg.HandshakeTimeout):
		s.abandon(c, fmt.Errorf("%w: handshake timed out", ErrProtocol))
	}
}

// abandon removes a connection that never upgraded. Whatever was written
// to it is drained off the loop.
func (s *Server) abandon(c *Conn, cause error) {
	s.mu.Lock()
	i := slices.Index(s.pending, c)
	if i >= 0 {
		s.pending = slices.Delete(s.pending, i, i+1)
	}
	s.mu.Unlock()
	if i < 0 {
		return
	}
	if cause != nil && !errors.Is(cause, ErrConnectionClosed) {
		debug.Client(fmt.Sprintf("dropped: %v", cause), c.addr)
	}
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	go func() { _ = lingerClose(c.nc, rejectLinger) }()
}

// service takes what c has sent and answers at most one message. A
// message left incomplete for longer than the handshake timeout drops c.
func (s *Server) service(ctx context.Context, c *Conn, ready bool, now time.Time) {
	if ready {
		if err := c.fill(now, now.Add(s.cfg.Tick)); err != nil {
			s.drop(c, err)
			return
		}
	}
	if !ready && !c.buffered() {
		return
	}
	msg, err := c.nextMessage(now)
	if err != nil {
		s.drop(c, err)
		return
	}
	if msg == nil {
		if c.stalled(now, s.cfg.HandshakeTimeout) {
			s.drop(c, fmt.Errorf("%w: message timed out", ErrProtocol))
		}
		return
	}
	if debug.IsEnabled(debug.LevelTrace) {
		debug.Trace("Client %s: %s", c.addr, msg)
	}
	resp := s.dispatcher.Handle(ctx, msg)
	if err := c.WriteJSON(resp); err != nil {
		s.drop(c, err)
	}
}

// flushEvents writes pending broadcaster events to every client.
func (s *Server) flushEvents() {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	if events == nil {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.mu.Lock()
				s.events = nil
				s.mu.Unlock()
				return
			}
			s.mu.Lock()
			conns := slices.Clone(s.conns)
			s.mu.Unlock()
			for _, c := range conns {
				if err := c.WriteText([]byte(ev)); err != nil {
					s.drop(c, err)
				}
			}
		default:
			return
		}
	}
}

// drop removes c from the active set and closes it, once.
func (s *Server) drop(c *Conn, cause error) {
	s.mu.Lock()
	i := slices.Index(s.conns, c)
	if i >= 0 {
		s.conns = slices.Delete(s.conns, i, i+1)
	}
	s.mu.Unlock()
	if i < 0 {
		return
	}

	var err error
	switch {
	case errors.Is(cause, ErrMessageTooLarge):
		err = c.closeWith(closeMessageTooBig)
	case errors.Is(cause, ErrProtocol):
		err = c.closeWith(closeProtocolError)
	default:
		err = c.Close()
	}
	if errors.Is(cause, ErrConnectionClosed) {
		debug.Client("disconnected", c.addr)
	} else {
		debug.Client(fmt.Sprintf("dropped: %v", cause), c.addr)
	}
	if err != nil {
		debug.Error(fmt.Errorf("close %s: %w", c.addr, err))
	}
}

// Shutdown closes every connection, then the listener.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	conns := s.conns
	pending := s.pending
	s.conns, s.pending = nil, nil
	ln := s.ln
	s.ln = nil
	unsubscribe := s.unsubscribe
	s.events, s.unsubscribe = nil, nil
	s.mu.Unlock()

	var err error
	for _, c := range pending {
		err = multierr.Append(err, c.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.closeWith(closeGoingAway))
	}
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	debug.Info("WebSocket server stopped (%d clients closed)", len(conns))
	return err
}
