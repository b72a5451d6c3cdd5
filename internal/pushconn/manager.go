// Package pushconn owns the single push-channel connection of a session.
package pushconn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultWriteTimeout = 10 * time.Second

var ErrNotConnected = errors.New("push channel not connected")

type Status int

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusOpen
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	default:
		return "closed"
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// URL is the push endpoint; the session token is added as the "token" query parameter.
	URL    string
	Dialer Dialer
	// OnFrame receives every inbound frame of the live connection, in arrival order.
	OnFrame func(frame []byte)
	Logger  Logger
	// WriteTimeout bounds one outbound frame. Defaults to 10s.
	WriteTimeout time.Duration
}

// Manager keeps at most one open connection. It never reconnects on its own:
// after a drop the status stays Closed until Start is called again.
type Manager struct {
	baseURL      string
	dialer       Dialer
	onFrame      func([]byte)
	logger       Logger
	writeTimeout time.Duration

	mu        sync.Mutex
	gen       uint64
	token     string
	status    Status
	conn      Conn
	connCtx   context.Context
	cancel    context.CancelFunc
	changed   chan struct{}
	listeners map[int]func(Status)
	nextID    int
}

func NewManager(opts Options) (*Manager, error) {
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("push url is required")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid push url: %w", err)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Manager{
		baseURL:      rawURL,
		dialer:       dialer,
		onFrame:      opts.OnFrame,
		logger:       opts.Logger,
		writeTimeout: writeTimeout,
		changed:      make(chan struct{}),
		listeners:    map[int]func(Status){},
	}, nil
}

// SetToken starts the connection for token, or stops it when token is empty.
func (m *Manager) SetToken(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		m.Stop()
		return
	}
	m.Start(token)
}

// Start opens a connection for token. It returns immediately; the outcome is
// reported through the status. Starting with the token that is already
// connecting or open is a no-op, a different token replaces the connection.
func (m *Manager) Start(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	m.mu.Lock()
	if m.token == token && m.status != StatusClosed {
		m.mu.Unlock()
		return
	}
	closeConn := m.teardownLocked()
	m.gen++
	gen := m.gen
	m.token = token
	ctx, cancel := context.WithCancel(context.Background())
	m.connCtx = ctx
	m.cancel = cancel
	notify := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	closeConn()
	notify()

	go m.run(ctx, gen, token)
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if m.token == "" && m.status == StatusClosed {
		m.mu.Unlock()
		return
	}
	closeConn := m.teardownLocked()
	m.gen++
	m.token = ""
	notify := m.setStatusLocked(StatusClosed)
	m.mu.Unlock()
	closeConn()
	notify()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Connected() bool {
	return m.Status() == StatusOpen
}

// Send writes one frame on the open connection. ctx is only checked before
// the write starts: the write itself runs under the connection's lifetime and
// the write timeout, because abandoning a frame halfway would close the
// shared socket.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	connCtx := m.connCtx
	open := m.status == StatusOpen
	m.mu.Unlock()
	if !open || conn == nil || connCtx == nil {
		return ErrNotConnected
	}
	writeCtx, cancel := context.WithTimeout(connCtx, m.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, frame)
}

// Subscribe registers fn for status changes and returns its cancel func.
func (m *Manager) Subscribe(fn func(Status)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Wait blocks until the status equals want or ctx is done.
func (m *Manager) Wait(ctx context.Context, want Status) error {
	for {
		m.mu.Lock()
		status := m.status
		changed := m.changed
		m.mu.Unlock()
		if status == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s (current %s): %w", want, status, ctx.Err())
		case <-changed:
		}
	}
}

func (m *Manager) run(ctx context.Context, gen uint64, token string) {
	conn, err := m.dialer.Dial(ctx, m.connectURL(token))
	if err != nil {
		m.logf("push channel open failed: %v", err)
		m.closeGeneration(gen)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	notify := m.setStatusLocked(StatusOpen)
	m.mu.Unlock()
	notify()
	m.logf("push channel open")

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			if m.current(gen) {
				if closedByPeer(err) {
					m.logf("push channel closed by server")
				} else {
					m.logf("push channel dropped: %v", err)
				}
			}
			m.closeGeneration(gen)
			return
		}
		// A frame buffered on a connection that was stopped meanwhile is discarded.
		if !m.current(gen) {
			return
		}
		if m.onFrame != nil {
			m.onFrame(frame)
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) closeGeneration(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	closeConn := m.teardownLocked()
	notify := m.setStatusLocked(StatusClosed)
	m.mu.Unlock()
	closeConn()
	notify()
}

// teardownLocked detaches the live connection. The returned func closes it and
// must run after m.mu is released, since a close handshake can block.
func (m *Manager) teardownLocked() func() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.connCtx = nil
	conn := m.conn
	m.conn = nil
	if conn == nil {
		return func() {}
	}
	return func() {
		if err := conn.Close(); err != nil {
			m.logf("push channel close: %v", err)
		}
	}
}

// setStatusLocked records the new status and returns the listener fan-out,
// which must run after m.mu is released.
func (m *Manager) setStatusLocked(status Status) func() {
	if m.status == status {
		return func() {}
	}
	m.status = status
	close(m.changed)
	m.changed = make(chan struct{})
	listeners := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	return func() {
		for _, fn := range listeners {
			fn(status)
		}
	}
}

func (m *Manager) connectURL(token string) string {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return m.baseURL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
