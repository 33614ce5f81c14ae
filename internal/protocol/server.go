package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// DefaultRequestTimeout bounds reading the request after accept.
const DefaultRequestTimeout = 10 * time.Second

// ErrAlreadyNotified is returned when a session's terminal notice was already sent.
var ErrAlreadyNotified = errors.New("session already notified")

// Listener is the Coordinator side of the coordination channel. Connections are
// accepted one at a time; the caller serves each to completion before the next Accept.
type Listener struct {
	listener       net.Listener
	requestTimeout time.Duration
	logger         *zap.Logger
}

// ListenerOption configures a Listener
type ListenerOption func(*Listener)

// WithRequestTimeout sets how long to wait for the request after accept
func WithRequestTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.requestTimeout = d
	}
}

// Listen binds addr with SO_REUSEADDR so a restarted coordinator can rebind immediately.
func Listen(ctx context.Context, addr string, logger *zap.Logger, options ...ListenerOption) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &Listener{
		listener:       ln,
		requestTimeout: DefaultRequestTimeout,
		logger:         logger,
	}
	for _, option := range options {
		option(l)
	}

	logger.Info("coordination listener started", zap.String("address", ln.Addr().String()))
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Accept waits for the next connection and reads its request. A connection that
// sends a malformed request is closed without a response and an error wrapping
// ErrMalformed is returned; the listener stays usable. Cancelling ctx closes
// the listener.
func (l *Listener) Accept(ctx context.Context) (*ServerSession, error) {
	stop := context.AfterFunc(ctx, func() {
		l.listener.Close()
	})
	defer stop()

	conn, err := l.listener.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if l.requestTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.requestTimeout))
	}
	stopRead := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	req, err := ReadRequest(conn)
	stopRead()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			conn.Close()
			return nil, ctxErr
		}
		conn.Close()
		if !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrBadMagic) &&
			!errors.Is(err, ErrFrameTooLarge) && !errors.Is(err, ErrUnexpectedType) {
			err = fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("rejected request from %s: %w", conn.RemoteAddr(), err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return &ServerSession{conn: conn, req: req, logger: l.logger}, nil
}

// ServerSession is the single in-flight coordination connection. It sends exactly
// one ready followed by exactly one completed or error.
type ServerSession struct {
	conn   net.Conn
	req    domain.CoordinationRequest
	logger *zap.Logger

	mu        sync.Mutex
	readySent bool
	finished  bool
	closed    bool
}

// Request returns the validated request.
func (s *ServerSession) Request() domain.CoordinationRequest {
	return s.req
}

// RemoteAddr returns the requester's address.
func (s *ServerSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// NotifyReady sends the ready response.
func (s *ServerSession) NotifyReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readySent {
		return fmt.Errorf("ready: %w", ErrAlreadyNotified)
	}
	if s.closed {
		return net.ErrClosed
	}
	s.readySent = true
	return WriteResponse(s.conn, domain.CoordinationResponse{Status: domain.StatusReady})
}

// NotifyCompleted sends the completion notice.
func (s *ServerSession) NotifyCompleted() error {
	return s.finish(domain.CoordinationResponse{Status: domain.StatusCompleted})
}

// NotifyError sends an error notice with detail.
func (s *ServerSession) NotifyError(detail string) error {
	return s.finish(domain.CoordinationResponse{Status: domain.StatusError, Detail: detail})
}

func (s *ServerSession) finish(resp domain.CoordinationResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readySent {
		return fmt.Errorf("%s before ready: %w", resp.Status, ErrUnexpectedStatus)
	}
	if s.finished {
		return fmt.Errorf("%s: %w", resp.Status, ErrAlreadyNotified)
	}
	if s.closed {
		return net.ErrClosed
	}
	s.finished = true
	return WriteResponse(s.conn, resp)
}

// Close closes the connection. Safe to call more than once.
func (s *ServerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Ensure ServerSession implements domain.CompletionNotifier.
var _ domain.CompletionNotifier = (*ServerSession)(nil)
