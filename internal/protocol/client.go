package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// DefaultDialTimeout bounds connecting to the coordinator.
const DefaultDialTimeout = 10 * time.Second

// Client is the Requester side of the coordination channel.
type Client struct {
	dialTimeout  time.Duration
	readyTimeout time.Duration
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithDialTimeout sets the connect timeout
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithReadyTimeout bounds the wait for ready. Zero waits until ctx is done,
// which lets a request queue behind a trial the coordinator is still serving.
func WithReadyTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.readyTimeout = d
	}
}

// NewClient creates a coordination client.
func NewClient(options ...ClientOption) *Client {
	c := &Client{dialTimeout: DefaultDialTimeout}
	for _, option := range options {
		option(c)
	}
	return c
}

// Session is an open coordination connection on which ready has been received.
type Session struct {
	conn      net.Conn
	req       domain.CoordinationRequest
	closeOnce sync.Once
	closeErr  error
}

// Negotiate connects to addr, sends the request and waits for ready. Any failure
// closes the connection; the caller must skip the trial.
func (c *Client) Negotiate(ctx context.Context, addr, algorithm string, size int64) (*Session, error) {
	req := domain.CoordinationRequest{Algorithm: algorithm, Size: size}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator %s: %w", addr, err)
	}
	s := &Session{conn: conn, req: req}

	if err := WriteRequest(conn, req); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var deadline time.Time
	if c.readyTimeout > 0 {
		deadline = time.Now().Add(c.readyTimeout)
	}
	resp, err := s.read(ctx, deadline)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to read ready: %w", err)
	}
	if resp.Status != domain.StatusReady {
		s.Close()
		return nil, fmt.Errorf("%w: status %q %s", ErrNotReady, resp.Status, resp.Detail)
	}
	return s, nil
}

// Request returns the negotiated request.
func (s *Session) Request() domain.CoordinationRequest {
	return s.req
}

// AwaitCompletion performs exactly one more read and expects completed. The
// connection is closed whatever the outcome.
func (s *Session) AwaitCompletion(ctx context.Context) error {
	defer s.Close()

	resp, err := s.read(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to read completion: %w", err)
	}
	if resp.Status != domain.StatusCompleted {
		if resp.Detail != "" {
			return fmt.Errorf("%w: %q: %s", ErrUnexpectedStatus, resp.Status, resp.Detail)
		}
		return fmt.Errorf("%w: %q", ErrUnexpectedStatus, resp.Status)
	}
	return nil
}

// Close closes the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// read reads one response, unblocking when ctx is done.
func (s *Session) read(ctx context.Context, deadline time.Time) (domain.CoordinationResponse, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return domain.CoordinationResponse{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	resp, err := ReadResponse(s.conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && isTimeout(err) {
			return resp, ctxErr
		}
		return resp, err
	}
	return resp, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
