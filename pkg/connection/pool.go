// Package connection provides a thread-safe pool of TCP connections to an
// ehashdb server. Each connection speaks the line protocol: one request line
// out, one reply line back.
package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// Conn is a pooled connection. Close returns it to the pool; ForceClose
// discards it.
type Conn struct {
	net.Conn
	reader *bufio.Reader
	pool   *Pool
}

// Do sends one request line and reads the reply without the trailing newline.
// The connection is unusable after an error and should be force-closed.
func (c *Conn) Do(ctx context.Context, line string) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.pool.timeout)
	}
	if err := c.SetDeadline(deadline); err != nil {
		return "", err
	}
	if _, err := io.WriteString(c.Conn, line+"\n"); err != nil {
		return "", fmt.Errorf("error sending request to %s: %w", c.pool.address, err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("error reading reply from %s: %w", c.pool.address, err)
	}
	return strings.TrimSuffix(reply, "\n"), nil
}

// Close returns the connection to the pool. It doesn't close the underlying
// TCP connection.
func (c *Conn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying TCP connection and frees its pool slot.
func (c *Conn) ForceClose() error {
	if c.pool != nil {
		c.pool.release()
		c.pool = nil
	}
	return c.Conn.Close()
}

// Pool holds up to maxSize connections to one address.
type Pool struct {
	address   string
	timeout   time.Duration
	dialer    net.Dialer
	tlsConfig *tls.Config

	idle  chan *Conn
	slots chan struct{} // one token per live connection

	mu     sync.Mutex
	closed bool
}

type Option func(*Pool)

// WithTLS dials every connection with TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(p *Pool) { p.tlsConfig = cfg }
}

// NewPool creates a pool for address. timeout bounds dialing and, when the
// caller's context has no deadline, each request.
func NewPool(address string, maxSize int, timeout time.Duration, opts ...Option) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	p := &Pool{
		address: address,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
		idle:    make(chan *Conn, maxSize),
		slots:   make(chan struct{}, maxSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) dial(ctx context.Context) (net.Conn, error) {
	if p.tlsConfig == nil {
		return p.dialer.DialContext(ctx, "tcp", p.address)
	}
	d := tls.Dialer{NetDialer: &p.dialer, Config: p.tlsConfig}
	return d.DialContext(ctx, "tcp", p.address)
}

func (p *Pool) Address() string { return p.address }

// Size is the number of live connections, idle or in use.
func (p *Pool) Size() int { return len(p.slots) }

// Get returns an idle connection, dials a new one while under maxSize, or
// waits for one to be returned.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case c := <-p.idle:
		return p.lease(c), nil
	default:
	}

	select {
	case c := <-p.idle:
		return p.lease(c), nil
	case p.slots <- struct{}{}:
		conn, err := p.dial(ctx)
		if err != nil {
			<-p.slots
			return nil, fmt.Errorf("failed to connect to %s: %w", p.address, err)
		}
		return &Conn{Conn: conn, reader: bufio.NewReader(conn), pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) lease(c *Conn) *Conn {
	c.pool = p
	return c
}

// Do runs one request on a pooled connection. Broken connections are discarded.
func (p *Pool) Do(ctx context.Context, line string) (string, error) {
	c, err := p.Get(ctx)
	if err != nil {
		return "", err
	}
	reply, err := c.Do(ctx, line)
	if err != nil {
		_ = c.ForceClose()
		return "", err
	}
	_ = c.Close()
	return reply, nil
}

func (p *Pool) put(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Conn.Close()
		<-p.slots
		return
	}
	// idle has room for every live connection.
	p.idle <- c
}

func (p *Pool) release() {
	<-p.slots
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes idle connections. Connections in use are closed when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case c := <-p.idle:
			c.Conn.Close()
			<-p.slots
		default:
			return
		}
	}
}

// ParseReply splits a reply line into its status and message.
func ParseReply(reply string) (status, message string) {
	status, message, _ = strings.Cut(reply, " ")
	return status, message
}
