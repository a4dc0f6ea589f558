package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"twbot/internal/protocol"
)

// ErrClosed means there is no live connection. Recv wraps the cause.
var ErrClosed = errors.New("transport: not connected")

type Options struct {
	// Address is host:port for TCP or a ws:// / wss:// URL.
	Address      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLine      int
	// Queue bounds the lines buffered between the socket and Recv.
	Queue int
}

// Incoming is one complete server line. Err is set when the line is not a
// JSON envelope; Raw is kept either way.
type Incoming struct {
	Raw []byte
	Env protocol.ServerEnvelope
	Err error
}

// Client owns at most one connection. Send and Recv are meant for a single
// caller; only the socket reader runs in the background.
type Client struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	link *link
}

type link struct {
	write  func([]byte) error
	close  func() error
	lines  chan []byte
	failed chan error
	// done is closed by shutdown; stopped when the reader has returned.
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (l *link) shutdown() {
	l.once.Do(func() {
		close(l.done)
		_ = l.close()
	})
}

// deliver queues a line for Recv. It reports false once the link is shut
// down, so a reader facing a full queue can exit.
func (l *link) deliver(line []byte) bool {
	select {
	case l.lines <- line:
		return true
	case <-l.done:
		return false
	}
}

func (l *link) fail(err error) {
	select {
	case l.failed <- err:
	default:
	}
}

func New(opts Options, log *zap.Logger) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Queue <= 0 {
		opts.Queue = 4096
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{opts: opts, log: log}
}

func isWebSocket(addr string) bool {
	a := strings.ToLower(addr)
	return strings.HasPrefix(a, "ws://") || strings.HasPrefix(a, "wss://")
}

// Connect dials the server, replacing any previous connection.
func (c *Client) Connect(ctx context.Context) error {
	c.Close()

	var (
		l   *link
		err error
	)
	if isWebSocket(c.opts.Address) {
		l, err = c.dialWebSocket(ctx)
	} else {
		l, err = c.dialTCP(ctx)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.opts.Address, err)
	}
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	c.log.Info("connected", zap.String("addr", c.opts.Address))
	return nil
}

func (c *Client) newLink(write func([]byte) error, closeFn func() error) *link {
	return &link{
		write:   write,
		close:   closeFn,
		lines:   make(chan []byte, c.opts.Queue),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *Client) dialTCP(ctx context.Context) (*link, error) {
	d := net.Dialer{Timeout: c.opts.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.opts.Address)
	if err != nil {
		return nil, err
	}
	wt := c.opts.WriteTimeout
	l := c.newLink(func(b []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wt))
		_, err := conn.Write(b)
		return err
	}, conn.Close)

	go func() {
		defer close(l.stopped)
		lb := NewLineBuffer(c.opts.MaxLine)
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				lines, ferr := lb.Feed(buf[:n])
				for _, line := range lines {
					if !l.deliver(line) {
						return
					}
				}
				if ferr != nil {
					c.log.Warn("dropped oversized line", zap.Error(ferr))
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("server closed connection: %w", err)
				}
				l.fail(err)
				l.shutdown()
				return
			}
		}
	}()
	return l, nil
}

func (c *Client) dialWebSocket(ctx context.Context) (*link, error) {
	d := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	conn, resp, err := d.DialContext(ctx, c.opts.Address, http.Header{})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	wt := c.opts.WriteTimeout
	var writeMu sync.Mutex
	l := c.newLink(func(b []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wt))
		return conn.WriteMessage(websocket.TextMessage, []byte(strings.TrimRight(string(b), "\n")))
	}, conn.Close)

	go func() {
		defer close(l.stopped)
		lb := NewLineBuffer(c.opts.MaxLine)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				l.fail(err)
				l.shutdown()
				return
			}
			// A frame may carry one envelope without a terminator.
			if len(msg) == 0 || msg[len(msg)-1] != '\n' {
				msg = append(msg, '\n')
			}
			lines, ferr := lb.Feed(msg)
			for _, line := range lines {
				if !l.deliver(line) {
					return
				}
			}
			if ferr != nil {
				c.log.Warn("dropped oversized frame", zap.Error(ferr))
			}
		}
	}()
	return l, nil
}

func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *Client) drop(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
	l.shutdown()
}

func (c *Client) Connected() bool { return c.current() != nil }

// Send writes one envelope. A write failure tears the connection down.
func (c *Client) Send(env protocol.Envelope) error {
	l := c.current()
	if l == nil {
		return ErrClosed
	}
	b, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Command, err)
	}
	if err := l.write(b); err != nil {
		c.drop(l)
		return fmt.Errorf("send %s: %w", env.Command, err)
	}
	return nil
}

// Recv returns every complete line buffered so far without blocking. Once the
// buffer is empty and the reader has failed, it reports ErrClosed.
func (c *Client) Recv() ([]Incoming, error) {
	l := c.current()
	if l == nil {
		return nil, ErrClosed
	}
	out := drain(l, nil)
	if len(out) > 0 {
		return out, nil
	}
	select {
	case err := <-l.failed:
		if out = drain(l, out); len(out) > 0 {
			// Surface the tail first; the next call reports the failure.
			l.fail(err)
			return out, nil
		}
		c.drop(l)
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	default:
	}
	return nil, nil
}

func drain(l *link, out []Incoming) []Incoming {
	for {
		select {
		case line := <-l.lines:
			env, err := protocol.DecodeServer(line)
			out = append(out, Incoming{Raw: line, Env: env, Err: err})
		default:
			return out
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l != nil {
		l.shutdown()
	}
	return nil
}
