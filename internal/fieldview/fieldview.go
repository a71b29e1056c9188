// Package fieldview is the host-side API of the sensor board: ping, info,
// one-shot reads and streaming.
package fieldview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/gradsense/internal/frame"
	"github.com/shaunagostinho/gradsense/internal/transport"
)

const (
	DefaultAttempts = 3
	DefaultTimeout  = 1500 * time.Millisecond
	// DefaultFrameTimeout bounds the wait for a READ reply.
	DefaultFrameTimeout = 3 * time.Second
)

var ErrBadReply = errors.New("unexpected reply")

// Opener returns a fresh transport for one logical operation.
type Opener func() (*transport.Transport, error)

// Client issues commands to the board. Every operation opens its own
// transport handle, so operations never share one.
type Client struct {
	Open         Opener
	Attempts     int
	Timeout      time.Duration
	FrameTimeout time.Duration
	Layout       frame.Layout
	Log          *log.Logger
}

// New returns a client with the default retry policy.
func New(open Opener, lg *log.Logger) *Client {
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	return &Client{
		Open:         open,
		Attempts:     DefaultAttempts,
		Timeout:      DefaultTimeout,
		FrameTimeout: DefaultFrameTimeout,
		Layout:       frame.DefaultLayout,
		Log:          lg,
	}
}

// Info is the parsed INFO reply.
type Info struct {
	Sensors    int    `json:"sensors"`
	FrameBytes int    `json:"frameBytes"`
	Raw        string `json:"raw"`
}

// Ping reports whether the board answered OK.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	reply, err := c.command(ctx, "PING", []string{"OK", "ERR"})
	if err != nil {
		return false, err
	}
	return reply == "OK", nil
}

// Info queries sensor count and frame size.
func (c *Client) Info(ctx context.Context) (Info, error) {
	reply, err := c.command(ctx, "INFO", []string{"INFO", "OK", "ERR"})
	if err != nil {
		return Info{}, err
	}
	return ParseInfo(reply)
}

// ParseInfo parses "INFO sensors=<n> frame_bytes=<n>".
func ParseInfo(line string) (Info, error) {
	info := Info{Raw: line}
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "INFO" {
		return info, fmt.Errorf("fieldview: %w: %q", ErrBadReply, line)
	}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return info, fmt.Errorf("fieldview: %w: %s: %v", ErrBadReply, k, err)
		}
		switch k {
		case "sensors":
			info.Sensors = n
		case "frame_bytes":
			info.FrameBytes = n
		}
	}
	return info, nil
}

// Read requests a single frame.
func (c *Client) Read(ctx context.Context) (*frame.Frame, error) {
	t, err := c.open()
	if err != nil {
		return nil, err
	}
	defer t.Close()

	if err := t.WriteLine("READ"); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.frameTimeout())
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil, fmt.Errorf("fieldview: READ: %w", transport.ErrTimeout)
		}
		raw, err := t.ReadFrame(left)
		if err != nil {
			return nil, fmt.Errorf("fieldview: READ: %w", err)
		}
		f, err := c.Layout.Decode(raw)
		if err != nil {
			c.Log.Printf("[fieldview] READ: dropped frame: %v", err)
			continue
		}
		return f, nil
	}
}

// command writes cmd and waits for a reply with one of prefixes,
// retrying the write on timeout.
func (c *Client) command(ctx context.Context, cmd string, prefixes []string) (string, error) {
	t, err := c.open()
	if err != nil {
		return "", err
	}
	defer t.Close()
	return c.exchange(ctx, t, cmd, prefixes)
}

func (c *Client) exchange(ctx context.Context, t *transport.Transport, cmd string, prefixes []string) (string, error) {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var last error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := t.WriteLine(cmd); err != nil {
			return "", err
		}
		reply, err := t.ReadExpected(prefixes, timeout)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, transport.ErrTimeout) {
			return "", fmt.Errorf("fieldview: %s: %w", cmd, err)
		}
		last = err
		c.Log.Printf("[fieldview] %s: no reply (attempt %d/%d)", cmd, i, attempts)
	}
	return "", fmt.Errorf("fieldview: %s: %d attempts: %w", cmd, attempts, last)
}

func (c *Client) open() (*transport.Transport, error) {
	if c.Open == nil {
		return nil, errors.New("fieldview: no transport opener")
	}
	t, err := c.Open()
	if err != nil {
		return nil, fmt.Errorf("fieldview: open: %w", err)
	}
	return t, nil
}

func (c *Client) frameTimeout() time.Duration {
	if c.FrameTimeout <= 0 {
		return DefaultFrameTimeout
	}
	return c.FrameTimeout
}
