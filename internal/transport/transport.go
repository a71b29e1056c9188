// Package transport carries text lines and tagged binary frames over one
// serial byte stream.
//
// Text lines end in '\n'. A binary frame is the prefix "BIN ", exactly
// FrameSize raw bytes and a trailing '\n'. The payload may itself contain
// '\n' bytes, so it is read by length, never by line.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/gradsense/internal/frame"
)

var (
	ErrTimeout = errors.New("transport timeout")
	ErrClosed  = errors.New("transport closed")
)

// BinPrefix tags a binary frame line.
const BinPrefix = "BIN "

const (
	DefaultSettle   = 350 * time.Millisecond
	DefaultDrainFor = 250 * time.Millisecond
	DefaultTimeout  = 1500 * time.Millisecond

	pollInterval = 50 * time.Millisecond
	maxLine      = 4096
)

// Port is the subset of go.bug.st/serial.Port the transport needs. A read
// that times out returns 0 bytes and a nil error.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Options tunes the open sequence.
type Options struct {
	Settle    time.Duration // wait after open for a rebooting board
	DrainFor  time.Duration // discard boot banner bytes for this long
	FrameSize int
	Log       *log.Logger

	sleep func(time.Duration)
}

// Message is one unit read off the wire: a text line or a frame payload.
type Message struct {
	Text  string
	Frame []byte
}

// IsFrame reports whether the message carries a binary frame.
func (m Message) IsFrame() bool { return m.Frame != nil }

// Transport owns a port exclusively. Its methods serialize on a mutex, so
// two logical operations never interleave writes on one handle.
type Transport struct {
	mu        sync.Mutex
	port      Port
	pending   []byte
	frameSize int
	log       *log.Logger
	closed    bool
	buf       [256]byte
}

// New takes ownership of port, waits for the board to settle and drains
// whatever it printed while booting.
func New(port Port, opts Options) *Transport {
	if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}
	if opts.DrainFor == 0 {
		opts.DrainFor = DefaultDrainFor
	}
	if opts.FrameSize == 0 {
		opts.FrameSize = frame.Size
	}
	if opts.Log == nil {
		opts.Log = log.New(io.Discard, "", 0)
	}
	if opts.sleep == nil {
		opts.sleep = time.Sleep
	}
	t := &Transport{port: port, frameSize: opts.FrameSize, log: opts.Log}

	if opts.Settle > 0 {
		opts.sleep(opts.Settle)
	}
	if opts.DrainFor > 0 {
		t.drain(opts.DrainFor)
	}
	return t
}

// drain reads and discards input until it goes quiet or d elapses.
func (t *Transport) drain(d time.Duration) {
	if err := t.port.ResetInputBuffer(); err != nil {
		t.log.Printf("[transport] reset input buffer: %v", err)
	}
	// Without a read timeout the drain reads could block forever.
	if err := t.port.SetReadTimeout(pollInterval); err != nil {
		t.log.Printf("[transport] drain skipped: set read timeout: %v", err)
		return
	}

	total := 0
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		n, err := t.port.Read(t.buf[:])
		if n == 0 || err != nil {
			break
		}
		if total == 0 {
			t.log.Printf("[transport] drain first bytes: %q", t.buf[:n])
		}
		total += n
	}
	if total > 0 {
		t.log.Printf("[transport] drained %d boot bytes", total)
	}
}

// Close releases the port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}

// WriteLine sends s followed by '\n'.
func (t *Transport) WriteLine(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(t.port, s+"\n"); err != nil {
		return fmt.Errorf("transport: write %q: %w", s, err)
	}
	return nil
}

// ReadLine returns the next text line without its terminator. Binary
// frames met on the way are skipped.
func (t *Transport) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		m, err := t.readMessage(deadline)
		if err != nil {
			return "", err
		}
		if !m.IsFrame() {
			return m.Text, nil
		}
	}
}

// ReadExpected waits for a non-empty line starting with one of prefixes.
// Other lines (echo, banners, stray output) are discarded.
func (t *Transport) ReadExpected(prefixes []string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		m, err := t.readMessage(deadline)
		if err != nil {
			return "", err
		}
		if m.IsFrame() || m.Text == "" {
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(m.Text, p) {
				return m.Text, nil
			}
		}
		t.log.Printf("[transport] skipped line %q", m.Text)
	}
}

// ReadFrame returns the next binary frame payload, skipping text lines.
func (t *Transport) ReadFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		m, err := t.readMessage(deadline)
		if err != nil {
			return nil, err
		}
		if m.IsFrame() {
			return m.Frame, nil
		}
	}
}

// ReadMessage returns the next line or frame, whichever comes first.
func (t *Transport) ReadMessage(timeout time.Duration) (Message, error) {
	return t.readMessage(time.Now().Add(timeout))
}

func (t *Transport) readMessage(deadline time.Time) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Message{}, ErrClosed
	}

	// Enough of the line to tell a frame from text.
	if err := t.fill(len(BinPrefix), deadline, true); err != nil {
		return Message{}, err
	}
	if bytes.HasPrefix(t.pending, []byte(BinPrefix)) {
		return t.readFramePayload(deadline)
	}

	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(t.pending[:i]), "\r")
			t.consume(i + 1)
			return Message{Text: strings.TrimSpace(line)}, nil
		}
		if len(t.pending) > maxLine {
			t.log.Printf("[transport] dropping %d bytes without newline", len(t.pending))
			t.consume(len(t.pending))
		}
		if err := t.readMore(deadline); err != nil {
			return Message{}, err
		}
	}
}

// readFramePayload is called with pending starting at "BIN ". Nothing is
// consumed until the whole payload is present.
func (t *Transport) readFramePayload(deadline time.Time) (Message, error) {
	start := len(BinPrefix)
	if err := t.fill(start+t.frameSize, deadline, false); err != nil {
		return Message{}, err
	}
	payload := make([]byte, t.frameSize)
	copy(payload, t.pending[start:start+t.frameSize])
	t.consume(start + t.frameSize)

	// Trailing newline; give it a short grace period, it is not part of
	// the payload and a missing one only costs the next line.
	grace := time.Now().Add(pollInterval)
	if grace.After(deadline) {
		grace = deadline
	}
	if err := t.fill(1, grace, false); err == nil {
		switch t.pending[0] {
		case '\n':
			t.consume(1)
		case '\r':
			t.consume(1)
			if t.fill(1, grace, false) == nil && t.pending[0] == '\n' {
				t.consume(1)
			}
		default:
			t.log.Printf("[transport] frame not followed by newline (0x%02X)", t.pending[0])
		}
	}
	return Message{Frame: payload}, nil
}

// fill reads until at least n bytes are pending. With stopAtNewline it
// also returns early once a newline is pending, so short text lines do not
// wait for n bytes.
func (t *Transport) fill(n int, deadline time.Time, stopAtNewline bool) error {
	for len(t.pending) < n {
		if stopAtNewline && bytes.IndexByte(t.pending, '\n') >= 0 {
			return nil
		}
		if err := t.readMore(deadline); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) readMore(deadline time.Time) error {
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return ErrTimeout
		}
		if left > pollInterval {
			left = pollInterval
		}
		if err := t.port.SetReadTimeout(left); err != nil {
			return fmt.Errorf("transport: set read timeout: %w", err)
		}
		n, err := t.port.Read(t.buf[:])
		if n > 0 {
			t.pending = append(t.pending, t.buf[:n]...)
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("transport: read: %w", err)
		}
		if errors.Is(err, io.EOF) {
			// Pipes report EOF instead of timing out; back off until the deadline.
			time.Sleep(time.Millisecond)
		}
	}
}

func (t *Transport) consume(n int) {
	t.pending = append(t.pending[:0], t.pending[n:]...)
}

// WriteFrame writes payload as a tagged binary frame in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(BinPrefix)+len(payload)+1)
	buf = append(buf, BinPrefix...)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
