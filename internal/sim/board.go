package sim

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/gradsense/internal/firmware"
	"github.com/shaunagostinho/gradsense/internal/recovery"
	"github.com/shaunagostinho/gradsense/internal/sampler"
	"github.com/shaunagostinho/gradsense/internal/transport"
)

// Board runs the real device loop over simulated nodes, wired to the host
// through in-memory buffers instead of a UART.
type Board struct {
	Sampler *sampler.Sampler

	cancel context.CancelFunc
	inR    *io.PipeReader
	inW    *io.PipeWriter
	out    *wire
	done   chan struct{}
}

// NewBoard starts a board with nodes. Close stops it.
func NewBoard(nodes []sampler.Node, lg *log.Logger) *Board {
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	inR, inW := io.Pipe()
	b := &Board{
		Sampler: sampler.New(nodes, recovery.DefaultThreshold, lg),
		cancel:  cancel,
		inR:     inR,
		inW:     inW,
		out:     newWire(),
		done:    make(chan struct{}),
	}
	dev := firmware.NewDevice(b.Sampler, b.out, lg)
	go func() {
		defer close(b.done)
		dev.Run(ctx, inR, firmware.SinceBoot())
	}()
	return b
}

// Close stops the device loop.
func (b *Board) Close() error {
	b.cancel()
	b.inW.Close()
	<-b.done
	return nil
}

// Port returns a serial-port view of the board.
func (b *Board) Port() transport.Port {
	return &port{board: b, timeout: 50 * time.Millisecond}
}

// Open returns a transport attached to the board, like opening the UART.
func (b *Board) Open() (*transport.Transport, error) {
	return transport.New(b.Port(), transport.Options{Settle: -1, DrainFor: 20 * time.Millisecond}), nil
}

type port struct {
	board   *Board
	mu      sync.Mutex
	timeout time.Duration
	closed  bool
}

func (p *port) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout, closed := p.timeout, p.closed
	p.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	return p.board.out.read(b, timeout), nil
}

func (p *port) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	return p.board.inW.Write(b)
}

func (p *port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *port) ResetInputBuffer() error {
	p.board.out.reset()
	return nil
}

// wire buffers device output until the host reads it.
type wire struct {
	mu     sync.Mutex
	buf    []byte
	notify chan struct{}
}

func newWire() *wire {
	return &wire{notify: make(chan struct{}, 1)}
}

func (w *wire) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, b...)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
	return len(b), nil
}

func (w *wire) read(b []byte, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		w.mu.Lock()
		if len(w.buf) > 0 {
			n := copy(b, w.buf)
			w.buf = w.buf[n:]
			w.mu.Unlock()
			return n
		}
		w.mu.Unlock()

		left := time.Until(deadline)
		if left <= 0 {
			return 0
		}
		select {
		case <-w.notify:
		case <-time.After(left):
		}
	}
}

func (w *wire) reset() {
	w.mu.Lock()
	w.buf = nil
	w.mu.Unlock()
}
