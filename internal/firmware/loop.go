package firmware

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// IdleSleep is how long the loop yields when there is nothing to do.
const IdleSleep = time.Millisecond

const (
	maxLine    = 1024                  // longest command line kept
	inputRetry = 10 * time.Millisecond // pause after a failed input read
)

// Clock returns the time elapsed since boot.
type Clock func() time.Duration

// SinceBoot returns a Clock anchored at the current instant.
func SinceBoot() Clock {
	boot := time.Now()
	return func() time.Duration { return time.Since(boot) }
}

// Run drives Step until ctx is done. Input lines are collected by a reader
// goroutine and polled without blocking, so streaming cadence never waits
// on the host. Command handling and frame emission stay on this goroutine.
func (d *Device) Run(ctx context.Context, in io.Reader, clock Clock) error {
	if clock == nil {
		clock = SinceBoot()
	}
	lines := make(chan string, 16)
	go readLines(ctx, in, lines, d)

	if err := d.reply(ReplyReady); err != nil {
		d.log.Printf("[firmware] %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var line string
		var hasLine bool
		select {
		case l, ok := <-lines:
			if !ok {
				// Input closed; keep streaming until cancelled.
				lines = nil
				break
			}
			line, hasLine = l, true
		default:
		}

		if err := d.Step(clock(), line, hasLine); err != nil {
			d.log.Printf("[firmware] %v", err)
		}
		if !hasLine {
			time.Sleep(IdleSleep)
		}
	}
}

// readLines feeds complete input lines to out. Lines longer than maxLine
// are dropped whole; read errors other than EOF are logged and reading
// resumes, so the device never goes deaf to STOP.
func readLines(ctx context.Context, in io.Reader, out chan<- string, d *Device) {
	defer close(out)
	r := bufio.NewReaderSize(in, maxLine)
	var pending []byte
	dropped := 0
	for {
		chunk, err := r.ReadSlice('\n')
		if dropped > 0 || len(pending)+len(chunk) > maxLine {
			dropped += len(pending) + len(chunk)
			pending = pending[:0]
		} else {
			pending = append(pending, chunk...)
		}

		switch {
		case err == nil:
			if dropped > 0 {
				d.log.Printf("[firmware] dropping %d bytes without newline", dropped)
				dropped = 0
				continue
			}
			line := strings.TrimRight(string(pending), "\r\n")
			pending = pending[:0]
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		case errors.Is(err, bufio.ErrBufferFull):
			// keep collecting
		case errors.Is(err, io.EOF):
			if dropped == 0 && len(pending) > 0 {
				select {
				case out <- strings.TrimRight(string(pending), "\r"):
				case <-ctx.Done():
				}
			}
			return
		default:
			d.log.Printf("[firmware] input: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(inputRetry):
			}
		}
	}
}
