package fieldview

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shaunagostinho/gradsense/internal/frame"
	"github.com/shaunagostinho/gradsense/internal/transport"
)

// StreamStats counts what a stream received.
type StreamStats struct {
	frame.Sequence
	DecodeErrors uint64 `json:"decodeErrors"`
}

// Stream is an open streaming session. It holds its transport until Stop.
type Stream struct {
	Hz int

	client *Client
	t      *transport.Transport
	stats  StreamStats
}

// Start asks the board to stream at hz and returns the handle that
// receives the frames. The caller must Stop it.
func (c *Client) Start(ctx context.Context, hz int) (*Stream, error) {
	if hz <= 0 {
		return nil, fmt.Errorf("fieldview: invalid rate %d", hz)
	}
	t, err := c.open()
	if err != nil {
		return nil, err
	}
	reply, err := c.exchange(ctx, t, "START "+strconv.Itoa(hz), []string{"OK", "ERR"})
	if err != nil {
		t.Close()
		return nil, err
	}
	if reply != "OK" {
		t.Close()
		return nil, fmt.Errorf("fieldview: START %d: %w: %q", hz, ErrBadReply, reply)
	}
	c.Log.Printf("[fieldview] streaming at %d Hz", hz)
	return &Stream{Hz: hz, client: c, t: t}, nil
}

// Next returns the next good frame. Frames that fail to decode are
// counted and skipped.
func (s *Stream) Next(timeout time.Duration) (*frame.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, transport.ErrTimeout
		}
		raw, err := s.t.ReadFrame(left)
		if err != nil {
			return nil, err
		}
		f, err := s.client.Layout.Decode(raw)
		if err != nil {
			s.stats.DecodeErrors++
			s.client.Log.Printf("[fieldview] stream: dropped frame: %v", err)
			continue
		}
		if lost := s.stats.Observe(f.ID); lost > 0 {
			s.client.Log.Printf("[fieldview] stream: %d frames lost before id %d", lost, f.ID)
		}
		return f, nil
	}
}

// Run delivers frames to fn until ctx is done, fn returns an error or the
// board goes quiet for longer than timeout.
func (s *Stream) Run(ctx context.Context, timeout time.Duration, fn func(*frame.Frame) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		f, err := s.Next(timeout)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

// Stats returns the stream counters.
func (s *Stream) Stats() StreamStats { return s.stats }

// Stop ends streaming and releases the handle. Frames still in flight
// ahead of the OK are discarded.
func (c *Client) Stop(s *Stream) error {
	if s == nil || s.t == nil {
		return nil
	}
	defer func() {
		s.t.Close()
		s.t = nil
	}()
	reply, err := c.exchange(context.Background(), s.t, "STOP", []string{"OK", "ERR"})
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("fieldview: STOP: %w: %q", ErrBadReply, reply)
	}
	st := s.stats
	c.Log.Printf("[fieldview] stream stopped: received=%d lost=%d dup=%d bad=%d",
		st.Received, st.Lost, st.Duplicates, st.DecodeErrors)
	return nil
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool { return errors.Is(err, transport.ErrTimeout) }

// Follow starts a stream at hz, hands every frame to fn and stops the
// stream when ctx ends or reading fails. It returns the stream counters.
func (c *Client) Follow(ctx context.Context, hz int, fn func(*frame.Frame) error) (StreamStats, error) {
	s, err := c.Start(ctx, hz)
	if err != nil {
		return StreamStats{}, err
	}
	runErr := s.Run(ctx, c.frameTimeout(), fn)
	stats := s.Stats()
	if err := c.Stop(s); err != nil && runErr == nil {
		runErr = err
	}
	return stats, runErr
}
