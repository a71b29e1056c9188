package firmware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gradsense/internal/frame"
	"github.com/shaunagostinho/gradsense/internal/transport"
)

type fakeSampler struct {
	nodes int
	calls int
}

func (f *fakeSampler) Len() int { return f.nodes }

func (f *fakeSampler) ReadAll() []float32 {
	f.calls++
	out := make([]float32, f.nodes*4)
	for i := range out {
		out[i] = float32(f.calls*100 + i)
	}
	return out
}

// split parses device output into text lines and decoded frames.
func split(t *testing.T, b []byte) (lines []string, frames []*frame.Frame) {
	t.Helper()
	for len(b) > 0 {
		if bytes.HasPrefix(b, []byte(transport.BinPrefix)) {
			end := len(transport.BinPrefix) + frame.Size
			require.True(t, len(b) > end, "short frame")
			f, err := frame.Decode(b[len(transport.BinPrefix):end])
			require.NoError(t, err)
			require.Equal(t, byte('\n'), b[end])
			frames = append(frames, f)
			b = b[end+1:]
			continue
		}
		i := bytes.IndexByte(b, '\n')
		require.True(t, i >= 0, "unterminated line %q", b)
		lines = append(lines, string(b[:i]))
		b = b[i+1:]
	}
	return lines, frames
}

func newTestDevice() (*Device, *fakeSampler, *bytes.Buffer) {
	s := &fakeSampler{nodes: 6}
	out := &bytes.Buffer{}
	return NewDevice(s, out, nil), s, out
}

func TestCommands(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want string
	}{
		{"PING", "OK"},
		{"PING\r", "OK"},
		{"INFO", "INFO sensors=6 frame_bytes=106"},
		{"STOP", "OK"},
		{"HELLO", "ERR unknown"},
		{"ping", "ERR unknown"},
		{"START", "ERR bad rate"},
		{"START fast", "ERR bad rate"},
		{"START 0", "ERR bad rate"},
		{"START -5", "ERR bad rate"},
	}
	for _, tt := range tests {
		d, _, out := newTestDevice()
		require.NoError(t, d.Step(0, tt.line, true))
		lines, frames := split(t, out.Bytes())
		assert.Equal(t, []string{tt.want}, lines, "line %q", tt.line)
		assert.Empty(t, frames)
		assert.Equal(t, Idle, d.Session.Mode, "line %q", tt.line)
	}
}

func TestEmptyLineIgnored(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDevice()
	require.NoError(t, d.Step(0, "   ", true))
	assert.Equal(t, 0, out.Len())
}

func TestStartPeriod(t *testing.T) {
	t.Parallel()
	for hz, want := range map[int]time.Duration{
		50:   20 * time.Millisecond,
		10:   100 * time.Millisecond,
		3:    333 * time.Millisecond,
		1:    time.Second,
		1000: time.Millisecond,
	} {
		d, _, _ := newTestDevice()
		require.NoError(t, d.Handle(0, "START "+strconv.Itoa(hz)))
		assert.Equal(t, Streaming, d.Session.Mode)
		assert.Equal(t, want, d.Session.Period, "hz=%d", hz)
		assert.Equal(t, want, PeriodForRate(hz))
	}
}

func TestRead(t *testing.T) {
	t.Parallel()
	d, s, out := newTestDevice()
	require.NoError(t, d.Step(1500*time.Millisecond, "READ", true))
	lines, frames := split(t, out.Bytes())
	assert.Empty(t, lines)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(1), frames[0].ID)
	assert.Equal(t, uint32(1500), frames[0].Timestamp)
	assert.Equal(t, float32(100), frames[0].Values[0])
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, Idle, d.Session.Mode)
}

func TestStreamingCadence(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDevice()
	require.NoError(t, d.Step(0, "START 50", true))

	// First streamed frame goes out immediately, then one per 20 ms.
	for now := time.Millisecond; now <= 100*time.Millisecond; now += time.Millisecond {
		require.NoError(t, d.Step(now, "", false))
	}
	lines, frames := split(t, out.Bytes())
	assert.Equal(t, []string{"OK"}, lines)
	require.Len(t, frames, 6) // t=0ms(step at 0 after START), 20..100
	for i, f := range frames {
		assert.Equal(t, uint16(i+1), f.ID)
	}
	assert.Equal(t, uint32(0), frames[0].Timestamp)
	assert.Equal(t, uint32(20), frames[1].Timestamp)
	assert.Equal(t, uint32(100), frames[5].Timestamp)
}

func TestStopThenRead(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDevice()
	require.NoError(t, d.Step(0, "START 10", true))
	require.NoError(t, d.Step(100*time.Millisecond, "", false))
	require.NoError(t, d.Step(150*time.Millisecond, "STOP", true))
	assert.Equal(t, Idle, d.Session.Mode)

	for now := 160 * time.Millisecond; now < time.Second; now += 10 * time.Millisecond {
		require.NoError(t, d.Step(now, "", false))
	}
	_, frames := split(t, out.Bytes())
	assert.Len(t, frames, 2)

	out.Reset()
	require.NoError(t, d.Step(time.Second, "READ", true))
	lines, frames := split(t, out.Bytes())
	assert.Empty(t, lines)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(3), frames[0].ID)
}

func TestFrameIDWraps(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDevice()
	d.Session.LastID = 65534
	require.NoError(t, d.Handle(0, "READ"))
	require.NoError(t, d.Handle(0, "READ"))
	_, frames := split(t, out.Bytes())
	require.Len(t, frames, 2)
	assert.Equal(t, uint16(65535), frames[0].ID)
	assert.Equal(t, uint16(0), frames[1].ID)
}

func TestTimestampWraps(t *testing.T) {
	t.Parallel()
	d, _, out := newTestDevice()
	now := time.Duration(1<<32+5) * time.Millisecond
	require.NoError(t, d.Handle(now, "READ"))
	_, frames := split(t, out.Bytes())
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(5), frames[0].Timestamp)
}

// syncBuffer lets the test read what Run writes from another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestRun(t *testing.T) {
	t.Parallel()
	s := &fakeSampler{nodes: 6}
	out := &syncBuffer{}
	d := NewDevice(s, out, nil)

	inR, inW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var now time.Duration
	var mu sync.Mutex
	clock := func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		now += time.Millisecond
		return now
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, inR, clock) }()

	_, err := io.WriteString(inW, "PING\nINFO\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Count(out.Bytes(), []byte("\n")) >= 3
	}, time.Second, 5*time.Millisecond)

	lines, _ := split(t, out.Bytes())
	assert.Equal(t, []string{"READY", "OK", "INFO sensors=6 frame_bytes=106"}, lines)

	cancel()
	inW.Close()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

// runDevice starts Run over in with a millisecond-per-call clock.
func runDevice(t *testing.T, in io.Reader) (*Device, *syncBuffer, context.CancelFunc, <-chan error) {
	t.Helper()
	out := &syncBuffer{}
	d := NewDevice(&fakeSampler{nodes: 6}, out, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var now time.Duration
	var mu sync.Mutex
	clock := func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		now += time.Millisecond
		return now
	}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, in, clock) }()
	return d, out, cancel, done
}

func TestRunSurvivesLongGarbageLine(t *testing.T) {
	t.Parallel()
	inR, inW := io.Pipe()
	_, out, cancel, done := runDevice(t, inR)
	defer cancel()

	_, err := io.WriteString(inW, strings.Repeat("\x00", 70000)+"\nSTART 50\nPING\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Count(out.Bytes(), []byte("OK\n")) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err = io.WriteString(inW, "STOP\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Count(out.Bytes(), []byte("OK\n")) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	inW.Close()
	<-done

	lines, frames := split(t, out.Bytes())
	assert.Equal(t, []string{"READY", "OK", "OK", "OK"}, lines)
	assert.NotEmpty(t, frames)
}

// flakyReader fails its first read, then serves r.
type flakyReader struct {
	failed bool
	r      io.Reader
}

func (f *flakyReader) Read(p []byte) (int, error) {
	if !f.failed {
		f.failed = true
		return 0, errors.New("framing error")
	}
	return f.r.Read(p)
}

func TestRunSurvivesReadError(t *testing.T) {
	t.Parallel()
	_, out, cancel, done := runDevice(t, &flakyReader{r: strings.NewReader("PING\nINFO")})
	defer cancel()

	require.Eventually(t, func() bool {
		return bytes.Count(out.Bytes(), []byte("\n")) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	lines, _ := split(t, out.Bytes())
	assert.Equal(t, []string{"READY", "OK", "INFO sensors=6 frame_bytes=106"}, lines)
}
