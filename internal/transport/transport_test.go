package transport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gradsense/internal/frame"
)

// chunkPort hands out queued chunks one Read at a time, the way a UART
// driver delivers whatever arrived since the last call.
type chunkPort struct {
	mu      sync.Mutex
	chunks  [][]byte
	written bytes.Buffer
	resets  int
	closed  bool
}

func (p *chunkPort) push(chunks ...[]byte) {
	p.mu.Lock()
	p.chunks = append(p.chunks, chunks...)
	p.mu.Unlock()
}

func (p *chunkPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	if n < len(p.chunks[0]) {
		p.chunks[0] = p.chunks[0][n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *chunkPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *chunkPort) Close() error                       { p.closed = true; return nil }
func (p *chunkPort) SetReadTimeout(time.Duration) error { return nil }
func (p *chunkPort) ResetInputBuffer() error            { p.resets++; return nil }

func newTestTransport(p *chunkPort) *Transport {
	return New(p, Options{Settle: -1, DrainFor: -1})
}

func testFrame(t *testing.T) []byte {
	values := make([]float32, 24)
	for i := range values {
		values[i] = float32(i)
	}
	// 10.0 as float32 is 0x41200000; put a '\n' (0x0A) in the payload too
	values[5] = 10
	b, err := frame.Encode(0x0A0A, 0x0A, values)
	require.NoError(t, err)
	require.True(t, bytes.Contains(b, []byte{'\n'}))
	return b
}

func TestReadFrameSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	fb := testFrame(t)
	p := &chunkPort{}
	tr := newTestTransport(p)

	first := append([]byte(BinPrefix), fb[:40]...)
	second := append(append([]byte(nil), fb[40:]...), '\n')
	p.push(first, second)

	got, err := tr.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, fb, got)

	f, err := frame.Decode(got)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0A0A), f.ID)
}

func TestReadFrameByteAtATime(t *testing.T) {
	t.Parallel()
	fb := testFrame(t)
	p := &chunkPort{}
	tr := newTestTransport(p)

	wire := append(append([]byte(BinPrefix), fb...), '\n')
	for _, c := range wire {
		p.push([]byte{c})
	}
	p.push([]byte("OK\n"))

	got, err := tr.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, fb, got)

	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK", line)
}

func TestReadFrameSkipsText(t *testing.T) {
	t.Parallel()
	fb := testFrame(t)
	p := &chunkPort{}
	tr := newTestTransport(p)

	p.push([]byte("READY\nOK\r\n"), append(append([]byte("BIN "), fb...), '\n'))
	got, err := tr.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, fb, got)
}

func TestReadMessageInterleaved(t *testing.T) {
	t.Parallel()
	fb := testFrame(t)
	p := &chunkPort{}
	tr := newTestTransport(p)

	wire := []byte("OK\n")
	wire = append(wire, BinPrefix...)
	wire = append(wire, fb...)
	wire = append(wire, "\nINFO sensors=6 frame_bytes=106\n"...)
	p.push(wire)

	m, err := tr.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, Message{Text: "OK"}, m)

	m, err = tr.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.True(t, m.IsFrame())
	assert.Equal(t, fb, m.Frame)

	m, err = tr.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "INFO sensors=6 frame_bytes=106", m.Text)
}

func TestReadFrameIncompleteTimesOut(t *testing.T) {
	t.Parallel()
	fb := testFrame(t)
	p := &chunkPort{}
	tr := newTestTransport(p)

	p.push(append([]byte(BinPrefix), fb[:50]...))
	_, err := tr.ReadFrame(80 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))

	// the partial payload is kept; the rest completes the frame
	p.push(append(append([]byte(nil), fb[50:]...), '\n'))
	got, err := tr.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, fb, got)
}

func TestReadExpected(t *testing.T) {
	t.Parallel()
	p := &chunkPort{}
	tr := newTestTransport(p)

	p.push([]byte("\nPING\ngarbage\nO"), []byte("K\n"))
	line, err := tr.ReadExpected([]string{"OK", "ERR"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK", line)
}

func TestReadExpectedTimeout(t *testing.T) {
	t.Parallel()
	p := &chunkPort{}
	tr := newTestTransport(p)

	p.push([]byte("INFO sensors=6\n"))
	start := time.Now()
	_, err := tr.ReadExpected([]string{"OK"}, 60*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, time.Since(start) >= 60*time.Millisecond)
}

func TestWriteLine(t *testing.T) {
	t.Parallel()
	p := &chunkPort{}
	tr := newTestTransport(p)
	require.NoError(t, tr.WriteLine("START 50"))
	assert.Equal(t, "START 50\n", p.written.String())

	require.NoError(t, tr.Close())
	assert.True(t, p.closed)
	assert.True(t, errors.Is(tr.WriteLine("PING"), ErrClosed))
	_, err := tr.ReadLine(time.Millisecond)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestOpenDrainsBootBanner(t *testing.T) {
	t.Parallel()
	p := &chunkPort{}
	p.push([]byte("boot garbage \x00\xff"), []byte("READY\n"))
	var slept time.Duration
	tr := New(p, Options{Settle: 350 * time.Millisecond, DrainFor: time.Second, sleep: func(d time.Duration) { slept += d }})
	assert.Equal(t, 350*time.Millisecond, slept)
	assert.Equal(t, 1, p.resets)

	p.push([]byte("OK\n"))
	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK", line)
}

func TestWriteFrame(t *testing.T) {
	t.Parallel()
	fb := testFrame(t)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, fb))
	assert.Equal(t, len(BinPrefix)+len(fb)+1, buf.Len())
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("BIN ")))
	assert.Equal(t, byte('\n'), buf.Bytes()[buf.Len()-1])
}

// noTimeoutPort is a driver that rejects read timeouts.
type noTimeoutPort struct {
	*chunkPort
}

var errNoTimeout = errors.New("timeouts not supported")

func (p noTimeoutPort) SetReadTimeout(time.Duration) error { return errNoTimeout }

func TestReadFailsWithoutReadTimeout(t *testing.T) {
	t.Parallel()
	p := &chunkPort{}
	p.push([]byte("OK\n"))
	tr := New(noTimeoutPort{p}, Options{Settle: -1, DrainFor: -1})

	_, err := tr.ReadLine(time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNoTimeout), "got %v", err)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestDrainSkippedWithoutReadTimeout(t *testing.T) {
	t.Parallel()
	p := &chunkPort{}
	p.push([]byte("boot banner\n"))
	New(noTimeoutPort{p}, Options{Settle: -1, DrainFor: 100 * time.Millisecond})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.chunks, 1)
	assert.Equal(t, 1, p.resets)
}
