package firmware

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/gradsense/internal/frame"
	"github.com/shaunagostinho/gradsense/internal/transport"
)

// Replies written by the device.
const (
	ReplyOK      = "OK"
	ReplyReady   = "READY"
	ReplyUnknown = "ERR unknown"
	ReplyBadRate = "ERR bad rate"
)

// Sampler produces one frame payload per call.
type Sampler interface {
	ReadAll() []float32
	Len() int
}

// Device couples the session with the sampler and the output stream.
type Device struct {
	Session Session

	sampler Sampler
	layout  frame.Layout
	out     io.Writer
	log     *log.Logger
}

// NewDevice returns an idle device writing replies and frames to out.
func NewDevice(s Sampler, out io.Writer, lg *log.Logger) *Device {
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	return &Device{
		Session: NewSession(),
		sampler: s,
		layout:  frame.Layout{Nodes: s.Len(), Channels: frame.DefaultLayout.Channels},
		out:     out,
		log:     lg,
	}
}

// Step runs one loop iteration: dispatch line if hasLine, then emit a
// streamed frame if one is due. now is the time since boot.
func (d *Device) Step(now time.Duration, line string, hasLine bool) error {
	var err error
	if hasLine {
		err = d.Handle(now, line)
	}
	if d.Session.due(now) {
		d.Session.LastEmit = now
		d.Session.emitted = true
		if e := d.emit(now); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Handle interprets one command line.
func (d *Device) Handle(now time.Duration, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "PING":
		return d.reply(ReplyOK)

	case "INFO":
		return d.reply(fmt.Sprintf("INFO sensors=%d frame_bytes=%d", d.layout.Nodes, d.layout.Size()))

	case "READ":
		return d.emit(now)

	case "START":
		if len(parts) < 2 {
			return d.reply(ReplyBadRate)
		}
		hz, err := strconv.Atoi(parts[1])
		if err != nil || hz <= 0 || hz > 1000 {
			return d.reply(ReplyBadRate)
		}
		d.Session.Period = PeriodForRate(hz)
		d.Session.Mode = Streaming
		d.log.Printf("[firmware] streaming at %d Hz (period %s)", hz, d.Session.Period)
		return d.reply(ReplyOK)

	case "STOP":
		if d.Session.Mode == Streaming {
			d.log.Printf("[firmware] streaming stopped after frame %d", d.Session.LastID)
		}
		d.Session.Mode = Idle
		return d.reply(ReplyOK)
	}
	return d.reply(ReplyUnknown)
}

func (d *Device) emit(now time.Duration) error {
	values := d.sampler.ReadAll()
	payload, err := d.layout.Encode(d.Session.nextID(), uint32(now/time.Millisecond), values)
	if err != nil {
		return fmt.Errorf("firmware: encode: %w", err)
	}
	if err := transport.WriteFrame(d.out, payload); err != nil {
		return fmt.Errorf("firmware: write frame: %w", err)
	}
	return nil
}

func (d *Device) reply(s string) error {
	if _, err := io.WriteString(d.out, s+"\n"); err != nil {
		return fmt.Errorf("firmware: write reply: %w", err)
	}
	return nil
}
