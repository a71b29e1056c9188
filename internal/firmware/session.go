// Package firmware is the device side of the link: a cooperative loop that
// answers text commands and emits telemetry frames on demand or
// periodically.
package firmware

import (
	"fmt"
	"time"
)

// Mode is the device-wide session mode.
type Mode int

const (
	Idle Mode = iota
	Streaming
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// DefaultPeriod is the streaming period before any START.
const DefaultPeriod = time.Second

// Session is all mutable device state. It only changes through commands
// and emissions handled by Device.Step.
type Session struct {
	Mode     Mode
	Period   time.Duration
	LastEmit time.Duration // time since boot of the last streamed frame
	LastID   uint16        // id of the last emitted frame; the first frame is 1

	emitted bool
}

// NewSession returns an idle session.
func NewSession() Session {
	return Session{Mode: Idle, Period: DefaultPeriod}
}

// PeriodForRate converts a rate in Hz to the streaming period using
// integer milliseconds, truncated: 50 Hz is 20 ms, 3 Hz is 333 ms.
func PeriodForRate(hz int) time.Duration {
	return time.Duration(1000/hz) * time.Millisecond
}

// due reports whether a streamed frame should go out at now.
func (s *Session) due(now time.Duration) bool {
	if s.Mode != Streaming {
		return false
	}
	return !s.emitted || now-s.LastEmit >= s.Period
}

func (s *Session) nextID() uint16 {
	s.LastID++
	return s.LastID
}
