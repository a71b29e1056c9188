// Package recovery decides when a node has failed often enough to be
// recovered, and performs the bus unstick and re-initialization sequence.
package recovery

import (
	"errors"
	"fmt"
	"io"
	"log"

	"periph.io/x/periph/conn/physic"
)

var ErrRecoveryFailed = errors.New("recovery failed")

const (
	DefaultThreshold = 3
	DefaultPulses    = 9
)

// DefaultSpeeds starts slow and works back up to the normal bus speed.
var DefaultSpeeds = []physic.Frequency{
	50 * physic.KiloHertz,
	80 * physic.KiloHertz,
	100 * physic.KiloHertz,
}

// Policy configures when and how a node is recovered.
type Policy struct {
	Threshold int
	Speeds    []physic.Frequency
	Pulses    int
}

// DefaultPolicy returns the policy used in the field.
func DefaultPolicy() Policy {
	return Policy{
		Threshold: DefaultThreshold,
		Speeds:    append([]physic.Frequency(nil), DefaultSpeeds...),
		Pulses:    DefaultPulses,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if len(p.Speeds) == 0 {
		p.Speeds = DefaultSpeeds
	}
	if p.Pulses <= 0 {
		p.Pulses = DefaultPulses
	}
	return p
}

// Tracker counts consecutive read failures of one node.
type Tracker struct {
	threshold int
	fails     int
}

func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold}
}

// Fail counts a failure and reports whether recovery is due.
func (t *Tracker) Fail() bool {
	t.fails++
	return t.fails >= t.threshold
}

// Succeed clears the counter after a good read.
func (t *Tracker) Succeed() { t.fails = 0 }

// Reset clears the counter after a recovery attempt, successful or not.
func (t *Tracker) Reset() { t.fails = 0 }

// Failures returns the current consecutive failure count.
func (t *Tracker) Failures() int { return t.fails }

// Recoverer brings a node back after repeated failures.
type Recoverer interface {
	Recover() error
}

// RecovererFunc adapts a function to Recoverer.
type RecovererFunc func() error

func (f RecovererFunc) Recover() error { return f() }

// Bus is the two-wire bus owned by a single node.
type Bus interface {
	// Reopen releases the bus and opens it again at speed.
	Reopen(speed physic.Frequency) error
	// Probe checks that the sensor acknowledges its address.
	Probe() error
}

// Initializer runs the sensor's full bring-up routine.
type Initializer interface {
	Init() error
}

// BusRecoverer unsticks the bus, then tries each speed of the policy until
// the sensor answers and initializes.
type BusRecoverer struct {
	Name   string
	Lines  Lines
	Bus    Bus
	Sensor Initializer
	Policy Policy
	Log    *log.Logger
}

func (r *BusRecoverer) logger() *log.Logger {
	if r.Log == nil {
		return log.New(io.Discard, "", 0)
	}
	return r.Log
}

func (r *BusRecoverer) Recover() error {
	p := r.Policy.withDefaults()
	lg := r.logger()

	if r.Lines != nil {
		released, err := Unstick(r.Lines, p.Pulses)
		if err != nil {
			lg.Printf("[recovery] %s: unstick failed: %v", r.Name, err)
		} else if !released {
			lg.Printf("[recovery] %s: SDA still held low after %d pulses", r.Name, p.Pulses)
		}
	}

	var last error
	for _, speed := range p.Speeds {
		if err := r.Bus.Reopen(speed); err != nil {
			last = fmt.Errorf("reopen at %s: %w", speed, err)
			lg.Printf("[recovery] %s: %v", r.Name, last)
			continue
		}
		if err := r.Bus.Probe(); err != nil {
			last = fmt.Errorf("probe at %s: %w", speed, err)
			continue
		}
		if err := r.Sensor.Init(); err != nil {
			last = fmt.Errorf("init at %s: %w", speed, err)
			lg.Printf("[recovery] %s: %v", r.Name, last)
			continue
		}
		lg.Printf("[recovery] %s: recovered at %s", r.Name, speed)
		return nil
	}
	if last == nil {
		return fmt.Errorf("recovery: %s: %w", r.Name, ErrRecoveryFailed)
	}
	return fmt.Errorf("recovery: %s: %w: %v", r.Name, ErrRecoveryFailed, last)
}
