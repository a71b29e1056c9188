package recovery

import "fmt"

// Lines drives the two bus lines directly, as open-drain outputs: "high"
// releases the line to its pull-up, "low" pulls it down.
type Lines interface {
	SetSDA(high bool) error
	SetSCL(high bool) error
	SDA() bool
	// Pause waits a quarter bus period (a few microseconds).
	Pause()
}

// Unstick clocks out a slave that is holding SDA low mid-byte. It pulses
// SCL up to pulses times, stopping as soon as SDA is released, then
// issues a STOP condition. It reports whether SDA was seen released.
func Unstick(l Lines, pulses int) (released bool, err error) {
	if err = l.SetSDA(true); err != nil {
		return false, fmt.Errorf("release SDA: %w", err)
	}
	if err = l.SetSCL(true); err != nil {
		return false, fmt.Errorf("release SCL: %w", err)
	}
	l.Pause()

	for i := 0; i < pulses; i++ {
		if l.SDA() {
			released = true
			break
		}
		if err = l.SetSCL(false); err != nil {
			return false, fmt.Errorf("pulse %d: %w", i, err)
		}
		l.Pause()
		if err = l.SetSCL(true); err != nil {
			return false, fmt.Errorf("pulse %d: %w", i, err)
		}
		l.Pause()
	}
	if !released {
		released = l.SDA()
	}

	// STOP: SDA low, SCL high, SDA high
	steps := []func() error{
		func() error { return l.SetSDA(false) },
		func() error { return l.SetSCL(true) },
		func() error { return l.SetSDA(true) },
	}
	for _, step := range steps {
		if err = step(); err != nil {
			return released, fmt.Errorf("stop: %w", err)
		}
		l.Pause()
	}
	return released, nil
}
