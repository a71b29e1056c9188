package transport

import (
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

// Config names the serial device of the sensor board.
type Config struct {
	PortPath string
	BaudRate int
	Settle   time.Duration
	DrainFor time.Duration
	// KeepLines leaves DTR/RTS alone; by default both are cleared so that
	// opening the port does not reset boards wired for auto-reset.
	KeepLines bool
	Log       *log.Logger
}

// Open opens the serial device 8N1 and returns a settled, drained transport.
func Open(cfg Config) (*Transport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if !cfg.KeepLines {
		mode.InitialStatusBits = &serial.ModemOutputBits{DTR: false, RTS: false}
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: failed to set timeout: %w", err)
	}
	if !cfg.KeepLines {
		// Not every driver honors InitialStatusBits.
		port.SetDTR(false)
		port.SetRTS(false)
	}
	if cfg.Log != nil {
		cfg.Log.Printf("[transport] opened %s at %d baud", cfg.PortPath, cfg.BaudRate)
	}
	return New(port, Options{Settle: cfg.Settle, DrainFor: cfg.DrainFor, Log: cfg.Log}), nil
}

// Opener returns a function that opens a fresh transport per call, the way
// each host operation wants its own handle.
func Opener(cfg Config) func() (*Transport, error) {
	return func() (*Transport, error) { return Open(cfg) }
}
