// Package board wires the sensor array of a Linux single-board computer:
// one I2C bus per node, opened through periph, plus the GPIO lines used to
// unstick a bus.
package board

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"

	"github.com/shaunagostinho/gradsense/internal/node"
	"github.com/shaunagostinho/gradsense/internal/recovery"
	"github.com/shaunagostinho/gradsense/internal/sampler"
	"github.com/shaunagostinho/gradsense/internal/sensor"
)

// NodeConfig names the hardware of one node, in wiring order.
type NodeConfig struct {
	Name string `yaml:"name" json:"name"`
	Bus  string `yaml:"bus" json:"bus"` // i2creg name, e.g. "3" or "/dev/i2c-3"
	SDA  string `yaml:"sda" json:"sda"` // gpioreg pin names for the unstick sequence
	SCL  string `yaml:"scl" json:"scl"`
}

// Config describes the whole array.
type Config struct {
	Nodes  []NodeConfig
	Addr   uint16
	BusHz  int
	Forced bool
	Policy recovery.Policy
	Log    *log.Logger
}

// Node is one sensor with its own bus.
type Node struct {
	cfg    NodeConfig
	addr   uint16
	mu     sync.Mutex
	bus    i2c.BusCloser
	sensor *sensor.BMM350
	log    *log.Logger
}

// Reopen closes the node's bus and opens it again at speed.
func (n *Node) Reopen(speed physic.Frequency) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bus != nil {
		n.sensor.SetBus(nil)
		n.bus.Close()
		n.bus = nil
	}
	bus, err := i2creg.Open(n.cfg.Bus)
	if err != nil {
		return fmt.Errorf("board: open bus %s: %w", n.cfg.Bus, err)
	}
	if err := bus.SetSpeed(speed); err != nil {
		// Kernel bit-banged buses fix their speed at probe time.
		n.log.Printf("[board] %s: set speed %s: %v", n.cfg.Name, speed, err)
	}
	n.bus = bus
	n.sensor.SetBus(bus)
	return nil
}

// Probe checks the sensor address answers.
func (n *Node) Probe() error { return n.sensor.Probe() }

// Close releases the bus.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bus == nil {
		return nil
	}
	err := n.bus.Close()
	n.bus = nil
	return err
}

// Array is the opened set of nodes.
type Array struct {
	Nodes []sampler.Node
	open  []*Node
}

// Close releases every bus.
func (a *Array) Close() error {
	var errs []error
	for _, n := range a.open {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open initializes periph and brings up every node. A node whose sensor
// does not come up is kept as node.Unavailable so the frame layout does not
// change; only Open errors from periph itself are fatal.
func Open(cfg Config) (*Array, error) {
	if cfg.Log == nil {
		cfg.Log = log.New(io.Discard, "", 0)
	}
	if cfg.Addr == 0 {
		cfg.Addr = sensor.Addr
	}
	speed := 100 * physic.KiloHertz
	if cfg.BusHz > 0 {
		speed = physic.Frequency(cfg.BusHz) * physic.Hertz
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("board: periph init: %w", err)
	}

	a := &Array{}
	for i, nc := range cfg.Nodes {
		if nc.Name == "" {
			nc.Name = fmt.Sprintf("node%d", i)
		}
		n := &Node{
			cfg:    nc,
			addr:   cfg.Addr,
			sensor: sensor.New(nil, cfg.Addr, cfg.Forced),
			log:    cfg.Log,
		}
		lines, err := OpenLines(nc.SDA, nc.SCL)
		if err != nil {
			cfg.Log.Printf("[board] %s: %v (unstick disabled)", nc.Name, err)
		}

		if err := bringUp(n, lines, speed, cfg.Policy.Pulses); err != nil {
			cfg.Log.Printf("[board] %s: not available: %v", nc.Name, err)
			a.Nodes = append(a.Nodes, sampler.Node{Name: nc.Name, Driver: node.Unavailable{}})
			continue
		}
		cfg.Log.Printf("[board] %s: BMM350 up on bus %s", nc.Name, nc.Bus)
		a.open = append(a.open, n)

		rec := &recovery.BusRecoverer{
			Name:   nc.Name,
			Bus:    n,
			Sensor: n.sensor,
			Policy: cfg.Policy,
			Log:    cfg.Log,
		}
		if lines != nil {
			rec.Lines = lines
		}
		a.Nodes = append(a.Nodes, sampler.Node{Name: nc.Name, Driver: n.sensor, Recoverer: rec})
	}
	return a, nil
}

// bringUp opens the bus, unsticks it if the sensor does not answer, and
// runs the sensor init once.
func bringUp(n *Node, lines *PinLines, speed physic.Frequency, pulses int) error {
	if err := n.Reopen(speed); err != nil {
		return err
	}
	if n.Probe() != nil && lines != nil {
		if pulses <= 0 {
			pulses = recovery.DefaultPulses
		}
		recovery.Unstick(lines, pulses)
		if err := n.Reopen(speed); err != nil {
			return err
		}
	}
	if err := n.sensor.Init(); err != nil {
		n.Close()
		return err
	}
	return nil
}

// PinLines drives SDA/SCL as open-drain GPIOs: high releases the line to
// the pull-up, low drives it.
type PinLines struct {
	sda, scl gpio.PinIO
	pause    time.Duration
}

// OpenLines looks up the two pins by name.
func OpenLines(sdaName, sclName string) (*PinLines, error) {
	if sdaName == "" || sclName == "" {
		return nil, errors.New("no unstick pins configured")
	}
	sda := gpioreg.ByName(sdaName)
	if sda == nil {
		return nil, fmt.Errorf("pin %s not found", sdaName)
	}
	scl := gpioreg.ByName(sclName)
	if scl == nil {
		return nil, fmt.Errorf("pin %s not found", sclName)
	}
	return &PinLines{sda: sda, scl: scl, pause: 5 * time.Microsecond}, nil
}

func setOpenDrain(p gpio.PinIO, high bool) error {
	if high {
		return p.In(gpio.PullUp, gpio.NoEdge)
	}
	return p.Out(gpio.Low)
}

func (l *PinLines) SetSDA(high bool) error { return setOpenDrain(l.sda, high) }
func (l *PinLines) SetSCL(high bool) error { return setOpenDrain(l.scl, high) }
func (l *PinLines) SDA() bool              { return l.sda.Read() == gpio.High }
func (l *PinLines) Pause()                 { time.Sleep(l.pause) }
