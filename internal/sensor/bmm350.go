// Package sensor drives the BMM350 magnetometer used on every node.
package sensor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/i2c"

	"github.com/shaunagostinho/gradsense/internal/node"
)

// Addr is the default 7-bit address (ADSEL low); 0x15 with ADSEL high.
const Addr = 0x14

const (
	regChipID  = 0x00
	regAggr    = 0x04
	regAxisEn  = 0x05
	regPMUCmd  = 0x06
	regMag     = 0x31
	regOTPCmd  = 0x50
	regCmd     = 0x7E
	chipID     = 0x33
	dummyBytes = 2

	cmdSoftReset = 0xB6
	pmuSuspend   = 0x00
	pmuNormal    = 0x01
	pmuUpdate    = 0x02
	pmuForced    = 0x03
	pmuFluxGuide = 0x05
	pmuBitReset  = 0x07
	otpPowerOff  = 0x80

	aggrODR50Avg8 = 0x35
	axisXYZ       = 0x07

	warmupReads = 3
)

var (
	ErrChipID  = errors.New("bmm350: chip id mismatch")
	ErrNoBus   = errors.New("bmm350: no bus")
	ErrInvalid = errors.New("bmm350: invalid measurement")
)

// LSB to µT / °C, from the datasheet gains.
var scaleX, scaleY, scaleZ, scaleT = lsbScales()

func lsbScales() (x, y, z, t float64) {
	const (
		bxySens     = 14.55
		bzSens      = 9.0
		tempSens    = 0.00204
		inaXYGain   = 19.46
		inaZGain    = 31.0
		adcGain     = 1 / 1.5
		lutGain     = 0.714607238769531
		power       = 1_000_000.0 / 1_048_576.0
		fullScale20 = 1_048_576.0
	)
	x = power / (bxySens * inaXYGain * adcGain * lutGain)
	y = x
	z = power / (bzSens * inaZGain * adcGain * lutGain)
	t = 1 / (tempSens * adcGain * lutGain * fullScale20)
	return x, y, z, t
}

// BMM350 reads one sensor. It satisfies node.Driver; Init doubles as the
// re-initialization step of bus recovery.
type BMM350 struct {
	mu     sync.Mutex
	bus    i2c.Bus
	addr   uint16
	forced bool
	sleep  func(time.Duration)
}

// New returns a driver on bus at addr. Call Init before reading.
// With forced set every read triggers its own measurement.
func New(bus i2c.Bus, addr uint16, forced bool) *BMM350 {
	if addr == 0 {
		addr = Addr
	}
	return &BMM350{bus: bus, addr: addr, forced: forced, sleep: time.Sleep}
}

// SetBus swaps the bus after it was reopened at another speed.
func (s *BMM350) SetBus(bus i2c.Bus) {
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
}

// Init runs the full bring-up: soft reset, identity check, power mode
// sequence, output data rate and axis enable, then discards a few reads.
func (s *BMM350) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return ErrNoBus
	}

	if err := s.write(regCmd, cmdSoftReset); err != nil {
		return fmt.Errorf("bmm350: soft reset: %w", err)
	}
	s.sleep(30 * time.Millisecond)

	id, err := s.readN(regChipID, 1)
	if err != nil {
		return fmt.Errorf("bmm350: chip id: %w", err)
	}
	if id[0] != chipID {
		return fmt.Errorf("%w (got 0x%02X, want 0x%02X)", ErrChipID, id[0], chipID)
	}

	steps := []struct {
		reg, val byte
		wait     time.Duration
	}{
		{regOTPCmd, otpPowerOff, 2 * time.Millisecond},
		{regPMUCmd, pmuSuspend, 40 * time.Millisecond},
		{regPMUCmd, pmuBitReset, 14 * time.Millisecond},
		{regPMUCmd, pmuFluxGuide, 58 * time.Millisecond},
		{regPMUCmd, pmuNormal, 40 * time.Millisecond},
		{regAggr, aggrODR50Avg8, 0},
		{regPMUCmd, pmuUpdate, 2 * time.Millisecond},
		{regAxisEn, axisXYZ, 0},
	}
	for _, st := range steps {
		if err := s.write(st.reg, st.val); err != nil {
			return fmt.Errorf("bmm350: write reg 0x%02X: %w", st.reg, err)
		}
		if st.wait > 0 {
			s.sleep(st.wait)
		}
	}

	for i := 0; i < warmupReads; i++ {
		s.measure()
	}
	return nil
}

// Probe checks that the sensor acknowledges on the bus.
func (s *BMM350) Probe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return ErrNoBus
	}
	_, err := s.readN(regChipID, 1)
	return err
}

// Read returns a scaled sample, or ok=false on a bus error or a value
// outside the sensor's physical range.
func (s *BMM350) Read() (node.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return node.Reading{}, false
	}
	r, err := s.measure()
	return r, err == nil
}

func (s *BMM350) measure() (node.Reading, error) {
	if s.forced {
		if err := s.write(regPMUCmd, pmuForced); err != nil {
			return node.Reading{}, err
		}
		s.sleep(16 * time.Millisecond)
	}
	b, err := s.readN(regMag, 12)
	if err != nil {
		return node.Reading{}, err
	}
	return Convert(b)
}

// Convert scales a raw 12-byte measurement block and applies the sanity
// gates. An all-0x7F block is what the sensor returns when not ready.
func Convert(b []byte) (node.Reading, error) {
	if len(b) != 12 {
		return node.Reading{}, ErrInvalid
	}
	allFill := true
	for _, c := range b {
		if c != 0x7F {
			allFill = false
			break
		}
	}
	if allFill {
		return node.Reading{}, ErrInvalid
	}

	x := float64(signExtend24(b[0], b[1], b[2])) * scaleX
	y := float64(signExtend24(b[3], b[4], b[5])) * scaleY
	z := float64(signExtend24(b[6], b[7], b[8])) * scaleZ
	t := float64(signExtend24(b[9], b[10], b[11])) * scaleT

	for _, v := range []float64{x, y, z} {
		if v < -2000 || v > 2000 {
			return node.Reading{}, ErrInvalid
		}
	}
	if t < -40 || t > 125 {
		return node.Reading{}, ErrInvalid
	}
	return node.Reading{X: float32(x), Y: float32(y), Z: float32(z), T: float32(t)}, nil
}

func signExtend24(lo, mid, hi byte) int32 {
	v := int32(lo) | int32(mid)<<8 | int32(hi)<<16
	if v&0x800000 != 0 {
		v -= 0x1000000
	}
	return v
}

func (s *BMM350) write(reg, val byte) error {
	return s.bus.Tx(s.addr, []byte{reg, val}, nil)
}

// readN reads n bytes from reg. The sensor prefixes every read with two
// dummy bytes, which are dropped here.
func (s *BMM350) readN(reg byte, n int) ([]byte, error) {
	r := make([]byte, n+dummyBytes)
	if err := s.bus.Tx(s.addr, []byte{reg}, r); err != nil {
		return nil, err
	}
	return r[dummyBytes:], nil
}
