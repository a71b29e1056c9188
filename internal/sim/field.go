// Package sim provides simulated sensor nodes and an in-memory board so the
// host side can run without hardware.
package sim

import (
	"errors"
	"math"
	"math/rand"
	"sync"

	"github.com/shaunagostinho/gradsense/internal/node"
	"github.com/shaunagostinho/gradsense/internal/sampler"
)

var ErrStillStuck = errors.New("sim: bus still stuck")

// Field simulates one magnetometer in a slowly rotating background field
// plus a gradient along the array.
type Field struct {
	mu    sync.Mutex
	index int
	t     float64
	rnd   *rand.Rand
	stuck bool

	FailRate  float64 // chance a single read fails
	StickRate float64 // chance the bus locks up until recovered
}

// NewField returns a node simulator for wiring position index.
func NewField(index int, seed int64) *Field {
	return &Field{index: index, rnd: rand.New(rand.NewSource(seed + int64(index)))}
}

func (f *Field) Read() (node.Reading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.t += 0.05 // ~20Hz tick
	if f.stuck {
		return node.Reading{}, false
	}
	if f.StickRate > 0 && f.rnd.Float64() < f.StickRate {
		f.stuck = true
		return node.Reading{}, false
	}
	if f.FailRate > 0 && f.rnd.Float64() < f.FailRate {
		return node.Reading{}, false
	}

	pos := float64(f.index)
	theta := f.t * 0.2
	x := 22*math.Cos(theta) + 1.5*pos
	y := 22*math.Sin(theta) - 0.8*pos
	z := -42 + 0.3*pos*math.Sin(f.t)
	// Mounting of odd positions is face-flipped; the raw reading shows it.
	if f.index%2 == 1 {
		x, z = -x, -z
	}
	noise := func() float64 { return f.rnd.NormFloat64() * 0.15 }
	return node.Reading{
		X: float32(x + noise()),
		Y: float32(y + noise()),
		Z: float32(z + noise()),
		T: float32(24.5 + 0.01*f.t + 0.05*pos),
	}, true
}

// Recover clears a stuck bus half of the time, like a real unstick.
func (f *Field) Recover() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stuck {
		return nil
	}
	if f.rnd.Float64() < 0.5 {
		f.stuck = false
		return nil
	}
	return ErrStillStuck
}

// Nodes returns n simulated nodes in sampler form.
func Nodes(n int, seed int64, failRate, stickRate float64) []sampler.Node {
	out := make([]sampler.Node, n)
	for i := range out {
		f := NewField(i, seed)
		f.FailRate = failRate
		f.StickRate = stickRate
		out[i] = sampler.Node{Driver: f, Recoverer: f}
	}
	return out
}
