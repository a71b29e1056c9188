// Package node holds the per-node reading model shared by the sensor
// drivers and the sampler.
package node

// Reading is one sample of a node in physical units: µT for the axes and
// °C for the die temperature.
type Reading struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	T float32 `json:"t"`
}

// Channels is the number of values a Reading contributes to a frame.
const Channels = 4

// Neutral is reported for a node until its first successful read.
var Neutral = Reading{T: 25}

// Append adds the channel values to dst in wire order.
func (r Reading) Append(dst []float32) []float32 {
	return append(dst, r.X, r.Y, r.Z, r.T)
}

// Driver reads one node. A failed or implausible read returns ok=false;
// drivers never return errors or panic past this boundary.
type Driver interface {
	Read() (r Reading, ok bool)
}

// Unavailable stands in for a node whose sensor never came up.
type Unavailable struct{}

func (Unavailable) Read() (Reading, bool) { return Reading{}, false }

// DriverFunc adapts a function to Driver.
type DriverFunc func() (Reading, bool)

func (f DriverFunc) Read() (Reading, bool) { return f() }

// Polarity corrects for how the node at index is mounted: odd positions are
// face-flipped on the board, so x and z change sign.
func Polarity(index int, r Reading) Reading {
	if index%2 == 0 {
		return r
	}
	return Reading{X: -r.X, Y: r.Y, Z: -r.Z, T: r.T}
}

// Cache keeps the last good reading of one node.
type Cache struct {
	index int
	last  Reading
	fresh bool
}

// NewCache returns a cache for the node at index, holding Neutral.
func NewCache(index int) *Cache {
	return &Cache{index: index, last: Neutral}
}

// Update stores a successful raw reading.
func (c *Cache) Update(r Reading) {
	c.last = r
	c.fresh = true
}

// MarkStale records that the current cycle failed; the value is kept.
func (c *Cache) MarkStale() { c.fresh = false }

// Value returns the cached reading with the polarity correction applied.
func (c *Cache) Value() Reading { return Polarity(c.index, c.last) }

// Fresh reports whether the last cycle produced a new reading.
func (c *Cache) Fresh() bool { return c.fresh }
