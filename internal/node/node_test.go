package node

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolarity(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		raw := Reading{
			X: rnd.Float32()*4000 - 2000,
			Y: rnd.Float32()*4000 - 2000,
			Z: rnd.Float32()*4000 - 2000,
			T: rnd.Float32()*165 - 40,
		}
		idx := rnd.Intn(12)
		got := Polarity(idx, raw)
		if idx%2 == 0 {
			assert.Equal(t, raw, got)
		} else {
			assert.Equal(t, -raw.X, got.X)
			assert.Equal(t, raw.Y, got.Y)
			assert.Equal(t, -raw.Z, got.Z)
			assert.Equal(t, raw.T, got.T)
		}
	}
}

func TestCache(t *testing.T) {
	t.Parallel()
	c := NewCache(1)
	assert.Equal(t, Neutral, c.Value())
	assert.False(t, c.Fresh())

	c.Update(Reading{X: 1, Y: 2, Z: 3, T: 20})
	assert.True(t, c.Fresh())
	assert.Equal(t, Reading{X: -1, Y: 2, Z: -3, T: 20}, c.Value())

	c.MarkStale()
	assert.False(t, c.Fresh())
	assert.Equal(t, Reading{X: -1, Y: 2, Z: -3, T: 20}, c.Value())
}

func TestUnavailable(t *testing.T) {
	t.Parallel()
	var d Driver = Unavailable{}
	_, ok := d.Read()
	assert.False(t, ok)
}

func TestAppend(t *testing.T) {
	t.Parallel()
	out := Reading{X: 1, Y: 2, Z: 3, T: 4}.Append(nil)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)
}
