package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/shaunagostinho/gradsense/internal/recovery"
)

func TestOpenLinesMissing(t *testing.T) {
	t.Parallel()
	_, err := OpenLines("", "GPIO3")
	assert.Error(t, err)
	_, err = OpenLines("NO_SUCH_PIN_SDA", "NO_SUCH_PIN_SCL")
	assert.Error(t, err)
}

func TestPinLinesOpenDrain(t *testing.T) {
	t.Parallel()
	sda := &gpiotest.Pin{N: "SDA", L: gpio.High}
	scl := &gpiotest.Pin{N: "SCL", L: gpio.High}
	l := &PinLines{sda: sda, scl: scl}

	require.NoError(t, l.SetSCL(false))
	assert.Equal(t, gpio.Low, scl.L)
	require.NoError(t, l.SetSCL(true))
	assert.Equal(t, gpio.PullUp, scl.P)
	assert.True(t, l.SDA())
}

func TestUnstickOnPins(t *testing.T) {
	t.Parallel()
	sda := &gpiotest.Pin{N: "SDA", L: gpio.High}
	scl := &gpiotest.Pin{N: "SCL", L: gpio.High}
	l := &PinLines{sda: sda, scl: scl}

	released, err := recovery.Unstick(l, recovery.DefaultPulses)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, gpio.PullUp, sda.P)
}
