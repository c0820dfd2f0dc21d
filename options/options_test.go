package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	o := Defaults()
	assert.Equal(t, "GO", o.Backend)
	assert.Equal(t, DeviceCPU, o.Device)
	assert.Equal(t, PrecisionFP32, o.Precision)
	assert.False(t, o.OptimizedAttention)
	assert.NoError(t, o.Destroy())
}

func TestWithDevice(t *testing.T) {
	o := Defaults()
	assert.NoError(t, WithDevice(DeviceCUDA)(o))
	assert.Equal(t, DeviceCUDA, o.Device)

	err := WithDevice("tpu")(o)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "tpu")
	}
}

func TestWithCuda(t *testing.T) {
	o := Defaults()
	assert.NoError(t, WithCuda()(o))
	assert.Equal(t, DeviceCUDA, o.Device)
}

func TestWithPrecision(t *testing.T) {
	o := Defaults()
	assert.NoError(t, WithPrecision(PrecisionBF16)(o))
	assert.Equal(t, PrecisionBF16, o.Precision)

	err := WithPrecision("fp8")(o)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "fp8")
	}
}

func TestWithOptimizedAttention(t *testing.T) {
	o := Defaults()
	assert.NoError(t, WithOptimizedAttention()(o))
	assert.True(t, o.OptimizedAttention)
}
