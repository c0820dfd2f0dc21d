package options

import "fmt"

// Device is the accelerator device a model is placed on.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Precision is the numeric precision a model runs at. Log-probability
// reductions always accumulate in at least 32-bit floats regardless of this
// setting.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionBF16 Precision = "bf16"
)

type Options struct {
	Backend            string
	Device             Device
	Precision          Precision
	OptimizedAttention bool
	Destroy            func() error
}

func Defaults() *Options {
	return &Options{
		Backend:   "GO",
		Device:    DeviceCPU,
		Precision: PrecisionFP32,
		Destroy: func() error {
			return nil
		},
	}
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithDevice sets the device models are moved to at training start.
func WithDevice(device Device) WithOption {
	return func(o *Options) error {
		switch device {
		case DeviceCPU, DeviceCUDA:
			o.Device = device
			return nil
		}
		return fmt.Errorf("device %q is not supported, should be one of ['cpu', 'cuda']", device)
	}
}

// WithCuda is shorthand for WithDevice(DeviceCUDA).
func WithCuda() WithOption {
	return WithDevice(DeviceCUDA)
}

// WithPrecision sets the numeric precision for model execution.
func WithPrecision(precision Precision) WithOption {
	return func(o *Options) error {
		switch precision {
		case PrecisionFP32, PrecisionBF16:
			o.Precision = precision
			return nil
		}
		return fmt.Errorf("precision %q is not supported, should be one of ['fp32', 'bf16']", precision)
	}
}

// WithOptimizedAttention requests the backend's fused attention kernels.
// Backends that cannot provide them fail at model construction time rather
// than at the first training step.
func WithOptimizedAttention() WithOption {
	return func(o *Options) error {
		o.OptimizedAttention = true
		return nil
	}
}
