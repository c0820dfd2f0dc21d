package dist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"

	"github.com/alignsys/preftune/options"
)

type stubModel struct {
	device options.Device
}

func (s *stubModel) Forward(_, _ *tensor.Dense) (*tensor.Dense, error) {
	return nil, nil
}

func (s *stubModel) To(device options.Device) error {
	s.device = device
	return nil
}

func (s *stubModel) Destroy() error {
	return nil
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("RANK", "")
	t.Setenv("LOCAL_RANK", "")
	t.Setenv("WORLD_SIZE", "")

	world, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, Single(), world)
}

func TestFromEnvTorchrunContract(t *testing.T) {
	t.Setenv("RANK", "3")
	t.Setenv("LOCAL_RANK", "1")
	t.Setenv("WORLD_SIZE", "8")

	world, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, World{Rank: 3, LocalRank: 1, Size: 8}, world)
}

func TestFromEnvMalformed(t *testing.T) {
	t.Setenv("RANK", "zero")
	_, err := FromEnv()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "RANK")
	}
}

func TestFromEnvInconsistent(t *testing.T) {
	t.Setenv("RANK", "4")
	t.Setenv("LOCAL_RANK", "0")
	t.Setenv("WORLD_SIZE", "2")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestNoopSharder(t *testing.T) {
	model := &stubModel{}

	// single worker: preparation degenerates to a device move
	err := NoopSharder{}.Prepare(model, nil, Single(), options.PrecisionFP32, options.DeviceCUDA)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, options.DeviceCUDA, model.device)

	// multi-worker sharding needs a framework sharder
	err = NoopSharder{}.Prepare(model, nil, World{Rank: 0, Size: 2}, options.PrecisionFP32, options.DeviceCUDA)
	assert.Error(t, err)

	err = NoopSharder{}.Prepare(nil, nil, Single(), options.PrecisionFP32, options.DeviceCPU)
	assert.Error(t, err)
}
