package preftune

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"

	"github.com/alignsys/preftune/algorithms"
	"github.com/alignsys/preftune/backends"
	"github.com/alignsys/preftune/datasets"
	"github.com/alignsys/preftune/dist"
	"github.com/alignsys/preftune/options"
)

// flatLM scores every vocabulary token equally at every position.
type flatLM struct {
	vocabSize int
}

func (s *flatLM) Forward(inputIDs, _ *tensor.Dense) (*tensor.Dense, error) {
	shape := inputIDs.Shape()
	rows, cols := shape[0], shape[1]
	backing := make([]float32, rows*cols*s.vocabSize)
	return tensor.New(tensor.WithShape(rows, cols, s.vocabSize), tensor.WithBacking(backing)), nil
}

func (s *flatLM) To(_ options.Device) error { return nil }
func (s *flatLM) Destroy() error            { return nil }

type charEncoder struct{}

func (charEncoder) Encode(input string, _ bool) ([]int64, error) {
	ids := make([]int64, 0, len(input))
	for _, r := range input {
		ids = append(ids, int64(r%7))
	}
	return ids, nil
}

func str(s string) *string { return &s }

func newStubSession(t *testing.T, epochs int) *TrainingSession {
	t.Helper()

	policy, err := backends.NewPreferenceModel(&flatLM{vocabSize: 7})
	if err != nil {
		t.Fatal(err)
	}
	ref, err := backends.NewPreferenceModel(&flatLM{vocabSize: 7})
	if err != nil {
		t.Fatal(err)
	}
	algorithm, err := algorithms.NewDPO(ref)
	if err != nil {
		t.Fatal(err)
	}

	examples := []datasets.PreferenceExample{
		{Prompt: str("ab"), Chosen: str("cd"), Rejected: str("efg")},
		{Prompt: str("hi"), Chosen: str("jkl"), Rejected: str("m")},
		{Prompt: str("no"), Chosen: str("p"), Rejected: str("qr")},
	}
	dataset, err := datasets.NewInMemoryPreferenceDataset(examples, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := dataset.SetEncoder(charEncoder{}); err != nil {
		t.Fatal(err)
	}

	world := dist.Single()
	return &TrainingSession{
		backend:   "GO",
		policy:    policy,
		ref:       ref,
		algorithm: algorithm,
		config:    TrainingConfig{Dataset: dataset},
		maxEpochs: epochs,
		world:     &world,
		options:   options.Defaults(),
	}
}

func TestTrainAccumulatesStatistics(t *testing.T) {
	session := newStubSession(t, 2)
	if err := session.Train(); err != nil {
		t.Fatal(err)
	}

	statistics := session.Statistics()
	if assert.Len(t, statistics.EpochTrainLosses, 2) {
		// policy and reference are identical, so every batch sits at log(2)
		for _, loss := range statistics.EpochTrainLosses {
			assert.InDelta(t, math.Log(2), float64(loss), 1e-5)
		}
	}
}

func TestTrainEmptyDataset(t *testing.T) {
	session := newStubSession(t, 1)
	dataset, err := datasets.NewInMemoryPreferenceDataset([]datasets.PreferenceExample{
		{Prompt: str("a"), Chosen: str("b"), Rejected: str("c")},
	}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := dataset.SetEncoder(charEncoder{}); err != nil {
		t.Fatal(err)
	}
	// exhaust the dataset so the first training epoch sees nothing
	if _, err := dataset.Yield(); err != nil {
		t.Fatal(err)
	}
	session.config.Dataset = dataset

	err = session.Train()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "no batches")
	}
}

func TestSaveWritesStatistics(t *testing.T) {
	session := newStubSession(t, 1)
	if err := session.Train(); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := session.Save(dir); err != nil {
		t.Fatal(err)
	}

	statisticsBytes, err := os.ReadFile(filepath.Join(dir, "statistics.json"))
	if err != nil {
		t.Fatal(err)
	}
	var statistics TrainingStatistics
	if err := json.Unmarshal(statisticsBytes, &statistics); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, session.Statistics(), statistics)

	err = session.Save("")
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "path is required")
	}
}

func TestNewTrainingSessionValidation(t *testing.T) {
	_, err := newTrainingSession("ORT", TrainingConfig{})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "runtime ORT is not supported")
	}

	_, err = NewGoTrainingSession(TrainingConfig{})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "dataset is required")
	}

	_, err = NewGoTrainingSession(TrainingConfig{
		Options: []TrainingOption{WithEpochs(0)},
	})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "epochs must be greater than 0")
	}
}

func TestSessionDestroy(t *testing.T) {
	session := newStubSession(t, 1)
	assert.NoError(t, session.Destroy())
	assert.Nil(t, session.policy)
	assert.Nil(t, session.ref)
}
