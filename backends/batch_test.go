package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

func int64Tensor(rows, cols int, data []int64) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

func preferenceBatch() Batch {
	return Batch{
		ChosenInputIDs:        int64Tensor(2, 3, []int64{1, 2, 3, 2, 3, 1}),
		ChosenAttentionMask:   int64Tensor(2, 3, []int64{1, 1, 1, 1, 1, 1}),
		ChosenLabels:          int64Tensor(2, 3, []int64{IgnoreIndex, 2, 3, IgnoreIndex, 3, 1}),
		RejectedInputIDs:      int64Tensor(2, 5, []int64{1, 2, 3, 0, 1, 3, 2, 1, 2, 3}),
		RejectedAttentionMask: int64Tensor(2, 5, []int64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}),
		RejectedLabels:        int64Tensor(2, 5, []int64{IgnoreIndex, 2, 3, 0, 1, IgnoreIndex, 2, 1, 2, 3}),
	}
}

func TestConcatenateInputsPadding(t *testing.T) {
	concatenated, err := ConcatenateInputs(preferenceBatch())
	if err != nil {
		t.Fatal(err)
	}

	// every participating key is padded to the longer rejected length
	for _, key := range []string{ConcatenatedInputIDs, ConcatenatedAttentionMask, ConcatenatedLabels} {
		assert.Equal(t, []int{4, 5}, []int(concatenated[key].Shape()), key)
	}

	// chosen rows pad with zero for ids and mask, with the ignore sentinel
	// for labels
	ids := concatenated[ConcatenatedInputIDs].Data().([]int64)
	assert.Equal(t, []int64{1, 2, 3, 0, 0}, ids[:5])
	mask := concatenated[ConcatenatedAttentionMask].Data().([]int64)
	assert.Equal(t, []int64{1, 1, 1, 0, 0}, mask[:5])
	labels := concatenated[ConcatenatedLabels].Data().([]int64)
	assert.Equal(t, []int64{IgnoreIndex, 2, 3, IgnoreIndex, IgnoreIndex}, labels[:5])
}

func TestConcatenateInputsRowOrdering(t *testing.T) {
	batch := preferenceBatch()
	concatenated, err := ConcatenateInputs(batch)
	if err != nil {
		t.Fatal(err)
	}

	ids := concatenated[ConcatenatedInputIDs].Data().([]int64)
	// rows 0..1 are the (padded) chosen rows, rows 2..3 the rejected rows
	assert.Equal(t, []int64{1, 2, 3, 0, 0}, ids[0:5])
	assert.Equal(t, []int64{2, 3, 1, 0, 0}, ids[5:10])
	assert.Equal(t, []int64{1, 2, 3, 0, 1}, ids[10:15])
	assert.Equal(t, []int64{3, 2, 1, 2, 3}, ids[15:20])
}

func TestConcatenateInputsSkipsUnprefixedKeys(t *testing.T) {
	batch := preferenceBatch()
	batch["example_weights"] = int64Tensor(2, 1, []int64{1, 1})
	concatenated, err := ConcatenateInputs(batch)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, concatenated, 3)
	assert.NotContains(t, concatenated, "example_weights")
}

func TestConcatenateInputsMissingKeys(t *testing.T) {
	batch := preferenceBatch()
	delete(batch, ChosenInputIDs)
	_, err := ConcatenateInputs(batch)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), ChosenInputIDs)
	}

	batch = preferenceBatch()
	delete(batch, RejectedInputIDs)
	_, err = ConcatenateInputs(batch)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), RejectedInputIDs)
	}
}

func TestConcatenateInputsRowMismatch(t *testing.T) {
	batch := preferenceBatch()
	batch[RejectedInputIDs] = int64Tensor(1, 5, []int64{1, 2, 3, 0, 1})
	_, err := ConcatenateInputs(batch)
	assert.Error(t, err)
}

func TestPadToLengthPassThrough(t *testing.T) {
	in := int64Tensor(2, 4, []int64{1, 2, 3, 4, 5, 6, 7, 8})
	out, err := PadToLength(in, 4, PadValue)
	if err != nil {
		t.Fatal(err)
	}
	// a tensor already at length must come back unchanged, not copied
	assert.Same(t, in, out)

	_, err = PadToLength(in, 3, PadValue)
	assert.Error(t, err)
}
