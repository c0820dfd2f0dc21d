package backends

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"
)

// IgnoreIndex marks label positions that are excluded from log-probability
// reduction. It is negative so it can never collide with a vocabulary id.
const IgnoreIndex int64 = -100

// PadValue pads input id and attention mask tensors.
const PadValue int64 = 0

// Keys of the tensors a preference batch carries. The chosen and rejected
// sides must hold the same number of rows; sequence lengths may differ.
const (
	ChosenInputIDs        = "chosen_input_ids"
	ChosenAttentionMask   = "chosen_attention_mask"
	ChosenLabels          = "chosen_labels"
	RejectedInputIDs      = "rejected_input_ids"
	RejectedAttentionMask = "rejected_attention_mask"
	RejectedLabels        = "rejected_labels"

	ConcatenatedInputIDs      = "concatenated_input_ids"
	ConcatenatedAttentionMask = "concatenated_attention_mask"
	ConcatenatedLabels        = "concatenated_labels"
)

// Batch maps tensor names to 2D int64 tensors of shape (batch, sequence).
type Batch map[string]*tensor.Dense

// Validate checks the pairing contract: both input id tensors present with
// an equal number of rows.
func (b Batch) Validate() error {
	chosenIDs, ok := b[ChosenInputIDs]
	if !ok || chosenIDs == nil {
		return fmt.Errorf("batch is missing required key %s", ChosenInputIDs)
	}
	rejectedIDs, ok := b[RejectedInputIDs]
	if !ok || rejectedIDs == nil {
		return fmt.Errorf("batch is missing required key %s", RejectedInputIDs)
	}
	if chosenIDs.Shape()[0] != rejectedIDs.Shape()[0] {
		return fmt.Errorf("chosen and rejected sides must pair up: got %d chosen rows and %d rejected rows",
			chosenIDs.Shape()[0], rejectedIDs.Shape()[0])
	}
	return nil
}

// ConcatenateInputs merges the chosen and rejected tensors of a batch into
// single concatenated tensors, chosen rows first, each side right-padded on
// the sequence dimension to the longer of the two. Label tensors pad with
// IgnoreIndex, everything else with PadValue. Keys without a chosen or
// rejected prefix do not participate.
func ConcatenateInputs(batch Batch) (Batch, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	maxLength := batch[ChosenInputIDs].Shape()[1]
	if rejectedLength := batch[RejectedInputIDs].Shape()[1]; rejectedLength > maxLength {
		maxLength = rejectedLength
	}

	concatenated := Batch{}
	for key, t := range batch {
		if t == nil || !strings.HasPrefix(key, "chosen") {
			continue
		}
		padded, err := PadToLength(t, maxLength, padValueFor(key))
		if err != nil {
			return nil, fmt.Errorf("failed to pad %s: %w", key, err)
		}
		concatenated[strings.Replace(key, "chosen", "concatenated", 1)] = padded
	}
	for key, t := range batch {
		if t == nil || !strings.HasPrefix(key, "rejected") {
			continue
		}
		concatenatedKey := strings.Replace(key, "rejected", "concatenated", 1)
		head, ok := concatenated[concatenatedKey]
		if !ok {
			return nil, fmt.Errorf("batch key %s has no chosen counterpart", key)
		}
		padded, err := PadToLength(t, maxLength, padValueFor(key))
		if err != nil {
			return nil, fmt.Errorf("failed to pad %s: %w", key, err)
		}
		joined, err := concatRows(head, padded)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate %s: %w", key, err)
		}
		concatenated[concatenatedKey] = joined
	}
	return concatenated, nil
}

func padValueFor(key string) int64 {
	if strings.Contains(key, "labels") {
		return IgnoreIndex
	}
	return PadValue
}

// PadToLength right-pads t along the sequence (last) dimension up to length.
// Tensors already at length pass through unchanged.
func PadToLength(t *tensor.Dense, length int, padValue int64) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected a 2D (batch, sequence) tensor, got shape %v", shape)
	}
	rows, cols := shape[0], shape[1]
	if cols == length {
		return t, nil
	}
	if cols > length {
		return nil, fmt.Errorf("cannot pad sequence length %d down to %d", cols, length)
	}
	data, ok := t.Data().([]int64)
	if !ok {
		return nil, fmt.Errorf("expected an int64 tensor, got %v", t.Dtype())
	}
	backing := make([]int64, rows*length)
	for r := 0; r < rows; r++ {
		copy(backing[r*length:], data[r*cols:(r+1)*cols])
		for c := cols; c < length; c++ {
			backing[r*length+c] = padValue
		}
	}
	return tensor.New(tensor.WithShape(rows, length), tensor.WithBacking(backing)), nil
}

// concatRows stacks b's rows below a's. Both tensors must share dtype and
// sequence length.
func concatRows(a, b *tensor.Dense) (*tensor.Dense, error) {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != 2 || len(bShape) != 2 || aShape[1] != bShape[1] {
		return nil, fmt.Errorf("row concatenation needs matching sequence lengths, got shapes %v and %v", aShape, bShape)
	}
	aData, aOK := a.Data().([]int64)
	bData, bOK := b.Data().([]int64)
	if !aOK || !bOK {
		return nil, fmt.Errorf("expected int64 tensors, got %v and %v", a.Dtype(), b.Dtype())
	}
	backing := make([]int64, 0, len(aData)+len(bData))
	backing = append(backing, aData...)
	backing = append(backing, bData...)
	return tensor.New(tensor.WithShape(aShape[0]+bShape[0], aShape[1]), tensor.WithBacking(backing)), nil
}
