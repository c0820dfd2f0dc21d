package backends

import (
	"fmt"

	"gorgonia.org/tensor"
)

// ForwardOutput is the result of one dual-sequence forward pass: a scalar
// log-probability per example and the raw logits, split by side.
type ForwardOutput struct {
	ChosenLogProbs   *tensor.Dense // (batch,)
	RejectedLogProbs *tensor.Dense // (batch,)
	ChosenLogits     *tensor.Dense // (batch, sequence, vocab)
	RejectedLogits   *tensor.Dense // (batch, sequence, vocab)
}

// PreferenceModel wraps a causal LM and overrides its forward pass to score
// chosen and rejected sequences in one model invocation. Under distributed
// sharding a single pass gathers parameters once instead of twice.
type PreferenceModel struct {
	lm CausalLM
}

func NewPreferenceModel(lm CausalLM) (*PreferenceModel, error) {
	if lm == nil {
		return nil, fmt.Errorf("a causal LM is required")
	}
	return &PreferenceModel{lm: lm}, nil
}

// LM returns the wrapped causal LM.
func (p *PreferenceModel) LM() CausalLM {
	return p.lm
}

// Forward accepts a preference batch. Any other container type is a
// configuration error.
func (p *PreferenceModel) Forward(batch any) (*ForwardOutput, error) {
	switch b := batch.(type) {
	case Batch:
		return p.ConcatenatedForward(b)
	case map[string]*tensor.Dense:
		return p.ConcatenatedForward(Batch(b))
	default:
		return nil, fmt.Errorf("unexpected batch type %T", batch)
	}
}

// Loss is the wrapped model's own contribution to the step loss. The
// preference loss is added by the algorithm after the forward pass, so the
// model contributes zero.
func (p *PreferenceModel) Loss(_ *ForwardOutput, _ Batch) float32 {
	return 0
}

// ConcatenatedForward runs one forward pass over the concatenated
// chosen/rejected batch, splits the logits back into halves and reduces each
// half against its labels into per-example log-probabilities.
func (p *PreferenceModel) ConcatenatedForward(batch Batch) (*ForwardOutput, error) {
	concatenated, err := ConcatenateInputs(batch)
	if err != nil {
		return nil, err
	}
	labels, ok := concatenated[ConcatenatedLabels]
	if !ok {
		return nil, fmt.Errorf("batch is missing required keys %s and %s", ChosenLabels, RejectedLabels)
	}
	lenChosen := batch[ChosenInputIDs].Shape()[0]

	allLogits, err := p.lm.Forward(concatenated[ConcatenatedInputIDs], concatenated[ConcatenatedAttentionMask])
	if err != nil {
		return nil, err
	}

	allLogProbs, err := SequenceLogProbs(allLogits, labels, false)
	if err != nil {
		return nil, err
	}

	chosenLogProbs, rejectedLogProbs, err := splitRows1D(allLogProbs, lenChosen)
	if err != nil {
		return nil, err
	}
	chosenLogits, rejectedLogits, err := splitRows3D(allLogits, lenChosen)
	if err != nil {
		return nil, err
	}

	return &ForwardOutput{
		ChosenLogProbs:   chosenLogProbs,
		RejectedLogProbs: rejectedLogProbs,
		ChosenLogits:     chosenLogits,
		RejectedLogits:   rejectedLogits,
	}, nil
}

func splitRows1D(t *tensor.Dense, lenChosen int) (*tensor.Dense, *tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 1 || lenChosen <= 0 || lenChosen >= shape[0] {
		return nil, nil, fmt.Errorf("cannot split tensor of shape %v at row %d", shape, lenChosen)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("expected a float32 tensor, got %v", t.Dtype())
	}
	chosen := tensor.New(tensor.WithShape(lenChosen), tensor.WithBacking(data[:lenChosen]))
	rejected := tensor.New(tensor.WithShape(shape[0]-lenChosen), tensor.WithBacking(data[lenChosen:]))
	return chosen, rejected, nil
}

func splitRows3D(t *tensor.Dense, lenChosen int) (*tensor.Dense, *tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 3 || lenChosen <= 0 || lenChosen >= shape[0] {
		return nil, nil, fmt.Errorf("cannot split tensor of shape %v at row %d", shape, lenChosen)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("expected a float32 tensor, got %v", t.Dtype())
	}
	rowSize := shape[1] * shape[2]
	chosen := tensor.New(
		tensor.WithShape(lenChosen, shape[1], shape[2]),
		tensor.WithBacking(data[:lenChosen*rowSize]),
	)
	rejected := tensor.New(
		tensor.WithShape(shape[0]-lenChosen, shape[1], shape[2]),
		tensor.WithBacking(data[lenChosen*rowSize:]),
	)
	return chosen, rejected, nil
}
