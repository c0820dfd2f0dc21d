package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// createGoBackend initializes the pure Go onnx session and checks that the
// graph exposes the causal LM input surface.
func createGoBackend(model *Model) error {
	session, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}

	inputShapes := session.InputShapes()
	hasInputIDs, hasAttentionMask := false, false
	for _, name := range session.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, dim := range shape {
			dimensions[i] = dim.Size
		}
		model.InputsMeta = append(model.InputsMeta, InputOutputInfo{Name: name, Dimensions: dimensions})
		switch name {
		case "input_ids":
			hasInputIDs = true
		case "attention_mask":
			hasAttentionMask = true
		}
	}
	outputShapes := session.OutputShapes()
	for _, name := range session.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, dim := range shape {
			dimensions[i] = dim.Size
		}
		model.OutputsMeta = append(model.OutputsMeta, InputOutputInfo{Name: name, Dimensions: dimensions})
	}

	if !hasInputIDs || !hasAttentionMask {
		return fmt.Errorf("model at %s is not a causal LM export: inputs input_ids and attention_mask are required, got %v",
			model.Path, session.InputNames())
	}

	model.GoModel = session
	return nil
}

// Forward runs the onnx graph over one batch and returns the logits tensor.
func (m *Model) Forward(inputIDs, attentionMask *tensor.Dense) (*tensor.Dense, error) {
	if m.GoModel == nil {
		return nil, fmt.Errorf("model at %s has no initialized backend", m.Path)
	}
	outputs, err := m.GoModel.Run(map[string]tensor.Tensor{
		"input_ids":      inputIDs,
		"attention_mask": attentionMask,
	})
	if err != nil {
		return nil, err
	}

	logitsTensor, ok := outputs["logits"]
	if !ok {
		// some exports name the LM head output differently; fall back to the
		// first declared output
		names := m.GoModel.OutputNames()
		if len(names) == 0 {
			return nil, fmt.Errorf("model at %s declares no outputs", m.Path)
		}
		if logitsTensor, ok = outputs[names[0]]; !ok {
			return nil, fmt.Errorf("model at %s returned no output named %s", m.Path, names[0])
		}
	}
	return toFloat32Dense(logitsTensor)
}

// toFloat32Dense widens reduced or double precision logits to float32, the
// minimum precision the log-probability reduction accepts.
func toFloat32Dense(t tensor.Tensor) (*tensor.Dense, error) {
	dense, ok := t.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("expected a dense tensor output, got %T", t)
	}
	switch data := dense.Data().(type) {
	case []float32:
		return dense, nil
	case []float64:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}
		return tensor.New(tensor.WithShape(dense.Shape()...), tensor.WithBacking(converted)), nil
	default:
		return nil, fmt.Errorf("model logits have unsupported dtype %v", dense.Dtype())
	}
}
