package backends

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/alignsys/preftune/util"
)

// SequenceLogProbs reduces per-token logits against labels into one scalar
// log-probability per batch row. Logits have shape (batch, sequence, vocab)
// and labels (batch, sequence); position i's logits score label i+1, so the
// first label position and the last logits position drop out. Label
// positions equal to IgnoreIndex are excluded from the reduction. With
// average set the masked mean per row is returned instead of the masked sum;
// the preference pairing uses the sum.
func SequenceLogProbs(logits *tensor.Dense, labels *tensor.Dense, average bool) (*tensor.Dense, error) {
	logitsShape, labelsShape := logits.Shape(), labels.Shape()
	if len(logitsShape) != 3 || len(labelsShape) != 2 ||
		logitsShape[0] != labelsShape[0] || logitsShape[1] != labelsShape[1] {
		return nil, fmt.Errorf("logits batch and sequence dimensions of shape %v must match labels shape %v", logitsShape, labelsShape)
	}
	batchSize, seqLen, vocabSize := logitsShape[0], logitsShape[1], logitsShape[2]

	logitsData, ok := logits.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 logits, got %v", logits.Dtype())
	}
	labelsData, ok := labels.Data().([]int64)
	if !ok {
		return nil, fmt.Errorf("expected int64 labels, got %v", labels.Dtype())
	}

	out := make([]float32, batchSize)
	for row := 0; row < batchSize; row++ {
		sum := 0.0
		scored := 0
		for pos := 0; pos < seqLen-1; pos++ {
			label := labelsData[row*seqLen+pos+1]
			if label == IgnoreIndex {
				continue
			}
			if label < 0 || label >= int64(vocabSize) {
				return nil, fmt.Errorf("label id %d at row %d position %d is outside vocabulary of size %d", label, row, pos+1, vocabSize)
			}
			offset := (row*seqLen + pos) * vocabSize
			logProb, err := util.LogSoftMaxAt(logitsData[offset:offset+vocabSize], int(label))
			if err != nil {
				return nil, err
			}
			sum += logProb
			scored++
		}
		if average && scored > 0 {
			sum /= float64(scored)
		}
		out[row] = float32(sum)
	}
	return tensor.New(tensor.WithShape(batchSize), tensor.WithBacking(out)), nil
}
