// Package datasets provides streaming and in-memory datasets for preference
// optimization training.
package datasets

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"gorgonia.org/tensor"

	"github.com/alignsys/preftune/backends"
	"github.com/alignsys/preftune/util"
)

// Encoder turns raw text into token ids. A loaded causal LM satisfies this
// through its tokenizer.
type Encoder interface {
	Encode(input string, addSpecialTokens bool) ([]int64, error)
}

// Dataset is the contract a training session drives an epoch with.
type Dataset interface {
	Yield() (backends.Batch, error)
	Reset() error
	Validate() error
	SetEncoder(encoder Encoder) error
	SetVerbose(v bool)
	Close() error
}

// PreferenceExample is a single prompt with a preferred and a dispreferred
// completion.
type PreferenceExample struct {
	Data     map[string]any // to store any additional data for the example. Not used by the dataset.
	Prompt   *string        `json:"prompt"`
	Chosen   *string        `json:"chosen"`
	Rejected *string        `json:"rejected"`
}

type ExamplePreprocessFunc func([]PreferenceExample) ([]PreferenceExample, error)

// PreferenceDataset yields batches of tokenized preference pairs. Prompt
// tokens are masked out of the labels so only completion tokens contribute
// to the sequence log probabilities.
type PreferenceDataset struct {
	trainingPath     string
	trainingExamples []PreferenceExample
	batchSize        int
	preprocessFunc   ExamplePreprocessFunc
	encoder          Encoder
	reader           *bufio.Reader
	sourceFile       io.ReadCloser
	batchN           int
	verbose          bool
}

func (s *PreferenceDataset) SetVerbose(v bool) {
	s.verbose = v
}

func (s *PreferenceDataset) SetEncoder(encoder Encoder) error {
	if encoder == nil {
		return fmt.Errorf("encoder is required")
	}
	s.encoder = encoder
	return nil
}

func (s *PreferenceDataset) Validate() error {
	if s.batchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if len(s.trainingExamples) == 0 {
		if s.trainingPath == "" {
			return fmt.Errorf("training path is required")
		}
		if filepath.Ext(s.trainingPath) != ".jsonl" {
			return fmt.Errorf("training path must be a .jsonl file")
		}
	}
	return nil
}

// NewPreferenceDataset creates a new PreferenceDataset.
// The trainingPath must be a .jsonl file where each line has the following format:
// {"prompt":"What is the capital of France?","chosen":"Paris.","rejected":"London."}
// preprocessFunc can be used to apply any custom preprocessing to the example
// batch before it is tokenized, and may be nil.
func NewPreferenceDataset(trainingPath string, batchSize int, preprocessFunc ExamplePreprocessFunc) (*PreferenceDataset, error) {
	d := &PreferenceDataset{
		trainingPath:   trainingPath,
		batchSize:      batchSize,
		preprocessFunc: preprocessFunc,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	sourceReadCloser, err := util.OpenFile(trainingPath)
	if err != nil {
		return nil, err
	}
	d.reader = bufio.NewReader(sourceReadCloser)
	d.sourceFile = sourceReadCloser
	return d, nil
}

// NewInMemoryPreferenceDataset creates a new PreferenceDataset from a slice
// of examples.
func NewInMemoryPreferenceDataset(examples []PreferenceExample, batchSize int, preprocessFunc ExamplePreprocessFunc) (*PreferenceDataset, error) {
	d := &PreferenceDataset{
		trainingExamples: examples,
		batchSize:        batchSize,
		preprocessFunc:   preprocessFunc,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reset rewinds the dataset to the beginning of the training data (after the
// epoch is done).
func (s *PreferenceDataset) Reset() error {
	if s.verbose {
		fmt.Printf("completed epoch in %d batches of %d examples, resetting dataset\n", s.batchN, s.batchSize)
	}
	s.batchN = 0
	if len(s.trainingExamples) == 0 {
		if err := s.sourceFile.Close(); err != nil {
			return err
		}
		sourceReadCloser, err := util.OpenFile(s.trainingPath)
		if err != nil {
			return err
		}
		s.sourceFile = sourceReadCloser
		// restart the reader
		s.reader = bufio.NewReader(sourceReadCloser)
	}
	return nil
}

// YieldRaw returns the next raw batch of examples from the dataset. Note that
// if a preprocessing function has been provided at creation time, the
// examples will be preprocessed before being returned.
func (s *PreferenceDataset) YieldRaw() ([]PreferenceExample, error) {
	examplesBatch := make([]PreferenceExample, 0, s.batchSize)
	if len(s.trainingExamples) > 0 {
		// in memory dataset
		start := s.batchN * s.batchSize
		if start >= len(s.trainingExamples) {
			return examplesBatch, io.EOF // return error for reset
		}
		end := start + s.batchSize
		for i := start; i < end && i < len(s.trainingExamples); i++ {
			examplesBatch = append(examplesBatch, s.trainingExamples[i])
		}
	} else {
		for len(examplesBatch) < s.batchSize {
			lineBytes, readErr := util.ReadLine(s.reader)
			if readErr == io.EOF {
				if len(examplesBatch) == 0 {
					return examplesBatch, io.EOF // return error for reset
				}
				break // batch was cut short but we still process what is left
			}
			if readErr != nil {
				return nil, readErr
			}
			var lineData PreferenceExample
			if err := json.Unmarshal(lineBytes, &lineData); err != nil {
				return nil, fmt.Errorf("failed to parse JSON line: %w", err)
			}
			examplesBatch = append(examplesBatch, lineData)
		}
	}
	s.batchN++
	if s.preprocessFunc != nil {
		var preprocessErr error
		examplesBatch, preprocessErr = s.preprocessFunc(examplesBatch)
		if preprocessErr != nil {
			return nil, preprocessErr
		}
	}
	return examplesBatch, nil
}

// Yield tokenizes the next batch of examples and packs each side into padded
// id, attention mask and label tensors. io.EOF signals the end of the epoch.
func (s *PreferenceDataset) Yield() (backends.Batch, error) {
	if s.encoder == nil {
		return nil, fmt.Errorf("encoder is required: call SetEncoder before yielding batches")
	}
	examples, err := s.YieldRaw()
	if err != nil {
		return nil, err
	}

	chosen := make([]sequence, 0, len(examples))
	rejected := make([]sequence, 0, len(examples))
	for i, example := range examples {
		if example.Prompt == nil || example.Chosen == nil || example.Rejected == nil {
			return nil, fmt.Errorf("missing required fields in example %d", i)
		}
		promptIDs, encodeErr := s.encoder.Encode(*example.Prompt, true)
		if encodeErr != nil {
			return nil, encodeErr
		}
		chosenSeq, encodeErr := s.tokenizePair(promptIDs, *example.Chosen)
		if encodeErr != nil {
			return nil, encodeErr
		}
		rejectedSeq, encodeErr := s.tokenizePair(promptIDs, *example.Rejected)
		if encodeErr != nil {
			return nil, encodeErr
		}
		chosen = append(chosen, chosenSeq)
		rejected = append(rejected, rejectedSeq)
	}

	batch := backends.Batch{}
	packSide(batch, backends.ChosenInputIDs, backends.ChosenAttentionMask, backends.ChosenLabels, chosen)
	packSide(batch, backends.RejectedInputIDs, backends.RejectedAttentionMask, backends.RejectedLabels, rejected)

	if s.verbose {
		fmt.Printf("processing batch %d\n", s.batchN)
	}
	return batch, nil
}

type sequence struct {
	ids    []int64
	labels []int64
}

func (s *PreferenceDataset) tokenizePair(promptIDs []int64, completion string) (sequence, error) {
	completionIDs, err := s.encoder.Encode(completion, false)
	if err != nil {
		return sequence{}, err
	}
	ids := make([]int64, 0, len(promptIDs)+len(completionIDs))
	ids = append(ids, promptIDs...)
	ids = append(ids, completionIDs...)
	labels := make([]int64, 0, len(ids))
	for range promptIDs {
		labels = append(labels, backends.IgnoreIndex)
	}
	labels = append(labels, completionIDs...)
	return sequence{ids: ids, labels: labels}, nil
}

// packSide right pads the sequences of one preference side to a common
// length and stores the resulting tensors under the given batch keys.
func packSide(batch backends.Batch, idsKey, maskKey, labelsKey string, sequences []sequence) {
	maxLen := 0
	for _, seq := range sequences {
		if len(seq.ids) > maxLen {
			maxLen = len(seq.ids)
		}
	}
	rows := len(sequences)
	ids := make([]int64, 0, rows*maxLen)
	mask := make([]int64, 0, rows*maxLen)
	labels := make([]int64, 0, rows*maxLen)
	for _, seq := range sequences {
		ids = append(ids, seq.ids...)
		labels = append(labels, seq.labels...)
		for range seq.ids {
			mask = append(mask, 1)
		}
		for i := len(seq.ids); i < maxLen; i++ {
			ids = append(ids, backends.PadValue)
			mask = append(mask, backends.PadValue)
			labels = append(labels, backends.IgnoreIndex)
		}
	}
	batch[idsKey] = tensor.New(tensor.WithShape(rows, maxLen), tensor.WithBacking(ids))
	batch[maskKey] = tensor.New(tensor.WithShape(rows, maxLen), tensor.WithBacking(mask))
	batch[labelsKey] = tensor.New(tensor.WithShape(rows, maxLen), tensor.WithBacking(labels))
}

func (s *PreferenceDataset) Close() error {
	if s.sourceFile != nil {
		return s.sourceFile.Close()
	}
	return nil
}
