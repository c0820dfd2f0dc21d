package backends

import (
	"bytes"
	"fmt"

	"github.com/sugarme/tokenizer/pretrained"

	"github.com/alignsys/preftune/util"
)

// loadTokenizer loads tokenizer.json when the checkpoint ships one. A
// missing tokenizer is fine for callers that feed pre-tokenized batches.
func loadTokenizer(model *Model) error {
	tokenizerPath := util.PathJoinSafe(model.Path, "tokenizer.json")

	exists, err := util.FileExists(tokenizerPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	tokenizerBytes, err := util.ReadFileBytes(tokenizerPath)
	if err != nil {
		return err
	}
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return tkErr
	}
	model.Tokenizer = tk
	return nil
}

// Encode tokenizes input into token ids, truncated to the model's position
// budget. It implements the encoder contract the preference dataset uses.
func (m *Model) Encode(input string, addSpecialTokens bool) ([]int64, error) {
	if m.Tokenizer == nil {
		return nil, fmt.Errorf("model at %s has no tokenizer.json", m.Path)
	}
	encoding, err := m.Tokenizer.EncodeSingle(input, addSpecialTokens)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(encoding.Ids))
	for i, id := range encoding.Ids {
		ids[i] = int64(id)
	}
	if m.MaxPositionEmbeddings > 0 && len(ids) > m.MaxPositionEmbeddings {
		ids = ids[:m.MaxPositionEmbeddings]
	}
	return ids, nil
}
