package datasets

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alignsys/preftune/backends"
)

// wordEncoder assigns each whitespace separated word a stable id, with id 0
// reserved as a start token.
type wordEncoder struct {
	vocab map[string]int64
}

func newWordEncoder() *wordEncoder {
	return &wordEncoder{vocab: map[string]int64{}}
}

func (e *wordEncoder) Encode(input string, addSpecialTokens bool) ([]int64, error) {
	var ids []int64
	if addSpecialTokens {
		ids = append(ids, 0)
	}
	word := ""
	flush := func() {
		if word == "" {
			return
		}
		id, ok := e.vocab[word]
		if !ok {
			id = int64(len(e.vocab) + 1)
			e.vocab[word] = id
		}
		ids = append(ids, id)
		word = ""
	}
	for _, r := range input {
		if r == ' ' {
			flush()
		} else {
			word += string(r)
		}
	}
	flush()
	return ids, nil
}

func str(s string) *string { return &s }

func testExamples() []PreferenceExample {
	return []PreferenceExample{
		{Prompt: str("the capital of france is"), Chosen: str("paris"), Rejected: str("london a city")},
		{Prompt: str("two plus two"), Chosen: str("equals four"), Rejected: str("five")},
	}
}

func TestYieldMasksPromptTokens(t *testing.T) {
	d, err := NewInMemoryPreferenceDataset(testExamples(), 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetEncoder(newWordEncoder()); err != nil {
		t.Fatal(err)
	}

	batch, err := d.Yield()
	if err != nil {
		t.Fatal(err)
	}
	if err := batch.Validate(); err != nil {
		t.Fatal(err)
	}

	// both chosen sequences are prompt+completion: 6+1=7 and 4+2=6 tokens
	assert.Equal(t, []int{2, 7}, []int(batch[backends.ChosenInputIDs].Shape()))
	assert.Equal(t, []int{2, 7}, []int(batch[backends.ChosenLabels].Shape()))
	// the rejected side pads to its own longest sequence, 6+3=9 tokens
	assert.Equal(t, []int{2, 9}, []int(batch[backends.RejectedInputIDs].Shape()))

	labels := batch[backends.ChosenLabels].Data().([]int64)
	// row 0: six prompt positions masked, then the completion token
	for pos := 0; pos < 6; pos++ {
		assert.Equal(t, backends.IgnoreIndex, labels[pos])
	}
	assert.NotEqual(t, backends.IgnoreIndex, labels[6])
	// row 1: four prompt positions masked, two completion tokens, pad masked
	row1 := labels[7:]
	for pos := 0; pos < 4; pos++ {
		assert.Equal(t, backends.IgnoreIndex, row1[pos])
	}
	assert.NotEqual(t, backends.IgnoreIndex, row1[4])
	assert.NotEqual(t, backends.IgnoreIndex, row1[5])
	assert.Equal(t, backends.IgnoreIndex, row1[6])

	mask := batch[backends.ChosenAttentionMask].Data().([]int64)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 1}, mask[:7])
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 0}, mask[7:])
}

func TestYieldEndOfEpoch(t *testing.T) {
	d, err := NewInMemoryPreferenceDataset(testExamples(), 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetEncoder(newWordEncoder()); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Yield(); err != nil {
		t.Fatal(err)
	}
	_, err = d.Yield()
	assert.Equal(t, io.EOF, err)

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Yield(); err != nil {
		t.Fatal(err)
	}
}

func TestYieldRequiresEncoder(t *testing.T) {
	d, err := NewInMemoryPreferenceDataset(testExamples(), 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Yield()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "encoder")
	}
}

func TestYieldMissingFields(t *testing.T) {
	examples := []PreferenceExample{{Prompt: str("a prompt"), Chosen: str("yes")}}
	d, err := NewInMemoryPreferenceDataset(examples, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetEncoder(newWordEncoder()); err != nil {
		t.Fatal(err)
	}
	_, err = d.Yield()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "missing required fields")
	}
}

func TestPreprocessFuncApplied(t *testing.T) {
	prefix := func(examples []PreferenceExample) ([]PreferenceExample, error) {
		for i := range examples {
			prefixed := "question: " + *examples[i].Prompt
			examples[i].Prompt = &prefixed
		}
		return examples, nil
	}
	d, err := NewInMemoryPreferenceDataset(testExamples(), 2, prefix)
	if err != nil {
		t.Fatal(err)
	}
	examples, err := d.YieldRaw()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "question: the capital of france is", *examples[0].Prompt)
}

func TestJSONLDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonl")
	content := `{"prompt":"hello","chosen":"hi there","rejected":"go away"}
{"prompt":"goodbye","chosen":"see you","rejected":"no"}
{"prompt":"thanks","chosen":"welcome","rejected":"whatever"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := NewPreferenceDataset(path, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		assert.NoError(t, d.Close())
	}()
	if err := d.SetEncoder(newWordEncoder()); err != nil {
		t.Fatal(err)
	}

	batch, err := d.Yield()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 2, batch[backends.ChosenInputIDs].Shape()[0])

	// the last batch is cut short
	batch, err = d.Yield()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, batch[backends.ChosenInputIDs].Shape()[0])

	_, err = d.Yield()
	assert.Equal(t, io.EOF, err)

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	batch, err = d.Yield()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 2, batch[backends.ChosenInputIDs].Shape()[0])
}

func TestDatasetValidate(t *testing.T) {
	_, err := NewPreferenceDataset("train.csv", 2, nil)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), ".jsonl")
	}
	_, err = NewPreferenceDataset("", 2, nil)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "training path is required")
	}
	_, err = NewInMemoryPreferenceDataset(testExamples(), 0, nil)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "batch size")
	}
}
