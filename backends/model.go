package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/sugarme/tokenizer"
	"gorgonia.org/tensor"

	"github.com/alignsys/preftune/options"
	"github.com/alignsys/preftune/util"
)

// Model is a causal LM checkpoint loaded from disk or s3. It satisfies
// CausalLM through the pure Go onnx backend.
type Model struct {
	Path                  string
	OnnxFilename          string
	OnnxBytes             []byte
	GoModel               *gonnx.Model
	Tokenizer             *tokenizer.Tokenizer
	InputsMeta            []InputOutputInfo
	OutputsMeta           []InputOutputInfo
	VocabSize             int
	MaxPositionEmbeddings int
	Device                options.Device
	Frozen                bool
}

type InputOutputInfo struct {
	Name       string
	Dimensions []int64
}

// CausalLM is the forward contract of a causal language model: token ids and
// an attention mask of shape (batch, sequence) in, per-token vocabulary
// logits of shape (batch, sequence, vocab) out.
type CausalLM interface {
	Forward(inputIDs, attentionMask *tensor.Dense) (*tensor.Dense, error)
	To(device options.Device) error
	Destroy() error
}

// LoadModel loads a causal LM checkpoint: the .onnx graph, config.json
// metadata and, when present, the tokenizer.
func LoadModel(path string, onnxFilename string, opts *options.Options) (*Model, error) {
	if opts == nil {
		opts = options.Defaults()
	}
	if opts.OptimizedAttention {
		return nil, fmt.Errorf("optimized attention was requested but the %s backend does not provide fused attention kernels", opts.Backend)
	}

	model := &Model{
		Path:         path,
		OnnxFilename: onnxFilename,
		Device:       opts.Device,
	}

	err := loadOnnxModelBytes(model)
	if err != nil {
		return nil, err
	}

	err = loadModelConfig(model)
	if err != nil {
		return nil, err
	}

	err = createGoBackend(model)
	if err != nil {
		return nil, err
	}

	tkErr := loadTokenizer(model)
	if tkErr != nil {
		return nil, tkErr
	}
	return model, nil
}

// Freeze marks the model as never receiving gradient updates. The lifecycle
// host must not hand a frozen model to an optimizer.
func (m *Model) Freeze() {
	m.Frozen = true
}

// To records the device the model executes on. The Go backend runs in host
// memory; the device setting is carried for the surrounding trainer.
func (m *Model) To(device options.Device) error {
	m.Device = device
	return nil
}

func (m *Model) Destroy() error {
	m.GoModel = nil
	m.OnnxBytes = nil
	return nil
}

func loadOnnxModelBytes(model *Model) error {
	var modelOnnxFile string
	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly one .onnx file", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx files detected at %s and no OnnxFilename specified", model.Path)
		}
		modelNameFound := false
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				modelNameFound = true
				modelOnnxFile = util.PathJoinSafe(onnxFiles[i]...)
			}
		}
		if !modelNameFound {
			return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
		}
	} else {
		modelOnnxFile = util.PathJoinSafe(onnxFiles[0]...)
	}

	onnxBytes, err := util.ReadFileBytes(modelOnnxFile)
	if err != nil {
		return err
	}

	model.OnnxBytes = onnxBytes

	return err
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{util.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := util.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// loadModelConfig reads config.json for the vocabulary size and position
// budget. Both are optional: without vocab_size the label range check in the
// reduction still guards against out-of-range ids.
func loadModelConfig(model *Model) error {
	configPath := util.PathJoinSafe(model.Path, "config.json")

	exists, err := util.FileExists(configPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	configBytes, readErr := util.ReadFileBytes(configPath)
	if readErr != nil {
		return readErr
	}

	configMap := map[string]any{}
	readErr = json.Unmarshal(configBytes, &configMap)
	if readErr != nil {
		return readErr
	}

	if vocabSizeRaw, existsOk := configMap["vocab_size"]; existsOk {
		if vocabSize, castOk := vocabSizeRaw.(float64); castOk {
			model.VocabSize = int(vocabSize)
		}
	}
	if maxPositionEmbeddingsRaw, existsOk := configMap["max_position_embeddings"]; existsOk {
		if maxPositionEmbeddings, castOk := maxPositionEmbeddingsRaw.(float64); castOk {
			model.MaxPositionEmbeddings = int(maxPositionEmbeddings)
		}
	}
	return nil
}
