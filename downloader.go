package preftune

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"

	"github.com/alignsys/preftune/dist"
	"github.com/alignsys/preftune/util"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	OnnxFilePath          string
	ExternalDataPath      string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// DownloadModel downloads a causal LM directly from huggingface. Before the
// model is downloaded, validation occurs to ensure there is an .onnx export
// and a config.json declaring the vocabulary.
func DownloadModel(modelName string, destination string, options DownloadOptions) (string, error) {
	modelPath := downloadedModelPath(modelName, destination)

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadHfModel(repo, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			if options.Verbose {
				fmt.Printf("Warning: attempt %d / %d failed, error: %s\n", i+1, options.MaxRetries, downloadErr)
			}
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			moveErr := util.CopyFile(truePath, fmt.Sprintf("%s/%s", modelPath, path.Base(downloadFiles[j])))
			if moveErr != nil {
				return "", moveErr
			}
		}

		if options.Verbose {
			fmt.Printf("\nDownload of %s completed successfully\n", modelName)
		}
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

// ProvisionModel downloads a model exactly once per node: the first local
// rank fetches it while the other workers wait at the barrier, then every
// worker resolves the same local path.
func ProvisionModel(modelName string, destination string, world dist.World, barrier dist.Barrier, options DownloadOptions) (string, error) {
	if barrier == nil {
		return "", fmt.Errorf("a barrier is required to provision a model across %d workers", world.Size)
	}
	if world.LocalRank == 0 {
		modelPath, err := DownloadModel(modelName, destination, options)
		if err != nil {
			return "", err
		}
		if waitErr := barrier.Wait(); waitErr != nil {
			return "", waitErr
		}
		return modelPath, nil
	}

	if err := barrier.Wait(); err != nil {
		return "", err
	}
	modelPath := downloadedModelPath(modelName, destination)
	exists, err := util.FileExists(modelPath)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("model %s was not provisioned at %s by the first local rank", modelName, modelPath)
	}
	return modelPath, nil
}

// downloadedModelPath replicates the destination layout of the hf downloader
// so every worker can derive it without coordination.
func downloadedModelPath(modelName string, destination string) string {
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	return path.Join(destination, strings.Replace(modelP, "/", "_", -1))
}

func validateDownloadHfModel(repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err != nil {
			if options.Verbose {
				fmt.Printf("Warning: list repo attempt %d / %d failed, error: %s\n", i+1, options.MaxRetries, err)
			}
			if i+1 == options.MaxRetries {
				return nil, err
			}
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
		}
	}

	configPath := ""
	tokenizerPath := ""
	onnxPath := ""
	var toDownload []string
	var allOnnx []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}

		baseFileName := filepath.Base(fileName)
		if baseFileName == "tokenizer.json" {
			tokenizerPath = fileName
		} else if baseFileName == "config.json" {
			configPath = fileName
		} else if baseFileName == "special_tokens_map.json" ||
			baseFileName == "tokenizer_config.json" ||
			baseFileName == "generation_config.json" ||
			baseFileName == "vocab.txt" {
			toDownload = append(toDownload, fileName)
		} else if filepath.Ext(baseFileName) == ".onnx" {
			if options.OnnxFilePath != "" {
				if fileName == options.OnnxFilePath {
					onnxPath = fileName
				}
			} else {
				onnxPath = fileName
			}
			allOnnx = append(allOnnx, fileName)
		} else if options.ExternalDataPath != "" && fileName == options.ExternalDataPath {
			toDownload = append(toDownload, fileName)
		}
	}

	var errs []error

	if configPath == "" {
		errs = append(errs, fmt.Errorf("model does not have a config.json, the vocabulary size cannot be validated"))
	} else {
		toDownload = append(toDownload, configPath)
	}

	if options.OnnxFilePath != "" {
		if onnxPath == "" {
			errs = append(errs, fmt.Errorf("model .onnx file not found at %s", options.OnnxFilePath))
		}
	} else {
		numModels := len(allOnnx)
		if numModels == 0 {
			errs = append(errs, fmt.Errorf("model does not have a .onnx file, only onnx exports can be loaded"))
		} else if numModels > 1 {
			errs = append(errs, fmt.Errorf("model has multiple .onnx files, please specify one of the following onnxFilePaths: %s", strings.Join(allOnnx, " ")))
		}
	}

	files := append(toDownload, onnxPath)
	if tokenizerPath != "" {
		files = append(files, tokenizerPath)
	}
	return files, errors.Join(errs...)
}
