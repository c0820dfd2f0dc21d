package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/alignsys/preftune"
	"github.com/alignsys/preftune/algorithms"
	"github.com/alignsys/preftune/datasets"
	"github.com/alignsys/preftune/util"
)

var modelPath string
var refModelPath string
var dataPath string
var outputPath string
var batchSize int
var epochs int
var beta float64
var lossForm string
var modelsDir string
var verbose bool

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download an onnx causal LM from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Name of the model to download",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/preftune/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
	},
	Action: func(ctx *cli.Context) error {
		if err := resolveModelsDir(); err != nil {
			return err
		}
		if err := util.FileSystem.Create(context.Background(), modelsDir, os.ModePerm, true); err != nil {
			return err
		}
		downloadOptions := preftune.NewDownloadOptions()
		downloadOptions.Verbose = true
		downloadedPath, err := preftune.DownloadModel(modelPath, modelsDir, downloadOptions)
		if err != nil {
			return err
		}
		fmt.Printf("model downloaded to %s\n", downloadedPath)
		return nil
	},
}

var trainCommand = &cli.Command{
	Name:  "train",
	Usage: "Fine-tune a causal LM on pairwise preference data",
	Description: `Train expects preference data in .jsonl format. Each json line must be of the format
{"prompt":"...","chosen":"...","rejected":"..."}.
				`,
	ArgsUsage: `
				--model: model name or path to the policy model to optimize. The cli looks for models with this chain: first use the provided path. If the path does not exist, look for a model with this name at $HOME/preftune/models. Finally, try to download the model from Huggingface and use it.
				--ref: model name or path to the frozen reference model. If omitted, a second copy of the policy model is used.
				--data: path to a .jsonl file with preference examples. If omitted, the examples are read from stdin.
				--output: path to a folder where training statistics and model artifacts are written.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the policy model",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "ref",
			Usage:       "Path to the reference model",
			Aliases:     []string{"r"},
			Destination: &refModelPath,
		},
		&cli.StringFlag{
			Name:        "data",
			Usage:       "Path to the training data",
			Aliases:     []string{"i"},
			Destination: &dataPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of preference pairs to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       8,
		},
		&cli.IntFlag{
			Name:        "epochs",
			Usage:       "Number of passes over the training data",
			Aliases:     []string{"e"},
			Destination: &epochs,
			Value:       1,
		},
		&cli.Float64Flag{
			Name:        "beta",
			Usage:       "Temperature of the preference loss",
			Destination: &beta,
			Value:       0.1,
		},
		&cli.StringFlag{
			Name:        "lossForm",
			Usage:       "Loss variant, sigmoid or hinge",
			Destination: &lossForm,
			Value:       "sigmoid",
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/preftune/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Log dataset and epoch progress",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		if err = resolveModelsDir(); err != nil {
			return err
		}

		resolvedModel, err := resolveModel(ctx.Context, modelPath)
		if err != nil {
			return err
		}
		resolvedRef := ""
		if refModelPath != "" {
			resolvedRef, err = resolveModel(ctx.Context, refModelPath)
			if err != nil {
				return err
			}
		}

		dataset, err := buildDataset()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, dataset.Close())
		}()

		session, err := preftune.NewGoTrainingSession(preftune.TrainingConfig{
			PolicyModelPath: resolvedModel,
			RefModelPath:    resolvedRef,
			Dataset:         dataset,
			Verbose:         verbose,
			Options: []preftune.TrainingOption{
				preftune.WithEpochs(epochs),
				preftune.WithBeta(float32(beta)),
				preftune.WithLossForm(algorithms.LossForm(lossForm)),
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		if err = session.Train(); err != nil {
			return err
		}
		if outputPath != "" {
			if err = session.Save(outputPath); err != nil {
				return err
			}
		} else {
			statisticsBytes, marshalErr := json.Marshal(session.Statistics())
			if marshalErr != nil {
				return marshalErr
			}
			fmt.Printf("%s\n", statisticsBytes)
		}
		return err
	},
}

func main() {
	app := &cli.App{
		Name:     "preftune",
		Usage:    "Preference optimization for onnx causal LMs from the command line",
		Commands: []*cli.Command{downloadCommand, trainCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

func resolveModelsDir() error {
	if modelsDir != "" {
		return nil
	}
	userDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	modelsDir = util.PathJoinSafe(userDir, "preftune", "models")
	return nil
}

// resolveModel turns a model flag into a local path: an existing path wins,
// then a previously downloaded model of that name, then a fresh download.
func resolveModel(ctx context.Context, model string) (string, error) {
	exists, err := util.FileSystem.Exists(ctx, model)
	if err != nil {
		return "", err
	}
	if exists {
		return model, nil
	}

	downloadedModelName := strings.Replace(model, "/", "_", -1)
	downloadedModelPath := util.PathJoinSafe(modelsDir, downloadedModelName)
	exists, err = util.FileSystem.Exists(ctx, downloadedModelPath)
	if err != nil {
		return "", err
	}
	if exists {
		return downloadedModelPath, nil
	}

	if strings.Contains(model, ":") {
		return "", fmt.Errorf("filters with : are currently not supported")
	}
	if err := util.FileSystem.Create(context.Background(), modelsDir, os.ModePerm, true); err != nil {
		return "", err
	}
	return preftune.DownloadModel(model, modelsDir, preftune.NewDownloadOptions())
}

func buildDataset() (datasets.Dataset, error) {
	if dataPath != "" {
		return datasets.NewPreferenceDataset(dataPath, batchSize, nil)
	}
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return nil, fmt.Errorf("no --data given and nothing to read on stdin")
	}
	examples, err := readExamples(os.Stdin)
	if err != nil {
		return nil, err
	}
	return datasets.NewInMemoryPreferenceDataset(examples, batchSize, nil)
}

func readExamples(inputSource io.Reader) ([]datasets.PreferenceExample, error) {
	var examples []datasets.PreferenceExample
	scanner := bufio.NewScanner(inputSource)
	for scanner.Scan() {
		var line datasets.PreferenceExample
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, err
		}
		examples = append(examples, line)
	}
	return examples, scanner.Err()
}
