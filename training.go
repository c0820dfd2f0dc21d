package preftune

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alignsys/preftune/algorithms"
	"github.com/alignsys/preftune/backends"
	"github.com/alignsys/preftune/datasets"
	"github.com/alignsys/preftune/dist"
	"github.com/alignsys/preftune/options"
	"github.com/alignsys/preftune/util"
)

type TrainingStatistics struct {
	EpochTrainLosses []float32 `json:"epochTrainLosses"` // stores the mean training loss for each epoch
}

type TrainingSession struct {
	backend     string
	policyModel *backends.Model
	policy      *backends.PreferenceModel
	ref         *backends.PreferenceModel
	algorithm   *algorithms.DPO
	config      TrainingConfig
	maxEpochs   int
	world       *dist.World
	sharding    *dist.ShardingConfig
	dpoOptions  []algorithms.DPOOption
	options     *options.Options
	statistics  TrainingStatistics
}

// PolicyModel returns the model being optimized in the training session.
func (s *TrainingSession) PolicyModel() *backends.Model {
	return s.policyModel
}

// Statistics returns the training statistics collected so far.
func (s *TrainingSession) Statistics() TrainingStatistics {
	return s.statistics
}

func (s *TrainingSession) Destroy() error {
	var err error
	if s.policy != nil {
		err = errors.Join(err, s.policy.LM().Destroy())
		s.policy = nil
	}
	if s.ref != nil {
		err = errors.Join(err, s.ref.LM().Destroy())
		s.ref = nil
	}
	s.policyModel = nil
	s.algorithm = nil
	return err
}

type TrainingOption func(eo *TrainingSession) error

func WithEpochs(epochs int) TrainingOption {
	return func(eo *TrainingSession) error {
		if epochs <= 0 {
			return fmt.Errorf("epochs must be greater than 0")
		}
		eo.maxEpochs = epochs
		return nil
	}
}

// WithBeta sets the temperature of the preference loss.
func WithBeta(beta float32) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.dpoOptions = append(eo.dpoOptions, algorithms.WithBeta(beta))
		return nil
	}
}

// WithLossForm selects the sigmoid or hinge variant of the preference loss.
func WithLossForm(form algorithms.LossForm) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.dpoOptions = append(eo.dpoOptions, algorithms.WithLossForm(form))
		return nil
	}
}

// WithWorld fixes the distributed topology instead of reading it from the
// launcher environment.
func WithWorld(world dist.World) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.world = &world
		return nil
	}
}

// WithSharder injects the framework capability that prepares the reference
// model for multi worker runs.
func WithSharder(sharder dist.Sharder) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.dpoOptions = append(eo.dpoOptions, algorithms.WithSharder(sharder))
		return nil
	}
}

func WithShardingConfig(config dist.ShardingConfig) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.sharding = &config
		return nil
	}
}

func WithMetricsLogger(metrics algorithms.MetricsLogger) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.dpoOptions = append(eo.dpoOptions, algorithms.WithMetricsLogger(metrics))
		return nil
	}
}

type TrainingConfig struct {
	PolicyModelPath string
	RefModelPath    string // optional, defaults to PolicyModelPath
	OnnxFilename    string
	Dataset         datasets.Dataset
	Options         []TrainingOption
	Verbose         bool
}

// NewGoTrainingSession creates a preference optimization training session on
// the pure Go backend. The reference model is loaded as a frozen copy and is
// never passed to an optimizer.
func NewGoTrainingSession(config TrainingConfig, opts ...options.WithOption) (*TrainingSession, error) {
	return newTrainingSession("GO", config, opts...)
}

func newTrainingSession(backend string, config TrainingConfig, opts ...options.WithOption) (*TrainingSession, error) {
	session := &TrainingSession{
		config:  config,
		backend: backend,
	}

	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend

	for _, opt := range opts {
		if err := opt(parsedOptions); err != nil {
			return nil, err
		}
	}
	for _, opt := range config.Options {
		if err := opt(session); err != nil {
			return nil, err
		}
	}
	session.options = parsedOptions

	switch backend {
	case "GO":
	default:
		return nil, fmt.Errorf("runtime %s is not supported", backend)
	}

	if session.maxEpochs <= 0 {
		session.maxEpochs = 1 // default to a single pass over the preference data
	}
	if config.Dataset == nil {
		return nil, fmt.Errorf("a training dataset is required")
	}

	policyModel, err := backends.LoadModel(config.PolicyModelPath, config.OnnxFilename, parsedOptions)
	if err != nil {
		return nil, err
	}
	session.policyModel = policyModel

	refPath := config.RefModelPath
	if refPath == "" {
		refPath = config.PolicyModelPath
	}
	refModel, err := backends.LoadModel(refPath, config.OnnxFilename, parsedOptions)
	if err != nil {
		return nil, err
	}
	refModel.Freeze()

	session.policy, err = backends.NewPreferenceModel(policyModel)
	if err != nil {
		return nil, err
	}
	session.ref, err = backends.NewPreferenceModel(refModel)
	if err != nil {
		return nil, err
	}
	session.algorithm, err = algorithms.NewDPO(session.ref, session.dpoOptions...)
	if err != nil {
		return nil, err
	}

	if session.world == nil {
		world, worldErr := dist.FromEnv()
		if worldErr != nil {
			return nil, worldErr
		}
		session.world = &world
	}

	if setErr := config.Dataset.SetEncoder(policyModel); setErr != nil {
		return nil, fmt.Errorf("failed to set encoder for training dataset: %w", setErr)
	}
	if config.Verbose {
		config.Dataset.SetVerbose(true)
	}

	return session, nil
}

func (s *TrainingSession) newState() *algorithms.State {
	return &algorithms.State{
		World:     *s.world,
		Sharding:  s.sharding,
		Precision: s.options.Precision,
		Device:    s.options.Device,
	}
}

// Train runs the preference optimization loop over the configured number of
// epochs.
func (s *TrainingSession) Train() error {
	state := s.newState()
	if err := s.algorithm.TrainingStart(state); err != nil {
		return err
	}

	for epoch := 0; epoch < s.maxEpochs; epoch++ {
		var epochLoss float32
		batches := 0
		for {
			batch, err := s.config.Dataset.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}

			outputs, err := s.policy.Forward(batch)
			if err != nil {
				return err
			}
			state.Batch = batch
			state.Outputs = outputs
			state.Loss = s.policy.Loss(outputs, batch)

			if err := s.algorithm.LossComputed(state); err != nil {
				return err
			}
			epochLoss += state.Loss
			batches++
		}
		if batches == 0 {
			return fmt.Errorf("training dataset yielded no batches")
		}
		meanLoss := epochLoss / float32(batches)
		s.statistics.EpochTrainLosses = append(s.statistics.EpochTrainLosses, meanLoss)
		if s.config.Verbose {
			fmt.Printf("epoch %d: mean training loss %f over %d batches\n", epoch+1, meanLoss, batches)
		}
		if err := s.config.Dataset.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the training statistics and copies the policy model artifacts
// to path. Path is the full path to the directory where the model will be
// saved.
func (s *TrainingSession) Save(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}

	var writeErr error

	statisticsWriter, err := util.NewFileWriter(util.PathJoinSafe(path, "statistics.json"), "")
	if err != nil {
		return err
	}
	defer func() {
		writeErr = errors.Join(writeErr, statisticsWriter.Close())
	}()

	statisticsBytes, err := json.Marshal(s.statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal training statistics: %w", err)
	}
	if _, err = statisticsWriter.Write(statisticsBytes); err != nil {
		return fmt.Errorf("failed to write training statistics: %w", err)
	}

	if s.policyModel != nil && s.policyModel.Path != "" {
		writeErr = errors.Join(writeErr, copyModelArtifacts(s.policyModel.Path, path))
	}
	return writeErr
}

func copyModelArtifacts(from, to string) error {
	toCopy := map[string]bool{
		"config.json":             true,
		"special_tokens_map.json": true,
		"tokenizer_config.json":   true,
		"tokenizer.json":          true,
		"vocab.txt":               true,
	}

	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if toCopy[info.Name()] || filepath.Ext(info.Name()) == ".onnx" {
			if err = util.CopyFile(util.PathJoinSafe(from, parent, info.Name()), to); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return util.WalkDir()(context.Background(), from, walker)
}
