// Package algorithms holds training extensions driven by lifecycle events
// from the surrounding trainer.
package algorithms

import (
	"fmt"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/alignsys/preftune/backends"
	"github.com/alignsys/preftune/dist"
	"github.com/alignsys/preftune/options"
	"github.com/alignsys/preftune/util"
)

// LossForm selects the preference loss shape. It is fixed at construction;
// there is no switching mid-run.
type LossForm string

const (
	LossSigmoid LossForm = "sigmoid"
	LossHinge   LossForm = "hinge"
)

// Phase is the one-way state machine of the reference model preparation.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseRefModelReady
)

// MetricsLogger receives scalar diagnostics each time the loss is computed.
type MetricsLogger interface {
	LogMetrics(metrics map[string]float32)
}

type logMetricsLogger struct{}

func (logMetricsLogger) LogMetrics(metrics map[string]float32) {
	entry := log.Info()
	for key, value := range metrics {
		entry = entry.Float64(key, float64(value))
	}
	entry.Msg("dpo metrics")
}

// State is the per-step view the lifecycle host exposes to algorithms: the
// current batch, the policy model's outputs, the mutable accumulated loss,
// and the run-level distributed and precision settings.
type State struct {
	Batch     backends.Batch
	Outputs   *backends.ForwardOutput
	Loss      float32
	World     dist.World
	Sharding  *dist.ShardingConfig
	Precision options.Precision
	Device    options.Device
}

// DPO computes the direct preference optimization loss of the policy model
// against a frozen reference model and adds it to the step loss. The policy
// forward pass is never invoked here: its outputs are read from the step
// state the host produced earlier in the same step.
type DPO struct {
	refModel *backends.PreferenceModel
	beta     float32
	lossForm LossForm
	phase    Phase
	sharder  dist.Sharder
	metrics  MetricsLogger
}

type DPOOption func(*DPO) error

// WithBeta sets the loss temperature, typically in the 0.1 to 0.5 range.
func WithBeta(beta float32) DPOOption {
	return func(d *DPO) error {
		if beta <= 0 {
			return fmt.Errorf("beta must be greater than 0")
		}
		d.beta = beta
		return nil
	}
}

func WithLossForm(form LossForm) DPOOption {
	return func(d *DPO) error {
		switch form {
		case LossSigmoid, LossHinge:
			d.lossForm = form
			return nil
		}
		return unknownLossForm(form)
	}
}

// WithSharder injects the framework capability that prepares the reference
// model for multi-worker parameter sharding.
func WithSharder(sharder dist.Sharder) DPOOption {
	return func(d *DPO) error {
		if sharder == nil {
			return fmt.Errorf("a sharder is required")
		}
		d.sharder = sharder
		return nil
	}
}

func WithMetricsLogger(metrics MetricsLogger) DPOOption {
	return func(d *DPO) error {
		if metrics == nil {
			return fmt.Errorf("a metrics logger is required")
		}
		d.metrics = metrics
		return nil
	}
}

func unknownLossForm(form LossForm) error {
	return fmt.Errorf("unknown loss form: %q. Should be one of ['sigmoid', 'hinge']", form)
}

// NewDPO creates the algorithm around a frozen reference model.
func NewDPO(refModel *backends.PreferenceModel, opts ...DPOOption) (*DPO, error) {
	if refModel == nil {
		return nil, fmt.Errorf("a reference model is required")
	}
	d := &DPO{
		refModel: refModel,
		beta:     0.1,
		lossForm: LossSigmoid,
		sharder:  dist.NoopSharder{},
		metrics:  logMetricsLogger{},
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Phase reports the preparation state, so the one-shot transition can be
// observed in isolation.
func (d *DPO) Phase() Phase {
	return d.phase
}

// TrainingStart prepares the frozen reference model for execution: sharded
// through the injected sharder when running with more than one worker,
// otherwise moved to the accelerator device. The transition runs at most
// once per process even if the event recurs.
func (d *DPO) TrainingStart(state *State) error {
	if state == nil {
		return fmt.Errorf("a training state is required")
	}
	if d.phase == PhaseRefModelReady {
		return nil
	}
	if state.World.Size > 1 {
		if err := d.sharder.Prepare(d.refModel.LM(), state.Sharding, state.World, state.Precision, state.Device); err != nil {
			return fmt.Errorf("failed to prepare reference model for sharding: %w", err)
		}
	} else if err := d.refModel.LM().To(state.Device); err != nil {
		return fmt.Errorf("failed to move reference model to %s: %w", state.Device, err)
	}
	d.phase = PhaseRefModelReady
	return nil
}

// LossComputed runs the reference model forward over the step batch, reads
// the policy outputs already on the state, and adds the mean preference loss
// to the accumulated step loss. Expected once per training step, after the
// policy forward pass.
func (d *DPO) LossComputed(state *State) error {
	if state == nil {
		return fmt.Errorf("a training state is required")
	}
	if state.Outputs == nil {
		return fmt.Errorf("no step outputs: the policy forward pass must complete before the loss event")
	}

	// reference forward; its logits are discarded and, this backend being
	// inference only, no gradient state exists anywhere in the pass
	refOut, err := d.refModel.Forward(state.Batch)
	if err != nil {
		return fmt.Errorf("reference model forward failed: %w", err)
	}

	losses, chosenRewards, rejectedRewards, err := d.Loss(
		state.Outputs.ChosenLogProbs,
		state.Outputs.RejectedLogProbs,
		refOut.ChosenLogProbs,
		refOut.RejectedLogProbs,
	)
	if err != nil {
		return err
	}

	policyChosen, err := float32Data(state.Outputs.ChosenLogProbs, "policy chosen log-probabilities")
	if err != nil {
		return err
	}
	policyRejected, err := float32Data(state.Outputs.RejectedLogProbs, "policy rejected log-probabilities")
	if err != nil {
		return err
	}

	lossData, err := float32Data(losses, "losses")
	if err != nil {
		return err
	}
	chosenRewardData, err := float32Data(chosenRewards, "chosen rewards")
	if err != nil {
		return err
	}
	rejectedRewardData, err := float32Data(rejectedRewards, "rejected rewards")
	if err != nil {
		return err
	}

	state.Loss += util.Mean(lossData)

	d.metrics.LogMetrics(map[string]float32{
		"dpo/logps/chosen":     util.Mean(policyChosen),
		"dpo/logps/rejected":   util.Mean(policyRejected),
		"dpo/rewards/chosen":   util.Mean(chosenRewardData),
		"dpo/rewards/rejected": util.Mean(rejectedRewardData),
	})
	return nil
}

// Loss computes the per-example preference losses and reward diagnostics
// from the four log-probability vectors. Rewards are diagnostics only and
// take no part in any gradient.
func (d *DPO) Loss(policyChosen, policyRejected, refChosen, refRejected *tensor.Dense) (losses, chosenRewards, rejectedRewards *tensor.Dense, err error) {
	switch d.lossForm {
	case LossSigmoid, LossHinge:
	default:
		return nil, nil, nil, unknownLossForm(d.lossForm)
	}

	pc, err := float32Data(policyChosen, "policy chosen log-probabilities")
	if err != nil {
		return nil, nil, nil, err
	}
	pr, err := float32Data(policyRejected, "policy rejected log-probabilities")
	if err != nil {
		return nil, nil, nil, err
	}
	rc, err := float32Data(refChosen, "reference chosen log-probabilities")
	if err != nil {
		return nil, nil, nil, err
	}
	rr, err := float32Data(refRejected, "reference rejected log-probabilities")
	if err != nil {
		return nil, nil, nil, err
	}
	n := len(pc)
	if len(pr) != n || len(rc) != n || len(rr) != n {
		return nil, nil, nil, fmt.Errorf("log-probability vectors must have equal lengths, got %d, %d, %d and %d",
			n, len(pr), len(rc), len(rr))
	}

	lossData := make([]float32, n)
	chosenData := make([]float32, n)
	rejectedData := make([]float32, n)
	for i := 0; i < n; i++ {
		policyLogRatio := pc[i] - pr[i]
		refLogRatio := rc[i] - rr[i]
		logits := float64(policyLogRatio) - float64(refLogRatio)

		switch d.lossForm {
		case LossSigmoid:
			lossData[i] = float32(-util.LogSigmoid(float64(d.beta) * logits))
		case LossHinge:
			lossData[i] = util.Relu(1 - d.beta*float32(logits))
		}

		chosenData[i] = d.beta * (pc[i] - rc[i])
		rejectedData[i] = d.beta * (pr[i] - rr[i])
	}
	losses = tensor.New(tensor.WithShape(n), tensor.WithBacking(lossData))
	chosenRewards = tensor.New(tensor.WithShape(n), tensor.WithBacking(chosenData))
	rejectedRewards = tensor.New(tensor.WithShape(n), tensor.WithBacking(rejectedData))
	return losses, chosenRewards, rejectedRewards, nil
}

func float32Data(t *tensor.Dense, name string) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("%s are required", name)
	}
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case float32:
		// single-element tensors surface their backing as a scalar
		return []float32{data}, nil
	default:
		return nil, fmt.Errorf("expected float32 %s, got %v", name, t.Dtype())
	}
}
