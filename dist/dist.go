// Package dist carries the distributed execution context and the contracts
// for the synchronization primitives the surrounding framework supplies.
// Sharding and barrier internals are deliberately opaque: this library only
// requires that preparation completes on every worker before any worker
// reads sharded parameters.
package dist

import (
	"fmt"
	"os"
	"strconv"

	"github.com/alignsys/preftune/backends"
	"github.com/alignsys/preftune/options"
)

// World describes this worker's position in the distributed job. It
// replaces ambient global rank state: callers pass it explicitly into the
// operations that need it.
type World struct {
	Rank      int
	LocalRank int
	Size      int
}

// Single is the degenerate one-worker world.
func Single() World {
	return World{Size: 1}
}

// FromEnv reads the torchrun-style environment contract (RANK, LOCAL_RANK,
// WORLD_SIZE). Missing variables default to a single-worker world; malformed
// values are configuration errors.
func FromEnv() (World, error) {
	world := Single()
	var err error
	if world.Rank, err = intFromEnv("RANK", 0); err != nil {
		return World{}, err
	}
	if world.LocalRank, err = intFromEnv("LOCAL_RANK", 0); err != nil {
		return World{}, err
	}
	if world.Size, err = intFromEnv("WORLD_SIZE", 1); err != nil {
		return World{}, err
	}
	if world.Size < 1 || world.Rank < 0 || world.Rank >= world.Size {
		return World{}, fmt.Errorf("inconsistent world: rank %d of size %d", world.Rank, world.Size)
	}
	return world, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s=%q is not an integer", key, raw)
	}
	return value, nil
}

// ShardingConfig carries the parameter-sharding settings handed to the
// Sharder. The strategy string is interpreted by the framework's sharder,
// not by this library.
type ShardingConfig struct {
	Strategy       string
	MinShardParams int
}

// Sharder prepares a model for distributed parameter sharding. A frozen
// reference model is prepared without optimizers: it never receives
// gradient updates.
type Sharder interface {
	Prepare(model backends.CausalLM, cfg *ShardingConfig, world World, precision options.Precision, device options.Device) error
}

// Barrier blocks until every worker in the world has reached the same
// point.
type Barrier interface {
	Wait() error
}

// NoopSharder rejects multi-worker preparation: it is the single-process
// stand-in used when no framework sharder is injected.
type NoopSharder struct{}

func (NoopSharder) Prepare(model backends.CausalLM, _ *ShardingConfig, world World, _ options.Precision, device options.Device) error {
	if model == nil {
		return fmt.Errorf("a model is required")
	}
	if world.Size > 1 {
		return fmt.Errorf("world size %d requires a framework sharder, none was configured", world.Size)
	}
	return model.To(device)
}

// NoopBarrier is the single-worker barrier.
type NoopBarrier struct{}

func (NoopBarrier) Wait() error {
	return nil
}
