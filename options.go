package replsim

import (
	"github.com/pkg/errors"

	"github.com/replsim/replsim/logging"
)

// Integration modes. The federated mode bridges the strong and eventual
// consistency families; the default mode keeps them independent.
const (
	DefaultIntegration   = "default"
	FederatedIntegration = "federated"
)

// Config carries the simulation-wide parameters. Topology nodes may
// override the per-replica timing values.
type Config struct {
	// Seed initializes the single random source every distribution in the
	// run draws from, making the run reproducible.
	Seed int64

	// MaxSimTime bounds the run in simulated milliseconds.
	MaxSimTime int64

	// Users is the number of workload generators recorded in the topology
	// metadata.
	Users int

	// DefaultLatency applies to links that specify none.
	DefaultLatency int64

	// Raft timing in simulated milliseconds.
	ElectionTimeout   [2]int64
	HeartbeatInterval int64

	// Eventual propagation.
	AntiEntropyDelay int64
	DoGossip         bool
	DoRumoring       bool
	NumNeighbors     int

	// Raft behavior.
	ReadPolicy      ReadPolicy
	AggregateWrites bool

	// Federated neighbor selection bias.
	Integration string
	SyncProb    float64
	LocalProb   float64

	// CountMessages enables the per-kind sent and received counters.
	CountMessages bool
}

// DefaultConfig returns the standard simulation parameters: a five day
// simulated window with wide-area timing in the hundreds of milliseconds.
func DefaultConfig() Config {
	return Config{
		Seed:              42,
		MaxSimTime:        4320000,
		Users:             1,
		DefaultLatency:    800,
		ElectionTimeout:   [2]int64{150, 300},
		HeartbeatInterval: 75,
		AntiEntropyDelay:  600,
		DoGossip:          true,
		DoRumoring:        false,
		NumNeighbors:      1,
		ReadPolicy:        ReadCommit,
		AggregateWrites:   false,
		Integration:       DefaultIntegration,
		SyncProb:          0.3,
		LocalProb:         0.6,
		CountMessages:     true,
	}
}

// Validate checks the parameter ranges before a simulation is built.
func (c Config) Validate() error {
	if c.MaxSimTime <= 0 {
		return errors.New("max simulation time must be positive")
	}
	if c.ElectionTimeout[0] <= 0 || c.ElectionTimeout[1] < c.ElectionTimeout[0] {
		return errors.New("election timeout must be a positive range")
	}
	if c.HeartbeatInterval <= 0 || c.AntiEntropyDelay <= 0 {
		return errors.New("protocol intervals must be positive")
	}
	if c.NumNeighbors < 1 {
		return errors.New("at least one propagation neighbor is required")
	}
	if c.SyncProb < 0 || c.SyncProb > 1 || c.LocalProb < 0 || c.LocalProb > 1 {
		return errors.New("selection probabilities must be in [0, 1]")
	}
	switch c.ReadPolicy {
	case ReadCommit, ReadLatest:
	default:
		return &UnknownTypeError{Kind: "read policy", Value: string(c.ReadPolicy)}
	}
	switch c.Integration {
	case DefaultIntegration, FederatedIntegration:
	default:
		return &UnknownTypeError{Kind: "integration", Value: c.Integration}
	}
	return nil
}

// Option configures a simulation at load time.
type Option func(*Simulation) error

// WithConfig replaces the entire configuration.
func WithConfig(conf Config) Option {
	return func(sim *Simulation) error {
		sim.config = conf
		return nil
	}
}

// WithSeed overrides the random seed.
func WithSeed(seed int64) Option {
	return func(sim *Simulation) error {
		sim.config.Seed = seed
		return nil
	}
}

// WithMaxSimTime overrides the simulated run length in milliseconds.
func WithMaxSimTime(duration int64) Option {
	return func(sim *Simulation) error {
		if duration <= 0 {
			return errors.New("max simulation time must be positive")
		}
		sim.config.MaxSimTime = duration
		return nil
	}
}

// WithLogger replaces the simulation logger.
func WithLogger(logger *logging.Logger) Option {
	return func(sim *Simulation) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		sim.logger = logger
		return nil
	}
}

// WithMetrics replaces the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(sim *Simulation) error {
		if metrics == nil {
			return errors.New("metrics sink must not be nil")
		}
		sim.metrics = metrics
		return nil
	}
}
