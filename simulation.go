package replsim

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/replsim/replsim/logging"
)

// Simulation owns one discrete-event run: the clock, the network, the
// replicas, the shared object namespace, and the metrics sink. A simulation
// is built from a topology with Load and advanced to completion with Run.
type Simulation struct {
	name        string
	description string

	config Config

	clock     *Clock
	rand      *rand.Rand
	network   *Network
	replicas  []*Replica
	index     map[string]*Replica
	namespace *Namespace

	metrics Metrics
	logger  *logging.Logger

	// The loaded node descriptions and metadata, kept for serialization so
	// per-node timing overrides round-trip.
	nodes []Node
	meta  Meta
}

// Load builds a simulation from a topology description. Options are applied
// after the topology metadata, so an explicit option wins over a value the
// topology carries.
func Load(topo *Topology, opts ...Option) (*Simulation, error) {
	if topo == nil {
		return nil, errors.New("cannot load a nil topology")
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger()
	if err != nil {
		return nil, err
	}

	sim := &Simulation{
		config:  DefaultConfig(),
		metrics: NewMemoryMetrics(),
		logger:  logger,
		index:   make(map[string]*Replica),
		meta:    Meta{},
	}
	sim.applyMeta(topo.Meta)

	for _, opt := range opts {
		if err := opt(sim); err != nil {
			return nil, err
		}
	}
	if err := sim.config.Validate(); err != nil {
		return nil, err
	}

	sim.rand = rand.New(rand.NewSource(sim.config.Seed))
	sim.clock = NewClock()
	sim.network = NewNetwork(sim.clock)
	sim.namespace = newNamespace(sim)

	if err := sim.loadNodes(topo.Nodes); err != nil {
		return nil, err
	}
	if err := sim.loadLinks(topo.Links); err != nil {
		return nil, err
	}
	return sim, nil
}

// applyMeta folds the free-form topology metadata into the simulation.
// JSON numbers arrive as float64.
func (s *Simulation) applyMeta(meta Meta) {
	for key, value := range meta {
		s.meta[key] = value
	}

	if title, ok := meta["title"].(string); ok {
		s.name = title
	}
	if description, ok := meta["description"].(string); ok {
		s.description = description
	}
	if seed, ok := meta["seed"].(float64); ok {
		s.config.Seed = int64(seed)
	}
	if users, ok := meta["users"].(float64); ok {
		s.config.Users = int(users)
	}
}

func (s *Simulation) loadNodes(nodes []Node) error {
	for i, node := range nodes {
		consistency, err := ParseConsistency(node.Consistency)
		if err != nil {
			return errors.Wrapf(err, "node %d (%s)", i, node.Label)
		}

		id := node.Label
		if id == "" || s.index[id] != nil {
			id = fmt.Sprintf("r%d", i)
		}

		kind := node.Type
		if kind == "" {
			kind = "storage"
		}
		location := node.Location
		if location == "" {
			location = UnknownLocation
		}

		replica := &Replica{
			sim:         s,
			id:          id,
			label:       node.Label,
			kind:        kind,
			location:    location,
			consistency: consistency,
		}
		if replica.protocol, err = newProtocol(replica, node); err != nil {
			return errors.Wrapf(err, "node %d (%s)", i, node.Label)
		}

		s.replicas = append(s.replicas, replica)
		s.index[id] = replica
		s.nodes = append(s.nodes, node)
	}
	return nil
}

func (s *Simulation) loadLinks(links []Link) error {
	for i, link := range links {
		if link.Latency == [2]int64{} {
			link.Latency = [2]int64{s.config.DefaultLatency, s.config.DefaultLatency}
		}

		source, target := s.replicas[link.Source], s.replicas[link.Target]
		if err := s.network.AddConnection(source, target, true, link); err != nil {
			return errors.Wrapf(err, "link %d", i)
		}
	}
	return nil
}

// Run starts every replica's protocol and advances the clock until the
// configured simulation time is exhausted or a protocol fails.
func (s *Simulation) Run() error {
	s.logger.Infof("running %s for %dms of simulated time", s.Name(), s.config.MaxSimTime)

	for _, replica := range s.replicas {
		if err := replica.protocol.Start(); err != nil {
			return errors.Wrapf(err, "could not start %s", replica)
		}
	}

	if err := s.clock.Run(s.config.MaxSimTime); err != nil {
		return err
	}
	s.logger.Infof("simulation %s completed at %dms", s.Name(), s.clock.Now())
	return nil
}

// Name returns the simulation title.
func (s *Simulation) Name() string {
	if s.name == "" {
		return "storage consistency simulation"
	}
	return s.name
}

// Description returns the simulation description from the topology.
func (s *Simulation) Description() string { return s.description }

// Config returns the effective configuration of the run.
func (s *Simulation) Config() Config { return s.config }

// Clock returns the simulation clock.
func (s *Simulation) Clock() *Clock { return s.clock }

// Network returns the connection graph.
func (s *Simulation) Network() *Network { return s.network }

// Replicas returns the replicas in topology order.
func (s *Simulation) Replicas() []*Replica { return s.replicas }

// ReplicaByID returns the replica with the given id, or nil.
func (s *Simulation) ReplicaByID(id string) *Replica { return s.index[id] }

// Metrics returns the metrics sink of the run.
func (s *Simulation) Metrics() Metrics { return s.metrics }

// Serialize reconstructs the topology shape from the live simulation: the
// loaded nodes, the current connections, and metadata enriched with the
// derived latency range labels.
func (s *Simulation) Serialize() *Topology {
	topo := &Topology{Meta: Meta{}}

	for key, value := range s.meta {
		topo.Meta[key] = value
	}
	topo.Meta["title"] = s.Name()
	topo.Meta["description"] = s.description
	topo.Meta["seed"] = s.config.Seed
	topo.Meta["users"] = s.config.Users
	for kind, bounds := range s.network.LatencyRanges() {
		topo.Meta[kind] = latencyLabel(bounds[0], bounds[1])
	}

	index := make(map[*Replica]int, len(s.replicas))
	for i, replica := range s.replicas {
		index[replica] = i
		node := s.nodes[i]
		node.ID = i
		topo.Nodes = append(topo.Nodes, node)
	}

	// Loaded links are bidirectional, so emit each pair once.
	for i, replica := range s.replicas {
		for _, conn := range outboundConnections(s, replica) {
			if j := index[conn.Target]; j > i {
				lo, hi := conn.LatencyRange()
				topo.Links = append(topo.Links, Link{
					Source:     i,
					Target:     j,
					Area:       conn.Area(),
					Connection: conn.Kind(),
					Latency:    [2]int64{lo, hi},
				})
			}
		}
	}
	return topo
}
