package replsim

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/replsim/replsim/internal/random"
)

// Connection states used by outage scripts and generators.
const (
	Online  = "online"
	Offline = "offline"
)

// Partition strategies: which connection groups fail together.
const (
	WideOutage  = "wide"
	LocalOutage = "local"
	BothOutage  = "both"
	NodeOutage  = "node"
)

// OutageEvent is one scripted connection state change, applied by toggling
// the named connection at the given simulation time.
type OutageEvent struct {
	Timestep int64  `json:"timestep"`
	State    string `json:"state"`
	Source   string `json:"source"`
	Target   string `json:"target"`
}

// ApplyOutages schedules a scripted outage trace against the network. The
// events must be ordered by timestep and refer to known connections.
func (s *Simulation) ApplyOutages(events []OutageEvent) error {
	var last int64
	for i, event := range events {
		if event.Timestep < last {
			return errors.Errorf("outage event %d out of order at %d", i, event.Timestep)
		}
		last = event.Timestep

		if event.State != Online && event.State != Offline {
			return &UnknownTypeError{Kind: "outage state", Value: event.State}
		}

		source, target := s.ReplicaByID(event.Source), s.ReplicaByID(event.Target)
		if source == nil || target == nil {
			return errors.Errorf("outage event %d names unknown replicas %q and %q",
				i, event.Source, event.Target)
		}
		conn := s.network.Connection(source, target)
		if conn == nil {
			return errors.Errorf("outage event %d names missing connection %s to %s",
				i, event.Source, event.Target)
		}

		online := event.State == Online
		s.clock.Schedule(event.Timestep-s.clock.Now(), func() error {
			if online {
				conn.Up()
				s.logger.Debugf("%s is now online", conn)
			} else {
				conn.Down()
				s.logger.Debugf("%s is now offline", conn)
			}
			return nil
		})
	}
	return nil
}

// OutageConfig parameterizes generated outages: how likely a group is to go
// down when its current period ends, and how long outage and online periods
// last, in simulated milliseconds.
type OutageConfig struct {
	PartitionAcross string

	OutageProb   float64
	OutageMean   float64
	OutageStddev float64
	OnlineMean   float64
	OnlineStddev float64
}

// DefaultOutageConfig returns outages that are shorter than the online
// periods between them and as likely as not to occur.
func DefaultOutageConfig() OutageConfig {
	return OutageConfig{
		PartitionAcross: WideOutage,
		OutageProb:      0.5,
		OutageMean:      5400,
		OutageStddev:    512,
		OnlineMean:      10800,
		OnlineStddev:    512,
	}
}

// OutageGenerator drives one group of connections through alternating
// online and outage periods: wait out the current period, flip a weighted
// coin for the next state, apply it to the whole group, repeat.
type OutageGenerator struct {
	sim         *Simulation
	connections []*Connection

	state          string
	doOutage       random.Bernoulli
	outageDuration random.BoundedNormal
	onlineDuration random.BoundedNormal
}

func newOutageGenerator(sim *Simulation, connections []*Connection, conf OutageConfig) *OutageGenerator {
	return &OutageGenerator{
		sim:         sim,
		connections: connections,
		state:       Online,
		doOutage:    random.Bernoulli{P: conf.OutageProb, Rand: sim.rand},
		outageDuration: random.BoundedNormal{
			Normal: random.Normal{Mean: conf.OutageMean, Stddev: conf.OutageStddev, Rand: sim.rand},
			Floor:  10,
		},
		onlineDuration: random.BoundedNormal{
			Normal: random.Normal{Mean: conf.OnlineMean, Stddev: conf.OnlineStddev, Rand: sim.rand},
			Floor:  10,
		},
	}
}

// State returns the current state of the generator's connection group.
func (g *OutageGenerator) State() string {
	return g.state
}

// Connections returns the connection group the generator drives.
func (g *OutageGenerator) Connections() []*Connection {
	return g.connections
}

// Start schedules the first state change after one full online period.
func (g *OutageGenerator) Start() {
	g.sim.clock.Schedule(g.duration(), g.update)
}

func (g *OutageGenerator) duration() int64 {
	if g.state == Offline {
		return g.outageDuration.Next()
	}
	return g.onlineDuration.Next()
}

func (g *OutageGenerator) update() error {
	if g.doOutage.Sample() {
		g.setState(Offline)
	} else {
		g.setState(Online)
	}
	g.sim.clock.Schedule(g.duration(), g.update)
	return nil
}

func (g *OutageGenerator) setState(state string) {
	g.state = state
	for _, conn := range g.connections {
		if state == Online {
			conn.Up()
		} else {
			conn.Down()
		}
	}
	g.sim.logger.Infof("%d connections %s", len(g.connections), state)
}

// NewOutages allocates outage generators over the network's connections
// according to the partition strategy: one generator per location over its
// wide or local area connections, both, or one generator per node covering
// all of its outbound connections.
func NewOutages(sim *Simulation, conf OutageConfig) ([]*OutageGenerator, error) {
	switch conf.PartitionAcross {
	case WideOutage:
		return allocateArea(sim, conf, WideArea), nil
	case LocalOutage:
		return allocateArea(sim, conf, LocalArea), nil
	case BothOutage:
		return append(allocateArea(sim, conf, WideArea), allocateArea(sim, conf, LocalArea)...), nil
	case NodeOutage:
		return allocateNode(sim, conf), nil
	default:
		return nil, &UnknownTypeError{Kind: "outage partition", Value: conf.PartitionAcross}
	}
}

// allocateArea groups the connections of the given area by source location,
// one generator per location.
func allocateArea(sim *Simulation, conf OutageConfig, area string) []*OutageGenerator {
	groups := make(map[string][]*Connection)
	var locations []string

	for _, replica := range sim.replicas {
		for _, conn := range outboundConnections(sim, replica) {
			if conn.Area() != area {
				continue
			}
			location := replica.Location()
			if _, ok := groups[location]; !ok {
				locations = append(locations, location)
			}
			groups[location] = append(groups[location], conn)
		}
	}

	generators := make([]*OutageGenerator, 0, len(locations))
	for _, location := range locations {
		generators = append(generators, newOutageGenerator(sim, groups[location], conf))
	}
	return generators
}

// allocateNode creates one generator per replica over all of its outbound
// connections, taking the whole node offline at once.
func allocateNode(sim *Simulation, conf OutageConfig) []*OutageGenerator {
	var generators []*OutageGenerator
	for _, replica := range sim.replicas {
		if conns := outboundConnections(sim, replica); len(conns) > 0 {
			generators = append(generators, newOutageGenerator(sim, conns, conf))
		}
	}
	return generators
}

// outboundConnections returns a replica's outbound connections ordered by
// target id so generator allocation is deterministic.
func outboundConnections(sim *Simulation, replica *Replica) []*Connection {
	var conns []*Connection
	for _, conn := range sim.network.Connections(replica) {
		conns = append(conns, conn)
	}
	slices.SortFunc(conns, func(a, b *Connection) bool {
		return a.Target.ID() < b.Target.ID()
	})
	return conns
}
