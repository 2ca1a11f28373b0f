package replsim

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/replsim/replsim/internal/random"
)

// Connection kinds determine how per-message latency is sampled.
const (
	ConstantConnection = "constant"
	VariableConnection = "variable"
	NormalConnection   = "normal"
)

// Area describes whether a connection crosses locations.
const (
	LocalArea = "local"
	WideArea  = "wide"
)

// Connection is a directed edge between two replicas. Connections are
// unidirectional so that one side of a link can be taken down during an
// outage without preventing communication in the other direction.
type Connection struct {
	Source *Replica
	Target *Replica

	kind    string
	area    string
	online  bool
	latency [2]int64

	rand *random.Uniform
	norm *random.Normal
}

// Kind returns the connection kind: constant, variable, or normal.
func (c *Connection) Kind() string { return c.kind }

// Area returns local when both endpoints share a location, wide otherwise,
// unless an area was set explicitly at load.
func (c *Connection) Area() string { return c.area }

// Online reports whether the connection can currently carry messages.
func (c *Connection) Online() bool { return c.online }

// Up brings the connection online. The latency parameters are untouched, so
// a down/up cycle restores the exact pre-outage behavior.
func (c *Connection) Up() { c.online = true }

// Down takes the connection offline so that sends across it fail.
func (c *Connection) Down() { c.online = false }

// Latency samples the delivery delay for one message. Samples are
// independent per message, which allows a message sent later to arrive
// earlier; the protocol layers must tolerate that reordering.
func (c *Connection) Latency() (int64, error) {
	if !c.online {
		return 0, &NetworkError{
			Source: c.Source.ID(),
			Target: c.Target.ID(),
			Reason: "connection is offline",
		}
	}

	switch c.kind {
	case ConstantConnection:
		return c.latency[0], nil
	case VariableConnection:
		return c.rand.Next(), nil
	case NormalConnection:
		// Resample non-positive values rather than clamping so the
		// distribution keeps its shape above the floor.
		for {
			if value := c.norm.Next(); value >= 1 {
				return value, nil
			}
		}
	default:
		return 0, &UnknownTypeError{Kind: "connection", Value: c.kind}
	}
}

// LatencyRange returns the latency bounds no matter the connection kind.
func (c *Connection) LatencyRange() (int64, int64) {
	return c.latency[0], c.latency[1]
}

// LatencyMean returns the expected latency of the connection.
func (c *Connection) LatencyMean() float64 {
	switch c.kind {
	case ConstantConnection:
		return float64(c.latency[0])
	case NormalConnection:
		return c.norm.Mean
	default:
		return float64(c.latency[0]+c.latency[1]) / 2.0
	}
}

// LatencyStddev returns the standard deviation of the connection latency.
func (c *Connection) LatencyStddev() float64 {
	switch c.kind {
	case ConstantConnection:
		return 0.0
	case NormalConnection:
		return c.norm.Stddev
	default:
		return float64(c.latency[1]-c.latency[0]) / math.Sqrt(12.0)
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s -> %s (%s)", c.Source, c.Target, c.kind)
}

// Network is a directed graph of connections between replicas and owns
// message delivery scheduling.
type Network struct {
	clock       *Clock
	connections map[*Replica]map[*Replica]*Connection
}

// NewNetwork creates an empty network driven by the given clock.
func NewNetwork(clock *Clock) *Network {
	return &Network{
		clock:       clock,
		connections: make(map[*Replica]map[*Replica]*Connection),
	}
}

// AddConnection inserts a directed connection from source to target, or two
// connections when bidirectional is set. The link describes the latency
// model; a zero link yields a constant connection with the default latency.
func (n *Network) AddConnection(source, target *Replica, bidirectional bool, link Link) error {
	conn := &Connection{
		Source: source,
		Target: target,
		kind:   link.Connection,
		area:   link.Area,
		online: true,
	}

	if conn.kind == "" {
		conn.kind = ConstantConnection
	}
	if conn.area == "" {
		if source.Location() == target.Location() {
			conn.area = LocalArea
		} else {
			conn.area = WideArea
		}
	}

	switch conn.kind {
	case ConstantConnection:
		conn.latency = [2]int64{link.Latency[0], link.Latency[0]}
	case VariableConnection:
		conn.latency = link.Latency
		conn.rand = &random.Uniform{Min: link.Latency[0], Max: link.Latency[1], Rand: source.sim.rand}
	case NormalConnection:
		conn.latency = link.Latency
		conn.norm = &random.Normal{
			Mean:   float64(link.Latency[0]),
			Stddev: float64(link.Latency[1]),
			Rand:   source.sim.rand,
		}
	default:
		return &UnknownTypeError{Kind: "connection", Value: conn.kind}
	}

	if n.connections[source] == nil {
		n.connections[source] = make(map[*Replica]*Connection)
	}
	n.connections[source][target] = conn

	if bidirectional {
		return n.AddConnection(target, source, false, link)
	}
	return nil
}

// Connection returns the directed connection from source to target, or nil.
func (n *Network) Connection(source, target *Replica) *Connection {
	return n.connections[source][target]
}

// Connections returns the outbound connections of the given replica.
func (n *Network) Connections(source *Replica) map[*Replica]*Connection {
	return n.connections[source]
}

// Send schedules delivery of an RPC across the source to target connection
// after a freshly sampled latency. It fails with a NetworkError when the
// connection is absent or offline.
func (n *Network) Send(source, target *Replica, rpc RPC) (*Event, error) {
	conn := n.Connection(source, target)
	if conn == nil {
		return nil, &NetworkError{
			Source: source.ID(),
			Target: target.ID(),
			Reason: "no connection",
		}
	}

	delay, err := conn.Latency()
	if err != nil {
		return nil, err
	}

	message := Message{Source: source, Target: target, Delay: delay, RPC: rpc}
	return n.clock.Schedule(delay, func() error {
		return target.deliver(message)
	}), nil
}

// Each calls fn for every connection in the network.
func (n *Network) Each(fn func(*Connection)) {
	for _, links := range n.connections {
		for _, conn := range links {
			fn(conn)
		}
	}
}

// LatencyRanges computes the minimum and maximum latencies observed for
// each connection kind present in the network.
func (n *Network) LatencyRanges() map[string][2]int64 {
	ranges := make(map[string][2]int64)
	n.Each(func(conn *Connection) {
		lo, hi := conn.LatencyRange()
		if r, ok := ranges[conn.kind]; ok {
			if r[0] < lo {
				lo = r[0]
			}
			if r[1] > hi {
				hi = r[1]
			}
		}
		ranges[conn.kind] = [2]int64{lo, hi}
	})
	return ranges
}

// Tick models for ComputeTick. The howard model proposes T = 2(mu + 2sd)
// and the bailis model proposes T = 10mu, where mu and sd are estimated
// from the latencies of all connections. Raft parameters are usually set
// from T as heartbeat interval T/2 and election timeout (T, 2T); the
// anti-entropy delay can also be scaled from T.
const (
	HowardModel = "howard"
	BailisModel = "bailis"
)

// Estimators select how per-connection means and deviations are folded
// into a single value for tick computation.
const (
	MeanEstimator = "mean"
	MaxEstimator  = "max"
	MinEstimator  = "min"
)

// ComputeTick computes the tick parameter T of the network from the mean
// and standard deviation of its connection latencies.
func (n *Network) ComputeTick(model, estimator string) (float64, error) {
	var means, devs []float64
	n.Each(func(conn *Connection) {
		means = append(means, conn.LatencyMean())
		devs = append(devs, conn.LatencyStddev())
	})
	if len(means) == 0 {
		return 0, errors.New("cannot compute tick on an empty network")
	}

	var estimate func([]float64) float64
	switch estimator {
	case MeanEstimator:
		estimate = func(values []float64) float64 {
			var total float64
			for _, v := range values {
				total += v
			}
			return total / float64(len(values))
		}
	case MaxEstimator:
		estimate = func(values []float64) float64 {
			best := values[0]
			for _, v := range values[1:] {
				if v > best {
					best = v
				}
			}
			return best
		}
	case MinEstimator:
		estimate = func(values []float64) float64 {
			best := values[0]
			for _, v := range values[1:] {
				if v < best {
					best = v
				}
			}
			return best
		}
	default:
		return 0, &UnknownTypeError{Kind: "estimator", Value: estimator}
	}

	mu, sd := estimate(means), estimate(devs)
	switch model {
	case HowardModel:
		return 2 * (mu + 2*sd), nil
	case BailisModel:
		return 10 * mu, nil
	default:
		return 0, &UnknownTypeError{Kind: "tick model", Value: model}
	}
}
