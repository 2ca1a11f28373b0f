package replsim

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Topology is the JSON description a simulation is loaded from and
// serialized back to. Nodes become replicas and links become network
// connections; links address nodes by index into the node list.
type Topology struct {
	Meta  Meta   `json:"meta"`
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Meta carries free-form experiment metadata: title, description, seed,
// user counts, and the latency labels derived for visualization.
type Meta map[string]any

// Node describes one replica. The timing parameters are optional
// per-replica overrides of the simulation defaults.
type Node struct {
	ID          int    `json:"id"`
	Type        string `json:"type,omitempty"`
	Label       string `json:"label"`
	Location    string `json:"location"`
	Consistency string `json:"consistency"`

	ElectionTimeout   []int64 `json:"election_timeout,omitempty"`
	HeartbeatInterval int64   `json:"heartbeat_interval,omitempty"`
	AntiEntropyDelay  int64   `json:"anti_entropy_delay,omitempty"`
}

func (n Node) electionTimeout(conf Config) [2]int64 {
	if len(n.ElectionTimeout) == 2 {
		return [2]int64{n.ElectionTimeout[0], n.ElectionTimeout[1]}
	}
	return conf.ElectionTimeout
}

func (n Node) heartbeatInterval(conf Config) int64 {
	if n.HeartbeatInterval > 0 {
		return n.HeartbeatInterval
	}
	return conf.HeartbeatInterval
}

func (n Node) antiEntropyDelay(conf Config) int64 {
	if n.AntiEntropyDelay > 0 {
		return n.AntiEntropyDelay
	}
	return conf.AntiEntropyDelay
}

// Link describes one connection between two nodes, addressed by node index.
// Constant links carry a scalar latency in milliseconds; variable and
// normal links carry a two-value parameterization.
type Link struct {
	Source     int
	Target     int
	Area       string
	Connection string
	Latency    [2]int64
}

// linkJSON is the wire shape of a Link; the latency field is either a
// scalar or a pair, matching the topology files the visualization tooling
// produces and consumes.
type linkJSON struct {
	Source     int             `json:"source"`
	Target     int             `json:"target"`
	Area       string          `json:"area,omitempty"`
	Connection string          `json:"connection"`
	Latency    json.RawMessage `json:"latency"`
}

func (l *Link) UnmarshalJSON(data []byte) error {
	var wire linkJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Wrap(err, "could not parse link")
	}

	l.Source = wire.Source
	l.Target = wire.Target
	l.Area = wire.Area
	l.Connection = wire.Connection

	if len(wire.Latency) == 0 {
		return nil
	}

	var scalar int64
	if err := json.Unmarshal(wire.Latency, &scalar); err == nil {
		l.Latency = [2]int64{scalar, scalar}
		return nil
	}

	var pair [2]int64
	if err := json.Unmarshal(wire.Latency, &pair); err != nil {
		return errors.Wrap(err, "could not parse link latency")
	}
	l.Latency = pair
	return nil
}

func (l Link) MarshalJSON() ([]byte, error) {
	wire := linkJSON{
		Source:     l.Source,
		Target:     l.Target,
		Area:       l.Area,
		Connection: l.Connection,
	}

	var err error
	if l.Connection == ConstantConnection || l.Latency[0] == l.Latency[1] {
		wire.Latency, err = json.Marshal(l.Latency[0])
	} else {
		wire.Latency, err = json.Marshal(l.Latency)
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not serialize link latency")
	}
	return json.Marshal(wire)
}

// latencyLabel renders a latency range as the human-readable label stored
// in the topology meta, for example "800ms" or "150-300ms".
func latencyLabel(lo, hi int64) string {
	if lo == hi {
		return fmt.Sprintf("%dms", lo)
	}
	return fmt.Sprintf("%d-%dms", lo, hi)
}

// ReadTopology parses a topology description from the reader.
func ReadTopology(r io.Reader) (*Topology, error) {
	var topo Topology
	if err := json.NewDecoder(r).Decode(&topo); err != nil {
		return nil, errors.Wrap(err, "could not parse topology")
	}
	if len(topo.Nodes) == 0 {
		return nil, errors.New("topology describes no nodes")
	}
	return &topo, nil
}

// Write serializes the topology as indented JSON.
func (t *Topology) Write(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return errors.Wrap(encoder.Encode(t), "could not serialize topology")
}

// Validate checks link indices and node consistency tags before load.
func (t *Topology) Validate() error {
	for i, node := range t.Nodes {
		if _, err := ParseConsistency(node.Consistency); err != nil {
			return errors.Wrapf(err, "node %d (%s)", i, node.Label)
		}
	}
	for i, link := range t.Links {
		if link.Source < 0 || link.Source >= len(t.Nodes) {
			return errors.Errorf("link %d source %d out of range", i, link.Source)
		}
		if link.Target < 0 || link.Target >= len(t.Nodes) {
			return errors.Errorf("link %d target %d out of range", i, link.Target)
		}
		if link.Source == link.Target {
			return errors.Errorf("link %d connects node %d to itself", i, link.Source)
		}
	}
	return nil
}
