package replsim

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Consistency tags select the protocol family a replica runs.
type Consistency string

const (
	// Strong replicas run Raft consensus.
	Strong Consistency = "strong"

	// Medium replicas would run tag consensus, which this engine does not
	// implement.
	Medium Consistency = "medium"

	// Eventual replicas run anti-entropy gossip.
	Eventual Consistency = "eventual"

	// Stentor replicas are eventual replicas that also rumor every write
	// to their neighbors as it happens.
	Stentor Consistency = "stentor"
)

// ParseConsistency resolves a consistency tag, accepting the protocol
// aliases used in topology files.
func ParseConsistency(value string) (Consistency, error) {
	switch value {
	case "strong", "raft":
		return Strong, nil
	case "medium", "tag":
		return Medium, nil
	case "low", "eventual":
		return Eventual, nil
	case "stentor":
		return Stentor, nil
	default:
		return "", &UnknownTypeError{Kind: "consistency", Value: value}
	}
}

// Known replica locations. Locations are free-form strings in topology
// files; these are the conventional values.
const (
	HomeLocation    = "home"
	WorkLocation    = "work"
	MobileLocation  = "mobile"
	CloudLocation   = "cloud"
	UnknownLocation = "unknown"
)

// Protocol is the behavior a replica plugs into the simulation: Raft,
// eventual, and federated implementations all satisfy it and are selected
// by a factory keyed on the consistency tag.
type Protocol interface {
	// Start installs the protocol's timers when the simulation begins.
	Start() error

	// OnMessage handles a delivered RPC, dispatching on its concrete kind.
	OnMessage(msg Message) error

	// OnDropped is invoked when a send failed across an offline or missing
	// connection, after the drop has been recorded.
	OnDropped(target *Replica, rpc RPC)

	// Read serves a read access against the protocol's store.
	Read(access *Access) error

	// Write serves a write access, local or forwarded.
	Write(access *Access) error
}

// Replica is a node in the simulated topology. The common behavior lives
// here: identity, neighbor discovery, and send/receive instrumentation.
// Protocol behavior is delegated to the attached Protocol.
type Replica struct {
	sim   *Simulation
	id    string
	label string
	kind  string

	location    string
	consistency Consistency

	protocol Protocol
}

// ID returns the unique replica identifier.
func (r *Replica) ID() string { return r.id }

// Label returns the human readable replica label.
func (r *Replica) Label() string { return r.label }

// Type returns the device type of the replica, such as storage or laptop.
func (r *Replica) Type() string { return r.kind }

// Location returns the site the replica lives at.
func (r *Replica) Location() string { return r.location }

// Consistency returns the replica's consistency tag.
func (r *Replica) Consistency() Consistency { return r.consistency }

// Protocol returns the protocol state machine attached to the replica.
func (r *Replica) Protocol() Protocol { return r.protocol }

func (r *Replica) String() string {
	return fmt.Sprintf("%s (%s)", r.label, r.id)
}

// Read performs a user visible read of the named object on this replica.
func (r *Replica) Read(name string) (*Access, error) {
	if name == "" {
		return nil, &AccessError{Op: "read", Access: "read", Reason: "no object name"}
	}
	access := newAccess(ReadAccess, name, r)
	return access, r.protocol.Read(access)
}

// Write performs a user visible write of the named object on this replica.
func (r *Replica) Write(name string) (*Access, error) {
	if name == "" {
		return nil, &AccessError{Op: "write", Access: "write", Reason: "no object name"}
	}
	access := newAccess(WriteAccess, name, r)
	return access, r.protocol.Write(access)
}

// Neighbors returns the replicas this one has outbound connections to,
// optionally filtered by consistency tags and location, ordered by id for
// determinism.
func (r *Replica) Neighbors(consistencies []Consistency, location string) []*Replica {
	var neighbors []*Replica
	for target := range r.sim.network.Connections(r) {
		if location != "" && target.location != location {
			continue
		}
		if len(consistencies) > 0 && !slices.Contains(consistencies, target.consistency) {
			continue
		}
		neighbors = append(neighbors, target)
	}
	slices.SortFunc(neighbors, func(a, b *Replica) bool { return a.id < b.id })
	return neighbors
}

// Quorum returns the neighbors in the same consistency group plus the
// replica itself, the voter set for elections and commit tallies.
func (r *Replica) Quorum() []*Replica {
	quorum := r.Neighbors([]Consistency{r.consistency}, "")
	return append(quorum, r)
}

// Send transmits an RPC to the target replica across the network,
// recording the sent message. A network failure is recorded as a dropped
// message and handed to the protocol's drop path; the NetworkError is
// returned so callers can drop dependent accesses.
func (r *Replica) Send(target *Replica, rpc RPC) error {
	_, err := r.sim.network.Send(r, target, rpc)
	if err != nil {
		if IsNetworkError(err) {
			r.sim.logger.Debugf("message %s from %s to %s dropped: %v", rpc.Kind(), r, target, err)
			r.sim.metrics.Update("dropped messages", r.id, r.sim.clock.Now(), rpc.Kind())
			r.protocol.OnDropped(target, rpc)
		}
		return err
	}

	r.sim.logger.Debugf("message %s sent at %d from %s to %s", rpc.Kind(), r.sim.clock.Now(), r, target)
	if r.sim.config.CountMessages {
		r.sim.metrics.Update("sent", r.id, r.sim.clock.Now(), rpc.Kind())
	}
	return nil
}

// Broadcast sends an RPC to every replica this one is connected to.
func (r *Replica) Broadcast(rpc RPC) {
	for _, target := range r.Neighbors(nil, "") {
		// Individual drops are already handled by Send.
		_ = r.Send(target, rpc)
	}
}

// deliver is the receive half of the network boundary: it records the
// arrival and dispatches into the protocol state machine.
func (r *Replica) deliver(msg Message) error {
	r.sim.logger.Debugf("protocol %s received by %s from %s (%dms delayed)",
		msg.RPC.Kind(), msg.Target, msg.Source, msg.Delay)
	if r.sim.config.CountMessages {
		r.sim.metrics.Update("recv", r.id, r.sim.clock.Now(), msg.RPC.Kind(), msg.Delay)
	}
	return r.protocol.OnMessage(msg)
}

// newProtocol selects and constructs the protocol for a replica from its
// consistency tag. Medium (tag) consensus is not one of the implemented
// families and fails at load time.
func newProtocol(r *Replica, node Node) (Protocol, error) {
	federated := r.sim.config.Integration == FederatedIntegration

	switch r.consistency {
	case Strong:
		if federated {
			return newFederatedRaftReplica(r, node), nil
		}
		return newRaftReplica(r, node), nil
	case Eventual, Stentor:
		if federated {
			return newFederatedEventualReplica(r, node), nil
		}
		return newEventualReplica(r, node), nil
	default:
		return nil, &UnknownTypeError{Kind: "replica protocol", Value: string(r.consistency)}
	}
}
