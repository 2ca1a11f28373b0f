package replsim

import (
	"github.com/replsim/replsim/internal/numeric"
	"github.com/replsim/replsim/internal/random"
)

// EventualReplica implements eventual consistency: writes complete locally
// and propagate in the background by periodic anti-entropy gossip and,
// optionally, by rumoring every write as it happens. Conflicts resolve by
// last writer wins on the version order.
type EventualReplica struct {
	replica *Replica

	log         *MultiObjectWriteLog
	antiEntropy *Interval

	doGossip     bool
	doRumoring   bool
	numNeighbors int

	// selectNeighbors picks the propagation targets for one round; the
	// federated variant installs a biased selection that also gossips with
	// the strong core.
	selectNeighbors func() []*Replica

	// integrate folds one remote version into the local log; the federated
	// variant installs a forte-aware version that applies backpressure from
	// the strong core.
	integrate func(version *Version) *Version
}

func newEventualReplica(r *Replica, node Node) *EventualReplica {
	sim := r.sim

	eventual := &EventualReplica{
		replica:      r,
		log:          NewMultiObjectWriteLog(),
		doGossip:     sim.config.DoGossip,
		doRumoring:   sim.config.DoRumoring || r.Consistency() == Stentor,
		numNeighbors: sim.config.NumNeighbors,
	}
	eventual.selectNeighbors = eventual.randomNeighbors
	eventual.integrate = eventual.update

	eventual.antiEntropy = NewInterval(sim.clock,
		random.Constant(node.antiEntropyDelay(sim.config)), eventual.onAntiEntropyTimeout)
	return eventual
}

// Log exposes the replica's write log for inspection.
func (e *EventualReplica) Log() *MultiObjectWriteLog {
	return e.log
}

// Start begins the periodic anti-entropy rounds.
func (e *EventualReplica) Start() error {
	if e.doGossip {
		e.antiEntropy.Start()
	}
	return nil
}

// OnMessage dispatches a delivered RPC.
func (e *EventualReplica) OnMessage(msg Message) error {
	switch rpc := msg.RPC.(type) {
	case *Gossip:
		return e.onGossip(msg, rpc)
	case *GossipResponse:
		return e.onGossipResponse(msg, rpc)
	case *Rumor:
		return e.onRumor(msg, rpc)
	case *RumorResponse:
		return e.onRumorResponse(msg, rpc)
	default:
		return &ProtocolError{
			Replica: e.replica.ID(),
			State:   string(e.replica.Consistency()),
			RPC:     msg.RPC.Kind(),
		}
	}
}

// OnDropped lets gossip failures go; the object reaches the neighbor on a
// later round through another path.
func (e *EventualReplica) OnDropped(target *Replica, rpc RPC) {
	e.replica.sim.logger.Debugf("%s could not reach %s with %s", e.replica, target, rpc.Kind())
}

// Read returns the latest local version, which may be stale or forked.
func (e *EventualReplica) Read(access *Access) error {
	access.attempts++

	version := e.log.GetLatestVersion(access.Name())
	if version == nil {
		access.dropEmpty(true)
		return nil
	}

	if err := access.Update(version, true); err != nil {
		return err
	}
	access.log(e.replica)
	return nil
}

// Write appends the next version locally and completes immediately, then
// rumors the write when rumoring is enabled.
func (e *EventualReplica) Write(access *Access) error {
	access.attempts++

	var version *Version
	if latest := e.log.GetLatestVersion(access.Name()); latest != nil {
		version = latest.NextV(e.replica)
	} else {
		version = e.replica.sim.namespace.Create(access.Name(), e.replica)
	}
	if err := access.Update(version, false); err != nil {
		return err
	}
	access.log(e.replica)

	e.append(version)
	if err := access.Complete(); err != nil {
		return err
	}

	if e.doRumoring {
		e.sendRumor(access)
	}
	return nil
}

// append admits a version to the local log. Eventual logs have no quorum
// commit; everything applied is immediately readable.
func (e *EventualReplica) append(version *Version) {
	e.log.Append(version, 0)
	e.log.SetCommitIndex(e.log.LastApplied())
	version.Update(e.replica, false)
}

// update applies a remote version if it is newer than the latest local one.
// It returns the local version that is still ahead, or nil when the remote
// version won or was already known.
func (e *EventualReplica) update(version *Version) *Version {
	current := e.log.GetLatestVersion(version.Name())
	if current == nil || current.Less(version) {
		e.append(version)
		return nil
	}
	if version.Less(current) {
		return current
	}
	return nil
}

// onAntiEntropyTimeout runs one anti-entropy round: push the latest local
// version of every object to a bounded random selection of neighbors.
func (e *EventualReplica) onAntiEntropyTimeout() error {
	entries := e.latest()
	if len(entries) == 0 {
		return nil
	}
	for _, target := range e.selectNeighbors() {
		_ = e.replica.Send(target, &Gossip{Entries: entries})
	}
	return nil
}

// latest collects the latest local version of every known object as
// synthesized write accesses, the payload of a gossip round.
func (e *EventualReplica) latest() []*Access {
	var entries []*Access
	for _, name := range e.log.Names() {
		if version := e.log.GetLatestVersion(name); version != nil {
			entries = append(entries, version.Access())
		}
	}
	return entries
}

// randomNeighbors samples distinct propagation targets from the eventual
// family, at most numNeighbors per round.
func (e *EventualReplica) randomNeighbors() []*Replica {
	return e.sample(e.replica.Neighbors([]Consistency{Eventual, Stentor}, ""))
}

// sample draws at most numNeighbors distinct replicas from the candidates.
func (e *EventualReplica) sample(candidates []*Replica) []*Replica {
	if len(candidates) == 0 {
		return nil
	}

	count := numeric.Min(e.numNeighbors, len(candidates))
	selected := make([]*Replica, 0, count)
	for _, idx := range e.replica.sim.rand.Perm(len(candidates))[:count] {
		selected = append(selected, candidates[idx])
	}
	return selected
}

func (e *EventualReplica) sendRumor(access *Access) {
	for _, target := range e.selectNeighbors() {
		_ = e.replica.Send(target, &Rumor{Access: access})
	}
}

func (e *EventualReplica) onGossip(msg Message, rpc *Gossip) error {
	// Reply only with the objects where this replica is ahead; the sender
	// adopts them on the response path.
	var updates []*Access
	for _, entry := range rpc.Entries {
		if current := e.integrate(entry.Version()); current != nil {
			updates = append(updates, current.Access())
		}
	}

	return ignoreNetwork(e.replica.Send(msg.Source, &GossipResponse{
		Entries: updates,
		Success: len(updates) == 0,
	}))
}

func (e *EventualReplica) onGossipResponse(msg Message, rpc *GossipResponse) error {
	for _, entry := range rpc.Entries {
		e.integrate(entry.Version())
	}
	return nil
}

func (e *EventualReplica) onRumor(msg Message, rpc *Rumor) error {
	if current := e.integrate(rpc.Access.Version()); current != nil {
		// The rumored write lost; push back the winner.
		return ignoreNetwork(e.replica.Send(msg.Source, &RumorResponse{
			Access:  current.Access(),
			Success: false,
		}))
	}
	return ignoreNetwork(e.replica.Send(msg.Source, &RumorResponse{
		Access:  rpc.Access,
		Success: true,
	}))
}

func (e *EventualReplica) onRumorResponse(msg Message, rpc *RumorResponse) error {
	if !rpc.Success {
		e.integrate(rpc.Access.Version())
	}
	return nil
}
