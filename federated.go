package replsim

import (
	"github.com/replsim/replsim/internal/random"
)

// FederatedRaftReplica bridges a strong consistency core into a mixed
// topology. Alongside the Raft loop it runs an anti-entropy interval that
// gossips committed state with eventual neighbors in the same location, and
// its log admission rejects writes that would build on a forked parent or
// that arrive out of version order.
type FederatedRaftReplica struct {
	*RaftReplica
	antiEntropy *Interval
}

func newFederatedRaftReplica(r *Replica, node Node) *FederatedRaftReplica {
	f := &FederatedRaftReplica{RaftReplica: newRaftReplica(r, node)}
	f.RaftReplica.appendEntry = f.appendViaFederatedPolicy
	f.RaftReplica.commitVersion = f.commitWithForte

	f.antiEntropy = NewInterval(r.sim.clock,
		random.Constant(node.antiEntropyDelay(r.sim.config)), f.onAntiEntropyTimeout)
	return f
}

// Start begins both the Raft election countdown and the anti-entropy rounds.
func (f *FederatedRaftReplica) Start() error {
	if err := f.RaftReplica.Start(); err != nil {
		return err
	}
	f.antiEntropy.Start()
	return nil
}

// OnMessage handles the gossip family directly; everything else is Raft.
// Gossip messages carry no term and never disturb the election state.
func (f *FederatedRaftReplica) OnMessage(msg Message) error {
	switch rpc := msg.RPC.(type) {
	case *Gossip:
		return f.onGossip(msg, rpc)
	case *GossipResponse:
		return f.onGossipResponse(msg, rpc)
	case *Rumor:
		return f.onRumor(msg, rpc)
	case *RumorResponse:
		return f.onRumorResponse(msg, rpc)
	default:
		return f.RaftReplica.OnMessage(msg)
	}
}

// appendViaFederatedPolicy admits a write only if its parent is unforked
// and its version strictly follows the current latest. Rejected writes are
// dropped, which marks the losing branch so its parent unforks.
func (f *FederatedRaftReplica) appendViaFederatedPolicy(access *Access, complete bool) (bool, error) {
	sim := f.replica.sim
	version := access.Version()

	if parent := version.Parent(); parent != nil && parent.IsForked() {
		access.Drop()
		sim.metrics.Update("unforked writes", f.replica.ID(), sim.clock.Now())
		sim.logger.Infof("%s rejected write %s on forked parent", f.replica, version)
		return false, nil
	}

	if current := f.log.GetLatestVersion(access.Name()); current != nil && version.Compare(current) <= 0 {
		access.Drop()
		sim.metrics.Update("unordered writes", f.replica.ID(), sim.clock.Now())
		sim.logger.Infof("%s rejected out of order write %s behind %s", f.replica, version, current)
		return false, nil
	}

	return f.RaftReplica.appendViaPolicy(access, complete)
}

// commitWithForte ranks the version with the next forte number as it
// commits, so the eventual side can tell which branch the core chose.
func (f *FederatedRaftReplica) commitWithForte(version *Version) error {
	if err := version.UpdateForte(f.replica); err != nil {
		return err
	}
	version.Update(f.replica, true)
	return nil
}

// onAntiEntropyTimeout pushes the latest committed version of every object
// to the eventual neighbors in the same location.
func (f *FederatedRaftReplica) onAntiEntropyTimeout() error {
	var entries []*Access
	for _, name := range f.log.Names() {
		if version := f.log.GetLatestCommit(name); version != nil {
			entries = append(entries, version.Access())
		}
	}
	if len(entries) == 0 {
		return nil
	}

	for _, target := range f.replica.Neighbors([]Consistency{Eventual, Stentor}, f.replica.Location()) {
		_ = f.replica.Send(target, &Gossip{Entries: entries})
	}
	return nil
}

// integrateRemote folds one gossiped access into the consensus. The leader
// runs it through the append policy; a follower forwards it to the leader
// when one is known. The returned version is the local one still ahead of
// the remote, nil otherwise.
func (f *FederatedRaftReplica) integrateRemote(access *Access) (*Version, error) {
	version := access.Version()
	current := f.log.GetLatestVersion(access.Name())

	switch version.Compare(current) {
	case -1:
		return current, nil
	case 0:
		return nil, nil
	}

	if f.state == Leader {
		_, err := f.appendEntry(access, false)
		return nil, err
	}

	leader, err := f.leaderNode()
	if err != nil {
		return nil, err
	}
	if leader != nil {
		_ = f.replica.Send(leader, &RemoteWrite{Term: f.currentTerm, Access: access})
	}
	return nil, nil
}

func (f *FederatedRaftReplica) onGossip(msg Message, rpc *Gossip) error {
	var updates []*Access
	for _, entry := range rpc.Entries {
		current, err := f.integrateRemote(entry)
		if err != nil {
			return err
		}
		if current != nil {
			updates = append(updates, current.Access())
		}
	}

	return ignoreNetwork(f.replica.Send(msg.Source, &GossipResponse{
		Entries: updates,
		Success: len(updates) == 0,
	}))
}

func (f *FederatedRaftReplica) onGossipResponse(msg Message, rpc *GossipResponse) error {
	for _, entry := range rpc.Entries {
		if _, err := f.integrateRemote(entry); err != nil {
			return err
		}
	}
	return nil
}

func (f *FederatedRaftReplica) onRumor(msg Message, rpc *Rumor) error {
	current, err := f.integrateRemote(rpc.Access)
	if err != nil {
		return err
	}
	if current != nil {
		return ignoreNetwork(f.replica.Send(msg.Source, &RumorResponse{
			Access:  current.Access(),
			Success: false,
		}))
	}
	return ignoreNetwork(f.replica.Send(msg.Source, &RumorResponse{
		Access:  rpc.Access,
		Success: true,
	}))
}

func (f *FederatedRaftReplica) onRumorResponse(msg Message, rpc *RumorResponse) error {
	if !rpc.Success {
		_, err := f.integrateRemote(rpc.Access)
		return err
	}
	return nil
}

// FederatedEventualReplica participates in a mixed topology from the
// eventual side. Neighbor selection is biased so the replica periodically
// synchronizes with the strong core, and remote versions ranked by the core
// apply backpressure that relabels the local branch.
type FederatedEventualReplica struct {
	*EventualReplica

	syncProb  float64
	localProb float64
}

func newFederatedEventualReplica(r *Replica, node Node) *FederatedEventualReplica {
	f := &FederatedEventualReplica{
		EventualReplica: newEventualReplica(r, node),
		syncProb:        r.sim.config.SyncProb,
		localProb:       r.sim.config.LocalProb,
	}
	f.EventualReplica.selectNeighbors = f.biasedNeighbors
	f.EventualReplica.integrate = f.integrateWithForte
	return f
}

// biasedNeighbors selects propagation targets with a synchronization bias:
// with probability syncProb one member of the strong core, otherwise the
// eventual family split between the local area (probability localProb) and
// the wide area.
func (f *FederatedEventualReplica) biasedNeighbors() []*Replica {
	sim := f.replica.sim

	if (random.Bernoulli{P: f.syncProb, Rand: sim.rand}).Sample() {
		strong := f.replica.Neighbors([]Consistency{Strong}, f.replica.Location())
		if len(strong) == 0 {
			strong = f.replica.Neighbors([]Consistency{Strong}, "")
		}
		if len(strong) > 0 {
			return []*Replica{strong[sim.rand.Intn(len(strong))]}
		}
	}

	local := (random.Bernoulli{P: f.localProb, Rand: sim.rand}).Sample()
	candidates := f.areaNeighbors(local)
	if len(candidates) == 0 {
		candidates = f.areaNeighbors(!local)
	}
	return f.sample(candidates)
}

// areaNeighbors returns the eventual family neighbors inside the local area
// or, when local is false, outside of it.
func (f *FederatedEventualReplica) areaNeighbors(local bool) []*Replica {
	var candidates []*Replica
	for _, node := range f.replica.Neighbors([]Consistency{Eventual, Stentor}, "") {
		if (node.Location() == f.replica.Location()) == local {
			candidates = append(candidates, node)
		}
	}
	return candidates
}

// integrateWithForte folds a remote version into the local log, first
// applying forte backpressure: a remote version ranked higher than the
// local branch relabels that branch's reachable children, and the winning
// relabeled tip is re-appended so it becomes the current latest.
func (f *FederatedEventualReplica) integrateWithForte(version *Version) *Version {
	current := f.log.GetLatestVersion(version.Name())
	if current != nil && version.Forte() > current.Forte() {
		version = f.updateForteChildren(version)
		current = f.log.GetLatestVersion(version.Name())
	}

	if current == nil || current.Less(version) {
		f.append(version)
		return nil
	}
	if version.Less(current) {
		return current
	}
	return nil
}

// updateForteChildren relabels every child of the ranked version reachable
// within the local log with the same forte number, returning the latest
// relabeled tip. The relabeling lets local work built on the winning branch
// outrank siblings from losing forks.
func (f *FederatedEventualReplica) updateForteChildren(version *Version) *Version {
	latest := version
	queue := []*Version{version}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range next.Children() {
			if !f.log.Contains(child) {
				continue
			}
			child.SetForte(version.Forte())
			if latest.Less(child) {
				latest = child
			}
			queue = append(queue, child)
		}
	}

	if latest != version {
		f.replica.sim.logger.Infof("%s relabeled branch of %s up to %s", f.replica, version, latest)
	}
	return latest
}
