package replsim

import (
	"github.com/pkg/errors"
	"github.com/replsim/replsim/internal/numeric"
	"github.com/replsim/replsim/internal/random"
)

// State is the Raft protocol state of a replica.
type State uint32

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		panic("invalid state")
	}
}

// ReadPolicy selects which version a Raft replica serves on a local read.
type ReadPolicy string

const (
	// ReadCommit always returns the latest committed version.
	ReadCommit ReadPolicy = "commit"

	// ReadLatest returns the latest log version, preferring an uncommitted
	// locally cached write when it is newer.
	ReadLatest ReadPolicy = "latest"
)

// RaftReplica implements strong consistency with Raft consensus: leader
// election, log replication, and commit by quorum.
type RaftReplica struct {
	replica *Replica

	state       State
	currentTerm uint64
	votedFor    string
	log         *MultiObjectWriteLog

	// Local writes awaiting replication, keyed by object name. The latest
	// read policy may prefer these over the log.
	cache map[string]*Access

	votes         *Election
	electionTimer *Timer
	heartbeat     *Interval

	// Leader volatile state, rebuilt on every election win. peers keeps a
	// deterministic iteration order over the quorum.
	peers      []*Replica
	nextIndex  map[*Replica]int
	matchIndex map[*Replica]int

	readPolicy      ReadPolicy
	aggregateWrites bool

	// appendEntry gates log admission on the leader; the federated variant
	// installs a stricter policy that rejects forked and unordered writes.
	appendEntry func(access *Access, complete bool) (bool, error)

	// commitVersion marks one version committed; the federated variant also
	// assigns it a forte number.
	commitVersion func(version *Version) error
}

func newRaftReplica(r *Replica, node Node) *RaftReplica {
	sim := r.sim
	eto := node.electionTimeout(sim.config)
	hbi := node.heartbeatInterval(sim.config)

	raft := &RaftReplica{
		replica:         r,
		state:           Follower,
		log:             NewMultiObjectWriteLog(),
		cache:           make(map[string]*Access),
		readPolicy:      sim.config.ReadPolicy,
		aggregateWrites: sim.config.AggregateWrites,
	}
	raft.appendEntry = raft.appendViaPolicy
	raft.commitVersion = raft.commit

	raft.electionTimer = NewTimer(sim.clock,
		random.Uniform{Min: eto[0], Max: eto[1], Rand: sim.rand}, raft.onElectionTimeout)
	raft.heartbeat = NewInterval(sim.clock,
		random.Constant(hbi), raft.onHeartbeatTimeout)
	return raft
}

// State returns the current Raft state of the replica.
func (r *RaftReplica) State() State {
	return r.state
}

// Term returns the current Raft term of the replica.
func (r *RaftReplica) Term() uint64 {
	return r.currentTerm
}

// Log exposes the replica's write log for inspection.
func (r *RaftReplica) Log() *MultiObjectWriteLog {
	return r.log
}

// Start begins the election timeout countdown.
func (r *RaftReplica) Start() error {
	r.electionTimer.Start()
	return nil
}

// OnMessage dispatches a delivered RPC. Any message carrying a term beyond
// the current one reverts the replica to follower first, regardless of its
// current state.
func (r *RaftReplica) OnMessage(msg Message) error {
	if term, ok := rpcTerm(msg.RPC); ok && term > r.currentTerm {
		r.currentTerm = term
		r.setState(Follower)
	}

	switch rpc := msg.RPC.(type) {
	case *VoteRequest:
		return r.onVoteRequest(msg, rpc)
	case *VoteResponse:
		return r.onVoteResponse(msg, rpc)
	case *AppendEntries:
		return r.onAppendEntries(msg, rpc)
	case *AppendEntriesResponse:
		return r.onAppendEntriesResponse(msg, rpc)
	case *RemoteWrite:
		return r.onRemoteWrite(msg, rpc)
	case *RemoteWriteResponse:
		return r.onRemoteWriteResponse(msg, rpc)
	default:
		return &ProtocolError{
			Replica: r.replica.ID(),
			State:   r.state.String(),
			RPC:     msg.RPC.Kind(),
		}
	}
}

// OnDropped is the drop path for failed sends; the access level recovery
// happens at the send call sites.
func (r *RaftReplica) OnDropped(target *Replica, rpc RPC) {
	r.replica.sim.logger.Debugf("%s could not reach %s with %s", r.replica, target, rpc.Kind())
}

// Read serves the read against the local log according to the read policy.
// A read before any write of the object is dropped as an empty read.
func (r *RaftReplica) Read(access *Access) error {
	access.attempts++

	version := r.readViaPolicy(access.Name())
	if version == nil {
		access.dropEmpty(true)
		return nil
	}

	if err := access.Update(version, true); err != nil {
		return err
	}
	access.log(r.replica)
	return nil
}

// Write serves a local or forwarded write. Local writes on the leader are
// appended and completed immediately; local writes on a follower are cached
// and forwarded to the leader, and dropped if no leader is reachable.
func (r *RaftReplica) Write(access *Access) error {
	if access.IsLocalTo(r.replica) {
		access.attempts++

		var version *Version
		if latest := r.log.GetLatestVersion(access.Name()); latest != nil {
			version = latest.NextV(r.replica)
		} else {
			version = r.replica.sim.namespace.Create(access.Name(), r.replica)
		}
		if err := access.Update(version, false); err != nil {
			return err
		}
		access.log(r.replica)

		if r.state != Leader {
			r.cache[access.Name()] = access
			return r.sendRemoteWrite(access)
		}
		_, err := r.appendEntry(access, true)
		return err
	}

	// Forwarded writes must already carry their version.
	access.log(r.replica)
	if access.Version() == nil {
		return &AccessError{Op: "write", Access: access.String(), Reason: "remote write without a version"}
	}

	if r.state != Leader {
		r.replica.sim.logger.Infof("remote write on follower node: %s", r.replica)
		return r.sendRemoteWrite(access)
	}
	_, err := r.appendEntry(access, false)
	return err
}

// readViaPolicy selects the version a read observes.
func (r *RaftReplica) readViaPolicy(name string) *Version {
	switch r.readPolicy {
	case ReadLatest:
		version := r.log.GetLatestVersion(name)
		if cached, ok := r.cache[name]; ok && !cached.IsDropped() && cached.Version() != nil {
			if version == nil || version.Less(cached.Version()) {
				return cached.Version()
			}
		}
		return version
	default:
		return r.log.GetLatestCommit(name)
	}
}

// appendViaPolicy admits the write to the log. The leader appends
// unconditionally and, unless write aggregation is enabled, immediately
// broadcasts AppendEntries rather than waiting on the heartbeat.
func (r *RaftReplica) appendViaPolicy(access *Access, complete bool) (bool, error) {
	version := access.Version()
	r.log.Append(version, r.currentTerm)
	version.Update(r.replica, false)

	if complete {
		if err := access.Complete(); err != nil {
			return false, err
		}
	}

	if !r.aggregateWrites {
		r.sendAppendEntries(nil)
		r.heartbeat.Reset()
	}
	return true, nil
}

// commit marks a version committed when its index reaches quorum.
func (r *RaftReplica) commit(version *Version) error {
	version.Update(r.replica, true)
	return nil
}

// sendRemoteWrite forwards a write access to the current leader, dropping
// the access when no leader is known or reachable.
func (r *RaftReplica) sendRemoteWrite(access *Access) error {
	leader, err := r.leaderNode()
	if err != nil {
		return err
	}
	if leader == nil {
		r.replica.sim.logger.Infof("no leader: dropped write at %s", r.replica)
		access.Drop()
		return nil
	}

	if err := r.replica.Send(leader, &RemoteWrite{Term: r.currentTerm, Access: access}); err != nil {
		if !IsNetworkError(err) {
			return err
		}
		r.replica.sim.logger.Infof("no leader: dropped write at %s", r.replica)
		access.Drop()
	}
	return nil
}

// leaderNode searches the quorum neighbors for the leader. More than one
// leader among the neighbors is a protocol failure that aborts the run.
func (r *RaftReplica) leaderNode() (*Replica, error) {
	var leaders []*Replica
	for _, node := range r.replica.Neighbors([]Consistency{r.replica.Consistency()}, "") {
		if raft, ok := node.Protocol().(interface{ State() State }); ok && raft.State() == Leader {
			leaders = append(leaders, node)
		}
	}

	switch len(leaders) {
	case 0:
		return nil, nil
	case 1:
		return leaders[0], nil
	default:
		return nil, errors.Errorf("%s observes multiple raft leaders", r.replica)
	}
}

// setState applies the volatile state rules for the new Raft state and
// manages the election and heartbeat timers.
func (r *RaftReplica) setState(state State) {
	r.state = state
	switch state {
	case Follower, Candidate:
		r.votedFor = ""
		r.peers = nil
		r.nextIndex = nil
		r.matchIndex = nil
		r.heartbeat.Stop()
		if state == Follower {
			r.electionTimer.Reset()
		}
	case Leader:
		r.peers = r.replica.Neighbors([]Consistency{r.replica.Consistency()}, "")
		r.nextIndex = make(map[*Replica]int, len(r.peers))
		r.matchIndex = make(map[*Replica]int, len(r.peers))
		for _, peer := range r.peers {
			r.nextIndex[peer] = r.log.LastApplied() + 1
			r.matchIndex[peer] = 0
		}
		r.electionTimer.Stop()
		r.heartbeat.Start()
	}
}

// onElectionTimeout starts a new candidacy: increment the term, vote for
// self, and solicit the quorum. The timer restarts so a failed election
// times out into another one.
func (r *RaftReplica) onElectionTimeout() error {
	r.setState(Candidate)
	r.currentTerm++

	quorum := r.replica.Quorum()
	ids := make([]string, 0, len(quorum))
	for _, node := range quorum {
		ids = append(ids, node.ID())
	}

	r.votes = NewElection(ids)
	r.votes.Vote(r.replica.ID(), true)
	r.votedFor = r.replica.ID()

	rpc := &VoteRequest{
		Term:         r.currentTerm,
		CandidateID:  r.replica.ID(),
		LastLogIndex: r.log.LastApplied(),
		LastLogTerm:  r.log.LastTerm(),
	}
	for _, follower := range r.replica.Neighbors([]Consistency{r.replica.Consistency()}, "") {
		_ = r.replica.Send(follower, rpc)
	}

	r.replica.sim.logger.Infof("%s is now a leader candidate", r.replica)
	r.electionTimer.Start()
	return nil
}

// onHeartbeatTimeout re-broadcasts AppendEntries, empty for a pure
// heartbeat or populated when unsent entries exist.
func (r *RaftReplica) onHeartbeatTimeout() error {
	if r.state != Leader {
		return nil
	}
	r.sendAppendEntries(nil)
	return nil
}

// sendAppendEntries sends AppendEntries to the whole quorum or, when
// follower is not nil, to that follower alone.
func (r *RaftReplica) sendAppendEntries(follower *Replica) {
	if r.state != Leader {
		return
	}

	for _, node := range r.peers {
		if follower != nil && node != follower {
			continue
		}

		nidx := r.nextIndex[node]
		var entries []LogEntry
		for i := nidx; i <= r.log.LastApplied(); i++ {
			entries = append(entries, r.log.Get(i))
		}

		prevLogIndex := nidx - 1
		_ = r.replica.Send(node, &AppendEntries{
			Term:         r.currentTerm,
			LeaderID:     r.replica.ID(),
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  r.log.Get(prevLogIndex).Term,
			Entries:      entries,
			LeaderCommit: r.log.CommitIndex(),
		})
	}
}

func (r *RaftReplica) onVoteRequest(msg Message, rpc *VoteRequest) error {
	if rpc.Term >= r.currentTerm && (r.votedFor == "" || r.votedFor == rpc.CandidateID) {
		if r.log.AsUpToDate(rpc.LastLogTerm, rpc.LastLogIndex) {
			r.replica.sim.logger.Infof("%s voting for %s", r.replica, rpc.CandidateID)
			r.electionTimer.Reset()
			r.votedFor = rpc.CandidateID
			return ignoreNetwork(r.replica.Send(msg.Source, &VoteResponse{Term: r.currentTerm, Granted: true}))
		}
	}
	return ignoreNetwork(r.replica.Send(msg.Source, &VoteResponse{Term: r.currentTerm, Granted: false}))
}

func (r *RaftReplica) onVoteResponse(msg Message, rpc *VoteResponse) error {
	// Votes only matter to a candidate, and only ballots cast in the
	// current term count: a delayed grant from an earlier candidacy must
	// not elect a leader for this one.
	if r.state != Candidate || rpc.Term != r.currentTerm {
		return nil
	}

	r.votes.Vote(msg.Source.ID(), rpc.Granted)
	if r.votes.HasPassed() {
		r.setState(Leader)
		r.sendAppendEntries(nil)
		r.replica.sim.logger.Infof("%s has become raft leader", r.replica)
	}
	return nil
}

func (r *RaftReplica) onAppendEntries(msg Message, rpc *AppendEntries) error {
	// A leader keeps its election timer stopped: an append from a deposed
	// lower-term leader must not arm a countdown that would make the
	// healthy leader abdicate.
	if r.state != Leader {
		r.electionTimer.Reset()
	}

	if rpc.Term < r.currentTerm {
		r.replica.sim.logger.Infof("%s doesn't accept write on term %d", r.replica, r.currentTerm)
		return ignoreNetwork(r.replica.Send(msg.Source, &AppendEntriesResponse{
			Term: r.currentTerm, Success: false, LastIndex: r.log.LastApplied(),
		}))
	}

	// A candidate that hears from a legitimate leader concedes.
	if r.state == Candidate {
		r.setState(Follower)
		r.replica.sim.logger.Infof("%s has stepped down as candidate", r.replica)
	}

	if r.log.LastApplied() < rpc.PrevLogIndex || r.log.Get(rpc.PrevLogIndex).Term != rpc.PrevLogTerm {
		if r.log.LastApplied() < rpc.PrevLogIndex {
			r.replica.sim.logger.Infof("%s doesn't accept write on index %d where last applied is %d",
				r.replica, rpc.PrevLogIndex, r.log.LastApplied())
		} else {
			r.replica.sim.logger.Infof("%s doesn't accept write for term mismatch %d vs %d",
				r.replica, rpc.PrevLogTerm, r.log.Get(rpc.PrevLogIndex).Term)
		}
		return ignoreNetwork(r.replica.Send(msg.Source, &AppendEntriesResponse{
			Term: r.currentTerm, Success: false, LastIndex: r.log.LastApplied(),
		}))
	}

	// Splice in the new entries, truncating any conflicting suffix.
	index := rpc.PrevLogIndex
	for _, entry := range rpc.Entries {
		index++
		if r.log.LastApplied() >= index {
			if r.log.Get(index).Term == entry.Term {
				continue
			}
			if err := r.log.Truncate(index - 1); err != nil {
				return err
			}
		}
		r.log.Append(entry.Version, entry.Term)
		if entry.Version != nil {
			entry.Version.Update(r.replica, false)
		}
	}

	if len(rpc.Entries) > 0 {
		r.replica.sim.logger.Debugf("%s writes %s at idx %d (term %d, commit %d)",
			r.replica, r.log.LastVersion(), r.log.LastApplied(), r.log.LastTerm(), r.log.CommitIndex())
	}

	if rpc.LeaderCommit > r.log.CommitIndex() {
		r.log.SetCommitIndex(numeric.Min(rpc.LeaderCommit, r.log.LastApplied()))
	}

	return ignoreNetwork(r.replica.Send(msg.Source, &AppendEntriesResponse{
		Term:      r.currentTerm,
		Success:   true,
		LastIndex: rpc.PrevLogIndex + len(rpc.Entries),
	}))
}

func (r *RaftReplica) onAppendEntriesResponse(msg Message, rpc *AppendEntriesResponse) error {
	if r.state == Candidate && rpc.Term >= r.currentTerm {
		r.setState(Follower)
		r.replica.sim.logger.Infof("%s has stepped down as candidate", r.replica)
		return nil
	}
	if r.state != Leader {
		return nil
	}

	if rpc.Success {
		r.nextIndex[msg.Source] = rpc.LastIndex + 1
		r.matchIndex[msg.Source] = numeric.Max(r.matchIndex[msg.Source], rpc.LastIndex)
	} else {
		// Walk backward toward the follower's log and retry.
		r.nextIndex[msg.Source] = numeric.Max(1, r.nextIndex[msg.Source]-1)
		r.sendAppendEntries(msg.Source)
	}

	return r.advanceCommitIndex()
}

// advanceCommitIndex commits the highest index whose replication forms a
// majority of the quorum, counting the leader itself, and whose stored term
// is the current term. Entries from prior terms are only committed
// indirectly, never directly.
func (r *RaftReplica) advanceCommitIndex() error {
	for n := r.log.LastApplied(); n > r.log.CommitIndex(); n-- {
		ids := make([]string, 0, len(r.peers)+1)
		for _, peer := range r.peers {
			ids = append(ids, peer.ID())
		}
		ids = append(ids, r.replica.ID())

		tally := NewElection(ids)
		tally.Vote(r.replica.ID(), true)
		for peer, match := range r.matchIndex {
			tally.Vote(peer.ID(), match >= n)
		}

		if tally.HasPassed() && r.log.Get(n).Term == r.currentTerm {
			for idx := r.log.CommitIndex() + 1; idx <= n; idx++ {
				if version := r.log.Get(idx).Version; version != nil {
					if err := r.commitVersion(version); err != nil {
						return err
					}
				}
			}
			r.log.SetCommitIndex(n)
			break
		}
	}
	return nil
}

func (r *RaftReplica) onRemoteWrite(msg Message, rpc *RemoteWrite) error {
	access := rpc.Access

	if r.state != Leader {
		// A leadership change raced the forwarded write; pass it along to
		// whoever leads now.
		r.replica.sim.logger.Infof("remote write on follower node: %s", r.replica)
		return r.sendRemoteWrite(access)
	}

	if err := r.Write(access); err != nil {
		return err
	}
	return ignoreNetwork(r.replica.Send(msg.Source, &RemoteWriteResponse{
		Term:    r.currentTerm,
		Success: !access.IsDropped(),
		Access:  access,
	}))
}

func (r *RaftReplica) onRemoteWriteResponse(msg Message, rpc *RemoteWriteResponse) error {
	if rpc.Success && !rpc.Access.IsCompleted() {
		return rpc.Access.Complete()
	}
	return nil
}

// rpcTerm extracts the Raft term from term-carrying message kinds.
func rpcTerm(rpc RPC) (uint64, bool) {
	switch rpc := rpc.(type) {
	case *VoteRequest:
		return rpc.Term, true
	case *VoteResponse:
		return rpc.Term, true
	case *AppendEntries:
		return rpc.Term, true
	case *AppendEntriesResponse:
		return rpc.Term, true
	case *RemoteWrite:
		return rpc.Term, true
	case *RemoteWriteResponse:
		return rpc.Term, true
	default:
		return 0, false
	}
}

// ignoreNetwork swallows recoverable network errors: the drop path has
// already recorded them and the protocol retries on its own schedule.
func ignoreNetwork(err error) error {
	if err == nil || IsNetworkError(err) {
		return nil
	}
	return err
}
