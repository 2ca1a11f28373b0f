package replsim

import "fmt"

// RPC is the tagged union of protocol message kinds carried by the network.
// Each replica protocol dispatches on the concrete type with an exhaustive
// switch; an unhandled kind is a ProtocolError that aborts the run.
type RPC interface {
	// Kind returns the message kind name used by the metrics message
	// counters and the trace log.
	Kind() string
}

// Message is the delivery envelope for an RPC between two replicas,
// carrying the latency sampled for this transmission.
type Message struct {
	Source *Replica
	Target *Replica
	Delay  int64
	RPC    RPC
}

func (m Message) String() string {
	return fmt.Sprintf("%s from %s to %s", m.RPC.Kind(), m.Source, m.Target)
}

// VoteRequest solicits an election vote from a quorum member.
type VoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex int
	LastLogTerm  uint64
}

func (*VoteRequest) Kind() string { return "VoteRequest" }

// VoteResponse is the ballot returned for a VoteRequest.
type VoteResponse struct {
	Term    uint64
	Granted bool
}

func (*VoteResponse) Kind() string { return "VoteResponse" }

// AppendEntries replicates log entries from the leader; with no entries it
// is a heartbeat.
type AppendEntries struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex int
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit int
}

func (*AppendEntries) Kind() string { return "AppendEntries" }

// AppendEntriesResponse acknowledges an AppendEntries. LastIndex is the
// index of the last entry the follower holds after the append, used by the
// leader to advance nextIndex and matchIndex even when acknowledgements
// arrive out of order.
type AppendEntriesResponse struct {
	Term      uint64
	Success   bool
	LastIndex int
}

func (*AppendEntriesResponse) Kind() string { return "AppendEntriesResponse" }

// RemoteWrite forwards a write access from a follower to the leader.
type RemoteWrite struct {
	Term   uint64
	Access *Access
}

func (*RemoteWrite) Kind() string { return "RemoteWrite" }

// RemoteWriteResponse reports whether the leader admitted a forwarded
// write to its log.
type RemoteWriteResponse struct {
	Term    uint64
	Success bool
	Access  *Access
}

func (*RemoteWriteResponse) Kind() string { return "RemoteWriteResponse" }

// Gossip carries the latest local version of every known object during a
// periodic anti-entropy exchange.
type Gossip struct {
	Entries []*Access
}

func (*Gossip) Kind() string { return "Gossip" }

// GossipResponse returns the versions the receiver holds that are newer
// than what the sender gossiped. Success reports whether any updates are
// included.
type GossipResponse struct {
	Entries []*Access
	Success bool
}

func (*GossipResponse) Kind() string { return "GossipResponse" }

// Rumor pushes a single write to a neighbor at the moment it happens.
type Rumor struct {
	Access *Access
}

func (*Rumor) Kind() string { return "Rumor" }

// RumorResponse replies to a rumor with the receiver's newer version when
// the rumored write was behind.
type RumorResponse struct {
	Access  *Access
	Success bool
}

func (*RumorResponse) Kind() string { return "RumorResponse" }
