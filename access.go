package replsim

import "fmt"

// AccessKind distinguishes reads from writes.
type AccessKind int

const (
	ReadAccess AccessKind = iota
	WriteAccess
)

func (k AccessKind) String() string {
	switch k {
	case ReadAccess:
		return "read"
	case WriteAccess:
		return "write"
	default:
		panic("invalid access kind")
	}
}

// Access represents one user visible read or write and acts as the closure
// for its lifecycle: it is created the moment the operation is invoked on a
// replica, travels with forwarded and gossiped writes, and finishes either
// completed (with a version and finish time) or dropped. Completing a
// completed access is a contract violation.
type Access struct {
	kind    AccessKind
	name    string
	owner   *Replica
	version *Version

	started  int64
	finished int64
	dropped  bool

	// Attempts counts retried submissions of the same access.
	attempts int
}

func newAccess(kind AccessKind, name string, owner *Replica) *Access {
	return &Access{
		kind:     kind,
		name:     name,
		owner:    owner,
		started:  owner.sim.clock.Now(),
		finished: -1,
	}
}

// Kind returns whether the access is a read or a write.
func (a *Access) Kind() AccessKind { return a.kind }

// Name returns the name of the object being accessed.
func (a *Access) Name() string { return a.name }

// Owner returns the replica the access originated on.
func (a *Access) Owner() *Replica { return a.owner }

// Version returns the version read or written, nil until assigned.
func (a *Access) Version() *Version { return a.version }

// Attempts returns how many times the access has been submitted.
func (a *Access) Attempts() int { return a.attempts }

// Latency returns the elapsed time between start and finish; it is only
// meaningful once the access is completed or dropped.
func (a *Access) Latency() int64 {
	if a.finished < 0 {
		return 0
	}
	return a.finished - a.started
}

// IsDropped reports whether the access terminated without completing.
func (a *Access) IsDropped() bool {
	return a.dropped
}

// IsCompleted reports whether the access finished with a version.
func (a *Access) IsCompleted() bool {
	return a.version != nil && a.finished >= 0 && !a.dropped
}

// IsLocalTo reports whether the access originated on the given replica.
func (a *Access) IsLocalTo(replica *Replica) bool {
	return a.owner == replica
}

// IsRemoteTo reports whether the access originated elsewhere.
func (a *Access) IsRemoteTo(replica *Replica) bool {
	return a.owner != replica
}

// Update assigns the version read or written, optionally completing the
// access in the same step. Write accesses associate themselves with the
// version so fork detection can see whether the writing access is live.
func (a *Access) Update(version *Version, completed bool) error {
	a.version = version
	if a.kind == WriteAccess && version != nil {
		version.setAccess(a)
	}
	if completed {
		return a.Complete()
	}
	return nil
}

// Complete finishes the access and emits its latency metrics. Completing
// twice, or completing without a version, is an AccessError.
func (a *Access) Complete() error {
	if a.IsCompleted() {
		return &AccessError{Op: "complete", Access: a.String(), Reason: "already completed"}
	}
	if a.dropped {
		return &AccessError{Op: "complete", Access: a.String(), Reason: "access was dropped"}
	}
	if a.version == nil {
		return &AccessError{Op: "complete", Access: a.String(), Reason: "no associated version"}
	}

	sim := a.owner.sim
	a.finished = sim.clock.Now()

	switch a.kind {
	case ReadAccess:
		sim.metrics.Update("read latency",
			a.owner.ID(), a.version.String(), a.started, a.finished)
		if a.version.IsStale() {
			sim.metrics.Update("stale reads", a.owner.ID(), a.finished)
			sim.logger.Infof("stale read of version %s on %s", a.version, a.owner)
		}
	case WriteAccess:
		sim.metrics.Update("write latency",
			a.owner.ID(), a.version.String(), a.started, a.finished)
	}
	return nil
}

// Drop terminates the access without completion. Reads record missed
// reads, writes record dropped writes. Dropping a terminal access is a
// no-op.
func (a *Access) Drop() {
	a.dropEmpty(false)
}

// dropEmpty terminates a read that happened before any write of the object
// existed. Empty reads are a special case of missed reads. Dropping an
// access that already terminated is a no-op, so a losing write regossiped
// across rounds is only counted once.
func (a *Access) dropEmpty(empty bool) {
	if a.dropped || a.IsCompleted() {
		return
	}

	sim := a.owner.sim
	a.dropped = true
	a.finished = sim.clock.Now()

	switch a.kind {
	case ReadAccess:
		if empty {
			sim.metrics.Update("empty reads", a.owner.ID(), a.finished)
			sim.logger.Infof("empty read of object %s on %s", a.name, a.owner)
			return
		}
		sim.metrics.Update("missed read latency",
			a.owner.ID(), a.name, a.started, a.finished)
		sim.metrics.Update("missed reads", a.owner.ID(), a.finished)
		sim.logger.Infof("missed read of object %s on %s", a.name, a.owner)
	case WriteAccess:
		sim.metrics.Update("dropped write latency",
			a.owner.ID(), a.name, a.started, a.finished)
		sim.metrics.Update("dropped writes", a.owner.ID(), a.finished)
		sim.logger.Infof("dropped write of object %s on %s", a.name, a.owner)
	}
}

// log writes a trace record about this access as observed on a replica.
func (a *Access) log(replica *Replica) {
	prefix := ""
	if a.attempts > 1 {
		prefix = "retrying "
	}
	if a.IsRemoteTo(replica) {
		prefix += "remote "
	}

	target := fmt.Sprintf("object %s", a.name)
	if a.version != nil {
		target = fmt.Sprintf("version %s", a.version)
	}

	replica.sim.logger.Infof("%s%s %s on %s", prefix, a.kind, target, replica)
}

func (a *Access) String() string {
	return fmt.Sprintf("%s %s", a.kind, a.name)
}
