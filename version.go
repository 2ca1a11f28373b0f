package replsim

import "fmt"

// Namespace issues version and forte numbers for every object name in the
// shared object space. Each name gets its own monotonic counters, so
// version numbers are per-object sequences and staleness is judged against
// the most recent number issued for that object.
type Namespace struct {
	sim      *Simulation
	counters map[string]*counters
}

type counters struct {
	version uint64
	forte   uint64
}

func newNamespace(sim *Simulation) *Namespace {
	return &Namespace{sim: sim, counters: make(map[string]*counters)}
}

func (ns *Namespace) object(name string) *counters {
	c, ok := ns.counters[name]
	if !ok {
		c = &counters{}
		ns.counters[name] = c
	}
	return c
}

// Latest returns the highest version number ever issued for the object.
func (ns *Namespace) Latest(name string) uint64 {
	return ns.object(name).version
}

// Create issues the root version of an object for the given writer.
func (ns *Namespace) Create(name string, writer *Replica) *Version {
	return ns.next(name, writer, nil)
}

func (ns *Namespace) next(name string, writer *Replica, parent *Version) *Version {
	c := ns.object(name)
	c.version++

	v := &Version{
		ns:       ns,
		name:     name,
		writer:   writer,
		parent:   parent,
		version:  c.version,
		replicas: map[string]bool{writer.ID(): true},
		created:  ns.sim.clock.Now(),
		updated:  ns.sim.clock.Now(),
	}
	if parent != nil {
		v.forte = parent.forte
	}
	return v
}

// Version represents one write to a named object. Versions form a tree per
// object: concurrent writes on the same parent create sibling children, and
// a parent with more than one live child is forked. Versions are shared
// across replicas; every mutation is either local to a fresh fork or an
// idempotent set update, so observation from many replicas cannot corrupt
// state.
type Version struct {
	ns       *Namespace
	name     string
	writer   *Replica
	parent   *Version
	children []*Version

	version   uint64
	forte     uint64
	committed bool

	// Replica ids that have observed this version, used for visibility.
	replicas map[string]bool

	created int64
	updated int64

	access *Access
}

// Name returns the name of the object this version belongs to.
func (v *Version) Name() string { return v.name }

// Number returns the per-object version number.
func (v *Version) Number() uint64 { return v.version }

// Forte returns the authority number assigned by strong consensus commits.
func (v *Version) Forte() uint64 { return v.forte }

// Writer returns the replica that created the version.
func (v *Version) Writer() *Replica { return v.writer }

// Parent returns the version this one was derived from, nil for a root.
func (v *Version) Parent() *Version { return v.parent }

// Children returns the versions derived from this one, in creation order.
func (v *Version) Children() []*Version { return v.children }

// Created returns the simulation time at which the version was written.
func (v *Version) Created() int64 { return v.created }

// NextV derives a child version one greater than this one, appending it to
// the children. Writing on top of a non-latest version records a stale
// write, and a second live child records a forked write.
func (v *Version) NextV(replica *Replica) *Version {
	// The staleness check must precede creation: deriving the child makes
	// this version stale by definition.
	if v.IsStale() {
		v.ns.sim.metrics.Update("stale writes",
			v.writer.ID(), v.ns.sim.clock.Now(), v.created, v.ns.Latest(v.name), v.version)
	}

	nv := v.ns.next(v.name, replica, v)
	v.children = append(v.children, nv)

	if v.IsForked() {
		v.ns.sim.metrics.Update("forked writes", v.writer.ID(), v.ns.sim.clock.Now())
	}
	return nv
}

// Fork is an alias for NextV: concurrent forks are just sibling children.
func (v *Version) Fork(replica *Replica) *Version {
	return v.NextV(replica)
}

// Update is called once per replica that observes the version. First time
// observers are added to the replica set and a visibility sample is
// recorded; when the set covers every replica in the simulation the
// visibility latency is recorded. With commit set the version is marked
// committed (once) and the commit latency recorded.
func (v *Version) Update(replica *Replica, commit bool) {
	sim := v.ns.sim
	v.updated = sim.clock.Now()

	if !v.replicas[replica.ID()] {
		v.replicas[replica.ID()] = true

		visibility := float64(len(v.replicas)) / float64(len(sim.replicas))
		sim.metrics.Update("visibility",
			v.writer.ID(), v.String(), visibility, v.created, v.updated)

		if v.IsVisible() {
			sim.metrics.Update("visibility latency",
				v.writer.ID(), v.String(), v.created, v.updated)
		}
	}

	if commit && !v.committed {
		v.committed = true
		sim.metrics.Update("commit latency",
			v.writer.ID(), v.String(), v.created, v.updated)
	}
}

// UpdateForte assigns the next forte number for the object to this version.
// Only the leader of a strong consistency group may rank versions.
func (v *Version) UpdateForte(replica *Replica) error {
	if replica.Consistency() != Strong {
		return &ProtocolError{
			Replica: replica.ID(),
			State:   string(replica.Consistency()),
			RPC:     "forte update",
		}
	}
	c := v.ns.object(v.name)
	c.forte++
	v.forte = c.forte
	return nil
}

// SetForte relabels the version with an externally decided forte number,
// used by the eventual side when strong consensus backpressure arrives.
func (v *Version) SetForte(forte uint64) {
	v.forte = forte
}

// IsCommitted reports whether the version has been durably agreed.
func (v *Version) IsCommitted() bool { return v.committed }

// IsVisible reports whether every replica in the simulation has observed
// the version.
func (v *Version) IsVisible() bool {
	return len(v.replicas) == len(v.ns.sim.replicas)
}

// IsStale reports whether a later version of the object has been issued.
func (v *Version) IsStale() bool {
	return v.version < v.ns.Latest(v.name)
}

// IsForked reports whether the version has two or more children whose
// originating access has not been dropped. Dropping a child access can
// unfork its parent.
func (v *Version) IsForked() bool {
	live := 0
	for _, child := range v.children {
		if !child.Access().IsDropped() {
			live++
		}
	}
	return live > 1
}

// Access returns the write access that created this version, synthesizing
// a completed one for versions created outside an access lifecycle.
func (v *Version) Access() *Access {
	if v.access == nil {
		v.access = &Access{
			kind:     WriteAccess,
			name:     v.name,
			owner:    v.writer,
			version:  v,
			started:  v.created,
			finished: v.updated,
		}
	}
	return v.access
}

func (v *Version) setAccess(access *Access) {
	v.access = access
}

// Compare orders versions by forte number first, then by version number.
// Forte is zero outside federated runs, so the comparison degrades to the
// plain version number order.
func (v *Version) Compare(other *Version) int {
	if other == nil {
		return 1
	}
	if v.forte != other.forte {
		if v.forte < other.forte {
			return -1
		}
		return 1
	}
	if v.version != other.version {
		if v.version < other.version {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether v orders strictly before other.
func (v *Version) Less(other *Version) bool {
	return v.Compare(other) < 0
}

// Equal reports whether two versions have matching version, forte, and
// parent version numbers. This approximates tree path equality closely
// enough to detect convergence.
func (v *Version) Equal(other *Version) bool {
	if other == nil {
		return false
	}
	if v.version != other.version || v.forte != other.forte {
		return false
	}
	if v.parent == nil {
		return other.parent == nil
	}
	if other.parent == nil {
		return false
	}
	return v.parent.version == other.parent.version
}

func (v *Version) String() string {
	mkvers := func(item *Version) string {
		if item.forte > 0 {
			return fmt.Sprintf("%s.%d.%d", item.name, item.version, item.forte)
		}
		return fmt.Sprintf("%s.%d", item.name, item.version)
	}
	if v.parent != nil {
		return fmt.Sprintf("%s->%s", mkvers(v.parent), mkvers(v))
	}
	return fmt.Sprintf("root->%s", mkvers(v))
}
