package replsim

import (
	"golang.org/x/exp/slices"

	"github.com/pkg/errors"
)

// LogEntry pairs a version with the term it was written under. The entry at
// index 0 of every log is the null sentinel.
type LogEntry struct {
	Version *Version
	Term    uint64
}

// NullEntry is the sentinel entry occupying index 0 of every write log.
var NullEntry = LogEntry{}

// WriteLog is an append-only, truncatable sequence of (version, term)
// entries. It maintains the invariants lastApplied == len-1 and
// commitIndex <= lastApplied; entries at or before commitIndex are never
// truncated.
type WriteLog struct {
	entries     []LogEntry
	lastApplied int
	commitIndex int
}

// NewWriteLog creates a log holding only the null sentinel.
func NewWriteLog() *WriteLog {
	return &WriteLog{entries: []LogEntry{NullEntry}}
}

// Append pushes an entry onto the log and advances lastApplied.
func (l *WriteLog) Append(version *Version, term uint64) {
	l.entries = append(l.entries, LogEntry{Version: version, Term: term})
	l.lastApplied++
}

// Truncate discards all entries with index greater than after. Truncating
// below the commit index is a contract violation.
func (l *WriteLog) Truncate(after int) error {
	if after < l.commitIndex {
		return errors.Errorf(
			"cannot truncate log to %d below commit index %d", after, l.commitIndex)
	}
	if after >= l.lastApplied {
		return nil
	}
	l.entries = l.entries[:after+1]
	l.lastApplied = len(l.entries) - 1
	return nil
}

// Get returns the entry at the given index.
func (l *WriteLog) Get(index int) LogEntry {
	return l.entries[index]
}

// Len returns the number of entries including the null sentinel.
func (l *WriteLog) Len() int {
	return len(l.entries)
}

// LastApplied returns the index of the highest valid entry.
func (l *WriteLog) LastApplied() int {
	return l.lastApplied
}

// CommitIndex returns the index of the highest committed entry.
func (l *WriteLog) CommitIndex() int {
	return l.commitIndex
}

// SetCommitIndex advances the commit index. The commit index never exceeds
// lastApplied and never moves backward.
func (l *WriteLog) SetCommitIndex(index int) {
	if index > l.lastApplied {
		index = l.lastApplied
	}
	if index > l.commitIndex {
		l.commitIndex = index
	}
}

// LastTerm returns the term of the last applied entry.
func (l *WriteLog) LastTerm() uint64 {
	return l.entries[l.lastApplied].Term
}

// LastVersion returns the version of the last applied entry.
func (l *WriteLog) LastVersion() *Version {
	return l.entries[l.lastApplied].Version
}

// LastCommit returns the version of the last committed entry.
func (l *WriteLog) LastCommit() *Version {
	return l.entries[l.commitIndex].Version
}

// AsUpToDate reports whether a log described by its last term and last
// applied index is at least as up to date as this one, comparing terms
// first and then indices. This comparison gates RequestVote responses.
func (l *WriteLog) AsUpToDate(lastTerm uint64, lastApplied int) bool {
	if l.LastTerm() == lastTerm {
		return lastApplied >= l.lastApplied
	}
	return lastTerm > l.LastTerm()
}

// Compare orders two logs by how up to date they are: term first, then
// index. It returns -1, 0, or 1.
func (l *WriteLog) Compare(other *WriteLog) int {
	if l.LastTerm() == other.LastTerm() {
		switch {
		case l.lastApplied < other.lastApplied:
			return -1
		case l.lastApplied > other.lastApplied:
			return 1
		default:
			return 0
		}
	}
	if l.LastTerm() < other.LastTerm() {
		return -1
	}
	return 1
}

// MultiObjectWriteLog stores the entire object namespace in a single log
// and tracks the set of distinct names it has ever stored, supporting
// latest version and latest commit queries by reverse scan.
type MultiObjectWriteLog struct {
	WriteLog
	names map[string]bool
}

// NewMultiObjectWriteLog creates an empty multi-object log.
func NewMultiObjectWriteLog() *MultiObjectWriteLog {
	return &MultiObjectWriteLog{
		WriteLog: WriteLog{entries: []LogEntry{NullEntry}},
		names:    make(map[string]bool),
	}
}

// Append pushes an entry and records its object name in the namespace set.
func (l *MultiObjectWriteLog) Append(version *Version, term uint64) {
	l.WriteLog.Append(version, term)
	if version != nil {
		l.names[version.Name()] = true
	}
}

// Names returns the sorted set of object names the log has ever stored.
func (l *MultiObjectWriteLog) Names() []string {
	names := make([]string, 0, len(l.names))
	for name := range l.names {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Search scans backward from the given index for the most recent entry
// whose version matches the name, returning the null sentinel when the
// search comes up empty.
func (l *MultiObjectWriteLog) Search(name string, from int) LogEntry {
	for idx := from; idx > 0; idx-- {
		entry := l.entries[idx]
		if entry.Version != nil && entry.Version.Name() == name {
			return entry
		}
	}
	return l.entries[0]
}

// GetLatestVersion returns the most recent version of the named object in
// the log, nil if the log has never stored it.
func (l *MultiObjectWriteLog) GetLatestVersion(name string) *Version {
	return l.Search(name, l.lastApplied).Version
}

// GetLatestCommit returns the most recent committed version of the named
// object, nil if nothing has been committed for it.
func (l *MultiObjectWriteLog) GetLatestCommit(name string) *Version {
	return l.Search(name, l.commitIndex).Version
}

// Contains reports whether the exact version object is stored in the log.
func (l *MultiObjectWriteLog) Contains(version *Version) bool {
	for idx := l.lastApplied; idx > 0; idx-- {
		if l.entries[idx].Version == version {
			return true
		}
	}
	return false
}
