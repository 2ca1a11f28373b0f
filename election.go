package replsim

// Election is a transient per-term ballot box mapping voter id to a yes, no,
// or not-yet-cast vote. The quorum includes the candidate itself.
type Election struct {
	ballots map[string]*bool
}

// NewElection creates a ballot box with a none vote for every quorum
// member.
func NewElection(quorum []string) *Election {
	e := &Election{ballots: make(map[string]*bool, len(quorum))}
	for _, voter := range quorum {
		e.ballots[voter] = nil
	}
	return e
}

// Majority returns the number of votes required to win: floor(n/2) + 1 for
// a quorum of size n.
func (e *Election) Majority() int {
	return len(e.ballots)/2 + 1
}

// Vote registers a ballot for the given voter.
func (e *Election) Vote(voter string, granted bool) {
	vote := granted
	e.ballots[voter] = &vote
}

// HasQuorum reports whether a majority of ballots have been cast either
// way.
func (e *Election) HasQuorum() bool {
	cast := 0
	for _, vote := range e.ballots {
		if vote != nil {
			cast++
		}
	}
	return cast >= e.Majority()
}

// HasPassed reports whether the affirmative votes form a majority.
func (e *Election) HasPassed() bool {
	yeas := 0
	for _, vote := range e.ballots {
		if vote != nil && *vote {
			yeas++
		}
	}
	return yeas >= e.Majority()
}

// HasFailed reports whether the negative votes form a majority.
func (e *Election) HasFailed() bool {
	nays := 0
	for _, vote := range e.ballots {
		if vote != nil && !*vote {
			nays++
		}
	}
	return nays >= e.Majority()
}
