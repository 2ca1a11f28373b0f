package random

import "math/rand"

// Distribution produces delay and latency samples in simulated milliseconds.
// Every distribution draws from an explicit source so that a simulation run
// is reproducible from its seed.
type Distribution interface {
	Next() int64
}

// Constant is a distribution that always returns the same value.
type Constant int64

func (c Constant) Next() int64 {
	return int64(c)
}

// Uniform samples integers uniformly from the inclusive range [Min, Max].
type Uniform struct {
	Min  int64
	Max  int64
	Rand *rand.Rand
}

func (u Uniform) Next() int64 {
	if u.Max <= u.Min {
		return u.Min
	}
	return u.Min + u.Rand.Int63n(u.Max-u.Min+1)
}

// Normal samples from a gaussian distribution with the given mean and
// standard deviation, rounded to the nearest millisecond.
type Normal struct {
	Mean   float64
	Stddev float64
	Rand   *rand.Rand
}

func (n Normal) Next() int64 {
	return int64(n.Rand.NormFloat64()*n.Stddev + n.Mean + 0.5)
}

// BoundedNormal is a gaussian distribution with a hard floor and ceiling.
// A zero ceiling means unbounded above.
type BoundedNormal struct {
	Normal
	Floor int64
	Ceil  int64
}

func (b BoundedNormal) Next() int64 {
	value := b.Normal.Next()
	if value < b.Floor {
		value = b.Floor
	}
	if b.Ceil > 0 && value > b.Ceil {
		value = b.Ceil
	}
	return value
}

// Bernoulli is a weighted coin toss that is true with probability P.
type Bernoulli struct {
	P    float64
	Rand *rand.Rand
}

func (b Bernoulli) Sample() bool {
	return b.Rand.Float64() < b.P
}
