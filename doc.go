/*
Package replsim is a discrete-event simulator for replicated storage
consistency protocols. It models a topology of storage replicas connected by
latency-bearing links and drives them through strong (Raft), eventual
(anti-entropy gossip and rumor-mongering), and federated protocols, all on a
single deterministic clock so that an experiment is exactly reproducible
from its random seed.

A simulation is described by a topology: a set of nodes carrying a
consistency tag and timing parameters, and a set of links carrying a latency
model. The topology is usually loaded from JSON.

	topo, err := replsim.ReadTopology(file)
	if err != nil {
	    log.Fatal(err)
	}

	sim, err := replsim.Load(topo, replsim.WithSeed(42))
	if err != nil {
	    log.Fatal(err)
	}

Accesses are issued against individual replicas, typically from a workload
scheduled on the simulation clock.

	replica := sim.Replicas()[0]
	sim.Clock().Schedule(1000, func() error {
	    _, err := replica.Write("alpha")
	    return err
	})

Running the simulation advances the clock until the configured simulation
time is exhausted, delivering messages, firing election and anti-entropy
timers, and completing accesses along the way.

	if err := sim.Run(); err != nil {
	    log.Fatal(err)
	}

Every protocol-significant event is reported to the metrics sink as a tuple
appended to a named series. The default in-memory sink keeps everything for
inspection after the run.

	metrics := sim.Metrics().(*replsim.MemoryMetrics)
	for _, tuple := range metrics.Series("commit latency") {
	    fmt.Println(tuple)
	}

Network outages can be scripted with ApplyOutages or generated with
NewOutages, which partitions the connection graph and drives each group
through alternating online and offline periods.
*/
package replsim
