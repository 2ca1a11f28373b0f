package replsim

// Metrics is the sink for every protocol significant event: messages sent,
// received, and dropped, accesses completed and dropped, versions committed
// and made visible, stale writes, and forks. The simulation core never
// formats or aggregates these itself; the results collaborator owns
// presentation.
type Metrics interface {
	// Update appends a tuple of values to the named series.
	Update(series string, values ...any)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) Update(string, ...any) {}

// MemoryMetrics collects measurements in memory. It is the default sink and
// what the results tooling and tests read from after a run.
type MemoryMetrics struct {
	series map[string][][]any

	// Totals of sent and received messages keyed by RPC kind.
	Sent map[string]int
	Recv map[string]int
}

// NewMemoryMetrics creates an empty in-memory metrics sink.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		series: make(map[string][][]any),
		Sent:   make(map[string]int),
		Recv:   make(map[string]int),
	}
}

// Update appends a tuple of values to the named series. Sent and received
// message tuples additionally feed the per-kind totals.
func (m *MemoryMetrics) Update(series string, values ...any) {
	m.series[series] = append(m.series[series], values)

	if series == "sent" || series == "recv" {
		// The tuple shape is (replica, time, kind, ...).
		if len(values) >= 3 {
			if kind, ok := values[2].(string); ok {
				if series == "sent" {
					m.Sent[kind]++
				} else {
					m.Recv[kind]++
				}
			}
		}
	}
}

// Series returns all tuples recorded for the named series.
func (m *MemoryMetrics) Series(series string) [][]any {
	return m.series[series]
}

// Count returns the number of tuples recorded for the named series.
func (m *MemoryMetrics) Count(series string) int {
	return len(m.series[series])
}
