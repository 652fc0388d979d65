package proc

import "stats"

// SchedStats_t counts scheduler and fault activity, mirroring the role
// the teacher's per-subsystem counter structs play alongside
// stats.Counter_t/stats.Cycles_t — dumped through the same
// stats.Stats2String format.
type SchedStats_t struct {
	Dispatches stats.Counter_t
	Forks      stats.Counter_t
	Exits      stats.Counter_t
	Faults     stats.Counter_t
	FaultFails stats.Counter_t
	Runtime    stats.Cycles_t
}

/// StatsString renders the table's accumulated scheduler statistics.
func (t *Table_t) StatsString() string {
	return stats.Stats2String(t.stats)
}
