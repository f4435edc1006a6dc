// Package metrics implements the sampling core of sysward: a gopsutil-backed
// sampler, a bounded in-memory history store, and the scheduler loop that
// drives them.
package metrics

import "time"

// Name identifies one tracked metric series.
type Name string

// The fixed metric set. History keeps one series per name.
const (
	CPUPercent Name = "cpu_percent" // utilization percent from counter deltas
	MemUsed    Name = "mem_used"    // bytes
	MemTotal   Name = "mem_total"   // bytes
	DiskUsed   Name = "disk_used"   // bytes, primary mount
	DiskTotal  Name = "disk_total"  // bytes, primary mount
)

// AllNames lists every tracked metric in stable order.
var AllNames = []Name{CPUPercent, MemUsed, MemTotal, DiskUsed, DiskTotal}

// Valid reports whether n is one of the tracked metric names.
func (n Name) Valid() bool {
	switch n {
	case CPUPercent, MemUsed, MemTotal, DiskUsed, DiskTotal:
		return true
	}
	return false
}

// Sample is a single observed value. Immutable once created.
type Sample struct {
	Name      Name      `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Reading is the outcome of one sampler pass: the samples that could be
// gathered plus a per-metric error for the ones that could not. A pass is
// never a failure as a whole; callers decide what to do with the gaps.
type Reading struct {
	TakenAt time.Time
	Samples []Sample
	Missing map[Name]error
}

// add records a gathered value stamped with the pass time.
func (r *Reading) add(name Name, value float64) {
	r.Samples = append(r.Samples, Sample{Name: name, Value: value, Timestamp: r.TakenAt})
}

// miss records that a metric could not be read this pass.
func (r *Reading) miss(name Name, err error) {
	r.Missing[name] = err
}
