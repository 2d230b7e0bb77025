package store

import "time"

// Record is one aggregated measurement row for a target. Pointer fields map
// to nullable columns: a nil field means the corresponding reading was not
// available in that collection window and is stored as SQL NULL, never as a
// fake zero.
type Record struct {
	Target    string
	Timestamp time.Time

	CPUUser   *float64
	CPUSystem *float64
	CPUIdle   *float64
	MgmtCPU   *float64

	DataPlaneCPU     *float64
	DataPlaneCPUMean *float64
	DataPlaneCPUMax  *float64
	DataPlaneCPUP95  *float64

	ThroughputMbps *float64
	ThroughputMax  *float64
	ThroughputMin  *float64
	ThroughputP95  *float64

	PPS    *float64
	PPSMax *float64
	PPSMin *float64
	PPSP95 *float64

	PacketBufferPct *float64

	SampleCount           int
	SuccessRate           float64
	SamplingPeriodSeconds float64
}

// TargetIdentity is the device identity row kept per target.
type TargetIdentity struct {
	Name      string
	Host      string
	Model     string
	Serial    string
	SWVersion string
	UpdatedAt time.Time
}

// Float returns a pointer to v, for building Records from computed values.
func Float(v float64) *float64 { return &v }
