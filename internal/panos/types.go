package panos

// MgmtCPU is the management-plane CPU breakdown parsed from the
// "show system resources" top output.
type MgmtCPU struct {
	User   float64
	System float64
	Idle   float64
}

// Total returns the busy share of the management CPU.
func (m MgmtCPU) Total() float64 {
	return m.User + m.System
}

// ResourceReadings holds the structural readings parsed from one
// "show running resource-monitor minute" response. Each section carries
// its own OK flag: a missing sub-metric degrades only that stream.
type ResourceReadings struct {
	// CoreLoads is the newest data-plane CPU load per core, in percent.
	CoreLoads   []float64
	CoreLoadsOK bool

	// PacketBufferPct is the mean of the newest "packet buffer (maximum)"
	// utilization values across data processors.
	PacketBufferPct float64
	PacketBufferOK  bool
}

// SessionReading holds one fast-cadence sample from "show session info".
type SessionReading struct {
	ThroughputMbps float64
	ThroughputOK   bool

	PacketsPerSec float64
	PPSOK         bool
}

// Identity is the hardware/version metadata from "show system info".
// One row per target; re-detected after upgrades.
type Identity struct {
	Hostname  string
	Model     string
	Serial    string
	SWVersion string
}

// Operational commands issued against the management API.
const (
	cmdSystemResources = "<show><system><resources/></system></show>"
	cmdResourceMonitor = "<show><running><resource-monitor><minute></minute></resource-monitor></running></show>"
	cmdSessionInfo     = "<show><session><info/></session></show>"
	cmdSystemInfo      = "<show><system><info/></system></show>"
)
