package panos

import (
	"testing"

	"github.com/fwmon/fwmon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keygenOK = `<response status="success"><result><key>LUFRPT14MW5xOEo1R09KVlBZNnpnemh0VHRBOWl6TGM9bXcwM3JHUGVhRlNiY0dCR0srNERUQT09</key></result></response>`

const systemResourcesXML = `<response status="success"><result><![CDATA[
top - 10:22:33 up 41 days,  3:10,  1 user,  load average: 0.52, 0.48, 0.45
Tasks: 189 total,   1 running, 188 sleeping,   0 stopped,   0 zombie
%Cpu(s):  7.4 us,  3.1 sy,  0.0 ni, 88.9 id,  0.2 wa,  0.0 hi,  0.4 si,  0.0 st
MiB Mem :  16005.4 total,   1041.9 free,   9842.2 used,   5121.3 buff/cache
]]></result></response>`

const resourceMonitorXML = `<response status="success"><result>
<resource-monitor><data-processors><dp0><minute>
<cpu-load-maximum>
<entry><coreid>0</coreid><value>12,15,11,9</value></entry>
<entry><coreid>1</coreid><value>45,40,38,44</value></entry>
<entry><coreid>2</coreid><value>8,7,9,6</value></entry>
</cpu-load-maximum>
<resource-utilization>
<entry><name>session (average)</name><value>3,3,2,3</value></entry>
<entry><name>packet buffer (maximum)</name><value>5,4,6,5</value></entry>
</resource-utilization>
</minute></dp0><dp1><minute>
<cpu-load-maximum>
<entry><coreid>0</coreid><value>30,28,33,29</value></entry>
</cpu-load-maximum>
<resource-utilization>
<entry><name>packet buffer (maximum)</name><value>7,8,6,7</value></entry>
</resource-utilization>
</minute></dp1></data-processors></resource-monitor>
</result></response>`

const fractionalRMXML = `<response status="success"><result>
<resource-monitor><data-processors><dp0><minute>
<cpu-load-maximum>
<entry><coreid>0</coreid><value>0.25,0.30,0.20</value></entry>
<entry><coreid>1</coreid><value>0.5,0.45,0.55</value></entry>
</cpu-load-maximum>
</minute></dp0></data-processors></resource-monitor>
</result></response>`

const sessionInfoXML = `<response status="success"><result>
<num-active>10234</num-active>
<kbps>845120</kbps>
<pps>92150</pps>
</result></response>`

const systemInfoXML = `<response status="success"><result><system>
<hostname>edge-fw1</hostname>
<model>PA-3220</model>
<serial>013101012345</serial>
<sw-version>11.0.3</sw-version>
</system></result></response>`

func TestParseKeygen(t *testing.T) {
	key, err := parseKeygen(keygenOK)
	require.NoError(t, err)
	assert.Contains(t, key, "LUFRPT14")
}

func TestParseKeygenMissingKey(t *testing.T) {
	_, err := parseKeygen(`<response status="error"><result><msg>Invalid credentials</msg></result></response>`)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrAuth))
}

func TestParseKeygenBadXML(t *testing.T) {
	_, err := parseKeygen(`not xml at all`)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrParse))
}

func TestParseMgmtCPU(t *testing.T) {
	cpu, err := ParseMgmtCPU(systemResourcesXML)
	require.NoError(t, err)

	assert.InDelta(t, 7.4, cpu.User, 0.001)
	assert.InDelta(t, 3.1, cpu.System, 0.001)
	assert.InDelta(t, 88.9, cpu.Idle, 0.001)
	assert.InDelta(t, 10.5, cpu.Total(), 0.001)
}

func TestParseMgmtCPUPatternMissing(t *testing.T) {
	_, err := ParseMgmtCPU(`<response status="success"><result>no top output here</result></response>`)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrParse))
}

func TestParseResourceMonitor(t *testing.T) {
	r := ParseResourceMonitor(resourceMonitorXML)

	require.True(t, r.CoreLoadsOK)
	// Newest value (first CSV entry) per core, across both data processors.
	assert.Equal(t, []float64{12, 45, 8, 30}, r.CoreLoads)

	require.True(t, r.PacketBufferOK)
	// Mean of newest packet-buffer values: (5 + 7) / 2
	assert.InDelta(t, 6.0, r.PacketBufferPct, 0.001)
}

func TestParseResourceMonitorFractionalScaling(t *testing.T) {
	r := ParseResourceMonitor(fractionalRMXML)

	require.True(t, r.CoreLoadsOK)
	assert.InDelta(t, 25.0, r.CoreLoads[0], 0.001)
	assert.InDelta(t, 50.0, r.CoreLoads[1], 0.001)
	assert.False(t, r.PacketBufferOK, "no packet buffer section in fixture")
}

func TestParseResourceMonitorIntegerNotScaled(t *testing.T) {
	// Integer 0/1 values are real percentages on an idle box, not fractions.
	xml := `<response status="success"><result><resource-monitor><data-processors><dp0><minute>
<cpu-load-maximum><entry><coreid>0</coreid><value>1,0,1,0</value></entry></cpu-load-maximum>
</minute></dp0></data-processors></resource-monitor></result></response>`

	r := ParseResourceMonitor(xml)
	require.True(t, r.CoreLoadsOK)
	assert.Equal(t, 1.0, r.CoreLoads[0])
}

func TestParseResourceMonitorMalformed(t *testing.T) {
	r := ParseResourceMonitor("garbage")
	assert.False(t, r.CoreLoadsOK)
	assert.False(t, r.PacketBufferOK)
}

func TestParseSessionInfo(t *testing.T) {
	s := ParseSessionInfo(sessionInfoXML)

	require.True(t, s.ThroughputOK)
	assert.InDelta(t, 845.12, s.ThroughputMbps, 0.001)
	require.True(t, s.PPSOK)
	assert.InDelta(t, 92150.0, s.PacketsPerSec, 0.001)
}

func TestParseSessionInfoPartiallyMissing(t *testing.T) {
	s := ParseSessionInfo(`<response status="success"><result><kbps>1000</kbps></result></response>`)

	assert.True(t, s.ThroughputOK)
	assert.InDelta(t, 1.0, s.ThroughputMbps, 0.001)
	assert.False(t, s.PPSOK, "missing pps should degrade only the pps stream")
}

func TestParseSessionInfoNonNumeric(t *testing.T) {
	s := ParseSessionInfo(`<response status="success"><result><kbps>n/a</kbps><pps>77</pps></result></response>`)

	assert.False(t, s.ThroughputOK)
	assert.True(t, s.PPSOK)
	assert.Equal(t, 77.0, s.PacketsPerSec)
}

func TestParseSystemInfo(t *testing.T) {
	id, err := ParseSystemInfo(systemInfoXML)
	require.NoError(t, err)

	assert.Equal(t, "edge-fw1", id.Hostname)
	assert.Equal(t, "PA-3220", id.Model)
	assert.Equal(t, "013101012345", id.Serial)
	assert.Equal(t, "11.0.3", id.SWVersion)
}

func TestParseSystemInfoMissingIdentity(t *testing.T) {
	_, err := ParseSystemInfo(`<response status="success"><result><system></system></result></response>`)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrParse))
}

func TestNumbersFromCSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []float64
	}{
		{"plain integers", "12,15,11", []float64{12, 15, 11}},
		{"decimals", "0.25, 0.5", []float64{0.25, 0.5}},
		{"mixed junk", "10,n/a,20,,30x,40", []float64{10, 20, 40}},
		{"empty", "", nil},
		{"negative rejected", "-5,5", []float64{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, numbersFromCSV(tt.input))
		})
	}
}

func TestAuthExpired(t *testing.T) {
	assert.True(t, authExpired(`<response status="error" code="403"><result><msg>Invalid credentials.</msg></result></response>`))
	assert.True(t, authExpired(`<response status="error"><msg>Invalid Credentials</msg></response>`))
	assert.False(t, authExpired(systemInfoXML))
	assert.False(t, authExpired("not xml"))
}
