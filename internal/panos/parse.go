package panos

import (
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"

	"github.com/fwmon/fwmon/internal/errors"
)

// keygenResponse is the /api/?type=keygen reply.
type keygenResponse struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status,attr"`
	Result  struct {
		Key string `xml:"key"`
	} `xml:"result"`
}

func parseKeygen(body string) (string, error) {
	var resp keygenResponse
	if err := xml.Unmarshal([]byte(body), &resp); err != nil {
		return "", errors.Wrap(err, errors.ErrParse, "Keygen response is not valid XML")
	}
	if resp.Result.Key == "" {
		return "", errors.New(errors.ErrAuth,
			"Key not found in keygen response",
			"Verify the username and password for this target")
	}
	return resp.Result.Key, nil
}

// topCPURe matches the %Cpu(s) line of the top output embedded in the
// "show system resources" result.
var topCPURe = regexp.MustCompile(`(?i)%?Cpu\(s\)[^0-9]*([0-9.]+)\s*us[, ]+\s*([0-9.]+)\s*sy[, ]+.*?([0-9.]+)\s*id`)

// textResult captures the raw character data of a <result> element.
type textResult struct {
	XMLName xml.Name `xml:"response"`
	Result  string   `xml:"result"`
}

// ParseMgmtCPU extracts the management CPU breakdown from the top output.
func ParseMgmtCPU(body string) (MgmtCPU, error) {
	var resp textResult
	if err := xml.Unmarshal([]byte(body), &resp); err != nil {
		return MgmtCPU{}, errors.Wrap(err, errors.ErrParse, "System resources response is not valid XML")
	}

	text := strings.NewReplacer("\r", "", "\n", " ").Replace(resp.Result)
	m := topCPURe.FindStringSubmatch(text)
	if m == nil {
		return MgmtCPU{}, errors.New(errors.ErrParse,
			"CPU line not found in system resources output", "")
	}

	user, _ := strconv.ParseFloat(m[1], 64)
	system, _ := strconv.ParseFloat(m[2], 64)
	idle, _ := strconv.ParseFloat(m[3], 64)
	return MgmtCPU{User: user, System: system, Idle: idle}, nil
}

// resource-monitor response shape. Data processor element names vary
// (dp0, dp1, ...) so they are collected with xml:",any".
type rmResponse struct {
	XMLName xml.Name `xml:"response"`
	Result  struct {
		ResourceMonitor struct {
			DataProcessors struct {
				DPs []rmDataProcessor `xml:",any"`
			} `xml:"data-processors"`
		} `xml:"resource-monitor"`
	} `xml:"result"`
}

type rmDataProcessor struct {
	Minute struct {
		CPULoadMaximum struct {
			Entries []struct {
				CoreID string `xml:"coreid"`
				Value  string `xml:"value"`
			} `xml:"entry"`
		} `xml:"cpu-load-maximum"`
		ResourceUtilization struct {
			Entries []struct {
				Name  string `xml:"name"`
				Value string `xml:"value"`
			} `xml:"entry"`
		} `xml:"resource-utilization"`
	} `xml:"minute"`
}

// ParseResourceMonitor extracts per-core data-plane CPU loads and packet
// buffer utilization. A missing section yields OK=false for that stream
// rather than failing the whole call.
func ParseResourceMonitor(body string) ResourceReadings {
	var out ResourceReadings

	var resp rmResponse
	if err := xml.Unmarshal([]byte(body), &resp); err != nil {
		return out
	}

	var pbufVals []float64
	for _, dp := range resp.Result.ResourceMonitor.DataProcessors.DPs {
		for _, e := range dp.Minute.CPULoadMaximum.Entries {
			arr := numbersFromCSV(e.Value)
			if len(arr) == 0 {
				continue
			}
			// Values are newest first; some firmware reports fractions
			// (0.0-1.0) instead of percentages.
			newest := arr[0]
			if isFractional(arr) {
				newest *= 100.0
			}
			out.CoreLoads = append(out.CoreLoads, newest)
		}

		for _, e := range dp.Minute.ResourceUtilization.Entries {
			if !strings.Contains(strings.ToLower(e.Name), "packet buffer (maximum)") {
				continue
			}
			if arr := numbersFromCSV(e.Value); len(arr) > 0 {
				pbufVals = append(pbufVals, arr[0])
			}
		}
	}

	out.CoreLoadsOK = len(out.CoreLoads) > 0

	if len(pbufVals) > 0 {
		var sum float64
		for _, v := range pbufVals {
			sum += v
		}
		out.PacketBufferPct = sum / float64(len(pbufVals))
		out.PacketBufferOK = true
	}

	return out
}

// sessionResponse is the "show session info" reply; only the rate fields
// are of interest.
type sessionResponse struct {
	XMLName xml.Name `xml:"response"`
	Result  struct {
		Kbps *string `xml:"kbps"`
		PPS  *string `xml:"pps"`
	} `xml:"result"`
}

// ParseSessionInfo extracts throughput and packet rate. Absent fields mark
// their stream as failed without rejecting the response.
func ParseSessionInfo(body string) SessionReading {
	var out SessionReading

	var resp sessionResponse
	if err := xml.Unmarshal([]byte(body), &resp); err != nil {
		return out
	}

	if resp.Result.Kbps != nil {
		if kbps, err := strconv.ParseFloat(strings.TrimSpace(*resp.Result.Kbps), 64); err == nil {
			out.ThroughputMbps = kbps / 1000.0
			out.ThroughputOK = true
		}
	}

	if resp.Result.PPS != nil {
		if pps, err := strconv.ParseFloat(strings.TrimSpace(*resp.Result.PPS), 64); err == nil {
			out.PacketsPerSec = pps
			out.PPSOK = true
		}
	}

	return out
}

// systemInfoResponse is the "show system info" reply.
type systemInfoResponse struct {
	XMLName xml.Name `xml:"response"`
	Result  struct {
		System struct {
			Hostname  string `xml:"hostname"`
			Model     string `xml:"model"`
			Serial    string `xml:"serial"`
			SWVersion string `xml:"sw-version"`
		} `xml:"system"`
	} `xml:"result"`
}

// ParseSystemInfo extracts hardware identity metadata.
func ParseSystemInfo(body string) (Identity, error) {
	var resp systemInfoResponse
	if err := xml.Unmarshal([]byte(body), &resp); err != nil {
		return Identity{}, errors.Wrap(err, errors.ErrParse, "System info response is not valid XML")
	}

	sys := resp.Result.System
	if sys.Serial == "" && sys.Model == "" {
		return Identity{}, errors.New(errors.ErrParse,
			"System info response missing identity fields", "")
	}

	return Identity{
		Hostname:  sys.Hostname,
		Model:     sys.Model,
		Serial:    sys.Serial,
		SWVersion: sys.SWVersion,
	}, nil
}

var csvNumberRe = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+)?$`)

// numbersFromCSV extracts numeric tokens from comma-separated text,
// skipping anything non-numeric.
func numbersFromCSV(text string) []float64 {
	var nums []float64
	for _, tok := range strings.Split(text, ",") {
		tok = strings.TrimSpace(tok)
		if !csvNumberRe.MatchString(tok) {
			continue
		}
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			nums = append(nums, v)
		}
	}
	return nums
}

// isFractional reports whether a core-load series looks like 0.0-1.0
// fractions: all values at most 1.0 with at least one true decimal.
func isFractional(vals []float64) bool {
	hasDecimal := false
	for _, v := range vals {
		if v > 1.0 {
			return false
		}
		if v > 0 && v != float64(int64(v)) {
			hasDecimal = true
		}
	}
	return hasDecimal
}
