package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fwmon/fwmon/internal/config"
	"github.com/fwmon/fwmon/internal/store"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-target status from the database",
	Long: `Display the newest record for every configured target along with the
device identity recorded for it.

A target is shown as stale when its newest record is older than twice the
poll interval, and as missing when it has no records at all.

Examples:
  fwmon status
  fwmon status --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusCommand()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
	rootCmd.AddCommand(statusCmd)
}

// TargetStatus is one row of status output.
type TargetStatus struct {
	Name           string   `json:"name"`
	Host           string   `json:"host"`
	Model          string   `json:"model,omitempty"`
	SWVersion      string   `json:"sw_version,omitempty"`
	Freshness      string   `json:"freshness"` // "fresh", "stale", "missing"
	LastRecord     string   `json:"last_record,omitempty"`
	MgmtCPU        *float64 `json:"mgmt_cpu,omitempty"`
	DataPlaneCPU   *float64 `json:"data_plane_cpu,omitempty"`
	ThroughputMbps *float64 `json:"throughput_mbps,omitempty"`
	SuccessRate    float64  `json:"success_rate"`
}

// StatusOutput is the JSON shape of the status command.
type StatusOutput struct {
	Database string         `json:"database"`
	Targets  []TargetStatus `json:"targets"`
}

func statusCommand() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path, cfg.Database.PoolSize, newLogger("[status]"))
	if err != nil {
		return err
	}
	defer st.Close()

	out, err := gatherStatus(context.Background(), cfg, store.NewCache(st, cfg.Database.CacheTTL))
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printStatusTable(out)
	return nil
}

func gatherStatus(ctx context.Context, cfg *config.Config, st store.Querier) (*StatusOutput, error) {
	names := make([]string, 0, len(cfg.Targets))
	for name := range cfg.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	latest, err := st.LatestPerTarget(ctx, names)
	if err != nil {
		return nil, err
	}

	identities := make(map[string]store.TargetIdentity)
	ids, err := st.Identities(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		identities[id.Name] = id
	}

	out := &StatusOutput{Database: cfg.Database.Path}
	now := time.Now()
	for _, name := range names {
		t := cfg.Targets[name]
		ts := TargetStatus{Name: name, Host: t.Host, Freshness: "missing"}

		if id, ok := identities[name]; ok {
			ts.Model = id.Model
			ts.SWVersion = id.SWVersion
		}

		if rec, ok := latest[name]; ok {
			poll := t.PollInterval
			if poll <= 0 {
				poll = config.DefaultPollInterval
			}
			ts.Freshness = "fresh"
			if now.Sub(rec.Timestamp) > 2*poll {
				ts.Freshness = "stale"
			}
			ts.LastRecord = rec.Timestamp.Local().Format(time.RFC3339)
			ts.MgmtCPU = rec.MgmtCPU
			ts.DataPlaneCPU = rec.DataPlaneCPUMean
			ts.ThroughputMbps = rec.ThroughputMbps
			ts.SuccessRate = rec.SuccessRate
		}
		out.Targets = append(out.Targets, ts)
	}
	return out, nil
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	freshStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	staleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	missingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func printStatusTable(out *StatusOutput) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-12s %-16s %-10s %-9s %9s %9s %11s %6s",
		"TARGET", "HOST", "MODEL", "STATE", "MGMT CPU", "DP CPU", "THROUGHPUT", "OK%")))

	for _, t := range out.Targets {
		var state string
		switch t.Freshness {
		case "fresh":
			state = freshStyle.Render("fresh")
		case "stale":
			state = staleStyle.Render("stale")
		default:
			state = missingStyle.Render("missing")
		}

		fmt.Printf("%-12s %-16s %-10s %-9s %9s %9s %11s %6s\n",
			t.Name, t.Host, orDash(t.Model), state,
			pct(t.MgmtCPU), pct(t.DataPlaneCPU), mbps(t.ThroughputMbps),
			fmt.Sprintf("%.0f", t.SuccessRate*100))
	}
	fmt.Println(dimStyle.Render("database: " + out.Database))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func mbps(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f Mbps", *v)
}
