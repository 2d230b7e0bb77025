package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fwmon/fwmon/internal/config"
	"github.com/fwmon/fwmon/internal/store"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal view of all targets",
	Long: `Watch the newest record for every target, refreshed continuously from
the database. Run alongside 'fwmon run' on the same database file.

Press q to quit.

Examples:
  fwmon monitor
  fwmon monitor --interval 5s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return monitorCommand()
	},
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(monitorCmd)
}

func monitorCommand() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path, cfg.Database.PoolSize, newLogger("[monitor]"))
	if err != nil {
		return err
	}
	defer st.Close()

	m := newMonitorModel(cfg, store.NewCache(st, cfg.Database.CacheTTL))
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type refreshMsg struct {
	latest map[string]store.Record
	err    error
}

type monitorModel struct {
	cfg     *config.Config
	store   store.Querier
	targets []string

	tbl       table.Model
	spin      spinner.Model
	latest    map[string]store.Record
	lastErr   error
	refreshed time.Time
	quitting  bool
}

var (
	monitorTitleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	monitorErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Padding(0, 1)
	monitorDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
)

func newMonitorModel(cfg *config.Config, st store.Querier) monitorModel {
	var targets []string
	for name := range cfg.Targets {
		targets = append(targets, name)
	}

	columns := []table.Column{
		{Title: "TARGET", Width: 12},
		{Title: "AGE", Width: 6},
		{Title: "MGMT CPU", Width: 9},
		{Title: "DP CPU", Width: 8},
		{Title: "DP P95", Width: 8},
		{Title: "PBUF", Width: 6},
		{Title: "THROUGHPUT", Width: 12},
		{Title: "PPS", Width: 10},
		{Title: "OK%", Width: 5},
	}
	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(len(targets)+1),
	)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return monitorModel{
		cfg:     cfg,
		store:   st,
		targets: targets,
		tbl:     tbl,
		spin:    sp,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.refresh())
}

func (m monitorModel) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		latest, err := m.store.LatestPerTarget(ctx, m.targets)
		return refreshMsg{latest: latest, err: err}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case refreshMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.latest = msg.latest
			m.refreshed = time.Now()
		}
		m.tbl.SetRows(m.rows())
		return m, tea.Tick(monitorInterval, func(time.Time) tea.Msg { return refreshTick{} })
	case refreshTick:
		return m, m.refresh()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

type refreshTick struct{}

func (m monitorModel) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.targets))
	sorted := append([]string(nil), m.targets...)
	sort.Strings(sorted)
	for _, name := range sorted {
		rec, ok := m.latest[name]
		if !ok {
			rows = append(rows, table.Row{name, "-", "-", "-", "-", "-", "-", "-", "-"})
			continue
		}
		rows = append(rows, table.Row{
			name,
			shortAge(time.Since(rec.Timestamp)),
			pct(rec.MgmtCPU),
			pct(rec.DataPlaneCPUMean),
			pct(rec.DataPlaneCPUP95),
			pct(rec.PacketBufferPct),
			mbps(rec.ThroughputMbps),
			kilo(rec.PPS),
			fmt.Sprintf("%.0f", rec.SuccessRate*100),
		})
	}
	return rows
}

func (m monitorModel) View() string {
	if m.quitting {
		return ""
	}

	s := monitorTitleStyle.Render("fwmon "+m.spin.View()) + "\n"
	s += m.tbl.View() + "\n"
	if m.lastErr != nil {
		s += monitorErrStyle.Render("query failed: "+firstLine(m.lastErr.Error())) + "\n"
	}
	if !m.refreshed.IsZero() {
		s += monitorDimStyle.Render("updated "+m.refreshed.Format("15:04:05")+"  q to quit") + "\n"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func shortAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func kilo(v *float64) string {
	if v == nil {
		return "-"
	}
	if *v >= 1000 {
		return fmt.Sprintf("%.1fk", *v/1000)
	}
	return fmt.Sprintf("%.0f", *v)
}
