package commands

import (
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/batchwatch/pulse/schedule"
	"github.com/teranos/batchwatch/sym"
)

// PurgeCmd deletes finished jobs older than the retention window
var PurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: sym.DB + " Delete finished jobs past retention",
	Long: sym.DB + ` Delete completed, completed_with_failures and failed jobs whose completion
is older than --days, together with their batches and log entries.
Active and paused jobs are never purged.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		days := rt.Config.Engine.RetentionDays
		if cmd.Flags().Changed("days") {
			days, _ = cmd.Flags().GetInt("days")
		}

		n, err := rt.Scheduler.PurgeOlderThan(cmd.Context(), days)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Purged %d finished job(s) older than %d day(s)\n", n, days)
		return nil
	},
}

// StatsCmd shows stored counts
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: sym.DB + " Show job, secret and log counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.Stats(cmd.Context())
		if err != nil {
			return err
		}

		statuses := make([]string, 0, len(stats.JobsByStatus))
		for s := range stats.JobsByStatus {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)

		data := pterm.TableData{{"STATUS", "JOBS"}}
		for _, s := range statuses {
			data = append(data, []string{s, strconv.Itoa(stats.JobsByStatus[schedule.JobStatus(s)])})
		}
		data = append(data, []string{"total", strconv.Itoa(stats.TotalJobs)})
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}

		pterm.Println()
		pterm.Printf("Secrets:     %d\n", stats.Secrets)
		pterm.Printf("Log entries: %d\n", stats.Logs)
		pterm.Printf("Database:    %s (schema %s)\n", rt.Config.GetDatabasePath(), stats.SchemaVersion)
		if stats.SchemaVersion != stats.LatestSchema {
			pterm.Warning.Printf("Schema %s is behind this binary (%s)\n", stats.SchemaVersion, stats.LatestSchema)
		}
		pterm.Printf("Uptime:      %s\n", stats.Uptime.Round(time.Millisecond))
		return nil
	},
}

func init() {
	PurgeCmd.Flags().Int("days", 30, "Retention in days (default: engine.retention_days)")
}
