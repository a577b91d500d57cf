package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/internal/app"
	"github.com/teranos/batchwatch/pulse/schedule"
)

// JobCmd groups job management commands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create and manage jobs",
	Long: `Create and manage jobs.

A job watches up to ten batches and triggers one downstream job when all of them
have finished. Secrets may be referenced by id or by name.

Example:
  batchwatch job add --name nightly \
    --batch batch_abc --batch batch_def \
    --status-secret openai-prod --trigger-secret kbc-prod \
    --stack-url https://connection.keboola.com \
    --component keboola.ex-openai-results --config-id 12345`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		name, _ := flags.GetString("name")
		batches, _ := flags.GetStringSlice("batch")
		interval, _ := flags.GetInt("interval")
		statusSecret, _ := flags.GetString("status-secret")
		triggerSecret, _ := flags.GetString("trigger-secret")
		stackURL, _ := flags.GetString("stack-url")
		component, _ := flags.GetString("component")
		configID, _ := flags.GetString("config-id")

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		job, err := rt.CreateJob(cmd.Context(), app.JobInput{
			Name:                name,
			BatchIDs:            batches,
			PollIntervalSeconds: interval,
			StatusSecret:        statusSecret,
			TriggerSecret:       triggerSecret,
			Trigger: schedule.Trigger{
				StackURL:        stackURL,
				ComponentID:     component,
				ConfigurationID: configID,
			},
		})
		if err != nil {
			return err
		}

		pterm.Success.Printf("Job created: %s\n", job.ID)
		pterm.Printf("  Batches: %d, checked every %ds\n", len(job.Batches), job.PollIntervalSeconds)
		return nil
	},
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := schedule.JobFilter{Limit: limit}
		for _, s := range statuses {
			st := schedule.JobStatus(s)
			if !st.Valid() {
				return errors.NewValidationError("unknown job status %q", s)
			}
			filter.Statuses = append(filter.Statuses, st)
		}

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		jobs, err := rt.Scheduler.Store().ListJobs(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs found")
			return nil
		}

		data := pterm.TableData{{"ID", "NAME", "STATUS", "INTERVAL", "LAST CHECK", "NEXT CHECK", "CREATED"}}
		for _, job := range jobs {
			data = append(data, []string{
				job.ID,
				job.Name,
				string(job.Status),
				strconv.Itoa(job.PollIntervalSeconds) + "s",
				formatTime(job.LastCheckAt),
				formatTime(job.NextCheckAt),
				formatTime(&job.CreatedAt),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		pterm.Printf("\nTotal: %d job(s)\n", len(jobs))
		return nil
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its batches and recent log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logLimit, _ := cmd.Flags().GetInt("logs")

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		return showJob(cmd.Context(), rt, args[0], logLimit)
	},
}

func showJob(ctx context.Context, rt *app.Runtime, id string, logLimit int) error {
	store := rt.Scheduler.Store()
	job, err := store.GetJobWithBatches(ctx, id)
	if err != nil {
		return err
	}

	summary := job.Summary()
	pterm.DefaultSection.Println(job.Name)
	pterm.Printf("ID:        %s\n", job.ID)
	pterm.Printf("Status:    %s\n", job.Status)
	pterm.Printf("Interval:  %ds\n", job.PollIntervalSeconds)
	pterm.Printf("Trigger:   %s / %s on %s\n", job.Trigger.ComponentID, job.Trigger.ConfigurationID, job.Trigger.StackURL)
	pterm.Printf("Created:   %s\n", formatTime(&job.CreatedAt))
	pterm.Printf("Last check: %s\n", formatTime(job.LastCheckAt))
	pterm.Printf("Next check: %s\n", formatTime(job.NextCheckAt))
	if job.CompletedAt != nil {
		pterm.Printf("Completed: %s\n", formatTime(job.CompletedAt))
	}
	pterm.Printf("Batches:   %d total, %d completed, %d failed, %d in progress\n",
		summary.Total, summary.Completed, summary.Failed, summary.InProgress)
	pterm.Println()

	batches := pterm.TableData{{"BATCH", "STATUS", "COMPLETED"}}
	for _, b := range job.Batches {
		batches = append(batches, []string{b.BatchID, string(b.Status), formatTime(b.CompletedAt)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(batches).Render(); err != nil {
		return err
	}

	logs, err := store.ListLogs(ctx, job.ID, logLimit)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return nil
	}
	pterm.Println()
	entries := pterm.TableData{{"TIME", "STATUS", "MESSAGE"}}
	for _, l := range logs {
		entries = append(entries, []string{formatTime(&l.CreatedAt), string(l.Status), l.Message})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(entries).Render()
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause an active job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.Scheduler.Pause(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Job %s paused\n", args[0])
		return nil
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Long: `Resume a paused job.

By default the job is checked on the next engine iteration. Use --reset=false to keep
the previously scheduled check time.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.Scheduler.Resume(cmd.Context(), args[0], reset); err != nil {
			return err
		}
		pterm.Success.Printf("Job %s resumed\n", args[0])
		return nil
	},
}

var jobSetCmd = &cobra.Command{
	Use:   "set <job-id>",
	Short: "Change the name or poll interval of a job",
	Long: `Change the name or poll interval of a job.

Batches, secrets and the trigger target cannot be changed; delete the job and add it
again instead. A new interval applies after the next check.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var upd schedule.JobUpdate
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			upd.Name = &name
		}
		if cmd.Flags().Changed("interval") {
			interval, _ := cmd.Flags().GetInt("interval")
			upd.PollIntervalSeconds = &interval
		}
		if upd.Name == nil && upd.PollIntervalSeconds == nil {
			return errors.NewValidationError("nothing to change: pass --name or --interval")
		}

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		job, err := rt.Scheduler.UpdateJob(cmd.Context(), args[0], upd)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Job %s updated: %q, checked every %ds\n", job.ID, job.Name, job.PollIntervalSeconds)
		return nil
	},
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job with its batches and log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.Scheduler.Store().DeleteJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Println(fmt.Sprintf("Job %s deleted", args[0]))
		return nil
	},
}

func init() {
	add := jobAddCmd.Flags()
	add.String("name", "", "Job name (required)")
	add.StringSlice("batch", nil, "Batch id to watch (repeatable, up to jobs.max_batches)")
	add.Int("interval", 0, "Poll interval in seconds (default: jobs.default_poll_interval_seconds)")
	add.String("status-secret", "", "OpenAI secret id or name")
	add.String("trigger-secret", "", "Keboola secret id or name")
	add.String("stack-url", "", "Keboola stack URL, e.g. https://connection.keboola.com")
	add.String("component", "", "Keboola component id")
	add.String("config-id", "", "Keboola configuration id")

	jobLsCmd.Flags().StringSlice("status", nil, "Filter by status (active, paused, completed, completed_with_failures, failed)")
	jobLsCmd.Flags().Int("limit", 50, "Maximum number of jobs to display (0 = all)")

	jobShowCmd.Flags().Int("logs", 20, "Number of log entries to display")

	jobResumeCmd.Flags().Bool("reset", true, "Check the job on the next iteration")

	jobSetCmd.Flags().String("name", "", "New job name")
	jobSetCmd.Flags().Int("interval", 0, "New poll interval in seconds (0 = jobs.default_poll_interval_seconds)")

	JobCmd.AddCommand(jobAddCmd)
	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobPauseCmd)
	JobCmd.AddCommand(jobResumeCmd)
	JobCmd.AddCommand(jobSetCmd)
	JobCmd.AddCommand(jobRmCmd)
}
