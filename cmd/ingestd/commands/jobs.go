package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/sym"
)

// JobsCmd groups the job instance commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect and cancel job instances",
	Long: sym.Pulse + ` jobs — Inspect and cancel job instances on a scheduler

Examples:
  ingestd jobs ls                          # Runnable instances, in claim order
  ingestd jobs ls --status PENDING,FAILURE # Filter stored instances
  ingestd jobs show <id>
  ingestd jobs cancel <id>`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List job instances",
	Long: `List job instances.

Without filters this shows the instances a worker would be handed next.
With --status or --definition it lists stored instances instead.`,
	RunE: runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job instance as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of a job instance",
	Long: `Request cancellation of a job instance.

Queued instances are canceled right away. A running instance is marked and
stops at its next checkpoint, ending as ABORTED.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

func init() {
	JobsCmd.PersistentFlags().String("scheduler", "", "Scheduler URL (default from pulse.scheduler_url)")

	jobsLsCmd.Flags().String("status", "", "Comma separated statuses to list")
	jobsLsCmd.Flags().String("definition", "", "Only instances of this definition")
	jobsLsCmd.Flags().Int("limit", 50, "Maximum number of instances")
	jobsLsCmd.Flags().Bool("json", false, "Output as JSON")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	statusFlag, _ := cmd.Flags().GetString("status")
	definition, _ := cmd.Flags().GetString("definition")
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := context.Background()
	var jobs []*job.Instance
	if statusFlag != "" || definition != "" {
		var statuses []job.Status
		for _, s := range strings.Split(statusFlag, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, job.Status(strings.ToUpper(s)))
			}
		}
		jobs, err = c.ListJobs(ctx, statuses, definition, limit)
	} else {
		jobs, err = c.GetJobsToRun(ctx)
		if limit > 0 && len(jobs) > limit {
			jobs = jobs[:limit]
		}
	}
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	data := pterm.TableData{{"ID", "STATUS", "ATTEMPT", "WORKER", "PARTIAL", "UPDATED"}}
	for _, j := range jobs {
		worker := j.ClaimedBy
		if worker == "" {
			worker = "-"
		}
		updated := j.UpdatedAt
		data = append(data, []string{
			j.ID.String(),
			statusStyle(j.Status),
			fmt.Sprint(j.Attempt),
			worker,
			fmt.Sprint(j.Partial),
			formatTime(&updated),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	id, err := job.ParseInstanceID(args[0])
	if err != nil {
		return err
	}
	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	inst, err := c.Instance(context.Background(), id)
	if err != nil {
		return err
	}
	return printJSON(inst)
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	id, err := job.ParseInstanceID(args[0])
	if err != nil {
		return err
	}
	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	inst, err := c.CancelJob(context.Background(), id)
	if err != nil {
		return err
	}
	if inst.Status == job.StatusCanceled {
		pterm.Success.Printf("Canceled %s\n", inst.ID)
	} else {
		pterm.Info.Printf("Cancellation requested for %s (%s), it stops at its next checkpoint\n", inst.ID, inst.Status)
	}
	return nil
}
