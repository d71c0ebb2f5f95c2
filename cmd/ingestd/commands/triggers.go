package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ingestd/pulse/trigger"
	"github.com/teranos/ingestd/sym"
)

// TriggersCmd groups the trigger commands
var TriggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: sym.TR + " Manage and fire triggers",
	Long: sym.TR + ` triggers — Manage and fire triggers

A trigger creates instances of one definition, either from a cron schedule
(periodic) or on demand (webhook). Each run covers the window from the
trigger's cursor to now and only moves the cursor once the job exists.

Examples:
  ingestd triggers ls
  ingestd triggers add -f nightly.toml
  ingestd triggers fire push`,
}

var triggersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List triggers and their cursors",
	RunE:  runTriggersLs,
}

var triggersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a trigger from a manifest",
	RunE:  runTriggersAdd,
}

var triggersFireCmd = &cobra.Command{
	Use:   "fire <id>",
	Short: "Run a trigger now",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggersFire,
}

func init() {
	TriggersCmd.PersistentFlags().String("scheduler", "", "Scheduler URL (default from pulse.scheduler_url)")

	triggersLsCmd.Flags().Bool("json", false, "Output as JSON")
	triggersAddCmd.Flags().StringP("file", "f", "", "Trigger manifest (.json, .yaml, .yml, .toml)")
	_ = triggersAddCmd.MarkFlagRequired("file")

	TriggersCmd.AddCommand(triggersLsCmd)
	TriggersCmd.AddCommand(triggersAddCmd)
	TriggersCmd.AddCommand(triggersFireCmd)
}

func runTriggersLs(cmd *cobra.Command, args []string) error {
	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	triggers, err := c.Triggers(context.Background())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(triggers)
	}
	if len(triggers) == 0 {
		pterm.Info.Println("No triggers")
		return nil
	}

	data := pterm.TableData{{"ID", "TYPE", "DEFINITION", "SCHEDULE", "CURSOR", "LAST FULL"}}
	for _, t := range triggers {
		schedule := t.Schedule
		if schedule == "" {
			schedule = "-"
		}
		data = append(data, []string{
			t.ID,
			string(t.Type),
			t.DefinitionID.String(),
			schedule,
			formatTime(t.IterationTimestamp),
			formatTime(t.LastFullAt),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runTriggersAdd(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	var t trigger.Trigger
	if err := readManifest(path, &t); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}

	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	stored, err := c.CreateTrigger(context.Background(), &t)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Added %s trigger %q for %s\n", stored.Type, stored.ID, stored.DefinitionID)
	return nil
}

func runTriggersFire(cmd *cobra.Command, args []string) error {
	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	run, err := c.FireTrigger(context.Background(), args[0])
	if err != nil {
		return err
	}
	kind := "full"
	if run.Partial {
		kind = "partial"
	}
	pterm.Success.Printf("Queued %s (%s pass, window %s .. %s)\n",
		run.Instance.ID, kind, formatTime(&run.Window.From), formatTime(&run.Window.To))
	return nil
}
