package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/sym"
)

// DefinitionsCmd groups the job definition commands
var DefinitionsCmd = &cobra.Command{
	Use:     "definitions",
	Aliases: []string{"defs"},
	Short:   sym.IX + " Manage job definitions",
	Long: sym.IX + ` definitions — Manage job definitions

A definition names a controller, its query and the retry, timeout and
periodic policy. Changing a definition stores a new version; instances
already created keep the version they were created with.

Manifests may be JSON, YAML or TOML and use the API field names:

  name: widgets-issues
  controller: github.issues
  query: {repo: acme/widgets}
  attempt_max: 3
  retry_wait_minutes: 5
  frequency_minutes: 60

Examples:
  ingestd definitions ls
  ingestd definitions apply -f issues.yaml
  ingestd definitions run <definition-id> --partial`,
}

var definitionsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the latest version of every definition",
	RunE:  runDefinitionsLs,
}

var definitionsApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create a definition, or redefine it when the manifest names an id",
	RunE:  runDefinitionsApply,
}

var definitionsRunCmd = &cobra.Command{
	Use:   "run <definition-id>",
	Short: "Queue an instance of a definition now",
	Args:  cobra.ExactArgs(1),
	RunE:  runDefinitionsRun,
}

func init() {
	DefinitionsCmd.PersistentFlags().String("scheduler", "", "Scheduler URL (default from pulse.scheduler_url)")

	definitionsLsCmd.Flags().Bool("json", false, "Output as JSON")
	definitionsApplyCmd.Flags().StringP("file", "f", "", "Definition manifest (.json, .yaml, .yml, .toml)")
	_ = definitionsApplyCmd.MarkFlagRequired("file")
	definitionsRunCmd.Flags().Bool("partial", false, "Only fetch the delta since the last run")
	definitionsRunCmd.Flags().String("request", "", "Request scope as JSON")

	DefinitionsCmd.AddCommand(definitionsLsCmd)
	DefinitionsCmd.AddCommand(definitionsApplyCmd)
	DefinitionsCmd.AddCommand(definitionsRunCmd)
}

func runDefinitionsLs(cmd *cobra.Command, args []string) error {
	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	defs, err := c.Definitions(context.Background())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(defs)
	}
	if len(defs) == 0 {
		pterm.Info.Println("No definitions")
		return nil
	}

	data := pterm.TableData{{"ID", "VERSION", "NAME", "CONTROLLER", "ATTEMPTS", "EVERY"}}
	for _, d := range defs {
		every := "-"
		if d.FrequencyInMinutes > 0 {
			every = d.Frequency().String()
		}
		data = append(data, []string{
			d.ID.String(),
			fmt.Sprint(d.Version),
			d.Name,
			d.ControllerName,
			fmt.Sprint(d.AttemptMax),
			every,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runDefinitionsApply(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	def := job.NewDefinition("", "", nil)
	generated := def.ID
	if err := readManifest(path, def); err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}

	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if def.ID != generated {
		stored, err := c.Redefine(ctx, def)
		if err == nil {
			pterm.Success.Printf("Redefined %s (%s) as version %d\n", stored.Name, stored.ID, stored.Version)
			return nil
		}
		if !errors.IsNotFoundError(err) {
			return err
		}
	}

	stored, err := c.CreateDefinition(ctx, def)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Created %s (%s)\n", stored.Name, stored.ID)
	return nil
}

func runDefinitionsRun(cmd *cobra.Command, args []string) error {
	partial, _ := cmd.Flags().GetBool("partial")
	requestFlag, _ := cmd.Flags().GetString("request")

	var request json.RawMessage
	if requestFlag != "" {
		if !json.Valid([]byte(requestFlag)) {
			return errors.NewInvalidRequestError("--request is not valid JSON")
		}
		request = json.RawMessage(requestFlag)
	}

	c, err := loadClient(cmd)
	if err != nil {
		return err
	}
	inst, err := c.CreateInstance(context.Background(), args[0], partial, request)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Queued %s (%s)\n", inst.ID, inst.Status)
	return nil
}
