package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/ingestd/am"
	"github.com/teranos/ingestd/client"
	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/job"
)

// schedulerURL resolves --scheduler, then pulse.scheduler_url, then the local port
func schedulerURL(cmd *cobra.Command, cfg *am.Config) string {
	if u, _ := cmd.Flags().GetString("scheduler"); u != "" {
		return u
	}
	if cfg.Pulse.SchedulerURL != "" {
		return cfg.Pulse.SchedulerURL
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}

func newClient(cmd *cobra.Command, cfg *am.Config) (*client.Client, error) {
	c, err := client.New(client.Config{BaseURL: schedulerURL(cmd, cfg)}, logger.Logger)
	if err != nil {
		return nil, errors.WithHint(err, "set pulse.scheduler_url or pass --scheduler")
	}
	return c, nil
}

// loadClient is newClient for commands that only need the config for the URL
func loadClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newClient(cmd, cfg)
}

// readManifest decodes a .json, .yaml/.yml or .toml file into v. YAML and
// TOML go through a generic map and then JSON, so v only needs json tags.
func readManifest(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}

	var doc map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return errors.Wrapf(err, "failed to parse %s", path)
		}
		return nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return errors.Wrapf(err, "failed to parse %s", path)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return errors.Wrapf(err, "failed to parse %s", path)
		}
	default:
		return errors.NewInvalidRequestError("unsupported manifest type %q (want .json, .yaml, .yml or .toml)", filepath.Ext(path))
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "failed to convert %s", path)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s", path)
	}
	return nil
}

// printJSON pretty-prints v to stdout
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format JSON")
	}
	fmt.Println(string(out))
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func statusStyle(st job.Status) string {
	switch st {
	case job.StatusSuccess:
		return pterm.FgGreen.Sprint(st)
	case job.StatusFailure, job.StatusInvalid:
		return pterm.FgRed.Sprint(st)
	case job.StatusPending:
		return pterm.FgCyan.Sprint(st)
	case job.StatusCanceled, job.StatusAborted:
		return pterm.FgYellow.Sprint(st)
	default:
		return string(st)
	}
}
