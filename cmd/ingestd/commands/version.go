package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ingestd/version"
)

// VersionCmd prints the build stamp
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show ingestd version information",
	Long:  `Display the version, commit, build time and platform of this binary, and the User-Agent it sends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(info)
		}

		pterm.DefaultSection.Println(info.String())
		return pterm.DefaultTable.WithData(pterm.TableData{
			{"Version", info.Version},
			{"Commit", info.CommitHash},
			{"Built", info.BuildTime},
			{"Platform", info.Platform},
			{"Go", info.GoVersion},
			{"User-Agent", version.UserAgent()},
		}).Render()
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
