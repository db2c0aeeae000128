package commands

import (
	"strconv"

	"github.com/conduit-lang/odm/internal/cli/ui"
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command
func NewConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long:  "Print the settings resolved from defaults, odm.yml and ODM_* environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			ui.Header(out, "Configuration", opts.noColor)
			kv := ui.NewKeyValueTable(out, opts.noColor)
			kv.AddRow("Database", cfg.Database)
			kv.AddRow("Driver", cfg.Storage.Driver)
			kv.AddRow("Location", cfg.Location())
			if cfg.Storage.TablePrefix != "" {
				kv.AddRow("Table prefix", cfg.Storage.TablePrefix)
			}
			batch := "unlimited"
			if cfg.Commit.BatchSize > 0 {
				batch = strconv.Itoa(cfg.Commit.BatchSize)
			}
			kv.AddRow("Batch size", batch)
			level := cfg.Logging.Level
			if level == "" {
				level = "off"
			}
			kv.AddRow("Log level", level)
			kv.Render()
			return nil
		},
	}
}
