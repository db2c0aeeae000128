package commands

import (
	"fmt"
	"runtime"

	"github.com/conduit-lang/odm/internal/cli/ui"
	"github.com/conduit-lang/odm/internal/config"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// rootOptions holds the persistent flags shared by every subcommand
type rootOptions struct {
	configPath string
	noColor    bool
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "odm",
		Short: "Inspect document databases managed by the ODM",
		Long: color.CyanString(`odm - document mapper tooling

Reads odm.yml (or ODM_* environment variables) to locate the storage
driver and lets you browse the raw documents it holds.

Drivers:
  • memory
  • jsonfile
  • sqlite, postgres
  • redis`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the config file (default: ./odm.yml)")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewConfigCommand(opts))
	rootCmd.AddCommand(NewCollectionsCommand(opts))
	rootCmd.AddCommand(NewFindCommand(opts))
	rootCmd.AddCommand(NewCountCommand(opts))

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the odm version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			out := cmd.OutOrStdout()
			titleColor := color.New(color.FgCyan, color.Bold)

			titleColor.Fprint(out, "odm version: ")
			fmt.Fprintln(out, Version)
			titleColor.Fprint(out, "Git commit: ")
			fmt.Fprintln(out, GitCommit)
			titleColor.Fprint(out, "Build date: ")
			fmt.Fprintln(out, BuildDate)
			titleColor.Fprint(out, "Go version: ")
			fmt.Fprintln(out, goVer)
		},
	}
}

// loadConfig reads the configuration named by --config. Validation
// failures are reported to stderr with hints before being returned.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprint(cmd.ErrOrStderr(), ui.ConfigError(err, o.noColor))
		return nil, err
	}
	return cfg, nil
}

// openStorage loads the configuration and opens its driver. The returned
// func releases the driver.
func (o *rootOptions) openStorage(cmd *cobra.Command) (storage.DocumentStorage, func(), error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := config.OpenStorage(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if c, ok := st.(storage.Closer); ok {
			_ = c.Close()
		}
	}
	return st, release, nil
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		errorColor := color.New(color.FgRed, color.Bold)
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}
