// Package cmd is the distiller command tree.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

// NewRootCommand builds the distiller CLI.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "distiller",
		Short:         "Multi-agent signal distillation and outcome verification",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./configs/config.yaml or ./config.yaml)")

	cfgPath := func() string { return configPath }
	root.AddCommand(
		newRunCommand(cfgPath),
		newVerifyCommand(cfgPath),
		newAdaptCommand(cfgPath),
		newAccuracyCommand(cfgPath),
		newExportCommand(cfgPath),
		newServeCommand(cfgPath),
		newMigrateCommand(cfgPath),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
