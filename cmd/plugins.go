package cmd

import (
	"fmt"

	"blindscan/internal/vulnscan"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the built-in plugins and which ones are enabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadSettings()
		if err != nil {
			return err
		}
		defer closeLog()

		registry := vulnscan.NewRegistry()
		if err := registry.Enable(cfg.Plugins.Enabled...); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		on := color.New(color.FgGreen).SprintFunc()
		off := color.New(color.FgHiBlack).SprintFunc()
		for _, e := range registry.List() {
			state := off("disabled")
			if e.Enabled {
				state = on("enabled")
			}
			fmt.Fprintf(out, "%-16s %-6s %-8s %s\n", e.Name, e.Kind, state, e.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}
