package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Remote log settings",
}

var logsToggleCmd = &cobra.Command{
	Use:   "toggle <profile> on|off",
	Short: "Switch the ASP.NET Core stdout log of a deployed site",
	Long: `Patch aspNetCore/@stdoutLogEnabled in the remote web.config through Web Deploy.

The log file is the profile's LogPath, or .\logs\stdout.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		projectName, _ := cmd.Flags().GetString("project")

		var enabled bool
		switch strings.ToLower(args[1]) {
		case "on", "true", "enable":
			enabled = true
		case "off", "false", "disable":
			enabled = false
		default:
			exitErr("expected on or off, got %q", args[1])
		}

		proj, p := mustFindProfile(ctx, a, args[0], projectName)
		if warning := a.post.ToggleStdoutLog(ctx, proj.Name, p, enabled); warning != "" {
			exitErr("%s", warning)
		}

		state := "disabled"
		if enabled {
			state = "enabled"
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s stdout log %s on %s\n", green("✓"), state, p.SiteName)
	},
}

func init() {
	logsToggleCmd.Flags().StringP("project", "p", "", "Project name")
	logsCmd.AddCommand(logsToggleCmd)
	rootCmd.AddCommand(logsCmd)
}
