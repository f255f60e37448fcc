package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/pubdeploy/internal/types"
)

func statusIcon(s types.DeploymentStatus) string {
	switch s {
	case types.DeploymentSuccess:
		return color.GreenString("✓")
	case types.DeploymentFailed:
		return color.RedString("✗")
	default:
		return color.YellowString("●")
	}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show or clear deployment history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		profileName, _ := cmd.Flags().GetString("profile")
		limit, _ := cmd.Flags().GetInt("limit")

		records, err := a.ledger.GetAll(ctx)
		if err != nil {
			exitErr("failed to read history: %v", err)
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		shown := 0
		for _, rec := range records {
			if profileName != "" && !strings.EqualFold(rec.ProfileName, profileName) {
				continue
			}
			if limit > 0 && shown >= limit {
				break
			}
			shown++

			duration := "-"
			if rec.Duration != nil {
				duration = rec.Duration.Round(time.Second).String()
			}
			fmt.Printf("%s %s  %-30s %-12s %8s  %s\n",
				statusIcon(rec.Status),
				rec.StartTime.Local().Format("2006-01-02 15:04:05"),
				rec.ProjectName+"/"+rec.ProfileName,
				rec.Environment,
				duration,
				gray(rec.ID))
			if rec.ErrorMessage != "" {
				fmt.Printf("    %s\n", firstLine(rec.ErrorMessage))
			}
		}
		if shown == 0 {
			fmt.Println("No deployments recorded")
		}
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete deployment history",
	Long: `Delete one record (--id) or the whole deployment history of the workspace,
including the history of profiles that have since been deleted.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		id, _ := cmd.Flags().GetString("id")
		yes, _ := cmd.Flags().GetBool("yes")
		green := color.New(color.FgGreen).SprintFunc()

		if id != "" {
			ok, err := a.ledger.ClearOne(ctx, id)
			if err != nil {
				exitErr("%v", err)
			}
			if !ok {
				exitErr("no deployment with id %s", id)
			}
			fmt.Printf("%s Removed deployment %s\n", green("✓"), id)
			return
		}

		if !yes && !confirm("Delete all deployment history in "+a.root+"?") {
			fmt.Println("Nothing changed")
			return
		}
		n, err := a.ledger.ClearAll(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		fmt.Printf("%s Removed %d history file(s)\n", green("✓"), n)
	},
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func init() {
	historyListCmd.Flags().String("profile", "", "Only show this profile")
	historyListCmd.Flags().IntP("limit", "n", 20, "Maximum number of records (0 for all)")
	historyClearCmd.Flags().String("id", "", "Remove a single record")
	historyClearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	historyCmd.AddCommand(historyListCmd, historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}
