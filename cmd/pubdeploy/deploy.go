package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/pubdeploy/internal/deploy"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <profile>",
	Short: "Publish a project with one of its profiles",
	Long: `Build and publish a project using a publish profile.

Every deploy is confirmed before it starts. Production profiles require
typing the profile name, or --confirm-production=<profile> for scripts.
The attempt is recorded in the profile's deployment history whatever the
outcome.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a := mustApp()
		projectName, _ := cmd.Flags().GetString("project")
		confirmProduction, _ := cmd.Flags().GetString("confirm-production")
		yes, _ := cmd.Flags().GetBool("yes")
		quiet, _ := cmd.Flags().GetBool("quiet")

		proj, p := mustFindProfile(ctx, a, args[0], projectName)

		if err := confirmDeploy(p, proj.Name, confirmProduction, yes); err != nil {
			if errors.Is(err, errAborted) {
				fmt.Println("Deploy cancelled")
				return
			}
			exitErr("%v", err)
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		var sink deploy.LineFunc
		if !quiet {
			sink = func(stream deploy.Stream, line string) {
				if stream == deploy.Stderr {
					fmt.Fprintln(os.Stderr, gray(line))
					return
				}
				fmt.Println(gray(line))
			}
		}

		orch, err := deploy.NewOrchestrator(&deploy.Config{
			Vault:       a.vault,
			History:     a.ledger,
			Runner:      &deploy.ExecRunner{Timeout: a.cfg.DeployTimeout},
			PostDeploy:  a.post,
			Repo:        a.repo,
			PublishTool: a.cfg.PublishTool,
			Sink:        sink,
			Logger:      a.log,
		})
		if err != nil {
			exitErr("%v", err)
		}

		percent := 0
		progress := func(message string, increment int) {
			percent += increment
			if message != "" {
				fmt.Printf("%s [%3d%%] %s\n", cyan("→"), percent, message)
			}
		}

		fmt.Printf("%s Deploying %s with %s (%s)\n", cyan("→"), proj.Name, p.FileName, envColor(p.Environment)(p.Environment.DisplayName()))
		result := orch.Deploy(ctx, deploy.Request{
			ProjectPath: proj.CsprojPath,
			ProjectName: proj.Name,
			Profile:     p,
		}, progress)

		fmt.Println()
		for _, notice := range result.Notices {
			fmt.Printf("%s %s\n", yellow("⚠"), notice)
		}
		if result.HistoryErr != nil {
			fmt.Printf("%s Deployment history could not be saved: %v\n", yellow("⚠"), result.HistoryErr)
		}

		if !result.Success {
			fmt.Printf("%s Deploy failed after %v\n", red("✗"), result.Duration.Round(time.Second))
			fmt.Printf("  %s\n", result.ErrorMessage)
			closeApp()
			os.Exit(1)
		}
		fmt.Printf("%s Deployed %s in %v\n", green("✓"), p.FileName, result.Duration.Round(time.Second))
	},
}

func init() {
	deployCmd.Flags().StringP("project", "p", "", "Project name (when the profile name is ambiguous)")
	deployCmd.Flags().String("confirm-production", "", "Confirm a production deploy non-interactively by naming the profile")
	deployCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt for non-production profiles")
	deployCmd.Flags().BoolP("quiet", "q", false, "Do not echo publish output")
	rootCmd.AddCommand(deployCmd)
}
