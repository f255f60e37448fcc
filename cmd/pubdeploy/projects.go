package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List .NET projects in the workspace",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()

		projects, err := a.scanner.Discover(ctx, a.root)
		if err != nil {
			exitErr("failed to discover projects: %v", err)
		}

		if len(projects) == 0 {
			fmt.Printf("No projects found under %s\n", a.root)
			return
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, p := range projects {
			framework := p.TargetFramework
			if framework == "" {
				framework = "?"
			}
			fmt.Printf("%s %s %s\n", cyan(p.Name), gray("("+string(p.ProjectType)+", "+framework+")"), gray(p.CsprojPath))
			if len(p.Profiles) == 0 {
				fmt.Printf("    %s\n", gray("no publish profiles"))
				continue
			}
			for _, prof := range p.Profiles {
				fmt.Printf("    %s %s\n", envColor(prof.Environment)("●"), prof.FileName)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}
