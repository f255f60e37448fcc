package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/pubdeploy/internal/deploy"
	"github.com/steveyegge/pubdeploy/internal/history"
	"github.com/steveyegge/pubdeploy/internal/profile"
	"github.com/steveyegge/pubdeploy/internal/project"
	"github.com/steveyegge/pubdeploy/internal/storage"
	"github.com/steveyegge/pubdeploy/internal/types"
	"github.com/steveyegge/pubdeploy/internal/vault"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the workspace, tools and credentials",
	Long: `Run health checks to diagnose common pubdeploy problems.

This command checks for:
- Workspace and configuration
- The publish tool and its SDK version against each project's framework
- The Web Deploy client used for remote log settings
- The credential backend
- Profiles that are invalid or have no stored credentials
- History left behind by deleted profiles

Exit codes:
  0 - All checks passed
  1 - One or more checks failed (but not critical)
  2 - Critical failures that prevent deploys`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("Running pubdeploy health checks...\n\n")

		var failures []string
		var warnings []string

		critical := func(format string, args ...any) {
			fmt.Printf("  %s %s\n", red("✗"), fmt.Sprintf(format, args...))
			fmt.Printf("\n%s Critical failures prevent deploys\n", red("✗"))
			os.Exit(2)
		}

		// Check 1: Workspace
		fmt.Printf("%s Workspace\n", cyan("→"))
		root, err := resolveWorkspace()
		if err != nil {
			critical("No workspace: %v", err)
		}
		fmt.Printf("  %s %s\n", green("✓"), root)

		// Check 2: Configuration
		fmt.Printf("%s Configuration\n", cyan("→"))
		cfg, logger, err := loadConfig(root)
		if err != nil {
			critical("Invalid configuration: %v", err)
		}
		fmt.Printf("  %s %s\n", green("✓"), cfg.String())

		// Check 3: Credential backend
		fmt.Printf("%s Credential backend\n", cyan("→"))
		v, err := vault.New(cfg, logger)
		if err != nil {
			critical("Cannot open %s backend: %v", cfg.CredentialBackend, err)
		}
		if c, ok := v.(io.Closer); ok {
			defer c.Close()
		}
		fmt.Printf("  %s %s\n", green("✓"), v.Name())

		// Check 4: Projects
		repo := storage.NewOSRepository()
		profiles, _ := profile.NewStore(&profile.Config{Repo: repo, Logger: logger})
		scanner, _ := project.NewScanner(&project.Config{Repo: repo, Profiles: profiles, Logger: logger})

		fmt.Printf("%s Projects\n", cyan("→"))
		projects, err := scanner.Discover(ctx, root)
		if err != nil {
			critical("Cannot scan workspace: %v", err)
		}
		if len(projects) == 0 {
			warnings = append(warnings, "no projects")
			fmt.Printf("  %s No .csproj files found\n", yellow("⚠"))
		}
		profilePaths := map[string]bool{}
		for _, proj := range projects {
			fmt.Printf("  %s %s (%s, %s, %d profile(s))\n", green("✓"), proj.Name, proj.ProjectType, orUnknown(proj.TargetFramework), len(proj.Profiles))
			for _, p := range proj.Profiles {
				profilePaths[p.Path] = true
				if err := p.Validate(); err != nil {
					failures = append(failures, fmt.Sprintf("%s/%s: %v", proj.Name, p.FileName, err))
					fmt.Printf("    %s %s: %v\n", red("✗"), p.FileName, err)
					continue
				}
				if _, ok := v.Retrieve(ctx, vault.GenerateKey(proj.Name, p.FileName)); !ok {
					warnings = append(warnings, "missing credentials for "+p.FileName)
					fmt.Printf("    %s %s: no stored credentials\n", yellow("⚠"), p.FileName)
					if verbose {
						fmt.Printf("      Run: pubdeploy credentials set %s --project %s\n", p.FileName, proj.Name)
					}
					continue
				}
				fmt.Printf("    %s %s (%s)\n", green("✓"), p.FileName, p.Environment.DisplayName())
			}
		}

		// Check 5: Publish tool and SDK
		fmt.Printf("%s Publish tool\n", cyan("→"))
		if path, err := exec.LookPath(cfg.PublishTool); err != nil {
			failures = append(failures, cfg.PublishTool+" not found")
			fmt.Printf("  %s %s not found on PATH\n", red("✗"), cfg.PublishTool)
		} else {
			fmt.Printf("  %s %s\n", green("✓"), path)
			checkSDKs(ctx, cfg.PublishTool, projects, &failures, &warnings)
		}

		// Check 6: Web Deploy client
		fmt.Printf("%s Web Deploy client\n", cyan("→"))
		if path, err := exec.LookPath(cfg.DeployTool); err != nil {
			warnings = append(warnings, cfg.DeployTool+" not found")
			fmt.Printf("  %s %s not found on PATH (needed for 'logs toggle')\n", yellow("⚠"), cfg.DeployTool)
		} else {
			fmt.Printf("  %s %s\n", green("✓"), path)
		}

		// Check 7: History
		fmt.Printf("%s Deployment history\n", cyan("→"))
		sidecars, err := storage.WalkFiles(root, history.Extension)
		if err != nil {
			warnings = append(warnings, "history scan failed")
			fmt.Printf("  %s Cannot scan history: %v\n", yellow("⚠"), err)
		} else {
			orphaned := 0
			for _, s := range sidecars {
				owner := s[:len(s)-len(history.Extension)] + profile.Extension
				if !profilePaths[owner] {
					orphaned++
					if verbose {
						fmt.Printf("    %s\n", s)
					}
				}
			}
			fmt.Printf("  %s %d history file(s)\n", green("✓"), len(sidecars))
			if orphaned > 0 {
				fmt.Printf("  %s %d belong to deleted profiles (kept; remove with 'pubdeploy history clear')\n", yellow("⚠"), orphaned)
			}
		}

		fmt.Println()
		if len(failures) > 0 {
			fmt.Printf("%s %d check(s) failed\n", red("✗"), len(failures))
			os.Exit(1)
		}
		if len(warnings) > 0 {
			fmt.Printf("%s pubdeploy should work, but some warnings were detected.\n", green("✓"))
			return
		}
		fmt.Printf("%s All checks passed\n", green("✓"))
	},
}

func checkSDKs(ctx context.Context, tool string, projects []*types.Project, failures, warnings *[]string) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	runner := &deploy.ExecRunner{}
	seen := map[string]bool{}
	for _, proj := range projects {
		if proj.TargetFramework == "" || seen[proj.TargetFramework] {
			continue
		}
		seen[proj.TargetFramework] = true

		check, err := project.CheckSDK(ctx, runner, tool, proj.TargetFramework)
		if err != nil {
			*warnings = append(*warnings, err.Error())
			fmt.Printf("  %s %v\n", yellow("⚠"), err)
			return
		}
		switch {
		case check.Required == "":
			fmt.Printf("  %s %s: no SDK requirement\n", green("✓"), check.Framework)
		case check.OK:
			fmt.Printf("  %s %s: SDK %s >= %s\n", green("✓"), check.Framework, check.Installed, check.Required)
		default:
			*failures = append(*failures, fmt.Sprintf("%s needs SDK %s", check.Framework, check.Required))
			fmt.Printf("  %s %s: SDK %s is older than %s\n", red("✗"), check.Framework, check.Installed, check.Required)
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown framework"
	}
	return s
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
