package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/pubdeploy/internal/environment"
	"github.com/steveyegge/pubdeploy/internal/profile"
	"github.com/steveyegge/pubdeploy/internal/types"
)

func envColor(env types.Environment) func(a ...interface{}) string {
	switch env {
	case types.EnvProduction:
		return color.New(color.FgRed).SprintFunc()
	case types.EnvStaging:
		return color.New(color.FgYellow).SprintFunc()
	case types.EnvDevelopment:
		return color.New(color.FgGreen).SprintFunc()
	default:
		return color.New(color.FgHiBlack).SprintFunc()
	}
}

func triState(v *bool) string {
	if v == nil {
		return "(default)"
	}
	return fmt.Sprint(*v)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Create, inspect and delete publish profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List publish profiles",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		projectName, _ := cmd.Flags().GetString("project")

		projects, err := a.scanner.Discover(ctx, a.root)
		if err != nil {
			exitErr("failed to discover projects: %v", err)
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		count := 0
		for _, proj := range projects {
			if projectName != "" && !strings.EqualFold(proj.Name, projectName) {
				continue
			}
			for _, p := range proj.Profiles {
				count++
				env := p.Environment.DisplayName()
				fmt.Printf("%-30s %-12s %s\n", proj.Name+"/"+p.FileName, envColor(p.Environment)(env), gray(p.PublishURL))
			}
		}
		if count == 0 {
			fmt.Println("No publish profiles found")
		}
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <profile>",
	Short: "Show a publish profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		projectName, _ := cmd.Flags().GetString("project")
		proj, p := mustFindProfile(ctx, a, args[0], projectName)

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n\n", cyan(proj.Name+"/"+p.FileName))
		fmt.Printf("  Environment:     %s\n", envColor(p.Environment)(p.Environment.DisplayName()))
		fmt.Printf("  Path:            %s\n", p.Path)
		fmt.Printf("  Publish method:  %s\n", p.PublishMethod)
		fmt.Printf("  Publish URL:     %s\n", p.PublishURL)
		fmt.Printf("  Site name:       %s\n", p.SiteName)
		fmt.Printf("  Site URL:        %s\n", p.SiteURL)
		fmt.Printf("  User name:       %s\n", p.UserName)
		fmt.Printf("  Framework:       %s\n", p.TargetFramework)
		fmt.Printf("  Open browser:    %s\n", triState(p.OpenBrowserOnDeploy))
		fmt.Printf("  Stdout log:      %s\n", triState(p.EnableStdoutLog))
		if p.LogPath != "" {
			fmt.Printf("  Log path:        %s\n", p.LogPath)
		}

		key := credentialKey(proj, p)
		if _, ok := a.vault.Retrieve(ctx, key); ok {
			fmt.Printf("  Credentials:     %s (%s)\n", color.GreenString("✓ stored"), a.vault.Name())
		} else {
			fmt.Printf("  Credentials:     %s run 'pubdeploy credentials set %s'\n", color.YellowString("⚠ missing,"), p.FileName)
		}

		if len(p.Extra) > 0 {
			keys := make([]string, 0, len(p.Extra))
			for k := range p.Extra {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Printf("\n  Other properties:\n")
			for _, k := range keys {
				fmt.Printf("    %s = %s\n", k, p.Extra[k])
			}
		}

		records := a.ledger.ForProfile(ctx, p.Path)
		if len(records) > 0 {
			last := records[0]
			fmt.Printf("\n  Last deploy:     %s %s\n", statusIcon(last.Status), last.StartTime.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	},
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a publish profile",
	Long: `Create a publish profile under <project>/Properties/PublishProfiles.

The environment is taken from --env, or detected from the profile name
(prod, staging, uat, dev ...).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		flags := cmd.Flags()

		projectName, _ := flags.GetString("project")
		proj := mustProject(ctx, a, projectName)

		wizard := types.WizardData{ProfileName: args[0]}
		envName, _ := flags.GetString("env")
		if envName != "" {
			env, ok := environment.ClassifyFromMetadata(envName)
			if !ok {
				exitErr("unknown environment %q (use development, staging or production)", envName)
			}
			wizard.Environment = env
		} else {
			wizard.Environment = environment.ClassifyFromName(args[0])
		}
		wizard.PublishMethod, _ = flags.GetString("method")
		wizard.PublishURL, _ = flags.GetString("url")
		wizard.SiteName, _ = flags.GetString("site")
		wizard.SiteURL, _ = flags.GetString("site-url")
		wizard.UserName, _ = flags.GetString("user")
		wizard.LogPath, _ = flags.GetString("log-path")
		wizard.SelfContained, _ = flags.GetBool("self-contained")
		wizard.SkipExtraFiles, _ = flags.GetBool("skip-extra-files")
		wizard.EnableBackup, _ = flags.GetBool("backup")
		if flags.Changed("open-browser") {
			v, _ := flags.GetBool("open-browser")
			wizard.OpenBrowserOnDeploy = &v
		}
		if flags.Changed("stdout-log") {
			v, _ := flags.GetBool("stdout-log")
			wizard.EnableStdoutLog = &v
		}
		force, _ := flags.GetBool("force")

		path, err := a.profiles.Create(ctx, proj.Ref(), wizard, force)
		if errors.Is(err, profile.ErrOverwriteDeclined) {
			fmt.Println("Nothing changed")
			return
		}
		if err != nil {
			exitErr("%v", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Created %s (%s)\n", green("✓"), path, wizard.Environment.DisplayName())
		fmt.Printf("  Store the deploy password with: pubdeploy credentials set %s --project %s\n", args[0], proj.Name)
	},
}

var profileCloneCmd = &cobra.Command{
	Use:   "clone <profile> <new-name>",
	Short: "Copy a publish profile under a new name",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		projectName, _ := cmd.Flags().GetString("project")
		_, source := mustFindProfile(ctx, a, args[0], projectName)

		clone, err := a.profiles.Clone(ctx, source, args[1])
		if err != nil {
			exitErr("%v", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Cloned %s to %s\n", green("✓"), source.FileName, clone.Path)
		if clone.Environment != environment.ClassifyFromName(clone.FileName) {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s The clone keeps environment %s from %s\n", yellow("⚠"), clone.Environment.DisplayName(), source.FileName)
		}
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <profile>",
	Short: "Delete a publish profile and its stored credential",
	Long: `Delete a publish profile document and its stored credential.

The deployment history of the profile stays on disk; remove it with
'pubdeploy history clear'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		projectName, _ := cmd.Flags().GetString("project")
		yes, _ := cmd.Flags().GetBool("yes")
		proj, p := mustFindProfile(ctx, a, args[0], projectName)

		if !yes && !confirm(fmt.Sprintf("Delete %s/%s?", proj.Name, p.FileName)) {
			fmt.Println("Nothing changed")
			return
		}

		ref := proj.Ref()
		if !a.profiles.Delete(ctx, p, &ref) {
			exitErr("failed to delete %s", p.Path)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Deleted %s\n", green("✓"), p.Path)
	},
}

func mustProject(ctx context.Context, a *application, name string) *types.Project {
	if name != "" {
		p, err := a.scanner.Find(ctx, a.root, name)
		if err != nil {
			exitErr("%v", err)
		}
		return p
	}
	projects, err := a.scanner.Discover(ctx, a.root)
	if err != nil {
		exitErr("failed to discover projects: %v", err)
	}
	if len(projects) != 1 {
		fmt.Fprintf(os.Stderr, "Error: found %d projects; pass --project\n", len(projects))
		closeApp()
		os.Exit(1)
	}
	return projects[0]
}

func init() {
	for _, c := range []*cobra.Command{profileListCmd, profileShowCmd, profileCreateCmd, profileCloneCmd, profileDeleteCmd} {
		c.Flags().StringP("project", "p", "", "Project name")
	}

	f := profileCreateCmd.Flags()
	f.String("env", "", "Environment: development, staging or production (default: from the name)")
	f.String("method", types.PublishMethodMSDeploy, "Publish method: MSDeploy or FileSystem")
	f.String("url", "", "Web Deploy service URL, or the target folder for FileSystem")
	f.String("site", "", "IIS site/application path, e.g. 'Default Web Site/api'")
	f.String("site-url", "", "URL opened after a successful deploy")
	f.String("user", "", "Web Deploy user name")
	f.String("log-path", "", "Remote stdout log file")
	f.Bool("open-browser", false, "Open the site after deploying (default: global setting)")
	f.Bool("stdout-log", false, "Enable the ASP.NET Core stdout log after deploying")
	f.Bool("self-contained", false, "Publish self-contained")
	f.Bool("skip-extra-files", false, "Leave files on the server that are not in the publish output")
	f.Bool("backup", false, "Let Web Deploy back up the site first")
	f.BoolP("force", "f", false, "Overwrite an existing profile without asking")

	profileDeleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	profileCmd.AddCommand(profileListCmd, profileShowCmd, profileCreateCmd, profileCloneCmd, profileDeleteCmd)
	rootCmd.AddCommand(profileCmd)
}
