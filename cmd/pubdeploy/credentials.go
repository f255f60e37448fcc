package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/pubdeploy/internal/config"
	"github.com/steveyegge/pubdeploy/internal/types"
	"github.com/steveyegge/pubdeploy/internal/vault"
)

func credentialKey(proj *types.Project, p *types.PublishProfile) string {
	return vault.GenerateKey(proj.Name, p.FileName)
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage stored deploy passwords",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <profile>",
	Short: "Store the deploy password for a profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		projectName, _ := cmd.Flags().GetString("project")
		fromStdin, _ := cmd.Flags().GetBool("stdin")
		proj, p := mustFindProfile(ctx, a, args[0], projectName)

		var secret string
		var err error
		if fromStdin {
			secret, err = bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && secret == "" {
				exitErr("failed to read password from stdin: %v", err)
			}
			secret = strings.TrimRight(secret, "\r\n")
		} else {
			user := p.UserName
			if user == "" {
				user = "deploy user"
			}
			secret, err = readSecret(fmt.Sprintf("Password for %s (%s/%s): ", user, proj.Name, p.FileName))
			if errors.Is(err, errAborted) {
				fmt.Println("Nothing changed")
				return
			}
			if err != nil {
				exitErr("%v", err)
			}
		}
		if secret == "" {
			exitErr("password is empty")
		}

		key := credentialKey(proj, p)
		if !a.vault.Store(ctx, key, secret) {
			exitErr("failed to store credential %s in %s", key, a.vault.Name())
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Stored %s in %s\n", green("✓"), key, a.vault.Name())
		if a.cfg.CredentialBackend == config.BackendEnvironment {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s Other terminals only see %s after they are restarted\n", yellow("⚠"), key)
		}
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <profile>",
	Short: "Remove the stored deploy password for a profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp()
		projectName, _ := cmd.Flags().GetString("project")
		proj, p := mustFindProfile(ctx, a, args[0], projectName)

		key := credentialKey(proj, p)
		if !a.vault.Delete(ctx, key) {
			exitErr("failed to delete credential %s", key)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Removed %s from %s\n", green("✓"), key, a.vault.Name())
	},
}

func init() {
	for _, c := range []*cobra.Command{credentialsSetCmd, credentialsDeleteCmd} {
		c.Flags().StringP("project", "p", "", "Project name")
	}
	credentialsSetCmd.Flags().Bool("stdin", false, "Read the password from standard input")

	credentialsCmd.AddCommand(credentialsSetCmd, credentialsDeleteCmd)
	rootCmd.AddCommand(credentialsCmd)
}
