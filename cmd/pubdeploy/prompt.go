package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/steveyegge/pubdeploy/internal/environment"
	"github.com/steveyegge/pubdeploy/internal/types"
)

var errAborted = errors.New("aborted")

func newPrompt(prompt string) (*readline.Instance, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt: %w", err)
	}
	return rl, nil
}

// readLine asks one question. Ctrl+C and Ctrl+D abort.
func readLine(prompt string) (string, error) {
	rl, err := newPrompt(prompt)
	if err != nil {
		return "", err
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt || err == io.EOF {
			return "", errAborted
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readSecret reads a masked value
func readSecret(prompt string) (string, error) {
	rl, err := newPrompt("")
	if err != nil {
		return "", err
	}
	defer rl.Close()

	value, err := rl.ReadPassword(prompt)
	if err != nil {
		if err == readline.ErrInterrupt || err == io.EOF {
			return "", errAborted
		}
		return "", err
	}
	return string(value), nil
}

// confirm asks a yes/no question; anything but y/yes is no
func confirm(question string) bool {
	answer, err := readLine(question + " [y/N]: ")
	if err != nil {
		return false
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}

func confirmOverwrite(path string) bool {
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%s %s already exists\n", yellow("⚠"), path)
	return confirm("Overwrite it?")
}

// confirmDeploy is the gate every deploy passes. Production profiles need
// the profile name typed back (or passed via --confirm-production); other
// environments need a yes, or --yes.
func confirmDeploy(p *types.PublishProfile, projectName, confirmProduction string, assumeYes bool) error {
	if environment.RequiresTypedConfirmation(p.Environment) {
		if confirmProduction != "" {
			if confirmProduction != p.FileName {
				return fmt.Errorf("--confirm-production=%s does not match profile %s", confirmProduction, p.FileName)
			}
			return nil
		}

		red := color.New(color.FgRed, color.Bold).SprintFunc()
		fmt.Printf("%s You are deploying %s to %s.\n", red("⚠ PRODUCTION"), projectName, red(p.FileName))
		typed, err := readLine(fmt.Sprintf("Type the profile name (%s) to continue: ", p.FileName))
		if err != nil {
			return err
		}
		if typed != p.FileName {
			return errAborted
		}
		return nil
	}

	if assumeYes {
		return nil
	}
	if !confirm(fmt.Sprintf("Deploy %s with profile %s (%s)?", projectName, p.FileName, p.Environment.DisplayName())) {
		return errAborted
	}
	return nil
}
