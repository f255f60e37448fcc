package project

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/steveyegge/pubdeploy/internal/deploy"
)

// modern TFMs: net5.0 and later, plus netcoreapp1.0-3.1
var frameworkPattern = regexp.MustCompile(`^(?:net|netcoreapp)(\d+)\.(\d+)`)

// SDKCheck is the result of comparing the installed SDK with a project
type SDKCheck struct {
	Framework string
	Installed string // as reported by the tool, e.g. 8.0.100
	Required  string // minimum SDK line, e.g. 8.0; empty when not checkable
	OK        bool
}

// RequiredSDK maps a target framework moniker to the minimum SDK version in
// semver form ("v8.0"). .NET Framework and netstandard monikers have no SDK
// requirement and return "".
func RequiredSDK(framework string) string {
	m := frameworkPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(framework)))
	if m == nil {
		return ""
	}
	return "v" + m[1] + "." + m[2]
}

// CheckSDK runs `<tool> --version` and reports whether the installed SDK can
// build framework
func CheckSDK(ctx context.Context, runner deploy.Runner, tool, framework string) (*SDKCheck, error) {
	if tool == "" {
		tool = deploy.DefaultPublishTool
	}
	check := &SDKCheck{Framework: framework}

	res, err := runner.Run(ctx, deploy.Command{Name: tool, Args: []string{"--version"}}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s version: %w", tool, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s --version exited with code %d", tool, res.ExitCode)
	}
	for _, line := range res.Output {
		if line = strings.TrimSpace(line); line != "" {
			check.Installed = line
			break
		}
	}

	installed := "v" + check.Installed
	if !semver.IsValid(installed) {
		return nil, fmt.Errorf("unrecognized %s version %q", tool, check.Installed)
	}

	required := RequiredSDK(framework)
	if required == "" {
		check.OK = true
		return check, nil
	}
	check.Required = strings.TrimPrefix(required, "v")
	check.OK = semver.Compare(installed, required) >= 0
	return check, nil
}
