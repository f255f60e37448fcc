// Package postdeploy holds the optional side effects of a successful
// deploy: opening the site in a browser and switching the remote ASP.NET
// Core stdout log on or off. Nothing here can fail a deployment; problems
// come back as warning strings.
package postdeploy

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/pubdeploy/internal/deploy"
	"github.com/steveyegge/pubdeploy/internal/logging"
	"github.com/steveyegge/pubdeploy/internal/types"
	"github.com/steveyegge/pubdeploy/internal/vault"
)

// DefaultDeployTool is the Web Deploy client used for remote config changes
const DefaultDeployTool = "msdeploy"

// DefaultStdoutLogFile is used when a profile has no LogPath
const DefaultStdoutLogFile = `.\logs\stdout`

// CommandRunner runs an external command and returns its combined output
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand is the os/exec CommandRunner
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config holds Actions dependencies
type Config struct {
	// OpenBrowserDefault applies when a profile leaves OpenBrowserOnDeploy unset
	OpenBrowserDefault bool
	DeployTool         string
	// Vault supplies the Web Deploy password for ToggleStdoutLog
	Vault  vault.Vault
	GOOS   string        // defaults to runtime.GOOS
	Run    CommandRunner // defaults to ExecCommand
	Logger *zap.Logger
}

// Actions runs post-deploy side effects
type Actions struct {
	openBrowserDefault bool
	deployTool         string
	vault              vault.Vault
	goos               string
	run                CommandRunner
	log                *zap.Logger
}

// New creates post-deploy actions
func New(cfg Config) *Actions {
	a := &Actions{
		openBrowserDefault: cfg.OpenBrowserDefault,
		deployTool:         cfg.DeployTool,
		vault:              cfg.Vault,
		goos:               cfg.GOOS,
		run:                cfg.Run,
		log:                logging.OrNop(cfg.Logger),
	}
	if a.deployTool == "" {
		a.deployTool = DefaultDeployTool
	}
	if a.goos == "" {
		a.goos = runtime.GOOS
	}
	if a.run == nil {
		a.run = ExecCommand
	}
	return a
}

// Run performs every action the profile asks for after a successful deploy
// and returns warnings for the ones that did not work
func (a *Actions) Run(ctx context.Context, projectName string, p *types.PublishProfile) []string {
	var notices []string

	if p.EnableStdoutLog != nil {
		if warning := a.ToggleStdoutLog(ctx, projectName, p, *p.EnableStdoutLog); warning != "" {
			notices = append(notices, warning)
		}
	}

	if a.ShouldOpenBrowser(p) {
		if err := a.OpenBrowser(ctx, p.SiteURL); err != nil {
			a.log.Warn("failed to open browser", zap.String("url", p.SiteURL), zap.Error(err))
			notices = append(notices, fmt.Sprintf("Deployment succeeded, but the browser could not be opened: %v", err))
		}
	}
	return notices
}

// ShouldOpenBrowser applies the profile flag, else the global default, and
// requires a site URL
func (a *Actions) ShouldOpenBrowser(p *types.PublishProfile) bool {
	if strings.TrimSpace(p.SiteURL) == "" {
		return false
	}
	if p.OpenBrowserOnDeploy != nil {
		return *p.OpenBrowserOnDeploy
	}
	return a.openBrowserDefault
}

// OpenBrowser opens rawURL with the platform URL handler. Only http and
// https URLs are accepted.
func (a *Actions) OpenBrowser(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("invalid site URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("refusing to open non-web URL %q", rawURL)
	}

	name, args := browserCommand(a.goos, u.String())
	if out, err := a.run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func browserCommand(goos, target string) (string, []string) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	case "darwin":
		return "open", []string{target}
	default:
		return "xdg-open", []string{target}
	}
}

// ToggleStdoutLog patches aspNetCore/@stdoutLogEnabled (and the log file
// path) in the remote web.config through Web Deploy. It returns an empty
// string on success and a warning otherwise.
func (a *Actions) ToggleStdoutLog(ctx context.Context, projectName string, p *types.PublishProfile, enabled bool) string {
	if p.PublishMethod != "" && p.PublishMethod != types.PublishMethodMSDeploy {
		return fmt.Sprintf("stdout logging can only be toggled on %s profiles", types.PublishMethodMSDeploy)
	}
	if p.PublishURL == "" || p.SiteName == "" {
		return "stdout logging not changed: profile has no publish URL or site name"
	}

	password := ""
	if a.vault != nil {
		key := vault.GenerateKey(projectName, p.FileName)
		if v, ok := a.vault.Retrieve(ctx, key); ok {
			password = v
		} else {
			return fmt.Sprintf("stdout logging not changed: no credentials stored under %s", key)
		}
	}

	args := StdoutLogArgs(p, password, enabled)
	a.log.Info("toggling remote stdout log",
		zap.String("profile", p.FileName),
		zap.Bool("enabled", enabled),
		zap.Strings("args", deploy.RedactArgs(args, password)))

	out, err := a.run(ctx, a.deployTool, args...)
	if err != nil {
		detail := strings.TrimSpace(deploy.Redact(string(out), password))
		a.log.Warn("failed to toggle stdout log", zap.String("profile", p.FileName), zap.Error(err), zap.String("output", detail))
		return fmt.Sprintf("stdout logging not changed: %s failed: %v", a.deployTool, err)
	}
	return ""
}

// StdoutLogArgs builds the Web Deploy sync that rewrites web.config in place
func StdoutLogArgs(p *types.PublishProfile, password string, enabled bool) []string {
	logFile := p.LogPath
	if logFile == "" {
		logFile = DefaultStdoutLogFile
	}

	endpoint := fmt.Sprintf("contentPath='%s',computerName='%s',userName='%s',password='%s',authType='Basic'",
		p.SiteName, serviceURL(p.PublishURL, p.SiteName), p.UserName, password)

	return []string{
		"-verb:sync",
		"-source:" + endpoint,
		"-dest:" + endpoint,
		`-setParam:type=XmlFile,scope=web\.config$,match=/configuration/system.webServer/aspNetCore/@stdoutLogEnabled,value=` + strings.ToLower(fmt.Sprint(enabled)),
		`-setParam:type=XmlFile,scope=web\.config$,match=/configuration/system.webServer/aspNetCore/@stdoutLogFile,value=` + logFile,
		"-allowUntrusted",
	}
}

// serviceURL turns a bare host into the WMSVC endpoint Web Deploy expects
func serviceURL(publishURL, site string) string {
	if strings.Contains(publishURL, "://") {
		return publishURL
	}
	host := strings.TrimSuffix(publishURL, "/")
	if !strings.Contains(host, ":") {
		host += ":8172"
	}
	return fmt.Sprintf("https://%s/msdeploy.axd?site=%s", host, url.QueryEscape(strings.SplitN(site, "/", 2)[0]))
}
