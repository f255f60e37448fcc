package vault

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/pubdeploy/internal/logging"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvVaultConfig configures the environment-variable backend. The function
// fields default to the real OS and exist so tests can observe calls.
type EnvVaultConfig struct {
	GOOS    string
	HomeDir string
	Shell   string
	Logger  *zap.Logger
	// RunCommand executes a persistence command (setx on Windows)
	RunCommand func(ctx context.Context, name string, args ...string) error
}

// EnvVault persists credentials as OS environment variables. Persistence is
// best-effort: new shells see the variable, already-running ones do not.
// Store also sets the variable in this process so a deploy in the same run
// can read it back.
type EnvVault struct {
	goos    string
	homeDir string
	shell   string
	run     func(ctx context.Context, name string, args ...string) error
	log     *zap.Logger
}

// NewEnvVault builds the backend for the current OS
func NewEnvVault(cfg EnvVaultConfig) (*EnvVault, error) {
	v := &EnvVault{
		goos:    cfg.GOOS,
		homeDir: cfg.HomeDir,
		shell:   cfg.Shell,
		run:     cfg.RunCommand,
		log:     logging.OrNop(cfg.Logger),
	}
	if v.goos == "" {
		v.goos = runtime.GOOS
	}
	if v.homeDir == "" && v.goos != "windows" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to find home directory: %w", err)
		}
		v.homeDir = home
	}
	if v.shell == "" {
		v.shell = os.Getenv("SHELL")
	}
	if v.run == nil {
		v.run = func(ctx context.Context, name string, args ...string) error {
			out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
			}
			return nil
		}
	}
	return v, nil
}

// Name identifies the backend in CLI output
func (v *EnvVault) Name() string {
	return "environment"
}

// StartupFile is the shell file Store appends to on non-Windows systems
func (v *EnvVault) StartupFile() string {
	switch filepath.Base(v.shell) {
	case "zsh":
		return filepath.Join(v.homeDir, ".zshrc")
	case "bash":
		return filepath.Join(v.homeDir, ".bashrc")
	default:
		return filepath.Join(v.homeDir, ".profile")
	}
}

// Store persists key=value for future shells and sets it in this process
func (v *EnvVault) Store(ctx context.Context, key, value string) bool {
	if !envKeyPattern.MatchString(key) {
		v.log.Error("invalid environment variable name", zap.String("key", key))
		return false
	}

	var err error
	if v.goos == "windows" {
		// setx never logs the value; only its exit status matters
		err = v.run(ctx, "setx", key, value)
	} else {
		err = v.writeExport(key, value)
	}
	if err != nil {
		v.log.Error("failed to persist credential variable", zap.String("key", key), zap.Error(err))
		return false
	}

	if err := os.Setenv(key, value); err != nil {
		v.log.Warn("credential persisted but not visible in this process", zap.String("key", key), zap.Error(err))
	}
	v.log.Info("credential stored as environment variable; open a new shell for other tools to see it",
		zap.String("key", key))
	return true
}

// writeExport replaces any previous export of key in the startup file
func (v *EnvVault) writeExport(key, value string) error {
	path := v.StartupFile()
	prefix := "export " + key + "="

	var kept []string
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	mode := os.FileMode(0600)
	if err == nil {
		if info, statErr := os.Stat(path); statErr == nil {
			mode = info.Mode().Perm()
		}
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), prefix) {
				continue
			}
			kept = append(kept, line)
		}
	}
	kept = append(kept, prefix+shellQuote(value))

	if err := os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// shellQuote wraps s in single quotes for POSIX shells
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Retrieve reads the variable from this process's environment only
func (v *EnvVault) Retrieve(ctx context.Context, key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Delete cannot reliably unset a persistent OS variable from inside a
// process, so it only tells the user how to do it.
func (v *EnvVault) Delete(ctx context.Context, key string) bool {
	if v.goos == "windows" {
		v.log.Info("remove the credential variable manually",
			zap.String("key", key),
			zap.String("hint", `REG delete HKCU\Environment /F /V `+key))
	} else {
		v.log.Info("remove the credential variable manually",
			zap.String("key", key),
			zap.String("file", v.StartupFile()))
	}
	return true
}
