package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/pubdeploy/internal/config"
	"github.com/steveyegge/pubdeploy/internal/history"
	"github.com/steveyegge/pubdeploy/internal/logging"
	"github.com/steveyegge/pubdeploy/internal/postdeploy"
	"github.com/steveyegge/pubdeploy/internal/profile"
	"github.com/steveyegge/pubdeploy/internal/project"
	"github.com/steveyegge/pubdeploy/internal/storage"
	"github.com/steveyegge/pubdeploy/internal/vault"
)

var (
	workspaceDir string
	configPath   string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "pubdeploy",
	Short: "Manage .NET publish profiles and deploy them",
	Long: `pubdeploy discovers .NET projects and their publish profiles, creates and
edits profiles, stores deploy credentials outside of the profile documents,
and runs deployments with a durable per-profile history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeApp()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "Workspace root (default: $PUBDEPLOY_WORKSPACE or current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/"+config.FileName+")")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Debug logging, including publish output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		closeApp()
		os.Exit(1)
	}
}

// application is the wiring shared by every command
type application struct {
	root     string
	cfg      config.Config
	log      *zap.Logger
	repo     storage.FileRepository
	vault    vault.Vault
	ledger   *history.Ledger
	profiles *profile.Store
	scanner  *project.Scanner
	post     *postdeploy.Actions
}

var (
	appOnce sync.Once
	app     *application
	appErr  error
)

// mustApp builds the application on first use and exits on failure, so
// commands that do not need it (version, doctor) never open the vault
func mustApp() *application {
	appOnce.Do(func() {
		app, appErr = newApplication()
	})
	if appErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", appErr)
		os.Exit(1)
	}
	return app
}

func resolveWorkspace() (string, error) {
	if workspaceDir != "" {
		os.Setenv(storage.WorkspaceEnv, workspaceDir)
	}
	return storage.DiscoverWorkspace()
}

func loadConfig(root string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(root, configPath)
	if err != nil {
		return cfg, nil, err
	}
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, logging.Format(cfg.LogFormat))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func newApplication() (*application, error) {
	root, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}
	cfg, logger, err := loadConfig(root)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential vault: %w", err)
	}

	repo := storage.NewOSRepository()
	ledger, err := history.NewLedger(&history.Config{
		Repo:      repo,
		Root:      root,
		Retention: cfg.HistoryRetention,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	profiles, err := profile.NewStore(&profile.Config{
		Repo:      repo,
		Vault:     v,
		Confirmer: profile.ConfirmFunc(confirmOverwrite),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	scanner, err := project.NewScanner(&project.Config{
		Repo:     repo,
		Profiles: profiles,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		root:     root,
		cfg:      cfg,
		log:      logger,
		repo:     repo,
		vault:    v,
		ledger:   ledger,
		profiles: profiles,
		scanner:  scanner,
		post: postdeploy.New(postdeploy.Config{
			OpenBrowserDefault: cfg.OpenBrowserOnDeploy,
			DeployTool:         cfg.DeployTool,
			Vault:              v,
			Logger:             logger,
		}),
	}, nil
}

func closeApp() {
	if app == nil {
		return
	}
	if c, ok := app.vault.(io.Closer); ok {
		_ = c.Close()
	}
	_ = app.log.Sync()
}

func exitErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	closeApp()
	os.Exit(1)
}
