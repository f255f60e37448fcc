// Package deploy runs one publish of a profile end to end: it records the
// attempt, fetches the credential, runs the publish tool, classifies the
// outcome and closes the record. Deploy never returns an error; every
// failure is reported in the Result.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/steveyegge/pubdeploy/internal/history"
	"github.com/steveyegge/pubdeploy/internal/logging"
	"github.com/steveyegge/pubdeploy/internal/profile"
	"github.com/steveyegge/pubdeploy/internal/storage"
	"github.com/steveyegge/pubdeploy/internal/types"
	"github.com/steveyegge/pubdeploy/internal/vault"
)

var (
	// ErrCredentialsNotConfigured means the vault has no entry for the profile
	ErrCredentialsNotConfigured = errors.New("credentials not configured")
	// ErrProjectNotFound means the project manifest could not be resolved
	ErrProjectNotFound = errors.New("project file not found")
)

// DefaultPublishTool is the build tool invoked when none is configured
const DefaultPublishTool = "dotnet"

// Progress budget. Increments never add up to more than 100.
const (
	progressRecorded   = 5
	progressCredential = 10
	progressStarted    = 10
	progressOutputStep = 2
	progressOutputMax  = 60
	progressTotal      = 100
)

// ProgressFunc receives a status message and a non-negative increment
type ProgressFunc func(message string, increment int)

// HistoryRecorder is the part of the history ledger a deploy writes to
type HistoryRecorder interface {
	Add(ctx context.Context, rec types.DeploymentRecord, profilePath string) (string, error)
	Update(ctx context.Context, id string, upd history.RecordUpdate, profilePath string) error
}

// PostDeployer runs side effects after a successful deploy. It returns
// user-facing notices; it must not fail the deploy.
type PostDeployer interface {
	Run(ctx context.Context, projectName string, p *types.PublishProfile) []string
}

// Config holds Orchestrator dependencies
type Config struct {
	Vault      vault.Vault     // required
	History    HistoryRecorder // required
	Runner     Runner          // defaults to ExecRunner with Timeout
	PostDeploy PostDeployer    // optional
	Repo       storage.FileRepository

	PublishTool string
	Timeout     time.Duration

	// Sink receives every (redacted) output line live
	Sink   LineFunc
	Logger *zap.Logger
}

// Request names what to deploy
type Request struct {
	// ProjectPath is a .csproj file or a directory holding exactly one
	ProjectPath string
	ProjectName string
	Profile     *types.PublishProfile
}

// Result is the outcome of one Deploy call
type Result struct {
	Success      bool
	ErrorMessage string
	Output       []string
	RecordID     string
	Duration     time.Duration
	// HistoryErr is set when the attempt could not be recorded or closed.
	// The deploy outcome above is still accurate.
	HistoryErr error
	// Notices are post-deploy warnings for the user
	Notices []string
}

// Orchestrator runs deployments
type Orchestrator struct {
	vault       vault.Vault
	history     HistoryRecorder
	runner      Runner
	postDeploy  PostDeployer
	repo        storage.FileRepository
	publishTool string
	sink        LineFunc
	log         *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	guards map[string]*semaphore.Weighted
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg *Config) (*Orchestrator, error) {
	if cfg.Vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history recorder is required")
	}
	runner := cfg.Runner
	if runner == nil {
		runner = &ExecRunner{Timeout: cfg.Timeout}
	}
	repo := cfg.Repo
	if repo == nil {
		repo = storage.NewOSRepository()
	}
	tool := cfg.PublishTool
	if tool == "" {
		tool = DefaultPublishTool
	}
	return &Orchestrator{
		vault:       cfg.Vault,
		history:     cfg.History,
		runner:      runner,
		postDeploy:  cfg.PostDeploy,
		repo:        repo,
		publishTool: tool,
		sink:        cfg.Sink,
		log:         logging.OrNop(cfg.Logger),
		now:         time.Now,
		guards:      make(map[string]*semaphore.Weighted),
	}, nil
}

// Deploy publishes req.Profile. Exactly one history record is created per
// call (unless the ledger itself fails) and it always ends terminal.
func (o *Orchestrator) Deploy(ctx context.Context, req Request, onProgress ProgressFunc) (result *Result) {
	result = &Result{}
	start := o.now()
	progress := newProgressReporter(onProgress)

	if req.Profile == nil {
		result.ErrorMessage = "no profile given"
		return result
	}
	p := req.Profile
	log := o.log.With(zap.String("profile", p.FileName), zap.String("environment", p.Environment.DisplayName()))

	// Pre-flight has no side effects; its failure is recorded below
	csproj, resolveErr := ResolveManifest(o.repo, req.ProjectPath)
	projectName := req.ProjectName
	if projectName == "" && resolveErr == nil {
		projectName = profile.NameFromPath(csproj)
	}

	id, err := o.history.Add(ctx, types.DeploymentRecord{
		ProfileName: p.FileName,
		ProjectName: projectName,
		Environment: p.Environment.DisplayName(),
		Status:      types.DeploymentInProgress,
		StartTime:   start,
	}, p.Path)
	if err != nil {
		result.HistoryErr = err
		log.Error("failed to record deployment start", zap.Error(err))
	} else {
		result.RecordID = id
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("deploy panicked", zap.Any("panic", r), zap.Stack("stack"))
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("internal error: %v", r)
		}
		o.finalize(ctx, result, start, p.Path, log)
		if result.Success {
			o.runPostDeploy(ctx, projectName, p, result, log)
		}
		if result.Success {
			progress.report("Deployment succeeded", progressTotal)
		} else {
			progress.report("Deployment failed", 0)
		}
	}()

	progress.report("Deployment recorded", progressRecorded)

	release, err := o.acquire(ctx, guardKey(p))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("waiting for another deploy of %s: %v", p.FileName, err)
		return result
	}
	defer release()

	if resolveErr != nil {
		result.ErrorMessage = resolveErr.Error()
		return result
	}

	key := vault.GenerateKey(projectName, p.FileName)
	secret, ok := o.vault.Retrieve(ctx, key)
	if !ok {
		err := fmt.Errorf("%w for profile %q (vault key %s)", ErrCredentialsNotConfigured, p.FileName, key)
		result.ErrorMessage = err.Error()
		log.Warn("deploy aborted", zap.Error(err))
		return result
	}
	progress.report("Credentials loaded", progressCredential)

	cmd := o.publishCommand(csproj, p.FileName, secret)
	log.Info("starting publish",
		zap.String("command", cmd.Name),
		zap.Strings("args", RedactArgs(cmd.Args, secret)),
		zap.String("dir", cmd.Dir))
	progress.report("Publishing "+p.FileName, progressStarted)

	outputProgress := &rate.Sometimes{Interval: 500 * time.Millisecond}
	onLine := func(stream Stream, line string) {
		line = Redact(line, secret)
		log.Debug("publish output", zap.String("stream", string(stream)), zap.String("line", line))
		if o.sink != nil {
			o.sink(stream, line)
		}
		outputProgress.Do(func() {
			progress.reportCapped(summarize(line), progressOutputStep, progressOutputMax)
		})
	}

	run, runErr := o.runner.Run(ctx, cmd, onLine)
	if run != nil {
		result.Output = make([]string, len(run.Output))
		for i, line := range run.Output {
			result.Output[i] = Redact(line, secret)
		}
	}

	switch {
	case runErr != nil:
		result.ErrorMessage = Redact(runErr.Error(), secret)
	case run == nil:
		result.ErrorMessage = o.publishTool + " produced no result"
	case run.ExitCode != 0:
		result.ErrorMessage = ClassifyFailure(result.Output, o.publishTool, run.ExitCode)
	default:
		result.Success = true
	}
	return result
}

// finalize closes the history record. It runs exactly once per Deploy,
// whatever happened before it, and survives cancellation of ctx.
func (o *Orchestrator) finalize(ctx context.Context, result *Result, start time.Time, profilePath string, log *zap.Logger) {
	end := o.now()
	result.Duration = end.Sub(start)

	if result.Success {
		log.Info("deploy succeeded", zap.Duration("duration", result.Duration))
	} else {
		log.Warn("deploy failed", zap.String("error", result.ErrorMessage), zap.Duration("duration", result.Duration))
	}

	if result.RecordID == "" {
		return
	}
	upd := history.RecordUpdate{
		Status:   types.DeploymentFailed,
		EndTime:  end,
		Duration: result.Duration,
	}
	if result.Success {
		upd.Status = types.DeploymentSuccess
	} else {
		upd.ErrorMessage = result.ErrorMessage
	}
	if err := o.history.Update(context.WithoutCancel(ctx), result.RecordID, upd, profilePath); err != nil {
		log.Error("failed to close deployment record", zap.String("id", result.RecordID), zap.Error(err))
		result.HistoryErr = errors.Join(result.HistoryErr, err)
	}
}

func (o *Orchestrator) runPostDeploy(ctx context.Context, projectName string, p *types.PublishProfile, result *Result, log *zap.Logger) {
	if o.postDeploy == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("post-deploy action panicked", zap.Any("panic", r))
			result.Notices = append(result.Notices, fmt.Sprintf("post-deploy action failed: %v", r))
		}
	}()
	result.Notices = append(result.Notices, o.postDeploy.Run(ctx, projectName, p)...)
}

// publishCommand builds the fixed publish invocation
func (o *Orchestrator) publishCommand(csproj, profileName, secret string) Command {
	return Command{
		Name: o.publishTool,
		Args: []string{
			"publish",
			csproj,
			"/p:PublishProfile=" + profileName,
			"/p:Password=" + secret,
			"/p:Configuration=Release",
			"/p:AllowUntrustedCertificate=true",
		},
		Dir: filepath.Dir(csproj),
	}
}

// acquire takes the per-profile guard. Two deploys of one profile run one
// after the other; different profiles never wait on each other.
func (o *Orchestrator) acquire(ctx context.Context, key string) (func(), error) {
	o.mu.Lock()
	sem, ok := o.guards[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		o.guards[key] = sem
	}
	o.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

func guardKey(p *types.PublishProfile) string {
	if p.Path != "" {
		return filepath.Clean(p.Path)
	}
	return p.FileName
}

// ResolveManifest accepts a .csproj path or a directory containing exactly
// one .csproj
func ResolveManifest(repo storage.FileRepository, projectPath string) (string, error) {
	if strings.TrimSpace(projectPath) == "" {
		return "", fmt.Errorf("%w: no project path given", ErrProjectNotFound)
	}

	if strings.EqualFold(filepath.Ext(projectPath), ".csproj") {
		exists, err := repo.Exists(projectPath)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrProjectNotFound, projectPath, err)
		}
		if !exists {
			return "", fmt.Errorf("%w: %s", ErrProjectNotFound, projectPath)
		}
		return projectPath, nil
	}

	matches, err := repo.Glob(projectPath, "*.csproj")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrProjectNotFound, projectPath, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w in %s", ErrProjectNotFound, projectPath)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s holds %d project files, pass one explicitly", ErrProjectNotFound, projectPath, len(matches))
	}
}

func summarize(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		return truncateBytes(line, 77)
	}
	return line
}

// progressReporter keeps the running total within progressTotal
type progressReporter struct {
	fn     ProgressFunc
	mu     sync.Mutex
	total  int
	output int
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn}
}

func (r *progressReporter) report(message string, increment int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(message, increment)
}

// reportCapped reports an output-driven increment, at most capTotal overall
func (r *progressReporter) reportCapped(message string, increment, capTotal int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output+increment > capTotal {
		increment = capTotal - r.output
	}
	r.output += increment
	r.emit(message, increment)
}

func (r *progressReporter) emit(message string, increment int) {
	if r.fn == nil {
		return
	}
	if increment < 0 {
		increment = 0
	}
	if r.total+increment > progressTotal {
		increment = progressTotal - r.total
	}
	r.total += increment

	// a broken progress callback must not abort the deploy
	defer func() { _ = recover() }()
	r.fn(message, increment)
}
