package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/steveyegge/pubdeploy/internal/history"
	"github.com/steveyegge/pubdeploy/internal/storage"
	"github.com/steveyegge/pubdeploy/internal/types"
	"github.com/steveyegge/pubdeploy/internal/vault"
)

const testSecret = "s3cr3t-P@ss"

type memVault struct {
	mu        sync.Mutex
	values    map[string]string
	retrieved []string
}

func newMemVault() *memVault { return &memVault{values: map[string]string{}} }

func (v *memVault) Store(ctx context.Context, key, value string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[key] = value
	return true
}

func (v *memVault) Retrieve(ctx context.Context, key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.retrieved = append(v.retrieved, key)
	val, ok := v.values[key]
	return val, ok
}

func (v *memVault) Delete(ctx context.Context, key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
	return true
}

func (v *memVault) Name() string { return "memory" }

// fakeRunner replays scripted output instead of spawning a process
type fakeRunner struct {
	exitCode int
	lines    []struct {
		stream Stream
		text   string
	}
	err   error
	panic any
	delay time.Duration

	calls    atomic.Int32
	running  atomic.Int32
	maxSeen  atomic.Int32
	mu       sync.Mutex
	commands []Command
}

func (r *fakeRunner) emit(stream Stream, text string) *fakeRunner {
	r.lines = append(r.lines, struct {
		stream Stream
		text   string
	}{stream, text})
	return r
}

func (r *fakeRunner) Run(ctx context.Context, cmd Command, onLine LineFunc) (*RunResult, error) {
	r.calls.Add(1)
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()

	if r.panic != nil {
		panic(r.panic)
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	result := &RunResult{ExitCode: r.exitCode}
	for _, l := range r.lines {
		result.Output = append(result.Output, l.text)
		onLine(l.stream, l.text)
	}
	return result, r.err
}

type fixture struct {
	orch    *Orchestrator
	ledger  *history.Ledger
	vault   *memVault
	runner  *fakeRunner
	logs    *observer.ObservedLogs
	project string
	csproj  string
	profile *types.PublishProfile
}

func newFixture(t *testing.T, runner *fakeRunner, post PostDeployer) *fixture {
	t.Helper()
	root := t.TempDir()
	project := filepath.Join(root, "MyApi")
	require.NoError(t, os.MkdirAll(filepath.Join(project, "Properties", "PublishProfiles"), 0755))
	csproj := filepath.Join(project, "MyApi.csproj")
	require.NoError(t, os.WriteFile(csproj, []byte("<Project/>"), 0644))

	ledger, err := history.NewLedger(&history.Config{Repo: storage.NewOSRepository(), Root: root})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	v := newMemVault()
	orch, err := NewOrchestrator(&Config{
		Vault:      v,
		History:    ledger,
		Runner:     runner,
		PostDeploy: post,
		Logger:     zap.New(core),
	})
	require.NoError(t, err)

	return &fixture{
		orch:    orch,
		ledger:  ledger,
		vault:   v,
		runner:  runner,
		logs:    logs,
		project: project,
		csproj:  csproj,
		profile: &types.PublishProfile{
			FileName:    "UAT",
			Path:        filepath.Join(project, "Properties", "PublishProfiles", "UAT.pubxml"),
			Environment: types.EnvStaging,
			SiteURL:     "https://uat.example.com",
		},
	}
}

func (f *fixture) storeCredential() {
	f.vault.Store(context.Background(), vault.GenerateKey("MyApi", f.profile.FileName), testSecret)
}

func (f *fixture) deploy(t *testing.T, onProgress ProgressFunc) *Result {
	t.Helper()
	return f.orch.Deploy(context.Background(), Request{
		ProjectPath: f.project,
		ProjectName: "MyApi",
		Profile:     f.profile,
	}, onProgress)
}

func (f *fixture) records(t *testing.T) []types.DeploymentRecord {
	t.Helper()
	all, err := f.ledger.GetAll(context.Background())
	require.NoError(t, err)
	return all
}

func TestNewOrchestrator_RequiresDependencies(t *testing.T) {
	_, err := NewOrchestrator(&Config{History: &history.Ledger{}})
	assert.Error(t, err)
	_, err = NewOrchestrator(&Config{Vault: newMemVault()})
	assert.Error(t, err)
}

func TestDeploy_Success(t *testing.T) {
	runner := (&fakeRunner{}).emit(Stdout, "Restoring packages").emit(Stdout, "Publish succeeded.")
	f := newFixture(t, runner, nil)
	f.storeCredential()

	result := f.deploy(t, nil)
	require.True(t, result.Success, result.ErrorMessage)
	assert.Empty(t, result.ErrorMessage)
	assert.NoError(t, result.HistoryErr)
	assert.Equal(t, []string{"Restoring packages", "Publish succeeded."}, result.Output)

	require.Len(t, runner.commands, 1)
	cmd := runner.commands[0]
	assert.Equal(t, DefaultPublishTool, cmd.Name)
	assert.Equal(t, []string{
		"publish",
		f.csproj,
		"/p:PublishProfile=UAT",
		"/p:Password=" + testSecret,
		"/p:Configuration=Release",
		"/p:AllowUntrustedCertificate=true",
	}, cmd.Args)
	assert.Equal(t, f.project, cmd.Dir)

	records := f.records(t)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, result.RecordID, rec.ID)
	assert.Equal(t, types.DeploymentSuccess, rec.Status)
	assert.Equal(t, "UAT", rec.ProfileName)
	assert.Equal(t, "MyApi", rec.ProjectName)
	assert.Equal(t, "Staging", rec.Environment)
	require.NotNil(t, rec.Duration)
	require.NotNil(t, rec.EndTime)
	assert.Empty(t, rec.ErrorMessage)
}

func TestDeploy_MissingCredential(t *testing.T) {
	runner := &fakeRunner{}
	f := newFixture(t, runner, nil)

	result := f.deploy(t, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "credentials not configured")
	assert.Contains(t, result.ErrorMessage, "PUBDEPLOY_MYAPI_UAT")
	assert.Zero(t, runner.calls.Load(), "publish tool must not run")

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, types.DeploymentFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "credentials not configured")
}

func TestDeploy_SubprocessFailure(t *testing.T) {
	runner := (&fakeRunner{exitCode: 1}).
		emit(Stdout, "Building...").
		emit(Stderr, "error: disk full").
		emit(Stdout, "Build FAILED.")
	f := newFixture(t, runner, nil)
	f.storeCredential()

	result := f.deploy(t, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "disk full")
	assert.Len(t, result.Output, 3)

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, types.DeploymentFailed, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "disk full")
}

func TestDeploy_UnresolvedProject(t *testing.T) {
	runner := &fakeRunner{}
	f := newFixture(t, runner, nil)
	f.storeCredential()

	result := f.orch.Deploy(context.Background(), Request{
		ProjectPath: filepath.Join(f.project, "Missing.csproj"),
		ProjectName: "MyApi",
		Profile:     f.profile,
	}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, ErrProjectNotFound.Error())
	assert.Zero(t, runner.calls.Load())
	assert.Empty(t, f.vault.retrieved, "no credential lookup before the project resolves")

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, types.DeploymentFailed, records[0].Status)
}

func TestDeploy_SpawnError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("failed to start dotnet: executable file not found")}
	f := newFixture(t, runner, nil)
	f.storeCredential()

	result := f.deploy(t, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "executable file not found")
	assert.Equal(t, types.DeploymentFailed, f.records(t)[0].Status)
}

func TestDeploy_PanicIsRecoveredAndRecorded(t *testing.T) {
	runner := &fakeRunner{panic: "runner exploded"}
	f := newFixture(t, runner, nil)
	f.storeCredential()

	var result *Result
	require.NotPanics(t, func() { result = f.deploy(t, nil) })
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "runner exploded")

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, types.DeploymentFailed, records[0].Status)
}

func TestDeploy_HistoryInvariant(t *testing.T) {
	scenarios := map[string]func(f *fixture){
		"success":        func(f *fixture) { f.storeCredential() },
		"no credential":  func(f *fixture) {},
		"non-zero exit":  func(f *fixture) { f.storeCredential(); f.runner.exitCode = 2 },
		"spawn error":    func(f *fixture) { f.storeCredential(); f.runner.err = errors.New("boom") },
		"runner panics":  func(f *fixture) { f.storeCredential(); f.runner.panic = "boom" },
		"progress panic": func(f *fixture) { f.storeCredential() },
	}
	for name, setup := range scenarios {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, &fakeRunner{}, nil)
			setup(f)

			var onProgress ProgressFunc
			if name == "progress panic" {
				onProgress = func(string, int) { panic("ui gone") }
			}

			for i := 1; i <= 3; i++ {
				before := len(f.records(t))
				f.deploy(t, onProgress)
				records := f.records(t)
				require.Len(t, records, before+1)
				for _, rec := range records {
					assert.True(t, rec.Status.IsTerminal(), "record %s left %s", rec.ID, rec.Status)
				}
			}
		})
	}
}

func TestDeploy_RedactsSecret(t *testing.T) {
	runner := (&fakeRunner{exitCode: 1}).emit(Stdout, "error: login failed for password "+testSecret)
	f := newFixture(t, runner, nil)
	f.storeCredential()

	var sunk []string
	f.orch.sink = func(stream Stream, line string) { sunk = append(sunk, line) }

	result := f.deploy(t, nil)
	assert.NotContains(t, result.ErrorMessage, testSecret)
	assert.NotContains(t, strings.Join(result.Output, "\n"), testSecret)
	assert.NotContains(t, strings.Join(sunk, "\n"), testSecret)

	for _, entry := range f.logs.All() {
		assert.NotContains(t, entry.Message, testSecret)
		for _, field := range entry.Context {
			assert.NotContains(t, field.String, testSecret)
			if args, ok := field.Interface.(zapcore.ArrayMarshaler); ok {
				enc := zapcore.NewMapObjectEncoder()
				require.NoError(t, enc.AddArray("v", args))
				assert.NotContains(t, strings.Join(toStrings(enc.Fields["v"]), " "), testSecret)
			}
		}
	}

	started := f.logs.FilterMessage("starting publish").All()
	require.Len(t, started, 1)
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestDeploy_ProgressStaysWithinBudget(t *testing.T) {
	runner := &fakeRunner{}
	for i := 0; i < 200; i++ {
		runner.emit(Stdout, "line")
	}
	f := newFixture(t, runner, nil)
	f.storeCredential()

	var mu sync.Mutex
	total := 0
	var messages []string
	result := f.deploy(t, func(msg string, inc int) {
		mu.Lock()
		defer mu.Unlock()
		assert.GreaterOrEqual(t, inc, 0)
		total += inc
		messages = append(messages, msg)
	})
	require.True(t, result.Success)
	assert.Equal(t, 100, total)
	assert.Equal(t, "Deployment succeeded", messages[len(messages)-1])
	// output-driven updates are throttled, not one per line
	assert.Less(t, len(messages), 20)
}

type recordingPostDeploy struct {
	project string
	calls   int
	notices []string
	panic   bool
}

func (p *recordingPostDeploy) Run(ctx context.Context, projectName string, profile *types.PublishProfile) []string {
	p.calls++
	p.project = projectName
	if p.panic {
		panic("browser crashed")
	}
	return p.notices
}

func TestDeploy_PostDeployOnlyOnSuccess(t *testing.T) {
	post := &recordingPostDeploy{notices: []string{"could not open browser"}}
	f := newFixture(t, &fakeRunner{}, post)
	f.storeCredential()

	result := f.deploy(t, nil)
	require.True(t, result.Success)
	assert.Equal(t, 1, post.calls)
	assert.Equal(t, "MyApi", post.project)
	assert.Equal(t, []string{"could not open browser"}, result.Notices)

	f.runner.exitCode = 1
	result = f.deploy(t, nil)
	assert.False(t, result.Success)
	assert.Equal(t, 1, post.calls, "post-deploy must not run after a failure")
}

func TestDeploy_PostDeployPanicKeepsSuccess(t *testing.T) {
	post := &recordingPostDeploy{panic: true}
	f := newFixture(t, &fakeRunner{}, post)
	f.storeCredential()

	result := f.deploy(t, nil)
	assert.True(t, result.Success)
	require.Len(t, result.Notices, 1)
	assert.Contains(t, result.Notices[0], "browser crashed")
	assert.Equal(t, types.DeploymentSuccess, f.records(t)[0].Status)
}

func TestDeploy_SameProfileRunsSequentially(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	f := newFixture(t, runner, nil)
	f.storeCredential()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, f.deploy(t, nil).Success)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(4), runner.calls.Load())
	assert.Equal(t, int32(1), runner.maxSeen.Load())
	assert.Len(t, f.records(t), 4)
}

func TestDeploy_CancelledWhileWaitingIsRecorded(t *testing.T) {
	runner := &fakeRunner{}
	f := newFixture(t, runner, nil)
	f.storeCredential()

	release, err := f.orch.acquire(context.Background(), guardKey(f.profile))
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := f.orch.Deploy(ctx, Request{ProjectPath: f.project, ProjectName: "MyApi", Profile: f.profile}, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "waiting for another deploy")
	assert.Zero(t, runner.calls.Load())

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, types.DeploymentFailed, records[0].Status)
}

func TestDeploy_NilProfile(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	result := f.orch.Deploy(context.Background(), Request{ProjectPath: f.project}, nil)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestResolveManifest(t *testing.T) {
	repo := storage.NewOSRepository()
	dir := t.TempDir()

	_, err := ResolveManifest(repo, "")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = ResolveManifest(repo, dir)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	one := filepath.Join(dir, "One.csproj")
	require.NoError(t, os.WriteFile(one, []byte("<Project/>"), 0644))
	got, err := ResolveManifest(repo, dir)
	require.NoError(t, err)
	assert.Equal(t, one, got)

	got, err = ResolveManifest(repo, one)
	require.NoError(t, err)
	assert.Equal(t, one, got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Two.csproj"), []byte("<Project/>"), 0644))
	_, err = ResolveManifest(repo, dir)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}
