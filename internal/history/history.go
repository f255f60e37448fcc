// Package history records one entry per deployment attempt in a sidecar file
// next to each publish profile and aggregates them across the workspace.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/pubdeploy/internal/logging"
	"github.com/steveyegge/pubdeploy/internal/profile"
	"github.com/steveyegge/pubdeploy/internal/storage"
	"github.com/steveyegge/pubdeploy/internal/types"
)

// DefaultRetention is the per-profile record cap
const DefaultRetention = 50

// Config holds Ledger dependencies
type Config struct {
	Repo storage.FileRepository // required
	// Root is the workspace scanned by GetAll, ClearAll and ClearOne
	Root      string
	Retention int // <= 0 means DefaultRetention
	Logger    *zap.Logger
}

// RecordUpdate is the terminal transition applied by Update
type RecordUpdate struct {
	Status       types.DeploymentStatus
	EndTime      time.Time
	Duration     time.Duration
	ErrorMessage string
}

// Ledger is the deployment history store. It is safe for concurrent use;
// writers to one sidecar are serialized in-process and across processes.
type Ledger struct {
	repo      storage.FileRepository
	root      string
	retention int
	log       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // sidecar path -> writer mutex
}

// NewLedger creates a history ledger
func NewLedger(cfg *Config) (*Ledger, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("file repository is required")
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{
		repo:      cfg.Repo,
		root:      cfg.Root,
		retention: retention,
		log:       logging.OrNop(cfg.Logger),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Add persists rec as the newest entry of the profile's sidecar and returns
// its generated id. rec.ID is ignored. Records beyond the retention cap are
// dropped oldest first.
func (l *Ledger) Add(ctx context.Context, rec types.DeploymentRecord, profilePath string) (string, error) {
	if profilePath == "" {
		return "", fmt.Errorf("profile path is required")
	}
	if rec.Status == "" {
		rec.Status = types.DeploymentInProgress
	}
	if !rec.Status.IsValid() {
		return "", fmt.Errorf("invalid status: %s", rec.Status)
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now()
	}
	rec.ID = uuid.NewString()

	path := SidecarPath(profilePath)
	err := l.withSidecar(ctx, path, func(records []types.DeploymentRecord) ([]types.DeploymentRecord, bool) {
		records = append([]types.DeploymentRecord{rec}, records...)
		sortNewestFirst(records)
		if len(records) > l.retention {
			l.log.Debug("pruning deployment history",
				zap.String("sidecar", path),
				zap.Int("dropped", len(records)-l.retention))
			records = records[:l.retention]
		}
		return records, true
	})
	if err != nil {
		return "", fmt.Errorf("failed to record deployment: %w", err)
	}
	return rec.ID, nil
}

// Update applies the terminal transition to record id. Unknown ids and
// records that are already terminal are left alone without error, since a
// retried flow may race the original.
func (l *Ledger) Update(ctx context.Context, id string, upd RecordUpdate, profilePath string) error {
	if !upd.Status.IsTerminal() {
		return fmt.Errorf("update must set a terminal status, got %q", upd.Status)
	}
	if profilePath == "" {
		return fmt.Errorf("profile path is required")
	}

	path := SidecarPath(profilePath)
	err := l.withSidecar(ctx, path, func(records []types.DeploymentRecord) ([]types.DeploymentRecord, bool) {
		for i := range records {
			if records[i].ID != id {
				continue
			}
			if records[i].Status.IsTerminal() {
				l.log.Warn("ignoring update of finished deployment", zap.String("id", id))
				return records, false
			}
			end := upd.EndTime
			if end.IsZero() {
				end = time.Now()
			}
			duration := upd.Duration
			if duration == 0 {
				duration = end.Sub(records[i].StartTime)
			}
			records[i].Status = upd.Status
			records[i].EndTime = &end
			records[i].Duration = &duration
			if upd.Status == types.DeploymentFailed {
				records[i].ErrorMessage = upd.ErrorMessage
			} else {
				records[i].ErrorMessage = ""
			}
			return records, true
		}
		l.log.Debug("deployment record not found", zap.String("id", id), zap.String("sidecar", path))
		return records, false
	})
	if err != nil {
		return fmt.Errorf("failed to update deployment %s: %w", id, err)
	}
	return nil
}

// ForProfile returns the records of one profile, newest first. A missing or
// unreadable sidecar yields an empty list.
func (l *Ledger) ForProfile(ctx context.Context, profilePath string) []types.DeploymentRecord {
	return l.read(SidecarPath(profilePath))
}

// GetAll merges every sidecar under the workspace root, newest first
func (l *Ledger) GetAll(ctx context.Context) ([]types.DeploymentRecord, error) {
	paths, err := l.sidecars()
	if err != nil {
		return nil, err
	}

	var all []types.DeploymentRecord
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		all = append(all, l.read(path)...)
	}
	sortNewestFirst(all)
	return all, nil
}

// ClearAll deletes every sidecar under the workspace root, orphaned ones
// included. Returns the number of files removed.
func (l *Ledger) ClearAll(ctx context.Context) (int, error) {
	paths, err := l.sidecars()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range paths {
		err := l.lockSidecar(ctx, path, func() error {
			return l.repo.Remove(path)
		})
		if err != nil {
			return removed, fmt.Errorf("failed to clear %s: %w", path, err)
		}
		removed++
	}
	l.log.Info("cleared deployment history", zap.Int("sidecars", removed))
	return removed, nil
}

// ClearOne removes a single record by id. Returns false when no sidecar
// holds it. A sidecar left empty is deleted.
func (l *Ledger) ClearOne(ctx context.Context, id string) (bool, error) {
	paths, err := l.sidecars()
	if err != nil {
		return false, err
	}

	for _, path := range paths {
		found := false
		err := l.withSidecar(ctx, path, func(records []types.DeploymentRecord) ([]types.DeploymentRecord, bool) {
			for i := range records {
				if records[i].ID == id {
					found = true
					return append(records[:i], records[i+1:]...), true
				}
			}
			return records, false
		})
		if err != nil {
			return false, fmt.Errorf("failed to clear deployment %s: %w", id, err)
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) sidecars() ([]string, error) {
	if l.root == "" {
		return nil, fmt.Errorf("workspace root is not configured")
	}
	return storage.WalkFiles(l.root, Extension)
}

// read loads a sidecar, degrading to nil on any failure
func (l *Ledger) read(path string) []types.DeploymentRecord {
	c, err := l.load(path)
	if err != nil {
		l.log.Warn("ignoring unreadable deployment history", zap.String("sidecar", path), zap.Error(err))
		return nil
	}
	return c.records
}

// load decodes a sidecar. Invalid entries are logged and skipped; only a
// document that is not XML at all is an error.
func (l *Ledger) load(path string) (contents, error) {
	data, err := l.repo.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return contents{}, nil
		}
		return contents{}, err
	}
	c, err := decodeSidecar(data, profilePathFor(path))
	if err != nil {
		return contents{}, err
	}
	for _, bad := range c.invalid {
		l.log.Warn("skipping invalid deployment record", zap.String("sidecar", path), zap.Error(bad.err))
	}
	sortNewestFirst(c.records)
	return c, nil
}

// withSidecar runs a read-modify-write on one sidecar under its locks. fn
// returns the new list and whether it changed; unchanged lists are not
// written. A sidecar that is not valid XML is moved aside to
// <sidecar>.corrupt-<timestamp> and history starts over empty.
func (l *Ledger) withSidecar(ctx context.Context, path string, fn func([]types.DeploymentRecord) ([]types.DeploymentRecord, bool)) error {
	return l.lockSidecar(ctx, path, func() error {
		c, err := l.load(path)
		if err != nil {
			if !errors.Is(err, errMalformed) {
				return err
			}
			backup := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405.000000000Z"))
			if err := l.repo.Rename(path, backup); err != nil {
				return fmt.Errorf("failed to set aside unreadable history: %w", err)
			}
			l.log.Warn("moved unreadable deployment history aside",
				zap.String("sidecar", path), zap.String("backup", backup), zap.Error(err))
			c = contents{}
		}

		updated, changed := fn(c.records)
		if !changed {
			return nil
		}
		if len(updated) == 0 && len(c.invalid) == 0 {
			return l.repo.Remove(path)
		}
		data, err := encodeSidecar(updated, c.invalid)
		if err != nil {
			return err
		}
		return l.repo.WriteFile(path, data)
	})
}

func (l *Ledger) lockSidecar(ctx context.Context, path string, fn func() error) error {
	mu := l.sidecarMutex(path)
	mu.Lock()
	defer mu.Unlock()

	release, err := storage.AcquireFileLock(ctx, path, "history")
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			l.log.Warn("failed to release history lock", zap.String("sidecar", path), zap.Error(err))
		}
	}()
	return fn()
}

func (l *Ledger) sidecarMutex(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[path]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[path] = mu
	}
	return mu
}

// profilePathFor reverses SidecarPath for records read back from disk. The
// profile may have been deleted; the path is still reported for display.
func profilePathFor(sidecarPath string) string {
	return strings.TrimSuffix(sidecarPath, filepath.Ext(sidecarPath)) + profile.Extension
}

func sortNewestFirst(records []types.DeploymentRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})
}
