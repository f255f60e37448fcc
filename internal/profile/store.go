package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/pubdeploy/internal/logging"
	"github.com/steveyegge/pubdeploy/internal/storage"
	"github.com/steveyegge/pubdeploy/internal/types"
	"github.com/steveyegge/pubdeploy/internal/vault"
)

// Extension is the publish profile document suffix
const Extension = ".pubxml"

// ProfilesDir is the directory, relative to a project, that holds profiles
var ProfilesDir = filepath.Join("Properties", "PublishProfiles")

var (
	// ErrOverwriteDeclined is returned by Create when a profile already
	// exists and the caller did not confirm replacing it
	ErrOverwriteDeclined = errors.New("profile already exists and overwrite was declined")
	// ErrNotFound is returned by Load for a missing document
	ErrNotFound = errors.New("profile not found")
)

// Confirmer asks the user before an existing profile is replaced
type Confirmer interface {
	ConfirmOverwrite(path string) bool
}

// ConfirmFunc adapts a function to Confirmer
type ConfirmFunc func(path string) bool

func (f ConfirmFunc) ConfirmOverwrite(path string) bool { return f(path) }

// Config holds Store dependencies
type Config struct {
	Repo      storage.FileRepository // required
	Vault     vault.Vault            // optional: Delete also removes the credential
	Confirmer Confirmer              // optional: without it, overwrites are declined
	Logger    *zap.Logger
}

// Store creates, reads, and deletes publish profile documents
type Store struct {
	repo      storage.FileRepository
	vault     vault.Vault
	confirmer Confirmer
	log       *zap.Logger
	newGUID   func() string
}

// NewStore creates a profile store
func NewStore(cfg *Config) (*Store, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("file repository is required")
	}
	return &Store{
		repo:      cfg.Repo,
		vault:     cfg.Vault,
		confirmer: cfg.Confirmer,
		log:       logging.OrNop(cfg.Logger),
		newGUID:   func() string { return uuid.NewString() },
	}, nil
}

// CanonicalPath is where a profile named name lives for a project
func CanonicalPath(projectDir, name string) string {
	return filepath.Join(projectDir, ProfilesDir, name+Extension)
}

// NameFromPath returns the profile identity for a document path
func NameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Create writes a new profile document from wizard input and returns its
// path. If a document already exists and overwrite is false, the Confirmer
// decides; a refusal returns ErrOverwriteDeclined and touches nothing.
func (s *Store) Create(ctx context.Context, project types.ProjectRef, wizard types.WizardData, overwrite bool) (string, error) {
	name := strings.TrimSpace(wizard.ProfileName)
	if err := validateName(name); err != nil {
		return "", err
	}
	if project.Dir == "" {
		return "", fmt.Errorf("project directory is required")
	}

	path := CanonicalPath(project.Dir, name)
	exists, err := s.repo.Exists(path)
	if err != nil {
		return "", fmt.Errorf("failed to check %s: %w", path, err)
	}
	if exists && !overwrite {
		if s.confirmer == nil || !s.confirmer.ConfirmOverwrite(path) {
			return "", ErrOverwriteDeclined
		}
	}

	data, err := s.render(name, project, wizard)
	if err != nil {
		return "", err
	}
	if err := s.repo.WriteFile(path, data); err != nil {
		return "", fmt.Errorf("failed to write profile: %w", err)
	}

	s.log.Info("created publish profile",
		zap.String("profile", name),
		zap.String("project", project.Name),
		zap.String("path", path))
	return path, nil
}

// render builds the document for a new profile. Wizard-only settings that
// have no PublishProfile field are written as plain MSBuild properties.
func (s *Store) render(name string, project types.ProjectRef, w types.WizardData) ([]byte, error) {
	method := w.PublishMethod
	if method == "" {
		method = types.PublishMethodMSDeploy
	}
	env := w.Environment
	if env == "" {
		env = types.EnvUnknown
	}

	p := &types.PublishProfile{
		FileName:            name,
		Environment:         env,
		PublishURL:          w.PublishURL,
		SiteName:            w.SiteName,
		SiteURL:             w.SiteURL,
		UserName:            w.UserName,
		PublishMethod:       method,
		TargetFramework:     project.TargetFramework,
		ProjectGUID:         s.newGUID(),
		LogPath:             w.LogPath,
		OpenBrowserOnDeploy: w.OpenBrowserOnDeploy,
		EnableStdoutLog:     w.EnableStdoutLog,
		Extra: map[string]string{
			"LastUsedBuildConfiguration": "Release",
			"LastUsedPlatform":           "Any CPU",
			"ExcludeApp_Data":            "false",
			"SelfContained":              formatBool(w.SelfContained),
		},
	}
	if method == types.PublishMethodMSDeploy {
		p.Extra["MSDeployPublishMethod"] = "WMSVC"
		p.Extra["SkipExtraFilesOnServer"] = formatBool(w.SkipExtraFiles)
		p.Extra["EnableMSDeployBackup"] = formatBool(w.EnableBackup)
		p.Extra["AllowUntrustedCertificate"] = "true"
		p.Extra["_SavePWD"] = "false"
	}

	return newDocument(profileFields(p)).encode()
}

// Save writes p back to p.Path. Known fields are replaced in place; unknown
// elements, other property groups, and item groups survive unchanged.
//
// EnvUnknown is not persisted: the EnvironmentName element is removed, so
// the next Load classifies the profile from its file name again. A profile
// named "prod-and-dev" saved as Unknown therefore reloads as Production.
func (s *Store) Save(ctx context.Context, p *types.PublishProfile) error {
	if p.Path == "" {
		return fmt.Errorf("profile %q has no path; use Create for new profiles", p.FileName)
	}

	var doc *document
	data, err := s.repo.ReadFile(p.Path)
	switch {
	case err == nil:
		doc, err = decodeDocument(data)
		if err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		doc = newDocument(nil)
	default:
		return fmt.Errorf("failed to read %s: %w", p.Path, err)
	}

	idx := doc.publishGroup()
	if idx < 0 {
		doc.Groups = append(doc.Groups, propertyGroup{})
		idx = 0
	}
	doc.Groups[idx].Fields = mergeFields(doc.Groups[idx].Fields, profileFields(p))

	out, err := doc.encode()
	if err != nil {
		return err
	}
	if err := s.repo.WriteFile(p.Path, out); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// Clone copies source into a new profile named newName in the same
// directory, with a fresh ProjectGuid. It never overwrites.
func (s *Store) Clone(ctx context.Context, source *types.PublishProfile, newName string) (*types.PublishProfile, error) {
	newName = strings.TrimSpace(newName)
	if err := validateName(newName); err != nil {
		return nil, err
	}
	if source.Path == "" {
		return nil, fmt.Errorf("source profile %q has not been saved", source.FileName)
	}

	path := filepath.Join(filepath.Dir(source.Path), newName+Extension)
	exists, err := s.repo.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s: %w", path, err)
	}
	if exists {
		return nil, fmt.Errorf("profile %q already exists", newName)
	}

	// Start from the source bytes so unknown content comes along
	data, err := s.repo.ReadFile(source.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source.Path, err)
	}
	if err := s.repo.WriteFile(path, data); err != nil {
		return nil, fmt.Errorf("failed to write profile: %w", err)
	}

	clone := source.Clone()
	clone.FileName = newName
	clone.Path = path
	clone.ProjectGUID = s.newGUID()
	if err := s.Save(ctx, clone); err != nil {
		_ = s.repo.Remove(path)
		return nil, err
	}
	return s.Load(path)
}

// Load reads and parses a profile document
func (s *Store) Load(path string) (*types.PublishProfile, error) {
	data, err := s.repo.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc.toProfile(NameFromPath(path), path), nil
}

// Parse is Load for callers that only care whether a usable profile exists.
// It returns nil for a missing or malformed document.
func (s *Store) Parse(path string) *types.PublishProfile {
	p, err := s.Load(path)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("failed to parse publish profile", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	return p
}

// List parses every profile under the project's profile directory, sorted by
// name. Unparseable documents are skipped.
func (s *Store) List(projectDir string) ([]*types.PublishProfile, error) {
	paths, err := s.repo.Glob(filepath.Join(projectDir, ProfilesDir), "*"+Extension)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	sort.Strings(paths)

	var profiles []*types.PublishProfile
	for _, path := range paths {
		if p := s.Parse(path); p != nil {
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}

// Delete removes the profile document and its stored credential. A document
// that is already gone counts as deleted. Returns false only on I/O error.
// When ref is nil the owning project is derived from the profile path.
//
// The history sidecar is deliberately left on disk as an audit trail;
// `history clear` removes it.
func (s *Store) Delete(ctx context.Context, p *types.PublishProfile, ref *types.ProjectRef) bool {
	if p.Path != "" {
		if err := s.repo.Remove(p.Path); err != nil {
			s.log.Error("failed to delete publish profile", zap.String("path", p.Path), zap.Error(err))
			return false
		}
	}

	if s.vault != nil {
		project := ref
		if project == nil && p.Path != "" {
			derived := ProjectRefFromProfilePath(s.repo, p.Path)
			project = &derived
		}
		if project != nil {
			key := vault.GenerateKey(project.Name, p.FileName)
			if !s.vault.Delete(ctx, key) {
				s.log.Warn("profile deleted but its credential could not be removed", zap.String("key", key))
			}
		}
	}

	s.log.Info("deleted publish profile", zap.String("profile", p.FileName))
	return true
}

// ProjectRefFromProfilePath recovers the owning project from a profile path
// laid out as <projectDir>/Properties/PublishProfiles/<name>.pubxml. The
// project name is the stem of the single .csproj in projectDir, or the
// directory name when there is none or several.
func ProjectRefFromProfilePath(repo storage.FileRepository, profilePath string) types.ProjectRef {
	dir := filepath.Dir(profilePath)
	if filepath.Base(dir) == "PublishProfiles" && filepath.Base(filepath.Dir(dir)) == "Properties" {
		dir = filepath.Dir(filepath.Dir(dir))
	}

	ref := types.ProjectRef{Name: filepath.Base(dir), Dir: dir}
	if matches, err := repo.Glob(dir, "*.csproj"); err == nil && len(matches) == 1 {
		ref.CsprojPath = matches[0]
		ref.Name = NameFromPath(matches[0])
	}
	return ref
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is required")
	}
	if strings.ContainsAny(name, `/\:*?"<>|`) || name == "." || name == ".." {
		return fmt.Errorf("profile name %q contains invalid characters", name)
	}
	return nil
}
