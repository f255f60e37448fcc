// Package project finds .NET projects in a workspace and reads what the
// deploy flow needs from their manifests.
package project

import (
	"context"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/pubdeploy/internal/logging"
	"github.com/steveyegge/pubdeploy/internal/storage"
	"github.com/steveyegge/pubdeploy/internal/types"
)

// ManifestExtension is the project file suffix
const ManifestExtension = ".csproj"

const (
	sdkWeb = "Microsoft.NET.Sdk.Web"
	// parseConcurrency bounds concurrent manifest reads during Discover
	parseConcurrency = 8
)

// ProfileLister loads the publish profiles of a project directory
type ProfileLister interface {
	List(projectDir string) ([]*types.PublishProfile, error)
}

// Config holds Scanner dependencies
type Config struct {
	Repo     storage.FileRepository // required
	Profiles ProfileLister          // optional: without it Project.Profiles stays empty
	Logger   *zap.Logger
}

// Scanner discovers projects
type Scanner struct {
	repo     storage.FileRepository
	profiles ProfileLister
	log      *zap.Logger
}

// NewScanner creates a project scanner
func NewScanner(cfg *Config) (*Scanner, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("file repository is required")
	}
	return &Scanner{
		repo:     cfg.Repo,
		profiles: cfg.Profiles,
		log:      logging.OrNop(cfg.Logger),
	}, nil
}

// Discover returns every project under root, sorted by name. Manifests that
// cannot be read are logged and skipped.
func (s *Scanner) Discover(ctx context.Context, root string) ([]*types.Project, error) {
	paths, err := storage.WalkFiles(root, ManifestExtension)
	if err != nil {
		return nil, err
	}

	projects := make([]*types.Project, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parseConcurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := s.Load(path)
			if err != nil {
				s.log.Warn("skipping unreadable project", zap.String("path", path), zap.Error(err))
				return nil
			}
			projects[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := projects[:0]
	for _, p := range projects {
		if p != nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CsprojPath < out[j].CsprojPath
	})
	return out, nil
}

// Find returns the project whose name matches (case-insensitively)
func (s *Scanner) Find(ctx context.Context, root, name string) (*types.Project, error) {
	projects, err := s.Discover(ctx, root)
	if err != nil {
		return nil, err
	}
	var match *types.Project
	for _, p := range projects {
		if !strings.EqualFold(p.Name, name) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("project name %q is ambiguous: %s and %s", name, match.CsprojPath, p.CsprojPath)
		}
		match = p
	}
	if match == nil {
		return nil, fmt.Errorf("project %q not found under %s", name, root)
	}
	return match, nil
}

// Load reads one manifest and the profiles next to it
func (s *Scanner) Load(csprojPath string) (*types.Project, error) {
	data, err := s.repo.ReadFile(csprojPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", csprojPath, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", csprojPath, err)
	}

	dir := filepath.Dir(csprojPath)
	name := strings.TrimSuffix(filepath.Base(csprojPath), filepath.Ext(csprojPath))
	p := &types.Project{
		Name:            name,
		CsprojPath:      csprojPath,
		ProjectDir:      dir,
		TargetFramework: m.TargetFramework(),
	}

	controllers, _ := s.repo.Exists(filepath.Join(dir, "Controllers"))
	views, _ := s.repo.Exists(filepath.Join(dir, "Views"))
	p.ProjectType = DetectType(name, m, controllers, views)

	if s.profiles != nil {
		profiles, err := s.profiles.List(dir)
		if err != nil {
			s.log.Warn("failed to list publish profiles", zap.String("project", name), zap.Error(err))
		}
		p.Profiles = profiles
	}
	return p, nil
}

// Manifest is the subset of a .csproj this tool reads
type Manifest struct {
	Sdk    string          `xml:"Sdk,attr"`
	Groups []manifestGroup `xml:"PropertyGroup"`
}

type manifestGroup struct {
	TargetFramework  string `xml:"TargetFramework"`
	TargetFrameworks string `xml:"TargetFrameworks"`
	OutputType       string `xml:"OutputType"`
}

// ParseManifest decodes a .csproj document
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed project file: %w", err)
	}
	return &m, nil
}

// TargetFramework returns TargetFramework, or the first of
// TargetFrameworks, from the first group that sets either
func (m *Manifest) TargetFramework() string {
	for _, g := range m.Groups {
		if tf := strings.TrimSpace(g.TargetFramework); tf != "" {
			return tf
		}
		if tfs := strings.TrimSpace(g.TargetFrameworks); tfs != "" {
			return strings.TrimSpace(strings.Split(tfs, ";")[0])
		}
	}
	return ""
}

// OutputType returns the first OutputType set, or ""
func (m *Manifest) OutputType() string {
	for _, g := range m.Groups {
		if ot := strings.TrimSpace(g.OutputType); ot != "" {
			return ot
		}
	}
	return ""
}

// DetectType classifies a project: web SDK projects are api when the name
// says so or they have controllers without views, else web. Other projects
// are libraries unless they build an executable.
func DetectType(name string, m *Manifest, hasControllers, hasViews bool) types.ProjectType {
	if strings.EqualFold(strings.TrimSpace(m.Sdk), sdkWeb) {
		if strings.Contains(strings.ToLower(name), "api") || (hasControllers && !hasViews) {
			return types.ProjectAPI
		}
		return types.ProjectWeb
	}
	if !strings.EqualFold(m.OutputType(), "Exe") && !strings.EqualFold(m.OutputType(), "WinExe") {
		return types.ProjectLibrary
	}
	return types.ProjectUnknown
}
