package types

// ProjectType is a heuristic classification of a .NET project
type ProjectType string

const (
	ProjectAPI     ProjectType = "api"
	ProjectWeb     ProjectType = "web"
	ProjectLibrary ProjectType = "library"
	ProjectUnknown ProjectType = "unknown"
)

// Project is a .NET project found in the workspace. Profiles are discovered
// by directory convention relative to ProjectDir, not embedded in the manifest.
type Project struct {
	Name            string            `json:"name"`
	CsprojPath      string            `json:"csproj_path"`
	ProjectDir      string            `json:"project_dir"`
	ProjectType     ProjectType       `json:"project_type"`
	TargetFramework string            `json:"target_framework,omitempty"`
	Profiles        []*PublishProfile `json:"profiles,omitempty"`
}

// Ref returns the identity used by profile mutation operations
func (p *Project) Ref() ProjectRef {
	return ProjectRef{
		Name:            p.Name,
		Dir:             p.ProjectDir,
		CsprojPath:      p.CsprojPath,
		TargetFramework: p.TargetFramework,
	}
}

// ProjectRef identifies the project that owns a profile
type ProjectRef struct {
	Name            string
	Dir             string
	CsprojPath      string // optional
	TargetFramework string // optional, copied into new profiles
}
