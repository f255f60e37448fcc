package types

import (
	"fmt"
	"strings"
)

// Environment is the risk tier a publish profile deploys to
type Environment string

const (
	EnvDevelopment Environment = "Development"
	EnvStaging     Environment = "Staging"
	EnvProduction  Environment = "Production"
	EnvUnknown     Environment = "Unknown"
)

// IsValid checks if the environment value is one of the closed set
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvUnknown:
		return true
	}
	return false
}

// DisplayName returns the label used in history records and CLI output
func (e Environment) DisplayName() string {
	if e == "" {
		return string(EnvUnknown)
	}
	return string(e)
}

// Publish method tags written to WebPublishMethod
const (
	PublishMethodMSDeploy   = "MSDeploy"
	PublishMethodFileSystem = "FileSystem"
)

// PublishProfile is one deployment configuration for a project, backed by a
// .pubxml document. The document on disk is the source of truth; a value
// held in memory after Save is provisional until it is parsed again.
type PublishProfile struct {
	// FileName is the document base name without extension. It is the
	// profile's stable identity and the input to the vault key.
	FileName string `json:"file_name"`
	// Path is empty until the profile has been written once
	Path string `json:"path,omitempty"`

	Environment     Environment `json:"environment"`
	PublishURL      string      `json:"publish_url,omitempty"`
	SiteName        string      `json:"site_name,omitempty"`
	SiteURL         string      `json:"site_url,omitempty"`
	UserName        string      `json:"user_name,omitempty"`
	PublishMethod   string      `json:"publish_method,omitempty"`
	TargetFramework string      `json:"target_framework,omitempty"`
	ProjectGUID     string      `json:"project_guid,omitempty"`
	LogPath         string      `json:"log_path,omitempty"`

	// nil means "not set in the document": callers fall back to a global default
	OpenBrowserOnDeploy *bool `json:"open_browser_on_deploy,omitempty"`
	EnableStdoutLog     *bool `json:"enable_stdout_log,omitempty"`

	// Extra holds property-group elements this model does not know about,
	// keyed by element name. Save writes them back untouched.
	Extra map[string]string `json:"extra,omitempty"`
}

// IsProduction is derived from Environment on every call
func (p *PublishProfile) IsProduction() bool {
	return p.Environment == EnvProduction
}

// Validate checks the fields a deploy needs
func (p *PublishProfile) Validate() error {
	if strings.TrimSpace(p.FileName) == "" {
		return fmt.Errorf("profile name is required")
	}
	if !p.Environment.IsValid() {
		return fmt.Errorf("invalid environment: %s", p.Environment)
	}
	if p.PublishMethod == PublishMethodMSDeploy && p.PublishURL == "" {
		return fmt.Errorf("publish URL is required for %s profiles", PublishMethodMSDeploy)
	}
	return nil
}

// Clone returns a deep copy
func (p *PublishProfile) Clone() *PublishProfile {
	c := *p
	if p.OpenBrowserOnDeploy != nil {
		v := *p.OpenBrowserOnDeploy
		c.OpenBrowserOnDeploy = &v
	}
	if p.EnableStdoutLog != nil {
		v := *p.EnableStdoutLog
		c.EnableStdoutLog = &v
	}
	if p.Extra != nil {
		c.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// WizardData is the input collected by the create-profile form
type WizardData struct {
	ProfileName         string
	Environment         Environment
	PublishMethod       string
	PublishURL          string
	SiteName            string
	SiteURL             string
	UserName            string
	LogPath             string
	OpenBrowserOnDeploy *bool
	EnableStdoutLog     *bool
	SelfContained       bool
	SkipExtraFiles      bool
	EnableBackup        bool
}

// BoolPtr is a convenience for the tri-state profile flags
func BoolPtr(v bool) *bool {
	return &v
}
