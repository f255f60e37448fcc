// Package environment maps free-form environment names onto the closed set
// of deployment tiers.
//
// Explicit metadata (the EnvironmentName element of a profile) is matched
// exactly and wins when recognised. Profile file names are matched by
// substring as a fallback, checking Production first so that an ambiguous
// name lands in the most cautious tier.
package environment

import (
	"strings"

	"github.com/steveyegge/pubdeploy/internal/types"
)

type group struct {
	env     types.Environment
	aliases []string
}

// Order matters for ClassifyFromName: first match wins.
var groups = []group{
	{types.EnvProduction, []string{"production", "prod"}},
	{types.EnvStaging, []string{"staging", "uat"}},
	{types.EnvDevelopment, []string{"development", "dev"}},
}

// ClassifyFromMetadata matches raw case-insensitively against the known
// aliases. The second return value is false when raw is empty or
// unrecognised, in which case the caller falls back to ClassifyFromName.
func ClassifyFromMetadata(raw string) (types.Environment, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return "", false
	}
	for _, g := range groups {
		for _, alias := range g.aliases {
			if v == alias {
				return g.env, true
			}
		}
	}
	return "", false
}

// ClassifyFromName is total: it always returns one of the four tiers.
func ClassifyFromName(name string) types.Environment {
	v := strings.ToLower(name)
	for _, g := range groups {
		for _, alias := range g.aliases {
			if strings.Contains(v, alias) {
				return g.env
			}
		}
	}
	return types.EnvUnknown
}

// Resolve applies metadata-then-name precedence
func Resolve(metadata, name string) types.Environment {
	if env, ok := ClassifyFromMetadata(metadata); ok {
		return env
	}
	return ClassifyFromName(name)
}

// Normalize turns user input (e.g. a CLI flag) into a tier, treating
// anything unrecognised as Unknown.
func Normalize(raw string) types.Environment {
	if env, ok := ClassifyFromMetadata(raw); ok {
		return env
	}
	return types.EnvUnknown
}

// RequiresTypedConfirmation reports whether deploying to env needs the
// stronger confirmation gate.
func RequiresTypedConfirmation(env types.Environment) bool {
	return env == types.EnvProduction
}
