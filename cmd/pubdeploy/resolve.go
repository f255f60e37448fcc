package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/pubdeploy/internal/types"
)

// findProfile locates a profile by name across the workspace. projectName
// narrows the search and is required when the name is ambiguous.
func findProfile(ctx context.Context, a *application, name, projectName string) (*types.Project, *types.PublishProfile, error) {
	var projects []*types.Project
	if projectName != "" {
		p, err := a.scanner.Find(ctx, a.root, projectName)
		if err != nil {
			return nil, nil, err
		}
		projects = []*types.Project{p}
	} else {
		var err error
		projects, err = a.scanner.Discover(ctx, a.root)
		if err != nil {
			return nil, nil, err
		}
	}

	var (
		matchProject *types.Project
		matchProfile *types.PublishProfile
		owners       []string
	)
	for _, proj := range projects {
		for _, prof := range proj.Profiles {
			if !strings.EqualFold(prof.FileName, name) {
				continue
			}
			owners = append(owners, proj.Name)
			matchProject, matchProfile = proj, prof
		}
	}

	switch len(owners) {
	case 0:
		return nil, nil, fmt.Errorf("profile %q not found", name)
	case 1:
		return matchProject, matchProfile, nil
	default:
		return nil, nil, fmt.Errorf("profile %q exists in several projects (%s); pass --project", name, strings.Join(owners, ", "))
	}
}

func mustFindProfile(ctx context.Context, a *application, name, projectName string) (*types.Project, *types.PublishProfile) {
	proj, prof, err := findProfile(ctx, a, name, projectName)
	if err != nil {
		exitErr("%v", err)
	}
	return proj, prof
}
