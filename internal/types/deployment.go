package types

import "time"

// DeploymentStatus is the lifecycle state of one deployment attempt
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "in-progress"
	DeploymentSuccess    DeploymentStatus = "success"
	DeploymentFailed     DeploymentStatus = "failed"
)

// IsValid checks if the status value is valid
func (s DeploymentStatus) IsValid() bool {
	switch s {
	case DeploymentInProgress, DeploymentSuccess, DeploymentFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the record can no longer change
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentSuccess || s == DeploymentFailed
}

// DeploymentRecord tracks exactly one deploy attempt. It is created
// in-progress before any external work and updated once to a terminal state.
type DeploymentRecord struct {
	ID           string           `json:"id"`
	ProfileName  string           `json:"profile_name"`
	ProjectName  string           `json:"project_name"`
	Environment  string           `json:"environment"`
	Status       DeploymentStatus `json:"status"`
	StartTime    time.Time        `json:"start_time"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	Duration     *time.Duration   `json:"duration,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`

	// ProfilePath is the owning profile document; filled in on read
	ProfilePath string `json:"profile_path,omitempty"`
}
