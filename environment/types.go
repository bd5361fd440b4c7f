package environment

import (
	"time"

	"github.com/GoCodeAlone/shipyard/release"
)

// Name identifies a deployment target.
type Name string

const (
	Dev        Name = "dev"
	Staging    Name = "staging"
	Production Name = "production"
)

// Health is the last observed health of an environment.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
)

// Environment is the authoritative record of what runs in one deployment
// target. Records are updated in place and never deleted.
type Environment struct {
	Name           Name       `json:"name"`
	CurrentVersion release.ID `json:"currentVersion,omitempty"`
	DesiredVersion release.ID `json:"desiredVersion,omitempty"`
	Health         Health     `json:"health"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
