package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/shipyard/deploy"
)

// SettingsChange is a change to the effective tunables of one environment.
type SettingsChange struct {
	Environment string
	Old         deploy.Settings
	New         deploy.Settings
}

// Diff describes what changed between two configs. Tunables can be applied
// in place; every other section needs a restart.
type Diff struct {
	Settings         []SettingsChange
	ApprovalTimeout  *time.Duration
	MigrationTimeout *time.Duration
	Migrations       []string // environments whose migration task changed
	Restart          []string // sections that only take effect after restart
}

// Empty reports whether nothing changed.
func (d *Diff) Empty() bool {
	return len(d.Settings) == 0 && d.ApprovalTimeout == nil && d.MigrationTimeout == nil &&
		len(d.Migrations) == 0 && len(d.Restart) == 0
}

// DiffConfigs compares two configs.
func DiffConfigs(old, new *Config) *Diff {
	d := &Diff{}

	for _, name := range new.EnvironmentNames() {
		if _, ok := old.Environment(name); !ok {
			continue
		}
		o, n := old.SettingsFor(name), new.SettingsFor(name)
		if o != n {
			d.Settings = append(d.Settings, SettingsChange{Environment: name, Old: o, New: n})
		}
		oe, _ := old.Environment(name)
		ne, _ := new.Environment(name)
		if hashAny(oe.Migration) != hashAny(ne.Migration) {
			d.Migrations = append(d.Migrations, name)
		}
	}
	if old.Approval != new.Approval {
		t := new.Approval.Timeout
		d.ApprovalTimeout = &t
	}
	if old.Rollout.MigrationTimeout != new.Rollout.MigrationTimeout {
		t := new.Rollout.MigrationTimeout
		d.MigrationTimeout = &t
	}

	sections := map[string][2]any{
		"server":    {old.Server, new.Server},
		"log":       {old.Log, new.Log},
		"store":     {old.Store, new.Store},
		"lock":      {old.Lock, new.Lock},
		"artifacts": {old.Artifacts, new.Artifacts},
		"provider":  {old.Provider, new.Provider},
		"aws":       {old.AWS, new.AWS},
		"secrets":   {old.Secrets, new.Secrets},
		"pipeline":  {old.Pipeline, new.Pipeline},
		"notify":    {old.Notify, new.Notify},
		"audit":     {old.Audit, new.Audit},
		"metrics":   {old.Metrics, new.Metrics},
		"tracing":   {old.Tracing, new.Tracing},
		"events":    {old.Events, new.Events},
		"environments": {
			environmentTopology(old), environmentTopology(new),
		},
		"rollout.health_interval": {old.Rollout.HealthInterval, new.Rollout.HealthInterval},
		"rollout.drain_timeout":   {old.Rollout.DrainTimeout, new.Rollout.DrainTimeout},
	}
	for name, pair := range sections {
		if hashAny(pair[0]) != hashAny(pair[1]) {
			d.Restart = append(d.Restart, name)
		}
	}
	sort.Strings(d.Restart)
	return d
}

// environmentTopology is the part of the environment list that cannot change
// at runtime: the set of names and their provider services.
func environmentTopology(c *Config) map[string]any {
	out := make(map[string]any, len(c.Environments))
	for _, env := range c.Environments {
		out[env.Name] = env.Service
	}
	return out
}

func hashAny(v any) string {
	if v == nil {
		return "nil"
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("error:%v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
