// Package setup holds backup jobs ("setups"): the immutable Setup value, the
// concurrent Registry that decides which setups are due, and the YAML file
// store they are persisted in.
package setup

import (
	"fmt"
	"time"

	"github.com/octylFractal/backup-secretary/internal/backup"
	"github.com/octylFractal/backup-secretary/internal/config"
	"github.com/octylFractal/backup-secretary/internal/plugin"
)

const (
	keySource         = "source"
	keyChunker        = "chunker"
	keyTarget         = "target"
	keyNextBackupTime = "nextBackupTime"
	keyScheduleTime   = "scheduleTime"
	keyLastBackupTime = "lastBackupTime"
	keyHooks          = "hooks"
	keyPreBackup      = "preBackup"
	keyPostBackup     = "postBackup"
	keyPlugins        = "plugins"
)

// Hooks are optional shell commands run around a backup.
type Hooks struct {
	PreBackup  string
	PostBackup string
}

// Setup is one backup job. It is treated as an immutable value: use the
// With methods to derive a changed copy.
type Setup struct {
	Source  backup.Source
	Chunker backup.Chunker
	Target  backup.Target

	NextBackupTime time.Time
	// ScheduleTime, when set, reschedules the setup daily at this wall
	// clock time after every run.
	ScheduleTime *config.TimeOfDay
	// LastBackupTime is the end of the last successful run, if any.
	LastBackupTime *time.Time

	Hooks Hooks
}

// WithNextBackupTime returns a copy of s scheduled at t.
func (s Setup) WithNextBackupTime(t time.Time) Setup {
	s.NextBackupTime = t
	return s
}

// WithLastBackupTime returns a copy of s marked as last backed up at t.
func (s Setup) WithLastBackupTime(t time.Time) Setup {
	s.LastBackupTime = &t
	return s
}

// Done reports whether a one-shot setup has already completed its run.
// Scheduled setups are never done.
func (s Setup) Done() bool {
	return s.ScheduleTime == nil && s.LastBackupTime != nil && !s.LastBackupTime.Before(s.NextBackupTime)
}

// NextDailyRun returns tomorrow, relative to now, at tod in now's location.
func NextDailyRun(now time.Time, tod config.TimeOfDay) time.Time {
	return tod.On(now.AddDate(0, 0, 1), now.Location())
}

// Load builds a setup from its configuration node, resolving and
// configuring its plugins. Any missing key or unknown plugin is an error.
func Load(r *plugin.Registry, node *config.Node) (Setup, error) {
	var s Setup
	var err error

	if s.Source, err = plugin.ResolveAs[backup.Source](r, plugin.CapabilitySource, node, keySource); err != nil {
		return Setup{}, fmt.Errorf("setup: source: %w", err)
	}
	if s.Chunker, err = plugin.ResolveAs[backup.Chunker](r, plugin.CapabilityChunker, node, keyChunker); err != nil {
		return Setup{}, fmt.Errorf("setup: chunker: %w", err)
	}
	if s.Target, err = plugin.ResolveAs[backup.Target](r, plugin.CapabilityTarget, node, keyTarget); err != nil {
		return Setup{}, fmt.Errorf("setup: target: %w", err)
	}
	if s.NextBackupTime, err = node.RequireTime(keyNextBackupTime); err != nil {
		return Setup{}, fmt.Errorf("setup: %w", err)
	}

	tod, ok, err := node.TimeOfDay(keyScheduleTime)
	if err != nil {
		return Setup{}, fmt.Errorf("setup: %w", err)
	}
	if ok {
		s.ScheduleTime = &tod
	}

	last, ok, err := node.Time(keyLastBackupTime)
	if err != nil {
		return Setup{}, fmt.Errorf("setup: %w", err)
	}
	if ok {
		s.LastBackupTime = &last
	}

	hooks := node.Child(keyHooks)
	if s.Hooks.PreBackup, err = hooks.StringOr(keyPreBackup, ""); err != nil {
		return Setup{}, fmt.Errorf("setup: %w", err)
	}
	if s.Hooks.PostBackup, err = hooks.StringOr(keyPostBackup, ""); err != nil {
		return Setup{}, fmt.Errorf("setup: %w", err)
	}
	return s, nil
}

// Save writes s, including its plugins' configuration, to node.
func Save(s Setup, node *config.Node) error {
	node.Set(keySource, s.Source.PluginID().Key)
	node.Set(keyChunker, s.Chunker.PluginID().Key)
	node.Set(keyTarget, s.Target.PluginID().Key)
	node.Set(keyNextBackupTime, s.NextBackupTime)
	if s.ScheduleTime != nil {
		node.Set(keyScheduleTime, *s.ScheduleTime)
	} else {
		node.Delete(keyScheduleTime)
	}
	if s.LastBackupTime != nil {
		node.Set(keyLastBackupTime, *s.LastBackupTime)
	}

	hooks := node.Child(keyHooks)
	if s.Hooks.PreBackup != "" {
		hooks.Set(keyPreBackup, s.Hooks.PreBackup)
	}
	if s.Hooks.PostBackup != "" {
		hooks.Set(keyPostBackup, s.Hooks.PostBackup)
	}

	plugins := node.Child(keyPlugins)
	for key, p := range map[string]plugin.Plugin{keySource: s.Source, keyChunker: s.Chunker, keyTarget: s.Target} {
		c, ok := p.(plugin.Configurable)
		if !ok {
			continue
		}
		if err := c.SaveConfiguration(plugins.Child(key)); err != nil {
			return fmt.Errorf("setup: save %s configuration: %w", key, err)
		}
	}
	return nil
}
