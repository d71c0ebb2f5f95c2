// Package snapshot keeps the durable, merged result per job definition and
// the process-wide settings that decide whether it is written at all.
package snapshot

import (
	"time"

	"github.com/teranos/ingestd/am"
)

// Settings is built once at startup and only read afterwards
type Settings struct {
	disabledIntegrations map[string]struct{}
	disabledTenants      map[string]struct{}
	deleteTenants        map[string]struct{}
	reprocessingInterval time.Duration
}

// NewSettings builds settings from configuration
func NewSettings(cfg am.SnapshotConfig) *Settings {
	return &Settings{
		disabledIntegrations: toSet(cfg.DisabledIntegrations),
		disabledTenants:      toSet(cfg.DisabledTenants),
		deleteTenants:        toSet(cfg.DeleteTenants),
		reprocessingInterval: time.Duration(cfg.ReprocessingDays) * 24 * time.Hour,
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// Enabled reports whether snapshots are written for this integration and tenant
func (s *Settings) Enabled(integration, tenant string) bool {
	if _, off := s.disabledIntegrations[integration]; off {
		return false
	}
	if _, off := s.disabledTenants[tenant]; off {
		return false
	}
	return !s.ShouldDelete(tenant)
}

// ShouldDelete reports whether the tenant's snapshot data must be removed
func (s *Settings) ShouldDelete(tenant string) bool {
	_, del := s.deleteTenants[tenant]
	return del
}

// ReprocessingInterval is the forced full-pass cadence, 0 when disabled
func (s *Settings) ReprocessingInterval() time.Duration {
	return s.reprocessingInterval
}

// FullReprocessingDue reports whether a trigger should run a full pass.
// A trigger that never completed a full pass always needs one.
func (s *Settings) FullReprocessingDue(lastFull *time.Time, now time.Time) bool {
	if lastFull == nil {
		return true
	}
	if s.reprocessingInterval <= 0 {
		return false
	}
	return !now.Before(lastFull.Add(s.reprocessingInterval))
}
