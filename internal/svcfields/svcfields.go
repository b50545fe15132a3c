// Package svcfields holds the shared log field keys and subsystem names.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// OwnerKey tags log entries with the instance owner id.
const OwnerKey = pslog.TrustedString("owner")

// Subsystem names used across the module.
const (
	Coordinator = "coordinator"
	Consumer    = "consumer"
	Probe       = "probe"
	TaskLock    = "tasklock"
	Witness     = "witness"
	Store       = "store"
	Transport   = "transport"
	Telemetry   = "telemetry"
)

// Subsystem builds a dot-delimited subsystem path, skipping empty parts.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithOwner attaches the instance owner id.
func WithOwner(logger pslog.Logger, owner string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if owner == "" {
		return logger
	}
	return logger.With(OwnerKey, owner)
}
