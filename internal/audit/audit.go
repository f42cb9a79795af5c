// Package audit provides a unified helper for writing session audit records.
//
// Records are structured zerolog events carrying "audit": true, so a log
// pipeline can route them apart from operational logs. Write never fails the
// caller.
package audit

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Actions recorded by the bridge service.
const (
	ActionAuth         = "auth.password"
	ActionSessionStart = "session.start"
	ActionSessionEnd   = "session.end"
)

// Entry holds all fields for a single audit record.
type Entry struct {
	// User is the authenticated (or attempted) login name.
	User string
	// Action is a dot-namespaced verb, e.g. "session.start".
	Action string
	// ResourceType is the category of the affected resource: "serial", "pty" or "ssh".
	ResourceType string
	// ResourceID is the session ID.
	ResourceID string
	// ResourceName is the device path, or the pty slave path.
	ResourceName string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// IP is the client's remote address.
	IP string
	// Detail holds optional structured context (error message, byte counters).
	Detail map[string]any
}

// Write emits one audit record on l.
// Records with an unknown status are dropped with a warning on the global logger.
func Write(l zerolog.Logger, entry Entry) {
	if !validStatuses[entry.Status] {
		log.Warn().Str("action", entry.Action).Str("status", entry.Status).Msg("audit: invalid status, skipping")
		return
	}

	ev := l.Info().
		Bool("audit", true).
		Str("action", entry.Action).
		Str("status", entry.Status)
	if entry.User != "" {
		ev = ev.Str("user", entry.User)
	}
	if entry.ResourceType != "" {
		ev = ev.Str("resource_type", entry.ResourceType)
	}
	if entry.ResourceID != "" {
		ev = ev.Str("resource_id", entry.ResourceID)
	}
	if entry.ResourceName != "" {
		ev = ev.Str("resource_name", entry.ResourceName)
	}
	if entry.IP != "" {
		ev = ev.Str("ip", entry.IP)
	}
	if len(entry.Detail) > 0 {
		ev = ev.Dict("detail", zerolog.Dict().Fields(entry.Detail))
	}
	ev.Msg(entry.Action)
}
