package model

import "time"

// AuditKind tags the sort of occurrence an AuditEvent records.
type AuditKind string

const (
	AuditSpawn          AuditKind = "spawn"
	AuditExit           AuditKind = "exit"
	AuditKill           AuditKind = "kill"
	AuditPingTimeout    AuditKind = "ping_timeout"
	AuditRestCall       AuditKind = "rest_call"
	AuditConfigReplace  AuditKind = "config_replace"
	AuditDroppedMessage AuditKind = "dropped_message"
)

// AuditEvent is one append-only row in the history store. Detail is opaque
// JSON — its shape varies by Kind and is never interpreted by the store
// itself, only by whoever reads it back.
type AuditEvent struct {
	ID      int64
	BaseKey string
	Kind    AuditKind
	Detail  []byte
	At      time.Time
}
