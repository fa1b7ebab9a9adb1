package models

import "time"

// EventType tags a SyncEvent.
type EventType string

const (
	EventSyncStart       EventType = "sync-start"
	EventEntrySynced     EventType = "entry-synced"
	EventEntrySyncFailed EventType = "entry-sync-failed"
	EventSyncComplete    EventType = "sync-complete"
)

// SyncEvent is emitted by the sync coordinator at each transition. It is
// delivered to current subscribers and never stored.
type SyncEvent struct {
	Type    EventType  `json:"type"`
	EntryID string     `json:"entryId,omitempty"`
	Error   string     `json:"error,omitempty"`
	Status  SyncStatus `json:"status,omitempty"`
	At      time.Time  `json:"at"`

	// Pass counters, set on sync-complete only.
	Synced  int `json:"synced,omitempty"`
	Failed  int `json:"failed,omitempty"`
	Skipped int `json:"skipped,omitempty"`
}
