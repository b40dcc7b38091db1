package models

import (
	"time"
)

// MaxSyncErrors bounds SyncState.SyncErrors; older entries are evicted first.
const MaxSyncErrors = 10

type SyncState struct {
	IsOnline       bool       `json:"is_online"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	PendingChanges uint       `json:"pending_changes"`
	SyncErrors     []string   `json:"sync_errors"`
}

type ConnectivityStatus string

const (
	StatusOnline  ConnectivityStatus = "online"
	StatusOffline ConnectivityStatus = "offline"
	StatusStale   ConnectivityStatus = "stale"
)

// Status summarizes the state for a connectivity indicator.
func (s SyncState) Status() ConnectivityStatus {
	if !s.IsOnline {
		return StatusOffline
	}
	if len(s.SyncErrors) > 0 {
		return StatusStale
	}
	return StatusOnline
}
