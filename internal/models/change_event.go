package models

import (
	"time"
)

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// DocumentChange is a raw change as delivered by a store live query.
type DocumentChange struct {
	Type     ChangeType
	Document *Document
}

// Snapshot is one batch of changes observed by a live query.
type Snapshot struct {
	Changes []DocumentChange
	ReadAt  time.Time
}

// ChangeEvent is the normalized, immutable form of a single document change.
// Ordering is only meaningful within the stream that produced it.
type ChangeEvent struct {
	Collection string     `json:"collection"`
	DocumentID string     `json:"document_id"`
	ChangeType ChangeType `json:"change_type"`
	Timestamp  time.Time  `json:"timestamp"`
	Payload    *Document  `json:"payload,omitempty"`
}
