// Package notify fans "batch recorded" events out to connected portal users,
// either in-process or across instances through Redis pub/sub.
package notify

import (
	"context"
	"time"
)

// EventBatchRecorded is published after a batch is committed.
const EventBatchRecorded = "batch.recorded"

// Event describes a recorded upload batch.
type Event struct {
	Type       string    `json:"type"`
	RefType    string    `json:"refType"`
	RefID      string    `json:"refId"`
	BatchID    string    `json:"batchId"`
	UploadedBy string    `json:"uploadedBy"`
	UserID     string    `json:"userId"`
	OwnerID    string    `json:"ownerId,omitempty"`
	Revision   *int64    `json:"revision,omitempty"`
	Link       string    `json:"link"`
	At         time.Time `json:"at"`
}

// VisibleTo reports whether a subscriber should receive e. Admins see every
// event; other users only see batches they uploaded or that belong to a
// parent they own.
func (e Event) VisibleTo(userID string, admin bool) bool {
	if admin {
		return true
	}
	if userID == "" {
		return false
	}
	return userID == e.UserID || userID == e.OwnerID
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
