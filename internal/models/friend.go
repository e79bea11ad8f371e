package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a friendship row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusBlocked  Status = "blocked"
)

// Friendship is the single row describing the relation between two users.
// UserID is the initiator (or the blocker once blocked), FriendID the recipient.
type Friendship struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	FriendID  uuid.UUID `json:"friend_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Other returns the party of the row that is not me.
func (f Friendship) Other(me uuid.UUID) uuid.UUID {
	if f.UserID == me {
		return f.FriendID
	}
	return f.UserID
}

// Involves reports whether id is on either side of the row.
func (f Friendship) Involves(id uuid.UUID) bool {
	return f.UserID == id || f.FriendID == id
}

// RelationStatus is what a status probe reports from the caller's point of view.
type RelationStatus string

const (
	RelationNone            RelationStatus = "none"
	RelationPendingSent     RelationStatus = "pending_sent"
	RelationPendingReceived RelationStatus = "pending_received"
	RelationAccepted        RelationStatus = "accepted"
	RelationBlocked         RelationStatus = "blocked"
	RelationBlockedBy       RelationStatus = "blocked_by"
)

// RelationFor derives the probe result for viewer from a row. A nil row is RelationNone.
func RelationFor(f *Friendship, viewer uuid.UUID) RelationStatus {
	if f == nil {
		return RelationNone
	}
	switch f.Status {
	case StatusAccepted:
		return RelationAccepted
	case StatusPending:
		if f.UserID == viewer {
			return RelationPendingSent
		}
		return RelationPendingReceived
	case StatusBlocked:
		if f.UserID == viewer {
			return RelationBlocked
		}
		return RelationBlockedBy
	}
	return RelationNone
}

// Filter is an equality filter over the friendship columns.
// Zero-valued fields do not constrain the match.
type Filter struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	FriendID uuid.UUID
	Status   Status
}

// Matches reports whether f selects the row.
func (m Filter) Matches(f Friendship) bool {
	if m.ID != uuid.Nil && f.ID != m.ID {
		return false
	}
	if m.UserID != uuid.Nil && f.UserID != m.UserID {
		return false
	}
	if m.FriendID != uuid.Nil && f.FriendID != m.FriendID {
		return false
	}
	if m.Status != "" && f.Status != m.Status {
		return false
	}
	return true
}

// Patch lists the columns an update writes. Zero-valued fields are left as is.
type Patch struct {
	UserID   uuid.UUID
	FriendID uuid.UUID
	Status   Status
}

// Apply returns f with the patch written over it.
func (p Patch) Apply(f Friendship) Friendship {
	if p.UserID != uuid.Nil {
		f.UserID = p.UserID
	}
	if p.FriendID != uuid.Nil {
		f.FriendID = p.FriendID
	}
	if p.Status != "" {
		f.Status = p.Status
	}
	return f
}

// EventType tags a row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a raw row change on the friendships table.
// New is nil for deletes, Old is nil for inserts.
type ChangeEvent struct {
	Type            EventType   `json:"type"`
	New             *Friendship `json:"new,omitempty"`
	Old             *Friendship `json:"old,omitempty"`
	CommitTimestamp time.Time   `json:"commit_timestamp"`
}

// Row returns whichever row image is present, preferring the new one.
func (e ChangeEvent) Row() *Friendship {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// ErrPairExists is returned by a store when an insert would create a second
// row for the same unordered pair.
var ErrPairExists = errors.New("a friendship row already exists for this pair")
