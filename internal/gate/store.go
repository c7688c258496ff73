package gate

import (
	"context"
	"time"
)

// Ban removes a user from the platform until ExpiresAt or until lifted.
type Ban struct {
	ID        string
	SubjectID string
	Reason    string
	IssuedBy  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Active    bool
	LiftedBy  string
	LiftedAt  time.Time
}

// InEffect reports whether the ban applies at now.
func (b Ban) InEffect(now time.Time) bool {
	return b.Active && now.Before(b.ExpiresAt)
}

// Room is the moderation view of a chat room.
type Room struct {
	ID         string
	Name       string
	Private    bool
	Locked     bool
	LockedBy   string
	LockReason string
	LockedAt   time.Time
	KeyHash    string
	SealedKey  []byte
}

// RoomLock is the lock state written by LockRoom and UnlockRoom.
type RoomLock struct {
	Locked bool
	By     string
	Reason string
	At     time.Time
}

// BanStore persists bans.
type BanStore interface {
	CreateBan(ctx context.Context, b Ban) error
	// ActiveBan returns the ban in effect at now with the latest expiry, or
	// ErrNotFound.
	ActiveBan(ctx context.Context, subjectID string, now time.Time) (Ban, error)
	// LiftBans deactivates every active ban of the subject and reports how many changed.
	LiftBans(ctx context.Context, subjectID, liftedBy string, at time.Time) (int, error)
}

// RoomStore persists room moderation state.
type RoomStore interface {
	// Room returns the room or ErrNotFound.
	Room(ctx context.Context, id string) (Room, error)
	SetRoomLock(ctx context.Context, id string, lock RoomLock) error
}
