package core

import (
	"context"
	"errors"

	"github.com/dkeye/Beacon/internal/domain"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

// TrySend failure modes. Backpressure means the frame was dropped because
// the receiver's queue is full; callers may consult a policy for it.
var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is a raw signaling payload as it travels on the wire.
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// ID distinguishes handles of the same user across reconnects, so a
	// superseded session cannot deregister its successor.
	ID() string
	TrySend(Frame) error
	Close()
}

// IdentityVerifier resolves a client credential to the identity it proves.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (domain.UserID, error)
}

// FriendGraph reads a user's contact list from the directory.
type FriendGraph interface {
	FriendsOf(ctx context.Context, id domain.UserID) ([]domain.Friend, error)
}

// PresenceStore persists the online flag outside the process.
// Callers treat failures as log-and-continue; the in-memory registry
// stays authoritative for routing either way.
type PresenceStore interface {
	MarkOnline(ctx context.Context, id domain.UserID, online bool) error
}

// FriendStatus is a read-only view for presence pushes (no transport fields).
type FriendStatus struct {
	ID         domain.UserID `json:"id"`
	FullName   string        `json:"full_name"`
	ProfilePic string        `json:"profile_pic"`
	IsOnline   bool          `json:"is_online"`
}
