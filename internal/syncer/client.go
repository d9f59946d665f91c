package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lakefront-labs/chatsync/internal/events"
)

var (
	// ErrReplayFailed wraps a queued operation's failed replay attempt. The
	// task stays queued for the next connectivity recovery; the failure is a
	// log-level signal, never a user-facing one.
	ErrReplayFailed = errors.New("syncer: replay failed")

	// ErrAlreadyExists classifies a replay rejection meaning the server has
	// already applied the operation; replay treats it as success.
	ErrAlreadyExists = errors.New("syncer: already exists")
)

// IsDuplicate reports whether a replay error means the operation had already
// been applied server-side.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// ChatClient is the engine's boundary with the external real-time chat
// client. Write operations carry the identical signatures used by the
// original optimistic attempt so replay re-issues the exact same call.
type ChatClient interface {
	SendMessage(ctx context.Context, channelType, channelID string, message json.RawMessage) error
	DeleteMessage(ctx context.Context, messageID string) error
	SendReaction(ctx context.Context, channelType, channelID, reactionType, messageID string) error
	DeleteReaction(ctx context.Context, channelType, channelID, reactionType, messageID string) error

	// MissedEvents returns the domain events the client missed for the given
	// channels since the provided instant, oldest first.
	MissedEvents(ctx context.Context, cids []string, since time.Time) ([]events.Event, error)

	// OnConnectionChanged registers a connectivity listener and returns its
	// unsubscribe function.
	OnConnectionChanged(fn func(online bool)) (unsubscribe func())
}
