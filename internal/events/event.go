package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the closed set of domain events the engine consumes.
type Kind string

const (
	KindMessageNew     Kind = "message.new"
	KindMessageUpdated Kind = "message.updated"
	KindMessageDeleted Kind = "message.deleted"
	KindMessageRead    Kind = "message.read"

	KindReactionNew     Kind = "reaction.new"
	KindReactionUpdated Kind = "reaction.updated"
	KindReactionDeleted Kind = "reaction.deleted"

	KindMemberAdded   Kind = "member.added"
	KindMemberUpdated Kind = "member.updated"
	KindMemberRemoved Kind = "member.removed"

	KindChannelUpdated   Kind = "channel.updated"
	KindChannelTruncated Kind = "channel.truncated"
	KindChannelHidden    Kind = "channel.hidden"
	KindChannelVisible   Kind = "channel.visible"
	KindChannelDeleted   Kind = "channel.deleted"

	KindNotificationAddedToChannel     Kind = "notification.added_to_channel"
	KindNotificationRemovedFromChannel Kind = "notification.removed_from_channel"
	KindNotificationMessageNew         Kind = "notification.message_new"
	KindNotificationMarkRead           Kind = "notification.mark_read"
	KindNotificationMarkUnread         Kind = "notification.mark_unread"

	KindChannelsQueried   Kind = "channels.queried"
	KindConnectionChanged Kind = "connection.changed"
)

// ErrUnknownKind indicates an event type outside the closed set.
var ErrUnknownKind = errors.New("events: unknown event kind")

var knownKinds = map[Kind]struct{}{
	KindMessageNew:                     {},
	KindMessageUpdated:                 {},
	KindMessageDeleted:                 {},
	KindMessageRead:                    {},
	KindReactionNew:                    {},
	KindReactionUpdated:                {},
	KindReactionDeleted:                {},
	KindMemberAdded:                    {},
	KindMemberUpdated:                  {},
	KindMemberRemoved:                  {},
	KindChannelUpdated:                 {},
	KindChannelTruncated:               {},
	KindChannelHidden:                  {},
	KindChannelVisible:                 {},
	KindChannelDeleted:                 {},
	KindNotificationAddedToChannel:     {},
	KindNotificationRemovedFromChannel: {},
	KindNotificationMessageNew:         {},
	KindNotificationMarkRead:           {},
	KindNotificationMarkUnread:         {},
	KindChannelsQueried:                {},
	KindConnectionChanged:              {},
}

// Known reports whether the kind belongs to the closed event set.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// ParseKind validates a wire event type against the closed set.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(raw)
	if !kind.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
	return kind, nil
}

// User is the user payload attached to messages, members, reactions, and reads.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Image      string    `json:"image,omitempty"`
	Online     bool      `json:"online,omitempty"`
	LastActive time.Time `json:"last_active,omitempty"`
}

// Reaction is one user's reaction on one message.
type Reaction struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	User      *User     `json:"user,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Message is the message payload carried by message and reaction events.
// LatestReactions always carries the full reaction set after the event, so
// cached reactions are replaced wholesale rather than patched.
type Message struct {
	ID              string          `json:"id"`
	CID             string          `json:"cid"`
	ParentID        string          `json:"parent_id,omitempty"`
	Text            string          `json:"text,omitempty"`
	User            *User           `json:"user,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	LatestReactions []Reaction      `json:"latest_reactions,omitempty"`
	ReactionCounts  map[string]int  `json:"reaction_counts,omitempty"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// Channel is the channel payload carried by channel and notification events.
// Extra keeps the denormalized channel metadata blob opaque to the cache.
type Channel struct {
	CID           string          `json:"cid"`
	Type          string          `json:"type,omitempty"`
	ID            string          `json:"id,omitempty"`
	Extra         json.RawMessage `json:"extra_data,omitempty"`
	LastMessageAt time.Time       `json:"last_message_at,omitempty"`
}

// Member is the membership payload carried by member events.
type Member struct {
	UserID    string    `json:"user_id"`
	User      *User     `json:"user,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Read is a read-marker payload carried inside hydrated channel state.
type Read struct {
	User           *User     `json:"user"`
	LastRead       time.Time `json:"last_read"`
	UnreadMessages int       `json:"unread_messages"`
}

// ChannelState is one fully hydrated channel as returned by a list query.
type ChannelState struct {
	Channel  Channel   `json:"channel"`
	Messages []Message `json:"messages,omitempty"`
	Members  []Member  `json:"members,omitempty"`
	Reads    []Read    `json:"reads,omitempty"`
}

// QueryResult carries a successful channel-list query: the fingerprint of the
// (filters, sort) pair, the filter's channel-type constraint, and the hydrated
// channels in server order.
type QueryResult struct {
	Fingerprint       string         `json:"fingerprint"`
	ChannelTypeFilter string         `json:"channel_type_filter,omitempty"`
	Channels          []ChannelState `json:"channels"`
}

// Event is one real-time domain event as consumed from the external client.
type Event struct {
	Kind           Kind         `json:"type"`
	CID            string       `json:"cid,omitempty"`
	User           *User        `json:"user,omitempty"`
	Message        *Message     `json:"message,omitempty"`
	Channel        *Channel     `json:"channel,omitempty"`
	Member         *Member      `json:"member,omitempty"`
	Reaction       *Reaction    `json:"reaction,omitempty"`
	Queried        *QueryResult `json:"queried_channels,omitempty"`
	UnreadMessages int          `json:"unread_messages,omitempty"`
	Online         bool         `json:"online,omitempty"`
	ReceivedAt     time.Time    `json:"received_at,omitempty"`
}

// Decode parses one wire frame into an Event, rejecting kinds outside the
// closed set.
func Decode(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("events: decode failed: %w", err)
	}
	if !event.Kind.Known() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, event.Kind)
	}
	return event, nil
}
