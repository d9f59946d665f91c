package store

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCID indicates that a channel identifier is empty, malformed, or exceeds storage bounds.
	ErrInvalidCID = errors.New("store: invalid cid")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("store: invalid user id")
	// ErrInvalidMessageID indicates that a message identifier is empty or exceeds storage bounds.
	ErrInvalidMessageID = errors.New("store: invalid message id")
)

// CID represents a validated composite channel identifier of the form "type:id".
type CID string

// NewCID validates raw input and returns a CID.
func NewCID(rawInput string) (CID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCID, maxIdentifierLength)
	}
	channelType, channelID, found := strings.Cut(trimmed, ":")
	if !found || channelType == "" || channelID == "" {
		return "", fmt.Errorf("%w: expected type:id, got %q", ErrInvalidCID, trimmed)
	}
	return CID(trimmed), nil
}

// String returns the underlying composite identifier.
func (cid CID) String() string {
	return string(cid)
}

// ChannelType returns the type component of the composite identifier.
func (cid CID) ChannelType() string {
	channelType, _, _ := strings.Cut(string(cid), ":")
	return channelType
}

// ChannelID returns the id component of the composite identifier.
func (cid CID) ChannelID() string {
	_, channelID, _ := strings.Cut(string(cid), ":")
	return channelID
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// MessageID represents a validated message identifier.
type MessageID string

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(rawInput string) (MessageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMessageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMessageID, maxIdentifierLength)
	}
	return MessageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MessageID) String() string {
	return string(id)
}
