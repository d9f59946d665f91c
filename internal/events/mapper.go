package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lakefront-labs/chatsync/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("store is required")
	errMissingPayload = errors.New("event payload is missing")
	noOpLogger        = zap.NewNop()
)

const (
	opMapperNew   = "events.mapper.new"
	opMapperApply = "events.mapper.apply"
)

// MapperError carries a dotted operation code alongside the underlying cause.
type MapperError struct {
	code string
	err  error
}

func (e *MapperError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *MapperError) Unwrap() error {
	return e.err
}

func newMapperError(operation, reason string, cause error) error {
	return &MapperError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// MapperConfig carries the dependencies required to construct a Mapper.
type MapperConfig struct {
	Store *store.Store
	// CurrentUserID scopes membership removals: losing our own membership
	// cascades the whole channel, since the channel is the visibility unit.
	CurrentUserID string
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Mapper translates each domain event into one transactional store mutation.
// Every handler is idempotent: mutations are keyed on stable identifiers, so
// applying the same event twice leaves identical state.
type Mapper struct {
	store         *store.Store
	currentUserID string
	clock         func() time.Time
	logger        *zap.Logger
}

// NewMapper validates the configuration and returns a Mapper.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	if cfg.Store == nil {
		return nil, newMapperError(opMapperNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Mapper{
		store:         cfg.Store,
		currentUserID: cfg.CurrentUserID,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Apply maps one event onto the store. Malformed events return an error;
// store failures are downgraded to a logged warning so the event source is
// never crashed by cache trouble.
func (m *Mapper) Apply(ctx context.Context, event Event) error {
	err := m.apply(ctx, event)
	if err == nil {
		return nil
	}
	var storeErr *store.StoreError
	if errors.Is(err, store.ErrStoreUnavailable) || errors.As(err, &storeErr) {
		m.logger.Warn("event dropped, store mutation failed",
			zap.String("operation", opMapperApply),
			zap.String("event_type", event.Kind.String()),
			zap.Error(err))
		return nil
	}
	return err
}

func (m *Mapper) apply(ctx context.Context, event Event) error {
	switch event.Kind {
	case KindMessageNew:
		return m.applyNewMessage(ctx, event)
	case KindMessageUpdated, KindMessageDeleted:
		return m.applyMessageUpdate(ctx, event)
	case KindMessageRead, KindNotificationMarkRead:
		return m.applyMarkRead(ctx, event)
	case KindNotificationMarkUnread:
		return m.applyMarkUnread(ctx, event)
	case KindReactionNew, KindReactionUpdated, KindReactionDeleted:
		return m.applyReaction(ctx, event)
	case KindMemberAdded, KindMemberUpdated:
		return m.applyMemberUpsert(ctx, event)
	case KindMemberRemoved:
		return m.applyMemberRemoved(ctx, event)
	case KindChannelUpdated, KindChannelVisible:
		return m.applyChannelData(ctx, event)
	case KindChannelTruncated:
		return m.applyChannelTruncated(ctx, event)
	case KindChannelHidden, KindChannelDeleted, KindNotificationRemovedFromChannel:
		return m.applyChannelRemoved(ctx, event)
	case KindNotificationAddedToChannel, KindNotificationMessageNew:
		return m.applyChannelNotification(ctx, event)
	case KindChannelsQueried:
		return m.applyQueryResult(ctx, event)
	case KindConnectionChanged:
		// Connectivity transitions drive the sync coordinator, not the cache.
		return nil
	default:
		return newMapperError(opMapperApply, "unknown_kind", fmt.Errorf("%w: %q", ErrUnknownKind, event.Kind))
	}
}

func (m *Mapper) applyNewMessage(ctx context.Context, event Event) error {
	message := event.Message
	if message == nil {
		return newMapperError(opMapperApply, "missing_message", errMissingPayload)
	}
	// Thread replies never reach the channel-level cache.
	if message.ParentID != "" {
		return nil
	}
	cid, err := store.NewCID(firstNonEmpty(message.CID, event.CID))
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	row, reactions, users := messageRows(message)
	if row.CID == "" {
		row.CID = cid.String()
	}
	at := message.CreatedAt
	if at.IsZero() {
		at = m.eventTime(event)
	}
	return m.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertUsers(ctx, users); err != nil {
			return err
		}
		if err := tx.UpsertMessages(ctx, []store.Message{row}); err != nil {
			return err
		}
		if err := tx.ReplaceMessageReactions(ctx, store.MessageID(row.ID), reactions); err != nil {
			return err
		}
		if err := tx.TouchChannelLastMessage(ctx, cid, at); err != nil {
			return err
		}
		return tx.PromoteChannel(ctx, cid, false)
	})
}

func (m *Mapper) applyMessageUpdate(ctx context.Context, event Event) error {
	message := event.Message
	if message == nil {
		return newMapperError(opMapperApply, "missing_message", errMissingPayload)
	}
	if message.ParentID != "" {
		return nil
	}
	row, reactions, users := messageRows(message)
	return m.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertUsers(ctx, users); err != nil {
			return err
		}
		// Update only when cached: the event may reference a message outside
		// the locally cached window.
		_, err := tx.UpdateMessage(ctx, row, reactions)
		return err
	})
}

func (m *Mapper) applyMarkRead(ctx context.Context, event Event) error {
	if event.User == nil {
		return newMapperError(opMapperApply, "missing_user", errMissingPayload)
	}
	cid, err := store.NewCID(event.CID)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	read := store.Read{
		CID:             cid.String(),
		UserID:          event.User.ID,
		LastReadSeconds: m.eventTime(event).UTC().Unix(),
		UnreadMessages:  0,
	}
	return m.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertUsers(ctx, userRows(event.User)); err != nil {
			return err
		}
		return tx.UpsertReads(ctx, []store.Read{read})
	})
}

func (m *Mapper) applyMarkUnread(ctx context.Context, event Event) error {
	if event.User == nil {
		return newMapperError(opMapperApply, "missing_user", errMissingPayload)
	}
	cid, err := store.NewCID(event.CID)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	unread := event.UnreadMessages
	if unread <= 0 {
		unread = 1
	}
	read := store.Read{
		CID:             cid.String(),
		UserID:          event.User.ID,
		LastReadSeconds: m.eventTime(event).UTC().Unix(),
		UnreadMessages:  unread,
	}
	return m.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertUsers(ctx, userRows(event.User)); err != nil {
			return err
		}
		return tx.UpsertReads(ctx, []store.Read{read})
	})
}

func (m *Mapper) applyReaction(ctx context.Context, event Event) error {
	// The message payload carries latest_reactions, the authoritative set
	// after the event; replacing wholesale keeps reapplication idempotent.
	if event.Message != nil {
		return m.applyMessageUpdate(ctx, event)
	}
	reaction := event.Reaction
	if reaction == nil || reaction.User == nil {
		return newMapperError(opMapperApply, "missing_reaction", errMissingPayload)
	}
	messageID, err := store.NewMessageID(reaction.MessageID)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_message_id", err)
	}
	userID, err := store.NewUserID(reaction.User.ID)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_user_id", err)
	}
	if event.Kind == KindReactionDeleted {
		return m.store.DeleteReaction(ctx, messageID, userID, reaction.Type)
	}
	row := store.Reaction{
		MessageID:        messageID.String(),
		UserID:           userID.String(),
		ReactionType:     reaction.Type,
		CreatedAtSeconds: unixOrZero(reaction.CreatedAt),
	}
	return m.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertUsers(ctx, userRows(reaction.User)); err != nil {
			return err
		}
		return tx.UpsertReactions(ctx, []store.Reaction{row})
	})
}

func (m *Mapper) applyMemberUpsert(ctx context.Context, event Event) error {
	member := event.Member
	if member == nil {
		return newMapperError(opMapperApply, "missing_member", errMissingPayload)
	}
	cid, err := store.NewCID(event.CID)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	row := memberRow(cid, member)
	return m.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertUsers(ctx, userRows(member.User)); err != nil {
			return err
		}
		return tx.UpsertMembers(ctx, []store.Member{row})
	})
}

func (m *Mapper) applyMemberRemoved(ctx context.Context, event Event) error {
	member := event.Member
	if member == nil {
		return newMapperError(opMapperApply, "missing_member", errMissingPayload)
	}
	cid, err := store.NewCID(event.CID)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	removedID := memberUserID(member)
	// Losing our own membership removes the channel entirely: the channel is
	// the unit of access-control visibility.
	if m.currentUserID != "" && removedID == m.currentUserID {
		return m.store.DeleteChannel(ctx, cid)
	}
	userID, err := store.NewUserID(removedID)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_user_id", err)
	}
	return m.store.DeleteMember(ctx, cid, userID)
}

func (m *Mapper) applyChannelData(ctx context.Context, event Event) error {
	channel := event.Channel
	if channel == nil {
		return newMapperError(opMapperApply, "missing_channel", errMissingPayload)
	}
	row, err := channelRow(channel)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	return m.store.UpsertChannels(ctx, []store.Channel{row})
}

func (m *Mapper) applyChannelTruncated(ctx context.Context, event Event) error {
	cid, err := store.NewCID(eventCID(event))
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	return m.store.DeleteMessagesForChannel(ctx, cid)
}

func (m *Mapper) applyChannelRemoved(ctx context.Context, event Event) error {
	cid, err := store.NewCID(eventCID(event))
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	return m.store.DeleteChannel(ctx, cid)
}

func (m *Mapper) applyChannelNotification(ctx context.Context, event Event) error {
	channel := event.Channel
	if channel == nil {
		return newMapperError(opMapperApply, "missing_channel", errMissingPayload)
	}
	row, err := channelRow(channel)
	if err != nil {
		return newMapperError(opMapperApply, "invalid_cid", err)
	}
	cid := store.CID(row.CID)
	return m.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertChannels(ctx, []store.Channel{row}); err != nil {
			return err
		}
		if event.Message != nil && event.Message.ParentID == "" {
			messageRow, reactions, users := messageRows(event.Message)
			if messageRow.CID == "" {
				messageRow.CID = cid.String()
			}
			if err := tx.UpsertUsers(ctx, users); err != nil {
				return err
			}
			if err := tx.UpsertMessages(ctx, []store.Message{messageRow}); err != nil {
				return err
			}
			if err := tx.ReplaceMessageReactions(ctx, store.MessageID(messageRow.ID), reactions); err != nil {
				return err
			}
		}
		// The channel may be brand new to the cache, so prepend rather than
		// waiting for the next list query.
		return tx.PromoteChannel(ctx, cid, true)
	})
}

func (m *Mapper) applyQueryResult(ctx context.Context, event Event) error {
	result := event.Queried
	if result == nil {
		return newMapperError(opMapperApply, "missing_query_result", errMissingPayload)
	}
	if result.Fingerprint == "" {
		return newMapperError(opMapperApply, "missing_fingerprint", errMissingPayload)
	}
	return m.store.Tx(ctx, func(tx *store.Store) error {
		cids := make([]string, 0, len(result.Channels))
		for _, state := range result.Channels {
			row, err := channelRow(&state.Channel)
			if err != nil {
				return newMapperError(opMapperApply, "invalid_cid", err)
			}
			cids = append(cids, row.CID)
			if err := tx.UpsertChannels(ctx, []store.Channel{row}); err != nil {
				return err
			}
			if err := m.persistChannelState(ctx, tx, store.CID(row.CID), state); err != nil {
				return err
			}
		}
		return tx.UpsertQueryResult(ctx, result.Fingerprint, result.ChannelTypeFilter, cids)
	})
}

func (m *Mapper) persistChannelState(ctx context.Context, tx *store.Store, cid store.CID, state ChannelState) error {
	var users []store.User
	var messages []store.Message
	var reactions []store.Reaction
	for _, message := range state.Messages {
		if message.ParentID != "" {
			continue
		}
		row, messageReactions, messageUsers := messageRows(&message)
		if row.CID == "" {
			row.CID = cid.String()
		}
		messages = append(messages, row)
		reactions = append(reactions, messageReactions...)
		users = append(users, messageUsers...)
	}
	members := make([]store.Member, 0, len(state.Members))
	for _, member := range state.Members {
		members = append(members, memberRow(cid, &member))
		users = append(users, userRows(member.User)...)
	}
	reads := make([]store.Read, 0, len(state.Reads))
	for _, read := range state.Reads {
		if read.User == nil {
			continue
		}
		reads = append(reads, store.Read{
			CID:             cid.String(),
			UserID:          read.User.ID,
			LastReadSeconds: unixOrZero(read.LastRead),
			UnreadMessages:  read.UnreadMessages,
		})
		users = append(users, userRows(read.User)...)
	}
	if err := tx.UpsertUsers(ctx, users); err != nil {
		return err
	}
	if err := tx.UpsertMessages(ctx, messages); err != nil {
		return err
	}
	if err := tx.UpsertReactions(ctx, reactions); err != nil {
		return err
	}
	if err := tx.UpsertMembers(ctx, members); err != nil {
		return err
	}
	return tx.UpsertReads(ctx, reads)
}

func (m *Mapper) eventTime(event Event) time.Time {
	if !event.ReceivedAt.IsZero() {
		return event.ReceivedAt
	}
	return m.clock()
}

func eventCID(event Event) string {
	if event.Channel != nil && event.Channel.CID != "" {
		return event.Channel.CID
	}
	return event.CID
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func memberUserID(member *Member) string {
	if member.UserID != "" {
		return member.UserID
	}
	if member.User != nil {
		return member.User.ID
	}
	return ""
}

func memberRow(cid store.CID, member *Member) store.Member {
	return store.Member{
		CID:              cid.String(),
		UserID:           memberUserID(member),
		Role:             member.Role,
		CreatedAtSeconds: unixOrZero(member.CreatedAt),
	}
}

func channelRow(channel *Channel) (store.Channel, error) {
	rawCID := channel.CID
	if rawCID == "" && channel.Type != "" && channel.ID != "" {
		rawCID = channel.Type + ":" + channel.ID
	}
	cid, err := store.NewCID(rawCID)
	if err != nil {
		return store.Channel{}, err
	}
	return store.Channel{
		CID:                  cid.String(),
		ChannelType:          cid.ChannelType(),
		ExtraDataJSON:        string(channel.Extra),
		LastMessageAtSeconds: unixOrZero(channel.LastMessageAt),
	}, nil
}

func messageRows(message *Message) (store.Message, []store.Reaction, []store.User) {
	row := store.Message{
		ID:               message.ID,
		CID:              message.CID,
		Text:             message.Text,
		AttachmentsJSON:  string(message.Attachments),
		CreatedAtSeconds: unixOrZero(message.CreatedAt),
		UpdatedAtSeconds: unixOrZero(message.UpdatedAt),
		DeliveryStatus:   store.DeliveryStatusSent,
	}
	if message.User != nil {
		row.SenderID = message.User.ID
	}
	if len(message.ReactionCounts) > 0 {
		if encoded, err := json.Marshal(message.ReactionCounts); err == nil {
			row.ReactionCountsJSON = string(encoded)
		}
	}
	users := userRows(message.User)
	reactions := make([]store.Reaction, 0, len(message.LatestReactions))
	for _, reaction := range message.LatestReactions {
		if reaction.User == nil {
			continue
		}
		messageID := reaction.MessageID
		if messageID == "" {
			messageID = message.ID
		}
		reactions = append(reactions, store.Reaction{
			MessageID:        messageID,
			UserID:           reaction.User.ID,
			ReactionType:     reaction.Type,
			CreatedAtSeconds: unixOrZero(reaction.CreatedAt),
		})
		users = append(users, userRows(reaction.User)...)
	}
	return row, reactions, users
}

func userRows(user *User) []store.User {
	if user == nil || user.ID == "" {
		return nil
	}
	return []store.User{{
		ID:                user.ID,
		Name:              user.Name,
		Image:             user.Image,
		Online:            user.Online,
		LastActiveSeconds: unixOrZero(user.LastActive),
	}}
}
