package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew          = "store.new"
	opUpsert            = "store.upsert"
	opUpdateMessage     = "store.update_message"
	opReplaceReactions  = "store.replace_message_reactions"
	opTouchChannel      = "store.touch_channel"
	opDeleteChannel     = "store.delete_channel"
	opDeleteMessage     = "store.delete_message"
	opDeleteMessages    = "store.delete_messages_for_channel"
	opDeleteMember      = "store.delete_member"
	opDeleteReaction    = "store.delete_reaction"
	opUpsertQueryResult = "store.upsert_query_result"
	opPromoteChannel    = "store.promote_channel"
	opQueryRead         = "store.query"
	opPendingInsert     = "store.pending_insert"
	opPendingUpdate     = "store.pending_update"
	opPendingDelete     = "store.pending_delete"
	opReset             = "store.reset"
	opSyncStatus        = "store.sync_status"
)

// Config carries the dependencies required to construct a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store provides transactional keyed access to the local cache tables. It is
// a cache, not a source of truth: every row is re-derivable from the live
// client, and all failures surface as ErrStoreUnavailable-wrapped errors the
// caller downgrades to cache-less operation.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *Store) handle() (*gorm.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreUnavailable
	}
	return s.db, nil
}

func (s *Store) withDB(db *gorm.DB) *Store {
	return &Store{db: db, clock: s.clock, logger: s.logger}
}

// Tx runs fn with a transaction-bound Store. Nested calls use savepoints, so
// compound store operations stay safe to call inside an outer Tx.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(s.withDB(g))
	})
}

func (s *Store) upsert(ctx context.Context, rows any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rows).Error; err != nil {
		s.logError(opUpsert, "write_failed", err)
		return newStoreError(opUpsert, "write_failed", err)
	}
	return nil
}

// UpsertChannels inserts or replaces channel rows keyed by cid.
func (s *Store) UpsertChannels(ctx context.Context, channels []Channel) error {
	if len(channels) == 0 {
		return nil
	}
	return s.upsert(ctx, &channels)
}

// UpsertMessages inserts or replaces message rows keyed by id.
func (s *Store) UpsertMessages(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	return s.upsert(ctx, &messages)
}

// UpsertMembers inserts or replaces member rows keyed by (cid, user_id).
func (s *Store) UpsertMembers(ctx context.Context, members []Member) error {
	if len(members) == 0 {
		return nil
	}
	return s.upsert(ctx, &members)
}

// UpsertUsers inserts or replaces user rows keyed by id.
func (s *Store) UpsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	return s.upsert(ctx, &users)
}

// UpsertReactions inserts or replaces reaction rows keyed by (message_id, user_id, type).
func (s *Store) UpsertReactions(ctx context.Context, reactions []Reaction) error {
	if len(reactions) == 0 {
		return nil
	}
	return s.upsert(ctx, &reactions)
}

// UpsertReads inserts or replaces read rows keyed by (cid, user_id).
func (s *Store) UpsertReads(ctx context.Context, reads []Read) error {
	if len(reads) == 0 {
		return nil
	}
	return s.upsert(ctx, &reads)
}

// UpdateMessage replaces a message row and its reactions, but only when the
// message is already cached. Events can reference messages outside the cached
// window; those updates are dropped rather than resurrected as orphan rows.
func (s *Store) UpdateMessage(ctx context.Context, message Message, reactions []Reaction) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	updated := false
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Message
		err := tx.Where("id = ?", message.ID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return newStoreError(opUpdateMessage, "select_failed", err)
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&message).Error; err != nil {
			return newStoreError(opUpdateMessage, "write_failed", err)
		}
		if err := replaceReactions(tx, message.ID, reactions); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if txErr != nil {
		s.logError(opUpdateMessage, "tx_failed", txErr, zap.String("message_id", message.ID))
		return false, txErr
	}
	return updated, nil
}

// ReplaceMessageReactions deletes every cached reaction for the message and
// installs the provided set, mirroring the server's latest_reactions payload.
func (s *Store) ReplaceMessageReactions(ctx context.Context, messageID MessageID, reactions []Reaction) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return replaceReactions(tx, messageID.String(), reactions)
	})
	if txErr != nil {
		s.logError(opReplaceReactions, "tx_failed", txErr, zap.String("message_id", messageID.String()))
	}
	return txErr
}

func replaceReactions(tx *gorm.DB, messageID string, reactions []Reaction) error {
	if err := tx.Where("message_id = ?", messageID).Delete(&Reaction{}).Error; err != nil {
		return newStoreError(opReplaceReactions, "delete_failed", err)
	}
	if len(reactions) == 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&reactions).Error; err != nil {
		return newStoreError(opReplaceReactions, "write_failed", err)
	}
	return nil
}

// TouchChannelLastMessage upserts the channel row, advancing last_message_at
// to the provided instant. The row is created when the channel is not yet
// cached so ordering survives events that precede hydration.
func (s *Store) TouchChannelLastMessage(ctx context.Context, cid CID, at time.Time) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	row := Channel{
		CID:                  cid.String(),
		ChannelType:          cid.ChannelType(),
		LastMessageAtSeconds: at.UTC().Unix(),
	}
	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cid"}},
		DoUpdates: clause.Assignments(map[string]any{"last_message_at_s": row.LastMessageAtSeconds}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opTouchChannel, "write_failed", err, zap.String("cid", cid.String()))
		return newStoreError(opTouchChannel, "write_failed", err)
	}
	return nil
}

// DeleteChannel removes the channel row and cascades over every dependent
// table: messages and their reactions, members, reads, and the cached query
// lists referencing the cid. The cascade is one transaction.
func (s *Store) DeleteChannel(ctx context.Context, cid CID) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteChannelMessages(tx, cid); err != nil {
			return err
		}
		if err := tx.Where("cid = ?", cid.String()).Delete(&Member{}).Error; err != nil {
			return newStoreError(opDeleteChannel, "members_failed", err)
		}
		if err := tx.Where("cid = ?", cid.String()).Delete(&Read{}).Error; err != nil {
			return newStoreError(opDeleteChannel, "reads_failed", err)
		}
		if err := tx.Where("cid = ?", cid.String()).Delete(&Channel{}).Error; err != nil {
			return newStoreError(opDeleteChannel, "channel_failed", err)
		}
		return removeFromQueryLists(tx, cid.String())
	})
	if txErr != nil {
		s.logError(opDeleteChannel, "tx_failed", txErr, zap.String("cid", cid.String()))
	}
	return txErr
}

// DeleteMessagesForChannel removes every cached message for the channel along
// with their reactions, leaving the channel row intact (channel.truncated).
func (s *Store) DeleteMessagesForChannel(ctx context.Context, cid CID) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteChannelMessages(tx, cid)
	})
	if txErr != nil {
		s.logError(opDeleteMessages, "tx_failed", txErr, zap.String("cid", cid.String()))
	}
	return txErr
}

func deleteChannelMessages(tx *gorm.DB, cid CID) error {
	messageIDs := tx.Model(&Message{}).Select("id").Where("cid = ?", cid.String())
	if err := tx.Where("message_id IN (?)", messageIDs).Delete(&Reaction{}).Error; err != nil {
		return newStoreError(opDeleteMessages, "reactions_failed", err)
	}
	if err := tx.Where("cid = ?", cid.String()).Delete(&Message{}).Error; err != nil {
		return newStoreError(opDeleteMessages, "messages_failed", err)
	}
	return nil
}

// DeleteMessage removes one cached message along with its reactions.
func (s *Store) DeleteMessage(ctx context.Context, messageID MessageID) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID.String()).Delete(&Reaction{}).Error; err != nil {
			return newStoreError(opDeleteMessage, "reactions_failed", err)
		}
		if err := tx.Where("id = ?", messageID.String()).Delete(&Message{}).Error; err != nil {
			return newStoreError(opDeleteMessage, "message_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteMessage, "tx_failed", txErr, zap.String("message_id", messageID.String()))
	}
	return txErr
}

// DeleteMember removes one membership row.
func (s *Store) DeleteMember(ctx context.Context, cid CID, userID UserID) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	err = db.WithContext(ctx).
		Where("cid = ? AND user_id = ?", cid.String(), userID.String()).
		Delete(&Member{}).Error
	if err != nil {
		s.logError(opDeleteMember, "delete_failed", err, zap.String("cid", cid.String()))
		return newStoreError(opDeleteMember, "delete_failed", err)
	}
	return nil
}

// DeleteReaction removes one reaction row.
func (s *Store) DeleteReaction(ctx context.Context, messageID MessageID, userID UserID, reactionType string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	err = db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND reaction_type = ?", messageID.String(), userID.String(), reactionType).
		Delete(&Reaction{}).Error
	if err != nil {
		s.logError(opDeleteReaction, "delete_failed", err, zap.String("message_id", messageID.String()))
		return newStoreError(opDeleteReaction, "delete_failed", err)
	}
	return nil
}

// UpsertQueryResult replaces the cached channel list for the fingerprint
// wholesale. Partial merges are never performed: server-side filtering may
// have invalidated prior membership.
func (s *Store) UpsertQueryResult(ctx context.Context, fingerprint, channelTypeFilter string, cids []string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if cids == nil {
		cids = []string{}
	}
	encoded, err := json.Marshal(cids)
	if err != nil {
		return newStoreError(opUpsertQueryResult, "encode_failed", err)
	}
	row := ChannelQuery{
		Fingerprint:       fingerprint,
		ChannelTypeFilter: channelTypeFilter,
		CIDsJSON:          string(encoded),
	}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		s.logError(opUpsertQueryResult, "write_failed", err, zap.String("fingerprint", fingerprint))
		return newStoreError(opUpsertQueryResult, "write_failed", err)
	}
	return nil
}

// PromoteChannel moves the cid to the front of every cached query list whose
// filter constrains to the cid's channel type or carries no type constraint.
// With insertIfMissing the cid is prepended to matching lists it is absent
// from (notification.added_to_channel); otherwise absent lists are left
// untouched, since local events must not override server-side membership.
func (s *Store) PromoteChannel(ctx context.Context, cid CID, insertIfMissing bool) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var queries []ChannelQuery
		err := tx.Where("channel_type_filter = ? OR channel_type_filter = ''", cid.ChannelType()).
			Find(&queries).Error
		if err != nil {
			return newStoreError(opPromoteChannel, "select_failed", err)
		}
		for _, query := range queries {
			var cids []string
			if err := json.Unmarshal([]byte(query.CIDsJSON), &cids); err != nil {
				return newStoreError(opPromoteChannel, "decode_failed", err)
			}
			reordered, changed := moveToFront(cids, cid.String(), insertIfMissing)
			if !changed {
				continue
			}
			encoded, err := json.Marshal(reordered)
			if err != nil {
				return newStoreError(opPromoteChannel, "encode_failed", err)
			}
			err = tx.Model(&ChannelQuery{}).
				Where("fingerprint = ?", query.Fingerprint).
				Update("cids_json", string(encoded)).Error
			if err != nil {
				return newStoreError(opPromoteChannel, "write_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opPromoteChannel, "tx_failed", txErr, zap.String("cid", cid.String()))
	}
	return txErr
}

func moveToFront(cids []string, cid string, insertIfMissing bool) ([]string, bool) {
	index := -1
	for i, candidate := range cids {
		if candidate == cid {
			index = i
			break
		}
	}
	if index == 0 {
		return cids, false
	}
	if index < 0 {
		if !insertIfMissing {
			return cids, false
		}
		return append([]string{cid}, cids...), true
	}
	reordered := make([]string, 0, len(cids))
	reordered = append(reordered, cid)
	reordered = append(reordered, cids[:index]...)
	reordered = append(reordered, cids[index+1:]...)
	return reordered, true
}

func removeFromQueryLists(tx *gorm.DB, cid string) error {
	var queries []ChannelQuery
	if err := tx.Find(&queries).Error; err != nil {
		return newStoreError(opDeleteChannel, "queries_select_failed", err)
	}
	for _, query := range queries {
		var cids []string
		if err := json.Unmarshal([]byte(query.CIDsJSON), &cids); err != nil {
			return newStoreError(opDeleteChannel, "queries_decode_failed", err)
		}
		filtered := cids[:0]
		for _, candidate := range cids {
			if candidate != cid {
				filtered = append(filtered, candidate)
			}
		}
		if len(filtered) == len(cids) {
			continue
		}
		encoded, err := json.Marshal(filtered)
		if err != nil {
			return newStoreError(opDeleteChannel, "queries_encode_failed", err)
		}
		err = tx.Model(&ChannelQuery{}).
			Where("fingerprint = ?", query.Fingerprint).
			Update("cids_json", string(encoded)).Error
		if err != nil {
			return newStoreError(opDeleteChannel, "queries_write_failed", err)
		}
	}
	return nil
}

// QueryCIDs returns the cached ordered channel list for the fingerprint, or
// nil when the fingerprint has never been cached.
func (s *Store) QueryCIDs(ctx context.Context, fingerprint string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var row ChannelQuery
	err = db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opQueryRead, "query_select_failed", err)
	}
	var cids []string
	if err := json.Unmarshal([]byte(row.CIDsJSON), &cids); err != nil {
		return nil, newStoreError(opQueryRead, "query_decode_failed", err)
	}
	return cids, nil
}

// ChannelsForQuery hydrates the cached channel rows for the fingerprint in
// the server-determined order. CIDs cached but missing from the channels
// table are skipped; the caller treats them as needing a re-fetch.
func (s *Store) ChannelsForQuery(ctx context.Context, fingerprint string) ([]Channel, error) {
	cids, err := s.QueryCIDs(ctx, fingerprint)
	if err != nil || len(cids) == 0 {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []Channel
	if err := db.WithContext(ctx).Where("cid IN ?", cids).Find(&rows).Error; err != nil {
		return nil, newStoreError(opQueryRead, "channels_select_failed", err)
	}
	byCID := make(map[string]Channel, len(rows))
	for _, row := range rows {
		byCID[row.CID] = row
	}
	ordered := make([]Channel, 0, len(rows))
	for _, cid := range cids {
		if row, ok := byCID[cid]; ok {
			ordered = append(ordered, row)
		}
	}
	return ordered, nil
}

// ChannelByCID returns one cached channel row, or nil when absent.
func (s *Store) ChannelByCID(ctx context.Context, cid CID) (*Channel, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var row Channel
	err = db.WithContext(ctx).Where("cid = ?", cid.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opQueryRead, "channel_select_failed", err)
	}
	return &row, nil
}

// MessagesForChannel returns the cached messages for the channel in creation order.
func (s *Store) MessagesForChannel(ctx context.Context, cid CID) ([]Message, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []Message
	err = db.WithContext(ctx).
		Where("cid = ?", cid.String()).
		Order("created_at_s ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQueryRead, "messages_select_failed", err)
	}
	return rows, nil
}

// MembersForChannel returns the cached membership rows for the channel.
func (s *Store) MembersForChannel(ctx context.Context, cid CID) ([]Member, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []Member
	if err := db.WithContext(ctx).Where("cid = ?", cid.String()).Find(&rows).Error; err != nil {
		return nil, newStoreError(opQueryRead, "members_select_failed", err)
	}
	return rows, nil
}

// ReadsForChannel returns the cached read markers for the channel.
func (s *Store) ReadsForChannel(ctx context.Context, cid CID) ([]Read, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []Read
	if err := db.WithContext(ctx).Where("cid = ?", cid.String()).Find(&rows).Error; err != nil {
		return nil, newStoreError(opQueryRead, "reads_select_failed", err)
	}
	return rows, nil
}

// ReactionsForMessage returns the cached reactions for the message.
func (s *Store) ReactionsForMessage(ctx context.Context, messageID MessageID) ([]Reaction, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []Reaction
	if err := db.WithContext(ctx).Where("message_id = ?", messageID.String()).Find(&rows).Error; err != nil {
		return nil, newStoreError(opQueryRead, "reactions_select_failed", err)
	}
	return rows, nil
}

// AllChannelCIDs returns every cached channel identifier.
func (s *Store) AllChannelCIDs(ctx context.Context) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var cids []string
	if err := db.WithContext(ctx).Model(&Channel{}).Pluck("cid", &cids).Error; err != nil {
		return nil, newStoreError(opQueryRead, "cids_select_failed", err)
	}
	return cids, nil
}

// InsertPendingTask appends one task to the durable queue. CreatedAtNanos is
// stamped from the store clock when unset so FIFO order follows enqueue order.
func (s *Store) InsertPendingTask(ctx context.Context, task *PendingTask) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if task.CreatedAtNanos == 0 {
		task.CreatedAtNanos = s.clock().UTC().UnixNano()
	}
	if task.State == "" {
		task.State = TaskStateRecorded
	}
	if err := db.WithContext(ctx).Create(task).Error; err != nil {
		s.logError(opPendingInsert, "write_failed", err, zap.String("task_type", task.TaskType))
		return newStoreError(opPendingInsert, "write_failed", err)
	}
	return nil
}

// PendingTasks returns every queued task in creation order.
func (s *Store) PendingTasks(ctx context.Context) ([]PendingTask, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []PendingTask
	if err := db.WithContext(ctx).Order("created_at_ns ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, newStoreError(opQueryRead, "pending_select_failed", err)
	}
	return rows, nil
}

// PendingTasksForMessage returns the queued tasks referencing one message.
func (s *Store) PendingTasksForMessage(ctx context.Context, messageID MessageID) ([]PendingTask, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []PendingTask
	err = db.WithContext(ctx).
		Where("message_id = ?", messageID.String()).
		Order("created_at_ns ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQueryRead, "pending_select_failed", err)
	}
	return rows, nil
}

// SetPendingTaskState transitions one queued task between recorded and in_flight.
func (s *Store) SetPendingTaskState(ctx context.Context, id int64, state TaskState) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Model(&PendingTask{}).Where("id = ?", id).Update("state", state).Error; err != nil {
		s.logError(opPendingUpdate, "write_failed", err, zap.Int64("task_id", id))
		return newStoreError(opPendingUpdate, "write_failed", err)
	}
	return nil
}

// RequeueInFlightTasks returns every in_flight task to recorded. Called at
// drain start so tasks stranded by an interrupted drain are retried.
func (s *Store) RequeueInFlightTasks(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	err = db.WithContext(ctx).Model(&PendingTask{}).
		Where("state = ?", TaskStateInFlight).
		Update("state", TaskStateRecorded).Error
	if err != nil {
		s.logError(opPendingUpdate, "requeue_failed", err)
		return newStoreError(opPendingUpdate, "requeue_failed", err)
	}
	return nil
}

// DeletePendingTask removes one task, called only after successful replay or
// an explicit drop.
func (s *Store) DeletePendingTask(ctx context.Context, id int64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Where("id = ?", id).Delete(&PendingTask{}).Error; err != nil {
		s.logError(opPendingDelete, "delete_failed", err, zap.Int64("task_id", id))
		return newStoreError(opPendingDelete, "delete_failed", err)
	}
	return nil
}

// SyncStatusFor returns the sync marker for the user, or nil when absent.
func (s *Store) SyncStatusFor(ctx context.Context, userID UserID) (*SyncStatus, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var row SyncStatus
	err = db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opSyncStatus, "select_failed", err)
	}
	return &row, nil
}

// UpsertSyncStatus stamps the user's last successful sync instant.
func (s *Store) UpsertSyncStatus(ctx context.Context, userID UserID, syncedAt time.Time) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	row := SyncStatus{UserID: userID.String(), LastSyncedAtSeconds: syncedAt.UTC().Unix()}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		s.logError(opSyncStatus, "write_failed", err, zap.String("user_id", userID.String()))
		return newStoreError(opSyncStatus, "write_failed", err)
	}
	return nil
}

// Reset empties every table in one transaction. Used on logout, user switch,
// and when the event gap exceeds the server's replayable window.
func (s *Store) Reset(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range TableNames() {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return newStoreError(opReset, "delete_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opReset, "tx_failed", txErr)
	}
	return txErr
}

// TableCounts reports the row count per table, used by diagnostics.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(TableNames()))
	for _, table := range TableNames() {
		var count int64
		if err := db.WithContext(ctx).Table(table).Count(&count).Error; err != nil {
			return nil, newStoreError(opQueryRead, "count_failed", err)
		}
		counts[table] = count
	}
	return counts, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := noOpLogger
	if s != nil && s.logger != nil {
		logger = s.logger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("store error", attrs...)
}
