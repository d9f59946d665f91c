package store

// DeliveryStatus enumerates local knowledge about a message's server acknowledgement.
type DeliveryStatus string

const (
	// DeliveryStatusSending marks an optimistic message not yet acknowledged by the server.
	DeliveryStatusSending DeliveryStatus = "sending"
	// DeliveryStatusSent marks a message confirmed by the server.
	DeliveryStatusSent DeliveryStatus = "sent"
	// DeliveryStatusFailed marks a message whose send attempt failed and is awaiting replay.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// TaskState enumerates the persisted states of a pending task.
type TaskState string

const (
	// TaskStateRecorded marks a task waiting for its next replay attempt.
	TaskStateRecorded TaskState = "recorded"
	// TaskStateInFlight marks a task currently being replayed.
	TaskStateInFlight TaskState = "in_flight"
)

// Channel mirrors one server-side channel as a denormalized cache row.
type Channel struct {
	CID                  string `gorm:"column:cid;primaryKey;size:190;not null"`
	ChannelType          string `gorm:"column:channel_type;size:64;not null;default:''"`
	ExtraDataJSON        string `gorm:"column:extra_data_json;type:text;not null;default:''"`
	LastMessageAtSeconds int64  `gorm:"column:last_message_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Channel) TableName() string {
	return "channels"
}

// Message mirrors one channel-level message.
type Message struct {
	ID                 string         `gorm:"column:id;primaryKey;size:190;not null"`
	CID                string         `gorm:"column:cid;size:190;not null;index:idx_messages_cid_created,priority:1"`
	SenderID           string         `gorm:"column:sender_id;size:190;not null;default:''"`
	Text               string         `gorm:"column:text;type:text;not null;default:''"`
	AttachmentsJSON    string         `gorm:"column:attachments_json;type:text;not null;default:''"`
	ReactionCountsJSON string         `gorm:"column:reaction_counts_json;type:text;not null;default:''"`
	CreatedAtSeconds   int64          `gorm:"column:created_at_s;not null;index:idx_messages_cid_created,priority:2"`
	UpdatedAtSeconds   int64          `gorm:"column:updated_at_s;not null;default:0"`
	DeliveryStatus     DeliveryStatus `gorm:"column:delivery_status;size:16;not null;default:'sent'"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Member records one user's membership in one channel.
type Member struct {
	CID              string `gorm:"column:cid;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role             string `gorm:"column:role;size:64;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "members"
}

// User mirrors the most recent user payload seen on any event.
type User struct {
	ID                string `gorm:"column:id;primaryKey;size:190;not null"`
	Name              string `gorm:"column:name;size:255;not null;default:''"`
	Image             string `gorm:"column:image;type:text;not null;default:''"`
	Online            bool   `gorm:"column:online;not null;default:false"`
	LastActiveSeconds int64  `gorm:"column:last_active_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Reaction records one user's reaction of one type on one message.
type Reaction struct {
	MessageID        string `gorm:"column:message_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ReactionType     string `gorm:"column:reaction_type;primaryKey;size:64;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Reaction) TableName() string {
	return "reactions"
}

// Read records one user's read marker in one channel.
type Read struct {
	CID             string `gorm:"column:cid;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastReadSeconds int64  `gorm:"column:last_read_s;not null;default:0"`
	UnreadMessages  int    `gorm:"column:unread_messages;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Read) TableName() string {
	return "reads"
}

// ChannelQuery caches the server-ordered channel list for one filter/sort fingerprint.
// ChannelTypeFilter holds the channel-type constraint extracted from the filter,
// empty when the filter does not constrain the type.
type ChannelQuery struct {
	Fingerprint       string `gorm:"column:fingerprint;primaryKey;size:512;not null"`
	ChannelTypeFilter string `gorm:"column:channel_type_filter;size:64;not null;default:''"`
	CIDsJSON          string `gorm:"column:cids_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (ChannelQuery) TableName() string {
	return "channel_queries"
}

// PendingTask is one durably recorded write intent awaiting replay.
type PendingTask struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TaskType       string    `gorm:"column:task_type;size:64;not null"`
	ChannelType    string    `gorm:"column:channel_type;size:64;not null;default:''"`
	ChannelID      string    `gorm:"column:channel_id;size:190;not null;default:''"`
	MessageID      string    `gorm:"column:message_id;size:190;not null;default:'';index:idx_pending_message"`
	PayloadJSON    string    `gorm:"column:payload_json;type:text;not null;default:'[]'"`
	State          TaskState `gorm:"column:state;size:16;not null;default:'recorded'"`
	CreatedAtNanos int64     `gorm:"column:created_at_ns;not null;index:idx_pending_created"`
}

// TableName provides the explicit table binding for GORM.
func (PendingTask) TableName() string {
	return "pending_tasks"
}

// SyncStatus records the last successful event-gap sync per user.
type SyncStatus struct {
	UserID              string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastSyncedAtSeconds int64  `gorm:"column:last_synced_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStatus) TableName() string {
	return "sync_status"
}

// Models lists every persisted model in migration order.
func Models() []any {
	return []any{
		&Channel{},
		&Message{},
		&Member{},
		&User{},
		&Reaction{},
		&Read{},
		&ChannelQuery{},
		&PendingTask{},
		&SyncStatus{},
	}
}

// TableNames lists every persisted table name.
func TableNames() []string {
	return []string{
		Channel{}.TableName(),
		Message{}.TableName(),
		Member{}.TableName(),
		User{}.TableName(),
		Reaction{}.TableName(),
		Read{}.TableName(),
		ChannelQuery{}.TableName(),
		PendingTask{}.TableName(),
		SyncStatus{}.TableName(),
	}
}
