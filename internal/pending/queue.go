package pending

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
	errMissingStore = errors.New("store is required")
	errInvalidTask  = errors.New("pending: invalid task")
	noOpLogger      = zap.NewNop()
)

const (
	opQueueNew    = "pending.queue.new"
	opEnqueue     = "pending.enqueue"
	opListPending = "pending.list"
)

// TaskType enumerates the replayable write operations.
type TaskType string

const (
	// TaskSendMessage replays channel.SendMessage with the recorded payload.
	TaskSendMessage TaskType = "send-message"
	// TaskDeleteMessage replays client.DeleteMessage for the recorded message id.
	TaskDeleteMessage TaskType = "delete-message"
	// TaskSendReaction replays channel.SendReaction with the recorded type and message id.
	TaskSendReaction TaskType = "send-reaction"
	// TaskDeleteReaction replays channel.DeleteReaction with the recorded type and message id.
	TaskDeleteReaction TaskType = "delete-reaction"
)

// Task is one durably recorded write intent. Payload is the serialized
// argument list sufficient to re-issue the identical call.
type Task struct {
	ID          int64
	Type        TaskType
	ChannelType string
	ChannelID   string
	MessageID   string
	Payload     []string
	CreatedAt   time.Time
	State       store.TaskState
}

// NewSendMessageTask records intent to send the serialized message on the channel.
func NewSendMessageTask(cid store.CID, messageID store.MessageID, messageJSON string) Task {
	return Task{
		Type:        TaskSendMessage,
		ChannelType: cid.ChannelType(),
		ChannelID:   cid.ChannelID(),
		MessageID:   messageID.String(),
		Payload:     []string{messageJSON},
	}
}

// NewDeleteMessageTask records intent to delete the message.
func NewDeleteMessageTask(messageID store.MessageID) Task {
	return Task{
		Type:      TaskDeleteMessage,
		MessageID: messageID.String(),
		Payload:   []string{messageID.String()},
	}
}

// NewSendReactionTask records intent to add a reaction to the message.
func NewSendReactionTask(cid store.CID, reactionType string, messageID store.MessageID) Task {
	return Task{
		Type:        TaskSendReaction,
		ChannelType: cid.ChannelType(),
		ChannelID:   cid.ChannelID(),
		MessageID:   messageID.String(),
		Payload:     []string{reactionType, messageID.String()},
	}
}

// NewDeleteReactionTask records intent to remove a reaction from the message.
func NewDeleteReactionTask(cid store.CID, reactionType string, messageID store.MessageID) Task {
	return Task{
		Type:        TaskDeleteReaction,
		ChannelType: cid.ChannelType(),
		ChannelID:   cid.ChannelID(),
		MessageID:   messageID.String(),
		Payload:     []string{reactionType, messageID.String()},
	}
}

func (t Task) validate() error {
	switch t.Type {
	case TaskSendMessage, TaskDeleteMessage, TaskSendReaction, TaskDeleteReaction:
	default:
		return fmt.Errorf("%w: unknown type %q", errInvalidTask, t.Type)
	}
	if len(t.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", errInvalidTask)
	}
	return nil
}

// QueueError carries a dotted operation code alongside the underlying cause.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

func newQueueError(operation, reason string, cause error) error {
	return &QueueError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config carries the dependencies required to construct a Queue.
type Config struct {
	Store  *store.Store
	Logger *zap.Logger
}

// Queue is the durable FIFO log of write operations awaiting replay. Tasks
// are totally ordered by creation and never reordered by type: a queued
// delete must not be replayed before the send it depends on.
type Queue struct {
	store  *store.Store
	logger *zap.Logger
}

// NewQueue validates the configuration and returns a Queue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, newQueueError(opQueueNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{store: cfg.Store, logger: logger}, nil
}

// Enqueue records one task. Called exactly when a write action's request
// failed or could not be attempted offline; store unavailability propagates
// so the caller skips recording rather than losing the write silently.
func (q *Queue) Enqueue(ctx context.Context, task Task) (int64, error) {
	if err := task.validate(); err != nil {
		return 0, newQueueError(opEnqueue, "invalid_task", err)
	}
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return 0, newQueueError(opEnqueue, "encode_failed", err)
	}
	row := store.PendingTask{
		TaskType:    string(task.Type),
		ChannelType: task.ChannelType,
		ChannelID:   task.ChannelID,
		MessageID:   task.MessageID,
		PayloadJSON: string(payload),
	}
	if err := q.store.InsertPendingTask(ctx, &row); err != nil {
		return 0, err
	}
	q.logger.Info("pending task recorded",
		zap.Int64("task_id", row.ID),
		zap.String("task_type", string(task.Type)))
	return row.ID, nil
}

// ListPending returns every recorded task in creation order.
func (q *Queue) ListPending(ctx context.Context) ([]Task, error) {
	rows, err := q.store.PendingTasks(ctx)
	if err != nil {
		return nil, err
	}
	return decodeTasks(rows)
}

// ListPendingForMessage returns the queued tasks referencing one message.
func (q *Queue) ListPendingForMessage(ctx context.Context, messageID store.MessageID) ([]Task, error) {
	rows, err := q.store.PendingTasksForMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return decodeTasks(rows)
}

// MarkInFlight transitions the task into the in-flight state before dispatch.
func (q *Queue) MarkInFlight(ctx context.Context, id int64) error {
	return q.store.SetPendingTaskState(ctx, id, store.TaskStateInFlight)
}

// Requeue returns a failed task to the recorded state for the next drain.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	return q.store.SetPendingTaskState(ctx, id, store.TaskStateRecorded)
}

// RequeueStranded returns every in-flight task to recorded, recovering tasks
// stranded by an interrupted drain.
func (q *Queue) RequeueStranded(ctx context.Context) error {
	return q.store.RequeueInFlightTasks(ctx)
}

// Remove deletes the task after its replay succeeded.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.store.DeletePendingTask(ctx, id)
}

// DropForMessage deletes every queued task referencing the message, used when
// a queued send is superseded before it could be replayed.
func (q *Queue) DropForMessage(ctx context.Context, messageID store.MessageID) error {
	rows, err := q.store.PendingTasksForMessage(ctx, messageID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := q.store.DeletePendingTask(ctx, row.ID); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		q.logger.Info("pending tasks dropped",
			zap.String("message_id", messageID.String()),
			zap.Int("count", len(rows)))
	}
	return nil
}

func decodeTasks(rows []store.PendingTask) ([]Task, error) {
	tasks := make([]Task, 0, len(rows))
	for _, row := range rows {
		var payload []string
		if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
			return nil, newQueueError(opListPending, "decode_failed", err)
		}
		tasks = append(tasks, Task{
			ID:          row.ID,
			Type:        TaskType(row.TaskType),
			ChannelType: row.ChannelType,
			ChannelID:   row.ChannelID,
			MessageID:   row.MessageID,
			Payload:     payload,
			CreatedAt:   time.Unix(0, row.CreatedAtNanos).UTC(),
			State:       row.State,
		})
	}
	return tasks, nil
}
