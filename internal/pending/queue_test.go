package pending

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lakefront-labs/chatsync/internal/store"
	"gorm.io/gorm"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	dsn := fmt.Sprintf("file:chatsync_queue_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	cacheStore, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	queue, err := NewQueue(Config{Store: cacheStore})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	return queue
}

func mustCID(t *testing.T, value string) store.CID {
	t.Helper()
	cid, err := store.NewCID(value)
	if err != nil {
		t.Fatalf("unexpected cid error: %v", err)
	}
	return cid
}

func mustMessageID(t *testing.T, value string) store.MessageID {
	t.Helper()
	id, err := store.NewMessageID(value)
	if err != nil {
		t.Fatalf("unexpected message id error: %v", err)
	}
	return id
}

func TestEnqueuePreservesCreationOrder(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()
	cid := mustCID(t, "messaging:general")
	messageID := mustMessageID(t, "msg-1")

	sendID, err := queue.Enqueue(ctx, NewSendReactionTask(cid, "like", messageID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deleteID, err := queue.Enqueue(ctx, NewDeleteReactionTask(cid, "like", messageID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tasks, err := queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != sendID || tasks[1].ID != deleteID {
		t.Fatalf("expected creation order preserved, got %d then %d", tasks[0].ID, tasks[1].ID)
	}
	if tasks[0].Type != TaskSendReaction || tasks[1].Type != TaskDeleteReaction {
		t.Fatalf("unexpected task types: %q then %q", tasks[0].Type, tasks[1].Type)
	}
	if tasks[0].State != store.TaskStateRecorded {
		t.Fatalf("expected recorded state, got %q", tasks[0].State)
	}
}

func TestEnqueueRoundTripsTaskFields(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()
	cid := mustCID(t, "messaging:general")
	messageID := mustMessageID(t, "msg-1")

	if _, err := queue.Enqueue(ctx, NewSendMessageTask(cid, messageID, `{"id":"msg-1","text":"hi"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tasks, err := queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.ChannelType != "messaging" || task.ChannelID != "general" {
		t.Fatalf("unexpected channel %q:%q", task.ChannelType, task.ChannelID)
	}
	if task.MessageID != "msg-1" {
		t.Fatalf("unexpected message id %q", task.MessageID)
	}
	if len(task.Payload) != 1 || task.Payload[0] != `{"id":"msg-1","text":"hi"}` {
		t.Fatalf("unexpected payload %#v", task.Payload)
	}
	if task.CreatedAt.IsZero() {
		t.Fatalf("expected creation instant recorded")
	}
}

func TestEnqueueRejectsInvalidTask(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, Task{Type: "repaint-ui", Payload: []string{"x"}}); !errors.Is(err, errInvalidTask) {
		t.Fatalf("expected invalid task error, got %v", err)
	}
	if _, err := queue.Enqueue(ctx, Task{Type: TaskSendReaction}); !errors.Is(err, errInvalidTask) {
		t.Fatalf("expected empty payload rejected, got %v", err)
	}
}

func TestEnqueuePropagatesStoreUnavailable(t *testing.T) {
	queue, err := NewQueue(Config{Store: &store.Store{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = queue.Enqueue(context.Background(), NewDeleteMessageTask(mustMessageID(t, "msg-1")))
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestMarkInFlightAndRequeueStranded(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()
	cid := mustCID(t, "messaging:general")

	id, err := queue.Enqueue(ctx, NewSendReactionTask(cid, "like", mustMessageID(t, "msg-1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := queue.MarkInFlight(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tasks, err := queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tasks[0].State != store.TaskStateInFlight {
		t.Fatalf("expected in-flight state, got %q", tasks[0].State)
	}

	if err := queue.RequeueStranded(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tasks, err = queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tasks[0].State != store.TaskStateRecorded {
		t.Fatalf("expected stranded task recovered, got %q", tasks[0].State)
	}
}

func TestRemoveDeletesReplayedTask(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()
	cid := mustCID(t, "messaging:general")

	id, err := queue.Enqueue(ctx, NewDeleteReactionTask(cid, "like", mustMessageID(t, "msg-1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := queue.Remove(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tasks, err := queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty queue, got %d tasks", len(tasks))
	}
}

func TestDropForMessageRemovesOnlyMatchingTasks(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()
	cid := mustCID(t, "messaging:general")

	if _, err := queue.Enqueue(ctx, NewSendReactionTask(cid, "like", mustMessageID(t, "msg-1"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	keptID, err := queue.Enqueue(ctx, NewDeleteMessageTask(mustMessageID(t, "msg-2")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := queue.DropForMessage(ctx, mustMessageID(t, "msg-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tasks, err := queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != keptID {
		t.Fatalf("expected only unrelated task to remain, got %#v", tasks)
	}

	forMessage, err := queue.ListPendingForMessage(ctx, mustMessageID(t, "msg-2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(forMessage) != 1 {
		t.Fatalf("expected 1 task for msg-2, got %d", len(forMessage))
	}
}
