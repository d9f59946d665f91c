package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lakefront-labs/chatsync/internal/events"
	"github.com/lakefront-labs/chatsync/internal/pending"
	"github.com/lakefront-labs/chatsync/internal/store"
)

type stubChatClient struct{}

func (stubChatClient) SendMessage(context.Context, string, string, json.RawMessage) error {
	return nil
}

func (stubChatClient) DeleteMessage(context.Context, string) error { return nil }

func (stubChatClient) SendReaction(context.Context, string, string, string, string) error {
	return nil
}

func (stubChatClient) DeleteReaction(context.Context, string, string, string, string) error {
	return nil
}

func (stubChatClient) MissedEvents(context.Context, []string, time.Time) ([]events.Event, error) {
	return nil, nil
}

func (stubChatClient) OnConnectionChanged(func(online bool)) func() {
	return func() {}
}

func newTestEngine(t *testing.T, databaseDir string) *Engine {
	t.Helper()
	syncEngine, err := New(Config{
		DatabaseDir: databaseDir,
		Client:      stubChatClient{},
		Clock:       func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	t.Cleanup(func() {
		if err := syncEngine.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
	})
	return syncEngine
}

func TestInitializeCreatesPerUserDatabase(t *testing.T) {
	dir := t.TempDir()
	syncEngine := newTestEngine(t, dir)

	if err := syncEngine.Initialize(context.Background(), "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if syncEngine.Store() == nil {
		t.Fatalf("expected store after initialization")
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.db")); err != nil {
		t.Fatalf("expected per-user database file: %v", err)
	}
}

func TestInitializeSameUserIsNoOp(t *testing.T) {
	syncEngine := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := syncEngine.Store()
	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if syncEngine.Store() != first {
		t.Fatalf("expected re-initialization with the same user to keep the session")
	}
}

func TestInitializeUserSwitchTearsDownPreviousSession(t *testing.T) {
	dir := t.TempDir()
	syncEngine := newTestEngine(t, dir)
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seed := []store.Channel{{CID: "messaging:general", ChannelType: "messaging"}}
	if err := syncEngine.Store().UpsertChannels(ctx, seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := syncEngine.Initialize(ctx, "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err := syncEngine.TableCounts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for table, count := range counts {
		if count != 0 {
			t.Fatalf("expected empty cache for new user, %s has %d rows", table, count)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.db")); err != nil {
		t.Fatalf("expected previous user's file to remain on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bob.db")); err != nil {
		t.Fatalf("expected new user's database file: %v", err)
	}
}

func TestInitializeFallsBackToCacheless(t *testing.T) {
	dir := t.TempDir()
	// A file where the directory should be makes the database path unusable.
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to create blocking file: %v", err)
	}
	syncEngine := newTestEngine(t, filepath.Join(blocked, "nested"))
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("expected cache-less fallback, got %v", err)
	}
	if syncEngine.Store() != nil {
		t.Fatalf("expected nil store while cache-less")
	}

	task := pending.NewDeleteMessageTask(mustMessageID(t, "msg-1"))
	if _, err := syncEngine.EnqueuePendingTask(ctx, task); !errors.Is(err, ErrCacheless) {
		t.Fatalf("expected ErrCacheless, got %v", err)
	}
	if err := syncEngine.ApplyEvent(ctx, events.Event{Kind: events.KindConnectionChanged}); err != nil {
		t.Fatalf("expected events dropped silently while cache-less, got %v", err)
	}
	if err := syncEngine.Reset(ctx); err != nil {
		t.Fatalf("expected cache-less reset to be a no-op, got %v", err)
	}
	if _, err := syncEngine.RecordOptimisticSend(ctx, mustCID(t, "messaging:general"), "hi"); !errors.Is(err, ErrCacheless) {
		t.Fatalf("expected ErrCacheless for optimistic send, got %v", err)
	}
}

func TestEnqueueBeforeInitializeFails(t *testing.T) {
	syncEngine := newTestEngine(t, t.TempDir())
	task := pending.NewDeleteMessageTask(mustMessageID(t, "msg-1"))
	if _, err := syncEngine.EnqueuePendingTask(context.Background(), task); err == nil {
		t.Fatalf("expected error before initialization")
	}
}

func TestApplyEventReachesTheCache(t *testing.T) {
	syncEngine := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	event := events.Event{
		Kind: events.KindMessageNew,
		CID:  "messaging:general",
		Message: &events.Message{
			ID:        "msg-1",
			CID:       "messaging:general",
			Text:      "hello",
			User:      &events.User{ID: "user-1"},
			CreatedAt: time.Unix(1700000100, 0),
		},
	}
	if err := syncEngine.ApplyEvent(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cid := mustCID(t, "messaging:general")
	messages, err := syncEngine.Store().MessagesForChannel(ctx, cid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "msg-1" {
		t.Fatalf("expected event applied to cache, got %#v", messages)
	}
}

func TestEnqueueAndCountPendingTasks(t *testing.T) {
	syncEngine := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cid := mustCID(t, "messaging:general")
	if _, err := syncEngine.EnqueuePendingTask(ctx, pending.NewSendReactionTask(cid, "like", mustMessageID(t, "msg-1"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count, err := syncEngine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pending task, got %d", count)
	}
}

func TestRecordOptimisticSendCachesAndQueues(t *testing.T) {
	syncEngine := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cid := mustCID(t, "messaging:general")
	messageID, err := syncEngine.RecordOptimisticSend(ctx, cid, "hello offline")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if messageID.String() == "" {
		t.Fatalf("expected a minted message id")
	}

	messages, err := syncEngine.Store().MessagesForChannel(ctx, cid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 cached message, got %d", len(messages))
	}
	if messages[0].ID != messageID.String() {
		t.Fatalf("expected message %q, got %q", messageID, messages[0].ID)
	}
	if messages[0].DeliveryStatus != store.DeliveryStatusSending {
		t.Fatalf("expected sending status, got %q", messages[0].DeliveryStatus)
	}
	if messages[0].SenderID != "alice" {
		t.Fatalf("expected sender alice, got %q", messages[0].SenderID)
	}

	channel, err := syncEngine.Store().ChannelByCID(ctx, cid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if channel == nil {
		t.Fatalf("expected channel row created for the send")
	}

	tasks, err := syncEngine.Queue().ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 queued task, got %d", len(tasks))
	}
	if tasks[0].Type != pending.TaskSendMessage {
		t.Fatalf("expected send-message task, got %q", tasks[0].Type)
	}
	if tasks[0].MessageID != messageID.String() {
		t.Fatalf("expected task for message %q, got %q", messageID, tasks[0].MessageID)
	}
	if len(tasks[0].Payload) != 1 || !strings.Contains(tasks[0].Payload[0], messageID.String()) {
		t.Fatalf("expected payload carrying the minted id, got %v", tasks[0].Payload)
	}
}

func TestDeleteMessageLocallyDropsUnsentTasks(t *testing.T) {
	syncEngine := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cid := mustCID(t, "messaging:general")
	messageID, err := syncEngine.RecordOptimisticSend(ctx, cid, "never leaves the device")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := syncEngine.DeleteMessageLocally(ctx, messageID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, err := syncEngine.Store().MessagesForChannel(ctx, cid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected cached message removed, got %d", len(messages))
	}
	count, err := syncEngine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected queue emptied for an unsent message, got %d tasks", count)
	}
}

func TestDeleteMessageLocallyQueuesDeleteForSentMessage(t *testing.T) {
	syncEngine := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cid := mustCID(t, "messaging:general")
	messageID := mustMessageID(t, "msg-1")
	cached := store.Message{
		ID:             messageID.String(),
		CID:            cid.String(),
		Text:           "acknowledged by the server",
		DeliveryStatus: store.DeliveryStatusSent,
	}
	if err := syncEngine.Store().UpsertMessages(ctx, []store.Message{cached}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := syncEngine.DeleteMessageLocally(ctx, messageID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, err := syncEngine.Store().MessagesForChannel(ctx, cid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected cached message removed, got %d", len(messages))
	}
	tasks, err := syncEngine.Queue().ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != pending.TaskDeleteMessage {
		t.Fatalf("expected a single delete-message task, got %v", tasks)
	}
	if tasks[0].MessageID != messageID.String() {
		t.Fatalf("expected task for message %q, got %q", messageID, tasks[0].MessageID)
	}
}

func TestShutdownReleasesSession(t *testing.T) {
	syncEngine := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	if err := syncEngine.Initialize(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := syncEngine.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if syncEngine.Store() != nil {
		t.Fatalf("expected store released after shutdown")
	}
	if syncEngine.SyncStatus() {
		t.Fatalf("expected unsynced after shutdown")
	}
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
