package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lakefront-labs/chatsync/internal/events"
	"github.com/lakefront-labs/chatsync/internal/pending"
	"github.com/lakefront-labs/chatsync/internal/store"
	"gorm.io/gorm"
)

const testClockSeconds = 1700000600

type fakeChatClient struct {
	mu        sync.Mutex
	calls     []string
	failures  map[string]error
	blocker   chan struct{}
	missed    []events.Event
	missedErr error
	missedCID []string
	listeners []func(bool)
}

func (f *fakeChatClient) record(ctx context.Context, call string) error {
	if f.blocker != nil {
		select {
		case <-f.blocker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failures[call]
}

func (f *fakeChatClient) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeChatClient) SendMessage(ctx context.Context, channelType, channelID string, message json.RawMessage) error {
	return f.record(ctx, strings.Join([]string{"send-message", channelType, channelID, string(message)}, " "))
}

func (f *fakeChatClient) DeleteMessage(ctx context.Context, messageID string) error {
	return f.record(ctx, strings.Join([]string{"delete-message", messageID}, " "))
}

func (f *fakeChatClient) SendReaction(ctx context.Context, channelType, channelID, reactionType, messageID string) error {
	return f.record(ctx, strings.Join([]string{"send-reaction", channelType, channelID, reactionType, messageID}, " "))
}

func (f *fakeChatClient) DeleteReaction(ctx context.Context, channelType, channelID, reactionType, messageID string) error {
	return f.record(ctx, strings.Join([]string{"delete-reaction", channelType, channelID, reactionType, messageID}, " "))
}

func (f *fakeChatClient) MissedEvents(ctx context.Context, cids []string, since time.Time) ([]events.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missedCID = append([]string(nil), cids...)
	f.calls = append(f.calls, "missed-events")
	return f.missed, f.missedErr
}

func (f *fakeChatClient) OnConnectionChanged(fn func(online bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeChatClient) fireConnection(online bool) {
	f.mu.Lock()
	listeners := append([]func(bool){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(online)
	}
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *store.Store
	queue       *pending.Queue
	client      *fakeChatClient
}

func newFixture(t *testing.T, mutate func(cfg *Config)) coordinatorFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:chatsync_syncer_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(testClockSeconds, 0).UTC() }
	cacheStore, err := store.New(store.Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	mapper, err := events.NewMapper(events.MapperConfig{Store: cacheStore, CurrentUserID: "me", Clock: clock})
	if err != nil {
		t.Fatalf("failed to build mapper: %v", err)
	}
	queue, err := pending.NewQueue(pending.Config{Store: cacheStore})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	client := &fakeChatClient{failures: map[string]error{}}

	cfg := Config{
		Store:  cacheStore,
		Queue:  queue,
		Mapper: mapper,
		Client: client,
		UserID: store.UserID("me"),
		Clock:  clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coordinator, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return coordinatorFixture{coordinator: coordinator, store: cacheStore, queue: queue, client: client}
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

func mustEnqueue(t *testing.T, queue *pending.Queue, task pending.Task) int64 {
	t.Helper()
	id, err := queue.Enqueue(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	return id
}

func waitForSync(t *testing.T, signal <-chan bool, want bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-signal:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for sync status %v", want)
		}
	}
}
