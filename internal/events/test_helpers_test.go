package events

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lakefront-labs/chatsync/internal/store"
	"gorm.io/gorm"
)

const testClockSeconds = 1700000600

func newTestMapper(t *testing.T, currentUserID string) (*Mapper, *store.Store) {
	t.Helper()

	dsn := fmt.Sprintf("file:chatsync_mapper_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	mapper, err := NewMapper(MapperConfig{Store: cacheStore, CurrentUserID: currentUserID, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build mapper: %v", err)
	}
	return mapper, cacheStore
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
