package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lakefront-labs/chatsync/internal/database"
	"github.com/lakefront-labs/chatsync/internal/events"
	"github.com/lakefront-labs/chatsync/internal/pending"
	"github.com/lakefront-labs/chatsync/internal/store"
	"github.com/lakefront-labs/chatsync/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingClient  = errors.New("chat client is required")
	errMissingDataDir = errors.New("database directory is required")
	errNotInitialized = errors.New("engine is not initialized")
	noOpLogger        = zap.NewNop()
)

// ErrCacheless indicates the engine is running without durable storage:
// reads go to the network and writes are not queued, since queuing without
// durable storage would silently lose data.
var ErrCacheless = errors.New("engine: operating without cache")

// Config carries the dependencies required to construct an Engine.
type Config struct {
	// DatabaseDir holds one database file per user session.
	DatabaseDir   string
	Client        syncer.ChatClient
	IDProvider    IDProvider
	StopOnFailure bool
	MaxSyncGap    time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Engine owns the offline sync stack for one authenticated user session:
// store, event mapper, pending queue, and sync coordinator. UI layers hold a
// reference to the engine; nothing here is a process-global singleton.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	userID      store.UserID
	db          *gorm.DB
	store       *store.Store
	mapper      *events.Mapper
	queue       *pending.Queue
	coordinator *syncer.Coordinator
	cacheless   bool
}

// New validates the configuration and returns an Engine. Initialize must be
// called before the engine serves reads or records writes.
func New(cfg Config) (*Engine, error) {
	if cfg.DatabaseDir == "" {
		return nil, errMissingDataDir
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = NewUUIDProvider()
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Initialize opens the user-scoped database and starts the sync coordinator.
// Re-initializing with the same user is a no-op; a different user tears the
// whole engine down first so stale data never leaks across sessions.
func (e *Engine) Initialize(ctx context.Context, rawUserID string) error {
	userID, err := store.NewUserID(rawUserID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.userID == userID && (e.db != nil || e.cacheless) {
		return nil
	}
	if e.db != nil || e.cacheless {
		e.teardownLocked()
	}

	e.userID = userID

	db, err := database.Open(e.databasePath(userID), e.logger)
	if err != nil {
		// Cache trouble must never block the session: run cache-less.
		e.logger.Warn("database unavailable, running cache-less",
			zap.String("user_id", userID.String()),
			zap.Error(fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)))
		e.cacheless = true
		return nil
	}

	engineStore, err := store.New(store.Config{Database: db, Clock: e.cfg.Clock, Logger: e.logger})
	if err != nil {
		return e.abortSetupLocked(db, err)
	}
	mapper, err := events.NewMapper(events.MapperConfig{
		Store:         engineStore,
		CurrentUserID: userID.String(),
		Clock:         e.cfg.Clock,
		Logger:        e.logger,
	})
	if err != nil {
		return e.abortSetupLocked(db, err)
	}
	queue, err := pending.NewQueue(pending.Config{Store: engineStore, Logger: e.logger})
	if err != nil {
		return e.abortSetupLocked(db, err)
	}
	coordinator, err := syncer.New(syncer.Config{
		Store:         engineStore,
		Queue:         queue,
		Mapper:        mapper,
		Client:        e.cfg.Client,
		UserID:        userID,
		StopOnFailure: e.cfg.StopOnFailure,
		MaxSyncGap:    e.cfg.MaxSyncGap,
		Clock:         e.cfg.Clock,
		Logger:        e.logger,
	})
	if err != nil {
		return e.abortSetupLocked(db, err)
	}

	e.db = db
	e.store = engineStore
	e.mapper = mapper
	e.queue = queue
	e.coordinator = coordinator
	e.cacheless = false
	coordinator.Start()

	e.logger.Info("engine initialized", zap.String("user_id", userID.String()))
	return nil
}

func (e *Engine) abortSetupLocked(db *gorm.DB, err error) error {
	if closeErr := database.Close(db); closeErr != nil {
		e.logger.Warn("database close failed during aborted setup", zap.Error(closeErr))
	}
	return err
}

func (e *Engine) databasePath(userID store.UserID) string {
	return filepath.Join(e.cfg.DatabaseDir, userID.String()+".db")
}

func (e *Engine) teardownLocked() {
	if e.coordinator != nil {
		e.coordinator.Stop()
		e.coordinator = nil
	}
	if e.db != nil {
		if err := database.Close(e.db); err != nil {
			e.logger.Warn("database close failed", zap.Error(err))
		}
		e.db = nil
	}
	e.store = nil
	e.mapper = nil
	e.queue = nil
	e.cacheless = false
	e.userID = ""
}

// Reset empties every cache table, used on logout before a new session.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		if e.cacheless {
			return nil
		}
		return errNotInitialized
	}
	return e.store.Reset(ctx)
}

// Shutdown stops the coordinator and releases the database file handle. Any
// in-flight drain's continuation is cancelled; committed state remains.
func (e *Engine) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	return nil
}

// Store exposes the synchronous read accessors for the UI boundary. Nil while
// uninitialized or cache-less.
func (e *Engine) Store() *store.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// Queue exposes the pending-operation queue. Nil while uninitialized or
// cache-less.
func (e *Engine) Queue() *pending.Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue
}

// ApplyEvent feeds one real-time event through the mutation mapper. Events
// are dropped silently when running cache-less.
func (e *Engine) ApplyEvent(ctx context.Context, event events.Event) error {
	e.mu.Lock()
	mapper := e.mapper
	e.mu.Unlock()
	if mapper == nil {
		return nil
	}
	return mapper.Apply(ctx, event)
}

// RecordOptimisticSend caches a locally composed message in the sending
// state and queues its send for the next drain, returning the minted
// message id. The server's own message.new event later overwrites the row
// and flips it to sent.
func (e *Engine) RecordOptimisticSend(ctx context.Context, cid store.CID, text string) (store.MessageID, error) {
	e.mu.Lock()
	engineStore := e.store
	queue := e.queue
	userID := e.userID
	cacheless := e.cacheless
	e.mu.Unlock()
	if engineStore == nil || queue == nil {
		if cacheless {
			return "", fmt.Errorf("%w: %w", ErrCacheless, store.ErrStoreUnavailable)
		}
		return "", errNotInitialized
	}

	rawID, err := e.cfg.IDProvider.NewID()
	if err != nil {
		return "", err
	}
	messageID, err := store.NewMessageID(rawID)
	if err != nil {
		return "", err
	}

	now := e.cfg.Clock().UTC()
	row := store.Message{
		ID:               messageID.String(),
		CID:              cid.String(),
		SenderID:         userID.String(),
		Text:             text,
		CreatedAtSeconds: now.Unix(),
		DeliveryStatus:   store.DeliveryStatusSending,
	}
	payload, err := json.Marshal(struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}{ID: messageID.String(), Text: text})
	if err != nil {
		return "", err
	}

	err = engineStore.Tx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertMessages(ctx, []store.Message{row}); err != nil {
			return err
		}
		if err := tx.TouchChannelLastMessage(ctx, cid, now); err != nil {
			return err
		}
		return tx.PromoteChannel(ctx, cid, false)
	})
	if err != nil {
		return "", err
	}

	if _, err := queue.Enqueue(ctx, pending.NewSendMessageTask(cid, messageID, string(payload))); err != nil {
		return "", err
	}
	return messageID, nil
}

// DeleteMessageLocally removes the cached message immediately and reconciles
// the server side: a message whose send is still queued never reached the
// server, so its queued tasks are dropped instead of queuing a delete.
func (e *Engine) DeleteMessageLocally(ctx context.Context, messageID store.MessageID) error {
	e.mu.Lock()
	engineStore := e.store
	queue := e.queue
	cacheless := e.cacheless
	e.mu.Unlock()
	if engineStore == nil || queue == nil {
		if cacheless {
			return fmt.Errorf("%w: %w", ErrCacheless, store.ErrStoreUnavailable)
		}
		return errNotInitialized
	}

	queued, err := queue.ListPendingForMessage(ctx, messageID)
	if err != nil {
		return err
	}
	unsent := false
	for _, task := range queued {
		if task.Type == pending.TaskSendMessage && task.State == store.TaskStateRecorded {
			unsent = true
			break
		}
	}
	if err := engineStore.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	if unsent {
		return queue.DropForMessage(ctx, messageID)
	}
	_, err = queue.Enqueue(ctx, pending.NewDeleteMessageTask(messageID))
	return err
}

// EnqueuePendingTask records a failed or offline write intent. Without
// durable storage the task is refused rather than silently lost.
func (e *Engine) EnqueuePendingTask(ctx context.Context, task pending.Task) (int64, error) {
	e.mu.Lock()
	queue := e.queue
	cacheless := e.cacheless
	e.mu.Unlock()
	if queue == nil {
		if cacheless {
			return 0, fmt.Errorf("%w: %w", ErrCacheless, store.ErrStoreUnavailable)
		}
		return 0, errNotInitialized
	}
	return queue.Enqueue(ctx, task)
}

// SetOnline drives the coordinator's connectivity state machine directly,
// used when the host application owns connectivity detection.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	coordinator := e.coordinator
	e.mu.Unlock()
	if coordinator != nil {
		coordinator.SetOnline(online)
	}
}

// SyncStatus reports whether the cache is currently synced.
func (e *Engine) SyncStatus() bool {
	e.mu.Lock()
	coordinator := e.coordinator
	e.mu.Unlock()
	if coordinator == nil {
		return false
	}
	return coordinator.SyncStatus()
}

// PendingCount reports the number of queued tasks, used by diagnostics.
func (e *Engine) PendingCount(ctx context.Context) (int64, error) {
	e.mu.Lock()
	queue := e.queue
	e.mu.Unlock()
	if queue == nil {
		return 0, nil
	}
	tasks, err := queue.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(tasks)), nil
}

// TableCounts reports per-table row counts, used by diagnostics.
func (e *Engine) TableCounts(ctx context.Context) (map[string]int64, error) {
	e.mu.Lock()
	engineStore := e.store
	e.mu.Unlock()
	if engineStore == nil {
		return map[string]int64{}, nil
	}
	return engineStore.TableCounts(ctx)
}
