package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lakefront-labs/chatsync/internal/events"
	"github.com/lakefront-labs/chatsync/internal/pending"
	"github.com/lakefront-labs/chatsync/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("store is required")
	errMissingQueue  = errors.New("queue is required")
	errMissingMapper = errors.New("mapper is required")
	errMissingClient = errors.New("chat client is required")
	errMissingUserID = errors.New("user id is required")
	noOpLogger       = zap.NewNop()
)

const (
	opCoordinatorNew = "syncer.coordinator.new"
	opDrain          = "syncer.drain"
	opGapSync        = "syncer.gap_sync"
)

// DefaultMaxSyncGap is the longest event gap the server will replay. Beyond
// it the cache is reset and rebuilt from scratch.
const DefaultMaxSyncGap = 30 * 24 * time.Hour

// Config carries the dependencies required to construct a Coordinator.
type Config struct {
	Store  *store.Store
	Queue  *pending.Queue
	Mapper *events.Mapper
	Client ChatClient
	UserID store.UserID
	// StopOnFailure halts a drain cycle at the first failed task instead of
	// continuing past it. Default false: one permanently-invalid task must
	// not head-of-line block the rest of the queue.
	StopOnFailure bool
	MaxSyncGap    time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Coordinator is the single authority deciding when the pending queue is
// drained. Its state machine is IDLE -> DRAINING -> IDLE with at most one
// drain cycle active; connectivity-recovered signals arriving mid-drain are
// coalesced, since anything enqueued during the drain is picked up on the
// next recovery.
type Coordinator struct {
	store         *store.Store
	queue         *pending.Queue
	mapper        *events.Mapper
	client        ChatClient
	userID        store.UserID
	stopOnFailure bool
	maxSyncGap    time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	draining atomic.Bool
	synced   atomic.Bool

	runCtx      context.Context
	cancelRun   context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	mu             sync.Mutex
	listeners      map[int64]func(bool)
	nextListenerID int64
}

// New validates the configuration and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingQueue)
	}
	if cfg.Mapper == nil {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingMapper)
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingClient)
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingUserID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxGap := cfg.MaxSyncGap
	if maxGap <= 0 {
		maxGap = DefaultMaxSyncGap
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	return &Coordinator{
		store:         cfg.Store,
		queue:         cfg.Queue,
		mapper:        cfg.Mapper,
		client:        cfg.Client,
		userID:        cfg.UserID,
		stopOnFailure: cfg.StopOnFailure,
		maxSyncGap:    maxGap,
		clock:         clock,
		logger:        logger,
		runCtx:        runCtx,
		cancelRun:     cancelRun,
		listeners:     map[int64]func(bool){},
	}, nil
}

// Start subscribes to the client's connectivity notifications.
func (c *Coordinator) Start() {
	c.unsubscribe = c.client.OnConnectionChanged(c.SetOnline)
}

// Stop unsubscribes, cancels the continuation of any in-flight drain, and
// waits for it to settle. Committed transactions stay committed; tasks not
// yet replayed stay recorded.
func (c *Coordinator) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.cancelRun()
	c.wg.Wait()
}

// SyncStatus reports whether the local cache is currently synced with the
// live client.
func (c *Coordinator) SyncStatus() bool {
	return c.synced.Load()
}

// OnSyncStatusChange registers a sync-status listener and returns its
// unsubscribe function.
func (c *Coordinator) OnSyncStatusChange(fn func(synced bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) notify(synced bool) {
	c.mu.Lock()
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(synced)
	}
}

// SetOnline drives the state machine from a connectivity transition. A
// transition to online triggers exactly one drain cycle; a signal received
// while already draining is coalesced.
func (c *Coordinator) SetOnline(online bool) {
	if !online {
		c.synced.Store(false)
		c.notify(false)
		return
	}
	if !c.draining.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.draining.Store(false)
		if err := c.drainAndSync(c.runCtx); err != nil {
			c.logger.Warn("drain cycle incomplete",
				zap.String("operation", opDrain),
				zap.Error(err))
			return
		}
		c.synced.Store(true)
		c.notify(true)
	}()
}

// DrainOnce runs one synchronous drain cycle, coalescing with any cycle
// already active.
func (c *Coordinator) DrainOnce(ctx context.Context) error {
	if !c.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer c.draining.Store(false)
	return c.drainAndSync(ctx)
}

func (c *Coordinator) drainAndSync(ctx context.Context) error {
	if err := c.drain(ctx); err != nil {
		return err
	}
	return c.syncMissedEvents(ctx)
}

// drain replays every pending task present at cycle start, strictly
// sequentially and in creation order.
func (c *Coordinator) drain(ctx context.Context) error {
	if err := c.queue.RequeueStranded(ctx); err != nil {
		return err
	}
	tasks, err := c.queue.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	c.logger.Info("drain cycle started", zap.Int("tasks", len(tasks)))
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.queue.MarkInFlight(ctx, task.ID); err != nil {
			return err
		}
		replayErr := c.executeTask(ctx, task)
		if replayErr != nil && !IsDuplicate(replayErr) {
			if err := c.queue.Requeue(ctx, task.ID); err != nil {
				return err
			}
			c.logger.Warn("task replay failed, left queued",
				zap.String("operation", opDrain),
				zap.Int64("task_id", task.ID),
				zap.String("task_type", string(task.Type)),
				zap.Error(fmt.Errorf("%w: %v", ErrReplayFailed, replayErr)))
			if c.stopOnFailure {
				return fmt.Errorf("%w: task %d: %v", ErrReplayFailed, task.ID, replayErr)
			}
			continue
		}
		if err := c.queue.Remove(ctx, task.ID); err != nil {
			return err
		}
	}
	c.logger.Info("drain cycle finished")
	return nil
}

func (c *Coordinator) executeTask(ctx context.Context, task pending.Task) error {
	switch task.Type {
	case pending.TaskSendMessage:
		if len(task.Payload) < 1 {
			return fmt.Errorf("%w: malformed payload for task %d", ErrReplayFailed, task.ID)
		}
		return c.client.SendMessage(ctx, task.ChannelType, task.ChannelID, json.RawMessage(task.Payload[0]))
	case pending.TaskDeleteMessage:
		if len(task.Payload) < 1 {
			return fmt.Errorf("%w: malformed payload for task %d", ErrReplayFailed, task.ID)
		}
		return c.client.DeleteMessage(ctx, task.Payload[0])
	case pending.TaskSendReaction:
		if len(task.Payload) < 2 {
			return fmt.Errorf("%w: malformed payload for task %d", ErrReplayFailed, task.ID)
		}
		return c.client.SendReaction(ctx, task.ChannelType, task.ChannelID, task.Payload[0], task.Payload[1])
	case pending.TaskDeleteReaction:
		if len(task.Payload) < 2 {
			return fmt.Errorf("%w: malformed payload for task %d", ErrReplayFailed, task.ID)
		}
		return c.client.DeleteReaction(ctx, task.ChannelType, task.ChannelID, task.Payload[0], task.Payload[1])
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrReplayFailed, task.Type)
	}
}

// syncMissedEvents closes the event gap accumulated while offline. A gap
// wider than the server's replayable window, or a failed gap fetch, resets
// the cache wholesale: re-deriving from the live client is always safe.
func (c *Coordinator) syncMissedEvents(ctx context.Context) error {
	cids, err := c.store.AllChannelCIDs(ctx)
	if err != nil {
		return err
	}
	if len(cids) == 0 {
		return nil
	}
	status, err := c.store.SyncStatusFor(ctx, c.userID)
	if err != nil {
		return err
	}
	now := c.clock().UTC()
	if status == nil || status.LastSyncedAtSeconds == 0 {
		return c.store.UpsertSyncStatus(ctx, c.userID, now)
	}
	lastSynced := time.Unix(status.LastSyncedAtSeconds, 0).UTC()
	if now.Sub(lastSynced) > c.maxSyncGap {
		c.logger.Info("sync gap exceeds replayable window, resetting cache",
			zap.String("operation", opGapSync),
			zap.Time("last_synced_at", lastSynced))
		if err := c.store.Reset(ctx); err != nil {
			return err
		}
		return c.store.UpsertSyncStatus(ctx, c.userID, now)
	}
	missed, err := c.client.MissedEvents(ctx, cids, lastSynced)
	if err != nil {
		c.logger.Warn("gap fetch failed, resetting cache",
			zap.String("operation", opGapSync),
			zap.Error(err))
		if err := c.store.Reset(ctx); err != nil {
			return err
		}
		return c.store.UpsertSyncStatus(ctx, c.userID, now)
	}
	for _, event := range missed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.mapper.Apply(ctx, event); err != nil {
			c.logger.Warn("missed event dropped",
				zap.String("operation", opGapSync),
				zap.String("event_type", event.Kind.String()),
				zap.Error(err))
		}
	}
	return c.store.UpsertSyncStatus(ctx, c.userID, now)
}
