package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/inbox"
	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/scheduler/index"
	"github.com/livinlefevreloca/deferral/internal/store"
	"github.com/livinlefevreloca/deferral/internal/syncer"
)

// rebuildAttempts bounds how often one index build retries after losing a
// race with a concurrent insert or remove
const rebuildAttempts = 3

var (
	ErrStopped        = errors.New("scheduler stopped")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrInboxFull      = errors.New("scheduler inbox full")
)

// Scheduler dispatches stored items when their time arrives
type Scheduler struct {
	// Configuration
	config  Config
	logger  *slog.Logger
	store   store.Store
	handler Handler
	clock   Clock
	metrics *metrics.Metrics

	// State (accessed only by main loop)
	index      *index.ItemIndex
	dispatches map[int64]*dispatchState // item timestamp → state
	stopping   bool
	overflow   error

	// Stats (accessed only by main loop unless atomic)
	startedAt              time.Time
	missedCount            int
	deliveredCount         uint64
	failedCount            uint64
	cancelledCount         uint64
	retryCount             uint64
	indexBuildCount        atomic.Int64
	lastIndexBuildDuration atomic.Int64

	// Dispatch goroutines
	slots         chan struct{}
	dispatchWG    sync.WaitGroup
	dispatchCtx   context.Context
	cancelPending context.CancelFunc

	// Communication
	inbox  *inbox.Inbox[InboxMessage]
	syncer *syncer.Syncer

	// Control
	running          atomic.Bool
	shutdown         chan struct{}
	shutdownOnce     sync.Once
	rebuildIndexChan chan struct{}
	builderDone      chan struct{}
	done             chan struct{}
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock used for due checks
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler, reports items missed while the process was down
// and builds the initial index. If the missed-item handler fails the missed
// items stay in the store and New returns the error.
func New(config Config, syncerConfig syncer.Config, st store.Store, handler Handler, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	// 1. Validate configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler must not be nil")
	}

	// 2. Create syncer
	writer, err := syncer.NewSyncer(syncerConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}

	dispatchCtx, cancelPending := context.WithCancel(context.Background())

	s := &Scheduler{
		config:           config,
		logger:           logger,
		store:            st,
		handler:          handler,
		clock:            realClock{},
		index:            index.NewItemIndex(nil),
		dispatches:       make(map[int64]*dispatchState),
		slots:            make(chan struct{}, config.MaxConcurrentDispatches),
		dispatchCtx:      dispatchCtx,
		cancelPending:    cancelPending,
		inbox:            inbox.New[InboxMessage](config.InboxBufferSize, config.InboxSendTimeout, logger),
		syncer:           writer,
		shutdown:         make(chan struct{}),
		rebuildIndexChan: make(chan struct{}, 1),
		builderDone:      make(chan struct{}),
		done:             make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.clock.Now()

	// 3. Report misses before anything can dispatch them
	if err := s.handleMisses(); err != nil {
		cancelPending()
		return nil, err
	}

	// 4. Build initial index (synchronously on startup)
	if err := s.performIndexBuild(); err != nil {
		cancelPending()
		return nil, fmt.Errorf("failed to build initial index: %w", err)
	}

	return s, nil
}

// Run starts the syncer and index builder, then runs the main loop until
// ctx is done or Shutdown is called. It returns after in-flight dispatches
// finish and buffered writes are flushed.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	s.logger.Info("starting scheduler",
		"index_size", s.index.Len(),
		"max_concurrent_dispatches", s.config.MaxConcurrentDispatches)

	s.syncer.Start(s.store)
	go s.runIndexBuilder()

	ticker := time.NewTicker(s.config.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.triggerShutdown()
			s.handleShutdown()
			return nil

		case <-s.shutdown:
			s.handleShutdown()
			return nil

		case <-ticker.C:
			s.iteration()
		}
	}
}

// Shutdown signals the main loop to stop. Use Done to wait for completion.
func (s *Scheduler) Shutdown() {
	s.triggerShutdown()
}

// Done is closed once Run has fully shut down
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) triggerShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

// iteration performs a single iteration of the scheduler loop
func (s *Scheduler) iteration() {
	now := s.clock.Now()

	// Step 1: Launch dispatches for due items
	s.scheduleDispatches(now)

	// Step 2: Process ALL inbox messages
	s.processInbox()

	// Step 3: Fail attempts whose result never arrived
	s.checkStalledDispatches(now)

	// Step 4: Forget terminal dispatches after grace period
	s.cleanupDispatches(now)

	// Step 5: Flush buffers based on time and size thresholds
	s.flushBuffers(now)

	// Step 6: Update inbox depth stats and gauges
	s.inbox.UpdateDepthStats()
	running, _ := s.countActive()
	s.metrics.SetLoopGauges(s.index.Len(), running, s.inbox.Len(), s.syncer.GetStats().BufferedUpdates)

	if s.overflow != nil {
		s.logger.Error("scheduler stopping due to buffer overflow", "error", s.overflow)
		s.triggerShutdown()
	}
}

// processInbox drains all available messages from the inbox
func (s *Scheduler) processInbox() int {
	messagesProcessed := 0

	for {
		msg, ok := s.inbox.TryReceive()
		if !ok {
			break
		}

		s.handleMessage(msg)
		messagesProcessed++
	}

	return messagesProcessed
}

// handleMessage dispatches messages to appropriate handlers
func (s *Scheduler) handleMessage(msg InboxMessage) {
	s.logger.Debug("handling message", "type", msg.Type.String())

	switch msg.Type {
	case MsgDispatchResult:
		s.handleDispatchResult(msg.Data.(DispatchResultMsg))
	case MsgItemScheduled:
		s.handleItemScheduled(msg.Data.(ItemScheduledMsg))
	case MsgItemCancelled:
		s.handleItemCancelled(msg.Data.(ItemCancelledMsg))
	case MsgGetStats:
		s.handleGetStats(msg)
	case MsgRebuildIndex:
		s.requestIndexRebuild()
	case MsgShutdown:
		s.triggerShutdown()
	default:
		s.logger.Warn("unknown message type", "type", msg.Type)
	}
}

// handleItemScheduled makes a newly stored item visible to the loop
func (s *Scheduler) handleItemScheduled(data ItemScheduledMsg) {
	ts := data.Item.TimeStamp

	if state, exists := s.dispatches[ts]; exists {
		if state.Status == DispatchRunning {
			// The running call finishes, but must not delete its successor
			state.replaced = true
		} else {
			delete(s.dispatches, ts)
		}
	}

	s.index.Insert(data.Item)
	s.syncer.Announce(ts)
	s.logger.Debug("item scheduled", "time_stamp", ts)
}

// handleItemCancelled drops an item already removed from the store
func (s *Scheduler) handleItemCancelled(data ItemCancelledMsg) {
	ts := data.TimeStamp
	now := s.clock.Now()

	s.index.Remove(ts)
	s.syncer.Announce(ts)

	attempts := 0
	state, exists := s.dispatches[ts]
	if exists && state.Status.IsTerminal() {
		// Already delivered, failed or cancelled; the outcome is on record
		s.logger.Debug("cancelled item already finished", "time_stamp", ts, "status", state.Status)
		return
	}
	if exists {
		if state.cancel != nil {
			state.cancel()
			state.cancel = nil
		}
		attempts = state.Attempts
		state.Status = DispatchCancelled
		state.FinishedAt = now
	}

	s.cancelledCount++
	s.metrics.RecordDispatch(db.OutcomeCancelled)
	s.bufferRecord(db.Dispatch{
		TimeStamp:    ts,
		Outcome:      db.OutcomeCancelled,
		Attempts:     attempts,
		DispatchedAt: now,
	})

	s.logger.Info("cancelled item", "time_stamp", ts)
}

// handleGetStats returns current scheduler statistics
func (s *Scheduler) handleGetStats(msg InboxMessage) {
	running, retrying := s.countActive()

	response := StatsResponse{
		Scheduler: SchedulerStats{
			StartedAt:              s.startedAt,
			IndexSize:              s.index.Len(),
			Running:                running,
			Retrying:               retrying,
			Delivered:              s.deliveredCount,
			Failed:                 s.failedCount,
			Cancelled:              s.cancelledCount,
			Missed:                 s.missedCount,
			Retries:                s.retryCount,
			IndexBuildCount:        s.indexBuildCount.Load(),
			LastIndexBuildDuration: time.Duration(s.lastIndexBuildDuration.Load()),
		},
		Inbox:  s.inbox.GetStats(),
		Syncer: s.syncer.GetStats(),
	}

	if msg.ResponseChan != nil {
		msg.ResponseChan <- response
	}
}

func (s *Scheduler) countActive() (running, retrying int) {
	for _, state := range s.dispatches {
		switch state.Status {
		case DispatchRunning:
			running++
		case DispatchRetrying:
			retrying++
		}
	}
	return running, retrying
}

// flushBuffers checks time and size thresholds and flushes buffers when needed
func (s *Scheduler) flushBuffers(now time.Time) {
	if !s.syncer.ShouldFlush(now) {
		return
	}

	if err := s.syncer.Flush(); err != nil {
		s.logger.Error("failed to flush store updates",
			"error", err,
			"buffered_count", s.syncer.GetStats().BufferedUpdates,
			"time_since_last_flush", now.Sub(s.syncer.GetLastFlushTime()))
	}
}

// bufferPut, bufferDelete and bufferRecord remember the first overflow so
// the loop can stop at the end of the iteration. bufferPut and bufferDelete
// report false when a direct write from Schedule or Cancel owns the key, in
// which case the loop's write is dropped.
func (s *Scheduler) bufferPut(item db.Item) bool {
	return s.noteBuffered(item.TimeStamp, s.syncer.BufferPut(item))
}

func (s *Scheduler) bufferDelete(timeStamp int64) bool {
	return s.noteBuffered(timeStamp, s.syncer.BufferDelete(timeStamp))
}

func (s *Scheduler) noteBuffered(timeStamp int64, err error) bool {
	if errors.Is(err, syncer.ErrSuperseded) {
		s.logger.Debug("store write superseded by caller", "time_stamp", timeStamp)
		return false
	}
	if err != nil && s.overflow == nil {
		s.overflow = err
	}
	return true
}

func (s *Scheduler) bufferRecord(d db.Dispatch) {
	if err := s.syncer.BufferRecord(d); err != nil && s.overflow == nil {
		s.overflow = err
	}
}

// runIndexBuilder periodically rebuilds the item index
func (s *Scheduler) runIndexBuilder() {
	defer close(s.builderDone)

	ticker := time.NewTicker(s.config.IndexRebuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return

		case <-ticker.C:
			_ = s.performIndexBuild()

		case <-s.rebuildIndexChan:
			// Explicit rebuild requested
			_ = s.performIndexBuild()
		}
	}
}

// requestIndexRebuild asks the builder for an early rebuild without blocking
func (s *Scheduler) requestIndexRebuild() {
	select {
	case s.rebuildIndexChan <- struct{}{}:
	default:
	}
}

// performIndexBuild loads every item due before now+LookaheadWindow.
// Overdue items are included: they stay in the store until delivered.
func (s *Scheduler) performIndexBuild() error {
	buildStart := time.Now()
	end := s.clock.Now().Add(s.config.LookaheadWindow)

	s.logger.Debug("starting index build", "end", end)

	err := s.index.Rebuild(func() ([]db.Item, error) {
		return s.store.ListItemsBefore(end.UnixMilli())
	}, rebuildAttempts)

	duration := time.Since(buildStart)
	s.metrics.RecordIndexBuild(duration, s.index.Len(), err)

	if err != nil {
		s.logger.Error("failed to build index", "error", err)
		return err
	}

	builds := s.indexBuildCount.Add(1)
	s.lastIndexBuildDuration.Store(int64(duration))

	s.logger.Info("index build complete",
		"item_count", s.index.Len(),
		"duration", duration,
		"total_builds", builds)

	return nil
}

// handleShutdown performs graceful shutdown of the scheduler
func (s *Scheduler) handleShutdown() {
	s.logger.Info("shutting down scheduler")
	s.stopping = true

	<-s.builderDone

	s.waitForDispatches()

	// Record whatever arrived while waiting
	s.processInbox()
	s.cancelPending()

	if err := s.syncer.Shutdown(); err != nil {
		s.logger.Error("error shutting down syncer", "error", err)
	}

	s.logger.Info("scheduler shutdown complete",
		"delivered", s.deliveredCount,
		"failed", s.failedCount,
		"cancelled", s.cancelledCount)

	close(s.done)
}

// waitForDispatches lets running handlers finish, cancelling them once
// ShutdownTimeout passes. Results are consumed while waiting so senders
// never block on a full inbox.
func (s *Scheduler) waitForDispatches() {
	finished := make(chan struct{})
	go func() {
		s.dispatchWG.Wait()
		close(finished)
	}()

	ticker := time.NewTicker(s.config.LoopInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(s.config.ShutdownTimeout)
	defer deadline.Stop()

	cancelled := false
	for {
		select {
		case <-finished:
			return

		case <-ticker.C:
			s.processInbox()

		case <-deadline.C:
			if cancelled {
				s.logger.Error("handlers ignored cancellation, abandoning them")
				return
			}
			running, _ := s.countActive()
			s.logger.Warn("cancelling running dispatches", "count", running)
			s.cancelPending()
			cancelled = true
			deadline.Reset(s.config.ShutdownTimeout)
		}
	}
}
