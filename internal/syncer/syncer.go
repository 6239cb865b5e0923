package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/deferral/internal/db"
)

// Writer is the subset of the item store the syncer writes through
type Writer interface {
	PutItem(item *db.Item) error
	DeleteItem(timeStamp int64) error
	RecordDispatch(d *db.Dispatch) error
}

// ErrSuperseded is returned when an item write is dropped because a caller
// wrote the same key directly and the loop has not yet been told
var ErrSuperseded = errors.New("item write superseded by a direct write")

// Syncer buffers store writes produced by the scheduler loop and applies
// them in order on a single background goroutine.
//
// Callers that write items straight to the store go through Supersede, which
// drops any queued put or delete for the same key so an older loop write
// cannot land on top of the caller's. The key then stays blocked for loop
// writes until Announce is called for it.
type Syncer struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	buffer    []Update
	channel   chan Update
	lastFlush time.Time
	seq       uint64

	// Latest queued item op per key, buffered or sent
	pending map[int64]pendingOp
	// Latest item op per key handed to the writer
	sent map[int64]uint64
	// Item ops per key the writer must skip, up to and including this seq
	discardThrough map[int64]uint64
	// Direct writes per key the loop has not heard about yet
	unannounced map[int64]int

	written atomic.Uint64
	failed  atomic.Uint64

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewSyncer creates a new syncer with the specified configuration
func NewSyncer(config Config, logger *slog.Logger) (*Syncer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Syncer{
		config:         config,
		logger:         logger,
		buffer:         make([]Update, 0),
		channel:        make(chan Update, config.ChannelSize),
		lastFlush:      time.Now(),
		pending:        make(map[int64]pendingOp),
		sent:           make(map[int64]uint64),
		discardThrough: make(map[int64]uint64),
		unannounced:    make(map[int64]int),
	}, nil
}

type pendingOp struct {
	kind UpdateKind
	seq  uint64
}

// Buffer adds an update to the buffer, assigning an UpdateID if missing.
// Returns error if buffer exceeds maximum allowed size; the update is kept.
// A put or delete for a key with an unannounced direct write is dropped
// with ErrSuperseded.
func (s *Syncer) Buffer(update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.UpdateID == "" {
		update.UpdateID = uuid.NewString()
	}

	itemOp := update.Kind == UpdatePut || update.Kind == UpdateDelete
	if itemOp && s.unannounced[update.TimeStamp] > 0 {
		return ErrSuperseded
	}

	s.seq++
	update.Seq = s.seq
	s.buffer = append(s.buffer, update)
	if itemOp {
		s.pending[update.TimeStamp] = pendingOp{kind: update.Kind, seq: update.Seq}
	}

	if len(s.buffer) > s.config.MaxBufferedUpdates {
		return fmt.Errorf("update buffer exceeded maximum size: %d > %d",
			len(s.buffer), s.config.MaxBufferedUpdates)
	}

	return nil
}

// BufferPut queues an item write
func (s *Syncer) BufferPut(item db.Item) error {
	return s.Buffer(Update{Kind: UpdatePut, TimeStamp: item.TimeStamp, Item: &item})
}

// BufferDelete queues an item removal
func (s *Syncer) BufferDelete(timeStamp int64) error {
	return s.Buffer(Update{Kind: UpdateDelete, TimeStamp: timeStamp})
}

// BufferRecord queues a dispatch history entry. The record ID doubles as
// the update ID so a replayed flush cannot duplicate history.
func (s *Syncer) BufferRecord(d db.Dispatch) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return s.Buffer(Update{UpdateID: d.ID, Kind: UpdateRecord, TimeStamp: d.TimeStamp, Dispatch: &d})
}

// Flush sends buffered updates to the writer channel.
// Returns error if the channel fills; unsent updates stay buffered in order.
func (s *Syncer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return nil
	}

	for i, update := range s.buffer {
		select {
		case s.channel <- update:
			s.markSent(update)
		default:
			remaining := make([]Update, len(s.buffer)-i)
			copy(remaining, s.buffer[i:])
			s.buffer = remaining
			return fmt.Errorf("write channel full, %d updates buffered", len(s.buffer))
		}
	}

	s.buffer = make([]Update, 0)
	s.lastFlush = time.Now()
	return nil
}

// ShouldFlush reports whether the size or time threshold has been reached
func (s *Syncer) ShouldFlush(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return false
	}
	return len(s.buffer) >= s.config.FlushThreshold ||
		now.Sub(s.lastFlush) >= s.config.FlushInterval
}

// GetStats returns current syncer statistics
func (s *Syncer) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferedUpdates: len(s.buffer),
		PendingWrites:   len(s.channel),
		WrittenUpdates:  s.written.Load(),
		FailedWrites:    s.failed.Load(),
	}
}

// GetConfig returns the syncer configuration
func (s *Syncer) GetConfig() Config {
	return s.config
}

// GetLastFlushTime returns the timestamp of the last complete flush
func (s *Syncer) GetLastFlushTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlush
}

// Supersede runs write, a direct store write for the item at timeStamp,
// while no queued write for that key can be applied. write is told the kind
// of the newest queued put or delete for the key, if any. When write
// succeeds the queued puts and deletes for the key are dropped and the key
// is held until Announce.
func (s *Syncer) Supersede(timeStamp int64, write func(pending UpdateKind, queued bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, queued := s.pending[timeStamp]
	if err := write(op.kind, queued); err != nil {
		return err
	}

	if queued {
		kept := make([]Update, 0, len(s.buffer))
		for _, update := range s.buffer {
			if update.TimeStamp == timeStamp && update.Kind != UpdateRecord {
				continue
			}
			kept = append(kept, update)
		}
		s.buffer = kept

		if seq, ok := s.sent[timeStamp]; ok {
			s.discardThrough[timeStamp] = seq
		}
		delete(s.pending, timeStamp)
	}

	s.unannounced[timeStamp]++
	return nil
}

// Announce releases one Supersede hold on timeStamp once the loop has seen
// the direct write
func (s *Syncer) Announce(timeStamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.unannounced[timeStamp]; n > 1 {
		s.unannounced[timeStamp] = n - 1
	} else {
		delete(s.unannounced, timeStamp)
	}
}

// Unannounced reports whether timeStamp has a direct write the loop has not
// heard about
func (s *Syncer) Unannounced(timeStamp int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unannounced[timeStamp] > 0
}

// markSent notes an item op handed to the writer. Caller holds mu.
func (s *Syncer) markSent(update Update) {
	if update.Kind == UpdatePut || update.Kind == UpdateDelete {
		s.sent[update.TimeStamp] = update.Seq
	}
}

// Start launches the writer goroutine
func (s *Syncer) Start(w Writer) {
	s.wg.Add(1)
	go s.run(w)
}

// run writes updates to the store until the channel is closed and drained
func (s *Syncer) run(w Writer) {
	defer s.wg.Done()

	for update := range s.channel {
		applied, err := s.write(w, update)
		if err != nil {
			s.failed.Add(1)
			s.logger.Error("failed to write update",
				"update_id", update.UpdateID,
				"kind", update.Kind.String(),
				"time_stamp", update.TimeStamp,
				"error", err)
			continue
		}
		if !applied {
			s.logger.Debug("skipped superseded update",
				"update_id", update.UpdateID,
				"kind", update.Kind.String(),
				"time_stamp", update.TimeStamp)
			continue
		}

		s.written.Add(1)
		s.logger.Debug("wrote update",
			"update_id", update.UpdateID,
			"kind", update.Kind.String(),
			"time_stamp", update.TimeStamp)
	}

	s.logger.Debug("syncer writer shut down")
}

// Shutdown flushes what is buffered and waits for the writer to drain.
// The writer must have been started.
func (s *Syncer) Shutdown() error {
	var flushErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		remaining := s.buffer
		for _, update := range remaining {
			s.markSent(update)
		}
		s.buffer = make([]Update, 0)
		s.mu.Unlock()

		s.logger.Info("starting syncer shutdown", "buffered_updates", len(remaining))

		// Nothing else sends after this point, so a blocking send is safe.
		// The writer needs mu, so it must not be held here.
		for _, update := range remaining {
			s.channel <- update
		}

		close(s.channel)
		s.wg.Wait()

		if failed := s.failed.Load(); failed > 0 {
			flushErr = fmt.Errorf("%d store writes failed", failed)
		}

		s.logger.Info("syncer shutdown complete",
			"written_updates", s.written.Load(),
			"failed_writes", s.failed.Load())
	})

	return flushErr
}

// write applies one update, skipping item ops dropped by Supersede. Item ops
// are applied under mu so they cannot interleave with a direct write.
func (s *Syncer) write(w Writer, update Update) (bool, error) {
	if update.Kind == UpdateRecord {
		return true, apply(w, update)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := update.TimeStamp
	defer func() {
		if op, ok := s.pending[ts]; ok && op.seq == update.Seq {
			delete(s.pending, ts)
		}
		if s.sent[ts] == update.Seq {
			delete(s.sent, ts)
		}
		if through, ok := s.discardThrough[ts]; ok && through <= update.Seq {
			delete(s.discardThrough, ts)
		}
	}()

	if through, ok := s.discardThrough[ts]; ok && update.Seq <= through {
		return false, nil
	}
	return true, apply(w, update)
}

// apply performs one update against the store
func apply(w Writer, update Update) error {
	switch update.Kind {
	case UpdatePut:
		if update.Item == nil {
			return errors.New("put update without item")
		}
		return w.PutItem(update.Item)

	case UpdateDelete:
		err := w.DeleteItem(update.TimeStamp)
		if db.IsNotFound(err) {
			// Already cancelled or replaced by the caller
			return nil
		}
		return err

	case UpdateRecord:
		if update.Dispatch == nil {
			return errors.New("record update without dispatch")
		}
		return w.RecordDispatch(update.Dispatch)

	default:
		return fmt.Errorf("unknown update kind %d", update.Kind)
	}
}
