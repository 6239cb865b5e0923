package scheduler

import (
	"context"
	"fmt"

	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/syncer"
)

// The methods in this file are safe to call from any goroutine while the
// scheduler runs. Writes reach the store before the loop hears about them.

// Schedule stores item, replacing any item at the same timestamp, and hands
// it to the loop. A recurring item's cron expression is validated first.
func (s *Scheduler) Schedule(item *db.Item) error {
	if item.Recurring() {
		if err := ValidateCron(item.Cron); err != nil {
			return err
		}
	}

	err := s.syncer.Supersede(item.TimeStamp, func(syncer.UpdateKind, bool) error {
		return s.store.PutItem(item)
	})
	if err != nil {
		return fmt.Errorf("failed to store item %d: %w", item.TimeStamp, err)
	}

	if !s.inbox.Send(InboxMessage{
		Type: MsgItemScheduled,
		Data: ItemScheduledMsg{Item: *item},
	}) {
		// Stored anyway; the next index build will pick it up
		s.syncer.Announce(item.TimeStamp)
		s.requestIndexRebuild()
	}

	s.logger.Debug("scheduled item", "time_stamp", item.TimeStamp, "recurring", item.Recurring())
	return nil
}

// Cancel removes the item at timeStamp. It returns an error matching
// db.ErrNotFound when no such item is stored. An item the loop has finished
// but not yet removed counts as gone; a recurring successor the loop has not
// yet written counts as stored.
func (s *Scheduler) Cancel(timeStamp int64) error {
	err := s.syncer.Supersede(timeStamp, func(pending syncer.UpdateKind, queued bool) error {
		err := s.store.DeleteItem(timeStamp)
		switch {
		case queued && pending == syncer.UpdateDelete:
			if err != nil && !db.IsNotFound(err) {
				return err
			}
			return db.ErrNotFound
		case queued && pending == syncer.UpdatePut && db.IsNotFound(err):
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to cancel item %d: %w", timeStamp, err)
	}

	if !s.inbox.Send(InboxMessage{
		Type: MsgItemCancelled,
		Data: ItemCancelledMsg{TimeStamp: timeStamp},
	}) {
		s.syncer.Announce(timeStamp)
		s.requestIndexRebuild()
	}

	return nil
}

// Get returns the stored item at timeStamp
func (s *Scheduler) Get(timeStamp int64) (*db.Item, error) {
	return s.store.GetItem(timeStamp)
}

// ListBefore returns stored items scheduled strictly before timeStamp,
// oldest first
func (s *Scheduler) ListBefore(timeStamp int64) ([]db.Item, error) {
	return s.store.ListItemsBefore(timeStamp)
}

// ListBetween returns stored items with start <= TimeStamp < end, oldest
// first
func (s *Scheduler) ListBetween(start, end int64) ([]db.Item, error) {
	return s.store.ListItemsBetween(start, end)
}

// History returns the most recent dispatch records, newest first
func (s *Scheduler) History(limit int) ([]db.Dispatch, error) {
	return s.store.ListDispatches(limit)
}

// ItemHistory returns the dispatch records for one timestamp, newest first
func (s *Scheduler) ItemHistory(timeStamp int64, limit int) ([]db.Dispatch, error) {
	return s.store.ListDispatchesForItem(timeStamp, limit)
}

// RebuildIndex asks the loop for an early index rebuild
func (s *Scheduler) RebuildIndex() bool {
	return s.inbox.Send(InboxMessage{Type: MsgRebuildIndex})
}

// Stats asks the loop for a statistics snapshot
func (s *Scheduler) Stats(ctx context.Context) (StatsResponse, error) {
	responseChan := make(chan interface{}, 1)

	if !s.inbox.Send(InboxMessage{
		Type:         MsgGetStats,
		ResponseChan: responseChan,
	}) {
		return StatsResponse{}, ErrInboxFull
	}

	select {
	case response := <-responseChan:
		return response.(StatsResponse), nil
	case <-s.done:
		return StatsResponse{}, ErrStopped
	case <-ctx.Done():
		return StatsResponse{}, ctx.Err()
	}
}
