package scheduler

import (
	"context"
	"fmt"

	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/store"
)

// handleMisses reports every item scheduled before startup minus
// MissTolerance to the handler in one call, then retires them directly in
// the store. Nothing is removed unless the handler accepts the batch.
func (s *Scheduler) handleMisses() error {
	cutoff := s.startedAt.Add(-s.config.MissTolerance)

	missed, err := s.store.ListItemsBefore(cutoff.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to query missed items: %w", err)
	}

	if len(missed) == 0 {
		s.logger.Debug("no missed items", "cutoff", cutoff)
		return nil
	}

	s.logger.Warn("found missed items",
		"count", len(missed),
		"oldest", missed[0].ScheduledAt(),
		"newest", missed[len(missed)-1].ScheduledAt())

	if err := s.callMissedHandler(missed); err != nil {
		return fmt.Errorf("missed item handler failed: %w", err)
	}

	for _, item := range missed {
		if err := s.retireMissed(item); err != nil {
			return err
		}
	}

	s.missedCount = len(missed)
	s.metrics.RecordMissed(len(missed))

	s.logger.Info("reported missed items", "count", len(missed))
	return nil
}

// callMissedHandler runs the handler under DispatchTimeout, turning a panic
// into an error
func (s *Scheduler) callMissedHandler(items []db.Item) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.DispatchTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return s.handler.HandleMissed(ctx, items)
}

// retireMissed removes one reported item, moving a recurring item to its
// first occurrence after startup, and records the miss. Stores that
// implement store.Retirer do all three in one transaction.
func (s *Scheduler) retireMissed(item db.Item) error {
	var successor *db.Item
	if item.Recurring() {
		next, err := NextOccurrence(item.Cron, s.startedAt)
		if err != nil {
			s.logger.Error("failed to reschedule missed recurring item",
				"time_stamp", item.TimeStamp,
				"cron", item.Cron,
				"error", err)
		} else {
			successor = &db.Item{
				TimeStamp: next.UnixMilli(),
				Payload:   item.Payload,
				Cron:      item.Cron,
				CreatedAt: s.startedAt,
			}
		}
	}

	record := &db.Dispatch{
		TimeStamp:    item.TimeStamp,
		Outcome:      db.OutcomeMissed,
		DispatchedAt: s.startedAt,
	}

	if retirer, ok := s.store.(store.Retirer); ok {
		if err := retirer.RetireItem(item.TimeStamp, successor, record); err != nil {
			return fmt.Errorf("failed to retire missed item %d: %w", item.TimeStamp, err)
		}
		return nil
	}

	if successor != nil {
		if err := s.store.PutItem(successor); err != nil {
			return fmt.Errorf("failed to reschedule missed item %d: %w", item.TimeStamp, err)
		}
	}

	if err := s.store.DeleteItem(item.TimeStamp); err != nil && !db.IsNotFound(err) {
		return fmt.Errorf("failed to remove missed item %d: %w", item.TimeStamp, err)
	}

	if err := s.store.RecordDispatch(record); err != nil {
		s.logger.Warn("failed to record missed item", "time_stamp", item.TimeStamp, "error", err)
	}

	return nil
}
