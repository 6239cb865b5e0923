package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
)

var errResultLost = errors.New("dispatch result lost")

// scheduleDispatches launches a handler call for every due item that is not
// already running, finished, or waiting out a retry delay. Keys rewritten by
// Schedule or Cancel wait until the loop has processed that message.
func (s *Scheduler) scheduleDispatches(now time.Time) {
	for _, item := range s.index.Due(now.UnixMilli()) {
		if s.syncer.Unannounced(item.TimeStamp) {
			continue
		}

		state, exists := s.dispatches[item.TimeStamp]
		if exists {
			if state.Status != DispatchRetrying || now.Before(state.NextAttempt) {
				continue
			}
		}

		// Acquire a slot; items left over are picked up next iteration
		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Debug("dispatch capacity reached", "max", s.config.MaxConcurrentDispatches)
			return
		}

		if !exists {
			state = &dispatchState{}
			s.dispatches[item.TimeStamp] = state
		}

		ctx, cancel := context.WithTimeout(s.dispatchCtx, s.config.DispatchTimeout)

		state.Item = item
		state.Status = DispatchRunning
		state.Attempts++
		state.StartedAt = now
		state.cancel = cancel

		s.logger.Debug("dispatching item",
			"time_stamp", item.TimeStamp,
			"attempt", state.Attempts,
			"lateness", now.Sub(item.ScheduledAt()))

		s.dispatchWG.Add(1)
		go s.runDispatch(ctx, cancel, item, state.Attempts)
	}
}

// runDispatch calls the handler and reports the result to the loop
func (s *Scheduler) runDispatch(ctx context.Context, cancel context.CancelFunc, item db.Item, attempt int) {
	defer s.dispatchWG.Done()
	defer cancel()

	start := time.Now()
	err := s.callDueHandler(ctx, item)
	duration := time.Since(start)
	s.metrics.ObserveDispatchDuration(duration)

	// Free the slot before reporting so the loop can reuse it as soon as
	// it sees the result
	<-s.slots

	s.inbox.Send(InboxMessage{
		Type: MsgDispatchResult,
		Data: DispatchResultMsg{
			TimeStamp:   item.TimeStamp,
			Attempt:     attempt,
			Err:         err,
			Duration:    duration,
			CompletedAt: time.Now(),
		},
	})
}

// callDueHandler turns a handler panic into an error
func (s *Scheduler) callDueHandler(ctx context.Context, item db.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return s.handler.HandleDue(ctx, item)
}

// handleDispatchResult records the outcome of one handler call
func (s *Scheduler) handleDispatchResult(data DispatchResultMsg) {
	state, exists := s.dispatches[data.TimeStamp]
	if !exists || state.Status != DispatchRunning || state.Attempts != data.Attempt {
		s.logger.Debug("ignoring stale dispatch result",
			"time_stamp", data.TimeStamp,
			"attempt", data.Attempt)
		return
	}

	state.cancel = nil
	now := s.clock.Now()

	if data.Err == nil {
		s.logger.Info("delivered item",
			"time_stamp", data.TimeStamp,
			"attempts", state.Attempts,
			"duration", data.Duration)
		s.completeDispatch(state, DispatchDelivered, now)
		return
	}

	if s.stopping && errors.Is(data.Err, context.Canceled) {
		// The item is still stored, so the next start reports it
		s.logger.Warn("dispatch interrupted by shutdown", "time_stamp", data.TimeStamp)
		state.Status = DispatchRetrying
		state.NextAttempt = now
		return
	}

	s.failAttempt(state, data.Err, now)
}

// failAttempt schedules a retry or gives up after MaxAttempts
func (s *Scheduler) failAttempt(state *dispatchState, err error, now time.Time) {
	state.LastError = err.Error()
	state.cancel = nil

	if state.Attempts >= s.config.MaxAttempts {
		s.logger.Error("dispatch failed permanently",
			"time_stamp", state.Item.TimeStamp,
			"attempts", state.Attempts,
			"error", err)
		s.completeDispatch(state, DispatchFailed, now)
		return
	}

	delay := s.retryDelay(state.Attempts)
	state.Status = DispatchRetrying
	state.NextAttempt = now.Add(delay)

	s.retryCount++
	s.metrics.RecordRetry()

	s.logger.Warn("dispatch failed, will retry",
		"time_stamp", state.Item.TimeStamp,
		"attempt", state.Attempts,
		"retry_in", delay,
		"error", err)
}

// retryDelay doubles RetryDelay per failed attempt, capped at MaxRetryDelay
func (s *Scheduler) retryDelay(attempts int) time.Duration {
	delay := s.config.RetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.config.MaxRetryDelay {
			return s.config.MaxRetryDelay
		}
	}
	return delay
}

// completeDispatch moves state to a terminal status and buffers the store
// writes: the item is removed (or moved to its next occurrence) and the
// outcome is appended to the history
func (s *Scheduler) completeDispatch(state *dispatchState, status DispatchStatus, now time.Time) {
	item := state.Item
	outcome := db.OutcomeDelivered
	if status == DispatchFailed {
		outcome = db.OutcomeFailed
	}

	record := db.Dispatch{
		TimeStamp:    item.TimeStamp,
		Outcome:      outcome,
		Attempts:     state.Attempts,
		DispatchedAt: now,
	}
	if status == DispatchFailed && state.LastError != "" {
		msg := state.LastError
		record.Error = &msg
	}
	s.bufferRecord(record)

	if status == DispatchDelivered {
		s.deliveredCount++
	} else {
		s.failedCount++
	}
	s.metrics.RecordDispatch(outcome)

	if state.replaced {
		// A successor owns this key now; leave it in the store and index
		delete(s.dispatches, item.TimeStamp)
		return
	}

	state.Status = status
	state.FinishedAt = now
	s.index.Remove(item.TimeStamp)
	s.retire(item, now)
}

// retire removes a finished item, re-putting recurring items at their next
// occurrence after now
func (s *Scheduler) retire(item db.Item, now time.Time) {
	if item.Recurring() {
		next, err := NextOccurrence(item.Cron, now)
		if err != nil {
			s.logger.Error("failed to reschedule recurring item",
				"time_stamp", item.TimeStamp,
				"cron", item.Cron,
				"error", err)
		} else {
			successor := item
			successor.TimeStamp = next.UnixMilli()
			successor.CreatedAt = now

			// A caller that just wrote the successor's key wins
			if s.bufferPut(successor) {
				s.index.Insert(successor)
				delete(s.dispatches, successor.TimeStamp)

				s.logger.Debug("rescheduled recurring item",
					"time_stamp", item.TimeStamp,
					"next", next)
			}
		}
	}

	s.bufferDelete(item.TimeStamp)
}

// checkStalledDispatches fails attempts that have outlived their timeout by
// more than one inbox send timeout, which means the result was dropped
func (s *Scheduler) checkStalledDispatches(now time.Time) {
	limit := s.config.DispatchTimeout + s.config.InboxSendTimeout + s.config.LoopInterval

	for _, state := range s.dispatches {
		if state.Status != DispatchRunning {
			continue
		}

		if now.Sub(state.StartedAt) > limit {
			s.logger.Error("dispatch result never arrived",
				"time_stamp", state.Item.TimeStamp,
				"attempt", state.Attempts,
				"started_at", state.StartedAt)
			s.failAttempt(state, errResultLost, now)
		}
	}
}

// cleanupDispatches removes terminal dispatches after grace period.
// Keeping them that long stops an index rebuild that read the store before
// the delete was written from dispatching the item twice.
func (s *Scheduler) cleanupDispatches(now time.Time) {
	removed := 0

	for ts, state := range s.dispatches {
		if !state.Status.IsTerminal() {
			continue
		}

		if now.Sub(state.FinishedAt) > s.config.GracePeriod {
			delete(s.dispatches, ts)
			s.index.Remove(ts)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("cleaned up dispatches", "count", removed)
	}
}
