package progress

import (
	"context"
	"time"
)

// ReconcileResult summarizes one outbox drain cycle. RetryAfterSeconds is
// the server-indicated cooldown (rounded up) when the cycle was rate
// limited.
type ReconcileResult struct {
	Processed         int  `json:"processed"`
	Confirmed         int  `json:"confirmed"`
	Dropped           int  `json:"dropped"`
	Requeued          int  `json:"requeued"`
	RateLimited       bool `json:"rateLimited"`
	RetryAfterSeconds int  `json:"retryAfterSeconds,omitempty"`
}

// Reconcile drains up to maxBatch outbox events, strictly in order, one
// request at a time. A rate-limit response aborts the rest of the batch and
// schedules a follow-up cycle after the server cooldown. Events that keep
// failing with definitive errors are dropped once their retry budget is
// exhausted; network errors do not consume the budget.
func (e *Engine) Reconcile(ctx context.Context) ReconcileResult {
	var result ReconcileResult
	if e.isClosed() {
		return result
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return result
	}
	e.draining = true
	e.retryPending = false
	e.rateLimited = false
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.draining = false
		e.settleStateLocked()
		e.mu.Unlock()
	}()

	events := e.outbox.Events()
	if len(events) == 0 {
		e.outbox.CleanupConfirmations()
		return result
	}
	if len(events) > e.maxBatch {
		events = events[:e.maxBatch]
	}

	e.mu.Lock()
	e.setStateLocked(StateSaving, e.lastError)
	e.mu.Unlock()

	var remove []string
	touched := map[string]struct{}{}

	for i, event := range events {
		if i > 0 {
			if err := waitWithContext(ctx, e.interRequestDelay); err != nil {
				break
			}
		}
		if e.isClosed() {
			break
		}
		result.Processed++

		if e.outbox.IsConfirmed(event.ClientEventID) {
			remove = append(remove, event.ClientEventID)
			continue
		}

		res, err := e.remote.UpdateLessonProgress(ctx, requestFromEvent(event))
		if err == nil {
			e.outbox.MarkConfirmed(event.ClientEventID, &res)
			remove = append(remove, event.ClientEventID)
			touched[event.ModuleID] = struct{}{}
			result.Confirmed++
			e.mu.Lock()
			e.mergeConfirmedLocked(event.ModuleID, event.LessonID, res)
			e.loadGen[event.ModuleID]++
			e.publishLocked(SyncEvent{Type: EventLessonConfirmed, ModuleID: event.ModuleID, LessonID: event.LessonID, EventID: event.ClientEventID})
			e.mu.Unlock()
			continue
		}
		if isContextErr(err) {
			break
		}

		switch Classify(err) {
		case FailureRateLimit:
			result.RateLimited = true
			cooldown := retryAfterOf(err)
			if cooldown <= 0 {
				cooldown = e.rateLimitCooldown
			}
			result.RetryAfterSeconds = int((cooldown + time.Second - 1) / time.Second)
			e.mu.Lock()
			e.rateLimited = true
			e.setStateLocked(StateRateLimited, err.Error())
			e.mu.Unlock()
			e.scheduleRetry(cooldown)
			e.logf("outbox drain rate limited after %d events, next cycle in %s", result.Processed, cooldown)
		case FailureNetwork:
			// Transient by definition; the event stays queued at no cost
			// to its retry budget.
			result.Requeued++
			continue
		default:
			event.RetryCount++
			event.LastRetryAt = time.Now().UnixMilli()
			if event.RetryCount >= e.maxEventRetries {
				remove = append(remove, event.ClientEventID)
				result.Dropped++
				e.publish(SyncEvent{Type: EventDropped, ModuleID: event.ModuleID, LessonID: event.LessonID, EventID: event.ClientEventID, Error: err.Error()})
				e.logf("outbox event %s dropped after %d attempts: %v", event.ClientEventID, event.RetryCount, err)
			} else {
				e.outbox.Update(event)
				result.Requeued++
			}
			continue
		}
		break
	}

	if len(remove) > 0 {
		e.outbox.Remove(remove...)
	}
	e.outbox.CleanupConfirmations()

	for moduleID := range touched {
		if moduleID == "" {
			continue
		}
		e.LoadModuleProgress(ctx, moduleID, LoadOptions{Force: true})
	}
	return result
}

// scheduleRetry arms one follow-up reconcile cycle. Redundant schedules
// collapse into the earliest pending one.
func (e *Engine) scheduleRetry(cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = e.rateLimitCooldown
	}
	e.mu.Lock()
	if e.retryPending {
		e.mu.Unlock()
		return
	}
	e.retryPending = true
	e.mu.Unlock()
	e.afterFunc(cooldown, func() {
		e.Reconcile(context.Background())
	})
}

func requestFromEvent(event OutboxEvent) UpdateRequest {
	req := UpdateRequest{
		ClientEventID:        event.ClientEventID,
		LessonID:             event.LessonID,
		ModuleID:             event.ModuleID,
		Progress:             event.Progress,
		Completed:            event.Completed,
		CompletionPercentage: event.CompletionPercentage,
		TimeSpentDelta:       event.TimeSpentDelta,
	}
	if event.LastAccessed > 0 {
		req.LastAccessed = time.UnixMilli(event.LastAccessed).UTC()
	}
	return req
}
