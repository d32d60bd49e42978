package progress

import (
	"context"
	"errors"
	"time"
)

type LoadOptions struct {
	// Force bypasses the meaningful-progress short-circuit.
	Force bool
	// ReplaceExisting lets a forced load drop local lessons the server no
	// longer knows about. Default is merge, never replace.
	ReplaceExisting bool
}

// LoadModuleProgress fetches a module's progress from the remote service.
// It never returns an error: failures surface through the sync state and
// the record's LoadFailed flag. Concurrent loads for the same module share
// one network call.
func (e *Engine) LoadModuleProgress(ctx context.Context, moduleID string, opts LoadOptions) ModuleRecord {
	moduleID = normalizeModuleID(moduleID)
	if moduleID == "" || e.isClosed() {
		return ModuleRecord{Lessons: map[string]LessonProgress{}}
	}

	e.mu.Lock()
	if !opts.Force {
		if rec, ok := e.modules[moduleID]; ok && hasMeaningfulProgress(rec) {
			out := cloneModuleRecord(rec)
			e.mu.Unlock()
			return out
		}
	}
	if call, ok := e.inflight[moduleID]; ok {
		e.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
		}
		return e.moduleOrEmpty(moduleID)
	}
	call := &loadCall{done: make(chan struct{})}
	e.inflight[moduleID] = call
	e.loadGen[moduleID]++
	gen := e.loadGen[moduleID]
	e.setStateLocked(StateLoading, e.lastError)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, moduleID)
		e.mu.Unlock()
		close(call.done)
	}()

	payload, err := e.fetchModule(ctx, moduleID)
	if err == nil {
		e.mu.Lock()
		// A newer load or update touched the module meanwhile; its state
		// supersedes this response.
		if e.loadGen[moduleID] == gen {
			e.mergeLoadedLocked(moduleID, payload, opts.ReplaceExisting)
			e.loadRetries[moduleID] = 0
			e.publishLocked(SyncEvent{Type: EventModuleLoaded, ModuleID: moduleID})
		}
		e.settleStateLocked()
		out := cloneModuleRecord(e.moduleLocked(moduleID))
		e.mu.Unlock()
		return out
	}

	switch Classify(err) {
	case FailureRateLimit:
		cooldown := retryAfterOf(err)
		if cooldown <= 0 {
			cooldown = e.rateLimitCooldown
		}
		e.mu.Lock()
		e.rateLimited = true
		e.setStateLocked(StateRateLimited, err.Error())
		if e.loadRetries[moduleID] < e.maxLoadRetries {
			e.loadRetries[moduleID]++
			e.afterFunc(cooldown, func() {
				e.LoadModuleProgress(context.Background(), moduleID, LoadOptions{Force: true})
			})
		}
		out := cloneModuleRecord(e.moduleLocked(moduleID))
		e.mu.Unlock()
		e.logf("load of %s rate limited, retrying in %s", moduleID, cooldown)
		return out
	case FailureNotFound:
		// No server record yet. An empty record is a valid state for a
		// module the learner has not started.
		e.mu.Lock()
		rec := e.moduleLocked(moduleID)
		rec.LoadFailed = false
		e.settleStateLocked()
		out := cloneModuleRecord(rec)
		e.mu.Unlock()
		return out
	default:
		e.mu.Lock()
		rec := e.moduleLocked(moduleID)
		rec.LoadFailed = true
		e.setStateLocked(StateError, err.Error())
		out := cloneModuleRecord(rec)
		e.mu.Unlock()
		e.logf("load of %s failed: %v", moduleID, err)
		return out
	}
}

// fetchModule performs the remote read, waiting out a not-yet-ready auth
// token once before giving up.
func (e *Engine) fetchModule(ctx context.Context, moduleID string) (ModuleProgressPayload, error) {
	payload, err := e.remote.GetModuleProgress(ctx, moduleID)
	if errors.Is(err, ErrAuthPending) {
		if waitErr := waitWithContext(ctx, e.authRetryDelay); waitErr != nil {
			return payload, err
		}
		payload, err = e.remote.GetModuleProgress(ctx, moduleID)
	}
	return payload, err
}

func (e *Engine) mergeLoadedLocked(moduleID string, payload ModuleProgressPayload, replace bool) {
	rec := e.moduleLocked(moduleID)
	if replace {
		rec.Lessons = make(map[string]LessonProgress, len(payload.Lessons))
	}
	for _, lesson := range payload.Lessons {
		lesson.LessonID = NormalizeLessonID(lesson.LessonID, moduleID)
		if lesson.LessonID == "" {
			continue
		}
		rec.Lessons[lesson.LessonID] = lesson
	}
	if payload.Summary != nil {
		summary := *payload.Summary
		rec.Summary = &summary
	}
	rec.LoadFailed = false
}

func (e *Engine) moduleOrEmpty(moduleID string) ModuleRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.modules[moduleID]; ok {
		return cloneModuleRecord(rec)
	}
	return ModuleRecord{Lessons: map[string]LessonProgress{}}
}

// afterFunc schedules fn unless the engine closes first.
func (e *Engine) afterFunc(delay time.Duration, fn func()) {
	time.AfterFunc(delay, func() {
		select {
		case <-e.closed:
			return
		default:
		}
		fn()
	})
}

func hasMeaningfulProgress(rec *ModuleRecord) bool {
	for _, lesson := range rec.Lessons {
		if lesson.Completed || lesson.Progress > 0 || lesson.CompletionPercentage > 0 {
			return true
		}
	}
	return false
}
