package progress

import (
	"context"
	"time"
)

// UpdateInput is one progress write from the UI. Only the fields that are
// set travel to the server.
type UpdateInput struct {
	LessonID             string    `json:"lessonId" validate:"required"`
	ModuleID             string    `json:"moduleId,omitempty"`
	Progress             *float64  `json:"progress,omitempty" validate:"omitempty,gte=0,lte=1"`
	Completed            *bool     `json:"completed,omitempty"`
	CompletionPercentage *float64  `json:"completionPercentage,omitempty" validate:"omitempty,gte=0,lte=100"`
	TimeSpentDelta       *int64    `json:"timeSpentDelta,omitempty" validate:"omitempty,gte=0"`
	LastAccessed         time.Time `json:"lastAccessed,omitempty"`
}

// UpdateLessonProgress applies the write optimistically, then confirms it
// against the remote service or queues it in the outbox. It fails closed:
// invalid input returns nil without touching state, and no failure mode
// panics or surfaces an error to the caller; failures are reported through
// the sync state.
func (e *Engine) UpdateLessonProgress(ctx context.Context, in UpdateInput) *LessonProgress {
	if e.isClosed() {
		return nil
	}
	if err := e.validate.Struct(in); err != nil {
		e.logf("update rejected: %v", err)
		return nil
	}
	if in.LastAccessed.IsZero() {
		in.LastAccessed = time.Now().UTC()
	}

	e.mu.Lock()
	moduleID := e.resolveModuleLocked(in.ModuleID, in.LessonID)
	if moduleID == "" {
		e.mu.Unlock()
		e.logf("update dropped: no module for lesson %q", in.LessonID)
		return nil
	}
	lessonID := NormalizeLessonID(in.LessonID, moduleID)
	prev, prevExisted := e.lessonLocked(moduleID, lessonID)
	optimistic := mergeLesson(prev, lessonID, in)
	e.applyLessonLocked(moduleID, optimistic)
	if in.TimeSpentDelta != nil {
		e.addTimeSpentLocked(moduleID, *in.TimeSpentDelta)
	}
	e.pendingUpdates++
	e.loadGen[moduleID]++
	e.setStateLocked(StateSaving, "")
	e.publishLocked(SyncEvent{Type: EventLessonUpdated, ModuleID: moduleID, LessonID: lessonID})
	e.mu.Unlock()

	if !e.online() {
		e.queueUpdate(moduleID, lessonID, in, "")
		return &optimistic
	}

	req := requestFromInput(moduleID, lessonID, in)
	var result UpdateResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = e.remote.UpdateLessonProgress(ctx, req)
		if err == nil || Classify(err) != FailureNetwork || isContextErr(err) {
			break
		}
		if attempt >= e.maxUpdateRetries || !e.online() {
			break
		}
		// Linear backoff between local retries.
		if waitErr := waitWithContext(ctx, e.updateRetryDelay*time.Duration(attempt+1)); waitErr != nil {
			break
		}
	}

	if err == nil {
		e.mu.Lock()
		confirmed := e.mergeConfirmedLocked(moduleID, lessonID, result)
		e.pendingUpdates--
		e.settleStateLocked()
		e.publishLocked(SyncEvent{Type: EventLessonConfirmed, ModuleID: moduleID, LessonID: lessonID})
		e.mu.Unlock()
		return &confirmed
	}

	switch Classify(err) {
	case FailureClient:
		e.mu.Lock()
		e.revertLessonLocked(moduleID, lessonID, prev, prevExisted, in.TimeSpentDelta)
		e.pendingUpdates--
		e.setStateLocked(StateError, err.Error())
		e.publishLocked(SyncEvent{Type: EventLessonReverted, ModuleID: moduleID, LessonID: lessonID, Error: err.Error()})
		e.mu.Unlock()
		e.logf("update reverted for %s/%s: %v", moduleID, lessonID, err)
		return nil
	case FailureRateLimit:
		e.queueUpdate(moduleID, lessonID, in, err.Error())
		e.scheduleRetry(retryAfterOf(err))
		return &optimistic
	default:
		// Network, not-found and server errors keep the optimistic value
		// and retry through the outbox.
		e.queueUpdate(moduleID, lessonID, in, err.Error())
		return &optimistic
	}
}

func (e *Engine) queueUpdate(moduleID, lessonID string, in UpdateInput, cause string) {
	event := e.outbox.Add(OutboxEvent{
		LessonID:             lessonID,
		ModuleID:             moduleID,
		Progress:             in.Progress,
		Completed:            in.Completed,
		CompletionPercentage: in.CompletionPercentage,
		TimeSpentDelta:       in.TimeSpentDelta,
		LastAccessed:         epochMillis(in.LastAccessed),
	})
	e.mu.Lock()
	e.pendingUpdates--
	if cause == "" {
		e.setStateLocked(StateOfflineQueued, e.lastError)
	} else {
		e.setStateLocked(StateOfflineQueued, cause)
	}
	e.publishLocked(SyncEvent{Type: EventQueued, ModuleID: moduleID, LessonID: lessonID, EventID: event.ClientEventID})
	e.mu.Unlock()
}

// resolveModuleLocked maps an update onto a module: the explicit id, then a
// scan of loaded modules for the lesson key, then the active module.
func (e *Engine) resolveModuleLocked(moduleID, lessonID string) string {
	if id := normalizeModuleID(moduleID); id != "" {
		return id
	}
	for id, rec := range e.modules {
		if _, ok := rec.Lessons[NormalizeLessonID(lessonID, id)]; ok {
			return id
		}
	}
	return e.activeModule
}

func (e *Engine) lessonLocked(moduleID, lessonID string) (LessonProgress, bool) {
	rec, ok := e.modules[moduleID]
	if !ok {
		return LessonProgress{}, false
	}
	lesson, ok := rec.Lessons[lessonID]
	return lesson, ok
}

func (e *Engine) moduleLocked(moduleID string) *ModuleRecord {
	rec, ok := e.modules[moduleID]
	if !ok {
		rec = &ModuleRecord{Lessons: map[string]LessonProgress{}}
		e.modules[moduleID] = rec
	}
	if rec.Lessons == nil {
		rec.Lessons = map[string]LessonProgress{}
	}
	return rec
}

func (e *Engine) applyLessonLocked(moduleID string, lesson LessonProgress) {
	rec := e.moduleLocked(moduleID)
	rec.Lessons[lesson.LessonID] = lesson
	rec.LoadFailed = false
}

func (e *Engine) addTimeSpentLocked(moduleID string, delta int64) {
	rec := e.moduleLocked(moduleID)
	if rec.Summary == nil {
		rec.Summary = &LearningProgressSummary{}
	}
	rec.Summary.TimeSpent += delta
}

func (e *Engine) revertLessonLocked(moduleID, lessonID string, prev LessonProgress, prevExisted bool, delta *int64) {
	rec, ok := e.modules[moduleID]
	if !ok {
		return
	}
	if prevExisted {
		rec.Lessons[lessonID] = prev
	} else {
		delete(rec.Lessons, lessonID)
	}
	if delta != nil && rec.Summary != nil {
		rec.Summary.TimeSpent -= *delta
	}
}

// mergeConfirmedLocked folds the server's authoritative result back in;
// server values win over the optimistic ones.
func (e *Engine) mergeConfirmedLocked(moduleID, lessonID string, result UpdateResult) LessonProgress {
	rec := e.moduleLocked(moduleID)
	if result.Lesson != nil {
		lesson := *result.Lesson
		lesson.LessonID = NormalizeLessonID(lesson.LessonID, moduleID)
		if lesson.LessonID == "" {
			lesson.LessonID = lessonID
		}
		rec.Lessons[lesson.LessonID] = lesson
	}
	if result.Summary != nil {
		summary := *result.Summary
		rec.Summary = &summary
	}
	return rec.Lessons[lessonID]
}

func mergeLesson(prev LessonProgress, lessonID string, in UpdateInput) LessonProgress {
	out := prev
	out.LessonID = lessonID
	if in.Progress != nil {
		out.Progress = *in.Progress
	}
	if in.Completed != nil {
		out.Completed = *in.Completed
	}
	if in.CompletionPercentage != nil {
		out.CompletionPercentage = *in.CompletionPercentage
	}
	out.LastAccessed = in.LastAccessed
	return out
}

func requestFromInput(moduleID, lessonID string, in UpdateInput) UpdateRequest {
	return UpdateRequest{
		LessonID:             lessonID,
		ModuleID:             moduleID,
		Progress:             in.Progress,
		Completed:            in.Completed,
		CompletionPercentage: in.CompletionPercentage,
		TimeSpentDelta:       in.TimeSpentDelta,
		LastAccessed:         in.LastAccessed,
	}
}
