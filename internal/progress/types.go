// Package progress implements the VentiLab learning-progress sync engine:
// an optimistic in-memory progress store backed by a durable outbox of
// unconfirmed writes, replayed against the remote progress service with
// rate-limit-aware, bounded retries.
package progress

import "time"

// SyncState is the engine-wide synchronization status.
type SyncState string

const (
	StateIdle          SyncState = "idle"
	StateLoading       SyncState = "loading"
	StateSaving        SyncState = "saving"
	StateSaved         SyncState = "saved"
	StateError         SyncState = "error"
	StateOfflineQueued SyncState = "offline_queued"
	StateRateLimited   SyncState = "rate_limited"
)

// LessonProgress is the per-lesson record kept under a module, keyed by the
// normalized lesson id.
type LessonProgress struct {
	LessonID             string    `json:"lessonId"`
	Progress             float64   `json:"progress"`
	Completed            bool      `json:"completed"`
	CompletionPercentage float64   `json:"completionPercentage,omitempty"`
	LastAccessed         time.Time `json:"lastAccessed"`
}

// LearningProgressSummary is the module-level aggregate owned by the server.
// TimeSpent accumulates queued deltas locally until the next authoritative
// load overwrites it.
type LearningProgressSummary struct {
	TimeSpent   int64      `json:"timeSpent"`
	Score       float64    `json:"score"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// ModuleRecord is everything the engine knows about one module.
type ModuleRecord struct {
	Summary    *LearningProgressSummary  `json:"learningProgress,omitempty"`
	Lessons    map[string]LessonProgress `json:"lessonsById"`
	LoadFailed bool                      `json:"loadFailed,omitempty"`
}

// OutboxEvent is one unconfirmed progress write. ClientEventID is the
// idempotency key; TS and LastAccessed are epoch milliseconds so persisted
// snapshots stay portable across writers.
type OutboxEvent struct {
	ClientEventID        string   `json:"clientEventId"`
	LessonID             string   `json:"lessonId"`
	ModuleID             string   `json:"moduleId"`
	Progress             *float64 `json:"progress,omitempty"`
	Completed            *bool    `json:"completed,omitempty"`
	CompletionPercentage *float64 `json:"completionPercentage,omitempty"`
	TimeSpentDelta       *int64   `json:"timeSpentDelta,omitempty"`
	LastAccessed         int64    `json:"lastAccessed,omitempty"`
	TS                   int64    `json:"ts"`
	RetryCount           int      `json:"retryCount,omitempty"`
	LastRetryAt          int64    `json:"lastRetryAt,omitempty"`
}

// SyncEvent is pushed to subscribers whenever the engine state changes.
type SyncEvent struct {
	Type      string    `json:"type"`
	ModuleID  string    `json:"moduleId,omitempty"`
	LessonID  string    `json:"lessonId,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	State     SyncState `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp string    `json:"timestamp"`
}

const (
	EventLessonUpdated   = "lesson.updated"
	EventLessonConfirmed = "lesson.confirmed"
	EventLessonReverted  = "lesson.reverted"
	EventQueued          = "event.queued"
	EventDropped         = "event.dropped"
	EventModuleLoaded    = "module.loaded"
	EventStatusChanged   = "status.changed"
)

func cloneModuleRecord(rec *ModuleRecord) ModuleRecord {
	out := ModuleRecord{
		Lessons:    make(map[string]LessonProgress, len(rec.Lessons)),
		LoadFailed: rec.LoadFailed,
	}
	for id, lesson := range rec.Lessons {
		out.Lessons[id] = lesson
	}
	if rec.Summary != nil {
		summary := *rec.Summary
		out.Summary = &summary
	}
	return out
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
