package progress

import "math"

// ModuleStatus is the derived per-module view used by the status surface.
type ModuleStatus struct {
	LessonCount       int     `json:"lessonCount"`
	CompletedLessons  int     `json:"completedLessons"`
	CompletionPercent float64 `json:"completionPercent"`
	TimeSpent         int64   `json:"timeSpent"`
	LoadFailed        bool    `json:"loadFailed,omitempty"`
}

// StatusSnapshot is a point-in-time view of the whole engine.
type StatusSnapshot struct {
	State          SyncState               `json:"state"`
	LastError      string                  `json:"lastError,omitempty"`
	OutboxDepth    int                     `json:"outboxDepth"`
	PendingUpdates int                     `json:"pendingUpdates"`
	Modules        map[string]ModuleStatus `json:"modules"`
	Levels         map[string]float64      `json:"levels,omitempty"`
}

// Status assembles the snapshot served by the HTTP surface and the CLI.
func (e *Engine) Status() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := StatusSnapshot{
		State:          e.state,
		LastError:      e.lastError,
		OutboxDepth:    e.outbox.Depth(),
		PendingUpdates: e.pendingUpdates,
		Modules:        make(map[string]ModuleStatus, len(e.modules)),
	}
	for id, rec := range e.modules {
		snapshot.Modules[id] = moduleStatusOf(rec)
	}
	if len(e.levelModules) > 0 {
		snapshot.Levels = make(map[string]float64, len(e.levelModules))
		for level, moduleIDs := range e.levelModules {
			snapshot.Levels[level] = e.levelCompletionLocked(moduleIDs)
		}
	}
	return snapshot
}

// ModuleCompletion returns the completion percentage for one module, 0 when
// it is unknown.
func (e *Engine) ModuleCompletion(moduleID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.modules[normalizeModuleID(moduleID)]
	if !ok {
		return 0
	}
	return moduleCompletionOf(rec)
}

// LevelCompletion averages completion across the level's modules; modules
// with no loaded record count as zero.
func (e *Engine) LevelCompletion(level string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.levelCompletionLocked(e.levelModules[level])
}

func (e *Engine) levelCompletionLocked(moduleIDs []string) float64 {
	if len(moduleIDs) == 0 {
		return 0
	}
	total := 0.0
	for _, id := range moduleIDs {
		if rec, ok := e.modules[normalizeModuleID(id)]; ok {
			total += moduleCompletionOf(rec)
		}
	}
	return round2(total / float64(len(moduleIDs)))
}

func moduleStatusOf(rec *ModuleRecord) ModuleStatus {
	status := ModuleStatus{
		LessonCount: len(rec.Lessons),
		LoadFailed:  rec.LoadFailed,
	}
	for _, lesson := range rec.Lessons {
		if lesson.Completed {
			status.CompletedLessons++
		}
	}
	status.CompletionPercent = moduleCompletionOf(rec)
	if rec.Summary != nil {
		status.TimeSpent = rec.Summary.TimeSpent
	}
	return status
}

// moduleCompletionOf averages per-lesson completion. A lesson counts its
// completionPercentage when set, otherwise its fractional progress; a
// completed lesson always counts as 100.
func moduleCompletionOf(rec *ModuleRecord) float64 {
	if len(rec.Lessons) == 0 {
		return 0
	}
	total := 0.0
	for _, lesson := range rec.Lessons {
		switch {
		case lesson.Completed:
			total += 100
		case lesson.CompletionPercentage > 0:
			total += lesson.CompletionPercentage
		default:
			total += lesson.Progress * 100
		}
	}
	return round2(total / float64(len(rec.Lessons)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
