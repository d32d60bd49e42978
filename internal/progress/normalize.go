package progress

import "strings"

// NormalizeLessonID canonicalizes the lesson ids that arrive from the
// curriculum ("module-3/lesson-2"), the server ("module-3-lesson-2") and the
// UI ("lesson-2") into one key: the trailing path segment with any
// "<moduleID>-" prefix stripped. Every path that touches a lesson key goes
// through this function.
func NormalizeLessonID(lessonID, moduleID string) string {
	id := strings.TrimSpace(lessonID)
	if id == "" {
		return ""
	}
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		id = id[idx+1:]
	}
	moduleID = strings.TrimSpace(moduleID)
	if moduleID != "" {
		id = strings.TrimPrefix(id, moduleID+"-")
	}
	return id
}

func normalizeModuleID(moduleID string) string {
	return strings.TrimSpace(moduleID)
}
