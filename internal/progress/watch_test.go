package progress

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatchOutboxFileReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	writer := NewOutbox(OutboxOptions{Backend: NewJSONFileBackend(path)})
	watched := NewOutbox(OutboxOptions{Backend: NewJSONFileBackend(path)})

	changed := make(chan struct{}, 4)
	watcher, err := WatchOutboxFile(path, watched, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("WatchOutboxFile: %v", err)
	}
	defer watcher.Close()

	writer.Add(OutboxEvent{LessonID: "lesson-1", ModuleID: "module-1"})

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification after external write")
	}
	waitFor(t, time.Second, func() bool { return watched.Depth() == 1 })
}

func TestWatchOutboxFileRejectsBadInput(t *testing.T) {
	if _, err := WatchOutboxFile("", nil, nil, nil); err == nil {
		t.Fatal("want error for empty path")
	}
}
