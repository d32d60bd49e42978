package progress

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func queueEvents(engine *Engine, lessons ...string) []OutboxEvent {
	events := make([]OutboxEvent, 0, len(lessons))
	for _, lesson := range lessons {
		events = append(events, engine.outbox.Add(OutboxEvent{
			LessonID:  lesson,
			ModuleID:  "module-1",
			Completed: boolPtr(true),
		}))
	}
	return events
}

func TestReconcileDrainsInOrder(t *testing.T) {
	remote := &fakeRemote{}
	engine := newTestEngine(t, remote, nil)
	queueEvents(engine, "lesson-1", "lesson-2", "lesson-3")

	result := engine.Reconcile(context.Background())
	if result.Confirmed != 3 || result.Dropped != 0 {
		t.Fatalf("result = %+v, want 3 confirmed", result)
	}
	if depth := engine.outbox.Depth(); depth != 0 {
		t.Fatalf("outbox depth = %d, want 0", depth)
	}
	if state, _ := engine.State(); state != StateSaved {
		t.Fatalf("state = %s, want %s", state, StateSaved)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	want := []string{"lesson-1", "lesson-2", "lesson-3"}
	for i, req := range remote.updates {
		if req.LessonID != want[i] {
			t.Fatalf("replay order %v", remote.updates)
		}
		if req.ClientEventID == "" {
			t.Fatal("replayed request lost its idempotency key")
		}
	}
	if remote.getCalls == 0 {
		t.Fatal("touched module was not reloaded after the drain")
	}
}

func TestReconcileRateLimitStopsBatch(t *testing.T) {
	remote := &fakeRemote{}
	engine := newTestEngine(t, remote, nil)
	queueEvents(engine, "lesson-1", "lesson-2", "lesson-3")

	remote.updateFn = func(req UpdateRequest) (UpdateResult, error) {
		if req.LessonID == "lesson-2" && remote.updateCount() <= 2 {
			return UpdateResult{}, &RemoteError{
				StatusCode: http.StatusTooManyRequests,
				Code:       "RATE_LIMIT_EXCEEDED",
				RetryAfter: 15 * time.Millisecond,
			}
		}
		return UpdateResult{Lesson: &LessonProgress{LessonID: req.LessonID}}, nil
	}

	result := engine.Reconcile(context.Background())
	if !result.RateLimited {
		t.Fatal("result must flag the rate limit")
	}
	if result.Confirmed != 1 {
		t.Fatalf("confirmed = %d, want 1 before the 429", result.Confirmed)
	}
	if result.RetryAfterSeconds != 1 {
		t.Fatalf("retryAfterSeconds = %d, want the 15ms cooldown rounded up to 1", result.RetryAfterSeconds)
	}
	if depth := engine.outbox.Depth(); depth != 2 {
		t.Fatalf("outbox depth = %d, want 2 (batch stopped)", depth)
	}
	if remote.getCount() == 0 {
		t.Fatal("confirmed module was not reloaded after the aborted batch")
	}
	// The post-batch reload must not unstick the rate-limited state.
	if state, _ := engine.State(); state != StateRateLimited {
		t.Fatalf("state = %s, want %s", state, StateRateLimited)
	}

	// The scheduled follow-up cycle finishes the job after the cooldown.
	waitFor(t, 2*time.Second, func() bool {
		state, _ := engine.State()
		return engine.outbox.Depth() == 0 && state == StateSaved
	})
}

func TestReconcileDropsEventAfterRetryBudget(t *testing.T) {
	remote := &fakeRemote{updateFn: func(UpdateRequest) (UpdateResult, error) {
		return UpdateResult{}, &RemoteError{StatusCode: http.StatusNotFound, Code: "LESSON_NOT_FOUND"}
	}}
	engine := newTestEngine(t, remote, nil)
	engine.maxEventRetries = 3
	queueEvents(engine, "lesson-gone")

	events, cancel := engine.Subscribe()
	defer cancel()

	for i := 0; i < 2; i++ {
		result := engine.Reconcile(context.Background())
		if result.Requeued != 1 {
			t.Fatalf("cycle %d result = %+v, want requeued", i, result)
		}
		queued := engine.outbox.Events()
		if len(queued) != 1 || queued[0].RetryCount != i+1 {
			t.Fatalf("cycle %d events = %+v, want retryCount %d", i, queued, i+1)
		}
	}

	result := engine.Reconcile(context.Background())
	if result.Dropped != 1 {
		t.Fatalf("result = %+v, want 1 dropped", result)
	}
	if depth := engine.outbox.Depth(); depth != 0 {
		t.Fatalf("outbox depth = %d, want 0 after permanent drop", depth)
	}

	timeout := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == EventDropped {
				return
			}
		case <-timeout:
			t.Fatal("no drop event published")
		}
	}
}

func TestReconcileSkipsAlreadyConfirmedEvents(t *testing.T) {
	remote := &fakeRemote{}
	engine := newTestEngine(t, remote, nil)
	events := queueEvents(engine, "lesson-1")
	engine.outbox.MarkConfirmed(events[0].ClientEventID, nil)

	result := engine.Reconcile(context.Background())
	if result.Confirmed != 0 || result.Processed != 1 {
		t.Fatalf("result = %+v, want skip without confirm", result)
	}
	if remote.updateCount() != 0 {
		t.Fatalf("remote saw %d updates, want 0 for confirmed event", remote.updateCount())
	}
	if depth := engine.outbox.Depth(); depth != 0 {
		t.Fatalf("outbox depth = %d, want 0", depth)
	}
}

func TestReconcileNetworkErrorsDoNotConsumeRetryBudget(t *testing.T) {
	remote := &fakeRemote{updateFn: func(UpdateRequest) (UpdateResult, error) {
		return UpdateResult{}, errTransport
	}}
	engine := newTestEngine(t, remote, nil)
	queueEvents(engine, "lesson-1")

	for i := 0; i < 4; i++ {
		engine.Reconcile(context.Background())
	}
	queued := engine.outbox.Events()
	if len(queued) != 1 {
		t.Fatalf("events = %+v, want event still queued", queued)
	}
	if queued[0].RetryCount != 0 {
		t.Fatalf("retryCount = %d, want 0 after network failures", queued[0].RetryCount)
	}
}

func TestReconcileHonorsBatchLimit(t *testing.T) {
	remote := &fakeRemote{}
	engine := newTestEngine(t, remote, nil)
	engine.maxBatch = 2
	queueEvents(engine, "lesson-1", "lesson-2", "lesson-3")

	result := engine.Reconcile(context.Background())
	if result.Processed != 2 || result.Confirmed != 2 {
		t.Fatalf("result = %+v, want batch capped at 2", result)
	}
	if depth := engine.outbox.Depth(); depth != 1 {
		t.Fatalf("outbox depth = %d, want 1", depth)
	}
}
