package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	snapshotVersion             = 1
	defaultConfirmRetention     = 24 * time.Hour
	defaultConfirmRetentionScan = 500
)

// outboxSnapshot is the persisted shape shared by every backend.
type outboxSnapshot struct {
	Version       int                     `json:"version"`
	Events        []OutboxEvent           `json:"events"`
	Confirmations map[string]confirmation `json:"confirmations,omitempty"`
}

type confirmation struct {
	ConfirmedAt int64         `json:"confirmedAt"`
	Result      *UpdateResult `json:"result,omitempty"`
}

// OutboxBackend persists outbox snapshots. Load returning (nil, nil) means
// no snapshot exists yet.
type OutboxBackend interface {
	Load() (*outboxSnapshot, error)
	Save(*outboxSnapshot) error
}

type OutboxOptions struct {
	Backend               OutboxBackend
	Logger                Logger
	ConfirmationRetention time.Duration
}

// Outbox is the ordered queue of unconfirmed progress writes plus the
// confirmation receipts that make replays idempotent. Persistence is
// best-effort: storage failures are logged, never surfaced to callers, so a
// broken disk degrades durability without breaking progress tracking.
type Outbox struct {
	mu        sync.Mutex
	backend   OutboxBackend
	logger    Logger
	retention time.Duration

	events    []OutboxEvent
	confirmed map[string]confirmation
}

func NewOutbox(opts OutboxOptions) *Outbox {
	retention := opts.ConfirmationRetention
	if retention <= 0 {
		retention = defaultConfirmRetention
	}
	o := &Outbox{
		backend:   opts.Backend,
		logger:    opts.Logger,
		retention: retention,
		confirmed: map[string]confirmation{},
	}
	o.loadLocked()
	return o
}

// Add appends an event, assigning a clientEventId when missing, and returns
// the stored event.
func (o *Outbox) Add(event OutboxEvent) OutboxEvent {
	if event.ClientEventID == "" {
		event.ClientEventID = uuid.NewString()
	}
	if event.TS == 0 {
		event.TS = time.Now().UnixMilli()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	o.saveLocked()
	return event
}

// Update rewrites an event in place (retry counters) keyed by clientEventId.
func (o *Outbox) Update(event OutboxEvent) {
	if event.ClientEventID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.events {
		if o.events[i].ClientEventID == event.ClientEventID {
			o.events[i] = event
			o.saveLocked()
			return
		}
	}
}

// Remove deletes the named events in one persisted write.
func (o *Outbox) Remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.events[:0]
	removed := false
	for _, event := range o.events {
		if _, ok := drop[event.ClientEventID]; ok {
			removed = true
			continue
		}
		kept = append(kept, event)
	}
	o.events = kept
	if removed {
		o.saveLocked()
	}
}

// MarkConfirmed records a receipt for the event so a later replay of the
// same id is skipped instead of re-sent.
func (o *Outbox) MarkConfirmed(id string, result *UpdateResult) {
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.confirmed[id] = confirmation{ConfirmedAt: time.Now().UnixMilli(), Result: result}
	o.saveLocked()
}

func (o *Outbox) IsConfirmed(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.confirmed[id]
	return ok
}

// Events returns the pending events in insertion order.
func (o *Outbox) Events() []OutboxEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxEvent, len(o.events))
	copy(out, o.events)
	return out
}

func (o *Outbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

// CleanupConfirmations drops receipts older than the retention window.
func (o *Outbox) CleanupConfirmations() int {
	cutoff := time.Now().Add(-o.retention).UnixMilli()
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := 0
	for id, receipt := range o.confirmed {
		if receipt.ConfirmedAt < cutoff {
			delete(o.confirmed, id)
			dropped++
		}
	}
	if dropped > 0 {
		o.saveLocked()
	}
	return dropped
}

// Reload re-reads the snapshot from the backend. Used when another process
// wrote the outbox file.
func (o *Outbox) Reload() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
}

func (o *Outbox) loadLocked() {
	o.events = nil
	o.confirmed = map[string]confirmation{}
	if o.backend == nil {
		return
	}
	snapshot, err := o.backend.Load()
	if err != nil {
		o.logf("outbox: load failed, starting empty: %v", err)
		return
	}
	if snapshot == nil {
		return
	}
	for _, event := range snapshot.Events {
		if event.ClientEventID == "" || event.LessonID == "" {
			continue
		}
		o.events = append(o.events, event)
	}
	for id, receipt := range snapshot.Confirmations {
		o.confirmed[id] = receipt
	}
}

func (o *Outbox) saveLocked() {
	if o.backend == nil {
		return
	}
	snapshot := &outboxSnapshot{
		Version:       snapshotVersion,
		Events:        append([]OutboxEvent(nil), o.events...),
		Confirmations: make(map[string]confirmation, len(o.confirmed)),
	}
	for id, receipt := range o.confirmed {
		snapshot.Confirmations[id] = receipt
	}
	if err := o.backend.Save(snapshot); err != nil {
		o.logf("outbox: persist failed: %v", err)
	}
}

func (o *Outbox) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
