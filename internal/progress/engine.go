package progress

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Connectivity reports whether the remote is reachable. Changes may return
// nil when the implementation has no push notifications.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

type Options struct {
	Remote       RemoteService
	Outbox       *Outbox
	Connectivity Connectivity
	Logger       Logger

	// ActiveModule is the fallback when a lesson update cannot be mapped to
	// a loaded module.
	ActiveModule string
	// LevelModules maps a curriculum level to its module ids, for the
	// per-level completion aggregate.
	LevelModules map[string][]string

	MaxUpdateRetries  int
	UpdateRetryDelay  time.Duration
	MaxEventRetries   int
	MaxBatch          int
	InterRequestDelay time.Duration
	RateLimitCooldown time.Duration
	MaxLoadRetries    int
	AuthRetryDelay    time.Duration
}

// Engine is the state container: per-module progress records, the sync
// status, and the outbox. All mutation happens under one mutex; network
// calls run outside it.
type Engine struct {
	remote       RemoteService
	outbox       *Outbox
	connectivity Connectivity
	logger       Logger
	validate     *validator.Validate

	activeModule      string
	levelModules      map[string][]string
	maxUpdateRetries  int
	updateRetryDelay  time.Duration
	maxEventRetries   int
	maxBatch          int
	interRequestDelay time.Duration
	rateLimitCooldown time.Duration
	maxLoadRetries    int
	authRetryDelay    time.Duration

	mu             sync.Mutex
	modules        map[string]*ModuleRecord
	state          SyncState
	lastError      string
	pendingUpdates int
	draining       bool
	retryPending   bool
	rateLimited    bool
	inflight       map[string]*loadCall
	loadGen        map[string]uint64
	loadRetries    map[string]int
	subscribers    map[int]chan SyncEvent
	nextSub        int

	closed    chan struct{}
	closeOnce sync.Once
}

type loadCall struct {
	done chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	if opts.Outbox == nil {
		opts.Outbox = NewOutbox(OutboxOptions{Logger: opts.Logger})
	}
	if opts.MaxUpdateRetries <= 0 {
		opts.MaxUpdateRetries = 2
	}
	if opts.UpdateRetryDelay <= 0 {
		opts.UpdateRetryDelay = 500 * time.Millisecond
	}
	if opts.MaxEventRetries <= 0 {
		opts.MaxEventRetries = 5
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 10
	}
	if opts.InterRequestDelay <= 0 {
		opts.InterRequestDelay = 250 * time.Millisecond
	}
	if opts.RateLimitCooldown <= 0 {
		opts.RateLimitCooldown = 30 * time.Second
	}
	if opts.MaxLoadRetries <= 0 {
		opts.MaxLoadRetries = 2
	}
	if opts.AuthRetryDelay <= 0 {
		opts.AuthRetryDelay = 2 * time.Second
	}
	e := &Engine{
		remote:            opts.Remote,
		outbox:            opts.Outbox,
		connectivity:      opts.Connectivity,
		logger:            opts.Logger,
		validate:          validator.New(),
		activeModule:      normalizeModuleID(opts.ActiveModule),
		levelModules:      opts.LevelModules,
		maxUpdateRetries:  opts.MaxUpdateRetries,
		updateRetryDelay:  opts.UpdateRetryDelay,
		maxEventRetries:   opts.MaxEventRetries,
		maxBatch:          opts.MaxBatch,
		interRequestDelay: opts.InterRequestDelay,
		rateLimitCooldown: opts.RateLimitCooldown,
		maxLoadRetries:    opts.MaxLoadRetries,
		authRetryDelay:    opts.AuthRetryDelay,
		modules:           map[string]*ModuleRecord{},
		state:             StateIdle,
		inflight:          map[string]*loadCall{},
		loadGen:           map[string]uint64{},
		loadRetries:       map[string]int{},
		subscribers:       map[int]chan SyncEvent{},
		closed:            make(chan struct{}),
	}
	if e.outbox.Depth() > 0 {
		e.state = StateOfflineQueued
	}
	if e.connectivity != nil {
		go e.watchConnectivity()
	}
	return e, nil
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		for id, ch := range e.subscribers {
			delete(e.subscribers, id)
			close(ch)
		}
		e.mu.Unlock()
	})
}

// State returns the current sync state and the last sync error message.
func (e *Engine) State() (SyncState, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.lastError
}

// Module returns a copy of the record for moduleID.
func (e *Engine) Module(moduleID string) (ModuleRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.modules[normalizeModuleID(moduleID)]
	if !ok {
		return ModuleRecord{}, false
	}
	return cloneModuleRecord(rec), true
}

// SetActiveModule updates the fallback module for updates that cannot be
// mapped to a loaded module.
func (e *Engine) SetActiveModule(moduleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeModule = normalizeModuleID(moduleID)
}

// Subscribe registers a SyncEvent observer. Events are dropped rather than
// blocking when the subscriber falls behind. The returned func cancels the
// subscription. After Close the channel comes back already closed.
func (e *Engine) Subscribe() (<-chan SyncEvent, func()) {
	ch := make(chan SyncEvent, 16)
	e.mu.Lock()
	if e.isClosed() {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = ch
	e.mu.Unlock()
	cancel := func() {
		e.mu.Lock()
		if sub, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(sub)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// publishLocked fans an event out to subscribers. Sends never block, so it
// is safe to call with the engine mutex held.
func (e *Engine) publishLocked(event SyncEvent) {
	event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (e *Engine) publish(event SyncEvent) {
	e.mu.Lock()
	e.publishLocked(event)
	e.mu.Unlock()
}

func (e *Engine) setStateLocked(state SyncState, lastError string) {
	if e.state == state && e.lastError == lastError {
		return
	}
	e.state = state
	e.lastError = lastError
	e.publishLocked(SyncEvent{Type: EventStatusChanged, State: state, Error: lastError})
}

// settleStateLocked recomputes the resting state after an operation
// finishes: saved when nothing is pending, offline_queued while the outbox
// holds events.
func (e *Engine) settleStateLocked() {
	if e.pendingUpdates > 0 || e.draining {
		return
	}
	if e.outbox.Depth() > 0 {
		// rate_limited sticks until a cycle drains the queue without a 429.
		if e.rateLimited {
			e.setStateLocked(StateRateLimited, e.lastError)
		} else {
			e.setStateLocked(StateOfflineQueued, e.lastError)
		}
		return
	}
	e.rateLimited = false
	e.setStateLocked(StateSaved, "")
}

func (e *Engine) online() bool {
	if e.connectivity == nil {
		return true
	}
	return e.connectivity.Online()
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Engine) watchConnectivity() {
	changes := e.connectivity.Changes()
	if changes == nil {
		return
	}
	for {
		select {
		case <-e.closed:
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			if online {
				e.logf("connectivity restored, draining outbox")
				go e.Reconcile(context.Background())
			} else {
				e.mu.Lock()
				if e.outbox.Depth() > 0 {
					e.setStateLocked(StateOfflineQueued, e.lastError)
				}
				e.mu.Unlock()
			}
		}
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
