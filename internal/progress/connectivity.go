package progress

import (
	"net/http"
	"sync"
	"time"
)

// AlwaysOnline is the Connectivity used when no prober is configured.
func AlwaysOnline() Connectivity {
	return alwaysOnline{}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool         { return true }
func (alwaysOnline) Changes() <-chan bool { return nil }

// Prober polls a health URL and reports reachability transitions. It starts
// optimistic: the remote is assumed online until a probe fails.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   Logger

	mu      sync.Mutex
	online  bool
	changes chan bool

	closed    chan struct{}
	closeOnce sync.Once
}

func NewProber(url string, interval time.Duration, logger Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p := &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		online:   true,
		changes:  make(chan bool, 4),
		closed:   make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Prober) Changes() <-chan bool {
	return p.changes
}

func (p *Prober) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

func (p *Prober) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.probe()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

func (p *Prober) probe() {
	resp, err := p.client.Get(p.url)
	online := err == nil && resp.StatusCode < 500
	if resp != nil {
		_ = resp.Body.Close()
	}
	p.mu.Lock()
	changed := online != p.online
	p.online = online
	p.mu.Unlock()
	if !changed {
		return
	}
	if p.logger != nil {
		if online {
			p.logger.Printf("connectivity: remote reachable")
		} else {
			p.logger.Printf("connectivity: remote unreachable: %v", err)
		}
	}
	select {
	case p.changes <- online:
	default:
	}
}
