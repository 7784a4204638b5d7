package upstream

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// Recorder receives probe outcomes. Satisfied by the circuit breaker.
type Recorder interface {
	Record(ctx context.Context, service string, success bool) error
}

// Probe periodically checks an upstream's health endpoint and feeds
// the result into the circuit breaker, so a dead upstream trips the
// breaker even while no caller traffic is flowing.
type Probe struct {
	service  string
	url      string
	interval time.Duration
	timeout  time.Duration
	recorder Recorder

	client   *http.Client
	stopChan chan struct{}
	mu       sync.Mutex
	running  bool
}

type ProbeConfig struct {
	Service  string
	URL      string        // Full health URL (base + health path)
	Interval time.Duration // How often to check (default: 30s)
	Timeout  time.Duration // Request timeout (default: 5s)
}

func NewProbe(cfg ProbeConfig, recorder Recorder) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Probe{
		service:  cfg.Service,
		url:      cfg.URL,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		recorder: recorder,
		client:   &http.Client{Timeout: cfg.Timeout},
		stopChan: make(chan struct{}),
	}
}

func (p *Probe) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	go p.loop()
	log.Printf("health probe: started for %s every %v", p.service, p.interval)
}

func (p *Probe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	close(p.stopChan)
}

func (p *Probe) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.check()
		}
	}
}

func (p *Probe) check() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		log.Printf("health probe: bad probe URL for %s: %v", p.service, err)
		return
	}

	resp, err := p.client.Do(req)
	healthy := err == nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}

	if !healthy {
		log.Printf("health probe: %s unhealthy (err=%v)", p.service, err)
	}

	if rerr := p.recorder.Record(ctx, p.service, healthy); rerr != nil {
		log.Printf("health probe: failed to record outcome for %s: %v", p.service, rerr)
	}
}
