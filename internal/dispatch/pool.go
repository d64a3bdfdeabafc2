package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursewire/coursewire/internal/storage"
)

// Pool polls the ledger for due attempt rows and runs each one on its own
// goroutine, bounded by the worker count so one hung receiver cannot exhaust
// the pool. Because the queue is a SQLite table, scheduled retries survive a
// process restart.
type Pool struct {
	store      storage.Storage
	dispatcher *Dispatcher
	workers    int
	pollRate   time.Duration
	log        zerolog.Logger
	stop       chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewPool(store storage.Storage, dispatcher *Dispatcher, workers int, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		store:      store,
		dispatcher: dispatcher,
		workers:    workers,
		pollRate:   1 * time.Second,
		log:        log,
		stop:       make(chan struct{}),
		inFlight:   make(map[string]struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Msg("starting delivery worker pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	sem := make(chan struct{}, p.workers)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := p.store.ListDueDeliveries(ctx, p.workers)
			if err != nil {
				p.log.Error().Err(err).Msg("failed to fetch due deliveries")
				continue
			}

			for _, d := range due {
				// A slow attempt may still be running when its row comes up
				// on the next tick; claim once.
				if !p.claim(d.ID) {
					continue
				}
				d := d
				sem <- struct{}{}
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					defer func() { <-sem }()
					defer p.release(d.ID)
					p.dispatcher.Attempt(ctx, d)
				}()
			}
		}
	}
}

func (p *Pool) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// DrainOnce processes everything currently due and waits for completion.
// Used by tests and the CLI to advance the queue deterministically.
func (p *Pool) DrainOnce(ctx context.Context) (int, error) {
	due, err := p.store.ListDueDeliveries(ctx, p.workers)
	if err != nil {
		return 0, err
	}
	var wg sync.WaitGroup
	n := 0
	for _, d := range due {
		if !p.claim(d.ID) {
			continue
		}
		n++
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.release(d.ID)
			p.dispatcher.Attempt(ctx, d)
		}()
	}
	wg.Wait()
	return n, nil
}
