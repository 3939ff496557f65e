package cleanup

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"

	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/manifest"
	"streamgate/work/sessions"
	"streamgate/work/tokens"
)

// Scheduler runs the periodic reclamation sweeps: idle sessions, expired
// playback tokens, and manifests nobody is watching. Sweeps are independent
// of each other, so each tick fans them out across a small worker pool.
type Scheduler struct {
	config    *config.Config
	clock     clock.Clock
	sessions  *sessions.Registry
	tokens    *tokens.Manager
	manifests *manifest.Cache

	pool     *ants.Pool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates the cleanup scheduler.
func New(cfg *config.Config, reg *sessions.Registry, toks *tokens.Manager, mans *manifest.Cache, clk clock.Clock) (*Scheduler, error) {
	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		config:    cfg,
		clock:     clk,
		sessions:  reg,
		tokens:    toks,
		manifests: mans,
		pool:      pool,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the sweep loop in the background.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the sweep loop and releases the worker pool. Blocks until the
// loop has exited.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.pool.Release()
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := s.clock.Ticker(s.config.CleanupInterval)
	defer ticker.Stop()

	logger.Info("{cleanup - run} Sweep loop started (interval: %s)", s.config.CleanupInterval)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunSweeps()
		}
	}
}

// RunSweeps executes one round of all sweeps and waits for them to finish.
func (s *Scheduler) RunSweeps() {
	var wg sync.WaitGroup

	submit := func(task func()) {
		wg.Add(1)
		if err := s.pool.Submit(func() {
			defer wg.Done()
			task()
		}); err != nil {
			// Pool released mid-shutdown; run inline rather than drop.
			task()
			wg.Done()
		}
	}

	submit(func() {
		if n := s.sessions.SweepExpired(s.config.HeartbeatTimeout); n > 0 {
			logger.Info("{cleanup - RunSweeps} Reclaimed %d sessions without heartbeats", n)
		}
	})
	submit(func() { s.tokens.SweepExpired() })
	submit(func() { s.manifests.SweepIdle(s.config.ManifestIdleTimeout) })

	wg.Wait()
}
