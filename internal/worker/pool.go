package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/logging"
	"github.com/JakeFAU/capture-service/internal/metrics"
	"github.com/JakeFAU/capture-service/internal/ports"
)

// Pool runs one self-rescheduling loop per supervisor.
type Pool struct {
	supervisors  []*Supervisor
	pollInterval time.Duration
	busy         backoff
	logger       *zap.Logger
}

// NewPool builds cfg.Concurrency supervisors for the given worker ordinal.
// Supervisor i uses the port allocated to (ordinal, i).
func NewPool(cfg config.WorkerConfig, ordinal int, deps Deps, opts Options, logger *zap.Logger) *Pool {
	logger = logging.OrNop(logger).Named("worker")
	n := cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	sups := make([]*Supervisor, 0, n)
	for i := range n {
		port := ports.Allocate(cfg.ProxyBasePort, ports.Identity{Ordinal: ordinal, SubIndex: i})
		sups = append(sups, NewSupervisor(deps, opts, port, logger.With(zap.Int("index", i))))
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Pool{
		supervisors:  sups,
		pollInterval: poll,
		busy:         backoff{base: cfg.PortBusyBackoff, max: cfg.PortBusyMaxBackoff},
		logger:       logger,
	}
}

// Supervisors exposes the pool members.
func (p *Pool) Supervisors() []*Supervisor {
	return p.supervisors
}

// Run blocks until ctx is done or every supervisor has seen the sentinel.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", zap.Int("supervisors", len(p.supervisors)))
	g, gctx := errgroup.WithContext(ctx)
	for _, sup := range p.supervisors {
		g.Go(func() error {
			p.loop(gctx, sup)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, sup *Supervisor) {
	metrics.IncActiveSupervisors()
	defer metrics.DecActiveSupervisors()

	busyAttempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		var wait time.Duration
		switch sup.RunOnce(ctx) {
		case OutcomeProcessed:
			busyAttempts = 0
			continue
		case OutcomeStopped:
			return
		case OutcomePortBusy:
			wait = p.busy.next(busyAttempts)
			busyAttempts++
		default:
			busyAttempts = 0
			wait = p.pollInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
