package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marginwatch/internal/models"
)

// Push loop defaults. They are coarser than the market-hours jobs and run at
// any time of day.
const (
	DefaultMarketEvery = 70 * time.Second
	DefaultMarginEvery = 60 * time.Second
)

// PushJobs are the bodies the push loop runs
type PushJobs interface {
	RefreshAndBroadcast(ctx context.Context) (models.Report, error)
	CheckMargins(ctx context.Context) (models.Report, error)
}

// PushLoop runs market refresh and margin checks on fixed tickers, independent
// of the scheduler. Each ticker runs its body inline, so one body never overlaps
// itself.
type PushLoop struct {
	jobs        PushJobs
	marketEvery time.Duration
	marginEvery time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPushLoop creates a stopped loop. Non-positive intervals take the defaults.
func NewPushLoop(jobs PushJobs, marketEvery, marginEvery time.Duration) *PushLoop {
	if marketEvery <= 0 {
		marketEvery = DefaultMarketEvery
	}
	if marginEvery <= 0 {
		marginEvery = DefaultMarginEvery
	}
	return &PushLoop{
		jobs:        jobs,
		marketEvery: marketEvery,
		marginEvery: marginEvery,
		logger:      log.With().Str("component", "push_loop").Logger(),
	}
}

// WithLogger replaces the loop logger
func (p *PushLoop) WithLogger(l zerolog.Logger) *PushLoop {
	p.logger = l
	return p
}

// Start launches both tickers. Calling Start on a running loop is a no-op.
func (p *PushLoop) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.tick(ctx, "market", p.marketEvery, p.jobs.RefreshAndBroadcast)
	go p.tick(ctx, "margin", p.marginEvery, p.jobs.CheckMargins)

	p.logger.Info().
		Dur("market_every", p.marketEvery).
		Dur("margin_every", p.marginEvery).
		Msg("Push loop started")
}

// Stop cancels both tickers and waits for in-flight bodies to return
func (p *PushLoop) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Push loop stopped")
}

func (p *PushLoop) tick(ctx context.Context, name string, every time.Duration, body func(context.Context) (models.Report, error)) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx, name, body)
		}
	}
}

func (p *PushLoop) run(ctx context.Context, name string, body func(context.Context) (models.Report, error)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("loop", name).Interface("panic", r).Msg("Push loop body panicked")
		}
	}()
	report, err := body(ctx)
	if err != nil {
		p.logger.Error().Err(err).Str("loop", name).Msg("Push loop run failed")
		return
	}
	p.logger.Debug().Str("loop", name).Int("items", report.Items).Msg("Push loop run completed")
}
