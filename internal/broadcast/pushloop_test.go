package broadcast

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/marginwatch/internal/models"
)

type countingJobs struct {
	market, margin atomic.Int32
}

func (c *countingJobs) RefreshAndBroadcast(context.Context) (models.Report, error) {
	c.market.Add(1)
	return models.Report{}, models.ErrProviderUnavailable
}

func (c *countingJobs) CheckMargins(context.Context) (models.Report, error) {
	if c.margin.Add(1) == 1 {
		panic("first run")
	}
	return models.Report{Items: 3}, nil
}

func TestPushLoop_RunsBothTickersUntilStopped(t *testing.T) {
	jobs := &countingJobs{}
	loop := NewPushLoop(jobs, 5*time.Millisecond, 7*time.Millisecond).WithLogger(zerolog.Nop())

	loop.Start(context.Background())
	loop.Start(context.Background())

	assert.Eventually(t, func() bool {
		return jobs.market.Load() >= 2 && jobs.margin.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond, "failures and panics do not stop the loop")

	loop.Stop()
	market, margin := jobs.market.Load(), jobs.margin.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, market, jobs.market.Load())
	assert.Equal(t, margin, jobs.margin.Load())

	loop.Stop()
}

func TestPushLoop_StopsWithParentContext(t *testing.T) {
	jobs := &countingJobs{}
	loop := NewPushLoop(jobs, time.Millisecond, time.Millisecond).WithLogger(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	assert.Eventually(t, func() bool { return jobs.market.Load() > 0 }, time.Second, time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal(errors.New("push loop did not stop"))
	}
}

func TestPushLoop_Defaults(t *testing.T) {
	loop := NewPushLoop(&countingJobs{}, 0, -1)
	assert.Equal(t, DefaultMarketEvery, loop.marketEvery)
	assert.Equal(t, DefaultMarginEvery, loop.marginEvery)
}
