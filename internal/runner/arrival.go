package runner

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/configcat/proxyload/internal/config"
)

// arrivalController paces iteration starts. A rate of zero suspends starts
// until the rate is raised again.
type arrivalController interface {
	Wait(ctx context.Context) error
	SetRate(rps float64)
}

func newArrivalController(opt Options, plan *config.Plan) arrivalController {
	if opt.pacer != nil {
		return opt.pacer
	}
	initial := plan.RatePerSecond(0)

	switch opt.Scenario.Arrival {
	case config.ArrivalModelPoisson:
		sampler := opt.poissonSampler
		if sampler == nil {
			seeded := rand.New(rand.NewSource(opt.RandomSeed))
			sampler = seeded.ExpFloat64
		}
		ctrl := newPoissonArrival(sampler)
		ctrl.SetRate(initial)
		return ctrl
	default:
		ctrl := newUniformArrival()
		ctrl.SetRate(initial)
		return ctrl
	}
}

// rateGate parks waiters while the rate is zero and wakes them on SetRate.
type rateGate struct {
	mu      sync.Mutex
	rps     float64
	changed chan struct{}
}

func newRateGate() rateGate {
	return rateGate{changed: make(chan struct{})}
}

func (g *rateGate) set(rps float64) {
	if rps < 0 || math.IsNaN(rps) {
		rps = 0
	}
	g.mu.Lock()
	g.rps = rps
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}

// await blocks until the rate is positive and returns it.
func (g *rateGate) await(ctx context.Context) (float64, error) {
	for {
		g.mu.Lock()
		rps, changed := g.rps, g.changed
		g.mu.Unlock()
		if rps > 0 {
			return rps, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-changed:
		}
	}
}

// uniformArrival delegates pacing to a rate.Limiter (uniform spacing).
type uniformArrival struct {
	gate    rateGate
	limiter *rate.Limiter
}

func newUniformArrival() *uniformArrival {
	return &uniformArrival{
		gate:    newRateGate(),
		limiter: rate.NewLimiter(0, 1),
	}
}

func (u *uniformArrival) Wait(ctx context.Context) error {
	if _, err := u.gate.await(ctx); err != nil {
		return err
	}
	return u.limiter.Wait(ctx)
}

func (u *uniformArrival) SetRate(rps float64) {
	if rps > 0 {
		u.limiter.SetLimit(rate.Limit(rps))
	}
	u.gate.set(rps)
}

// poissonArrival samples exponential inter-arrival times to approximate a Poisson process.
type poissonArrival struct {
	gate   rateGate
	mu     sync.Mutex
	sample func() float64
}

func newPoissonArrival(sample func() float64) *poissonArrival {
	return &poissonArrival{gate: newRateGate(), sample: sample}
}

func (p *poissonArrival) Wait(ctx context.Context) error {
	rps, err := p.gate.await(ctx)
	if err != nil {
		return err
	}
	delay := p.nextDelay(rps)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *poissonArrival) SetRate(rps float64) {
	p.gate.set(rps)
}

func (p *poissonArrival) nextDelay(rps float64) time.Duration {
	if rps <= 0 || p.sample == nil {
		return 0
	}
	p.mu.Lock()
	value := p.sample()
	p.mu.Unlock()

	delay := float64(time.Second) * value / rps
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}
	return time.Duration(delay)
}
