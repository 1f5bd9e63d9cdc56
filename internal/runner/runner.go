package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/configcat/proxyload/internal/config"
	"github.com/configcat/proxyload/internal/outcome"
)

// ErrNoFactory is returned by Run when Options.Factory is nil.
var ErrNoFactory = errors.New("runner: workload factory is required")

// Result captures execution summary.
type Result struct {
	Scenario    string
	Iterations  int64 // iterations that ran to completion
	Interrupted int64 // iterations cut short by the graceful stop deadline
	Dropped     int64
	Cancelled   int64 // requests cancelled by the graceful stop deadline
	Duration    time.Duration
}

// Runner executes a single scenario.
type Runner struct {
	opt     Options
	plan    *config.Plan
	arrival arrivalController

	mu  sync.Mutex
	vus []*vu

	active      atomic.Int64
	iterations  atomic.Int64
	interrupted atomic.Int64
	dropped     atomic.Int64
	cancelled   atomic.Int64
	hardStopAt  atomic.Int64 // unix nanos, 0 until the grace period expires
}

func New(opt Options) *Runner {
	opt.normalize()
	plan := opt.Scenario.Plan()
	r := &Runner{opt: opt, plan: plan}
	if opt.Scenario.Executor == config.ExecutorRampingArrivalRate {
		r.arrival = newArrivalController(opt, plan)
	}
	return r
}

// Name returns the scenario name.
func (r *Runner) Name() string { return r.opt.Scenario.Name }

// ActiveVUs is the number of VUs currently running or sleeping between iterations.
func (r *Runner) ActiveVUs() int { return int(r.active.Load()) }

// States counts VUs per lifecycle state.
func (r *Runner) States() map[VUState]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[VUState]int, 5)
	for _, v := range r.vus {
		out[v.State()]++
	}
	return out
}

// Run sets up every VU, drives the scenario until its duration elapses or ctx
// is cancelled, then waits up to the scenario's graceful stop for in-flight
// iterations. Requests still running when the grace period expires are
// cancelled and recorded as such.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if r.opt.Factory == nil {
		return Result{}, ErrNoFactory
	}
	logger := r.opt.Logger.With(zap.String("scenario", r.Name()))

	if err := r.setup(ctx, r.opt.Scenario.Concurrency()); err != nil {
		r.teardown(logger)
		return Result{}, err
	}
	defer r.teardown(logger)

	start := time.Now()
	stopCtx, stop := context.WithTimeout(ctx, r.plan.Duration())
	defer stop()

	// In-flight work outlives the stop signal (including a cancelled parent)
	// by at most the graceful stop.
	hardCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()
	go r.enforceGracefulStop(stopCtx, hardCtx, hardCancel)

	logger.Info("scenario started",
		zap.String("executor", string(r.opt.Scenario.Executor)),
		zap.Int("vus", r.opt.Scenario.Concurrency()),
		zap.Duration("duration", r.plan.Duration()),
	)

	switch r.opt.Scenario.Executor {
	case config.ExecutorRampingArrivalRate:
		r.runArrivalRate(stopCtx, hardCtx, start)
	default:
		r.runConstantVUs(stopCtx, hardCtx)
	}

	res := Result{
		Scenario:    r.Name(),
		Iterations:  r.iterations.Load(),
		Interrupted: r.interrupted.Load(),
		Dropped:     r.dropped.Load(),
		Cancelled:   r.cancelled.Load(),
		Duration:    time.Since(start),
	}
	logger.Info("scenario finished",
		zap.Int64("iterations", res.Iterations),
		zap.Int64("interrupted", res.Interrupted),
		zap.Int64("dropped", res.Dropped),
		zap.Int64("cancelled", res.Cancelled),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

func (r *Runner) setup(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	vus := make([]*vu, 0, n)
	for i := 1; i <= n; i++ {
		var w Workload
		err := retry(ctx, r.opt.SetupRetry, func() error {
			var err error
			w, err = r.opt.Factory.NewWorkload(ctx, i)
			return err
		})
		if err != nil {
			r.mu.Lock()
			r.vus = vus
			r.mu.Unlock()
			return fmt.Errorf("scenario %s: setup vu %d: %w", r.Name(), i, err)
		}
		vus = append(vus, newVU(i, w))
	}
	r.mu.Lock()
	r.vus = vus
	r.mu.Unlock()
	return nil
}

func (r *Runner) teardown(logger *zap.Logger) {
	r.mu.Lock()
	vus := r.vus
	r.mu.Unlock()
	for _, v := range vus {
		v.setState(VUTerminated)
		if v.workload == nil {
			continue
		}
		if err := v.workload.Close(); err != nil {
			logger.Debug("close workload", zap.Int("vu", v.id), zap.Error(err))
		}
	}
}

func (r *Runner) enforceGracefulStop(stopCtx, hardCtx context.Context, hardCancel context.CancelFunc) {
	select {
	case <-stopCtx.Done():
	case <-hardCtx.Done():
		return
	}
	if grace := r.opt.Scenario.GracefulStop; grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-hardCtx.Done():
			return
		}
	}
	r.hardStopAt.Store(time.Now().UnixNano())
	hardCancel()
}

// runConstantVUs keeps every VU looping over its workload until stop.
func (r *Runner) runConstantVUs(stopCtx, hardCtx context.Context) {
	r.mu.Lock()
	vus := r.vus
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(vus))
	for _, v := range vus {
		go func(v *vu) {
			defer wg.Done()
			r.active.Add(1)
			defer r.active.Add(-1)
			for stopCtx.Err() == nil {
				r.iterate(hardCtx, v)
				if !r.think(stopCtx, v) {
					break
				}
			}
			v.setState(VUStopping)
		}(v)
	}
	wg.Wait()
}

// runArrivalRate starts iterations at the planned rate on free VUs from the
// preallocated pool. A start that finds no free VU is dropped, never queued.
func (r *Runner) runArrivalRate(stopCtx, hardCtx context.Context, start time.Time) {
	r.mu.Lock()
	pool := make(chan *vu, len(r.vus))
	for _, v := range r.vus {
		pool <- v
	}
	r.mu.Unlock()

	go r.controlRate(stopCtx, start)

	var wg sync.WaitGroup
	for {
		if err := r.arrival.Wait(stopCtx); err != nil {
			break
		}
		if stopCtx.Err() != nil {
			break
		}
		select {
		case v := <-pool:
			wg.Add(1)
			r.active.Add(1)
			go func(v *vu) {
				defer wg.Done()
				defer r.active.Add(-1)
				r.iterate(hardCtx, v)
				r.think(stopCtx, v)
				v.setState(VUIdle)
				pool <- v
			}(v)
		default:
			r.dropped.Add(1)
			r.opt.Recorder.Record(outcome.Dropped(r.Name(), time.Now()))
		}
	}
	wg.Wait()
}

func (r *Runner) controlRate(ctx context.Context, start time.Time) {
	r.arrival.SetRate(r.plan.RatePerSecond(0))

	ticker := time.NewTicker(r.opt.rateTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.arrival.SetRate(r.plan.RatePerSecond(time.Since(start)))
		}
	}
}

// iterate runs one iteration and records its outcomes in order.
func (r *Runner) iterate(ctx context.Context, v *vu) {
	v.setState(VURunning)
	v.iterations++
	it := Iteration{Scenario: r.Name(), VU: v.id, Number: v.iterations}

	start := time.Now()
	outs := v.workload.Run(ctx, it)
	for _, o := range outs {
		o.Scenario = it.Scenario
		o.VU = it.VU
		o.Iteration = it.Number
		if r.cutByHardStop(o) {
			o.Kind = outcome.KindCancelled
			r.cancelled.Add(1)
		}
		if o.Failed() {
			r.opt.Logger.Debug("request failed",
				zap.String("scenario", it.Scenario),
				zap.String("endpoint", o.Endpoint),
				zap.String("kind", string(o.Kind)),
				zap.Error(o.Err),
			)
		}
		r.opt.Recorder.Record(o)
	}

	iter := outcome.Outcome{
		Protocol:  outcome.ProtocolIteration,
		Scenario:  it.Scenario,
		Endpoint:  it.Scenario,
		VU:        it.VU,
		Iteration: it.Number,
		Latency:   time.Since(start),
		Kind:      outcome.KindOK,
		Timestamp: start,
	}
	if ctx.Err() != nil {
		iter.Kind = outcome.KindCancelled
		iter.Err = ctx.Err()
		r.interrupted.Add(1)
	} else {
		r.iterations.Add(1)
	}
	r.opt.Recorder.Record(iter)
}

// cutByHardStop reports whether a failed outcome ended after the grace period
// expired, meaning the run cancelled it.
func (r *Runner) cutByHardStop(o outcome.Outcome) bool {
	if o.Kind == outcome.KindCancelled {
		return true
	}
	if !o.Failed() {
		return false
	}
	at := r.hardStopAt.Load()
	if at == 0 {
		return false
	}
	return !o.Timestamp.Add(o.Latency).Before(time.Unix(0, at))
}

// think pauses between iterations. It returns false when stop arrived while
// sleeping; sleeping VUs never wait out the grace period.
func (r *Runner) think(stopCtx context.Context, v *vu) bool {
	pause := r.opt.Scenario.Sleep
	if pause <= 0 {
		return stopCtx.Err() == nil
	}
	v.setState(VUSleeping)
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-stopCtx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RunAll runs scenarios concurrently. A setup failure in any scenario cancels
// the others.
func RunAll(ctx context.Context, runners ...*Runner) ([]Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(runners))
	errs := make([]error, len(runners))
	var wg sync.WaitGroup
	wg.Add(len(runners))
	for i, r := range runners {
		go func(i int, r *Runner) {
			defer wg.Done()
			res, err := r.Run(ctx)
			results[i] = res
			if err != nil {
				errs[i] = err
				cancel()
			}
		}(i, r)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}
