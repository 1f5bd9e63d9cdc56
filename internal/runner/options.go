package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/configcat/proxyload/internal/config"
	"github.com/configcat/proxyload/internal/outcome"
)

// Iteration identifies one pass of a VU over its workload.
type Iteration struct {
	Scenario string
	VU       int
	Number   int64
}

// Workload is the per-VU script body. Run executes one iteration against ctx
// and returns the outcomes of every request it issued, in issue order.
// Implementations must abandon in-flight I/O when ctx is cancelled.
type Workload interface {
	Run(ctx context.Context, it Iteration) []outcome.Outcome
	Close() error
}

// WorkloadFactory builds the private workload state (connections, clients)
// of a single VU. It is called once per VU before the scenario starts.
type WorkloadFactory interface {
	NewWorkload(ctx context.Context, vu int) (Workload, error)
}

// WorkloadFunc adapts a plain function into a Workload without resources.
type WorkloadFunc func(ctx context.Context, it Iteration) []outcome.Outcome

func (f WorkloadFunc) Run(ctx context.Context, it Iteration) []outcome.Outcome { return f(ctx, it) }
func (f WorkloadFunc) Close() error                                               { return nil }

// FactoryFunc adapts a function into a WorkloadFactory.
type FactoryFunc func(ctx context.Context, vu int) (Workload, error)

func (f FactoryFunc) NewWorkload(ctx context.Context, vu int) (Workload, error) { return f(ctx, vu) }

// Recorder receives every outcome produced by the scheduler.
type Recorder interface {
	Record(o outcome.Outcome)
}

// Options configure the Runner.
type Options struct {
	Scenario   config.Scenario
	Factory    WorkloadFactory
	Recorder   Recorder
	Logger     *zap.Logger
	SetupRetry RetryPolicy // applied to WorkloadFactory.NewWorkload
	RandomSeed int64       // seeds the Poisson sampler

	// test hooks
	pacer          arrivalController
	poissonSampler func() float64
	rateTick       time.Duration
}

const defaultRateTick = 100 * time.Millisecond

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Recorder == nil {
		o.Recorder = discardRecorder{}
	}
	if o.Scenario.Name == "" {
		o.Scenario.Name = config.DefaultScenarioName
	}
	if o.Scenario.Executor == "" {
		o.Scenario.Executor = config.ExecutorConstantVUs
	}
	if o.Scenario.GracefulStop < 0 {
		o.Scenario.GracefulStop = 0
	}
	if o.Scenario.TimeUnit <= 0 {
		o.Scenario.TimeUnit = config.DefaultTimeUnit
	}
	if o.SetupRetry.MaxAttempts <= 0 {
		o.SetupRetry.MaxAttempts = 1
	}
	if o.rateTick <= 0 {
		o.rateTick = defaultRateTick
	}
}

type discardRecorder struct{}

func (discardRecorder) Record(outcome.Outcome) {}
