package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func rampScenario() Scenario {
	return Scenario{
		Executor:        ExecutorRampingArrivalRate,
		TimeUnit:        500 * time.Millisecond,
		PreAllocatedVUs: 10,
		Stages: []Stage{
			{Duration: 10 * time.Second, Target: 10},
			{Duration: time.Minute, Target: 140},
			{Duration: 10 * time.Second, Target: 240},
			{Duration: 10 * time.Second, Target: 0},
		},
	}
}

func TestPlanEndpoints(t *testing.T) {
	s := rampScenario()
	plan := s.Plan()

	assert.Equal(t, float64(s.StartRate), plan.TargetAt(0))
	assert.Equal(t, float64(0), plan.TargetAt(plan.Duration()))
	assert.Equal(t, s.TotalDuration(), plan.Duration())

	s.StartRate = 7
	assert.Equal(t, float64(7), s.Plan().TargetAt(0))
}

func TestPlanInterpolation(t *testing.T) {
	plan := rampScenario().Plan()

	assert.InDelta(t, 5, plan.TargetAt(5*time.Second), 1e-9)
	assert.InDelta(t, 10, plan.TargetAt(10*time.Second), 1e-9)
	assert.InDelta(t, 75, plan.TargetAt(40*time.Second), 1e-9)
	assert.InDelta(t, 190, plan.TargetAt(75*time.Second), 1e-9)
	assert.InDelta(t, 0, plan.TargetAt(time.Hour), 1e-9)
	assert.InDelta(t, 0, plan.TargetAt(-time.Second), 1e-9)
}

func TestPlanRatePerSecondUsesTimeUnit(t *testing.T) {
	plan := rampScenario().Plan()
	// 10 iterations per 0.5s is 20 per second.
	assert.InDelta(t, 20, plan.RatePerSecond(10*time.Second), 1e-9)
}

func TestPlanFlatForConstantVUs(t *testing.T) {
	s := Scenario{Executor: ExecutorConstantVUs, VUs: 50, Duration: 30 * time.Second}
	plan := s.Plan()
	assert.Equal(t, float64(50), plan.TargetAt(0))
	assert.Equal(t, float64(50), plan.TargetAt(30*time.Second))
	assert.Equal(t, 30*time.Second, plan.Duration())
}
