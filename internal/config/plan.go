package config

import "time"

// Plan is a compiled ramp schedule. Each segment interpolates linearly from
// the previous stage's target (or the start value for the first stage) to
// its own target.
type Plan struct {
	segments []planSegment
	duration time.Duration
	flat     float64
	timeUnit time.Duration
}

type planSegment struct {
	start    time.Duration
	duration time.Duration
	from     float64
	to       float64
}

// Plan compiles the scenario's schedule. Constant-vus scenarios produce a flat
// plan that always resolves to VUs.
func (s Scenario) Plan() *Plan {
	unit := s.TimeUnit
	if unit <= 0 {
		unit = DefaultTimeUnit
	}
	if s.Executor != ExecutorRampingArrivalRate {
		return &Plan{
			flat:     float64(s.VUs),
			duration: s.Duration,
			timeUnit: unit,
		}
	}

	plan := &Plan{timeUnit: unit}
	var offset time.Duration
	from := float64(s.StartRate)
	for _, st := range s.Stages {
		if st.Duration <= 0 {
			continue
		}
		seg := planSegment{
			start:    offset,
			duration: st.Duration,
			from:     from,
			to:       float64(st.Target),
		}
		plan.segments = append(plan.segments, seg)
		offset += st.Duration
		from = seg.to
	}
	plan.duration = offset
	return plan
}

// TargetAt resolves the target value (VUs, or iterations per time unit) at elapsed.
// Past the end of the schedule it holds the last stage's target.
func (p *Plan) TargetAt(elapsed time.Duration) float64 {
	if p == nil {
		return 0
	}
	if len(p.segments) == 0 {
		return p.flat
	}
	if elapsed < 0 {
		elapsed = 0
	}
	for _, seg := range p.segments {
		end := seg.start + seg.duration
		if elapsed >= end {
			continue
		}
		if seg.from == seg.to {
			return seg.from
		}
		progress := float64(elapsed-seg.start) / float64(seg.duration)
		if progress < 0 {
			progress = 0
		} else if progress > 1 {
			progress = 1
		}
		return seg.from + (seg.to-seg.from)*progress
	}
	return p.segments[len(p.segments)-1].to
}

// RatePerSecond converts TargetAt from iterations per time unit into
// iterations per second.
func (p *Plan) RatePerSecond(elapsed time.Duration) float64 {
	if p == nil || p.timeUnit <= 0 {
		return 0
	}
	return p.TargetAt(elapsed) * float64(time.Second) / float64(p.timeUnit)
}

// Duration returns the total schedule length.
func (p *Plan) Duration() time.Duration {
	if p == nil {
		return 0
	}
	return p.duration
}
