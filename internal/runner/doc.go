// Package runner schedules virtual users (VUs) for one scenario.
//
// Two executors are supported:
//   - constant-vus: a fixed number of VUs loop over their workload for the
//     scenario duration, pausing for the configured sleep between iterations.
//   - ramping-arrival-rate: iterations start at a rate interpolated from the
//     scenario stages. Starts are assigned to free VUs of a preallocated pool;
//     when every VU is busy the start is recorded as dropped.
//
// # Basic Usage
//
//	r := runner.New(runner.Options{
//		Scenario: scenario,
//		Factory:  factory,
//		Recorder: collector,
//	})
//	result, err := r.Run(ctx)
//
// Each VU gets a private [Workload] from the [WorkloadFactory] before the
// scenario starts; a setup error aborts the run.
//
// # Stopping
//
// When the duration elapses or ctx is cancelled no new iterations start and
// sleeping VUs exit. Running iterations get the scenario's graceful stop to
// finish; requests still in flight after that are cancelled and recorded
// with [outcome.KindCancelled].
//
// # Arrival Models
//
// Arrival-rate starts are paced uniformly by default, or with exponential
// inter-arrival times when the scenario selects the poisson model.
package runner
