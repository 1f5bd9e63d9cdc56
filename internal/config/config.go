// Package config loads and validates scenario documents for proxyload.
//
// A scenario document mirrors the options block of the load scripts it
// replaces: either top-level vus/duration (a single constant-vus scenario)
// or a scenarios map keyed by name, each with its own executor.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/configcat/proxyload/internal/threshold"
)

// Executor names the scheduling mode of a scenario.
type Executor string

const (
	ExecutorConstantVUs        Executor = "constant-vus"
	ExecutorRampingArrivalRate Executor = "ramping-arrival-rate"
)

// Protocol names a target protocol.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
	ProtocolSSE  Protocol = "sse"
)

// ArrivalModel selects how iteration starts are spaced in arrival-rate mode.
type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

const (
	DefaultScenarioName = "default"
	DefaultGracefulStop = 30 * time.Second
	DefaultTimeUnit     = time.Second
	DefaultBatch        = 20
	DefaultTimeout      = 60 * time.Second
)

// Config is a fully parsed scenario document.
type Config struct {
	Scenarios             []Scenario
	Thresholds            map[string][]string
	InsecureSkipTLSVerify bool
	Batch                 int
	Timeout               time.Duration
	UserAgent             string
	Tracing               TracingConfig
	Source                string
}

// Scenario describes one independently scheduled workload.
type Scenario struct {
	Name            string
	Executor        Executor
	VUs             int
	Duration        time.Duration
	StartRate       int
	TimeUnit        time.Duration
	Stages          []Stage
	PreAllocatedVUs int
	GracefulStop    time.Duration
	Sleep           time.Duration
	Arrival         ArrivalModel
	Targets         []Target
}

// Stage is one leg of a ramp: reach Target by the end of Duration.
type Stage struct {
	Duration time.Duration
	Target   int
}

// Target is a single request definition executed once per iteration.
// HTTP targets of one scenario are issued together as a batch.
type Target struct {
	Name     string
	Protocol Protocol
	Method   string
	URL      string
	Body     string
	Headers  map[string]string
	Timeout  time.Duration
	Checks   []Check

	// gRPC
	Address   string
	Service   string
	RPCMethod string
	ProtoFile string
	Reflect   bool
	TLS       bool
	Metadata  map[string]string

	// SSE
	Payload   string
	MaxEvents int
}

// Check is an assertion on a response: an expected status and/or a JSON path
// whose value must equal Equals (or merely exist when Equals is empty).
// Status is nil when the check has no status constraint; for gRPC targets it
// holds the numeric code, so 0 means OK.
type Check struct {
	Name   string
	Status *int
	Path   string
	Equals string
}

// TracingConfig configures OpenTelemetry export of request spans.
type TracingConfig struct {
	Endpoint    string
	Protocol    string
	Insecure    bool
	ServiceName string
	SampleRate  float64
}

// Enabled reports whether an exporter endpoint has been configured.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

// TotalDuration is the nominal run length of the scenario, excluding graceful stop.
func (s Scenario) TotalDuration() time.Duration {
	if s.Executor == ExecutorRampingArrivalRate {
		var total time.Duration
		for _, st := range s.Stages {
			total += st.Duration
		}
		return total
	}
	return s.Duration
}

// Concurrency is the upper bound on simultaneously running virtual users.
func (s Scenario) Concurrency() int {
	if s.Executor == ExecutorRampingArrivalRate {
		return s.PreAllocatedVUs
	}
	return s.VUs
}

// MaxDuration is the longest time the run can take: the longest scenario
// plus its graceful stop.
func (c *Config) MaxDuration() time.Duration {
	var max time.Duration
	for _, s := range c.Scenarios {
		if d := s.TotalDuration() + s.GracefulStop; d > max {
			max = d
		}
	}
	return max
}

// ConfigError lists every problem found in a scenario document.
type ConfigError struct {
	issues []string
}

func (e *ConfigError) Error() string {
	if len(e.issues) == 0 {
		return "invalid scenario"
	}
	return fmt.Sprintf("invalid scenario: %s", strings.Join(e.issues, "; "))
}

// Issues returns a copy of the individual validation messages.
func (e *ConfigError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Errorf builds a single-issue *ConfigError.
func Errorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{issues: []string{fmt.Sprintf(format, args...)}}
}

// Validate checks the document and returns a *ConfigError describing all issues.
func (c *Config) Validate() error {
	var issues []string

	if len(c.Scenarios) == 0 {
		issues = append(issues, "no scenarios defined (set vus and duration, or scenarios)")
	}
	if c.Batch < 0 {
		issues = append(issues, "batch must be >= 0")
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}

	seen := map[string]bool{}
	for _, s := range c.Scenarios {
		if seen[s.Name] {
			issues = append(issues, fmt.Sprintf("scenario %q defined twice", s.Name))
		}
		seen[s.Name] = true
		for _, issue := range s.validate() {
			issues = append(issues, fmt.Sprintf("scenarios.%s: %s", s.Name, issue))
		}
	}

	metricNames := make([]string, 0, len(c.Thresholds))
	for name := range c.Thresholds {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)
	for _, name := range metricNames {
		if len(c.Thresholds[name]) == 0 {
			issues = append(issues, fmt.Sprintf("thresholds.%s: at least one expression is required", name))
		}
		for i, expr := range c.Thresholds[name] {
			if _, err := threshold.Parse(name, expr); err != nil {
				issues = append(issues, fmt.Sprintf("thresholds.%s[%d]: %v", name, i, err))
			}
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, fmt.Sprintf("tracing sample rate must be between 0.0 and 1.0, got %g", c.Tracing.SampleRate))
	}

	if len(issues) > 0 {
		return &ConfigError{issues: issues}
	}
	return nil
}

func (s Scenario) validate() []string {
	var issues []string

	switch s.Executor {
	case ExecutorConstantVUs:
		if s.VUs < 1 {
			issues = append(issues, "vus must be >= 1")
		}
		if s.Duration <= 0 {
			issues = append(issues, "duration must be > 0")
		}
		if len(s.Stages) > 0 {
			issues = append(issues, "stages are only supported by the ramping-arrival-rate executor")
		}
	case ExecutorRampingArrivalRate:
		if len(s.Stages) == 0 {
			issues = append(issues, "stages must not be empty")
		}
		for i, st := range s.Stages {
			if st.Duration <= 0 {
				issues = append(issues, fmt.Sprintf("stages[%d]: duration must be > 0", i))
			}
			if st.Target < 0 {
				issues = append(issues, fmt.Sprintf("stages[%d]: target must be >= 0", i))
			}
		}
		if s.PreAllocatedVUs < 1 {
			issues = append(issues, "preAllocatedVUs must be >= 1")
		}
		if s.TimeUnit <= 0 {
			issues = append(issues, "timeUnit must be > 0")
		}
		if s.StartRate < 0 {
			issues = append(issues, "startRate must be >= 0")
		}
		switch s.Arrival {
		case ArrivalModelUniform, ArrivalModelPoisson:
		default:
			issues = append(issues, fmt.Sprintf("unknown arrival model %q (use uniform or poisson)", s.Arrival))
		}
	default:
		issues = append(issues, fmt.Sprintf("unknown executor %q (supported: %s, %s)", s.Executor, ExecutorConstantVUs, ExecutorRampingArrivalRate))
	}

	if s.GracefulStop < 0 {
		issues = append(issues, "gracefulStop must be >= 0")
	}
	if s.Sleep < 0 {
		issues = append(issues, "sleep must be >= 0")
	}
	if len(s.Targets) == 0 {
		issues = append(issues, "at least one target is required")
	}
	for i, t := range s.Targets {
		for _, issue := range t.validate() {
			issues = append(issues, fmt.Sprintf("targets[%d]: %s", i, issue))
		}
	}
	return issues
}

func (t Target) validate() []string {
	var issues []string
	switch t.Protocol {
	case ProtocolHTTP:
		if strings.TrimSpace(t.URL) == "" {
			issues = append(issues, "http target requires url")
		}
		if strings.TrimSpace(t.Method) == "" {
			issues = append(issues, "http target requires method")
		}
	case ProtocolSSE:
		if strings.TrimSpace(t.URL) == "" {
			issues = append(issues, "sse target requires url")
		}
		if t.MaxEvents < 0 {
			issues = append(issues, "maxEvents must be >= 0")
		}
	case ProtocolGRPC:
		if strings.TrimSpace(t.Address) == "" {
			issues = append(issues, "grpc target requires address")
		}
		if strings.TrimSpace(t.Service) == "" || strings.TrimSpace(t.RPCMethod) == "" {
			issues = append(issues, "grpc target requires method in service/method form")
		}
	default:
		issues = append(issues, fmt.Sprintf("unknown protocol %q (supported: http, grpc, sse)", t.Protocol))
	}
	if t.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	return issues
}
