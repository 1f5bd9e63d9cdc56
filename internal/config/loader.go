package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. PROXYLOAD_VUS=10.
const EnvPrefix = "PROXYLOAD"

// Loader reads scenario documents and applies command-line and environment overrides.
type Loader struct {
	flags *pflag.FlagSet
}

// NewLoader creates a Loader. flags may be nil when no overrides apply.
func NewLoader(flags *pflag.FlagSet) *Loader {
	return &Loader{flags: flags}
}

// Load reads the scenario file at path. The document may be JSON or YAML.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Source = path
	if err := l.applyOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a scenario document. Payload objects keep their key case, so
// the document is decoded directly rather than through viper, which folds keys.
func Parse(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, Errorf("decode json: %v", err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, Errorf("decode yaml: %v", err)
	}
	if doc == nil {
		return nil, Errorf("empty scenario document")
	}
	settings, err := toStringKeyMap(doc)
	if err != nil {
		return nil, Errorf("%v", err)
	}
	cfg, err := applyDocument(settings)
	if err != nil {
		return nil, Errorf("%v", err)
	}
	return cfg, nil
}

func applyDocument(settings map[string]interface{}) (*Config, error) {
	cfg := &Config{
		Thresholds: map[string][]string{},
		Batch:      DefaultBatch,
		Timeout:    DefaultTimeout,
	}

	if raw, ok := lookupSetting(settings, "insecureskiptlsverify", "insecure_skip_tls_verify"); ok {
		val, err := asBool(raw)
		if err != nil {
			return nil, fmt.Errorf("insecureSkipTLSVerify: %w", err)
		}
		cfg.InsecureSkipTLSVerify = val
	}
	if raw, ok := lookupSetting(settings, "batch"); ok {
		val, err := asInt(raw)
		if err != nil {
			return nil, fmt.Errorf("batch: %w", err)
		}
		cfg.Batch = val
	}
	if raw, ok := lookupSetting(settings, "timeout"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = val
	}
	if raw, ok := lookupSetting(settings, "useragent", "user_agent"); ok {
		val, err := asString(raw)
		if err != nil {
			return nil, fmt.Errorf("userAgent: %w", err)
		}
		cfg.UserAgent = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		thresholds, err := parseThresholds(raw)
		if err != nil {
			return nil, fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = thresholds
	}
	if raw, ok := lookupSetting(settings, "tracing"); ok {
		tracing, err := parseTracing(raw)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		cfg.Tracing = tracing
	}

	var sharedTargets []Target
	if raw, ok := lookupSetting(settings, "targets", "requests"); ok {
		targets, err := parseTargets(raw)
		if err != nil {
			return nil, fmt.Errorf("targets: %w", err)
		}
		sharedTargets = targets
	}

	if raw, ok := lookupSetting(settings, "scenarios"); ok {
		scenarios, err := parseScenarios(raw, settings, sharedTargets)
		if err != nil {
			return nil, fmt.Errorf("scenarios: %w", err)
		}
		cfg.Scenarios = scenarios
		return cfg, nil
	}

	// Top-level options are shorthand for a single scenario.
	if hasAny(settings, "vus", "duration", "stages", "executor") {
		s, err := parseScenario(DefaultScenarioName, settings, nil, sharedTargets)
		if err != nil {
			return nil, err
		}
		cfg.Scenarios = []Scenario{s}
	}
	return cfg, nil
}

func parseScenarios(raw interface{}, root map[string]interface{}, shared []Target) ([]Scenario, error) {
	named, err := toNamedMap(raw)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	scenarios := make([]Scenario, 0, len(names))
	for _, name := range names {
		body, err := toStringKeyMap(named[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		s, err := parseScenario(name, body, root, shared)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// parseScenario reads one scenario. Keys missing from body fall back to root
// (top-level options) for sleep, and to shared for targets.
func parseScenario(name string, body, root map[string]interface{}, shared []Target) (Scenario, error) {
	s := Scenario{
		Name:         name,
		Executor:     ExecutorConstantVUs,
		TimeUnit:     DefaultTimeUnit,
		GracefulStop: DefaultGracefulStop,
		Arrival:      ArrivalModelUniform,
	}

	if raw, ok := lookupSetting(body, "executor"); ok {
		val, err := asString(raw)
		if err != nil {
			return s, fmt.Errorf("executor: %w", err)
		}
		s.Executor = Executor(strings.ToLower(strings.TrimSpace(val)))
	} else if _, hasStages := lookupSetting(body, "stages"); hasStages {
		s.Executor = ExecutorRampingArrivalRate
	}

	if raw, ok := lookupSetting(body, "vus"); ok {
		val, err := asInt(raw)
		if err != nil {
			return s, fmt.Errorf("vus: %w", err)
		}
		s.VUs = val
	}
	if raw, ok := lookupSetting(body, "duration"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return s, fmt.Errorf("duration: %w", err)
		}
		s.Duration = val
	}
	if raw, ok := lookupSetting(body, "startrate", "start_rate"); ok {
		val, err := asInt(raw)
		if err != nil {
			return s, fmt.Errorf("startRate: %w", err)
		}
		s.StartRate = val
	}
	if raw, ok := lookupSetting(body, "timeunit", "time_unit"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return s, fmt.Errorf("timeUnit: %w", err)
		}
		s.TimeUnit = val
	}
	if raw, ok := lookupSetting(body, "preallocatedvus", "pre_allocated_vus"); ok {
		val, err := asInt(raw)
		if err != nil {
			return s, fmt.Errorf("preAllocatedVUs: %w", err)
		}
		s.PreAllocatedVUs = val
	}
	if raw, ok := lookupSetting(body, "gracefulstop", "graceful_stop"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return s, fmt.Errorf("gracefulStop: %w", err)
		}
		s.GracefulStop = val
	}
	if raw, ok := lookupSetting(body, "arrival", "arrivalmodel", "arrival_model"); ok {
		val, err := asString(raw)
		if err != nil {
			return s, fmt.Errorf("arrival: %w", err)
		}
		if val = strings.ToLower(strings.TrimSpace(val)); val != "" {
			s.Arrival = ArrivalModel(val)
		}
	}
	if raw, ok := lookupSetting(body, "stages"); ok {
		stages, err := parseStages(raw)
		if err != nil {
			return s, fmt.Errorf("stages: %w", err)
		}
		s.Stages = stages
	}

	sleepRaw, ok := lookupSetting(body, "sleep", "thinktime", "think_time")
	if !ok && root != nil {
		sleepRaw, ok = lookupSetting(root, "sleep", "thinktime", "think_time")
	}
	if ok {
		val, err := asDuration(sleepRaw)
		if err != nil {
			return s, fmt.Errorf("sleep: %w", err)
		}
		s.Sleep = val
	}

	s.Targets = shared
	if raw, ok := lookupSetting(body, "targets", "requests"); ok {
		targets, err := parseTargets(raw)
		if err != nil {
			return s, fmt.Errorf("targets: %w", err)
		}
		s.Targets = targets
	}
	return s, nil
}

func parseStages(raw interface{}) ([]Stage, error) {
	items, err := toInterfaceSlice(raw)
	if err != nil {
		return nil, err
	}
	stages := make([]Stage, 0, len(items))
	for i, item := range items {
		m, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		var st Stage
		if rawDur, ok := lookupSetting(m, "duration"); ok {
			if st.Duration, err = asDuration(rawDur); err != nil {
				return nil, fmt.Errorf("[%d].duration: %w", i, err)
			}
		}
		if rawTarget, ok := lookupSetting(m, "target"); ok {
			if st.Target, err = asInt(rawTarget); err != nil {
				return nil, fmt.Errorf("[%d].target: %w", i, err)
			}
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// parseTargets accepts either target maps or http.batch style
// [method, url, body] triples.
func parseTargets(raw interface{}) ([]Target, error) {
	items, err := toInterfaceSlice(raw)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(items))
	for i, item := range items {
		var (
			t   Target
			err error
		)
		if triple, ok := item.([]interface{}); ok {
			t, err = parseBatchTriple(triple)
		} else {
			t, err = parseTarget(item)
		}
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func parseBatchTriple(triple []interface{}) (Target, error) {
	if len(triple) < 2 || len(triple) > 3 {
		return Target{}, fmt.Errorf("batch entry needs [method, url, body], got %d elements", len(triple))
	}
	method, err := asString(triple[0])
	if err != nil {
		return Target{}, err
	}
	url, err := asString(triple[1])
	if err != nil {
		return Target{}, err
	}
	t := Target{
		Protocol: ProtocolHTTP,
		Method:   strings.ToUpper(strings.TrimSpace(method)),
		URL:      strings.TrimSpace(url),
	}
	if len(triple) == 3 {
		if t.Body, err = asPayload(triple[2]); err != nil {
			return Target{}, fmt.Errorf("body: %w", err)
		}
	}
	t.Name = t.Method + " " + t.URL
	return t, nil
}

func parseTarget(raw interface{}) (Target, error) {
	m, err := toStringKeyMap(raw)
	if err != nil {
		return Target{}, err
	}
	t := Target{Protocol: ProtocolHTTP}

	if v, ok := lookupSetting(m, "protocol", "type"); ok {
		s, err := asString(v)
		if err != nil {
			return t, fmt.Errorf("protocol: %w", err)
		}
		t.Protocol = Protocol(strings.ToLower(strings.TrimSpace(s)))
	}
	if v, ok := lookupSetting(m, "name"); ok {
		if t.Name, err = asString(v); err != nil {
			return t, fmt.Errorf("name: %w", err)
		}
	}
	if v, ok := lookupSetting(m, "url"); ok {
		s, err := asString(v)
		if err != nil {
			return t, fmt.Errorf("url: %w", err)
		}
		t.URL = strings.TrimSpace(s)
	}
	if v, ok := lookupSetting(m, "headers"); ok {
		hdrs, err := asStringMap(v)
		if err != nil {
			return t, fmt.Errorf("headers: %w", err)
		}
		t.Headers = make(map[string]string, len(hdrs))
		for k, val := range hdrs {
			t.Headers[http.CanonicalHeaderKey(k)] = val
		}
	}
	if v, ok := lookupSetting(m, "timeout"); ok {
		if t.Timeout, err = asDuration(v); err != nil {
			return t, fmt.Errorf("timeout: %w", err)
		}
	}
	if v, ok := lookupSetting(m, "checks"); ok {
		if t.Checks, err = parseChecks(v); err != nil {
			return t, fmt.Errorf("checks: %w", err)
		}
	}

	switch t.Protocol {
	case ProtocolGRPC:
		err = parseGRPCTarget(&t, m)
	case ProtocolSSE:
		err = parseSSETarget(&t, m)
	default:
		err = parseHTTPTarget(&t, m)
	}
	return t, err
}

func parseHTTPTarget(t *Target, m map[string]interface{}) error {
	t.Method = http.MethodGet
	if v, ok := lookupSetting(m, "method"); ok {
		s, err := asString(v)
		if err != nil {
			return fmt.Errorf("method: %w", err)
		}
		t.Method = strings.ToUpper(strings.TrimSpace(s))
	}
	if v, ok := lookupSetting(m, "body"); ok {
		body, err := asPayload(v)
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
		t.Body = body
	}
	if t.Name == "" {
		t.Name = t.Method + " " + t.URL
	}
	return nil
}

func parseGRPCTarget(t *Target, m map[string]interface{}) error {
	if v, ok := lookupSetting(m, "address", "target", "addr"); ok {
		s, err := asString(v)
		if err != nil {
			return fmt.Errorf("address: %w", err)
		}
		t.Address = strings.TrimSpace(s)
	}
	if v, ok := lookupSetting(m, "method"); ok {
		s, err := asString(v)
		if err != nil {
			return fmt.Errorf("method: %w", err)
		}
		t.Service, t.RPCMethod = SplitServiceMethod(s)
	}
	if v, ok := lookupSetting(m, "message", "body"); ok {
		msg, err := asPayload(v)
		if err != nil {
			return fmt.Errorf("message: %w", err)
		}
		t.Body = msg
	}
	if v, ok := lookupSetting(m, "protofile", "proto_file", "proto"); ok {
		s, err := asString(v)
		if err != nil {
			return fmt.Errorf("protoFile: %w", err)
		}
		t.ProtoFile = strings.TrimSpace(s)
	}
	if v, ok := lookupSetting(m, "reflect"); ok {
		b, err := asBool(v)
		if err != nil {
			return fmt.Errorf("reflect: %w", err)
		}
		t.Reflect = b
	}
	if v, ok := lookupSetting(m, "tls"); ok {
		b, err := asBool(v)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		t.TLS = b
	}
	if v, ok := lookupSetting(m, "metadata"); ok {
		md, err := asStringMap(v)
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		t.Metadata = md
	}
	if t.Name == "" && t.Service != "" {
		t.Name = t.Service + "/" + t.RPCMethod
	}
	return nil
}

func parseSSETarget(t *Target, m map[string]interface{}) error {
	t.MaxEvents = 1
	if v, ok := lookupSetting(m, "payload", "data"); ok {
		p, err := asPayload(v)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		t.Payload = p
	}
	if v, ok := lookupSetting(m, "maxevents", "max_events"); ok {
		n, err := asInt(v)
		if err != nil {
			return fmt.Errorf("maxEvents: %w", err)
		}
		t.MaxEvents = n
	}
	if t.Name == "" {
		t.Name = "SSE " + t.URL
	}
	return nil
}

func parseChecks(raw interface{}) ([]Check, error) {
	items, err := toInterfaceSlice(raw)
	if err != nil {
		return nil, err
	}
	checks := make([]Check, 0, len(items))
	for i, item := range items {
		m, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		var c Check
		if v, ok := lookupSetting(m, "name"); ok {
			if c.Name, err = asString(v); err != nil {
				return nil, fmt.Errorf("[%d].name: %w", i, err)
			}
		}
		if v, ok := lookupSetting(m, "status"); ok {
			code, err := asStatus(v)
			if err != nil {
				return nil, fmt.Errorf("[%d].status: %w", i, err)
			}
			c.Status = &code
		}
		if v, ok := lookupSetting(m, "path", "json"); ok {
			if c.Path, err = asString(v); err != nil {
				return nil, fmt.Errorf("[%d].path: %w", i, err)
			}
		}
		if v, ok := lookupSetting(m, "equals", "value"); ok {
			if c.Equals, err = asString(v); err != nil {
				return nil, fmt.Errorf("[%d].equals: %w", i, err)
			}
		}
		if c.Status == nil && c.Path == "" {
			return nil, fmt.Errorf("[%d]: check needs status or path", i)
		}
		if c.Name == "" {
			c.Name = c.describe()
		}
		checks = append(checks, c)
	}
	return checks, nil
}

func (c Check) describe() string {
	if c.Path == "" {
		return fmt.Sprintf("status is %d", *c.Status)
	}
	if c.Equals == "" {
		return c.Path + " exists"
	}
	return fmt.Sprintf("%s == %s", c.Path, c.Equals)
}

// asStatus reads an expected status: an HTTP status, a numeric gRPC code or a
// gRPC code name such as "OK" or "NOT_FOUND".
func asStatus(v interface{}) (int, error) {
	if name, ok := v.(string); ok {
		if _, err := strconv.Atoi(strings.TrimSpace(name)); err != nil {
			var code codes.Code
			quoted := strconv.Quote(strings.ToUpper(strings.TrimSpace(name)))
			if err := code.UnmarshalJSON([]byte(quoted)); err != nil {
				return 0, fmt.Errorf("unknown status %q", name)
			}
			return int(code), nil
		}
	}
	n, err := asInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("status must not be negative, got %d", n)
	}
	return n, nil
}

func parseThresholds(raw interface{}) (map[string][]string, error) {
	named, err := toNamedMap(raw)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]string, len(named))
	for metric, exprs := range named {
		list, err := asStringSlice(exprs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", metric, err)
		}
		result[strings.TrimSpace(metric)] = list
	}
	return result, nil
}

func parseTracing(raw interface{}) (TracingConfig, error) {
	var tc TracingConfig
	m, err := toStringKeyMap(raw)
	if err != nil {
		return tc, err
	}
	if v, ok := lookupSetting(m, "endpoint"); ok {
		if tc.Endpoint, err = asString(v); err != nil {
			return tc, fmt.Errorf("endpoint: %w", err)
		}
	}
	if v, ok := lookupSetting(m, "protocol"); ok {
		if tc.Protocol, err = asString(v); err != nil {
			return tc, fmt.Errorf("protocol: %w", err)
		}
	}
	if v, ok := lookupSetting(m, "insecure"); ok {
		if tc.Insecure, err = asBool(v); err != nil {
			return tc, fmt.Errorf("insecure: %w", err)
		}
	}
	if v, ok := lookupSetting(m, "servicename", "service_name"); ok {
		if tc.ServiceName, err = asString(v); err != nil {
			return tc, fmt.Errorf("serviceName: %w", err)
		}
	}
	tc.SampleRate = 1
	if v, ok := lookupSetting(m, "samplerate", "sample_rate"); ok {
		if tc.SampleRate, err = asFloat64(v); err != nil {
			return tc, fmt.Errorf("sampleRate: %w", err)
		}
	}
	return tc, nil
}

// asPayload renders a body value: strings pass through, structured values are
// encoded as JSON and null yields an empty body.
func asPayload(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(normalizeJSON(v))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// normalizeJSON converts map[interface{}]interface{} nodes so encoding/json accepts them.
func normalizeJSON(value interface{}) interface{} {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = normalizeJSON(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = normalizeJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = normalizeJSON(val)
		}
		return out
	default:
		return v
	}
}

// toNamedMap converts a map while preserving key case, for user-chosen names.
func toNamedMap(value interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	err := eachEntry(value, func(key string, val interface{}) error {
		out[key] = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasAny(settings map[string]interface{}, keys ...string) bool {
	_, ok := lookupSetting(settings, keys...)
	return ok
}

// SplitServiceMethod splits "pkg.Service/Method" (optionally with a leading slash).
func SplitServiceMethod(full string) (service, method string) {
	full = strings.TrimPrefix(strings.TrimSpace(full), "/")
	idx := strings.LastIndex(full, "/")
	if idx <= 0 || idx == len(full)-1 {
		return full, ""
	}
	return full[:idx], full[idx+1:]
}

// applyOverrides layers environment variables and changed flags over the document.
func (l *Loader) applyOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if l.flags != nil {
		for _, name := range []string{"vus", "duration", "insecure-skip-tls-verify", "otel-endpoint"} {
			if f := l.flags.Lookup(name); f != nil {
				if err := v.BindPFlag(name, f); err != nil {
					return err
				}
			}
		}
	}

	if v.IsSet("vus") || v.IsSet("duration") {
		for i := range cfg.Scenarios {
			s := &cfg.Scenarios[i]
			if s.Executor != ExecutorConstantVUs {
				continue
			}
			if v.IsSet("vus") {
				s.VUs = v.GetInt("vus")
			}
			if v.IsSet("duration") {
				d, err := asDuration(v.Get("duration"))
				if err != nil {
					return Errorf("duration override: %v", err)
				}
				s.Duration = d
			}
		}
	}
	if v.IsSet("insecure-skip-tls-verify") {
		cfg.InsecureSkipTLSVerify = v.GetBool("insecure-skip-tls-verify")
	}
	if v.IsSet("otel-endpoint") {
		cfg.Tracing.Endpoint = strings.TrimSpace(v.GetString("otel-endpoint"))
		if cfg.Tracing.SampleRate == 0 {
			cfg.Tracing.SampleRate = 1
		}
	}
	return nil
}

// ResolveTimeout picks the target timeout, falling back to the document default.
func (c *Config) ResolveTimeout(t Target) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return c.Timeout
}
