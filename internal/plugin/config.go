package plugin

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ServiceConfigFile is the name of the service config bundled in every unit.
const ServiceConfigFile = "service-config.yml"

// ServiceConfig is the configuration descriptor of one unit.
type ServiceConfig struct {
	ServiceProperties *ServiceProperties `yaml:"serviceProperties" json:"serviceProperties"`
}

// ServiceProperties describes how one service is routed and protected.
type ServiceProperties struct {
	ServiceName    string               `yaml:"serviceName" json:"serviceName"`
	TargetBaseURL  string               `yaml:"targetServiceBaseUrl" json:"targetServiceBaseUrl"`
	TargetEndpoint string               `yaml:"targetServiceEndPoint" json:"targetServiceEndPoint"`
	CustomHeaders  Headers              `yaml:"customHeaders" json:"customHeaders,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreakerConfiguration" json:"circuitBreakerConfiguration"`
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiterConfiguration" json:"rateLimiterConfiguration"`
}

// CircuitBreakerConfig configures a count-based sliding-window breaker.
type CircuitBreakerConfig struct {
	SlidingWindowSize        int      `yaml:"slidingWindowSize" json:"slidingWindowSize"`
	FailureRateThreshold     float64  `yaml:"failureRateThreshold" json:"failureRateThreshold"`
	WaitDurationInOpenState  Duration `yaml:"waitDurationInOpenState" json:"waitDurationInOpenState"`
	PermittedCallsInHalfOpen int      `yaml:"permittedNumberOfCallsInHalfOpenState" json:"permittedNumberOfCallsInHalfOpenState"`
}

// RateLimiterConfig configures a fixed-period limiter.
type RateLimiterConfig struct {
	LimitForPeriod     int      `yaml:"limitForPeriod" json:"limitForPeriod"`
	TimeoutDuration    Duration `yaml:"timeoutDuration" json:"timeoutDuration"`
	LimitRefreshPeriod Duration `yaml:"limitRefreshPeriod" json:"limitRefreshPeriod"`
}

// DefaultCircuitBreakerConfig returns the breaker settings used for absent fields.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		SlidingWindowSize:        100,
		FailureRateThreshold:     50,
		WaitDurationInOpenState:  Duration(60 * time.Second),
		PermittedCallsInHalfOpen: 10,
	}
}

// DefaultRateLimiterConfig returns the limiter settings used for absent fields.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		LimitForPeriod:     50,
		TimeoutDuration:    Duration(5 * time.Second),
		LimitRefreshPeriod: Duration(time.Second),
	}
}

// UnmarshalYAML fills absent fields with defaults.
func (c *CircuitBreakerConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw CircuitBreakerConfig
	r := raw(DefaultCircuitBreakerConfig())
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = CircuitBreakerConfig(r)
	return nil
}

// UnmarshalYAML fills absent fields with defaults.
func (c *RateLimiterConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw RateLimiterConfig
	r := raw(DefaultRateLimiterConfig())
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = RateLimiterConfig(r)
	return nil
}

// UnmarshalYAML fills absent resilience sections with defaults.
func (p *ServiceProperties) UnmarshalYAML(node *yaml.Node) error {
	type raw ServiceProperties
	r := raw{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		RateLimiter:    DefaultRateLimiterConfig(),
	}
	if err := node.Decode(&r); err != nil {
		return err
	}
	*p = ServiceProperties(r)
	return nil
}

// Validate checks the invariants the registry and the resilience gate rely on.
// URI composition is checked by the registry.
func (p *ServiceProperties) Validate() error {
	if p == nil {
		return ErrNoServiceProperties
	}
	if strings.TrimSpace(p.ServiceName) == "" {
		return errors.New("serviceName is required")
	}
	if strings.TrimSpace(p.TargetBaseURL) == "" {
		return ErrNoTargetURL
	}
	if err := p.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("circuitBreakerConfiguration: %w", err)
	}
	if err := p.RateLimiter.Validate(); err != nil {
		return fmt.Errorf("rateLimiterConfiguration: %w", err)
	}
	return nil
}

// Validate checks breaker bounds.
func (c CircuitBreakerConfig) Validate() error {
	if c.SlidingWindowSize <= 0 {
		return fmt.Errorf("slidingWindowSize must be positive, got %d", c.SlidingWindowSize)
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 100 {
		return fmt.Errorf("failureRateThreshold must be within [0, 100], got %v", c.FailureRateThreshold)
	}
	if c.WaitDurationInOpenState < 0 {
		return errors.New("waitDurationInOpenState must not be negative")
	}
	if c.PermittedCallsInHalfOpen < 0 {
		return fmt.Errorf("permittedNumberOfCallsInHalfOpenState must not be negative, got %d", c.PermittedCallsInHalfOpen)
	}
	return nil
}

// Validate checks limiter bounds.
func (c RateLimiterConfig) Validate() error {
	if c.LimitForPeriod <= 0 {
		return fmt.Errorf("limitForPeriod must be positive, got %d", c.LimitForPeriod)
	}
	if c.LimitRefreshPeriod <= 0 {
		return errors.New("limitRefreshPeriod must be positive")
	}
	if c.TimeoutDuration < 0 {
		return errors.New("timeoutDuration must not be negative")
	}
	return nil
}

// ParseServiceConfig decodes a service config document.
func ParseServiceConfig(data []byte) (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse service config: %w", err)
	}
	if cfg.ServiceProperties == nil {
		return nil, ErrNoServiceProperties
	}
	if err := cfg.ServiceProperties.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Fingerprint returns a stable encoding of the properties, used to detect config changes across reloads.
func (p *ServiceProperties) Fingerprint() string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}

// Header is one custom header entry.
type Header struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Headers is an ordered header list. A name may repeat.
type Headers []Header

// UnmarshalYAML accepts a mapping (name: value) or a sequence of
// {name, value} entries or single-pair mappings, keeping document order.
func (h *Headers) UnmarshalYAML(node *yaml.Node) error {
	var out Headers
	switch node.Kind {
	case yaml.MappingNode:
		pairs, err := mappingPairs(node)
		if err != nil {
			return err
		}
		out = pairs
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: custom header entry must be a mapping", item.Line)
			}
			var entry Header
			if err := item.Decode(&entry); err == nil && entry.Name != "" {
				out = append(out, entry)
				continue
			}
			pairs, err := mappingPairs(item)
			if err != nil {
				return err
			}
			out = append(out, pairs...)
		}
	case yaml.ScalarNode:
		if node.Tag != "!!null" {
			return fmt.Errorf("line %d: customHeaders must be a mapping or a list", node.Line)
		}
	default:
		return fmt.Errorf("line %d: customHeaders must be a mapping or a list", node.Line)
	}
	*h = out
	return nil
}

func mappingPairs(node *yaml.Node) (Headers, error) {
	out := make(Headers, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: custom header must be a scalar pair", k.Line)
		}
		out = append(out, Header{Name: k.Value, Value: v.Value})
	}
	return out, nil
}

// ApplyTo adds every entry to dst, keeping repeats.
func (h Headers) ApplyTo(dst http.Header) {
	for _, e := range h {
		dst.Add(e.Name, e.Value)
	}
}

// Duration accepts Go ("1m30s") and ISO-8601 ("PT1M30S") notations.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON writes the Go notation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON reads any notation ParseDuration accepts.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

var isoDuration = regexp.MustCompile(`^([-+]?)P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration parses Go or ISO-8601 duration text. A bare integer is read as milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(strings.TrimLeft(upper, "+-"), "P") {
		return time.ParseDuration(s)
	}

	m := isoDuration.FindStringSubmatch(upper)
	if m == nil || upper == "P" || strings.HasSuffix(upper, "T") || (m[2] == "" && m[3] == "" && m[4] == "" && m[5] == "") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	var total float64
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	for i, part := range m[2:6] {
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		total += f * float64(units[i])
	}
	if m[1] == "-" {
		total = -total
	}
	return time.Duration(total), nil
}
