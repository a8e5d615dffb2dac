package plugin

import (
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAIServiceConfig = `
serviceProperties:
  serviceName: /openai/v1/chat/completions
  targetServiceBaseUrl: https://api.openai.com/
  targetServiceEndPoint: v1/chat/completions
  customHeaders:
    X-Trace: a
    OpenAI-Beta: assistants=v2
    X-Trace: b
  circuitBreakerConfiguration:
    slidingWindowSize: 10
    failureRateThreshold: 50
    waitDurationInOpenState: PT10S
    permittedNumberOfCallsInHalfOpenState: 3
  rateLimiterConfiguration:
    limitForPeriod: 5
    timeoutDuration: PT0.5S
    limitRefreshPeriod: 1s
`

func TestParseServiceConfig(t *testing.T) {
	cfg, err := ParseServiceConfig([]byte(openAIServiceConfig))
	require.NoError(t, err)

	p := cfg.ServiceProperties
	assert.Equal(t, "/openai/v1/chat/completions", p.ServiceName)
	assert.Equal(t, "https://api.openai.com/", p.TargetBaseURL)
	assert.Equal(t, "v1/chat/completions", p.TargetEndpoint)

	assert.Equal(t, Headers{
		{Name: "X-Trace", Value: "a"},
		{Name: "OpenAI-Beta", Value: "assistants=v2"},
		{Name: "X-Trace", Value: "b"},
	}, p.CustomHeaders)

	assert.Equal(t, 10, p.CircuitBreaker.SlidingWindowSize)
	assert.Equal(t, float64(50), p.CircuitBreaker.FailureRateThreshold)
	assert.Equal(t, 10*time.Second, p.CircuitBreaker.WaitDurationInOpenState.Std())
	assert.Equal(t, 3, p.CircuitBreaker.PermittedCallsInHalfOpen)

	assert.Equal(t, 5, p.RateLimiter.LimitForPeriod)
	assert.Equal(t, 500*time.Millisecond, p.RateLimiter.TimeoutDuration.Std())
	assert.Equal(t, time.Second, p.RateLimiter.LimitRefreshPeriod.Std())
}

func TestParseServiceConfig_Defaults(t *testing.T) {
	cfg, err := ParseServiceConfig([]byte(`
serviceProperties:
  serviceName: echo
  targetServiceBaseUrl: http://localhost:9000
  circuitBreakerConfiguration:
    slidingWindowSize: 4
`))
	require.NoError(t, err)

	p := cfg.ServiceProperties
	assert.Equal(t, 4, p.CircuitBreaker.SlidingWindowSize)
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureRateThreshold, p.CircuitBreaker.FailureRateThreshold)
	assert.Equal(t, DefaultRateLimiterConfig(), p.RateLimiter)
	assert.Empty(t, p.CustomHeaders)
}

func TestParseServiceConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name:    "missing properties",
			doc:     "other: 1\n",
			wantErr: ErrNoServiceProperties,
		},
		{
			name:    "missing target",
			doc:     "serviceProperties:\n  serviceName: a\n",
			wantErr: ErrNoTargetURL,
		},
		{
			name: "blank name",
			doc:  "serviceProperties:\n  serviceName: '  '\n  targetServiceBaseUrl: http://x\n",
		},
		{
			name: "bad window",
			doc: "serviceProperties:\n  serviceName: a\n  targetServiceBaseUrl: http://x\n" +
				"  circuitBreakerConfiguration:\n    slidingWindowSize: 0\n",
		},
		{
			name: "bad threshold",
			doc: "serviceProperties:\n  serviceName: a\n  targetServiceBaseUrl: http://x\n" +
				"  circuitBreakerConfiguration:\n    failureRateThreshold: 120\n",
		},
		{
			name: "bad limit",
			doc: "serviceProperties:\n  serviceName: a\n  targetServiceBaseUrl: http://x\n" +
				"  rateLimiterConfiguration:\n    limitForPeriod: -1\n",
		},
		{
			name: "bad duration",
			doc: "serviceProperties:\n  serviceName: a\n  targetServiceBaseUrl: http://x\n" +
				"  rateLimiterConfiguration:\n    limitRefreshPeriod: soon\n",
		},
		{
			name: "malformed yaml",
			doc:  "serviceProperties: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseServiceConfig([]byte(tt.doc))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestHeaders_ListForm(t *testing.T) {
	cfg, err := ParseServiceConfig([]byte(`
serviceProperties:
  serviceName: a
  targetServiceBaseUrl: http://x
  customHeaders:
    - name: X-A
      value: "1"
    - X-A: "2"
`))
	require.NoError(t, err)

	h := http.Header{}
	cfg.ServiceProperties.CustomHeaders.ApplyTo(h)
	assert.Equal(t, []string{"1", "2"}, h.Values("X-A"))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"PT10S", 10 * time.Second},
		{"pt0.5s", 500 * time.Millisecond},
		{"PT1M30S", 90 * time.Second},
		{"PT2H", 2 * time.Hour},
		{"P1D", 24 * time.Hour},
		{"P1DT1S", 24*time.Hour + time.Second},
		{"-PT1S", -time.Second},
		{"250ms", 250 * time.Millisecond},
		{"1m", time.Minute},
		{"1500", 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "P", "PT", "PTS", "P1H", "abc"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseDuration(bad)
			assert.Error(t, err)
		})
	}
}

func TestServiceProperties_Fingerprint(t *testing.T) {
	a, err := ParseServiceConfig([]byte(openAIServiceConfig))
	require.NoError(t, err)
	b, err := ParseServiceConfig([]byte(openAIServiceConfig))
	require.NoError(t, err)
	assert.Equal(t, a.ServiceProperties.Fingerprint(), b.ServiceProperties.Fingerprint())

	b.ServiceProperties.RateLimiter.LimitForPeriod = 6
	assert.NotEqual(t, a.ServiceProperties.Fingerprint(), b.ServiceProperties.Fingerprint())
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(RateLimiterConfig{LimitForPeriod: 3, TimeoutDuration: Duration(1500 * time.Millisecond), LimitRefreshPeriod: Duration(time.Minute)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"limitForPeriod":3,"timeoutDuration":"1.5s","limitRefreshPeriod":"1m0s"}`, string(data))

	var back RateLimiterConfig
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, time.Minute, back.LimitRefreshPeriod.Std())

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"PT2S"`), &d))
	assert.Equal(t, 2*time.Second, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`12`), &d))
}
