package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reg-smart-go/internal/config"
	"reg-smart-go/internal/model"
)

func newTestFilter(t *testing.T, handler http.HandlerFunc) Filter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.GuardrailConfig{
		BaseURL:        server.URL,
		APIKey:         "test-key",
		PolicyID:       "p1",
		PolicyVersion:  "DRAFT",
		TimeoutSeconds: 2,
	})
}

func TestApplyPassthroughWhenDisabled(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(server.Close)

	// PolicyID 为空表示禁用，不应发起任何请求
	filter := NewClient(config.GuardrailConfig{BaseURL: server.URL})

	assert.False(t, filter.Enabled())
	assert.Equal(t, "raw answer", filter.Apply(context.Background(), "raw answer"))
	assert.Equal(t, int64(0), calls.Load())

	health := filter.Health(context.Background())
	assert.Equal(t, model.HealthDisabled, health.Status)
	assert.Equal(t, "no policy configured", health.Detail)
}

func TestApplySendsOutputPolicyRequest(t *testing.T) {
	var captured applyRequest
	filter := newTestFilter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/guardrails/apply", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"action":"NONE","outputs":[]}`)
	})

	got := filter.Apply(context.Background(), "some answer")

	assert.Equal(t, "some answer", got)
	assert.Equal(t, "p1", captured.PolicyID)
	assert.Equal(t, "DRAFT", captured.PolicyVersion)
	assert.Equal(t, "OUTPUT", captured.Source)
	assert.Equal(t, "some answer", captured.Content)
}

func TestApplyReturnsOriginalWhenNoIntervention(t *testing.T) {
	filter := newTestFilter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"action":"NONE","outputs":[{"text":"should be ignored"}]}`)
	})

	assert.Equal(t, "original", filter.Apply(context.Background(), "original"))
}

func TestApplyUsesPolicyRewrite(t *testing.T) {
	filter := newTestFilter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"action":"GUARDRAIL_INTERVENED","outputs":[{"text":"sanitized answer"}]}`)
	})

	assert.Equal(t, "sanitized answer", filter.Apply(context.Background(), "original"))
}

func TestApplyRefusesWhenBlockedOutright(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no outputs", `{"action":"GUARDRAIL_INTERVENED","outputs":[]}`},
		{"blank output", `{"action":"GUARDRAIL_INTERVENED","outputs":[{"text":"   "}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filter := newTestFilter(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			})
			assert.Equal(t, RefusalMessage, filter.Apply(context.Background(), "original"))
		})
	}
}

func TestApplyFailsOpenOnBackendError(t *testing.T) {
	filter := newTestFilter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})

	assert.Equal(t, "original", filter.Apply(context.Background(), "original"))
}

func TestApplyFailsOpenOnUnreachableBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	filter := NewClient(config.GuardrailConfig{
		BaseURL:        server.URL,
		PolicyID:       "p1",
		TimeoutSeconds: 1,
	})

	assert.Equal(t, "original", filter.Apply(context.Background(), "original"))
}

func TestHealthReflectsBackendState(t *testing.T) {
	healthy := newTestFilter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"action":"NONE","outputs":[]}`)
	})
	status := healthy.Health(context.Background())
	assert.Equal(t, model.HealthHealthy, status.Status)

	broken := newTestFilter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	status = broken.Health(context.Background())
	assert.Equal(t, model.HealthUnhealthy, status.Status)
	assert.NotEmpty(t, status.Detail)
}
