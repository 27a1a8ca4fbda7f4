package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgesession/server/modules/session/domain/services"
)

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("secret-key", "secret-key"))
	assert.False(t, ConstantTimeEquals("secret-key", "other-key"))
	assert.False(t, ConstantTimeEquals("short", "shorter-key"))
}

func TestEndpointCircuit_OpensAfterConsecutiveFailures(t *testing.T) {
	c := &endpointCircuit{}

	c.recordFailure(failuresToOpenCircuit)
	c.recordFailure(failuresToOpenCircuit)
	assert.Equal(t, services.CircuitClosed, c.state(time.Minute))

	c.recordFailure(failuresToOpenCircuit)
	assert.Equal(t, services.CircuitOpen, c.state(time.Minute))
}

func TestEndpointCircuit_SuccessResetsFailureCount(t *testing.T) {
	c := &endpointCircuit{}

	c.recordFailure(failuresToOpenCircuit)
	c.recordFailure(failuresToOpenCircuit)
	c.recordSuccess()
	c.recordFailure(failuresToOpenCircuit)

	assert.Equal(t, services.CircuitClosed, c.state(time.Minute))
}

func TestEndpointCircuit_SelfClosesAfterOpenWindowElapses(t *testing.T) {
	c := &endpointCircuit{}
	c.recordFailure(failuresToOpenCircuit)
	c.recordFailure(failuresToOpenCircuit)
	c.recordFailure(failuresToOpenCircuit)
	require.Equal(t, services.CircuitOpen, c.state(time.Millisecond))

	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, services.CircuitClosed, c.state(time.Millisecond))
}

func TestHTTPInferenceClient_FailsOverToSecondaryAfterPrimaryErrors(t *testing.T) {
	var primaryHits, secondaryHits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secondaryHits, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer secondary.Close()

	client := NewHTTPInferenceClient(InferenceClientConfig{
		PrimaryURL:      primary.URL,
		SecondaryURL:    secondary.URL,
		TimeoutMs:       1000,
		RetryMax:        0,
		RetryBackoffMs:  1,
		CircuitOpenMs:   60000,
		FailoverEnabled: true,
	})

	var out map[string]any
	err := client.Call(context.Background(), services.InferenceEndpoint("diarize"), map[string]string{"a": "b"}, &out)

	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondaryHits))
}

func TestHTTPInferenceClient_OpensCircuitAndRoutesDirectlyToSecondary(t *testing.T) {
	var primaryHits, secondaryHits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secondaryHits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer secondary.Close()

	client := NewHTTPInferenceClient(InferenceClientConfig{
		PrimaryURL:      primary.URL,
		SecondaryURL:    secondary.URL,
		TimeoutMs:       1000,
		RetryMax:        0,
		RetryBackoffMs:  1,
		CircuitOpenMs:   60000,
		FailoverEnabled: true,
	})
	endpoint := services.InferenceEndpoint("diarize")

	for i := 0; i < failuresToOpenCircuit; i++ {
		client.Call(context.Background(), endpoint, map[string]string{}, nil)
	}
	assert.Equal(t, services.CircuitOpen, client.CircuitState(endpoint))

	primaryHitsBefore := atomic.LoadInt32(&primaryHits)
	err := client.Call(context.Background(), endpoint, map[string]string{}, nil)

	require.NoError(t, err)
	assert.Equal(t, primaryHitsBefore, atomic.LoadInt32(&primaryHits), "circuit open should bypass the primary entirely")
	assert.True(t, atomic.LoadInt32(&secondaryHits) > 0)
}

func TestHTTPInferenceClient_NoFailoverReturnsUpstreamUnavailable(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	client := NewHTTPInferenceClient(InferenceClientConfig{
		PrimaryURL:     primary.URL,
		TimeoutMs:      1000,
		RetryMax:       0,
		RetryBackoffMs: 1,
		CircuitOpenMs:  60000,
	})

	err := client.Call(context.Background(), services.InferenceEndpoint("diarize"), map[string]string{}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrUpstreamUnavailable)
}
