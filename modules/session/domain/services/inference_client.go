package services

import "context"

// InferenceEndpoint enumerates the RPCs the Inference Client fronts (spec 4.3).
type InferenceEndpoint string

const (
	EndpointExtractEmbedding  InferenceEndpoint = "extract_embedding"
	EndpointScore             InferenceEndpoint = "score"
	EndpointResolve           InferenceEndpoint = "resolve"
	EndpointEnroll            InferenceEndpoint = "enroll"
	EndpointAnalysisEvents    InferenceEndpoint = "analysis/events"
	EndpointAnalysisReport    InferenceEndpoint = "analysis/report"
	EndpointAnalysisSynth     InferenceEndpoint = "analysis/synthesize"
	EndpointRegenerateClaim   InferenceEndpoint = "analysis/regenerate-claim"
)

// CircuitState is the observable state of one endpoint's breaker (spec 5, P7).
type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// InferenceClient wraps HTTP calls to the model-inference RPC surface with
// failover between a primary and an optional secondary base URL, and a
// per-endpoint circuit breaker (spec section 4.3).
type InferenceClient interface {
	// Call POSTs body as JSON to endpoint and decodes the JSON response into
	// out. out may be nil when the caller only cares about success/failure.
	Call(ctx context.Context, endpoint InferenceEndpoint, body any, out any) error

	// CircuitState reports the current breaker state for one endpoint,
	// primarily for /health and tests.
	CircuitState(endpoint InferenceEndpoint) CircuitState
}
