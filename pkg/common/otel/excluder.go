package otel

import (
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder skips tracing for configured routes (health probes mostly)
// and applies probability-based sampling to everything else.
type endpointExcluder struct {
	endpoints map[string]struct{}
	sampler   sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints: endpoints,
		sampler:   sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements the sdktrace.Sampler interface.
func (ee endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for endpoint := range ee.endpoints {
		if strings.Contains(params.Name, endpoint) {
			return sdktrace.SamplingResult{Decision: sdktrace.Drop}
		}
	}

	return ee.sampler.ShouldSample(params)
}

// Description implements the sdktrace.Sampler interface.
func (ee endpointExcluder) Description() string {
	return "endpointExcluder"
}
