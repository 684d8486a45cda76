// Package telemetry provides semantic conventions for Outflow observability.
package telemetry

import (
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Outflow-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrChannel labels metrics with the delivery channel (email, sms, voice, social).
	AttrChannel = attribute.Key("channel")
	// AttrSequence identifies the campaign sequence a metric relates to.
	AttrSequence = attribute.Key("sequence.id")
	// AttrStepIndex records the zero-based step position within a sequence.
	AttrStepIndex = attribute.Key("step.index")
	// AttrEventType annotates bus metrics with the lifecycle event classification.
	AttrEventType = attribute.Key("event.type")
	// AttrOutcome records the provider-side result of a dispatch attempt.
	AttrOutcome = attribute.Key("outcome")
	// AttrOperation differentiates specific engine operations (enroll, dispatch, tick, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for deferrals and failures.
	AttrReason = attribute.Key("reason")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
)

var globalEnvironment atomic.Value

// SetEnvironment records the deployment environment used in metric labels.
func SetEnvironment(env string) {
	globalEnvironment.Store(env)
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	if env, ok := globalEnvironment.Load().(string); ok && env != "" {
		return env
	}
	return "development"
}

// DispatchAttributes returns common attributes for dispatch metrics.
func DispatchAttributes(environment, channel, sequence, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrSequence.String(sequence),
		AttrOutcome.String(outcome),
	}
}

// EventAttributes returns common attributes for event bus metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
