package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for runtime telemetry, following namespace.attribute_name.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrSource      = attribute.Key("config.source")
	AttrStrategy    = attribute.Key("strategy.name")
	AttrChannel     = attribute.Key("resize.channel")
	AttrResult      = attribute.Key("result")
	AttrOutcome     = attribute.Key("outcome")
	AttrErrorCode   = attribute.Key("error.code")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
	ResultCached  = "cached"
)

// ResolutionAttributes returns attributes for config resolution metrics.
func ResolutionAttributes(environment, source, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrResult.String(result),
	}
}

// StrategyAttributes returns attributes for strategy load metrics.
func StrategyAttributes(environment, strategy, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
		AttrResult.String(result),
	}
}

// ChannelAttributes returns attributes for resize channel metrics.
func ChannelAttributes(environment, channel, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrResult.String(result),
	}
}

// OutcomeAttributes returns attributes for instance lifecycle metrics.
func OutcomeAttributes(environment, strategy, outcome, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
		AttrOutcome.String(outcome),
	}
	if code != "" {
		attrs = append(attrs, AttrErrorCode.String(code))
	}
	return attrs
}
