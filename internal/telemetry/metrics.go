package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricResolutions   = "runtime.config.resolutions"
	MetricFetchDuration = "runtime.config.fetch.duration"
	MetricStrategyLoads = "runtime.strategy.loads"
	MetricInitDuration  = "runtime.instance.init.duration"
	MetricInstances     = "runtime.instances"
	MetricActive        = "runtime.instances.active"
	MetricResizes       = "runtime.resize.notifications"
)

// RuntimeMetrics groups the instruments recorded by the runtime. A nil *RuntimeMetrics is valid
// and records nothing.
type RuntimeMetrics struct {
	resolutions   metric.Int64Counter
	fetchDuration metric.Float64Histogram
	strategyLoads metric.Int64Counter
	initDuration  metric.Float64Histogram
	instances     metric.Int64Counter
	active        metric.Int64UpDownCounter
	resizes       metric.Int64Counter
}

// NewRuntimeMetrics registers the runtime instruments on the provider's meter, or on the global
// meter provider when p is nil.
func NewRuntimeMetrics(p *Provider) *RuntimeMetrics {
	var meter metric.Meter
	if p != nil {
		meter = p.Meter("strategy-runtime")
	} else {
		meter = otel.Meter("strategy-runtime")
	}
	m := new(RuntimeMetrics)
	m.resolutions, _ = meter.Int64Counter(MetricResolutions,
		metric.WithDescription("Interaction spec resolutions by source"),
		metric.WithUnit("{resolution}"))
	m.fetchDuration, _ = meter.Float64Histogram(MetricFetchDuration,
		metric.WithDescription("Fetch-by-reference duration"),
		metric.WithUnit("ms"))
	m.strategyLoads, _ = meter.Int64Counter(MetricStrategyLoads,
		metric.WithDescription("Strategy module loads by result"),
		metric.WithUnit("{load}"))
	m.initDuration, _ = meter.Float64Histogram(MetricInitDuration,
		metric.WithDescription("Instance initialization duration"),
		metric.WithUnit("ms"))
	m.instances, _ = meter.Int64Counter(MetricInstances,
		metric.WithDescription("Instances by initialization outcome"),
		metric.WithUnit("{instance}"))
	m.active, _ = meter.Int64UpDownCounter(MetricActive,
		metric.WithDescription("Instances not yet disposed"),
		metric.WithUnit("{instance}"))
	m.resizes, _ = meter.Int64Counter(MetricResizes,
		metric.WithDescription("Resize notifications by channel and result"),
		metric.WithUnit("{notification}"))
	return m
}

// RecordResolution counts one resolution attempt against a source.
func (m *RuntimeMetrics) RecordResolution(source, result string) {
	if m == nil || m.resolutions == nil {
		return
	}
	m.resolutions.Add(context.Background(), 1,
		metric.WithAttributes(ResolutionAttributes(Environment(), source, result)...))
}

// RecordFetch records a fetch-by-reference duration.
func (m *RuntimeMetrics) RecordFetch(elapsed time.Duration, result string) {
	if m == nil || m.fetchDuration == nil {
		return
	}
	m.fetchDuration.Record(context.Background(), durationMillis(elapsed),
		metric.WithAttributes(AttrEnvironment.String(Environment()), AttrResult.String(result)))
}

// RecordStrategyLoad counts a registry lookup.
func (m *RuntimeMetrics) RecordStrategyLoad(strategy, result string) {
	if m == nil || m.strategyLoads == nil {
		return
	}
	m.strategyLoads.Add(context.Background(), 1,
		metric.WithAttributes(StrategyAttributes(Environment(), strategy, result)...))
}

// RecordInitialization records an instance initialization outcome and its duration.
func (m *RuntimeMetrics) RecordInitialization(strategy, outcome, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(OutcomeAttributes(Environment(), strategy, outcome, code)...)
	if m.instances != nil {
		m.instances.Add(context.Background(), 1, attrs)
	}
	if m.initDuration != nil {
		m.initDuration.Record(context.Background(), durationMillis(elapsed), attrs)
	}
}

// InstanceOpened increments the active instance gauge.
func (m *RuntimeMetrics) InstanceOpened() {
	m.addActive(1)
}

// InstanceClosed decrements the active instance gauge.
func (m *RuntimeMetrics) InstanceClosed() {
	m.addActive(-1)
}

func (m *RuntimeMetrics) addActive(delta int64) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(context.Background(), delta,
		metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// RecordResize counts one resize channel attempt.
func (m *RuntimeMetrics) RecordResize(channel, result string) {
	if m == nil || m.resizes == nil {
		return
	}
	m.resizes.Add(context.Background(), 1,
		metric.WithAttributes(ChannelAttributes(Environment(), channel, result)...))
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
