package telemetry

import "go.opentelemetry.io/otel/metric"

// Metric names
const (
	MetricTicksTotal           = "hybrid_trader_ticks_total"
	MetricTickLatencySeconds   = "hybrid_trader_tick_latency_seconds"
	MetricOrdersPlacedTotal    = "hybrid_trader_orders_placed_total"
	MetricOrdersFailedTotal    = "hybrid_trader_orders_failed_total"
	MetricFillsTotal           = "hybrid_trader_fills_total"
	MetricStopsTriggeredTotal  = "hybrid_trader_stops_triggered_total"
	MetricModeTransitionsTotal = "hybrid_trader_mode_transitions_total"
	MetricRiskVetoesTotal      = "hybrid_trader_risk_vetoes_total"
	MetricEmergencyStopsTotal  = "hybrid_trader_emergency_stops_total"
)

// Metrics holds the initialized instruments. It is created once at startup
// and injected into the components that record.
type Metrics struct {
	TicksTotal           metric.Int64Counter
	TickLatency          metric.Float64Histogram
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFailedTotal    metric.Int64Counter
	FillsTotal           metric.Int64Counter
	StopsTriggeredTotal  metric.Int64Counter
	ModeTransitionsTotal metric.Int64Counter
	RiskVetoesTotal      metric.Int64Counter
	EmergencyStopsTotal  metric.Int64Counter
}

// NewMetrics initializes instruments using the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TicksTotal, err = meter.Int64Counter(MetricTicksTotal,
		metric.WithDescription("Total orchestrator and bot ticks")); err != nil {
		return nil, err
	}
	if m.TickLatency, err = meter.Float64Histogram(MetricTickLatencySeconds,
		metric.WithDescription("Tick processing latency in seconds")); err != nil {
		return nil, err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders placed")); err != nil {
		return nil, err
	}
	if m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal,
		metric.WithDescription("Total order placements that failed")); err != nil {
		return nil, err
	}
	if m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal,
		metric.WithDescription("Total detected fills, partial fills included")); err != nil {
		return nil, err
	}
	if m.StopsTriggeredTotal, err = meter.Int64Counter(MetricStopsTriggeredTotal,
		metric.WithDescription("Total stop-loss triggers")); err != nil {
		return nil, err
	}
	if m.ModeTransitionsTotal, err = meter.Int64Counter(MetricModeTransitionsTotal,
		metric.WithDescription("Total accepted mode transitions")); err != nil {
		return nil, err
	}
	if m.RiskVetoesTotal, err = meter.Int64Counter(MetricRiskVetoesTotal,
		metric.WithDescription("Total orders vetoed by the risk gate")); err != nil {
		return nil, err
	}
	if m.EmergencyStopsTotal, err = meter.Int64Counter(MetricEmergencyStopsTotal,
		metric.WithDescription("Total emergency stops")); err != nil {
		return nil, err
	}

	return m, nil
}
