package metrics

import "tickproxy/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricSessionFrames records market_data frames a slow client missed.
	DropMetricSessionFrames DropMetric = "session_frames_dropped"
	// DropMetricBusTicks records ticks a full bus subscription missed.
	DropMetricBusTicks DropMetric = "bus_ticks_dropped"
	// DropMetricAdapterCommands records subscribe intents refused by a full
	// adapter command queue.
	DropMetricAdapterCommands DropMetric = "adapter_commands_dropped"
)

// Stage is where on the tick path the drop happened.
func (m DropMetric) Stage() string {
	switch m {
	case DropMetricSessionFrames:
		return StageSession
	case DropMetricBusTicks:
		return StageBus
	case DropMetricAdapterCommands:
		return StageAdapter
	}
	return ""
}

// EmitDropMetric logs and emits a metric for count dropped messages. Optional
// metadata (broker, topic, session) is added when provided so drops can be
// aggregated per broker or client.
func EmitDropMetric(log *logger.Log, metric DropMetric, count int64, broker, topic, session string) {
	if count <= 0 {
		return
	}
	fields := logger.Fields{"stage": metric.Stage()}
	if broker != "" {
		fields["broker"] = broker
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if session != "" {
		fields["session"] = session
	}

	EmitMetric(log, "drops", string(metric), count, "counter", fields)
}
