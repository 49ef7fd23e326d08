package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tickproxy/config"
	"tickproxy/logger"
)

// Stages of the tick path a metric can be attributed to.
const (
	StageAdapter = "adapter"
	StageBus     = "bus"
	StageCore    = "core"
	StageSession = "session"
)

// Metric is one structured metric event. The broker, topic and stage
// fields are lifted out of Fields so consumers can index by them.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Broker    string        `json:"broker,omitempty"`
	Topic     string        `json:"topic,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// Filter selects metrics; empty fields match everything. Broker and stage
// compare case-insensitively, topic exactly.
type Filter struct {
	Broker string
	Topic  string
	Stage  string
}

func (f Filter) Match(m Metric) bool {
	if f.Broker != "" && !strings.EqualFold(f.Broker, m.Broker) {
		return false
	}
	if f.Stage != "" && !strings.EqualFold(f.Stage, m.Stage) {
		return false
	}
	return f.Topic == "" || f.Topic == m.Topic
}

// MetricHandler consumes metric events. Handlers run on the emitting
// goroutine and must not block.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler.
type MetricHandlerID uint64

type registration struct {
	id      MetricHandlerID
	handler MetricHandler
}

var (
	reportEnabled atomic.Bool

	// handlers is replaced wholesale on every change so dispatch never locks.
	handlers      atomic.Pointer[[]registration]
	handlersMu    sync.Mutex
	lastHandlerID MetricHandlerID
)

func init() {
	reportEnabled.Store(true)
}

// Configure toggles structured metric events. Prometheus collectors are
// always updated.
func Configure(cfg config.MetricsConfig) {
	reportEnabled.Store(cfg.Report)
}

// RegisterMetricHandler adds handler and returns its id, or 0 for a nil
// handler.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()

	lastHandlerID++
	current := loadHandlers()
	next := make([]registration, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, registration{id: lastHandlerID, handler: handler})
	handlers.Store(&next)
	return lastHandlerID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()

	current := loadHandlers()
	next := make([]registration, 0, len(current))
	for _, r := range current {
		if r.id != id {
			next = append(next, r)
		}
	}
	handlers.Store(&next)
}

func loadHandlers() []registration {
	if p := handlers.Load(); p != nil {
		return *p
	}
	return nil
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" || !reportEnabled.Load() {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	metric := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		s, _ := v.(string)
		switch k {
		case "broker":
			metric.Broker = strings.ToUpper(s)
		case "topic":
			metric.Topic = s
		case "stage":
			metric.Stage = s
		default:
			metric.Fields[k] = v
		}
	}

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": metricType,
		"value":       value,
	})
	if metric.Broker != "" {
		entry = entry.WithField("broker", metric.Broker)
	}
	if metric.Topic != "" {
		entry = entry.WithField("topic", metric.Topic)
	}
	if metric.Stage != "" {
		entry = entry.WithField("stage", metric.Stage)
	}
	entry.WithFields(metric.Fields).Debug("metric")

	for _, r := range loadHandlers() {
		r.handler(metric)
	}
	return metric, true
}
