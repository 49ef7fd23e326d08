package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tickproxy/internal/metrics"
)

const defaultHistory = 200

// totalKey groups counter metrics for the running totals view.
type totalKey struct {
	Broker string `json:"broker,omitempty"`
	Stage  string `json:"stage,omitempty"`
	Name   string `json:"name"`
}

type metricTotal struct {
	totalKey
	Value float64 `json:"value"`
}

// metricStore keeps the latest metric events for /api/metrics and the
// running sum of every numeric counter per broker, stage and name. Totals
// outlive the bounded history.
type metricStore struct {
	mu     sync.RWMutex
	recent []metrics.Metric
	limit  int
	totals map[totalKey]float64
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &metricStore{limit: limit, totals: make(map[totalKey]float64)}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = appendBounded(s.recent, m, s.limit)
	if m.Type != "counter" {
		return
	}
	if v, ok := number(m.Value); ok {
		s.totals[totalKey{Broker: m.Broker, Stage: m.Stage, Name: m.Name}] += v
	}
}

// query returns the retained metrics matching f, oldest first.
func (s *metricStore) query(f metrics.Filter) []metrics.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metrics.Metric, 0, len(s.recent))
	for _, m := range s.recent {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	return out
}

// sums returns the counter totals matching f's broker and stage, sorted by
// broker, stage and name. Totals are not kept per topic.
func (s *metricStore) sums(f metrics.Filter) []metricTotal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metricTotal, 0, len(s.totals))
	for k, v := range s.totals {
		if f.Broker != "" && !strings.EqualFold(f.Broker, k.Broker) {
			continue
		}
		if f.Stage != "" && !strings.EqualFold(f.Stage, k.Stage) {
			continue
		}
		out = append(out, metricTotal{totalKey: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].totalKey, out[j].totalKey
		if a.Broker != b.Broker {
			return a.Broker < b.Broker
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return a.Name < b.Name
	})
	return out
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func appendBounded[T any](items []T, item T, limit int) []T {
	items = append(items, item)
	if len(items) > limit {
		items = append([]T(nil), items[len(items)-limit:]...)
	}
	return items
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Broker    string                 `json:"broker,omitempty"`
	Session   string                 `json:"session,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`

	level logrus.Level
}

// logFilter narrows /api/logs. Level is the least severe level returned.
type logFilter struct {
	Level     logrus.Level
	Component string
	Broker    string
}

func (f logFilter) match(r logRecord) bool {
	if r.level > f.Level {
		return false
	}
	if f.Component != "" && f.Component != r.Component {
		return false
	}
	return f.Broker == "" || strings.EqualFold(f.Broker, r.Broker)
}

// logStore is a logrus hook keeping the latest records of the process
// logger. Component, broker and session become top-level record fields.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = defaultHistory
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		level:     entry.Level,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component = fmt.Sprint(v)
		case "broker":
			record.Broker = fmt.Sprint(v)
		case "session":
			record.Session = fmt.Sprint(v)
		default:
			if record.Fields == nil {
				record.Fields = make(map[string]interface{}, len(entry.Data))
			}
			record.Fields[k] = plain(v)
		}
	}

	s.mu.Lock()
	s.items = appendBounded(s.items, record, s.limit)
	s.mu.Unlock()
	return nil
}

// plain turns values JSON would render badly into strings.
func plain(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}
	return v
}

func (s *logStore) query(f logFilter) []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]logRecord, 0, len(s.items))
	for _, r := range s.items {
		if f.match(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
