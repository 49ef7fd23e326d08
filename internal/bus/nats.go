package bus

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"tickproxy/internal/metrics"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

// ConnectNATS dials a local nats-server for the NATS bus backend. Core NATS
// only: no JetStream, so the bus stays best-effort.
func ConnectNATS(url string, log *logger.Log) (*nats.Conn, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	entry := log.WithComponent("bus_nats").WithField("url", url)

	nc, err := nats.Connect(url,
		nats.Name("tickproxy"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				entry.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			entry.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	entry.Info("connected to nats")
	return nc, nil
}

// Subject maps a topic onto a NATS subject below prefix. Characters with
// special meaning to NATS are replaced; the envelope still carries the exact
// topic.
func Subject(prefix string, topic model.Topic) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '-'
		}
		return r
	}, topic.String())
	return prefix + "." + token
}

// NATSPublisher publishes ticks on NATS subjects.
type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	log     *logger.Entry
	dropped atomic.Int64
}

func NewNATSPublisher(nc *nats.Conn, prefix string, log *logger.Log) *NATSPublisher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log.WithComponent("bus_nats")}
}

// Publish is fire-and-forget; nats buffers internally and errors count as drops.
func (p *NATSPublisher) Publish(tick model.Tick) {
	data, err := Encode(tick)
	if err == nil {
		err = p.nc.Publish(Subject(p.prefix, tick.Topic), data)
	}
	if err != nil {
		p.dropped.Add(1)
		metrics.ObserveDrop(metrics.DropStageBusClient)
		p.log.WithError(err).Debug("nats publish failed")
	}
}

// NATSBridge forwards every tick under prefix into a local publisher,
// normally the Hub the proxy subscribes to.
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	pub    Publisher
	log    *logger.Entry
	sub    *nats.Subscription
}

func NewNATSBridge(nc *nats.Conn, prefix string, pub Publisher, log *logger.Log) *NATSBridge {
	if log == nil {
		log = logger.GetLogger()
	}
	return &NATSBridge{nc: nc, prefix: prefix, pub: pub, log: log.WithComponent("bus_nats_bridge")}
}

func (b *NATSBridge) Start() error {
	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		tick, err := Decode(msg.Data)
		if err != nil {
			b.log.WithError(err).WithField("subject", msg.Subject).Warn("skipping malformed nats frame")
			return
		}
		b.pub.Publish(tick)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	b.sub = sub
	b.log.WithField("subject", b.prefix+".>").Info("nats bridge started")
	return nil
}

func (b *NATSBridge) Stop() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
