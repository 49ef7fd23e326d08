// Package feeds builds the Feed for a configured broker kind.
package feeds

import (
	"fmt"
	"sort"
	"strings"

	"tickproxy/config"
	"tickproxy/internal/adapter"
	"tickproxy/internal/adapter/binance"
	"tickproxy/internal/adapter/bybit"
	"tickproxy/internal/adapter/kucoin"
	"tickproxy/internal/adapter/simulated"
	"tickproxy/internal/adapter/wsfeed"
	"tickproxy/internal/bus"
	"tickproxy/logger"
)

type factory func(cfg config.BrokerConfig, log *logger.Log) (adapter.Feed, error)

var factories = map[string]factory{
	"binance": func(cfg config.BrokerConfig, log *logger.Log) (adapter.Feed, error) {
		return binance.New(cfg, log)
	},
	"bybit": func(cfg config.BrokerConfig, log *logger.Log) (adapter.Feed, error) {
		return bybit.New(cfg, log)
	},
	"kucoin": func(cfg config.BrokerConfig, log *logger.Log) (adapter.Feed, error) {
		return kucoin.New(cfg, log)
	},
	"simulated": func(cfg config.BrokerConfig, log *logger.Log) (adapter.Feed, error) {
		return simulated.New(cfg, log)
	},
	"websocket": func(cfg config.BrokerConfig, log *logger.Log) (adapter.Feed, error) {
		return wsfeed.NewFeed(cfg.Name, cfg.URL, cfg.Options, log)
	},
}

// New returns the feed for cfg.Kind, falling back to the broker name.
func New(cfg config.BrokerConfig, log *logger.Log) (adapter.Feed, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(cfg.Name))
	}
	build, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("broker %s: unknown kind %q (known: %s)", cfg.Name, kind, strings.Join(Kinds(), ", "))
	}
	return build(cfg, log)
}

// Kinds lists the supported broker kinds.
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// NewAdapter wires a feed, its credentials and limits into an Adapter.
func NewAdapter(cfg config.BrokerConfig, reconnect config.ReconnectConfig, pub bus.Publisher, log *logger.Log) (*adapter.Adapter, error) {
	feed, err := New(cfg, log)
	if err != nil {
		return nil, err
	}
	return adapter.New(feed, adapter.Options{
		Broker:      cfg.Name,
		Credentials: adapter.CredentialsFromConfig(cfg),
		Backoff:     adapter.BackoffFromConfig(reconnect),
		QueueSize:   cfg.QueueSize,
		Publisher:   pub,
		Logger:      log,
	}), nil
}
