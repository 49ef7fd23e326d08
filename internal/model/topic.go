package model

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects the shape of the data carried for a topic.
type Mode string

const (
	ModeLTP   Mode = "LTP"
	ModeQuote Mode = "QUOTE"
	ModeDepth Mode = "DEPTH"
)

// ErrInvalidTopic is returned for topics that cannot be encoded or parsed.
var ErrInvalidTopic = errors.New("invalid topic")

const topicSeparator = "_"

// ParseMode accepts LTP, QUOTE and DEPTH in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeLTP:
		return ModeLTP, nil
	case ModeQuote:
		return ModeQuote, nil
	case ModeDepth:
		return ModeDepth, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidTopic, s)
	}
}

// Topic identifies one (broker, exchange, symbol, mode) stream. It is a
// comparable value and is used directly as a map key.
type Topic struct {
	Broker   string
	Exchange string
	Symbol   string
	Mode     Mode
}

// NewTopic normalises case on broker, exchange and mode. The symbol is kept
// as given apart from surrounding whitespace.
func NewTopic(broker, exchange, symbol string, mode Mode) Topic {
	return Topic{
		Broker:   strings.ToUpper(strings.TrimSpace(broker)),
		Exchange: strings.ToUpper(strings.TrimSpace(exchange)),
		Symbol:   strings.TrimSpace(symbol),
		Mode:     Mode(strings.ToUpper(string(mode))),
	}
}

// Validate rejects topics with empty fields, separators in broker or
// exchange, or an unknown mode.
func (t Topic) Validate() error {
	if t.Broker == "" || t.Exchange == "" || t.Symbol == "" {
		return fmt.Errorf("%w: broker, exchange and symbol are required", ErrInvalidTopic)
	}
	if strings.Contains(t.Broker, topicSeparator) || strings.Contains(t.Exchange, topicSeparator) {
		return fmt.Errorf("%w: broker and exchange must not contain %q", ErrInvalidTopic, topicSeparator)
	}
	if _, err := ParseMode(string(t.Mode)); err != nil {
		return err
	}
	return nil
}

// String encodes the topic as BROKER_EXCHANGE_SYMBOL_MODE.
func (t Topic) String() string {
	return strings.Join([]string{t.Broker, t.Exchange, t.Symbol, string(t.Mode)}, topicSeparator)
}

// ParseTopic decodes BROKER_EXCHANGE_SYMBOL_MODE. Broker and exchange are the
// first two fields, mode the last one, and the symbol is everything between,
// so symbols containing underscores survive the round trip.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, topicSeparator)
	if len(parts) < 4 {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	mode, err := ParseMode(parts[len(parts)-1])
	if err != nil {
		return Topic{}, err
	}
	t := Topic{
		Broker:   parts[0],
		Exchange: parts[1],
		Symbol:   strings.Join(parts[2:len(parts)-1], topicSeparator),
		Mode:     mode,
	}
	if err := t.Validate(); err != nil {
		return Topic{}, err
	}
	return t, nil
}
