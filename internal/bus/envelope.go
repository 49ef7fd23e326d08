package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"tickproxy/internal/model"
)

// Envelope is the wire form of a tick on the bus endpoint and on NATS.
type Envelope struct {
	Topic string        `json:"topic"`
	Data  model.Payload `json:"data"`
	TS    int64         `json:"ts"`
}

// Encode serialises tick as a single JSON line without the trailing newline.
func Encode(tick model.Tick) ([]byte, error) {
	env := Envelope{
		Topic: tick.Topic.String(),
		Data:  tick.Data,
		TS:    tick.ReceivedAt.UnixNano(),
	}
	return json.Marshal(env)
}

// Decode parses an envelope and its BROKER_EXCHANGE_SYMBOL_MODE topic.
func Decode(data []byte) (model.Tick, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Tick{}, fmt.Errorf("decode envelope: %w", err)
	}
	topic, err := model.ParseTopic(env.Topic)
	if err != nil {
		return model.Tick{}, fmt.Errorf("decode envelope: %w", err)
	}
	received := time.Now()
	if env.TS > 0 {
		received = time.Unix(0, env.TS)
	}
	return model.Tick{Topic: topic, Data: env.Data, ReceivedAt: received}, nil
}
