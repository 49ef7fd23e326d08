package protocol

import (
	"encoding/json"

	"tickproxy/internal/model"
)

type AuthResult struct {
	Type    Type   `json:"type"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	User    string `json:"user,omitempty"`
}

// TopicResult answers subscribe and unsubscribe, one frame per topic.
type TopicResult struct {
	Type    Type     `json:"type"`
	Topic   TopicRef `json:"topic"`
	Status  Status   `json:"status"`
	Message string   `json:"message,omitempty"`
}

type MarketData struct {
	Type  Type          `json:"type"`
	Topic TopicRef      `json:"topic"`
	Data  model.Payload `json:"data"`
}

type ErrorFrame struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type Pong struct {
	Type Type `json:"type"`
}

func AuthSuccess(user string) AuthResult {
	return AuthResult{Type: TypeAuthResult, Status: StatusSuccess, User: user}
}

func AuthFailure(err error) AuthResult {
	return AuthResult{Type: TypeAuthResult, Status: StatusError, Message: err.Error()}
}

// NewTopicResult reports success when err is nil.
func NewTopicResult(t Type, ref TopicRef, err error) TopicResult {
	r := TopicResult{Type: t, Topic: ref, Status: StatusSuccess}
	if err != nil {
		r.Status = StatusError
		r.Message = err.Error()
	}
	return r
}

func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

// NewMarketData shapes the payload to the tick's mode.
func NewMarketData(tick model.Tick) MarketData {
	return MarketData{
		Type:  TypeMarketData,
		Topic: RefOf(tick.Topic),
		Data:  tick.Data.Shape(tick.Topic.Mode),
	}
}

// Encode serialises a server frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
