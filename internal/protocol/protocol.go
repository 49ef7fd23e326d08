// Package protocol defines the client wire protocol. Client commands are a
// closed set of message types validated here, before the proxy acts on any
// of them:
//
//	{"type":"auth","credential":"..."}
//	{"type":"subscribe","topics":[{"symbol":"INFY","exchange":"NSE","mode":"LTP"}]}
//	{"type":"unsubscribe","topics":[...]}
//	{"type":"ping"}
//
// Server frames are built with the New* helpers and serialised with Encode.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tickproxy/internal/model"
)

// Type is the "type" discriminator carried by every frame.
type Type string

const (
	TypeAuth        Type = "auth"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypePing        Type = "ping"

	TypeAuthResult        Type = "auth_result"
	TypeSubscribeResult   Type = "subscribe_result"
	TypeUnsubscribeResult Type = "unsubscribe_result"
	TypeMarketData        Type = "market_data"
	TypeError             Type = "error"
	TypePong              Type = "pong"
)

// Status of a result frame.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Error codes sent in error frames.
const (
	CodeMalformed        = "malformed_message"
	CodeRateLimited      = "rate_limited"
	CodeNotAuthenticated = "not_authenticated"
	CodeBackpressure     = "backpressure"
)

// ErrMalformed matches every MalformedMessageError.
var ErrMalformed = errors.New("malformed message")

// MalformedMessageError rejects one client message; the session stays open.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

func (e *MalformedMessageError) Is(target error) bool { return target == ErrMalformed }

func malformed(reason string, err error) error {
	return &MalformedMessageError{Reason: reason, Err: err}
}

// Message is one validated client command: Auth, Subscribe, Unsubscribe or
// Ping.
type Message interface {
	Type() Type
}

type Auth struct {
	Credential string
}

type Subscribe struct {
	Topics []TopicRef
}

type Unsubscribe struct {
	Topics []TopicRef
}

type Ping struct{}

func (Auth) Type() Type        { return TypeAuth }
func (Subscribe) Type() Type   { return TypeSubscribe }
func (Unsubscribe) Type() Type { return TypeUnsubscribe }
func (Ping) Type() Type        { return TypePing }

// TopicRef is the client's view of a topic; the broker comes from the
// session identity.
type TopicRef struct {
	Symbol   string     `json:"symbol"`
	Exchange string     `json:"exchange"`
	Mode     model.Mode `json:"mode"`
}

// Topic binds the reference to broker.
func (r TopicRef) Topic(broker string) model.Topic {
	return model.NewTopic(broker, r.Exchange, r.Symbol, r.Mode)
}

// RefOf drops the broker from t.
func RefOf(t model.Topic) TopicRef {
	return TopicRef{Symbol: t.Symbol, Exchange: t.Exchange, Mode: t.Mode}
}

func (r TopicRef) String() string {
	return fmt.Sprintf("%s:%s:%s", r.Exchange, r.Symbol, r.Mode)
}

type rawTopic struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Mode     string `json:"mode"`
}

type rawMessage struct {
	Type       string      `json:"type"`
	Credential string      `json:"credential"`
	APIKey     string      `json:"api_key"`
	Topics     *[]rawTopic `json:"topics"`
}

// Parse validates one client frame. Every failure is a
// *MalformedMessageError.
func Parse(data []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("invalid json", err)
	}

	switch Type(strings.ToLower(strings.TrimSpace(raw.Type))) {
	case TypeAuth:
		credential := strings.TrimSpace(raw.Credential)
		if credential == "" {
			credential = strings.TrimSpace(raw.APIKey)
		}
		if credential == "" {
			return nil, malformed("auth requires a credential", nil)
		}
		return Auth{Credential: credential}, nil

	case TypeSubscribe:
		refs, err := parseTopics(raw.Topics)
		if err != nil {
			return nil, err
		}
		return Subscribe{Topics: refs}, nil

	case TypeUnsubscribe:
		refs, err := parseTopics(raw.Topics)
		if err != nil {
			return nil, err
		}
		return Unsubscribe{Topics: refs}, nil

	case TypePing:
		return Ping{}, nil

	case "":
		return nil, malformed("missing type", nil)

	default:
		return nil, malformed(fmt.Sprintf("unknown type %q", raw.Type), nil)
	}
}

func parseTopics(raw *[]rawTopic) ([]TopicRef, error) {
	if raw == nil || len(*raw) == 0 {
		return nil, malformed("topics must be a non-empty list", nil)
	}
	refs := make([]TopicRef, 0, len(*raw))
	seen := make(map[TopicRef]struct{}, len(*raw))
	for i, t := range *raw {
		symbol := strings.TrimSpace(t.Symbol)
		exchange := strings.ToUpper(strings.TrimSpace(t.Exchange))
		if symbol == "" || exchange == "" {
			return nil, malformed(fmt.Sprintf("topic %d: symbol and exchange are required", i), nil)
		}
		if strings.Contains(exchange, "_") {
			return nil, malformed(fmt.Sprintf("topic %d: invalid exchange %q", i, t.Exchange), nil)
		}
		mode, err := model.ParseMode(t.Mode)
		if err != nil {
			return nil, malformed(fmt.Sprintf("topic %d", i), err)
		}
		ref := TopicRef{Symbol: symbol, Exchange: exchange, Mode: mode}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	return refs, nil
}
