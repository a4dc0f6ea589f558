package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Meta travels with every client command.
type Meta struct {
	ClientVersion  string `json:"client_version"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Envelope is a client -> server command line.
type Envelope struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
	Meta    Meta            `json:"meta"`
}

// ServerEnvelope is a server -> client line: either a reply (reply_to set)
// or a push (type only).
type ServerEnvelope struct {
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
	TS      json.RawMessage `json:"ts,omitempty"`
}

func (e ServerEnvelope) OK() bool { return e.Status == StatusOK }

// NewEnvelope builds a command with a fresh UUIDv4 idempotency key. The id is
// "c-" plus the first 8 characters of the key. Trade commands also carry the
// key inside data.
func NewEnvelope(command string, data any, clientVersion string) (Envelope, error) {
	return NewEnvelopeWithKey(command, data, clientVersion, uuid.NewString())
}

func NewEnvelopeWithKey(command string, data any, clientVersion, key string) (Envelope, error) {
	if command == "" {
		return Envelope{}, fmt.Errorf("empty command")
	}
	if _, err := uuid.Parse(key); err != nil {
		return Envelope{}, fmt.Errorf("idempotency key: %w", err)
	}
	if clientVersion == "" {
		clientVersion = DefaultClientVersion
	}
	raw, err := encodeData(command, data, key)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s data: %w", command, err)
	}
	return Envelope{
		ID:      "c-" + key[:8],
		Command: command,
		Data:    raw,
		Meta: Meta{
			ClientVersion:  clientVersion,
			IdempotencyKey: key,
		},
	}, nil
}

func encodeData(command string, data any, key string) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !IsTradeCommand(command) {
		return b, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("trade data must be an object: %w", err)
	}
	// TODO: stop copying the key into data if the server settles on meta only.
	k, _ := json.Marshal(key)
	obj["idempotency_key"] = k
	return json.Marshal(obj)
}

// Encode renders the envelope as one newline-terminated line.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func DecodeServer(line []byte) (ServerEnvelope, error) {
	var env ServerEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return ServerEnvelope{}, err
	}
	if env.Status == "" && env.Error != nil {
		env.Status = StatusError
	}
	return env, nil
}
