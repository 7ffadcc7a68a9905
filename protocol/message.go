// Package protocol defines the messages exchanged between the router and its
// workers and the websocket connection that carries them.
//
// Every frame is a JSON envelope {"type": ..., "data": {...}}. The set of
// types is closed: Decode rejects unknown types and payloads missing required
// fields instead of passing them on.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"swarm/openai"
)

// Type identifies a message variant on the wire.
type Type string

const (
	// worker -> router
	TypeConfig  Type = "config"
	TypeStatus  Type = "status"
	TypeMessage Type = "message"

	// router -> worker
	TypeAddTask    Type = "add_task"
	TypeRemoveTask Type = "remove_task"
)

var (
	// ErrMalformed marks a frame that could not be decoded. The connection is
	// still usable; callers log and skip.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType marks a well-formed envelope with an unsupported type.
	ErrUnknownType = errors.New("unknown message type")
)

// Message is implemented by every payload type.
type Message interface {
	Type() Type
	validate() error
}

// Status is a worker health state.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ModelInfo describes the model a worker serves. Only ID is interpreted.
type ModelInfo struct {
	ID           string `json:"id" yaml:"id" toml:"id"`
	Architecture string `json:"architecture,omitempty" yaml:"architecture" toml:"architecture"`
	Version      string `json:"version,omitempty" yaml:"version" toml:"version"`
}

// GPUInfo is display metadata about the worker's accelerator.
type GPUInfo struct {
	Model string `json:"model,omitempty" yaml:"model" toml:"model"`
	VRAM  int    `json:"vram,omitempty" yaml:"vram" toml:"vram"`
	Count int    `json:"count,omitempty" yaml:"count" toml:"count"`
}

// ConfigMessage announces a worker's capability. May be sent repeatedly.
type ConfigMessage struct {
	Model  ModelInfo `json:"model"`
	GPU    GPUInfo   `json:"gpu"`
	Memory int       `json:"memory"`
}

func (ConfigMessage) Type() Type { return TypeConfig }

func (m ConfigMessage) validate() error {
	if m.Model.ID == "" {
		return errors.New("config: model.id is required")
	}
	return nil
}

// StatusMessage reports worker health.
type StatusMessage struct {
	Status Status `json:"status"`
}

func (StatusMessage) Type() Type { return TypeStatus }

func (m StatusMessage) validate() error {
	switch m.Status {
	case StatusOnline, StatusOffline:
		return nil
	default:
		return fmt.Errorf("status: invalid value %q", m.Status)
	}
}

// OutputMessage relays generated text for one task. Tokens is only set on
// the final message.
type OutputMessage struct {
	Key    string `json:"key"`
	Output string `json:"output"`
	Done   bool   `json:"done"`
	Tokens int    `json:"tokens,omitempty"`
}

func (OutputMessage) Type() Type { return TypeMessage }

func (m OutputMessage) validate() error {
	if m.Key == "" {
		return errors.New("message: key is required")
	}
	return nil
}

// AddTaskMessage assigns a task to a worker.
type AddTaskMessage struct {
	Key              string           `json:"key"`
	Model            string           `json:"model"`
	Messages         []openai.Message `json:"messages"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	Stream           bool             `json:"stream"`
}

func (AddTaskMessage) Type() Type { return TypeAddTask }

func (m AddTaskMessage) validate() error {
	if m.Key == "" {
		return errors.New("add_task: key is required")
	}
	if len(m.Messages) == 0 {
		return errors.New("add_task: messages are required")
	}
	return nil
}

// RemoveTaskMessage cancels a task, or tells a worker the router no longer
// knows the key.
type RemoveTaskMessage struct {
	Key string `json:"key"`
}

func (RemoveTaskMessage) Type() Type { return TypeRemoveTask }

func (m RemoveTaskMessage) validate() error {
	if m.Key == "" {
		return errors.New("remove_task: key is required")
	}
	return nil
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes msg into an envelope.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return json.Marshal(envelope{Type: msg.Type(), Data: data})
}

// Decode parses an envelope and returns the typed payload by value.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	var err error
	switch env.Type {
	case TypeConfig:
		msg, err = decodeAs[ConfigMessage](env.Data)
	case TypeStatus:
		msg, err = decodeAs[StatusMessage](env.Data)
	case TypeMessage:
		msg, err = decodeAs[OutputMessage](env.Data)
	case TypeAddTask:
		msg, err = decodeAs[AddTaskMessage](env.Data)
	case TypeRemoveTask:
		msg, err = decodeAs[RemoveTaskMessage](env.Data)
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func decodeAs[T Message](data json.RawMessage) (Message, error) {
	var v T
	if len(data) == 0 {
		return nil, errors.New("missing data")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
