package core

import (
	"context"
	"errors"
	"time"

	"swarm/openai"
	"swarm/protocol"
)

var (
	// ErrNoAvailableNode is returned when no online node serves the model.
	ErrNoAvailableNode = errors.New("no available node")
	// ErrNodeNotFound is returned for operations on an unregistered node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrDuplicateKey means a session key is already live. Keys are random
	// uuids, so this indicates a bug rather than a recoverable condition.
	ErrDuplicateKey = errors.New("duplicate session key")
)

// InferenceRequest is an admitted chat completion request.
type InferenceRequest struct {
	Key      string
	Model    string
	Messages []openai.Message
	// Input is the trimmed content of the last message, kept for logs.
	Input string

	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	Stop             []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Stream           bool

	APIKey   string
	ClientIP string
	Created  time.Time
}

// AddTask builds the assignment message sent to the selected node.
func (r *InferenceRequest) AddTask() protocol.AddTaskMessage {
	return protocol.AddTaskMessage{
		Key:              r.Key,
		Model:            r.Model,
		Messages:         r.Messages,
		MaxTokens:        r.MaxTokens,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		Stop:             r.Stop,
		PresencePenalty:  r.PresencePenalty,
		FrequencyPenalty: r.FrequencyPenalty,
		Stream:           r.Stream,
	}
}

// Link is the router's sending half of a worker connection.
type Link interface {
	Send(msg protocol.Message) error
}

// Router selects the node a request is dispatched to. When req.Model is
// empty the implementation binds it to the selected node's model.
type Router interface {
	Select(ctx context.Context, nodes []NodeView, req *InferenceRequest) (NodeView, error)
}

// RateLimiter authorizes API keys and records their consumption.
type RateLimiter interface {
	Allow(ctx context.Context, apiKey string) (bool, error)
	Consume(ctx context.Context, apiKey string, actualTokens int) error
}
