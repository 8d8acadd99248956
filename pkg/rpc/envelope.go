// Package rpc is the worker message bus: the controller casts envelopes to a
// named exchange over websocket and routes the workers' replies back to
// registered handlers.
package rpc

import "context"

// Envelope is the wire message in both directions. Replies from workers carry
// the request's respond_to name as Method.
type Envelope struct {
	Method    string         `json:"method"`
	RespondTo string         `json:"respond_to,omitempty"`
	Args      map[string]any `json:"args"`
}

// TaskUUID returns args.task_uuid when present.
func (e Envelope) TaskUUID() string {
	s, _ := e.Args["task_uuid"].(string)
	return s
}

// Caster publishes envelopes without waiting for a reply.
type Caster interface {
	Cast(ctx context.Context, exchange string, msg Envelope) error
}

// HandlerFunc processes one inbound envelope.
type HandlerFunc func(ctx context.Context, msg Envelope) error
