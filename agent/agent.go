// Package agent implements the per-agent inbox loop, lifecycle callbacks,
// and reply helpers of an addressable participant in a space: spec.md §4.3.
// Config declares an agent's identity, registry, and optional lifecycle
// callbacks as plain function fields — no base type to subclass, matching
// the teacher's original Config-then-Runtime split.
package agent

import (
	"context"

	"github.com/relaygrid/space/message"
	"github.com/relaygrid/space/registry"
)

// Status is an agent runtime's position in its new -> running -> stopping
// -> stopped lifecycle.
type Status string

const (
	StatusNew      Status = "new"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

const defaultInboxSize = 256

// Config declares an agent before it is added to a space. Registry holds
// its actions; the callback fields are all optional (nil means "do
// nothing" for hooks, or "deny" for RequestPermission).
type Config struct {
	// ID must be unique within a space. "*" and any id starting with
	// "amq." (reserved for internal queue names) are rejected by
	// Space.Add.
	ID string

	// ReceiveOwnBroadcasts controls whether a broadcast sent by this
	// agent is delivered back to it.
	ReceiveOwnBroadcasts bool

	// Registry holds this agent's actions. A nil Registry is replaced
	// with an empty one. A "help" action is registered into it
	// automatically if not already present.
	Registry *registry.Registry

	// InboxSize bounds the agent's inbox queue depth. Zero uses a
	// sensible default.
	InboxSize int

	// BeforeAction runs before every handler invocation. A returned error
	// aborts the invocation with a callback-error reply and skips the
	// handler and AfterAction.
	BeforeAction func(ctx context.Context, msg *message.Message) error

	// AfterAction runs after every handler invocation, whether or not it
	// errored, and before the auto-reply is sent. Calling RespondWith or
	// RaiseWith here suppresses the auto-reply of the handler's return
	// value; a handler error is still replied to.
	AfterAction func(ctx context.Context, msg *message.Message, value any, err error)

	// AfterAdd runs once, after the agent joins a space but before it
	// begins processing its inbox. Send is safe to call here; Request is
	// not — the agent cannot yet observe its own replies.
	AfterAdd func(ctx context.Context) error

	// BeforeRemove runs once, when the agent is being removed, before its
	// inbox is drained and pending requests are cancelled.
	BeforeRemove func(ctx context.Context) error

	// RequestPermission backs requires-confirmation actions. A nil
	// callback causes such actions to be denied.
	RequestPermission func(ctx context.Context, proposed *message.Message) bool

	// HandleActionValue receives a [response] that has no matching
	// pending Request waiter — i.e. one produced by a fire-and-forget
	// Send rather than a Request.
	HandleActionValue func(ctx context.Context, value any, orig *message.Message)

	// HandleActionError receives an [error] that has no matching pending
	// Request waiter.
	HandleActionError func(ctx context.Context, err error, orig *message.Message)
}

func (c Config) inboxSize() int {
	if c.InboxSize > 0 {
		return c.InboxSize
	}
	return defaultInboxSize
}
