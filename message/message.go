// Package message defines the wire-level message schema shared by every
// transport: the canonical envelope, validation, and send-time stamping.
package message

import (
	"github.com/google/uuid"
)

// Broadcast is the reserved "to" value meaning "every agent in the space".
const Broadcast = "*"

// Reserved meta keys, auto-populated by the space at send time.
const (
	MetaID       = "id"
	MetaParentID = "parent_id"
)

// Reserved action names carrying a correlated reply.
const (
	ActionResponse = "[response]"
	ActionError    = "[error]"
)

// Action is a named operation invocation: a handler name plus its
// arguments. Args is intentionally untyped — the core dispatches by name
// and leaves argument interpretation to the recipient's handler.
type Action struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is the single value that flows between agents. Meta is a
// free-form map; only "id" and "parent_id" are reserved and interpreted by
// the core. From is stamped by the space at send time and cannot be set by
// the caller. To may be a specific agent id or Broadcast ("*"). The json
// tags fix the canonical wire envelope of spec.md §6, serialized as-is by
// the AMQP transport.
type Message struct {
	Meta   map[string]any `json:"meta,omitempty"`
	From   string         `json:"from"`
	To     string         `json:"to"`
	Action Action         `json:"action"`
}

// Partial is what a caller builds before calling Send: To and Action are
// required; Meta may carry caller-supplied keys (including an explicit
// "parent_id" for correlation) that survive stamping unchanged. From, and
// Meta["id"], are filled in by the space and may not be set here.
type Partial struct {
	Meta   map[string]any
	To     string
	Action Action
}

// ID returns the message's meta.id, or "" if unset/not a string.
func (m *Message) ID() string {
	return metaString(m.Meta, MetaID)
}

// ParentID returns the message's meta.parent_id, or "" if unset.
func (m *Message) ParentID() string {
	return metaString(m.Meta, MetaParentID)
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, ok := meta[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// NewID returns a globally unique opaque string suitable for meta.id.
func NewID() string {
	return uuid.NewString()
}

// Stamp fills From and Meta.id on a partial message, returning the
// resulting Message. Caller-supplied Meta keys (including an explicit
// parent_id) are preserved. If id is non-empty it is used verbatim instead
// of generating a fresh one — used by Request, which must know the
// correlation id before the message is registered as a pending wait.
func Stamp(p Partial, from string, id string) *Message {
	meta := make(map[string]any, len(p.Meta)+1)
	for k, v := range p.Meta {
		meta[k] = v
	}
	if id == "" {
		id = NewID()
	}
	meta[MetaID] = id

	args := p.Action.Args
	if args == nil {
		args = map[string]any{}
	}

	return &Message{
		Meta: meta,
		From: from,
		To:   p.To,
		Action: Action{
			Name: p.Action.Name,
			Args: args,
		},
	}
}

// IsReply reports whether the action name is a reserved [response]/[error]
// reply action. Reply actions never trigger auto-replies or no-such-action
// errors; they are routed to the pending-request table instead.
func IsReply(name string) bool {
	return name == ActionResponse || name == ActionError
}
