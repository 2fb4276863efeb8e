package space

import (
	"context"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/relaygrid/space/message"
)

// aclModel is a plain allow-list: (sender, agent, action) triples. It backs
// Gate, an alternative to writing a bespoke RequestPermission closure per
// agent for the requires-confirmation access policy of spec.md §4.5.
const aclModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Gate is a casbin-backed access-policy store: an operator declares which
// senders may invoke which actions on which agents, independent of any Go
// code in the agent itself. It only ever answers allow/deny; it does not
// replace the per-action AccessPolicy declared at registration (permitted/
// denied actions never consult it), only the requires-confirmation path.
type Gate struct {
	enforcer *casbin.Enforcer
}

// NewGate builds an empty Gate. Use Allow/Revoke to populate it before
// wiring RequestPermission into an agent.Config.
func NewGate() (*Gate, error) {
	m, err := model.NewModelFromString(aclModel)
	if err != nil {
		return nil, fmt.Errorf("space: build access model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("space: build enforcer: %w", err)
	}
	return &Gate{enforcer: e}, nil
}

// Allow declares that sender may invoke action on the agent identified by
// agentID. The model's matcher compares all three fields for equality, so
// every rule is an exact-match triple; "*" has no wildcard meaning here.
func (g *Gate) Allow(sender, agentID, action string) error {
	_, err := g.enforcer.AddPolicy(sender, agentID, action)
	if err != nil {
		return fmt.Errorf("space: add access policy: %w", err)
	}
	return nil
}

// Revoke removes a previously declared allowance. It is not an error to
// revoke a rule that was never added.
func (g *Gate) Revoke(sender, agentID, action string) error {
	_, err := g.enforcer.RemovePolicy(sender, agentID, action)
	if err != nil {
		return fmt.Errorf("space: revoke access policy: %w", err)
	}
	return nil
}

// Allowed reports whether sender may invoke action on agentID, per the
// currently declared policies.
func (g *Gate) Allowed(sender, agentID, action string) bool {
	ok, err := g.enforcer.Enforce(sender, agentID, action)
	return err == nil && ok
}

// RequestPermission adapts the gate into an agent.Config.RequestPermission
// callback scoped to agentID, for requires-confirmation actions: spec.md
// §4.5's "invoke the agent's request_permission(msg) callback".
func (g *Gate) RequestPermission(agentID string) func(ctx context.Context, proposed *message.Message) bool {
	return func(_ context.Context, proposed *message.Message) bool {
		return g.Allowed(proposed.From, agentID, proposed.Action.Name)
	}
}
