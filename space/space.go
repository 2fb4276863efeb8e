// Package space implements the Space transport abstraction of spec.md §4.4:
// the container that binds agents to a transport, enforces unique ids, and
// fans messages out per the core's addressing rules. Two Transport
// implementations are provided — Local (in-process, in local.go) and AMQP
// (network, in amqp.go) — with identical observable behavior from an
// agent's point of view.
package space

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/relaygrid/space/agent"
	"github.com/relaygrid/space/message"
)

// reservedAgentPrefix is rejected at Add time: it is the prefix the AMQP
// transport uses internally for its own queue bookkeeping, grounded on
// agency.agent.Agent's rejection of ids starting with "amq.".
const reservedAgentPrefix = "amq."

// Transport is the uniform seam a Space drives: add/remove membership and
// publish a stamped message to its addressees. Local and AMQP each give it
// a different delivery mechanism; a Space is otherwise transport-agnostic.
type Transport interface {
	// Join registers id as a live member, calling deliver for every message
	// subsequently addressed to it (point-to-point, or broadcast when
	// receiveOwn is true or the sender differs). It fails with a
	// descriptive error if id is already joined.
	Join(ctx context.Context, id string, receiveOwn bool, deliver func(*message.Message)) error

	// Leave removes id from membership. Messages still in flight to it may
	// be dropped.
	Leave(ctx context.Context, id string) error

	// Publish delivers a fully stamped message per the addressing rules in
	// spec.md §3: point-to-point to the single named recipient (silently
	// dropped if unknown), or broadcast to every current member.
	Publish(ctx context.Context, msg *message.Message) error

	// Close releases any transport-owned resources (connections, channels).
	Close(ctx context.Context) error
}

// Space is a container owning a set of agents and a transport, per
// spec.md §3. It is the Publisher every agent Runtime it hosts sends
// through, and the sole component a Go program using this module embeds.
type Space struct {
	ID        string
	log       *slog.Logger
	transport Transport
	metrics   *Metrics

	mu       sync.Mutex
	runtimes map[string]*agent.Runtime
}

// Option configures a Space at construction.
type Option func(*Space)

// WithLogger overrides the default slog.Default()-derived logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Space) { s.log = l }
}

// WithMetrics attaches a Metrics recorder; nil (the default) disables
// metrics recording entirely rather than recording into a throwaway
// registry, since most callers construct Metrics once against their own
// prometheus.Registerer.
func WithMetrics(m *Metrics) Option {
	return func(s *Space) { s.metrics = m }
}

// New constructs a Space bound to transport. id names the space, used only
// in logging (the AMQP transport takes its exchange name from
// AMQPOptions.Exchange, not from this id).
func New(id string, transport Transport, opts ...Option) *Space {
	s := &Space{
		ID:        id,
		log:       slog.Default().With("space", id),
		transport: transport,
		runtimes:  make(map[string]*agent.Runtime),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add constructs a Runtime from cfg, joins it to the transport, and starts
// its inbox loop. It is the space.Add of spec.md §4.4: duplicate ids and
// the reserved "*"/"amq."-prefixed ids are rejected before anything is
// started.
func (s *Space) Add(ctx context.Context, cfg agent.Config) (*agent.Runtime, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("space: agent id is required")
	}
	if cfg.ID == message.Broadcast {
		return nil, fmt.Errorf("space: agent id %q is reserved for broadcast", message.Broadcast)
	}
	if strings.HasPrefix(cfg.ID, reservedAgentPrefix) {
		return nil, fmt.Errorf("space: agent id %q uses the reserved prefix %q", cfg.ID, reservedAgentPrefix)
	}

	s.mu.Lock()
	if _, exists := s.runtimes[cfg.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("space: duplicate id %q", cfg.ID)
	}
	rt := agent.NewRuntime(cfg)
	s.runtimes[cfg.ID] = rt
	s.mu.Unlock()

	rt.BindPublisher(s)

	if err := s.transport.Join(ctx, cfg.ID, cfg.ReceiveOwnBroadcasts, rt.Deliver); err != nil {
		s.forget(cfg.ID)
		return nil, fmt.Errorf("space: join transport: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		_ = s.transport.Leave(ctx, cfg.ID)
		s.forget(cfg.ID)
		return nil, fmt.Errorf("space: start agent %s: %w", cfg.ID, err)
	}

	if s.metrics != nil {
		s.metrics.AgentsJoined.Inc()
	}
	s.log.Info("agent added", "id", cfg.ID)
	return rt, nil
}

func (s *Space) forget(id string) {
	s.mu.Lock()
	delete(s.runtimes, id)
	s.mu.Unlock()
}

// Get returns the live Runtime for id, if any.
func (s *Space) Get(id string) (*agent.Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[id]
	return rt, ok
}

// Remove leaves the transport, then stops the agent's runtime (which
// invokes before_remove and cancels pending requests): spec.md §3's agent
// removal sequence.
func (s *Space) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[id]
	if ok {
		delete(s.runtimes, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("space: no such agent %q", id)
	}

	if err := s.transport.Leave(ctx, id); err != nil {
		s.log.Warn("transport leave failed", "id", id, "error", err)
	}
	if err := rt.Stop(ctx); err != nil {
		return fmt.Errorf("space: stop agent %s: %w", id, err)
	}
	if s.metrics != nil {
		s.metrics.AgentsLeft.Inc()
	}
	s.log.Info("agent removed", "id", id)
	return nil
}

// Destroy performs an orderly shutdown of every member and releases the
// transport's resources. Per-agent removal failures (grounded on
// comms/bus.go's multi-handler error collection) do not abort the shutdown
// of the remaining members; they are aggregated and returned alongside any
// transport close error.
func (s *Space) Destroy(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := s.Remove(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.transport.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("space: close transport: %w", err))
	}
	return result.ErrorOrNil()
}

// Publish implements agent.Publisher: every Runtime's Send/Request routes
// through here, so this is the single point where delivery metrics and
// transport-fault logging happen regardless of which agent is sending.
func (s *Space) Publish(ctx context.Context, msg *message.Message) error {
	if s.metrics != nil {
		s.metrics.ObservePublish(msg)
	}
	if err := s.transport.Publish(ctx, msg); err != nil {
		if s.metrics != nil {
			s.metrics.PublishErrors.Inc()
		}
		s.log.Error("transport publish failed", "to", msg.To, "action", msg.Action.Name, "error", err)
		return fmt.Errorf("space: publish to %s: %w", msg.To, err)
	}
	return nil
}
