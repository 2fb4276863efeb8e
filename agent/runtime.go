package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygrid/space/errs"
	"github.com/relaygrid/space/message"
	"github.com/relaygrid/space/registry"
)

// Publisher is the space-side seam a Runtime sends outgoing messages
// through. A Space implements this by handing the message to its
// transport; access policies are checked by the receiving Runtime.
type Publisher interface {
	Publish(ctx context.Context, msg *message.Message) error
}

// ErrRecursiveRequest is returned by Request when an agent tries to
// request() itself; such a call can never complete because the agent's
// single inbox loop is the only thing that could deliver the reply, and
// it is blocked waiting for that same reply.
var ErrRecursiveRequest = errors.New("agent: recursive request on self")

type pendingResult struct {
	value any
	err   error
}

// Runtime is the live instance of a Config, bound to a space by way of a
// Publisher. It owns one inbox, processed by a single goroutine, so
// handlers and the callbacks around them never race each other — there is
// no need for per-agent locking around user code the way the original
// Python implementation needed a context-local "current message". AfterAdd
// runs before that goroutine starts; BeforeRemove runs on the goroutine
// that calls Stop and can overlap a handler that is still running.
type Runtime struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	status Status

	inbox   chan *message.Message
	stopped chan struct{}
	done    chan struct{}

	publisher Publisher

	pendingMu sync.Mutex
	pending   map[string]chan pendingResult

	current *message.Message

	historyMu sync.Mutex
	history   []*message.Message

	responded bool

	warnOnce sync.Once
}

const maxHistory = 256

// NewRuntime builds a Runtime from cfg. A "help" action, introspecting
// cfg.Registry, is registered automatically if the registry does not
// already declare one.
func NewRuntime(cfg Config) *Runtime {
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	r := &Runtime{
		cfg:     cfg,
		log:     slog.Default().With("agent", cfg.ID),
		status:  StatusNew,
		inbox:   make(chan *message.Message, cfg.inboxSize()),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]chan pendingResult),
	}
	if _, ok := cfg.Registry.Get("help"); !ok {
		_ = cfg.Registry.Register(registry.Descriptor{
			Name:        "help",
			Description: "describe this agent's actions, or one named action",
			Args: map[string]registry.ArgSpec{
				"action_name": {Type: "string", Description: "optional action name"},
			},
			Returns: registry.ReturnSpec{Type: "object", Description: "action descriptor(s)"},
			Handler: r.handleHelp,
		})
	}
	return r
}

func (r *Runtime) handleHelp(_ context.Context, args map[string]any) (any, error) {
	if name, ok := args["action_name"].(string); ok && name != "" {
		entry, found := r.cfg.Registry.Help(name)
		if !found {
			return nil, errs.New(errs.NoSuchAction, "no such action %q", name)
		}
		return entry, nil
	}
	return r.cfg.Registry.HelpAll(), nil
}

// ID returns the agent's configured identity.
func (r *Runtime) ID() string { return r.cfg.ID }

// ReceivesOwnBroadcasts reports whether the agent opted into receiving its
// own broadcasts back.
func (r *Runtime) ReceivesOwnBroadcasts() bool { return r.cfg.ReceiveOwnBroadcasts }

// Registry returns the agent's action registry.
func (r *Runtime) Registry() *registry.Registry { return r.cfg.Registry }

// Status returns the runtime's current lifecycle state.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// BindPublisher wires the space-side send path. A Space calls this exactly
// once, before Start.
func (r *Runtime) BindPublisher(p Publisher) { r.publisher = p }

// Start invokes AfterAdd (if configured) and begins the inbox loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status != StatusNew {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: start called in state %s", r.cfg.ID, r.status)
	}
	r.mu.Unlock()

	if r.cfg.AfterAdd != nil {
		if err := safeCall(func() error { return r.cfg.AfterAdd(ctx) }); err != nil {
			r.log.Warn("after_add callback failed", "error", err)
		}
	}

	r.mu.Lock()
	r.status = StatusRunning
	r.mu.Unlock()

	go r.loop(ctx)
	return nil
}

// Stop invokes BeforeRemove, refuses further dispatches, cancels pending
// request waiters with a space-closed error, and waits up to five seconds
// for the current handler (if any) to finish before returning.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.status == StatusStopped || r.status == StatusStopping {
		r.mu.Unlock()
		return nil
	}
	r.status = StatusStopping
	r.mu.Unlock()

	if r.cfg.BeforeRemove != nil {
		if err := safeCall(func() error { return r.cfg.BeforeRemove(ctx) }); err != nil {
			r.log.Warn("before_remove callback failed", "error", err)
		}
	}

	close(r.stopped)
	r.cancelPending(errs.New(errs.SpaceClosed, "space closed while awaiting reply"))

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		r.log.Warn("timed out waiting for inbox loop to drain")
	}

	r.mu.Lock()
	r.status = StatusStopped
	r.mu.Unlock()
	return nil
}

// Deliver enqueues an inbound message. It refuses delivery once the
// runtime has begun stopping.
func (r *Runtime) Deliver(msg *message.Message) {
	select {
	case <-r.stopped:
		return
	default:
	}
	select {
	case r.inbox <- msg:
	case <-r.stopped:
	}
}

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case msg := <-r.inbox:
			r.handle(ctx, msg)
		}
	}
}

// CurrentMessage returns the message currently being handled, or nil
// outside of a handler invocation (including inside AfterAdd, and inside
// BeforeRemove unless a handler is still running).
func (r *Runtime) CurrentMessage() *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// ParentMessage looks up the message that msg.ParentID() refers to, from
// this agent's own bounded send/receive history. It returns nil if the
// parent has aged out of history or was never observed by this agent.
func (r *Runtime) ParentMessage(msg *message.Message) *message.Message {
	parentID := msg.ParentID()
	if parentID == "" {
		return nil
	}
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID() == parentID {
			return r.history[i]
		}
	}
	return nil
}

func (r *Runtime) recordHistory(msg *message.Message) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	r.history = append(r.history, msg)
	if len(r.history) > maxHistory {
		r.history = r.history[len(r.history)-maxHistory:]
	}
}

func (r *Runtime) setCurrent(msg *message.Message) {
	r.mu.Lock()
	r.current = msg
	r.mu.Unlock()
}

func (r *Runtime) clearCurrent() {
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
}

// Send publishes a message on this agent's behalf without waiting for a
// reply. If called while handling another message and the caller has not
// set meta.parent_id explicitly, it is set to that message's id.
func (r *Runtime) Send(ctx context.Context, p message.Partial) (string, error) {
	return r.send(ctx, p, "")
}

func (r *Runtime) send(ctx context.Context, p message.Partial, id string) (string, error) {
	p = r.withAutoParent(p)
	if err := message.Validate(p); err != nil {
		return "", err
	}
	return r.publish(ctx, p, id)
}

// sendReply publishes a runtime-built [response]/[error] reply. Validate
// rejects those reserved names on caller sends, so replies skip it.
func (r *Runtime) sendReply(ctx context.Context, p message.Partial) error {
	_, err := r.publish(ctx, p, "")
	return err
}

func (r *Runtime) publish(ctx context.Context, p message.Partial, id string) (string, error) {
	if r.publisher == nil {
		return "", fmt.Errorf("agent %s: not yet bound to a space", r.cfg.ID)
	}
	msg := message.Stamp(p, r.cfg.ID, id)
	r.recordHistory(msg)
	if err := r.publisher.Publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID(), nil
}

func (r *Runtime) withAutoParent(p message.Partial) message.Partial {
	current := r.CurrentMessage()
	if current == nil {
		return p
	}
	if p.Meta != nil {
		if _, ok := p.Meta[message.MetaParentID]; ok {
			return p
		}
	}
	meta := make(map[string]any, len(p.Meta)+1)
	for k, v := range p.Meta {
		meta[k] = v
	}
	meta[message.MetaParentID] = current.ID()
	p.Meta = meta
	return p
}

// Request publishes a message and blocks until a correlated [response] or
// [error] arrives, the context is cancelled, the space closes, or timeout
// elapses.
func (r *Runtime) Request(ctx context.Context, p message.Partial, timeout time.Duration) (any, error) {
	if p.To == r.cfg.ID {
		return nil, fmt.Errorf("%w: agent %q", ErrRecursiveRequest, r.cfg.ID)
	}

	id := message.NewID()
	wait := make(chan pendingResult, 1)
	r.pendingMu.Lock()
	r.pending[id] = wait
	r.pendingMu.Unlock()

	if _, err := r.send(ctx, p, id); err != nil {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-wait:
		if res.err != nil {
			return nil, res.err
		}
		return res.value, nil
	case <-timer.C:
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, errs.New(errs.Timeout, "request to %s timed out after %s", p.To, timeout)
	case <-ctx.Done():
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-r.stopped:
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, errs.New(errs.SpaceClosed, "space closed while awaiting reply from %s", p.To)
	}
}

func (r *Runtime) cancelPending(reason *errs.ActionError) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		ch <- pendingResult{err: reason}
		delete(r.pending, id)
	}
}

// RespondWith sends a [response] reply correlated to the message currently
// being handled. Calling it marks that invocation as already answered, so
// the dispatch loop does not also auto-reply with the handler's return
// value.
func (r *Runtime) RespondWith(ctx context.Context, value any) error {
	cur := r.CurrentMessage()
	if cur == nil {
		return fmt.Errorf("agent %s: respond_with called outside of a handler", r.cfg.ID)
	}
	r.mu.Lock()
	r.responded = true
	r.mu.Unlock()
	return r.sendReply(ctx, message.Partial{
		To:     cur.From,
		Meta:   map[string]any{message.MetaParentID: cur.ID()},
		Action: message.Action{Name: message.ActionResponse, Args: map[string]any{"value": value}},
	})
}

// RaiseWith sends an [error] reply correlated to the message currently
// being handled, with the same suppress-auto-reply effect as RespondWith.
func (r *Runtime) RaiseWith(ctx context.Context, cause error) error {
	cur := r.CurrentMessage()
	if cur == nil {
		return fmt.Errorf("agent %s: raise_with called outside of a handler", r.cfg.ID)
	}
	ae := errs.Wrap(cause)
	r.mu.Lock()
	r.responded = true
	r.mu.Unlock()
	return r.sendReply(ctx, message.Partial{
		To:   cur.From,
		Meta: map[string]any{message.MetaParentID: cur.ID()},
		Action: message.Action{Name: message.ActionError, Args: map[string]any{
			"type":    string(ae.Kind),
			"message": ae.Message,
		}},
	})
}

func (r *Runtime) handle(ctx context.Context, msg *message.Message) {
	r.recordHistory(msg)

	if message.IsReply(msg.Action.Name) {
		r.routeReply(ctx, msg)
		return
	}

	d, ok := r.cfg.Registry.Get(msg.Action.Name)
	if !ok {
		if msg.To != message.Broadcast {
			r.replyError(ctx, msg, errs.NoSuchAction, fmt.Sprintf("agent %q has no action %q", r.cfg.ID, msg.Action.Name))
		}
		return
	}

	allowed, gateErr := r.checkAccess(ctx, d, msg)
	if gateErr != nil {
		r.replyError(ctx, msg, gateErr.Kind, gateErr.Message)
		return
	}
	if !allowed {
		r.replyError(ctx, msg, errs.AccessDenied, fmt.Sprintf("access denied for action %q", msg.Action.Name))
		return
	}

	r.setCurrent(msg)
	r.mu.Lock()
	r.responded = false
	r.mu.Unlock()

	if r.cfg.BeforeAction != nil {
		if err := safeCall(func() error { return r.cfg.BeforeAction(ctx, msg) }); err != nil {
			r.replyError(ctx, msg, errs.CallbackError, err.Error())
			r.clearCurrent()
			return
		}
	}

	var value any
	var hErr error
	if panicErr := safeCall(func() error {
		var innerErr error
		value, innerErr = d.Handler(ctx, msg.Action.Args)
		return innerErr
	}); panicErr != nil {
		hErr = panicErr
	}

	if r.cfg.AfterAction != nil {
		safeCallVoid(func() { r.cfg.AfterAction(ctx, msg, value, hErr) })
	}

	r.mu.Lock()
	already := r.responded
	r.mu.Unlock()

	switch {
	case hErr != nil:
		ae := errs.Wrap(hErr)
		r.replyError(ctx, msg, ae.Kind, ae.Message)
	case !already:
		r.replyValue(ctx, msg, value)
	}

	r.clearCurrent()
}

func (r *Runtime) checkAccess(ctx context.Context, d registry.Descriptor, msg *message.Message) (bool, *errs.ActionError) {
	switch d.AccessPolicy {
	case registry.Denied:
		return false, nil
	case registry.RequiresConfirmation:
		if r.cfg.RequestPermission == nil {
			return false, nil
		}
		var allowed bool
		err := safeCall(func() error {
			allowed = r.cfg.RequestPermission(ctx, msg)
			return nil
		})
		if err != nil {
			return false, errs.New(errs.CallbackError, err.Error())
		}
		return allowed, nil
	default:
		return true, nil
	}
}

func (r *Runtime) replyValue(ctx context.Context, orig *message.Message, value any) {
	if orig.From == "" {
		return
	}
	err := r.sendReply(ctx, message.Partial{
		To:     orig.From,
		Meta:   map[string]any{message.MetaParentID: orig.ID()},
		Action: message.Action{Name: message.ActionResponse, Args: map[string]any{"value": value}},
	})
	if err != nil {
		r.log.Warn("failed to send auto-reply", "error", err)
	}
}

func (r *Runtime) replyError(ctx context.Context, orig *message.Message, kind errs.Kind, text string) {
	if orig.From == "" {
		return
	}
	err := r.sendReply(ctx, message.Partial{
		To:   orig.From,
		Meta: map[string]any{message.MetaParentID: orig.ID()},
		Action: message.Action{Name: message.ActionError, Args: map[string]any{
			"type":    string(kind),
			"message": text,
		}},
	})
	if err != nil {
		r.log.Warn("failed to send error reply", "error", err)
	}
}

func (r *Runtime) routeReply(ctx context.Context, msg *message.Message) {
	parentID := msg.ParentID()
	if parentID != "" {
		r.pendingMu.Lock()
		ch, ok := r.pending[parentID]
		if ok {
			delete(r.pending, parentID)
		}
		r.pendingMu.Unlock()
		if ok {
			if msg.Action.Name == message.ActionResponse {
				ch <- pendingResult{value: msg.Action.Args["value"]}
			} else {
				ch <- pendingResult{err: actionErrorFromArgs(msg.Action.Args)}
			}
			return
		}
	}

	if msg.Action.Name == message.ActionResponse {
		if r.cfg.HandleActionValue != nil {
			safeCallVoid(func() { r.cfg.HandleActionValue(ctx, msg.Action.Args["value"], msg) })
			return
		}
	} else if r.cfg.HandleActionError != nil {
		safeCallVoid(func() { r.cfg.HandleActionError(ctx, actionErrorFromArgs(msg.Action.Args), msg) })
		return
	}

	r.warnOnce.Do(func() {
		r.log.Warn("unhandled reply with no pending waiter and no handler configured",
			"action", msg.Action.Name, "from", msg.From)
	})
}

func actionErrorFromArgs(args map[string]any) *errs.ActionError {
	kind, _ := args["type"].(string)
	text, _ := args["message"].(string)
	if kind == "" {
		kind = string(errs.HandlerError)
	}
	return &errs.ActionError{Kind: errs.Kind(kind), Message: text}
}

// safeCall runs fn, converting a panic into an error so user callbacks can
// never take down an agent's inbox loop.
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

func safeCallVoid(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Default().Warn("recovered panic in callback", "panic", rec)
		}
	}()
	fn()
}
