package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaygrid/space/errs"
	"github.com/relaygrid/space/message"
	"github.com/relaygrid/space/registry"
)

// router is a minimal stand-in for space.Space/space.Local, just enough to
// wire a handful of Runtimes together for these tests without an import
// cycle (space imports agent, not the reverse).
type router struct {
	mu       sync.Mutex
	runtimes map[string]*Runtime
}

func newRouter() *router {
	return &router{runtimes: make(map[string]*Runtime)}
}

func (rt *router) add(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	r := NewRuntime(cfg)
	r.BindPublisher(rt)
	rt.mu.Lock()
	rt.runtimes[cfg.ID] = r
	rt.mu.Unlock()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", cfg.ID, err)
	}
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func (rt *router) Publish(_ context.Context, msg *message.Message) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if msg.To == message.Broadcast {
		for id, r := range rt.runtimes {
			if id == msg.From && !r.ReceivesOwnBroadcasts() {
				continue
			}
			r.Deliver(msg)
		}
		return nil
	}
	if r, ok := rt.runtimes[msg.To]; ok {
		r.Deliver(msg)
	}
	return nil
}

func echoRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(registry.Descriptor{
		Name: "echo",
		Args: map[string]registry.ArgSpec{"value": {Type: "any"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["value"], nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestSendAndRequestRoundTrip(t *testing.T) {
	rt := newRouter()
	rt.add(t, Config{ID: "Echo", Registry: echoRegistry(t)})
	u := rt.add(t, Config{ID: "U", Registry: registry.New()})

	value, err := u.Request(context.Background(), message.Partial{
		To:     "Echo",
		Action: message.Action{Name: "echo", Args: map[string]any{"value": "hello"}},
	}, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if value != "hello" {
		t.Errorf("value = %v, want hello", value)
	}
}

func TestRecursiveRequestRejected(t *testing.T) {
	rt := newRouter()
	u := rt.add(t, Config{ID: "U", Registry: registry.New()})

	_, err := u.Request(context.Background(), message.Partial{
		To:     "U",
		Action: message.Action{Name: "echo"},
	}, time.Second)
	if err == nil {
		t.Fatal("expected recursive-request error")
	}
}

func TestRespondWithSuppressesAutoReply(t *testing.T) {
	rt := newRouter()
	reg := registry.New()
	if err := reg.Register(registry.Descriptor{
		Name: "custom",
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			// Responding manually (here from AfterAction, which runs
			// before the auto-reply) suppresses the auto-reply that would
			// otherwise carry this return value.
			return "ignored-return-value", nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	var respondErr error
	host := rt.add(t, Config{
		ID:       "Host",
		Registry: reg,
		AfterAction: func(ctx context.Context, msg *message.Message, _ any, _ error) {
			respondErr = hostRespond(ctx, rt.runtimes["Host"], "manual-value")
			_ = msg
		},
	})
	_ = host

	u := rt.add(t, Config{ID: "U", Registry: registry.New()})
	value, err := u.Request(context.Background(), message.Partial{
		To:     "Host",
		Action: message.Action{Name: "custom"},
	}, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if respondErr != nil {
		t.Fatalf("respond_with in AfterAction: %v", respondErr)
	}
	if value != "manual-value" {
		t.Errorf("value = %v, want manual-value (RespondWith in AfterAction suppresses the auto-reply)", value)
	}
}

func hostRespond(ctx context.Context, r *Runtime, value any) error {
	if r == nil {
		return nil
	}
	return r.RespondWith(ctx, value)
}

func TestBeforeActionCanDenyWithCallbackError(t *testing.T) {
	rt := newRouter()
	reg := echoRegistry(t)
	rt.add(t, Config{
		ID:       "Echo",
		Registry: reg,
		BeforeAction: func(_ context.Context, _ *message.Message) error {
			return errs.New(errs.CallbackError, "blocked by policy")
		},
	})
	u := rt.add(t, Config{ID: "U", Registry: registry.New()})

	_, err := u.Request(context.Background(), message.Partial{
		To:     "Echo",
		Action: message.Action{Name: "echo", Args: map[string]any{"value": 1}},
	}, time.Second)
	if err == nil {
		t.Fatal("expected callback-error")
	}
	ae, ok := err.(*errs.ActionError)
	if !ok || ae.Kind != errs.CallbackError {
		t.Errorf("err = %v, want callback-error ActionError", err)
	}
}

func TestParentMessageResolvesCorrelation(t *testing.T) {
	rt := newRouter()
	var gotParentValue any
	var gotParentOK bool
	reg := registry.New()
	if err := reg.Register(registry.Descriptor{
		Name: "ping",
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			return "pong", nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	host := rt.add(t, Config{ID: "Host", Registry: reg})
	u := rt.add(t, Config{
		ID:       "U",
		Registry: registry.New(),
		HandleActionValue: func(_ context.Context, value any, orig *message.Message) {
			parent := u_runtime(rt).ParentMessage(orig)
			gotParentOK = parent != nil
			gotParentValue = value
		},
	})
	_ = host

	if _, err := u.Send(context.Background(), message.Partial{
		To:     "Host",
		Action: message.Action{Name: "ping"},
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && gotParentValue == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if gotParentValue != "pong" {
		t.Errorf("gotParentValue = %v, want pong", gotParentValue)
	}
	if !gotParentOK {
		t.Error("expected ParentMessage to resolve the original ping")
	}
}

func u_runtime(rt *router) *Runtime {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.runtimes["U"]
}

func TestNoSuchActionPointToPoint(t *testing.T) {
	rt := newRouter()
	rt.add(t, Config{ID: "Empty", Registry: registry.New()})
	u := rt.add(t, Config{ID: "U", Registry: registry.New()})

	_, err := u.Request(context.Background(), message.Partial{
		To:     "Empty",
		Action: message.Action{Name: "nope"},
	}, time.Second)
	if err == nil {
		t.Fatal("expected no-such-action error")
	}
	if ae, ok := err.(*errs.ActionError); !ok || ae.Kind != errs.NoSuchAction {
		t.Errorf("err = %v, want no-such-action ActionError", err)
	}
}

func TestStopCancelsPendingRequests(t *testing.T) {
	rt := newRouter()
	reg := registry.New()
	if err := reg.Register(registry.Descriptor{
		Name: "never",
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatal(err)
	}
	rt.add(t, Config{ID: "Host", Registry: reg})
	u := rt.add(t, Config{ID: "U", Registry: registry.New()})

	errCh := make(chan error, 1)
	go func() {
		_, err := u.Request(context.Background(), message.Partial{
			To:     "Host",
			Action: message.Action{Name: "never"},
		}, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := u.Stop(context.Background()); err != nil {
		t.Fatalf("stop requester: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected space-closed error")
		}
	case <-time.After(time.Second):
		t.Fatal("request did not unblock after Stop")
	}
}
