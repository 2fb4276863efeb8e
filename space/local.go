package space

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaygrid/space/message"
)

// Local is the in-process Transport of spec.md §4.4: agents run
// concurrently, each driven by its own Runtime goroutine, and a broadcast
// enumerates current membership and hands a copy to each matching deliver
// func. There is no network or serialization; once handed off, the message
// is logically owned by the receiver.
type Local struct {
	mu      sync.RWMutex
	members map[string]localMember
	metrics *Metrics
}

type localMember struct {
	receiveOwn bool
	deliver    func(*message.Message)
}

// NewLocal returns an empty Local transport. A non-nil Metrics records
// broadcast fanout size; pass nil to skip metrics entirely.
func NewLocal(metrics *Metrics) *Local {
	return &Local{members: make(map[string]localMember), metrics: metrics}
}

// Join registers id. It fails if id is already a member.
func (l *Local) Join(_ context.Context, id string, receiveOwn bool, deliver func(*message.Message)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.members[id]; exists {
		return fmt.Errorf("local transport: duplicate id %q", id)
	}
	l.members[id] = localMember{receiveOwn: receiveOwn, deliver: deliver}
	return nil
}

// Leave removes id from membership; it is a no-op if id was never joined.
func (l *Local) Leave(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.members, id)
	return nil
}

// Publish fans msg out per spec.md §3: broadcasts snapshot membership under
// the read lock and are delivered outside of it (so a slow or full inbox
// cannot stall Join/Leave for longer than the snapshot itself takes); a
// point-to-point message to an unknown id is silently dropped, matching the
// no-such-agent error kind's "not reported to sender" rule in spec.md §7.
func (l *Local) Publish(_ context.Context, msg *message.Message) error {
	l.mu.RLock()
	var targets []func(*message.Message)
	if msg.To == message.Broadcast {
		targets = make([]func(*message.Message), 0, len(l.members))
		for id, m := range l.members {
			if id == msg.From && !m.receiveOwn {
				continue
			}
			targets = append(targets, m.deliver)
		}
	} else if m, ok := l.members[msg.To]; ok {
		targets = []func(*message.Message){m.deliver}
	}
	l.mu.RUnlock()

	if msg.To == message.Broadcast && l.metrics != nil {
		l.metrics.ObserveFanout(len(targets))
	}

	for _, deliver := range targets {
		deliver(msg)
	}
	return nil
}

// Close is a no-op: Local owns no external resources.
func (l *Local) Close(_ context.Context) error { return nil }
