package space

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaygrid/space/message"
)

// AMQPOptions configures the AMQP transport's connection and topology,
// grounded on agency.amqp_space.AMQPOptions. Unset fields default to
// localhost:5672, guest/guest, vhost "/". This type does not read the
// environment; the AMQP_* overrides are applied by config.ApplyEnv.
type AMQPOptions struct {
	Host      string
	Port      int
	Username  string
	Password  string
	VHost     string
	UseTLS    bool
	Heartbeat time.Duration

	// Exchange is the single topic exchange per space (spec.md §6). It
	// defaults to "space".
	Exchange string
}

func (o AMQPOptions) withDefaults() AMQPOptions {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.Port == 0 {
		o.Port = 5672
	}
	if o.Username == "" {
		o.Username = "guest"
	}
	if o.Password == "" {
		o.Password = "guest"
	}
	if o.VHost == "" {
		o.VHost = "/"
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.Exchange == "" {
		o.Exchange = "space"
	}
	return o
}

func (o AMQPOptions) dialURL() string {
	scheme := "amqp"
	if o.UseTLS {
		scheme = "amqps"
	}
	vhost := o.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme,
		url.QueryEscape(o.Username), url.QueryEscape(o.Password),
		o.Host, o.Port,
		url.PathEscape(vhost))
}

const (
	amqpBackoffBase = 500 * time.Millisecond
	amqpBackoffMax  = 30 * time.Second

	// amqpBroadcastRoutingKey is bound as an exact (non-wildcard) routing
	// key on every agent's queue. It must not be message.Broadcast ("*"):
	// on a topic exchange "*" matches any single-segment routing key, so
	// binding it literally would also catch every point-to-point send
	// whose msg.To happens to be a single word (i.e. every ordinary agent
	// id), delivering point-to-point messages to every agent's inbox.
	amqpBroadcastRoutingKey = "__broadcast__"
)

type amqpMember struct {
	receiveOwn bool
	deliver    func(*message.Message)
}

type amqpConsumer struct {
	cancel context.CancelFunc
	ch     *amqp.Channel
}

// AMQP is the network Transport of spec.md §4.4: every agent owns a
// durable queue bound to a single topic exchange, broadcasts publish with
// the sentinel routing key amqpBroadcastRoutingKey which every queue is
// also bound to, and the connection reconnects with bounded exponential
// backoff, re-declaring topology and resuming consumers automatically.
type AMQP struct {
	opts AMQPOptions
	log  *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	members   map[string]amqpMember
	consumers map[string]*amqpConsumer

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewAMQP dials opts and returns a connected AMQP transport. log defaults
// to slog.Default() if nil.
func NewAMQP(opts AMQPOptions, log *slog.Logger) (*AMQP, error) {
	if log == nil {
		log = slog.Default()
	}
	t := &AMQP{
		opts:      opts.withDefaults(),
		log:       log,
		members:   make(map[string]amqpMember),
		consumers: make(map[string]*amqpConsumer),
		closeCh:   make(chan struct{}),
	}
	if err := t.connect(); err != nil {
		return nil, err
	}
	go t.superviseConnection()
	return t, nil
}

func (t *AMQP) connect() error {
	conn, err := amqp.DialConfig(t.opts.dialURL(), amqp.Config{Heartbeat: t.opts.Heartbeat})
	if err != nil {
		return fmt.Errorf("space: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("space: amqp open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(t.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("space: amqp declare exchange %s: %w", t.opts.Exchange, err)
	}

	t.mu.Lock()
	t.conn, t.ch = conn, ch
	t.mu.Unlock()
	return nil
}

func (t *AMQP) superviseConnection() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-t.closeCh:
			return
		case err := <-notify:
			select {
			case <-t.closeCh:
				return
			default:
			}
			t.log.Warn("amqp connection lost, reconnecting", "error", err)
		}
		t.reconnectLoop()
	}
}

func (t *AMQP) reconnectLoop() {
	backoff := amqpBackoffBase
	for {
		select {
		case <-t.closeCh:
			return
		default:
		}
		if err := t.connect(); err != nil {
			jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
			wait := backoff + jitter
			t.log.Warn("amqp reconnect attempt failed", "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-t.closeCh:
				return
			}
			backoff *= 2
			if backoff > amqpBackoffMax {
				backoff = amqpBackoffMax
			}
			continue
		}
		t.log.Info("amqp reconnected, rejoining members")
		t.rejoinAll()
		return
	}
}

func (t *AMQP) rejoinAll() {
	t.mu.Lock()
	members := make(map[string]amqpMember, len(t.members))
	for id, m := range t.members {
		members[id] = m
	}
	t.consumers = make(map[string]*amqpConsumer)
	t.mu.Unlock()

	var result *multierror.Error
	for id, m := range members {
		if err := t.bindAndConsume(id, m.receiveOwn, m.deliver); err != nil {
			result = multierror.Append(result, fmt.Errorf("rejoin %s: %w", id, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		t.log.Error("amqp rejoin completed with errors", "error", err)
	}
}

// Join declares id's durable queue, binds it to its own id and to the
// broadcast routing key, and starts consuming.
func (t *AMQP) Join(_ context.Context, id string, receiveOwn bool, deliver func(*message.Message)) error {
	t.mu.Lock()
	if _, exists := t.members[id]; exists {
		t.mu.Unlock()
		return fmt.Errorf("amqp transport: duplicate id %q", id)
	}
	t.members[id] = amqpMember{receiveOwn: receiveOwn, deliver: deliver}
	t.mu.Unlock()

	if err := t.bindAndConsume(id, receiveOwn, deliver); err != nil {
		t.mu.Lock()
		delete(t.members, id)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *AMQP) bindAndConsume(id string, receiveOwn bool, deliver func(*message.Message)) error {
	t.mu.Lock()
	ch, exchange := t.ch, t.opts.Exchange
	conn := t.conn
	t.mu.Unlock()
	if ch == nil || conn == nil {
		return fmt.Errorf("amqp transport: not connected")
	}

	if _, err := ch.QueueDeclare(id, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp transport: declare queue %s: %w", id, err)
	}
	if err := ch.QueueBind(id, id, exchange, false, nil); err != nil {
		return fmt.Errorf("amqp transport: bind %s to own routing key: %w", id, err)
	}
	if err := ch.QueueBind(id, amqpBroadcastRoutingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("amqp transport: bind %s to broadcast: %w", id, err)
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp transport: open consumer channel for %s: %w", id, err)
	}
	if err := consumerCh.Qos(1, 0, false); err != nil {
		_ = consumerCh.Close()
		return fmt.Errorf("amqp transport: set qos for %s: %w", id, err)
	}
	deliveries, err := consumerCh.Consume(id, id, false, false, false, false, nil)
	if err != nil {
		_ = consumerCh.Close()
		return fmt.Errorf("amqp transport: consume %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.consumers[id] = &amqpConsumer{cancel: cancel, ch: consumerCh}
	t.mu.Unlock()

	go t.consumeLoop(ctx, id, receiveOwn, deliveries, deliver)
	return nil
}

func (t *AMQP) consumeLoop(ctx context.Context, id string, receiveOwn bool, deliveries <-chan amqp.Delivery, deliver func(*message.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var msg message.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				t.log.Error("amqp transport: malformed envelope", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
			if msg.To == message.Broadcast && msg.From == id && !receiveOwn {
				continue
			}
			deliver(&msg)
		}
	}
}

// Leave stops consuming for id and closes its consumer channel. The
// durable queue itself is left in place (at-least-once redelivery on a
// later rejoin), matching the AMQP transport's crash-recovery contract in
// spec.md §4.4.
func (t *AMQP) Leave(_ context.Context, id string) error {
	t.mu.Lock()
	delete(t.members, id)
	c, ok := t.consumers[id]
	delete(t.consumers, id)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	c.cancel()
	_ = c.ch.Cancel(id, false)
	return c.ch.Close()
}

// Publish marshals msg into the canonical envelope and publishes it with a
// persistent delivery mode. The routing key is msg.To for a point-to-point
// send, or the sentinel amqpBroadcastRoutingKey for a broadcast — never the
// literal message.Broadcast ("*"), which is a topic-exchange wildcard, not
// an addressable routing key.
func (t *AMQP) Publish(ctx context.Context, msg *message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("amqp transport: marshal envelope: %w", err)
	}

	t.mu.Lock()
	ch, exchange := t.ch, t.opts.Exchange
	t.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("amqp transport: not connected")
	}

	routingKey := msg.To
	if routingKey == message.Broadcast {
		routingKey = amqpBroadcastRoutingKey
	}

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp transport: publish to %s: %w", msg.To, err)
	}
	return nil
}

// Close stops reconnection, cancels every consumer, and closes the
// channel and connection.
func (t *AMQP) Close(_ context.Context) error {
	t.closeOnce.Do(func() { close(t.closeCh) })

	t.mu.Lock()
	for id, c := range t.consumers {
		c.cancel()
		_ = c.ch.Close()
		delete(t.consumers, id)
	}
	ch, conn := t.ch, t.conn
	t.ch, t.conn = nil, nil
	t.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("amqp transport: close connection: %w", err)
		}
	}
	return nil
}
