package transport

import (
	"context"
	goerrors "errors"
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/pkg/errors"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/retry"
)

// ErrIdle is returned by Conn.Recv when no message arrived within the
// receive window. The router uses the tick to poll for cancellation and
// subscription changes.
var ErrIdle = goerrors.New("transport: no message available")

// Conn is one attached subscription socket. Implementations are not
// required to be safe for concurrent use; the router owns a Conn from a
// single goroutine.
type Conn interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Recv() (topic string, payload []byte, err error)
	Close() error
}

// DialFunc establishes a fresh Conn. The router calls it on startup and
// after every connection loss.
type DialFunc func() (Conn, error)

type subCmd struct {
	topic     Topic
	subscribe bool
}

// Router owns the subscription channel. A single goroutine inside Run
// drives the socket; subscribers attach and detach from any goroutine.
// When the link drops the router redials with exponential backoff and
// re-subscribes every topic that still has consumers. Messages published
// during the gap are lost; consumers needing certainty must fall back to
// polling the request channel.
type Router struct {
	dial        DialFunc
	logger      *log.Logger
	backoffBase time.Duration
	backoffMax  time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[Topic]map[int]chan Event

	cmds chan subCmd
}

// NewRouter creates a router that dials with dial and backs off between
// reconnect attempts within [base, max].
func NewRouter(dial DialFunc, base, max time.Duration, logger *log.Logger) *Router {
	return &Router{
		dial:        dial,
		logger:      logger.WithComponent("transport"),
		backoffBase: base,
		backoffMax:  max,
		subs:        make(map[Topic]map[int]chan Event),
		cmds:        make(chan subCmd, 64),
	}
}

// Subscribe attaches a consumer to a topic and returns its delivery
// channel together with a detach function. The channel holds buffer
// events; a consumer that falls behind loses the overflow rather than
// stalling the socket. Detach is idempotent.
func (r *Router) Subscribe(topic Topic, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	set, ok := r.subs[topic]
	if !ok {
		set = make(map[int]chan Event)
		r.subs[topic] = set
	}
	first := len(set) == 0
	set[id] = ch
	r.mu.Unlock()

	if first {
		r.enqueue(subCmd{topic: topic, subscribe: true})
	}

	var once sync.Once
	detach := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[topic], id)
			last := len(r.subs[topic]) == 0
			r.mu.Unlock()

			if last {
				r.enqueue(subCmd{topic: topic, subscribe: false})
			}
		})
	}

	return ch, detach
}

// enqueue hands a subscription change to the socket owner. The command
// queue is a fast path for a live connection; every reconnect rebuilds
// the full topic set from the subscriber table, so a dropped command
// heals on the next dial.
func (r *Router) enqueue(cmd subCmd) {
	select {
	case r.cmds <- cmd:
	default:
		r.logger.Warn("subscription command queue full", "topic", string(cmd.topic))
	}
}

// activeTopics lists topics that currently have at least one consumer.
func (r *Router) activeTopics() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]Topic, 0, len(r.subs))
	for topic, set := range r.subs {
		if len(set) > 0 {
			topics = append(topics, topic)
		}
	}
	return topics
}

// Run drives the subscription channel until ctx is cancelled. It blocks
// and always returns a non-nil error describing why it stopped.
func (r *Router) Run(ctx context.Context) error {
	backoff := retry.NewBackoff(r.backoffBase, r.backoffMax, 2.0)

	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.KindCancelled, "transport.run", "router stopped")
		}

		conn, err := r.dial()
		if err != nil {
			r.logger.WithError(err).Warn("subscription dial failed")
			if err := backoff.Wait(ctx); err != nil {
				return errors.Wrap(err, errors.KindCancelled, "transport.run", "router stopped")
			}
			continue
		}

		backoff.Reset()
		r.logger.LogSubscription("connected", "")

		serveErr := r.serve(ctx, conn)
		if closeErr := conn.Close(); closeErr != nil {
			r.logger.WithError(closeErr).Warn("failed to close subscription socket")
		}

		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.KindCancelled, "transport.run", "router stopped")
		}

		r.logger.WithError(serveErr).Warn("subscription channel dropped")
		if err := backoff.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.KindCancelled, "transport.run", "router stopped")
		}
	}
}

// serve pumps one connection: it applies the current topic set, then
// loops between pending subscription changes and socket reads until the
// connection fails or ctx ends. Socket subscriptions are refcounted by
// the transport, so the owner tracks what it already applied and keeps
// every change idempotent.
func (r *Router) serve(ctx context.Context, conn Conn) error {
	socketTopics := make(map[Topic]bool)

	for _, topic := range r.activeTopics() {
		if err := r.applyChange(conn, socketTopics, subCmd{topic: topic, subscribe: true}); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.applyPending(conn, socketTopics); err != nil {
			return err
		}

		topic, payload, err := conn.Recv()
		if err == ErrIdle {
			continue
		}
		if err != nil {
			if errors.IsKind(err, errors.KindProtocol) {
				// A malformed frame is not worth a reconnect.
				r.logger.WithError(err).Warn("discarding malformed frame")
				continue
			}
			return err
		}

		r.dispatch(Event{Topic: Topic(topic), Payload: payload, ReceivedAt: time.Now()})
	}
}

func (r *Router) applyPending(conn Conn, socketTopics map[Topic]bool) error {
	for {
		select {
		case cmd := <-r.cmds:
			if err := r.applyChange(conn, socketTopics, cmd); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *Router) applyChange(conn Conn, socketTopics map[Topic]bool, cmd subCmd) error {
	if socketTopics[cmd.topic] == cmd.subscribe {
		return nil
	}

	var err error
	event := "subscribed"
	if cmd.subscribe {
		err = conn.Subscribe(string(cmd.topic))
	} else {
		err = conn.Unsubscribe(string(cmd.topic))
		event = "unsubscribed"
	}
	if err != nil {
		return errors.Wrap(err, errors.KindNetwork, "transport.serve", "subscription change failed")
	}

	socketTopics[cmd.topic] = cmd.subscribe
	r.logger.LogSubscription(event, string(cmd.topic))
	return nil
}

// dispatch fans an event out to every consumer of its topic. Full
// consumer buffers drop the event instead of blocking the socket.
func (r *Router) dispatch(e Event) {
	r.mu.Lock()
	set := r.subs[e.Topic]
	targets := make([]chan Event, 0, len(set))
	for _, ch := range set {
		targets = append(targets, ch)
	}
	r.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- e:
		default:
			r.logger.Warn("dropping event for slow consumer", "topic", string(e.Topic))
		}
	}
}
