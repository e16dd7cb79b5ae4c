// Package router fans CoT events out to every registered client except the
// one that originated them. It tracks a registry of outbound queues keyed
// by client, routes events with backpressure by default, and maintains a
// running count of messages routed and clients currently connected.
package router

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/cot-relay/internal/cot"
	"github.com/kstaniek/cot-relay/internal/metrics"
)

// Policy selects how Route behaves when a client's outbound queue is full.
type Policy int

const (
	// PolicyBlock waits for room in a slow client's queue, throttling the
	// router's progress for the duration of the wait. This is the default:
	// the relay never silently discards traffic.
	PolicyBlock Policy = iota
	// PolicyDrop discards the message for a full client instead of
	// waiting. Never the default; operators opt in explicitly.
	PolicyDrop
)

// DefaultQueueCapacity is the outbound queue size allocated to every
// registered client.
const DefaultQueueCapacity = 100

// ClientID identifies a registered client (TCP/TLS socket or the
// radio-link pseudo-client).
type ClientID uint64

// Client is a registered recipient of routed events.
type Client struct {
	ID     ClientID
	Out    chan *cot.Event
	closed chan struct{}
	once   sync.Once
}

func newClient(id ClientID, capacity int) *Client {
	return &Client{
		ID:     id,
		Out:    make(chan *cot.Event, capacity),
		closed: make(chan struct{}),
	}
}

// Close marks the client as closed; safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.closed) })
}

// Closed reports whether the client has been closed.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Router owns the client registry and the routing policy.
type Router struct {
	mu       sync.RWMutex
	clients  map[ClientID]*Client
	nextID   uint64
	capacity int
	policy   Policy

	routed uint64
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithCapacity overrides the default per-client outbound queue capacity.
func WithCapacity(n int) Option {
	return func(r *Router) { r.capacity = n }
}

// WithPolicy overrides the default blocking backpressure policy.
func WithPolicy(p Policy) Option {
	return func(r *Router) { r.policy = p }
}

// New returns a ready-to-use Router.
func New(opts ...Option) *Router {
	r := &Router{
		clients:  make(map[ClientID]*Client),
		capacity: DefaultQueueCapacity,
		policy:   PolicyBlock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register allocates a fresh ClientID and adds it to the registry,
// returning the client's outbound queue.
func (r *Router) Register() *Client {
	id := ClientID(atomic.AddUint64(&r.nextID, 1))
	c := newClient(id, r.capacity)
	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()
	metrics.SetClients(r.Count())
	return c
}

// Unregister removes a client from the registry. Safe to call more than
// once for the same client.
func (r *Router) Unregister(id ClientID) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
	metrics.SetClients(r.Count())
}

// Count returns the number of currently registered clients.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns every currently registered client. Callers must not
// mutate the returned slice's elements' channel fields.
func (r *Router) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Route fans ev out to every registered client except from. With
// PolicyBlock (the default), a full client's queue is waited on — ctx
// cancellation is the only way to abort that wait, so callers normally
// pass a per-connection context that is canceled on client teardown.
// With PolicyDrop, a full client is skipped and RelayDroppedMessages is
// incremented instead of waiting. Clients observed to be closed during
// the fan-out are unregistered once iteration completes.
func (r *Router) Route(ctx context.Context, from ClientID, ev *cot.Event) {
	clients := r.Snapshot()
	sampleQueueDepth(clients)
	var stale []ClientID
	fanout := 0
	for _, c := range clients {
		if c.ID == from {
			continue
		}
		select {
		case <-c.closed:
			stale = append(stale, c.ID)
			continue
		default:
		}

		switch r.policy {
		case PolicyDrop:
			select {
			case c.Out <- ev:
				fanout++
			case <-c.closed:
				stale = append(stale, c.ID)
			default:
				metrics.IncDropped()
			}
		default: // PolicyBlock
			select {
			case c.Out <- ev:
				fanout++
			case <-c.closed:
				stale = append(stale, c.ID)
			case <-ctx.Done():
				return
			}
		}
	}
	for _, id := range stale {
		r.Unregister(id)
	}
	atomic.AddUint64(&r.routed, 1)
	metrics.IncRouted()
	metrics.AddSent(fanout)
	metrics.SetBroadcastFanout(fanout)
}

// sampleQueueDepth reports the max and average outbound queue occupancy
// across clients at the start of a Route call, before anything is enqueued.
func sampleQueueDepth(clients []*Client) {
	if len(clients) == 0 {
		return
	}
	max, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		if l > max {
			max = l
		}
		sum += l
	}
	metrics.SetQueueDepth(max, sum/len(clients))
}

// TotalRouted returns the monotonic count of Route calls that completed.
func (r *Router) TotalRouted() uint64 {
	return atomic.LoadUint64(&r.routed)
}
