package session

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/boombox/internal/util"
)

var log = logging.Logger("session")

// Handler processes one inbound message on the reactor goroutine.
type Handler func(msg Message)

// Reactor serializes everything that touches protocol state: inbound
// transport events and closures posted by timers, fetch goroutines and local
// API calls all run one at a time on the goroutine executing Run.
type Reactor struct {
	t     Transport
	posts *util.Queue[func()]

	mu       sync.RWMutex
	handlers map[string]Handler
	joined   []func(peerID string)
	left     []func(peerID string)
	closed   []func()
	after    []func()
}

func NewReactor(t Transport) *Reactor {
	return &Reactor{
		t:        t,
		posts:    util.NewQueue[func()](),
		handlers: make(map[string]Handler),
	}
}

// Transport returns the transport the reactor reads from.
func (r *Reactor) Transport() Transport { return r.t }

// Handle registers h for messages of type typ. Registering a type twice
// replaces the earlier handler.
func (r *Reactor) Handle(typ string, h Handler) {
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

func (r *Reactor) OnPeerJoined(fn func(peerID string)) {
	r.mu.Lock()
	r.joined = append(r.joined, fn)
	r.mu.Unlock()
}

func (r *Reactor) OnPeerLeft(fn func(peerID string)) {
	r.mu.Lock()
	r.left = append(r.left, fn)
	r.mu.Unlock()
}

// OnClosed runs when the transport reports the session has ended.
func (r *Reactor) OnClosed(fn func()) {
	r.mu.Lock()
	r.closed = append(r.closed, fn)
	r.mu.Unlock()
}

// AfterEach runs fn after every processed event or posted closure.
func (r *Reactor) AfterEach(fn func()) {
	r.mu.Lock()
	r.after = append(r.after, fn)
	r.mu.Unlock()
}

// Post schedules fn on the reactor goroutine. It never blocks.
func (r *Reactor) Post(fn func()) {
	r.posts.Push(fn)
}

// Call runs fn on the reactor goroutine and waits for its result.
func (r *Reactor) Call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	r.Post(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is cancelled or the transport closes.
func (r *Reactor) Run(ctx context.Context) error {
	defer r.posts.Close()
	events := r.t.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-r.posts.Out():
			r.safely("posted", fn)
		case ev, ok := <-events:
			if !ok {
				return ErrClosed
			}
			r.dispatch(ev)
			if ev.Kind == EventClosed {
				r.runAfter()
				return ErrClosed
			}
		}
		r.runAfter()
	}
}

func (r *Reactor) dispatch(ev Event) {
	r.mu.RLock()
	h, ok := r.handlers[ev.Msg.Type]
	joined, left, closed := r.joined, r.left, r.closed
	r.mu.RUnlock()

	switch ev.Kind {
	case EventMessage:
		if !ok {
			log.Debugf("no handler for %s from %s", ev.Msg.Type, ev.Msg.From)
			return
		}
		r.safely(ev.Msg.Type, func() { h(ev.Msg) })
	case EventPeerJoined:
		for _, fn := range joined {
			r.safely("peer_joined", func() { fn(ev.Peer) })
		}
	case EventPeerLeft:
		for _, fn := range left {
			r.safely("peer_left", func() { fn(ev.Peer) })
		}
	case EventClosed:
		for _, fn := range closed {
			r.safely("closed", fn)
		}
	}
}

func (r *Reactor) runAfter() {
	r.mu.RLock()
	fns := r.after
	r.mu.RUnlock()
	for _, fn := range fns {
		r.safely("after", fn)
	}
}

// safely recovers a handler panic so the reactor keeps running.
func (r *Reactor) safely(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("handler %s panicked: %v", what, fmt.Sprint(rec))
		}
	}()
	fn()
}
