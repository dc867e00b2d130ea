// Package control arbitrates which peer holds the operator controls. The
// session coordinator is the only peer that grants or releases; everyone
// else applies what it broadcasts.
package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/util"
)

var log = logging.Logger("control")

var (
	ErrNotEngaged = errors.New("no operator panel is open")
	ErrHeld       = errors.New("controls are held by another peer")
)

const (
	TypeRequest = "control.request"
	TypeSet     = "control.set"
	TypeRelease = "control.release"
)

type Request struct {
	RequesterID string `json:"requester_id"`
}

// Set announces the owner. An empty PeerID means nobody holds the controls.
type Set struct {
	PeerID string `json:"peer_id"`
}

type Release struct {
	ReleaserID string `json:"releaser_id"`
}

// Status is the local view of the arbitration.
type Status struct {
	Owner   string `json:"owner,omitempty"`
	Self    string `json:"self"`
	Holding bool   `json:"holding"`
	Engaged bool   `json:"engaged"`
}

type Options struct {
	// OnChange runs on the reactor whenever the local view of the owner changes.
	OnChange func(owner string)
}

type Arbiter struct {
	r    *session.Reactor
	t    session.Transport
	opts Options

	panels atomic.Int32

	mu    sync.RWMutex
	owner string
	subs  map[chan Status]struct{}
}

// New wires an arbiter into r. Call before r.Run.
func New(r *session.Reactor, opts Options) *Arbiter {
	a := &Arbiter{
		r:    r,
		t:    r.Transport(),
		opts: opts,
		subs: make(map[chan Status]struct{}),
	}
	r.Handle(TypeRequest, a.onRequest)
	r.Handle(TypeRelease, a.onRelease)
	r.Handle(TypeSet, a.onSet)
	r.OnPeerJoined(a.onPeerJoined)
	r.OnPeerLeft(a.onPeerLeft)
	r.OnClosed(func() { a.setOwner("") })
	return a
}

// ─── Engagement ──────────────────────────────────────────────────────────────

// Engage marks an operator panel as open. The returned func closes it; when
// the last panel closes a held token is given back.
func (a *Arbiter) Engage() func() {
	if a.panels.Add(1) == 1 {
		a.publish()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if a.panels.Add(-1) == 0 {
				a.r.Post(a.interactionEnded)
				a.publish()
			}
		})
	}
}

// Engaged reports whether at least one operator panel is open.
func (a *Arbiter) Engaged() bool { return a.panels.Load() > 0 }

func (a *Arbiter) interactionEnded() {
	if a.Engaged() || a.Owner() != a.t.SelfID() {
		return
	}
	log.Infof("operator panel closed, releasing controls")
	a.release(a.t.SelfID())
}

// ─── Local commands ──────────────────────────────────────────────────────────

// RequestControl asks the coordinator for the controls.
func (a *Arbiter) RequestControl(ctx context.Context) error {
	return a.r.Call(ctx, func() error {
		self := a.t.SelfID()
		if !a.Engaged() {
			return ErrNotEngaged
		}
		switch owner := a.Owner(); owner {
		case self:
			return nil
		case "":
		default:
			return ErrHeld
		}
		if a.t.IsCoordinator() {
			a.grant(self)
			return nil
		}
		return session.SendCoordinator(a.t, TypeRequest, Request{RequesterID: self})
	})
}

// ReleaseControl gives the controls back. Releasing controls this peer does
// not hold is a no-op.
func (a *Arbiter) ReleaseControl(ctx context.Context) error {
	return a.r.Call(ctx, func() error {
		self := a.t.SelfID()
		if a.Owner() != self {
			return nil
		}
		if a.t.IsCoordinator() {
			a.release(self)
			return nil
		}
		return session.SendCoordinator(a.t, TypeRelease, Release{ReleaserID: self})
	})
}

func (a *Arbiter) Owner() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// HoldsControl reports whether the local peer is the current owner.
func (a *Arbiter) HoldsControl() bool {
	return a.Owner() == a.t.SelfID()
}

func (a *Arbiter) Status() Status {
	owner := a.Owner()
	self := a.t.SelfID()
	return Status{Owner: owner, Self: self, Holding: owner == self, Engaged: a.Engaged()}
}

// Subscribe returns a channel of status changes and its cancel func.
func (a *Arbiter) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	st := a.Status()
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	ch <- st
	a.mu.Unlock()
	return ch, func() {
		a.mu.Lock()
		if _, ok := a.subs[ch]; ok {
			delete(a.subs, ch)
			close(ch)
		}
		a.mu.Unlock()
	}
}

// ─── Protocol handlers ───────────────────────────────────────────────────────

func (a *Arbiter) onRequest(msg session.Message) {
	if !a.t.IsCoordinator() {
		return
	}
	requester := msg.From
	if owner := a.Owner(); owner != "" {
		if owner != requester {
			log.Debugf("ignoring control request from %s, held by %s", requester, owner)
		}
		return
	}
	if requester == a.t.SelfID() && !a.Engaged() {
		return
	}
	a.grant(requester)
}

func (a *Arbiter) onRelease(msg session.Message) {
	if !a.t.IsCoordinator() {
		return
	}
	if a.Owner() != msg.From {
		log.Debugf("ignoring release from %s, not the owner", msg.From)
		return
	}
	a.release(msg.From)
}

func (a *Arbiter) onSet(msg session.Message) {
	if msg.From != a.t.CoordinatorID() {
		log.Debugf("ignoring control.set from non-coordinator %s", msg.From)
		return
	}
	// The coordinator already applied it; a late echo must not undo a newer decision.
	if a.t.IsCoordinator() {
		return
	}
	var s Set
	if err := msg.Decode(&s); err != nil {
		log.Warnf("dropping control.set from %s: %v", msg.From, err)
		return
	}
	a.setOwner(s.PeerID)
	if s.PeerID == a.t.SelfID() && !a.Engaged() {
		log.Infof("granted controls with no panel open, giving them back")
		a.release(s.PeerID)
	}
}

func (a *Arbiter) onPeerJoined(peer string) {
	if !a.t.IsCoordinator() || peer == a.t.SelfID() {
		return
	}
	if err := session.SendTo(a.t, peer, TypeSet, Set{PeerID: a.Owner()}); err != nil {
		log.Warnf("send owner to %s: %v", peer, err)
	}
}

func (a *Arbiter) onPeerLeft(peer string) {
	if a.t.IsCoordinator() && a.Owner() == peer {
		log.Infof("owner %s left, releasing controls", peer)
		a.broadcast("")
	}
}

// ─── Coordinator side ────────────────────────────────────────────────────────

func (a *Arbiter) grant(peer string) {
	log.Infof("granting controls to %s", peer)
	a.broadcast(peer)
}

// release gives up the token held by peer. Off the coordinator it asks the
// coordinator to do so.
func (a *Arbiter) release(peer string) {
	if !a.t.IsCoordinator() {
		if err := session.SendCoordinator(a.t, TypeRelease, Release{ReleaserID: peer}); err != nil {
			log.Warnf("send release: %v", err)
		}
		return
	}
	log.Infof("controls released by %s", peer)
	a.broadcast("")
}

// broadcast records the owner locally before telling everyone else.
func (a *Arbiter) broadcast(owner string) {
	a.setOwner(owner)
	if err := session.Send(a.t, TypeSet, Set{PeerID: owner}); err != nil {
		log.Warnf("broadcast owner: %v", err)
	}
}

func (a *Arbiter) setOwner(owner string) {
	a.mu.Lock()
	if a.owner == owner {
		a.mu.Unlock()
		return
	}
	a.owner = owner
	a.mu.Unlock()
	a.publish()
	if a.opts.OnChange != nil {
		a.opts.OnChange(owner)
	}
}

func (a *Arbiter) publish() {
	st := a.Status()
	a.mu.RLock()
	defer a.mu.RUnlock()
	for ch := range a.subs {
		util.SendLatest(ch, st)
	}
}
