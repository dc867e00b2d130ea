package session

import (
	"sort"
	"sync"

	"github.com/petervdpas/boombox/internal/util"
)

// Hub is an in-process session. The first member to join is the coordinator.
// It delivers in the order sends reach the hub, so every member observes the
// same sequence. Used for tests and single-process setups.
type Hub struct {
	mu          sync.Mutex
	coordinator string
	members     map[string]*MemoryTransport
	order       []string
	buffered    []Message
}

func NewHub() *Hub {
	return &Hub{members: make(map[string]*MemoryTransport)}
}

// MemoryTransport is one member's view of a Hub.
type MemoryTransport struct {
	hub    *Hub
	id     string
	events *util.Queue[Event]
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// Join adds a member. Existing members see a peer-joined event; the newcomer
// receives every buffered broadcast first.
func (h *Hub) Join(id string) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if mt, ok := h.members[id]; ok {
		return mt
	}
	mt := &MemoryTransport{
		hub:    h,
		id:     id,
		events: util.NewQueue[Event](),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go mt.forward()

	if h.coordinator == "" {
		h.coordinator = id
	}
	for _, msg := range h.buffered {
		mt.events.Push(Event{Kind: EventMessage, Msg: msg})
	}
	for _, pid := range h.order {
		h.members[pid].events.Push(Event{Kind: EventPeerJoined, Peer: id})
	}
	h.members[id] = mt
	h.order = append(h.order, id)
	return mt
}

// Leave removes a member. If the coordinator leaves the session ends.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mt, ok := h.members[id]
	if !ok {
		return
	}
	delete(h.members, id)
	for i, pid := range h.order {
		if pid == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	mt.close()

	ending := id == h.coordinator
	for _, pid := range h.order {
		other := h.members[pid]
		if ending {
			other.events.Push(Event{Kind: EventClosed, Peer: id})
			continue
		}
		other.events.Push(Event{Kind: EventPeerLeft, Peer: id})
	}
	if ending {
		h.members = make(map[string]*MemoryTransport)
		h.order = nil
		h.coordinator = ""
		h.buffered = nil
	}
}

func (h *Hub) deliver(from, to string, msg Message, buffered bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[from]; !ok {
		return ErrClosed
	}
	msg.From = from
	ev := Event{Kind: EventMessage, Msg: msg}

	if to != "" {
		mt, ok := h.members[to]
		if !ok {
			return ErrUnknownPeer
		}
		mt.events.Push(ev)
		return nil
	}
	if buffered {
		h.buffered = append(h.buffered, msg)
	}
	for _, pid := range h.order {
		h.members[pid].events.Push(ev)
	}
	return nil
}

func (t *MemoryTransport) forward() {
	for {
		select {
		case ev := <-t.events.Out():
			select {
			case t.out <- ev:
			case <-t.done:
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *MemoryTransport) close() {
	t.once.Do(func() {
		close(t.done)
		t.events.Close()
	})
}

func (t *MemoryTransport) SelfID() string { return t.id }

func (t *MemoryTransport) CoordinatorID() string {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	return t.hub.coordinator
}

func (t *MemoryTransport) IsCoordinator() bool { return t.CoordinatorID() == t.id }

func (t *MemoryTransport) Peers() []string {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	out := append([]string(nil), t.hub.order...)
	sort.Strings(out)
	return out
}

func (t *MemoryTransport) BroadcastToAll(msg Message) error {
	return t.hub.deliver(t.id, "", msg, false)
}

func (t *MemoryTransport) BroadcastToAllBuffered(msg Message) error {
	return t.hub.deliver(t.id, "", msg, true)
}

func (t *MemoryTransport) SendToPeer(peerID string, msg Message) error {
	return t.hub.deliver(t.id, peerID, msg, false)
}

func (t *MemoryTransport) SendToCoordinator(msg Message) error {
	return t.hub.deliver(t.id, t.CoordinatorID(), msg, false)
}

func (t *MemoryTransport) Events() <-chan Event { return t.out }
