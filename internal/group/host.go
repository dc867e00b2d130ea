// Package group carries a playback session over libp2p. The hosting peer is
// the coordinator: every member holds one stream to it and the host relays
// broadcasts in a single order, so all members observe the same sequence.
package group

import (
	"encoding/json"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/boombox/internal/proto"
	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/util"
)

var log = logging.Logger("group")

// Host serves a session from the local peer and is that peer's
// session.Transport.
type Host struct {
	host   host.Host
	name   string
	selfID string
	events *util.Queue[session.Event]
	replay *util.RingBuffer[session.Message]

	// fanout orders every delivery the host makes.
	fanout sync.Mutex

	mu      sync.RWMutex
	members map[string]*memberConn
	closed  bool
}

type memberConn struct {
	peerID   string
	joinedAt int64
	stream   network.Stream

	mu  sync.Mutex
	enc *json.Encoder
}

func (mc *memberConn) send(f Frame) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.enc.Encode(f)
}

// NewHost starts hosting a session named name and registers the stream
// handler. replay bounds how many buffered broadcasts late joiners receive.
func NewHost(h host.Host, name string, replay int) *Host {
	g := &Host{
		host:    h,
		name:    name,
		selfID:  h.ID().String(),
		events:  util.NewQueue[session.Event](),
		replay:  util.NewRingBuffer[session.Message](replay),
		members: make(map[string]*memberConn),
	}
	h.SetStreamHandler(protocol.ID(proto.SessionProtoID), g.handleStream)
	log.Infof("hosting session %q as %s", name, g.selfID)
	return g
}

// ─── Host-side: stream handler ───────────────────────────────────────────────

func (g *Host) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer().String()
	dec := json.NewDecoder(s)
	mc := &memberConn{
		peerID:   remote,
		joinedAt: nowMillis(),
		stream:   s,
		enc:      json.NewEncoder(s),
	}

	// First frame must be a join
	var join Frame
	if err := dec.Decode(&join); err != nil {
		log.Warnf("failed to decode join from %s: %v", remote, err)
		s.Reset()
		return
	}
	if join.Type != TypeJoin {
		mc.send(newFrame(TypeError, ErrorPayload{Code: "bad_first_msg", Message: "first message must be join"}))
		s.Reset()
		return
	}

	g.fanout.Lock()
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.fanout.Unlock()
		mc.send(newFrame(TypeError, ErrorPayload{Code: "closed", Message: "session has ended"}))
		s.Reset()
		return
	}
	old, rejoin := g.members[remote]
	g.members[remote] = mc
	members := g.memberListLocked()
	g.mu.Unlock()
	if rejoin {
		old.stream.Reset()
	}

	welcome := newFrame(TypeWelcome, WelcomePayload{Session: g.name, HostID: g.selfID, Members: members})
	welcome.Session = g.name
	welcome.From = g.selfID
	if err := mc.send(welcome); err != nil {
		log.Warnf("welcome to %s: %v", remote, err)
	}
	for _, msg := range g.replay.Snapshot() {
		mc.send(msgFrame(msg))
	}
	g.sendAllLocked(newFrame(TypeMembers, MembersPayload{Members: members}), remote)
	if !rejoin {
		g.events.Push(session.Event{Kind: session.EventPeerJoined, Peer: remote})
	}
	g.fanout.Unlock()

	log.Infof("%s joined session %q", remote, g.name)

	g.readLoop(dec, mc)

	g.fanout.Lock()
	g.mu.Lock()
	current := g.members[remote] == mc
	if current {
		delete(g.members, remote)
	}
	members = g.memberListLocked()
	closed := g.closed
	g.mu.Unlock()
	if current && !closed {
		g.sendAllLocked(newFrame(TypeMembers, MembersPayload{Members: members}), "")
		g.events.Push(session.Event{Kind: session.EventPeerLeft, Peer: remote})
	}
	g.fanout.Unlock()

	s.Close()
	if current {
		log.Infof("%s left session %q", remote, g.name)
	}
}

func (g *Host) readLoop(dec *json.Decoder, mc *memberConn) {
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			return // disconnect
		}

		switch f.Type {
		case TypeLeave:
			return
		case TypeMsg:
			var msg session.Message
			if err := f.decode(&msg); err != nil {
				log.Warnf("bad msg frame from %s: %v", mc.peerID, err)
				continue
			}
			// Server-side: enforce sender identity
			msg.From = mc.peerID
			if err := g.route(msg, f.To, f.Buffered); err != nil {
				log.Debugf("route %s from %s to %q: %v", msg.Type, mc.peerID, f.To, err)
			}
		}
	}
}

// route delivers msg, already stamped with its sender, to one member or to
// everyone including the sender.
func (g *Host) route(msg session.Message, to string, buffered bool) error {
	g.fanout.Lock()
	defer g.fanout.Unlock()

	g.mu.RLock()
	closed := g.closed
	mc := g.members[to]
	g.mu.RUnlock()
	if closed {
		return session.ErrClosed
	}

	switch to {
	case "":
		if buffered {
			g.replay.Push(msg)
		}
		g.events.Push(session.Event{Kind: session.EventMessage, Msg: msg})
		g.sendAllLocked(msgFrame(msg), "")
		return nil
	case g.selfID:
		g.events.Push(session.Event{Kind: session.EventMessage, Msg: msg})
		return nil
	}
	if mc == nil {
		return session.ErrUnknownPeer
	}
	return mc.send(msgFrame(msg))
}

// sendAllLocked writes f to every member but exclude. Callers hold fanout.
func (g *Host) sendAllLocked(f Frame, exclude string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for pid, mc := range g.members {
		if pid == exclude {
			continue
		}
		if err := mc.send(f); err != nil {
			log.Warnf("failed to send to %s: %v", pid, err)
		}
	}
}

func (g *Host) memberListLocked() []MemberInfo {
	members := make([]MemberInfo, 0, len(g.members))
	for _, mc := range g.members {
		members = append(members, MemberInfo{PeerID: mc.peerID, JoinedAt: mc.joinedAt})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].PeerID < members[j].PeerID })
	return members
}

func msgFrame(msg session.Message) Frame {
	f := newFrame(TypeMsg, msg)
	f.From = msg.From
	return f
}

// ─── Host-side: session management ───────────────────────────────────────────

// Name returns the session name.
func (g *Host) Name() string { return g.name }

// Members returns the connected members, the host excluded.
func (g *Host) Members() []MemberInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.memberListLocked()
}

// Close ends the session for everyone.
func (g *Host) Close() error {
	g.fanout.Lock()
	defer g.fanout.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	members := g.members
	g.members = make(map[string]*memberConn)
	g.mu.Unlock()

	g.host.RemoveStreamHandler(protocol.ID(proto.SessionProtoID))
	closeMsg := newFrame(TypeClose, nil)
	closeMsg.Session = g.name
	for _, mc := range members {
		mc.send(closeMsg)
		mc.stream.Close()
	}
	g.events.Push(session.Event{Kind: session.EventClosed, Peer: g.selfID})
	log.Infof("closed session %q", g.name)
	return nil
}

// ─── session.Transport ───────────────────────────────────────────────────────

func (g *Host) SelfID() string        { return g.selfID }
func (g *Host) CoordinatorID() string { return g.selfID }
func (g *Host) IsCoordinator() bool   { return true }

func (g *Host) Peers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.members)+1)
	out = append(out, g.selfID)
	for pid := range g.members {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out
}

func (g *Host) BroadcastToAll(msg session.Message) error {
	msg.From = g.selfID
	return g.route(msg, "", false)
}

func (g *Host) BroadcastToAllBuffered(msg session.Message) error {
	msg.From = g.selfID
	return g.route(msg, "", true)
}

func (g *Host) SendToPeer(peerID string, msg session.Message) error {
	msg.From = g.selfID
	return g.route(msg, peerID, false)
}

func (g *Host) SendToCoordinator(msg session.Message) error {
	msg.From = g.selfID
	return g.route(msg, g.selfID, false)
}

func (g *Host) Events() <-chan session.Event { return g.events.Out() }
