package group

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/boombox/internal/proto"
	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/util"
)

// Client is a member's connection to a remote host and that member's
// session.Transport.
type Client struct {
	selfID string
	hostID string
	name   string
	stream network.Stream
	events *util.Queue[session.Event]

	wmu sync.Mutex
	enc *json.Encoder

	mu      sync.RWMutex
	members map[string]struct{}
	closed  bool
}

// Join opens a stream to hostPeerID and joins the session it hosts.
func Join(ctx context.Context, h host.Host, hostPeerID string) (*Client, error) {
	pid, err := peer.Decode(hostPeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid host peer ID: %w", err)
	}

	stream, err := h.NewStream(ctx, pid, protocol.ID(proto.SessionProtoID))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(dl)
	}

	enc := json.NewEncoder(stream)
	dec := json.NewDecoder(stream)

	if err := enc.Encode(Frame{Type: TypeJoin}); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("failed to send join: %w", err)
	}

	var welcome Frame
	if err := dec.Decode(&welcome); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	switch welcome.Type {
	case TypeWelcome:
	case TypeError:
		stream.Reset()
		var ep ErrorPayload
		welcome.decode(&ep)
		return nil, fmt.Errorf("join rejected: %s", ep.Message)
	default:
		stream.Reset()
		return nil, fmt.Errorf("unexpected response type: %s", welcome.Type)
	}

	var wp WelcomePayload
	if err := welcome.decode(&wp); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("bad welcome: %w", err)
	}
	stream.SetReadDeadline(time.Time{})

	c := &Client{
		selfID:  h.ID().String(),
		hostID:  pid.String(),
		name:    wp.Session,
		stream:  stream,
		events:  util.NewQueue[session.Event](),
		enc:     enc,
		members: map[string]struct{}{pid.String(): {}},
	}
	for _, m := range wp.Members {
		if m.PeerID != c.selfID {
			c.members[m.PeerID] = struct{}{}
		}
	}

	log.Infof("joined session %q on host %s", c.name, c.hostID)
	go c.readLoop(dec)
	return c, nil
}

func (c *Client) readLoop(dec *json.Decoder) {
	defer c.stream.Close()

	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if c.markClosed() {
				log.Warnf("session connection lost: %v", err)
				c.events.Push(session.Event{Kind: session.EventClosed, Peer: c.hostID})
			}
			return
		}

		switch f.Type {
		case TypeMsg:
			var msg session.Message
			if err := f.decode(&msg); err != nil {
				log.Warnf("bad msg frame: %v", err)
				continue
			}
			c.events.Push(session.Event{Kind: session.EventMessage, Msg: msg})
		case TypeMembers:
			var mp MembersPayload
			if err := f.decode(&mp); err != nil {
				log.Warnf("bad members frame: %v", err)
				continue
			}
			c.applyMembers(mp.Members)
		case TypeClose:
			if c.markClosed() {
				log.Infof("session %q closed by host", c.name)
				c.events.Push(session.Event{Kind: session.EventClosed, Peer: c.hostID})
			}
			return
		}
	}
}

// applyMembers diffs the host's member list against the local view and
// emits joined and left events.
func (c *Client) applyMembers(list []MemberInfo) {
	next := map[string]struct{}{c.hostID: {}}
	for _, m := range list {
		if m.PeerID != c.selfID {
			next[m.PeerID] = struct{}{}
		}
	}

	c.mu.Lock()
	prev := c.members
	c.members = next
	c.mu.Unlock()

	var joined, left []string
	for pid := range next {
		if _, ok := prev[pid]; !ok {
			joined = append(joined, pid)
		}
	}
	for pid := range prev {
		if _, ok := next[pid]; !ok {
			left = append(left, pid)
		}
	}
	sort.Strings(joined)
	sort.Strings(left)
	for _, pid := range left {
		c.events.Push(session.Event{Kind: session.EventPeerLeft, Peer: pid})
	}
	for _, pid := range joined {
		c.events.Push(session.Event{Kind: session.EventPeerJoined, Peer: pid})
	}
}

func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Client) send(f Frame) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return session.ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		return fmt.Errorf("send to host: %w", err)
	}
	return nil
}

// Leave disconnects from the session.
func (c *Client) Leave() error {
	if !c.markClosed() {
		return nil
	}
	c.wmu.Lock()
	c.enc.Encode(Frame{Type: TypeLeave})
	c.wmu.Unlock()
	c.stream.Close()
	c.events.Push(session.Event{Kind: session.EventClosed, Peer: c.selfID})
	log.Infof("left session %q", c.name)
	return nil
}

// Name returns the session name announced by the host.
func (c *Client) Name() string { return c.name }

// ─── session.Transport ───────────────────────────────────────────────────────

func (c *Client) SelfID() string        { return c.selfID }
func (c *Client) CoordinatorID() string { return c.hostID }
func (c *Client) IsCoordinator() bool   { return false }

func (c *Client) Peers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.members)+1)
	out = append(out, c.selfID)
	for pid := range c.members {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out
}

func (c *Client) BroadcastToAll(msg session.Message) error {
	return c.send(newFrame(TypeMsg, msg))
}

func (c *Client) BroadcastToAllBuffered(msg session.Message) error {
	f := newFrame(TypeMsg, msg)
	f.Buffered = true
	return c.send(f)
}

func (c *Client) SendToPeer(peerID string, msg session.Message) error {
	f := newFrame(TypeMsg, msg)
	f.To = peerID
	return c.send(f)
}

func (c *Client) SendToCoordinator(msg session.Message) error {
	return c.SendToPeer(c.hostID, msg)
}

func (c *Client) Events() <-chan session.Event { return c.events.Out() }
