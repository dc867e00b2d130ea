package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/boombox/internal/proto"
	"github.com/petervdpas/boombox/internal/state"
	"github.com/petervdpas/boombox/internal/storage"
	"github.com/petervdpas/boombox/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems. Dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("mdns", "warn")
}

type Options struct {
	ListenPort    int
	KeyFile       string
	MdnsTag       string
	AnnounceTopic string

	// TTL for peerstore addresses learned from announces.
	TTL time.Duration

	Sessions *state.SessionTable
	// DB, when set, caches every announcing peer so it can be dialed by ID later.
	DB *storage.DB
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	sessions *state.SessionTable
	db       *storage.DB
	ttl      time.Duration
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	tag := opts.MdnsTag
	if tag == "" {
		tag = proto.MdnsTag
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(opts.AnnounceTopic)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	sessions := opts.Sessions
	if sessions == nil {
		sessions = state.NewSessionTable(nil)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}

	return &Node{
		Host:     h,
		ps:       ps,
		topic:    topic,
		sub:      sub,
		mdns:     md,
		sessions: sessions,
		db:       opts.DB,
		ttl:      ttl,
	}, nil
}

func (n *Node) Close() error {
	n.sub.Cancel()
	_ = n.mdns.Close()
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Sessions is the table fed by the announce loop.
func (n *Node) Sessions() *state.SessionTable { return n.sessions }

// FullAddrs returns the listen addresses with the /p2p/<id> suffix, ready to
// paste into a join command.
func (n *Node) FullAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.ID()))
	}
	return out
}

// Publish announces a session on the announce topic. The type, peer ID,
// addresses and timestamp are filled in here.
func (n *Node) Publish(ctx context.Context, typ string, ann proto.SessionAnnounce) {
	ann.Type = typ
	ann.PeerID = n.ID()
	ann.TS = proto.NowMillis()
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		ann.Addrs = n.wanAddrs()
	}
	b, _ := json.Marshal(ann)
	if err := n.topic.Publish(ctx, b); err != nil {
		log.Debugf("publish %s: %v", typ, err)
	}
}

// RunAnnounceLoop publishes describe() every interval until ctx ends, then
// publishes an offline announce.
func (n *Node) RunAnnounceLoop(ctx context.Context, interval time.Duration, describe func() proto.SessionAnnounce) {
	n.Publish(ctx, proto.TypeOnline, describe())
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			n.Publish(offCtx, proto.TypeOffline, proto.SessionAnnounce{})
			cancel()
			return
		case <-t.C:
			n.Publish(ctx, proto.TypeUpdate, describe())
		}
	}
}

// RunDiscoveryLoop consumes announces from other peers into the session table
// and prunes sessions that stopped announcing.
func (n *Node) RunDiscoveryLoop(ctx context.Context, onEvent func(proto.SessionAnnounce)) {
	go func() {
		t := time.NewTicker(n.ttl / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n.sessions.PruneStale(n.ttl, 3*n.ttl)
			}
		}
	}()

	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var ann proto.SessionAnnounce
			if err := json.Unmarshal(m.Data, &ann); err != nil {
				continue
			}
			if ann.PeerID == "" || ann.Type == "" || ann.PeerID == n.ID() {
				continue
			}
			// Only the announcing peer may speak for itself
			if m.GetFrom().String() != ann.PeerID {
				continue
			}

			n.handleAnnounce(ann)
			if onEvent != nil {
				onEvent(ann)
			}
		}
	}()
}

func (n *Node) handleAnnounce(ann proto.SessionAnnounce) {
	switch ann.Type {
	case proto.TypeOnline, proto.TypeUpdate:
		n.sessions.Upsert(state.SeenSession{
			HostID:     ann.PeerID,
			Label:      ann.Label,
			Session:    ann.Session,
			Members:    ann.Members,
			NowPlaying: ann.NowPlaying,
			Addrs:      ann.Addrs,
		})
		n.addPeerAddrs(ann.PeerID, ann.Addrs)
		if n.db != nil {
			if err := n.db.UpsertCachedPeer(storage.CachedPeer{
				PeerID:  ann.PeerID,
				Label:   ann.Label,
				Session: ann.Session,
				Addrs:   ann.Addrs,
			}); err != nil {
				log.Warnf("cache peer %s: %v", ann.PeerID, err)
			}
		}
	case proto.TypeOffline:
		n.sessions.MarkOffline(ann.PeerID)
	}
}

// Connect dials target, a bare peer ID or a full /p2p/ multiaddr, and returns
// the peer ID. Bare IDs are dialed with whatever addresses are known from
// announces, the peer cache or mDNS.
func (n *Node) Connect(ctx context.Context, target string) (string, error) {
	info, err := ParseTarget(target)
	if err != nil {
		return "", err
	}
	if len(info.Addrs) == 0 {
		if s, ok := n.sessions.Get(info.ID.String()); ok {
			n.addPeerAddrs(info.ID.String(), s.Addrs)
		} else if n.db != nil {
			if cp, ok := n.db.GetCachedPeer(info.ID.String()); ok {
				n.addPeerAddrs(info.ID.String(), cp.Addrs)
			}
		}
	}
	if err := n.Host.Connect(ctx, info); err != nil {
		return "", fmt.Errorf("connect %s: %w", info.ID, err)
	}
	return info.ID.String(), nil
}

// ParseTarget accepts a peer ID or a multiaddr ending in /p2p/<id>.
func ParseTarget(target string) (peer.AddrInfo, error) {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "/") {
		addr, err := ma.NewMultiaddr(target)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("invalid multiaddr: %w", err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("multiaddr needs a /p2p/ peer id: %w", err)
		}
		return *info, nil
	}
	pid, err := peer.Decode(target)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid peer ID: %w", err)
	}
	return peer.AddrInfo{ID: pid}, nil
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil && ip.IsLinkLocalUnicast() {
			continue
		}
		direct = append(direct, a)
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, n.ttl)
	}
}
