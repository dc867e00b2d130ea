package group

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/boombox/internal/proto"
)

// Invite sends a session invitation to a remote peer.
func (g *Host) Invite(ctx context.Context, peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}

	// Best-effort connect
	_ = g.host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := g.host.NewStream(ctx, pid, protocol.ID(proto.SessionInviteProtoID))
	if err != nil {
		return fmt.Errorf("failed to open invite stream: %w", err)
	}
	defer s.Close()

	inv := Invite{
		Session:    g.name,
		HostPeerID: g.selfID,
	}
	for _, a := range g.host.Addrs() {
		inv.Addrs = append(inv.Addrs, a.String())
	}
	if err := json.NewEncoder(s).Encode(inv); err != nil {
		return fmt.Errorf("failed to send invite: %w", err)
	}

	log.Infof("sent invite for session %q to %s", g.name, peerID)
	return nil
}

// HandleInvites registers the invite handler on h. The host's addresses are
// added to the peerstore before fn runs, so fn can Join right away.
func HandleInvites(h host.Host, fn func(Invite)) {
	h.SetStreamHandler(protocol.ID(proto.SessionInviteProtoID), func(s network.Stream) {
		defer s.Close()

		var inv Invite
		if err := json.NewDecoder(s).Decode(&inv); err != nil {
			log.Warnf("failed to decode invite: %v", err)
			return
		}
		// Only the host itself may invite to its session.
		inv.HostPeerID = s.Conn().RemotePeer().String()

		var addrs []ma.Multiaddr
		for _, raw := range inv.Addrs {
			a, err := ma.NewMultiaddr(raw)
			if err != nil {
				continue
			}
			addrs = append(addrs, a)
		}
		if len(addrs) > 0 {
			h.Peerstore().AddAddrs(s.Conn().RemotePeer(), addrs, peerstore.TempAddrTTL)
		}

		log.Infof("received invite for session %q from %s", inv.Session, inv.HostPeerID)
		go fn(inv)
	})
}
