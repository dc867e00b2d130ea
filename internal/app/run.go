package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/boombox/internal/audio"
	"github.com/petervdpas/boombox/internal/boombox"
	"github.com/petervdpas/boombox/internal/config"
	"github.com/petervdpas/boombox/internal/control"
	"github.com/petervdpas/boombox/internal/fetch"
	"github.com/petervdpas/boombox/internal/group"
	"github.com/petervdpas/boombox/internal/p2p"
	"github.com/petervdpas/boombox/internal/proto"
	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/state"
	"github.com/petervdpas/boombox/internal/storage"
	"github.com/petervdpas/boombox/internal/util"
	"github.com/petervdpas/boombox/internal/viewer"
)

var log = logging.Logger("app")

// Mode says whether this peer hosts the session or joins one.
type Mode int

const (
	ModeHost Mode = iota
	ModeJoin
)

func (m Mode) String() string {
	if m == ModeJoin {
		return "member"
	}
	return "host"
}

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	Mode    Mode

	// Target is the host to join: a peer ID or a /p2p/ multiaddr. Empty
	// falls back to the last joined session.
	Target string
}

var ErrNoTarget = errors.New("no host to join: pass a peer ID or multiaddr")

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))
	defer pipe.Close()
	go func() { _, _ = io.Copy(logBuf, pipe) }()

	setLogLevel(cfg.Logging.Level)
	logBanner(opt.Mode, opt.PeerDir, opt.CfgPath)

	// ── History
	var db *storage.DB
	if cfg.History.Enabled {
		var err error
		db, err = storage.Open(util.ResolvePath(opt.PeerDir, cfg.History.Dir))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
	}

	// ── P2P node
	sessions := state.NewSessionTable(nil)
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:    cfg.P2P.ListenPort,
		KeyFile:       util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:       cfg.P2P.MdnsTag,
		AnnounceTopic: cfg.Session.AnnounceTopic,
		TTL:           cfg.Session.TTL(),
		Sessions:      sessions,
		DB:            db,
	})
	if err != nil {
		return err
	}
	defer node.Close()

	log.Infof("peer id: %s", node.ID())
	for _, a := range node.FullAddrs() {
		log.Infof("listening: %s", a)
	}

	node.RunDiscoveryLoop(ctx, func(ann proto.SessionAnnounce) {
		log.Debugf("[%s] session %q on %s (%d members)", ann.Type, ann.Session, ann.PeerID, ann.Members)
	})

	group.HandleInvites(node.Host, func(inv group.Invite) {
		log.Infof("invited to session %q by %s, join with: boombox join <dir> %s", inv.Session, inv.HostPeerID, inv.HostPeerID)
		rememberInvite(db, inv)
	})

	// ── Session transport
	var (
		tr     session.Transport
		name   string
		invite func(context.Context, string) error
		leave  func() error
	)
	switch opt.Mode {
	case ModeHost:
		g := group.NewHost(node.Host, cfg.Session.Name, cfg.Session.ReplayBuffer)
		tr, name, invite, leave = g, g.Name(), g.Invite, g.Close
		recordSession(db, node.ID(), name, "host")
	case ModeJoin:
		c, err := joinSession(ctx, node, db, opt.Target)
		if err != nil {
			return err
		}
		tr, name, leave = c, c.Name(), c.Leave
		recordSession(db, c.CoordinatorID(), name, "member")
	}

	// ── Playback protocol
	reactor := session.NewReactor(tr)
	arb := control.New(reactor, control.Options{
		OnChange: func(owner string) {
			if owner == "" {
				log.Infof("controls are free")
				return
			}
			log.Infof("controls held by %s", owner)
		},
	})

	plays := util.NewQueue[boombox.Play]()
	defer plays.Close()

	device := audio.NewStreamDevice()
	bb := boombox.New(reactor,
		fetch.New(cfg.Fetcher, util.ResolvePath(opt.PeerDir, cfg.Fetcher.WorkDir)),
		device,
		boombox.Options{
			DownloadTimeout: cfg.Boombox.DownloadTimeout(),
			GracePeriod:     cfg.Boombox.GracePeriod(),
			PollInterval:    cfg.Boombox.PollInterval(),
			MaxVolume:       cfg.Audio.MaxVolume,
			Volume:          cfg.Audio.DefaultVolume,
			Quality:         cfg.Audio.DefaultQuality,
			NoticeBuffer:    cfg.Boombox.NoticeBuffer,
			CanOperate:      arb.HoldsControl,
			OnPlay:          plays.Push,
		})
	defer bb.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := reactor.Run(gctx)
		if errors.Is(err, session.ErrClosed) {
			log.Infof("session %q ended", name)
			return errSessionEnded
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return leave()
	})

	if db != nil {
		g.Go(func() error {
			recordPlays(gctx, db, plays.Out())
			return nil
		})
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		log.Infof("operator panel API: %s", url)
		g.Go(func() error {
			return viewer.Start(gctx, addr, viewer.Viewer{
				Boombox:     bb,
				Control:     arb,
				Stream:      device,
				Session:     tr,
				SessionName: name,
				Sessions:    sessions,
				Invite:      invite,
				DB:          db,
				Logs:        logBuf,
			})
		})
	}

	if opt.Mode == ModeHost {
		g.Go(func() error {
			node.RunAnnounceLoop(gctx, cfg.Session.AnnounceInterval(), func() proto.SessionAnnounce {
				return describe(cfg, name, tr, bb.Status())
			})
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

var errSessionEnded = errors.New("session ended")

func joinSession(ctx context.Context, node *p2p.Node, db *storage.DB, target string) (*group.Client, error) {
	target = strings.TrimSpace(target)
	if target == "" && db != nil {
		if last, ok := db.LastJoined(); ok {
			log.Infof("rejoining last session %q on %s", last.Name, last.HostPeerID)
			target = last.HostPeerID
		}
	}
	if target == "" {
		return nil, ErrNoTarget
	}

	jctx, cancel := context.WithTimeout(ctx, util.DefaultJoinTimeout)
	defer cancel()

	hostID, err := node.Connect(jctx, target)
	if err != nil {
		return nil, err
	}
	c, err := group.Join(jctx, node.Host, hostID)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", hostID, err)
	}
	return c, nil
}

// describe is the announce published for a hosted session.
func describe(cfg config.Config, name string, tr session.Transport, st boombox.Status) proto.SessionAnnounce {
	ann := proto.SessionAnnounce{
		Label:   cfg.Identity.Label,
		Session: name,
		Members: len(tr.Peers()),
	}
	if st.State == boombox.StatePlaying || st.State == boombox.StatePaused {
		ann.NowPlaying = st.Title
	}
	return ann
}

func recordSession(db *storage.DB, hostID, name, role string) {
	if db == nil {
		return
	}
	if err := db.RecordSession(hostID, name, role); err != nil {
		log.Warnf("record session: %v", err)
	}
}

// rememberInvite caches the inviting host so a later join can dial it by ID.
func rememberInvite(db *storage.DB, inv group.Invite) {
	if db == nil {
		return
	}
	if err := db.UpsertCachedPeer(storage.CachedPeer{PeerID: inv.HostPeerID, Session: inv.Session, Addrs: inv.Addrs}); err != nil {
		log.Warnf("cache inviting host %s: %v", inv.HostPeerID, err)
	}
}

// recordPlays writes resolved plays to the history off the reactor.
func recordPlays(ctx context.Context, db *storage.DB, plays <-chan boombox.Play) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-plays:
			if !ok {
				return
			}
			if err := db.RecordPlay(storage.PlayRow{
				RequestID:   p.RequestID,
				MediaKey:    p.Key,
				Title:       p.Title,
				RequesterID: p.RequesterID,
				Ready:       p.Ready,
				Errored:     p.Errored,
				Recovered:   p.Recovered,
				PlayedAt:    p.At,
			}); err != nil {
				log.Warnf("record play: %v", err)
			}
		}
	}
}

func setLogLevel(level string) {
	if strings.TrimSpace(level) == "" {
		return
	}
	for _, name := range subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Warnf("log level %q for %s: %v", level, name, err)
		}
	}
}
