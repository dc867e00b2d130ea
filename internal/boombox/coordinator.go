// Package boombox implements synchronized group playback: a play request is
// fetched by every peer, readiness is collected at a barrier, and the
// resolver tells everyone to start from their local copy.
package boombox

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/boombox/internal/audio"
	"github.com/petervdpas/boombox/internal/fetch"
	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/util"
)

var log = logging.Logger("boombox")

// Fetcher turns a media URL into a local audio file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Result, error)
}

type Options struct {
	DownloadTimeout time.Duration
	GracePeriod     time.Duration
	PollInterval    time.Duration
	MaxVolume       float64
	Volume          float64
	Quality         int
	NoticeBuffer    int
	Clock           clock.Clock

	// CanOperate gates the local operator commands. Nil allows everything.
	CanOperate func() bool

	// OnPlay runs on the reactor after this peer resolves a barrier.
	OnPlay func(Play)
}

func (o Options) withDefaults() Options {
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 40 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.MaxVolume <= 0 {
		o.MaxVolume = 0.8
	}
	o.Volume = util.Clamp(o.Volume, 0, 1)
	o.Quality = util.Clamp(o.Quality, audio.MinQuality, audio.MaxQuality)
	if o.NoticeBuffer <= 0 {
		o.NoticeBuffer = 50
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Coordinator is one peer's side of the playback protocol. Everything except
// the status snapshot is owned by the reactor goroutine.
type Coordinator struct {
	r       *session.Reactor
	t       session.Transport
	fetcher Fetcher
	device  audio.Device
	opts    Options
	clk     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	cache *Cache
	ready *Tracker

	active    *Request
	watchdogs map[string]*clock.Timer
	barrier   *barrier
	catchUp   string

	state   PlaybackState
	current string
	title   string
	quality int
	volume  float64
	playing *audio.Clip

	notices *util.RingBuffer[Notice]

	mu     sync.RWMutex
	status Status
	subs   map[chan Status]struct{}
}

// New wires a coordinator into r. Call before r.Run.
func New(r *session.Reactor, fetcher Fetcher, device audio.Device, opts Options) *Coordinator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		r:         r,
		t:         r.Transport(),
		fetcher:   fetcher,
		device:    device,
		opts:      opts,
		clk:       opts.Clock,
		ctx:       ctx,
		cancel:    cancel,
		cache:     NewCache(),
		ready:     NewTracker(),
		watchdogs: make(map[string]*clock.Timer),
		quality:   opts.Quality,
		volume:    opts.Volume,
		notices:   util.NewRingBuffer[Notice](opts.NoticeBuffer),
		subs:      make(map[chan Status]struct{}),
	}
	c.status = c.snapshot()

	r.Handle(TypeRequestPlay, c.onRequestPlay)
	r.Handle(TypeReportReady, c.onReportReady)
	r.Handle(TypeReportError, c.onReportError)
	r.Handle(TypeNotifyErrors, c.onNotifyErrors)
	r.Handle(TypeSetTitle, c.onSetTitle)
	r.Handle(TypeSyncPlay, c.onSyncPlay)
	r.Handle(TypePause, c.onPause)
	r.Handle(TypeStop, c.onStop)
	r.Handle(TypeSetQuality, c.onSetQuality)
	r.Handle(TypeSetVolume, c.onSetVolume)
	r.OnPeerJoined(c.onPeerJoined)
	r.OnPeerLeft(c.onPeerLeft)
	r.OnClosed(c.onClosed)
	r.AfterEach(c.publish)
	return c
}

// Close cancels in-flight fetches.
func (c *Coordinator) Close() {
	c.cancel()
}

// ─── Local commands ──────────────────────────────────────────────────────────

// Play asks the session to play url.
func (c *Coordinator) Play(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	return c.r.Call(ctx, func() error {
		if err := c.authorize(); err != nil {
			return err
		}
		if !ValidURL(url) {
			c.notify(noticeInvalidURL)
			return ErrInvalidURL
		}
		if c.active != nil && !c.t.IsCoordinator() {
			c.notify(noticeBusy)
			return ErrBusy
		}
		return session.Send(c.t, TypeRequestPlay, RequestPlay{
			URL:         url,
			RequesterID: c.t.SelfID(),
			RequestID:   uuid.NewString(),
		})
	})
}

func (c *Coordinator) Pause(ctx context.Context) error {
	return c.r.Call(ctx, func() error {
		if err := c.authorize(); err != nil {
			return err
		}
		if c.state != StatePlaying {
			return ErrNotPlaying
		}
		return session.Send(c.t, TypePause, Pause{RequesterID: c.t.SelfID()})
	})
}

// Resume restarts the paused song on every peer without a new download round.
func (c *Coordinator) Resume(ctx context.Context) error {
	return c.r.Call(ctx, func() error {
		if err := c.authorize(); err != nil {
			return err
		}
		if c.state != StatePaused {
			return ErrNotPlaying
		}
		if c.active != nil {
			return ErrBusy
		}
		return session.Send(c.t, TypeSyncPlay, SyncPlay{URL: c.current, RequesterID: c.t.SelfID()})
	})
}

func (c *Coordinator) Stop(ctx context.Context) error {
	return c.r.Call(ctx, func() error {
		if err := c.authorize(); err != nil {
			return err
		}
		if c.state != StatePlaying && c.state != StatePaused {
			return ErrNotPlaying
		}
		return session.Send(c.t, TypeStop, Stop{RequesterID: c.t.SelfID()})
	})
}

// SetVolume sets the normalized session volume (0..1).
func (c *Coordinator) SetVolume(ctx context.Context, level float64) error {
	return c.r.Call(ctx, func() error {
		if err := c.authorize(); err != nil {
			return err
		}
		return session.SendBuffered(c.t, TypeSetVolume, SetVolume{
			Level:       util.Clamp(level, 0, 1),
			RequesterID: c.t.SelfID(),
		})
	})
}

// SetQuality sets the session low-pass level (0..4).
func (c *Coordinator) SetQuality(ctx context.Context, level int) error {
	return c.r.Call(ctx, func() error {
		if err := c.authorize(); err != nil {
			return err
		}
		return session.SendBuffered(c.t, TypeSetQuality, SetQuality{
			Level:       util.Clamp(level, audio.MinQuality, audio.MaxQuality),
			RequesterID: c.t.SelfID(),
		})
	})
}

// Evict drops a cached download on this peer only.
func (c *Coordinator) Evict(ctx context.Context, url string) (bool, error) {
	var found bool
	err := c.r.Call(ctx, func() error {
		c.ready.Forget(url)
		found = c.cache.Evict(url)
		return nil
	})
	return found, err
}

// ClearCache evicts every cached download on this peer.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	return c.r.Call(ctx, func() error {
		for _, k := range c.cache.Keys() {
			c.ready.Forget(k)
		}
		c.cache.Clear()
		return nil
	})
}

// Status returns the last published snapshot.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Notices returns recent notices, oldest first.
func (c *Coordinator) Notices() []Notice {
	return c.notices.Snapshot()
}

// Subscribe returns a channel of status changes and its cancel func.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.status
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) authorize() error {
	if c.opts.CanOperate != nil && !c.opts.CanOperate() {
		return ErrNoControl
	}
	return nil
}

// ─── Protocol handlers ───────────────────────────────────────────────────────

func (c *Coordinator) onRequestPlay(msg session.Message) {
	req, ok := decode[RequestPlay](msg)
	if !ok {
		return
	}
	requester := msg.From
	self := c.t.SelfID()

	if !ValidURL(req.URL) {
		log.Warnf("rejecting invalid url %q from %s", req.URL, requester)
		if requester == self {
			c.notify(noticeInvalidURL)
		}
		return
	}
	if c.active != nil && requester != c.t.CoordinatorID() {
		log.Infof("busy with %s, ignoring %s from %s", c.active.Key, req.URL, requester)
		if requester == self {
			c.notify(noticeBusy)
		}
		return
	}
	if c.active != nil {
		log.Infof("coordinator request for %s supersedes %s", req.URL, c.active.ID)
		c.closeRequest(c.active)
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	c.open(&Request{
		ID:          id,
		Key:         req.URL,
		RequesterID: requester,
		IssuedAt:    c.clk.Now(),
	})
}

func (c *Coordinator) open(req *Request) {
	c.active = req
	c.catchUp = ""
	c.ready.Reset(req.Key)
	c.startWatchdog(req)
	c.stopPlayback()
	c.state = StateDownloading

	if req.RequesterID == c.t.SelfID() {
		c.notify(fmt.Sprintf(noticeDownloading, req.Key))
	}

	if _, hit := c.cache.Get(req.Key); hit {
		log.Debugf("cache hit for %s", req.Key)
		c.reportReady(req)
		return
	}
	c.startFetch(req.Key, func(f fetched) { c.onFetched(req, f) })
}

type fetched struct {
	title string
	clip  *audio.Clip
	err   error
}

// startFetch downloads and loads key off the reactor, then runs done on it.
func (c *Coordinator) startFetch(key string, done func(fetched)) {
	go func() {
		res, err := c.fetcher.Fetch(c.ctx, key)
		var clip *audio.Clip
		if err == nil {
			clip, err = c.device.Load(res.Path)
		}
		c.r.Post(func() { done(fetched{title: res.Title, clip: clip, err: err}) })
	}()
}

// store caches a successful fetch and replicates its title.
func (c *Coordinator) store(key string, f fetched) {
	if e, ok := c.cache.Get(key); !ok || e.Clip.Path != f.clip.Path {
		c.cache.Put(key, f.clip, f.title)
	} else if e.Clip != f.clip {
		f.clip.Discard()
	}
	title := f.title
	if title == "" {
		title = unknownTitle
	}
	c.cache.SetTitle(key, title)
	c.sendBuffered(TypeSetTitle, SetTitle{URL: key, Title: title})
}

func (c *Coordinator) onFetched(req *Request, f fetched) {
	if f.err == nil {
		c.store(req.Key, f)
	}
	if c.active == nil || c.active.ID != req.ID {
		log.Debugf("discarding stale fetch of %s for request %s", req.Key, req.ID)
		return
	}

	self := c.t.SelfID()
	if f.err != nil {
		log.Warnf("fetch %s failed: %v", req.Key, f.err)
		c.notify(fmt.Sprintf(noticeFetchFailed, f.err))
		c.ready.MarkError(req.Key, self)
		c.send(TypeReportError, ReportError{
			PeerID:    self,
			URL:       req.Key,
			Message:   f.err.Error(),
			RequestID: req.ID,
		})
		c.state = StateIdle
		if req.RequesterID == self {
			c.awaitBarrier(req, RoleRequester)
		}
		return
	}
	c.reportReady(req)
}

func (c *Coordinator) reportReady(req *Request) {
	self := c.t.SelfID()
	c.ready.MarkReady(req.Key, self)
	c.send(TypeReportReady, ReportReady{PeerID: self, URL: req.Key, RequestID: req.ID})
	c.state = StateAwaitingSyncBarrier

	if req.RequesterID == self {
		c.notify(noticeWaiting)
		c.awaitBarrier(req, RoleRequester)
	}
}

// stale reports whether a readiness message belongs to an older request for
// the key that is active now.
func (c *Coordinator) stale(key, requestID string) bool {
	return c.active != nil && c.active.Key == key && requestID != "" && requestID != c.active.ID
}

func (c *Coordinator) onReportReady(msg session.Message) {
	rep, ok := decode[ReportReady](msg)
	if !ok {
		return
	}
	if c.stale(rep.URL, rep.RequestID) {
		log.Debugf("stale ready from %s for request %s", msg.From, rep.RequestID)
		return
	}
	if c.ready.MarkReady(rep.URL, msg.From) {
		log.Debugf("%s ready for %s", msg.From, rep.URL)
	}
	c.evaluateBarrier()
}

func (c *Coordinator) onReportError(msg session.Message) {
	rep, ok := decode[ReportError](msg)
	if !ok {
		return
	}
	if c.stale(rep.URL, rep.RequestID) {
		log.Debugf("stale error from %s for request %s", msg.From, rep.RequestID)
		return
	}
	if c.ready.MarkError(rep.URL, msg.From) {
		log.Warnf("%s failed to fetch %s: %s", msg.From, rep.URL, rep.Message)
	}
	c.evaluateBarrier()
}

func (c *Coordinator) onNotifyErrors(msg session.Message) {
	n, ok := decode[NotifyErrors](msg)
	if !ok {
		return
	}
	c.notify(n.Message)
	if n.Terminal && c.active != nil && (n.RequestID == "" || n.RequestID == c.active.ID) {
		c.expire(c.active)
	}
}

func (c *Coordinator) onSetTitle(msg session.Message) {
	st, ok := decode[SetTitle](msg)
	if !ok {
		return
	}
	c.cache.SetTitle(st.URL, st.Title)
	if c.current == st.URL && c.title != st.Title {
		c.title = st.Title
		if c.state == StatePlaying {
			c.notify(fmt.Sprintf(noticeNowPlaying, c.title))
		}
	}
}

func (c *Coordinator) onSyncPlay(msg session.Message) {
	sp, ok := decode[SyncPlay](msg)
	if !ok {
		return
	}
	if c.active != nil {
		switch {
		case !sp.CatchUp && sp.RequestID != "" && sp.RequestID != c.active.ID:
			log.Debugf("ignoring stale sync play of %s for request %s", sp.URL, sp.RequestID)
			return
		case sp.RequestID == c.active.ID || c.active.Key == sp.URL:
			c.closeRequest(c.active)
		}
	}

	if c.current == sp.URL && c.playing != nil {
		switch c.state {
		case StatePlaying:
			return
		case StatePaused:
			c.resume()
			return
		}
	}

	e, hit := c.cache.Get(sp.URL)
	if !hit {
		if sp.CatchUp {
			c.startCatchUp(sp.URL)
			return
		}
		log.Errorf("sync play for %s but it is not cached", sp.URL)
		if c.state == StateDownloading || c.state == StateAwaitingSyncBarrier {
			c.state = StateIdle
		}
		return
	}
	c.startPlayback(sp.URL, e)
}

func (c *Coordinator) onPause(msg session.Message) {
	if c.state != StatePlaying || c.playing == nil {
		return
	}
	c.device.Pause(c.playing)
	c.state = StatePaused
	c.notify(fmt.Sprintf(noticePaused, c.displayTitle()))
}

func (c *Coordinator) onStop(msg session.Message) {
	if c.state != StatePlaying && c.state != StatePaused {
		return
	}
	c.stopPlayback()
	c.state = StateStopped
	c.notify(fmt.Sprintf(noticeStopped, c.displayTitle()))
}

func (c *Coordinator) onSetQuality(msg session.Message) {
	q, ok := decode[SetQuality](msg)
	if !ok {
		return
	}
	c.quality = util.Clamp(q.Level, audio.MinQuality, audio.MaxQuality)
	c.device.SetLowPassQuality(c.quality)
}

func (c *Coordinator) onSetVolume(msg session.Message) {
	v, ok := decode[SetVolume](msg)
	if !ok {
		return
	}
	c.volume = util.Clamp(v.Level, 0, 1)
	c.device.SetVolume(c.volume * c.opts.MaxVolume)
}

// onPeerJoined brings a late joiner into the song the coordinator is playing.
func (c *Coordinator) onPeerJoined(peer string) {
	self := c.t.SelfID()
	if !c.t.IsCoordinator() || peer == self {
		return
	}
	if c.state != StatePlaying || c.current == "" {
		return
	}
	log.Infof("catching up %s on %s", peer, c.current)
	if title := c.cache.Title(c.current); title != "" {
		c.sendTo(peer, TypeSetTitle, SetTitle{URL: c.current, Title: title})
	}
	c.sendTo(peer, TypeSyncPlay, SyncPlay{URL: c.current, RequesterID: self, CatchUp: true})
	c.sendTo(peer, TypeSetQuality, SetQuality{Level: c.quality, RequesterID: self})
	c.sendTo(peer, TypeSetVolume, SetVolume{Level: c.volume, RequesterID: self})
}

func (c *Coordinator) onPeerLeft(peer string) {
	if c.active == nil {
		return
	}
	if c.ready.MarkError(c.active.Key, peer) {
		log.Infof("%s left before it was ready for %s", peer, c.active.Key)
	}
	c.evaluateBarrier()
}

func (c *Coordinator) onClosed() {
	if c.active != nil {
		c.closeRequest(c.active)
	}
	c.stopPlayback()
	c.state = StateIdle
	c.notify("Session ended.")
}

// ─── Playback ────────────────────────────────────────────────────────────────

func (c *Coordinator) startCatchUp(key string) {
	if c.catchUp == key {
		return
	}
	c.catchUp = key
	c.stopPlayback()
	c.state = StateDownloading
	c.notify(fmt.Sprintf(noticeCatchingUp, key))

	c.startFetch(key, func(f fetched) {
		if f.err == nil {
			c.store(key, f)
		}
		if c.catchUp != key {
			return
		}
		c.catchUp = ""
		if f.err != nil {
			log.Warnf("catch-up fetch %s failed: %v", key, f.err)
			c.notify(fmt.Sprintf(noticeFetchFailed, f.err))
			c.state = StateIdle
			return
		}
		e, _ := c.cache.Get(key)
		c.startPlayback(key, e)
	})
}

func (c *Coordinator) startPlayback(key string, e Entry) {
	c.stopPlayback()
	c.playing = e.Clip.Retain()
	c.current = key
	c.title = c.cache.Title(key)

	c.device.SetLowPassQuality(c.quality)
	c.device.SetVolume(c.volume * c.opts.MaxVolume)
	if err := c.device.Play(c.playing); err != nil {
		log.Errorf("play %s: %v", key, err)
		c.playing.Release()
		c.playing = nil
		c.state = StateIdle
		c.notify(fmt.Sprintf(noticeFetchFailed, err))
		return
	}
	c.state = StatePlaying
	c.notify(fmt.Sprintf(noticeNowPlaying, c.displayTitle()))
}

func (c *Coordinator) resume() {
	if err := c.device.Play(c.playing); err != nil {
		log.Errorf("resume %s: %v", c.current, err)
		return
	}
	c.state = StatePlaying
	c.notify(fmt.Sprintf(noticeNowPlaying, c.displayTitle()))
}

func (c *Coordinator) stopPlayback() {
	if c.playing == nil {
		return
	}
	c.device.Stop(c.playing)
	c.playing.Release()
	c.playing = nil
}

func (c *Coordinator) displayTitle() string {
	if c.title != "" {
		return c.title
	}
	return c.current
}

// ─── Request lifecycle ───────────────────────────────────────────────────────

// closeRequest forgets req locally: watchdog, barrier and busy flag.
func (c *Coordinator) closeRequest(req *Request) {
	c.stopWatchdog(req.ID)
	if c.barrier != nil && c.barrier.req.ID == req.ID {
		c.barrier.stop()
		c.barrier = nil
	}
	if c.active != nil && c.active.ID == req.ID {
		c.active = nil
	}
}

// expire ends req without playback.
func (c *Coordinator) expire(req *Request) {
	c.closeRequest(req)
	if c.state == StateDownloading || c.state == StateAwaitingSyncBarrier {
		c.state = StateIdle
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func decode[T any](msg session.Message) (T, bool) {
	var v T
	if err := msg.Decode(&v); err != nil {
		log.Warnf("dropping %s from %s: %v", msg.Type, msg.From, err)
		return v, false
	}
	return v, true
}

func (c *Coordinator) send(typ string, payload any) {
	if err := session.Send(c.t, typ, payload); err != nil {
		log.Warnf("send %s: %v", typ, err)
	}
}

func (c *Coordinator) sendBuffered(typ string, payload any) {
	if err := session.SendBuffered(c.t, typ, payload); err != nil {
		log.Warnf("send %s: %v", typ, err)
	}
}

func (c *Coordinator) sendTo(peer, typ string, payload any) {
	if err := session.SendTo(c.t, peer, typ, payload); err != nil {
		log.Warnf("send %s to %s: %v", typ, peer, err)
	}
}

func (c *Coordinator) notify(text string) {
	c.notices.Push(Notice{At: c.clk.Now(), Text: text})
	log.Infof("notice: %s", text)
}

func (c *Coordinator) snapshot() Status {
	st := Status{
		PeerID:      c.t.SelfID(),
		Coordinator: c.t.IsCoordinator(),
		State:       c.state,
		MediaKey:    c.current,
		Title:       c.displayTitle(),
		Quality:     c.quality,
		Volume:      c.volume,
		Busy:        c.active != nil,
		Peers:       len(c.t.Peers()),
		Cached:      c.cache.Keys(),
	}
	if c.active != nil {
		req := *c.active
		st.Request = &req
		st.Ready, st.Errored = c.ready.Counts(req.Key)
	}
	if c.barrier != nil {
		st.AwaitingAs = c.barrier.role.String()
	}
	if n, ok := c.notices.Last(); ok {
		st.Notice = n.Text
	}
	return st
}

// publish runs after every reactor step and fans out changed snapshots.
func (c *Coordinator) publish() {
	st := c.snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	if sameStatus(c.status, st) {
		return
	}
	c.status = st
	for ch := range c.subs {
		util.SendLatest(ch, st)
	}
}

func sameStatus(a, b Status) bool {
	ar, br := "", ""
	if a.Request != nil {
		ar = a.Request.ID
	}
	if b.Request != nil {
		br = b.Request.ID
	}
	return a.PeerID == b.PeerID && a.Coordinator == b.Coordinator && a.State == b.State &&
		a.MediaKey == b.MediaKey && a.Title == b.Title && a.Quality == b.Quality &&
		a.Volume == b.Volume && a.Busy == b.Busy && ar == br && a.Ready == b.Ready &&
		a.Errored == b.Errored && a.Peers == b.Peers && a.AwaitingAs == b.AwaitingAs &&
		a.Notice == b.Notice && slices.Equal(a.Cached, b.Cached)
}
