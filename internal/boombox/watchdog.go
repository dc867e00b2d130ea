package boombox

import (
	"github.com/samber/lo"
)

// startWatchdog arms the download timeout for req. It fires at most once and
// only acts while req is still the active request.
func (c *Coordinator) startWatchdog(req *Request) {
	c.stopWatchdog(req.ID)
	c.watchdogs[req.ID] = c.clk.AfterFunc(c.opts.DownloadTimeout, func() {
		c.r.Post(func() { c.onTimeout(req) })
	})
}

func (c *Coordinator) stopWatchdog(id string) {
	if t, ok := c.watchdogs[id]; ok {
		t.Stop()
		delete(c.watchdogs, id)
	}
}

func (c *Coordinator) onTimeout(req *Request) {
	delete(c.watchdogs, req.ID)
	if c.active == nil || c.active.ID != req.ID {
		return
	}
	if !c.t.IsCoordinator() {
		log.Infof("request %s for %s expired", req.ID, req.Key)
		c.expire(req)
		return
	}
	c.recoverTimeout(req)
}

// recoverTimeout marks everyone not ready as errored and plays for the rest.
func (c *Coordinator) recoverTimeout(req *Request) {
	laggards := lo.Filter(c.t.Peers(), func(p string, _ int) bool {
		return !c.ready.IsReady(req.Key, p)
	})
	log.Warnf("download of %s timed out; %d peers not ready", req.Key, len(laggards))
	for _, p := range laggards {
		c.ready.MarkError(req.Key, p)
	}

	if ready, _ := c.ready.Counts(req.Key); ready > 0 {
		c.finish(req, RoleCoordinatorRecovery)
		return
	}
	c.send(TypeNotifyErrors, NotifyErrors{Message: noticeAllTimedOut, RequestID: req.ID, Terminal: true})
	c.expire(req)
}
