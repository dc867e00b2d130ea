package boombox

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
)

// barrier is a pending wait for readiness on the active request. It
// re-evaluates on every readiness or membership change; the poll timer is a
// fallback for changes that arrive without an event.
type barrier struct {
	req   *Request
	role  Role
	grace *clock.Timer
	poll  *clock.Timer
}

func (b *barrier) stop() {
	if b.grace != nil {
		b.grace.Stop()
	}
	if b.poll != nil {
		b.poll.Stop()
	}
}

func (c *Coordinator) awaitBarrier(req *Request, role Role) {
	if c.barrier != nil {
		c.barrier.stop()
	}
	b := &barrier{req: req, role: role}
	c.barrier = b
	log.Debugf("awaiting barrier for %s as %s", req.ID, role)
	c.armPoll(b)
	c.evaluateBarrier()
}

func (c *Coordinator) armPoll(b *barrier) {
	b.poll = c.clk.AfterFunc(c.opts.PollInterval, func() {
		c.r.Post(func() {
			if c.barrier != b {
				return
			}
			c.evaluateBarrier()
			if c.barrier == b {
				c.armPoll(b)
			}
		})
	})
}

func (c *Coordinator) evaluateBarrier() {
	b := c.barrier
	if b == nil {
		return
	}
	ready, errored := c.ready.Counts(b.req.Key)
	// Departed peers stay in the errored set, so completeness is judged
	// against the live members only.
	peers := c.t.Peers()
	pending := lo.CountBy(peers, func(p string) bool { return !c.ready.Reported(b.req.Key, p) })

	if pending == 0 {
		log.Infof("barrier %s complete: %d ready, %d errored, %d members", b.req.ID, ready, errored, len(peers))
		c.resolve(b)
		return
	}
	// Sets only grow within an epoch, so once mixed the condition stays true.
	if ready > 0 && errored > 0 && b.grace == nil {
		log.Infof("barrier %s mixed: %d ready, %d errored; resolving in %s", b.req.ID, ready, errored, c.opts.GracePeriod)
		b.grace = c.clk.AfterFunc(c.opts.GracePeriod, func() {
			c.r.Post(func() {
				if c.barrier == b {
					c.resolve(b)
				}
			})
		})
	}
}

func (c *Coordinator) resolve(b *barrier) {
	b.stop()
	if c.barrier == b {
		c.barrier = nil
	}
	if c.active == nil || c.active.ID != b.req.ID {
		log.Debugf("discarding stale barrier for request %s", b.req.ID)
		return
	}
	c.finish(b.req, b.role)
}

// finish broadcasts the outcome of req and closes it locally.
func (c *Coordinator) finish(req *Request, role Role) {
	self := c.t.SelfID()
	ready, errored := c.ready.Counts(req.Key)

	if ready == 0 {
		c.send(TypeNotifyErrors, NotifyErrors{Message: noticeAllFailed, RequestID: req.ID, Terminal: true})
		c.expire(req)
		return
	}

	requester := req.RequesterID
	notice := noticeSomeErrors
	if role == RoleCoordinatorRecovery {
		requester = self
		notice = noticeSomeTimedOut
	}
	if errored > 0 {
		c.send(TypeNotifyErrors, NotifyErrors{Message: fmt.Sprintf(notice, ready), RequestID: req.ID})
	}
	c.send(TypeSyncPlay, SyncPlay{URL: req.Key, RequesterID: requester, RequestID: req.ID})
	c.closeRequest(req)

	if c.opts.OnPlay != nil {
		c.opts.OnPlay(Play{
			RequestID:   req.ID,
			Key:         req.Key,
			Title:       c.cache.Title(req.Key),
			RequesterID: requester,
			Ready:       ready,
			Errored:     errored,
			Recovered:   role == RoleCoordinatorRecovery,
			At:          c.clk.Now(),
		})
	}
}
