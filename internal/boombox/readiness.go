package boombox

// Tracker records, per media key, which peers are ready and which failed.
// The first outcome recorded for a peer in an epoch wins.
type Tracker struct {
	sets map[string]*readiness
}

type readiness struct {
	ready   map[string]struct{}
	errored map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{sets: make(map[string]*readiness)}
}

func (t *Tracker) set(key string) *readiness {
	rs, ok := t.sets[key]
	if !ok {
		rs = &readiness{
			ready:   make(map[string]struct{}),
			errored: make(map[string]struct{}),
		}
		t.sets[key] = rs
	}
	return rs
}

// Reset starts a new epoch for key.
func (t *Tracker) Reset(key string) {
	delete(t.sets, key)
	t.set(key)
}

// MarkReady adds peer to the ready set unless it already errored.
func (t *Tracker) MarkReady(key, peer string) bool {
	rs := t.set(key)
	if _, bad := rs.errored[peer]; bad {
		return false
	}
	if _, ok := rs.ready[peer]; ok {
		return false
	}
	rs.ready[peer] = struct{}{}
	return true
}

// MarkError adds peer to the errored set unless it is already ready.
func (t *Tracker) MarkError(key, peer string) bool {
	rs := t.set(key)
	if _, ok := rs.ready[peer]; ok {
		return false
	}
	if _, bad := rs.errored[peer]; bad {
		return false
	}
	rs.errored[peer] = struct{}{}
	return true
}

func (t *Tracker) IsReady(key, peer string) bool {
	rs, ok := t.sets[key]
	if !ok {
		return false
	}
	_, ready := rs.ready[peer]
	return ready
}

func (t *Tracker) IsErrored(key, peer string) bool {
	rs, ok := t.sets[key]
	if !ok {
		return false
	}
	_, bad := rs.errored[peer]
	return bad
}

// Reported reports whether peer has any outcome for key in this epoch.
func (t *Tracker) Reported(key, peer string) bool {
	return t.IsReady(key, peer) || t.IsErrored(key, peer)
}

func (t *Tracker) Counts(key string) (ready, errored int) {
	rs, ok := t.sets[key]
	if !ok {
		return 0, 0
	}
	return len(rs.ready), len(rs.errored)
}

// Forget drops all readiness data for key.
func (t *Tracker) Forget(key string) {
	delete(t.sets, key)
}
