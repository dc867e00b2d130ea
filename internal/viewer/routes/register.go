// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/boombox/internal/audio"
	"github.com/petervdpas/boombox/internal/boombox"
	"github.com/petervdpas/boombox/internal/control"
	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/state"
	"github.com/petervdpas/boombox/internal/storage"
)

var log = logging.Logger("viewer")

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Boombox *boombox.Coordinator
	Control *control.Arbiter
	Stream  *audio.StreamDevice

	Session     session.Transport
	SessionName string
	Sessions    *state.SessionTable

	// Invite is nil on peers that do not host the session.
	Invite func(ctx context.Context, peerID string) error

	DB   *storage.DB
	Logs Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)

	registerBoomboxRoutes(mux, d)
	registerControlRoutes(mux, d)
	registerSessionRoutes(mux, d)
	registerHistoryRoutes(mux, d)

	if d.Stream != nil {
		registerStreamRoutes(mux, d)
	}
}
