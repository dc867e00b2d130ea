// Package viewer serves the local operator API: playback commands, control
// arbitration, session info and the audio stream.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/boombox/internal/audio"
	"github.com/petervdpas/boombox/internal/boombox"
	"github.com/petervdpas/boombox/internal/control"
	"github.com/petervdpas/boombox/internal/session"
	"github.com/petervdpas/boombox/internal/state"
	"github.com/petervdpas/boombox/internal/storage"
	"github.com/petervdpas/boombox/internal/viewer/routes"
)

type Viewer struct {
	Boombox *boombox.Coordinator
	Control *control.Arbiter
	Stream  *audio.StreamDevice

	Session     session.Transport
	SessionName string
	Sessions    *state.SessionTable

	// Invite is set on the hosting peer only.
	Invite func(ctx context.Context, peerID string) error

	DB   *storage.DB
	Logs *LogBuffer
}

// Handler builds the API mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Boombox:     v.Boombox,
		Control:     v.Control,
		Stream:      v.Stream,
		Session:     v.Session,
		SessionName: v.SessionName,
		Sessions:    v.Sessions,
		Invite:      v.Invite,
		DB:          v.DB,
	}
	// A nil *LogBuffer must stay a nil interface
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	return noCache(mux)
}

// Start serves the API on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
