package routes

import (
	"fmt"
	"net/http"

	"github.com/petervdpas/boombox/internal/state"
)

type sessionView struct {
	Name        string   `json:"name"`
	Self        string   `json:"self"`
	Coordinator string   `json:"coordinator"`
	Hosting     bool     `json:"hosting"`
	Peers       []string `json:"peers"`
}

func registerSessionRoutes(mux *http.ServeMux, d Deps) {
	if d.Session != nil {
		handleGet(mux, "/api/session", func(w http.ResponseWriter, r *http.Request) {
			t := d.Session
			writeJSON(w, sessionView{
				Name:        d.SessionName,
				Self:        t.SelfID(),
				Coordinator: t.CoordinatorID(),
				Hosting:     t.IsCoordinator(),
				Peers:       t.Peers(),
			})
		})
	}

	if d.Sessions != nil {
		handleGet(mux, "/api/sessions", func(w http.ResponseWriter, r *http.Request) {
			list := d.Sessions.List()
			if list == nil {
				list = []state.SeenSession{}
			}
			writeJSON(w, list)
		})
	}

	// POST /api/session/invite: host invites a peer into its session
	handlePost(mux, "/api/session/invite", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if d.Invite == nil {
			http.Error(w, "only the session host can invite", http.StatusForbidden)
			return
		}
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		if err := d.Invite(r.Context(), req.PeerID); err != nil {
			http.Error(w, fmt.Sprintf("invite failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "invited"})
	})
}
