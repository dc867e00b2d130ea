package routes

import (
	"net/http"

	"github.com/petervdpas/boombox/internal/storage"
)

func registerHistoryRoutes(mux *http.ServeMux, d Deps) {
	if d.DB == nil {
		return
	}

	// GET /api/history?limit=N: most recent synchronized plays
	handleGet(mux, "/api/history", func(w http.ResponseWriter, r *http.Request) {
		rows, err := d.DB.RecentPlays(queryInt(r, "limit", 50))
		if err != nil {
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			log.Warnf("history query: %v", err)
			return
		}
		if rows == nil {
			rows = []storage.PlayRow{}
		}
		writeJSON(w, rows)
	})

	handleGet(mux, "/api/history/peers", func(w http.ResponseWriter, r *http.Request) {
		peers, err := d.DB.ListCachedPeers()
		if err != nil {
			http.Error(w, "peer cache unavailable", http.StatusInternalServerError)
			return
		}
		if peers == nil {
			peers = []storage.CachedPeer{}
		}
		writeJSON(w, peers)
	})
}
