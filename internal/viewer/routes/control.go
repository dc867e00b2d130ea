package routes

import (
	"net/http"
)

func registerControlRoutes(mux *http.ServeMux, d Deps) {
	if d.Control == nil {
		return
	}
	arb := d.Control

	handleGet(mux, "/api/control", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arb.Status())
	})

	// POST /api/control/request: needs an open panel (see /api/boombox/ws)
	handlePost(mux, "/api/control/request", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := arb.RequestControl(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, arb.Status())
	})

	handlePost(mux, "/api/control/release", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := arb.ReleaseControl(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, arb.Status())
	})
}
