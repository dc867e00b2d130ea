package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/boombox/internal/audio"
	"github.com/petervdpas/boombox/internal/boombox"
	"github.com/petervdpas/boombox/internal/control"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The panel runs on localhost, from a browser tab or a file:// page
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PanelEvent is one frame on the panel websocket.
type PanelEvent struct {
	Type    string          `json:"type"` // boombox|control
	Boombox *boombox.Status `json:"boombox,omitempty"`
	Control *control.Status `json:"control,omitempty"`
}

const wsWriteTimeout = 5 * time.Second

func registerBoomboxRoutes(mux *http.ServeMux, d Deps) {
	bb := d.Boombox

	handleGet(mux, "/api/boombox/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, bb.Status())
	})

	handleGet(mux, "/api/boombox/notices", func(w http.ResponseWriter, r *http.Request) {
		notices := bb.Notices()
		if notices == nil {
			notices = []boombox.Notice{}
		}
		writeJSON(w, notices)
	})

	// POST /api/boombox/play: ask the session to play a URL
	handlePost(mux, "/api/boombox/play", func(w http.ResponseWriter, r *http.Request, req struct {
		URL string `json:"url"`
	}) {
		if err := bb.Play(r.Context(), req.URL); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "requested"})
	})

	command := func(path string, fn func(ctx context.Context) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(r.Context()); err != nil {
				writeError(w, err)
				return
			}
			writeOK(w)
		})
	}
	command("/api/boombox/pause", bb.Pause)
	command("/api/boombox/resume", bb.Resume)
	command("/api/boombox/stop", bb.Stop)
	command("/api/boombox/clear", bb.ClearCache)

	handlePost(mux, "/api/boombox/volume", func(w http.ResponseWriter, r *http.Request, req struct {
		Level *float64 `json:"level"`
	}) {
		if req.Level == nil {
			http.Error(w, "missing level", http.StatusBadRequest)
			return
		}
		if err := bb.SetVolume(r.Context(), *req.Level); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	})

	handlePost(mux, "/api/boombox/quality", func(w http.ResponseWriter, r *http.Request, req struct {
		Level *int `json:"level"`
	}) {
		if req.Level == nil {
			http.Error(w, "missing level", http.StatusBadRequest)
			return
		}
		if *req.Level < audio.MinQuality || *req.Level > audio.MaxQuality {
			http.Error(w, "level out of range", http.StatusBadRequest)
			return
		}
		if err := bb.SetQuality(r.Context(), *req.Level); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	})

	// POST /api/boombox/evict: drop one cached download on this peer
	handlePost(mux, "/api/boombox/evict", func(w http.ResponseWriter, r *http.Request, req struct {
		URL string `json:"url"`
	}) {
		if req.URL == "" {
			http.Error(w, "missing url", http.StatusBadRequest)
			return
		}
		found, err := bb.Evict(r.Context(), req.URL)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"evicted": found})
	})

	// GET /api/boombox/ws: live status for an open operator panel
	handleGet(mux, "/api/boombox/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("panel websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		if d.Control != nil {
			done := d.Control.Engage()
			defer done()
		}
		log.Debugf("operator panel connected from %s", r.RemoteAddr)

		bbCh, cancelBB := bb.Subscribe()
		defer cancelBB()
		var ctlCh <-chan control.Status
		if d.Control != nil {
			ch, cancelCtl := d.Control.Subscribe()
			defer cancelCtl()
			ctlCh = ch
		}

		// Drain incoming frames so close and ping frames are processed.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(ev PanelEvent) error {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteMessage(websocket.TextMessage, data)
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case <-gone:
				log.Debugf("operator panel disconnected from %s", r.RemoteAddr)
				return
			case st, ok := <-bbCh:
				if !ok {
					return
				}
				if err := send(PanelEvent{Type: "boombox", Boombox: &st}); err != nil {
					return
				}
			case st, ok := <-ctlCh:
				if !ok {
					return
				}
				if err := send(PanelEvent{Type: "control", Control: &st}); err != nil {
					return
				}
			}
		}
	})
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

func registerStreamRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/audio/stream: the playing clip from its current position
	handleGet(mux, "/api/audio/stream", func(w http.ResponseWriter, r *http.Request) {
		if !d.Stream.State().Playing {
			http.Error(w, audio.ErrNothingPlaying.Error(), http.StatusNotFound)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Cache-Control", "no-cache")

		err := d.Stream.Stream(r.Context(), flushWriter{w: w, f: flusher})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, audio.ErrNothingPlaying) {
			log.Debugf("audio stream to %s ended: %v", r.RemoteAddr, err)
		}
	})
}
