package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aretw0/workbench/pkg/domain"
)

// SubscribeEvents handles the GET /events request (SSE).
//
// Without notebook_id every change event is forwarded as-is. With notebook_id the
// stream starts with the full notebook and then carries a domain.NotebookDiff per
// change, optionally restricted by watch to a comma separated list of fields
// (name, order, cells, session).
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported", s.logger)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}

	notebookID := r.URL.Query().Get("notebook_id")
	var last *domain.Notebook
	if notebookID != "" {
		nb, ok := s.wb.Notebook(notebookID)
		if !ok {
			writeError(w, http.StatusNotFound, domain.ErrNotebookNotFound.Error(), s.logger)
			return
		}
		last = nb
	}

	events, err := s.wb.Subscribe(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Subscribe failed", s.logger)
		s.logger.Error("SubscribeEvents: Subscribe failed", "error", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	if last != nil {
		s.send(w, "", domain.Diff(nil, last))
	}
	flusher.Flush()

	watch := parseWatch(r.URL.Query().Get("watch"))

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", "notebook_id", notebookID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if notebookID == "" {
				s.send(w, string(ev.Type), ev)
				flusher.Flush()
				continue
			}
			if ev.NotebookID != notebookID {
				continue
			}

			current, _ := s.wb.Notebook(notebookID)
			diff := domain.Diff(last, current)
			last = current
			if diff == nil || !watch.matches(diff) {
				continue
			}
			s.send(w, "", diff)
			flusher.Flush()
			if diff.Deleted {
				return
			}
		}
	}
}

func (s *Server) send(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("SSE: encode failed", "error", err)
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

type watchSet map[string]bool

func parseWatch(raw string) watchSet {
	if raw == "" {
		return nil
	}
	set := make(watchSet)
	for _, field := range strings.Split(raw, ",") {
		if field = strings.TrimSpace(field); field != "" {
			set[field] = true
		}
	}
	return set
}

// matches reports whether the diff touches a watched field. Deletion always matches.
func (ws watchSet) matches(d *domain.NotebookDiff) bool {
	if len(ws) == 0 || d.Deleted {
		return true
	}
	return (ws["name"] && d.Name != nil) ||
		(ws["order"] && d.Order != nil) ||
		(ws["cells"] && (len(d.Cells) > 0 || len(d.Removed) > 0)) ||
		(ws["session"] && d.Session != nil)
}
