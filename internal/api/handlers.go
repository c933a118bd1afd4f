package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/CZERTAINLY/reportd/internal/model"
	"github.com/CZERTAINLY/reportd/internal/registry"
)

type listResponse[T any] struct {
	Items []T    `json:"items"`
	Error string `json:"error,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	models, err := s.lister.ListModels(r.Context(), q.Get("dir"), q.Get("lang"))
	writeList(w, r, models, err)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	templates, err := s.lister.ListTemplates(r.Context(), q.Get("dir"), q.Get("lang"))
	writeList(w, r, templates, err)
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, listResponse[registry.Instance]{Items: s.engines.Instances()})
}

// writeList answers with the items, an engine error is reported with 502 and
// a failure to start an engine with 503.
func writeList[T any](w http.ResponseWriter, r *http.Request, items []T, err error) {
	if items == nil {
		items = []T{}
	}
	status := http.StatusOK
	resp := listResponse[T]{Items: items}
	if err != nil {
		resp.Error = err.Error()
		var engineErr *model.EngineError
		if errors.As(err, &engineErr) {
			status = http.StatusBadGateway
		} else {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "encode response", "error", err)
	}
}
