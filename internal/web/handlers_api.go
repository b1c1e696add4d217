package web

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"domestia-go-home/internal/coordinator"
	"domestia-go-home/internal/domestia"
)

// outputID parses the {id} path value.
func outputID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 1 || id > domestia.MaxOutputs {
		return 0, false
	}
	return id, true
}

// writeCoordError maps coordinator errors to HTTP statuses.
func (s *Server) writeCoordError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownOutput):
		s.writeError(w, http.StatusNotFound, "output not found")
	case errors.Is(err, coordinator.ErrUnsupported):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("api request failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleAPIListOutputs(w http.ResponseWriter, r *http.Request) {
	outputs := s.coord.Outputs()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := outputs[:0]
		for _, e := range outputs {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		outputs = filtered
	}
	s.writeJSON(w, http.StatusOK, outputs)
}

func (s *Server) handleAPIGetOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := outputID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid output id")
		return
	}
	e, err := s.coord.Output(id)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

type renameOutputRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := outputID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid output id")
		return
	}

	var req renameOutputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.FriendlyName)
	if len(name) > 64 {
		s.writeError(w, http.StatusBadRequest, "friendly_name limited to 64 characters")
		return
	}

	if err := s.coord.Rename(id, name); err != nil {
		s.writeCoordError(w, err)
		return
	}
	e, err := s.coord.Output(id)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	id, ok := outputID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid output id")
		return
	}

	var cmd coordinator.Command
	if err := decodeJSON(w, r, &cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cmd.Action == "" {
		s.writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	if err := s.coord.Execute(id, cmd); err != nil {
		s.writeCoordError(w, err)
		return
	}

	e, err := s.coord.Output(id)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAPIDiscover(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.coord.Discover(r.Context())
	if err != nil {
		if errors.Is(err, domestia.ErrDiscoveryFailed) {
			s.writeError(w, http.StatusBadGateway, "controller did not answer the discovery query")
			return
		}
		s.writeCoordError(w, err)
		return
	}

	records := make([]domestia.Record, 0, len(catalog))
	for _, id := range catalog.IDs() {
		records = append(records, catalog[id])
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"outputs": records,
	})
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Refresh(); err != nil {
		if errors.Is(err, coordinator.ErrUpdateFailed) {
			s.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.writeCoordError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIController(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.ControllerInfo())
}

func (s *Server) handleAPIFrame(w http.ResponseWriter, r *http.Request) {
	frame, at := s.coord.LastFrame()
	if frame == nil {
		s.writeError(w, http.StatusNotFound, "no frame received yet")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"frame":       hex.EncodeToString(frame),
		"length":      len(frame),
		"received_at": at,
	})
}
