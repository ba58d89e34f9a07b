package handler

import (
	"net/http"

	"github.com/xtxerr/lidarlog/internal/acquisition"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/logging"
)

type startRequest struct {
	Filename string `json:"filename"`
}

type startResponse struct {
	Message string                    `json:"message"`
	Session acquisition.SessionHandle `json:"session"`
}

// Start begins recording into an existing dataset.
//
//	POST /api/lidar/start {"filename": "scan.lidar"}
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) error {
	var req startRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.Filename == "" {
		return errors.NewMissingField("filename")
	}

	ctx := logging.ContextWithFile(r.Context(), req.Filename)
	handle, err := h.acq.Start(ctx, req.Filename)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, startResponse{Message: "Lidar started", Session: handle})
	return nil
}

// Stop ends the running session.
//
//	POST|GET /api/lidar/stop
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) error {
	if err := h.acq.Stop(r.Context()); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, message{Message: "Lidar stopped"})
	return nil
}

// Status reports the controller state.
//
//	GET /api/lidar/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, h.acq.Status())
	return nil
}
