package handler

import (
	"net/http"

	"github.com/xtxerr/lidarlog/internal/errors"
)

type ingestRequest struct {
	Filename string `json:"filename"`
	RunName  string `json:"runname"`
}

// Ingest replays the closed sessions of a dataset into telemetry.
//
//	POST /api/ingest {"filename": "scan.lidar", "runname": "bench"}
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) (err error) {
	defer func() { h.rec.ExportFinished("ingest", err) }()

	if h.ingester == nil {
		return ErrInvalidRequestf("telemetry is not configured")
	}

	var req ingestRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.RunName == "" {
		return errors.NewMissingField("runname")
	}

	store, err := h.openDataset(req.Filename)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := h.ingester.Ingest(r.Context(), store, req.RunName)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}
