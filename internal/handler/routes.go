package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Register adds the control surface routes to r.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.Handle("/lidar/start", Wrap(h.Start)).Methods(http.MethodPost)
	api.Handle("/lidar/stop", Wrap(h.Stop)).Methods(http.MethodPost, http.MethodGet)
	api.Handle("/lidar/status", Wrap(h.Status)).Methods(http.MethodGet)

	api.Handle("/files", Wrap(h.CreateFile)).Methods(http.MethodPost)
	api.Handle("/files", Wrap(h.ListFiles)).Methods(http.MethodGet)
	api.Handle("/files/convert-to-csv", Wrap(h.ConvertToCSV)).Methods(http.MethodPost)
	api.Handle("/files/export-parquet", Wrap(h.ExportParquet)).Methods(http.MethodPost)
	api.Handle("/files/{name}/download", Wrap(h.DownloadFile)).Methods(http.MethodGet)
	api.Handle("/files/{name}/sessions", Wrap(h.Sessions)).Methods(http.MethodGet)
	api.Handle("/files/{name}/readings", Wrap(h.Readings)).Methods(http.MethodGet)
	api.Handle("/files/{name}", Wrap(h.DeleteFile)).Methods(http.MethodDelete)

	api.Handle("/ingest", Wrap(h.Ingest)).Methods(http.MethodPost)
}
