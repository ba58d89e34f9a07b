package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/xtxerr/lidarlog/internal/catalog"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/export"
	"github.com/xtxerr/lidarlog/internal/storage/aggregate"
	"github.com/xtxerr/lidarlog/internal/storage/parquet"
	"github.com/xtxerr/lidarlog/internal/storage/query"
	"github.com/xtxerr/lidarlog/internal/storage/sessionstore"
	"github.com/xtxerr/lidarlog/internal/storage/types"
	"github.com/xtxerr/lidarlog/internal/validation"
)

type fileRequest struct {
	Filename    string `json:"filename"`
	CSVFilename string `json:"csvfilename,omitempty"`
}

type createResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

// CreateFile creates an empty dataset.
//
//	POST /api/files {"filename": "scan"}
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) error {
	var req fileRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.Filename == "" {
		return errors.NewMissingField("filename")
	}

	name, err := h.files.Create(req.Filename)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, createResponse{Message: "File created", Filename: name})
	return nil
}

// ListFiles lists the files directory.
//
//	GET /api/files
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) error {
	entries, err := h.files.List()
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}

// DownloadFile streams a file as an attachment.
//
//	GET /api/files/{name}/download
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) error {
	name := mux.Vars(r)["name"]
	f, err := h.files.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Type", contentType(name))
	http.ServeContent(w, r, name, info.ModTime(), f)
	return nil
}

func contentType(name string) string {
	switch catalog.KindOf(name) {
	case catalog.KindCSV:
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// DeleteFile removes a file. The dataset being recorded cannot be deleted.
//
//	DELETE /api/files/{name}
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) error {
	name := mux.Vars(r)["name"]
	err := h.acq.WhileNotRecording(name, func() error {
		return h.files.Delete(name)
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, message{Message: "File deleted"})
	return nil
}

// openDataset opens name read-only, refusing the dataset being recorded.
// A recording that starts after the check only appends a session the
// read-only index does not include.
func (h *Handler) openDataset(name string) (*sessionstore.Store, error) {
	if name == "" {
		return nil, errors.NewMissingField("filename")
	}
	if h.acq.InUse(name) {
		return nil, errors.Wrapf(errors.ErrDatasetInUse, "%s", name)
	}
	return h.files.OpenDataset(name)
}

type csvResponse struct {
	Message     string `json:"message"`
	CSVFilename string `json:"csvfilename"`
	Rows        int64  `json:"rows"`
}

// ConvertToCSV writes the closed sessions of a dataset to a CSV file next
// to it. The CSV name defaults to the dataset name with a .csv extension.
//
//	POST /api/files/convert-to-csv {"filename": "scan.lidar", "csvfilename": "scan.csv"}
func (h *Handler) ConvertToCSV(w http.ResponseWriter, r *http.Request) (err error) {
	defer func() { h.rec.ExportFinished("csv", err) }()

	var req fileRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.Filename == "" {
		return errors.NewMissingField("filename")
	}

	csvName := req.CSVFilename
	if csvName == "" {
		csvName = validation.CSVNameFor(req.Filename)
	}
	dst, err := h.files.Path(csvName)
	if err != nil {
		return err
	}

	store, err := h.openDataset(req.Filename)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := export.ConvertToCSV(store, dst)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, csvResponse{Message: "CSV created", CSVFilename: csvName, Rows: rows})
	return nil
}

type parquetResponse struct {
	Message  string              `json:"message"`
	Filename string              `json:"filename"`
	Sessions int                 `json:"sessions"`
	Rows     int64               `json:"rows"`
	Size     int64               `json:"size"`
	Stats    []query.SessionStat `json:"stats,omitempty"`
}

// ExportParquet writes the closed sessions of a dataset to a parquet file
// and reports per-session statistics read back from it.
//
//	POST /api/files/export-parquet {"filename": "scan.lidar"}
func (h *Handler) ExportParquet(w http.ResponseWriter, r *http.Request) (err error) {
	defer func() { h.rec.ExportFinished("parquet", err) }()

	var req fileRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.Filename == "" {
		return errors.NewMissingField("filename")
	}

	outName := validation.ParquetNameFor(req.Filename)
	dst, err := h.files.Path(outName)
	if err != nil {
		return err
	}

	store, err := h.openDataset(req.Filename)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := parquet.ExportSessions(store, dst, h.parquet)
	if err != nil {
		return err
	}

	info, err := parquet.GetFileInfo(dst)
	if err != nil {
		return err
	}
	if info.NumRows != res.Rows {
		return errors.Wrapf(errors.ErrStoreIO, "%s holds %d rows, exported %d", outName, info.NumRows, res.Rows)
	}

	resp := parquetResponse{
		Message:  "Parquet created",
		Filename: outName,
		Sessions: res.Sessions,
		Rows:     info.NumRows,
		Size:     info.Size,
	}
	if h.query != nil && res.Rows > 0 {
		stats, err := h.query.SessionStats(r.Context(), dst)
		if err != nil {
			return err
		}
		resp.Stats = stats
	}
	writeJSON(w, http.StatusCreated, resp)
	return nil
}

// Sessions lists the sessions of a dataset with distance summaries.
//
//	GET /api/files/{name}/sessions
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) error {
	store, err := h.openDataset(mux.Vars(r)["name"])
	if err != nil {
		return err
	}
	defer store.Close()

	sums, err := aggregate.SummarizeDataset(r.Context(), store, aggregate.DefaultParallelism)
	if err != nil {
		return err
	}

	infos := store.Sessions("")
	out := make([]sessionSummary, len(infos))
	for i := range infos {
		out[i] = sessionSummary{SessionInfo: infos[i], Summary: sums[i]}
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

type sessionSummary struct {
	types.SessionInfo
	Summary types.SessionSummary `json:"summary"`
}

// Readings queries the readings of a parquet export. Without a query
// service the export is scanned directly.
//
//	GET /api/files/{name}/readings?day=&session=&min_angle=&max_angle=&limit=
func (h *Handler) Readings(w http.ResponseWriter, r *http.Request) error {
	name := mux.Vars(r)["name"]
	if catalog.KindOf(name) != catalog.KindParquet {
		return ErrInvalidRequestf("%s is not a parquet export", name)
	}
	path, err := h.files.Resolve(name)
	if err != nil {
		return err
	}

	q, err := parseQuery(r)
	if err != nil {
		return err
	}

	var rows []parquet.ReadingRow
	if h.query != nil {
		rows, err = h.query.Readings(r.Context(), path, q)
	} else {
		rows, err = query.Scan(path, q)
	}
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []parquet.ReadingRow{}
	}
	writeJSON(w, http.StatusOK, rows)
	return nil
}

func parseQuery(r *http.Request) (query.Query, error) {
	v := r.URL.Query()
	q := query.Query{Day: v.Get("day"), Session: v.Get("session")}

	parseFloat := func(key string) (*float64, error) {
		s := v.Get(key)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, ErrInvalidRequestf("invalid %s: %q", key, s)
		}
		return &f, nil
	}

	var err error
	if q.MinAngle, err = parseFloat("min_angle"); err != nil {
		return q, err
	}
	if q.MaxAngle, err = parseFloat("max_angle"); err != nil {
		return q, err
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, ErrInvalidRequestf("invalid limit: %q", s)
		}
		q.Limit = n
	}
	return q, nil
}
