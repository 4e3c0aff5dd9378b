package httpapi

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"installcore/internal/adapters/collections"
	"installcore/internal/adapters/exports"
	"installcore/internal/adapters/spreadsheet"
	"installcore/internal/bulk"
	"installcore/pkg/domain"
)

type tableRequest struct {
	Mode  string     `json:"mode"`
	Table [][]string `json:"table"`
}

// readTable accepts either a multipart upload in field "file" or a JSON body
// {"mode": ..., "table": [[...]]}. The mode query parameter wins over the body.
func (s *Server) readTable(r *http.Request) ([][]string, string, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.opts.MaxUploadBytes)
	mode := r.URL.Query().Get("mode")
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", domain.InvalidInput("upload field %q: %v", "file", err)
		}
		defer file.Close()
		table, err := spreadsheet.Read(header.Filename, file)
		if err != nil {
			return nil, "", err
		}
		if mode == "" {
			mode = r.FormValue("mode")
		}
		return table, mode, nil
	}
	var req tableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		return nil, "", domain.InvalidInput("invalid request body: %v", err)
	}
	if mode == "" {
		mode = req.Mode
	}
	return req.Table, mode, nil
}

func (s *Server) requireAction(r *http.Request, action domain.UserAction) error {
	actor := actorFrom(r)
	if !domain.Allows(actor, action, nil) {
		return domain.Forbidden("%s requires a manager", action)
	}
	return nil
}

// handleBulkMatch runs a synchronous match against one-shot snapshots. The
// response is JSON unless the client accepts the xlsx content type.
func (s *Server) handleBulkMatch(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAction(r, domain.ActionBulkMatch); err != nil {
		s.fail(w, r, err)
		return
	}
	table, rawMode, err := s.readTable(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	mode, err := bulk.ParseMode(rawMode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	store := s.opts.Service.Store()
	devices, err := collections.Devices(store).List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	installations, err := collections.Installations(store).List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	locations, err := collections.Locations(store).List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts := []bulk.Option{bulk.WithMetrics(s.opts.BulkMetrics)}
	if s.opts.ErrorCap > 0 {
		opts = append(opts, bulk.WithErrorCap(s.opts.ErrorCap))
	}
	report := bulk.NewMatcher(devices, installations, locations, opts...).Match(table, mode)

	if strings.Contains(r.Header.Get("Accept"), spreadsheet.ContentType) {
		payload, err := spreadsheet.WriteReport(report)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", spreadsheet.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="bulk-match.xlsx"`)
		_, _ = w.Write(payload)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Exports == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.requireAction(r, domain.ActionBulkMatch); err != nil {
		s.fail(w, r, err)
		return
	}
	table, mode, err := s.readTable(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.opts.Exports.Enqueue(r.Context(), exports.Request{
		Table:       table,
		Mode:        bulk.Mode(mode),
		RequestedBy: actorFrom(r).UserID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": job})
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	if s.opts.Exports == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": s.opts.Exports.List()})
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Exports == nil {
		http.NotFound(w, r)
		return
	}
	job, ok := s.opts.Exports.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": job})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.opts.Blobs == nil {
		http.NotFound(w, r)
		return
	}
	info, body, err := s.opts.Blobs.Get(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.ETag != "" {
		w.Header().Set("ETag", `"`+info.ETag+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
