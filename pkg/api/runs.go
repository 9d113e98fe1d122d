package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trash-change-map/pkg/database"
	"trash-change-map/pkg/export"
	"trash-change-map/pkg/extract"
	"trash-change-map/pkg/feature"
)

// handleRunsList returns stored runs, newest first.
func (h *Handler) handleRunsList(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	limit := clampInt(parseIntDefault(r.URL.Query().Get("limit"), 100), 1, 1000)

	runs, err := h.DB.ListRuns(ctx, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	total, err := h.DB.CountRuns(ctx)
	if err != nil {
		h.respondError(w, err)
		return
	}

	resp := struct {
		Limit     int            `json:"limit"`
		Runs      []database.Run `json:"runs"`
		TotalRuns int64          `json:"totalRuns"`
	}{Limit: limit, Runs: runs, TotalRuns: total}
	if resp.Runs == nil {
		resp.Runs = []database.Run{}
	}
	h.respondJSON(w, resp)
}

// handleRun serves /api/runs/{id} and /api/runs/{id}/export.
func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	idPart, action, _ := strings.Cut(rest, "/")
	id := parseInt64Default(idPart, 0)
	if id <= 0 {
		h.respondError(w, &extract.InvalidParameterError{Name: "run id", Value: idPart, Reason: "expected a positive integer"})
		return
	}

	switch {
	case action == "export" && r.Method == http.MethodGet:
		h.handleRunExport(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		run, err := h.DB.GetRun(r.Context(), id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, run)
	case action == "" && r.Method == http.MethodDelete:
		if err := h.DB.DeleteRun(r.Context(), id); err != nil {
			h.respondError(w, err)
			return
		}
		h.Archive.Invalidate()
		h.respondJSON(w, map[string]int64{"deleted": id})
	case action == "" || action == "export":
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// handleRunExport downloads a stored run. Without kind both kinds are
// written into one file.
func (h *Handler) handleRunExport(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	q := r.URL.Query()

	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		h.respondError(w, &extract.InvalidParameterError{Name: "format", Value: q.Get("format"), Reason: err.Error()})
		return
	}
	var kind feature.Kind
	if s := q.Get("kind"); s != "" {
		if kind, err = feature.ParseKind(s); err != nil {
			h.respondError(w, &extract.InvalidParameterError{Name: "kind", Value: s, Reason: err.Error()})
			return
		}
	}

	permit, err := h.Limiter.Acquire(ctx, clientKey(r), RequestHeavy)
	if err != nil {
		h.respondError(w, err)
		return
	}
	defer permit.Release()

	run, err := h.DB.GetRun(ctx, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	features, err := h.DB.RunFeatures(ctx, id, kind, nil)
	if err != nil {
		h.respondError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, format, features); err != nil {
		h.respondError(w, err)
		return
	}

	label := "all"
	if kind != "" {
		label = strings.ToLower(string(kind))
	}
	name := fmt.Sprintf("run-%d_%s_%s_points.%s", run.ID, label, run.Pair, format.Ext())
	h.respondDownload(w, name, format, buf.Bytes())
}

// handleArchiveDownload streams the tar.gz produced by the generator.
func (h *Handler) handleArchiveDownload(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		http.Error(w, "archive disabled", http.StatusServiceUnavailable)
		return
	}

	permit, err := h.Limiter.Acquire(r.Context(), clientKey(r), RequestHeavy)
	if err != nil {
		h.respondError(w, err)
		return
	}
	defer permit.Release()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	info, err := h.Archive.Fetch(ctx)
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		h.logf("archive fetch error: %v", err)
		return
	}

	file, err := os.Open(info.Path)
	if err != nil {
		http.Error(w, "archive open error", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "archive stat error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(info.Path)))
	http.ServeContent(w, r, filepath.Base(info.Path), stat.ModTime(), file)
}
