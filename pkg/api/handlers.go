package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trash-change-map/pkg/config"
	"trash-change-map/pkg/database"
	"trash-change-map/pkg/export"
	"trash-change-map/pkg/extract"
	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/kmlarchive"
	"trash-change-map/pkg/logger"
	"trash-change-map/pkg/render"
	"trash-change-map/pkg/session"
	"trash-change-map/pkg/window"
)

// =======================
// Public API entry points
// =======================

// Handler wires sessions, the run history and the archive generator to
// HTTP routes. DB, Cache, Limiter and Archive are optional.
type Handler struct {
	DB       *database.Database
	Sessions *session.Manager
	Cache    *ResponseCache
	Limiter  *RateLimiter
	Archive  *kmlarchive.Generator
	Cfg      config.Config
	Logf     func(string, ...any)
}

// NewHandler constructs a Handler. Logf defaults to log.Printf.
func NewHandler(sessions *session.Manager, db *database.Database, cfg config.Config, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = log.Printf
	}
	return &Handler{DB: db, Sessions: sessions, Cfg: cfg, Logf: logf}
}

// Register attaches API routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/files", h.handleFiles)
	mux.HandleFunc("/api/session", h.handleSession)
	mux.HandleFunc("/api/compare", h.handleCompare)
	mux.HandleFunc("/api/export", h.handleExport)
	mux.HandleFunc("/api/preview", h.handlePreview)
	mux.HandleFunc("/api/runs", h.handleRunsList)
	mux.HandleFunc("/api/runs/", h.handleRun)
	mux.HandleFunc("/api/runs/archive.tar.gz", h.handleArchiveDownload)
	mux.HandleFunc("/api/share", h.handleShare)
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}

// handleOverview publishes machine-readable docs for the routes below.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	var totalRuns int64
	if h.DB != nil {
		n, err := h.DB.CountRuns(r.Context())
		if err != nil {
			h.respondError(w, err)
			return
		}
		totalRuns = n
	}

	overview := struct {
		Disclaimers map[string]string `json:"disclaimers"`
		Endpoints   map[string]any    `json:"endpoints"`
		Windows     []string          `json:"windows"`
		History     bool              `json:"history"`
		TotalRuns   int64             `json:"totalRuns"`
	}{
		Disclaimers: disclaimerTexts,
		History:     h.DB != nil,
		TotalRuns:   totalRuns,
		Endpoints: map[string]any{
			"files": map[string]any{
				"method": "GET", "path": "/api/files", "query": []string{"folder"},
				"description": "Lists .tif files in a folder and the guessed file per time window.",
			},
			"session": map[string]any{
				"method": "GET|POST|DELETE", "path": "/api/session", "query": []string{"id"},
				"description": "POST {folder, files, overlay, id} opens or reloads a session; GET returns its summary; DELETE closes it.",
			},
			"compare": map[string]any{
				"method": "GET", "path": "/api/compare", "query": []string{"session", "pair", "step", "max", "geometry"},
				"description": "Returns the map view with the NEW and CLEANED layers of one pair.",
			},
			"export": map[string]any{
				"method": "GET", "path": "/api/export", "query": []string{"session", "pair", "kind", "format", "step", "max", "geometry"},
				"description": "Downloads one layer as csv, geojson or kml.",
			},
			"preview": map[string]any{
				"method": "GET", "path": "/api/preview", "query": []string{"session", "window", "pair", "kind", "size"},
				"description": "PNG preview of a window mask, the rgb overlay or a change grid.",
			},
			"runs": map[string]any{
				"method": "GET", "path": "/api/runs", "query": []string{"limit"},
				"description": "Lists stored comparison runs, newest first.",
			},
			"run": map[string]any{
				"method": "GET|DELETE", "path": "/api/runs/{id}",
				"description": "Returns or deletes a stored run. /api/runs/{id}/export?format=&kind= downloads its features.",
			},
			"archive": map[string]any{
				"method": "GET", "path": "/api/runs/archive.tar.gz",
				"description": "Downloads every stored run as KML in one tar.gz.",
			},
		},
	}
	for _, win := range window.All() {
		overview.Windows = append(overview.Windows, string(win))
	}

	h.respondJSON(w, overview)
}

// handleFiles lists the rasters of a folder and what would be guessed.
func (h *Handler) handleFiles(w http.ResponseWriter, r *http.Request) {
	folder, err := confineFolder(h.Cfg, r.URL.Query().Get("folder"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	files, err := session.ListTIFFs(folder)
	if err != nil {
		h.respondError(w, err)
		return
	}
	guess, overlay := window.Guess(files)

	resp := struct {
		Folder  string            `json:"folder"`
		Files   []string          `json:"files"`
		Guess   map[string]string `json:"guess"`
		Overlay string            `json:"overlay,omitempty"`
	}{Folder: folder, Files: files, Guess: make(map[string]string, len(guess)), Overlay: overlay}
	for win, f := range guess {
		resp.Guess[string(win)] = f
	}
	h.respondJSON(w, resp)
}

// sessionRequest is the POST /api/session body.
type sessionRequest struct {
	ID      string            `json:"id"`
	Folder  string            `json:"folder"`
	Files   map[string]string `json:"files"`
	Overlay string            `json:"overlay"`
	NoGuess bool              `json:"noGuess"`
}

func (req sessionRequest) options(def config.Config) (session.Options, error) {
	opts := session.Options{
		Overlay: strings.TrimSpace(req.Overlay),
		NoGuess: req.NoGuess,
	}
	if strings.TrimSpace(req.Folder) != "" {
		folder, err := confineFolder(def, req.Folder)
		if err != nil {
			return opts, err
		}
		opts.Folder = folder
	}
	if err := confineFile(def, "overlay", opts.Overlay); err != nil {
		return opts, err
	}
	if opts.Folder == "" {
		opts.Folder = def.DataDir
		if len(req.Files) == 0 {
			sel, err := def.Selection()
			if err != nil {
				return opts, err
			}
			opts.Selection = sel
		}
		if opts.Overlay == "" {
			opts.Overlay = def.Overlay
		}
	}
	if len(req.Files) > 0 {
		opts.Selection = make(map[window.Window]string, len(req.Files))
		for k, v := range req.Files {
			win, err := window.Parse(k)
			if err != nil {
				return opts, &extract.InvalidParameterError{Name: "files", Value: k, Reason: err.Error()}
			}
			if err := confineFile(def, "files", v); err != nil {
				return opts, err
			}
			if strings.TrimSpace(v) != "" {
				opts.Selection[win] = v
			}
		}
	}
	return opts, nil
}

// handleSession opens, reloads, describes and closes sessions.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		var sum session.Summary
		err := h.Sessions.Do(ctx, id, func(s *session.Session) error {
			sum = s.Summary()
			return nil
		})
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, sum)

	case http.MethodPost:
		var req sessionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			h.respondError(w, &extract.InvalidParameterError{Name: "body", Value: "json", Reason: err.Error()})
			return
		}
		opts, err := req.options(h.Cfg)
		if err != nil {
			h.respondError(w, err)
			return
		}

		var sum session.Summary
		if req.ID != "" {
			sum, err = h.Sessions.Reload(ctx, req.ID, opts)
			if err == nil {
				h.Cache.DropPrefix(ctx, req.ID+"/")
			}
		} else {
			sum, err = h.Sessions.Open(ctx, opts)
		}
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, sum)

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		closed, err := h.Sessions.Close(ctx, id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		if !closed {
			h.respondError(w, session.ErrUnknownSession)
			return
		}
		h.Cache.DropPrefix(ctx, id+"/")
		h.respondJSON(w, map[string]any{"closed": id})

	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// compareParams are the query parameters shared by compare and export.
type compareParams struct {
	session string
	pair    window.Pair
	opts    extract.Options
}

func (h *Handler) parseCompare(r *http.Request) (compareParams, error) {
	q := r.URL.Query()
	p := compareParams{session: q.Get("session")}

	pair, err := window.ParsePair(q.Get("pair"))
	if err != nil {
		return p, &extract.InvalidParameterError{Name: "pair", Value: q.Get("pair"), Reason: err.Error()}
	}
	p.pair = pair

	if p.opts.Step, err = config.ParseStep(q.Get("step"), h.Cfg.Step); err != nil {
		return p, err
	}
	if p.opts.MaxPoints, err = config.ParseMaxPoints(q.Get("max"), h.Cfg.MaxPoints); err != nil {
		return p, err
	}
	geometry := q.Get("geometry")
	if geometry == "" {
		geometry = h.Cfg.Geometry
	}
	if p.opts.Geometry, err = extract.ParseGeometry(geometry); err != nil {
		return p, err
	}
	return p, nil
}

func (p compareParams) cacheKey(generation int) string {
	return fmt.Sprintf("%s/%d/%s/%d/%d/%s", p.session, generation, p.pair, p.opts.Step, p.opts.MaxPoints, p.opts.Geometry)
}

// compareResponse is the payload of /api/compare.
type compareResponse struct {
	Session string         `json:"session"`
	Pair    string         `json:"pair"`
	Title   string         `json:"title"`
	Step    int            `json:"step"`
	Max     int            `json:"max"`
	Cells   map[string]int `json:"cells"`
	Points  map[string]int `json:"points"`
	RunID   int64          `json:"runID,omitempty"`
	View    render.View    `json:"view"`
}

// handleCompare extracts both layers of a pair on the session's worker.
// Responses are cached per session generation; only fresh computations are
// recorded in the run history.
func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.parseCompare(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	var body []byte
	err = h.Sessions.Do(ctx, p.session, func(s *session.Session) error {
		var err error
		body, err = h.Cache.Get(ctx, p.cacheKey(s.Generation), func(ctx context.Context) ([]byte, error) {
			return h.compare(ctx, s, p)
		})
		return err
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *Handler) compare(ctx context.Context, s *session.Session, p compareParams) ([]byte, error) {
	job := s.ID + "/" + p.pair.String()
	logger.Begin(job, "Compare")

	res, err := s.Compare(p.pair)
	if err != nil {
		logger.FlushError(job, err)
		return nil, err
	}

	resp := compareResponse{
		Session: s.ID,
		Pair:    p.pair.String(),
		Title:   p.pair.Title(),
		Step:    p.opts.Step,
		Max:     p.opts.MaxPoints,
		Cells:   map[string]int{},
		Points:  map[string]int{},
	}
	layers := make([]render.Layer, 0, 2)
	all := make([]feature.Feature, 0)
	for _, kind := range feature.Kinds() {
		features, err := extract.Extract(res.Grid(kind), p.opts)
		if err != nil {
			logger.FlushError(job, err)
			return nil, err
		}
		resp.Cells[string(kind)] = res.Grid(kind).Count()
		resp.Points[string(kind)] = len(features)
		logger.Appendf(job, "%s: %d cells, %d points", kind, res.Grid(kind).Count(), len(features))
		layers = append(layers, render.NewLayer(p.pair, kind, features))
		all = append(all, features...)
	}

	bounds, err := s.Rasters[p.pair.Later].Bounds()
	if err != nil {
		logger.FlushError(job, err)
		return nil, err
	}
	resp.View = render.NewView(bounds, layers, h.viewOptions(s))

	if h.DB != nil {
		run := database.Run{
			SessionID:    s.ID,
			Folder:       s.Folder,
			Pair:         p.pair.String(),
			Step:         p.opts.Step,
			MaxPoints:    p.opts.MaxPoints,
			Geometry:     string(p.opts.Geometry),
			NewCells:     resp.Cells[string(feature.New)],
			CleanedCells: resp.Cells[string(feature.Cleaned)],
		}
		id, err := h.DB.SaveRun(ctx, &run, all)
		if err != nil {
			// The map still works without history.
			logger.Appendf(job, "run not stored: %v", err)
			h.logf("[History] store run for %s: %v", job, err)
		} else {
			resp.RunID = id
			h.Archive.Invalidate()
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		logger.FlushError(job, err)
		return nil, err
	}
	logger.Success(job, fmt.Sprintf("%s: %d new, %d cleaned points", p.pair.Title(), resp.Points[string(feature.New)], resp.Points[string(feature.Cleaned)]))
	return body, nil
}

func (h *Handler) viewOptions(s *session.Session) render.ViewOptions {
	opts := render.ViewOptions{
		Zoom:         h.Cfg.Map.DefaultZoom,
		DefaultLayer: h.Cfg.Map.DefaultLayer,
		TileToken:    h.Cfg.Map.TileToken,
	}
	if s.Overlay != nil {
		if b, err := s.Overlay.Bounds(); err == nil {
			opts.Overlay = &render.Overlay{
				URL:     fmt.Sprintf("/api/preview?session=%s&window=%s&g=%d", s.ID, window.OverlayKeyword, s.Generation),
				Bounds:  render.LeafletBounds(b),
				Opacity: 0.6,
			}
		}
	}
	return opts
}

// handleExport downloads one layer of a pair.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.parseCompare(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	kind, format, err := parseKindFormat(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	permit, err := h.Limiter.Acquire(ctx, clientKey(r), RequestHeavy)
	if err != nil {
		h.respondError(w, err)
		return
	}
	defer permit.Release()

	var buf bytes.Buffer
	err = h.Sessions.Do(ctx, p.session, func(s *session.Session) error {
		features, err := s.Extract(p.pair, kind, p.opts)
		if err != nil {
			return err
		}
		return export.Write(&buf, format, features)
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondDownload(w, export.FileName(kind, p.pair.FileTag(), format), format, buf.Bytes())
}

// handlePreview renders a window mask, the overlay or a change grid as PNG.
func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	side := clampInt(parseIntDefault(q.Get("size"), render.DefaultPreviewSide), 16, 4096)

	var buf bytes.Buffer
	err := h.Sessions.Do(ctx, q.Get("session"), func(s *session.Session) error {
		if name := q.Get("window"); name != "" {
			if strings.EqualFold(name, window.OverlayKeyword) {
				if s.Overlay == nil {
					return fmt.Errorf("%s: %w", window.OverlayKeyword, session.ErrWindowNotLoaded)
				}
				return render.ImagePNG(&buf, s.Overlay.Image, side)
			}
			win, err := window.Parse(name)
			if err != nil {
				return &extract.InvalidParameterError{Name: "window", Value: name, Reason: err.Error()}
			}
			ras, ok := s.Rasters[win]
			if !ok {
				return fmt.Errorf("%s: %w", win, session.ErrWindowNotLoaded)
			}
			return render.PreviewPNG(&buf, ras, render.WindowPalette(win), side)
		}

		pair, err := window.ParsePair(q.Get("pair"))
		if err != nil {
			return &extract.InvalidParameterError{Name: "pair", Value: q.Get("pair"), Reason: err.Error()}
		}
		kind, err := feature.ParseKind(q.Get("kind"))
		if err != nil {
			return &extract.InvalidParameterError{Name: "kind", Value: q.Get("kind"), Reason: err.Error()}
		}
		res, err := s.Compare(pair)
		if err != nil {
			return err
		}
		return render.PreviewPNG(&buf, res.Grid(kind).AsRaster(), render.Gray, side)
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(buf.Bytes())
}

// handleShare returns a short link for a dashboard URL.
func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	raw := r.URL.Query().Get("u")
	target, err := shareTarget(r, raw)
	if err != nil {
		h.respondError(w, &extract.InvalidParameterError{Name: "u", Value: raw, Reason: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	code, err := h.DB.ShortLink(ctx, target, time.Now())
	if err != nil {
		if errors.Is(err, database.ErrInvalidTarget) {
			h.respondError(w, &extract.InvalidParameterError{Name: "u", Value: target, Reason: err.Error()})
			return
		}
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, map[string]string{"code": code, "path": "/s/" + code})
}

// =====================
// Utility helpers
// =====================

// shareTarget reduces u to a site-relative path. Absolute URLs are
// accepted only when they point at the host serving the request.
func shareTarget(r *http.Request, raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", database.ErrInvalidTarget
	}
	path := u.EscapedPath()
	if u.Scheme != "" || u.Host != "" || u.User != nil {
		if u.Scheme != "http" && u.Scheme != "https" || u.User != nil || !strings.EqualFold(u.Host, r.Host) {
			return "", database.ErrInvalidTarget
		}
		if path == "" {
			path = "/"
		}
	}
	local := path
	if u.RawQuery != "" {
		local += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		local += "#" + u.EscapedFragment()
	}
	if !database.IsLocalPath(local) {
		return "", database.ErrInvalidTarget
	}
	return local, nil
}

func parseKindFormat(r *http.Request) (feature.Kind, export.Format, error) {
	q := r.URL.Query()
	kind, err := feature.ParseKind(q.Get("kind"))
	if err != nil {
		return "", "", &extract.InvalidParameterError{Name: "kind", Value: q.Get("kind"), Reason: err.Error()}
	}
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		return "", "", &extract.InvalidParameterError{Name: "format", Value: q.Get("format"), Reason: err.Error()}
	}
	return kind, format, nil
}

// clientKey is the remote host without the port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func (h *Handler) respondDownload(w http.ResponseWriter, name string, format export.Format, data []byte) {
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(name)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseInt64Default(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

var disclaimerTexts = map[string]string{
	"en": "Change regions are derived from model masks and may include false detections. Verify on site before acting.",
	"ru": "Области изменений получены из масок модели и могут содержать ложные срабатывания. Проверяйте на месте перед выездом.",
	"es": "Las zonas de cambio se derivan de máscaras del modelo y pueden incluir falsas detecciones. Verifique en el lugar antes de actuar.",
	"fr": "Les zones de changement proviennent de masques de modèle et peuvent contenir de fausses détections. Vérifiez sur place avant d'agir.",
	"de": "Änderungsbereiche stammen aus Modellmasken und können Fehlerkennungen enthalten. Vor Ort prüfen, bevor Sie handeln.",
}
