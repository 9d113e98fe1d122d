package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"image/color"
	"io/fs"
	"log"
	"net/http"
	"runtime"
	"strings"
	"syscall"
	"time"

	"trash-change-map/pkg/config"
	"trash-change-map/pkg/database"
	"trash-change-map/pkg/qrshare"
	"trash-change-map/pkg/session"
	"trash-change-map/pkg/sysinfo"
	"trash-change-map/pkg/window"
)

// web serves everything outside /api: the map page, share codes and status.
type web struct {
	content      fs.FS
	tmpl         *template.Template
	translations Translations
	cfg          config.Config
	db           *database.Database
	sessions     *session.Manager
	started      time.Time
}

func newWeb(content fs.FS, translations Translations, cfg config.Config, db *database.Database, sessions *session.Manager) (*web, error) {
	w := &web{
		content:      content,
		translations: translations,
		cfg:          cfg,
		db:           db,
		sessions:     sessions,
		started:      time.Now(),
	}
	tmpl, err := template.New("map.html").Funcs(template.FuncMap{
		// Replaced per request in mapHandler.
		"translate": func(key string) string { return key },
		"toJSON": func(v any) (template.JS, error) {
			b, err := json.Marshal(v)
			return template.JS(b), err
		},
	}).ParseFS(content, "public_html/map.html")
	if err != nil {
		return nil, err
	}
	w.tmpl = tmpl
	return w, nil
}

func (s *web) register(mux *http.ServeMux) {
	staticFS, err := fs.Sub(s.content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("/", s.mapHandler)
	mux.HandleFunc("/qrpng", s.qrPngHandler)
	mux.HandleFunc("/s/", s.shortLinkHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
}

// pageSettings is what app.js reads on start.
type pageSettings struct {
	DataDir      string   `json:"dataDir"`
	Step         int      `json:"step"`
	MaxPoints    int      `json:"maxPoints"`
	MaxLimit     int      `json:"maxLimit"`
	Geometry     string   `json:"geometry"`
	Pairs        []string `json:"pairs"`
	Windows      []string `json:"windows"`
	DefaultLat   float64  `json:"defaultLat"`
	DefaultLon   float64  `json:"defaultLon"`
	DefaultZoom  int      `json:"defaultZoom"`
	DefaultLayer string   `json:"defaultLayer"`
	History      bool     `json:"history"`
}

func (s *web) settings() pageSettings {
	ps := pageSettings{
		DataDir:      s.cfg.DataDir,
		Step:         s.cfg.Step,
		MaxPoints:    s.cfg.MaxPoints,
		MaxLimit:     config.MaxPointsLimit,
		Geometry:     s.cfg.Geometry,
		DefaultLat:   s.cfg.Map.DefaultLat,
		DefaultLon:   s.cfg.Map.DefaultLon,
		DefaultZoom:  s.cfg.Map.DefaultZoom,
		DefaultLayer: s.cfg.Map.DefaultLayer,
		History:      s.db != nil,
	}
	if ps.MaxPoints == 0 {
		ps.MaxPoints = config.MaxPointsLimit
	}
	pairs, err := s.cfg.PairList()
	if err != nil {
		pairs = window.DefaultPairs()
	}
	for _, p := range pairs {
		ps.Pairs = append(ps.Pairs, p.String())
	}
	for _, w := range window.All() {
		ps.Windows = append(ps.Windows, string(w))
	}
	return ps
}

// mapHandler renders the dashboard page in the visitor's language.
func (s *web) mapHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	lang := s.translations.preferredLanguage(r)

	tmpl, err := s.tmpl.Clone()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	tmpl.Funcs(template.FuncMap{
		"translate": func(key string) string { return s.translations.Translate(lang, key) },
	})

	data := struct {
		Version      string
		Lang         string
		Translations map[string]string
		Settings     pageSettings
	}{
		Version:      CompileVersion,
		Lang:         lang,
		Translations: s.translations[lang],
		Settings:     s.settings(),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		log.Printf("Error executing template: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		if isClientDisconnect(err) {
			log.Printf("client disconnected while writing response")
		} else {
			log.Printf("Error writing response: %v", err)
		}
	}
}

// qrPngHandler encodes ?u= (or the referring page) as a QR code.
func (s *web) qrPngHandler(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("u")
	if u == "" {
		if ref := r.Referer(); ref != "" {
			u = ref
		} else {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			u = scheme + "://" + r.Host + "/"
		}
	}
	if len(u) > qrshare.MaxPayload {
		http.Error(w, "url too long", http.StatusRequestURITooLong)
		return
	}

	var buf bytes.Buffer
	opts := qrshare.Options{
		SizePx:    1024,
		Fg:        color.RGBA{0, 0, 0, 255},
		Bg:        color.RGBA{255, 255, 255, 255},
		BadgeFrac: 0.24,
	}
	if err := qrshare.EncodePNG(&buf, []byte(u), nil, opts); err != nil {
		http.Error(w, "QR encode: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", "inline; filename=\"qr.png\"")
	_, _ = buf.WriteTo(w)
}

// shortLinkHandler redirects /s/<code> to the stored dashboard URL.
func (s *web) shortLinkHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.NotFound(w, r)
		return
	}
	code := strings.Trim(strings.TrimPrefix(r.URL.Path, "/s/"), "/")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	target, err := s.db.ResolveShortLink(ctx, code)
	if err != nil {
		log.Printf("short link %q: %v", code, err)
		http.Error(w, "short link lookup failed", http.StatusInternalServerError)
		return
	}
	if target == "" || !database.IsLocalPath(target) {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// statusHandler reports version, open sessions and host memory.
func (s *web) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := struct {
		Version    string          `json:"version"`
		GoVersion  string          `json:"goVersion"`
		Uptime     string          `json:"uptime"`
		Sessions   int             `json:"sessions"`
		Database   string          `json:"database"`
		Memory     *sysinfo.Memory `json:"memory,omitempty"`
		MemoryText string          `json:"memoryText,omitempty"`
		Goroutines int             `json:"goroutines"`
	}{
		Version:    CompileVersion,
		GoVersion:  runtime.Version(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Database:   "none",
		Goroutines: runtime.NumGoroutine(),
	}
	if s.db != nil {
		status.Database = s.db.Driver
	}
	if n, err := s.sessions.Count(ctx); err == nil {
		status.Sessions = n
	}
	if m, err := sysinfo.ReadMemory(ctx); err == nil {
		status.Memory = &m
		status.MemoryText = m.String()
	} else {
		log.Printf("[Status] %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(status)
}

// isClientDisconnect reports errors caused by the browser going away while
// a response was written. Those are normal and not worth an error log.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
