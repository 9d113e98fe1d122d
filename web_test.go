package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trash-change-map/pkg/config"
	"trash-change-map/pkg/database"
	"trash-change-map/pkg/session"
)

func newTestWeb(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestWebWithDB(t, nil)
}

func newTestWebWithDB(t *testing.T, db *database.Database) *httptest.Server {
	t.Helper()
	translations, err := loadTranslations(content, "public_html/translations.json")
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(time.Hour, nil)
	site, err := newWeb(content, translations, config.Default(), db, sessions)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	site.register(mux)
	srv := httptest.NewServer(withServerHeader(mux))
	t.Cleanup(func() {
		srv.Close()
		sessions.Stop()
	})
	return srv
}

func TestPreferredLanguage(t *testing.T) {
	t.Parallel()
	tr := Translations{"en": {}, "ru": {}, "pt": {}}

	cases := map[string]string{
		"":                        "en",
		"ru-RU,ru;q=0.9,en;q=0.8": "ru",
		"pt-BR":                   "pt",
		"ja,zh;q=0.8":             "en",
		"xx, en-GB;q=0.5":         "en",
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Accept-Language", header)
		}
		if got := tr.preferredLanguage(r); got != want {
			t.Fatalf("preferredLanguage(%q)=%q want %q", header, got, want)
		}
	}
}

func TestTranslateFallsBack(t *testing.T) {
	t.Parallel()
	tr := Translations{"en": {"a": "A", "b": "B"}, "ru": {"a": "А"}}
	if tr.Translate("ru", "a") != "А" || tr.Translate("ru", "b") != "B" || tr.Translate("ru", "c") != "c" {
		t.Fatal("fallback chain broken")
	}
}

func TestMapPage(t *testing.T) {
	t.Parallel()
	srv := newTestWeb(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Accept-Language", "ru")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp.Body)

	page := body.String()
	if resp.StatusCode != http.StatusOK || !strings.Contains(page, "Карта изменений мусора") {
		t.Fatalf("status %d, page:\n%s", resp.StatusCode, page)
	}
	if !strings.Contains(page, `"step":8`) || !strings.Contains(page, `"pairs":["5y-2y","2y-3m"]`) {
		t.Fatalf("settings not embedded:\n%s", page)
	}
	if !strings.HasPrefix(resp.Header.Get("Server"), "trash-change-map/") {
		t.Fatalf("Server header %q", resp.Header.Get("Server"))
	}

	if resp, err := http.Get(srv.URL + "/static/app.js"); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("static app.js: %v", err)
	} else {
		resp.Body.Close()
	}
	if resp, err := http.Get(srv.URL + "/nope"); err != nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path: %v", err)
	} else {
		resp.Body.Close()
	}
}

func TestQRAndStatus(t *testing.T) {
	t.Parallel()
	srv := newTestWeb(t)

	resp, err := http.Get(srv.URL + "/qrpng?u=https%3A%2F%2Fexample.org%2Fs%2Fabc")
	if err != nil {
		t.Fatal(err)
	}
	var png bytes.Buffer
	png.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(png.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("qrpng status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status struct {
		Version  string `json:"version"`
		Sessions int    `json:"sessions"`
		Database string `json:"database"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Version != CompileVersion || status.Sessions != 0 || status.Database != "none" {
		t.Fatalf("status %+v", status)
	}

	// Without a history database short links do not resolve.
	resp2, err := http.Get(srv.URL + "/s/abcdefgh")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("short link status %d", resp2.StatusCode)
	}
}

func TestShortLinkRedirectsOnSite(t *testing.T) {
	t.Parallel()
	db, err := database.NewDatabase(database.Config{DBType: "sqlite", DBPath: filepath.Join(t.TempDir(), "links.sqlite")})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		t.Fatal(err)
	}
	srv := newTestWebWithDB(t, db)

	code, err := db.ShortLink(context.Background(), "/?session=abc&pair=5y-2y", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ShortLink(context.Background(), "https://evil.example/", time.Now()); err == nil {
		t.Fatal("off-site target stored")
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(srv.URL + "/s/" + code)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/?session=abc&pair=5y-2y" {
		t.Fatalf("redirect %d to %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}
