package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
)

// Translations maps language → key → text.
type Translations map[string]map[string]string

// loadTranslations reads the JSON dictionary from the embedded files.
func loadTranslations(fsys fs.FS, filename string) (Translations, error) {
	data, err := fs.ReadFile(fsys, filename)
	if err != nil {
		return nil, fmt.Errorf("read translations: %w", err)
	}
	var t Translations
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse translations: %w", err)
	}
	if _, ok := t["en"]; !ok {
		return nil, fmt.Errorf("parse translations: no \"en\" section")
	}
	return t, nil
}

// Translate falls back to English, then to the key itself.
func (t Translations) Translate(lang, key string) string {
	if v, ok := t[lang][key]; ok {
		return v
	}
	if v, ok := t["en"][key]; ok {
		return v
	}
	return key
}

var languageAliases = map[string]string{
	"iw":    "he",
	"in":    "id",
	"nb":    "no",
	"nn":    "no",
	"pt-br": "pt",
	"pt-pt": "pt",
}

// preferredLanguage picks the first Accept-Language entry we have a
// dictionary for.
func (t Translations) preferredLanguage(r *http.Request) string {
	langHeader := r.Header.Get("Accept-Language")
	if langHeader == "" {
		return "en"
	}
	for _, raw := range strings.Split(langHeader, ",") {
		code := strings.TrimSpace(strings.SplitN(raw, ";", 2)[0])
		code = strings.ToLower(strings.ReplaceAll(code, "_", "-"))

		base := code
		if i := strings.Index(code, "-"); i != -1 {
			base = code[:i]
		}
		if a, ok := languageAliases[code]; ok {
			base = a
		} else if a, ok := languageAliases[base]; ok {
			base = a
		}
		if _, ok := t[base]; ok {
			return base
		}
	}
	return "en"
}
