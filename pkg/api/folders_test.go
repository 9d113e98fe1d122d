package api

import (
	"errors"
	"path/filepath"
	"testing"

	"trash-change-map/pkg/config"
	"trash-change-map/pkg/extract"
)

func TestConfineFolder(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = root

	cases := []struct {
		folder string
		want   string
		ok     bool
	}{
		{"", root, true},
		{root, root, true},
		{filepath.Join(root, "a", "b"), filepath.Join(root, "a", "b"), true},
		{filepath.Join(root, "a", "..", "b"), filepath.Join(root, "b"), true},
		{filepath.Join(root, ".."), "", false},
		{filepath.Join(root, "..", filepath.Base(root)+"-other"), "", false},
		{"/", "", false},
	}
	for _, tc := range cases {
		got, err := confineFolder(cfg, tc.folder)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("confineFolder(%q)=%q, %v want %q", tc.folder, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, extract.ErrInvalidParameter) {
			t.Fatalf("confineFolder(%q) err=%v", tc.folder, err)
		}
	}

	cfg.Server.AnyFolder = true
	if got, err := confineFolder(cfg, "/"); err != nil || got != "/" {
		t.Fatalf("any folder: %q, %v", got, err)
	}
}

func TestConfineFile(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	for _, name := range []string{"", "trash_5y.tif", "..mask.tif"} {
		if err := confineFile(cfg, "files", name); err != nil {
			t.Fatalf("%q rejected: %v", name, err)
		}
	}
	for _, name := range []string{"..", "../x.tif", "sub/x.tif", "/etc/hosts"} {
		if err := confineFile(cfg, "files", name); !errors.Is(err, extract.ErrInvalidParameter) {
			t.Fatalf("%q accepted: %v", name, err)
		}
	}
}
