package api

import (
	"path/filepath"
	"strings"

	"trash-change-map/pkg/config"
	"trash-change-map/pkg/extract"
)

// confineFolder checks that a requested folder lies inside the data
// directory. Relative folders are taken from the working directory, the
// same way -data-dir is. Server.AnyFolder turns the check off.
func confineFolder(cfg config.Config, folder string) (string, error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return cfg.DataDir, nil
	}
	folder = filepath.Clean(folder)
	if cfg.Server.AnyFolder {
		return folder, nil
	}

	root, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(folder)
	if err != nil {
		return "", err
	}
	if !within(root, abs) {
		return "", &extract.InvalidParameterError{Name: "folder", Value: folder, Reason: "outside the data directory"}
	}
	return folder, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// confineFile accepts only bare file names, so a selection cannot point
// outside the session folder.
func confineFile(cfg config.Config, field, name string) error {
	name = strings.TrimSpace(name)
	if cfg.Server.AnyFolder || name == "" {
		return nil
	}
	if filepath.IsAbs(name) || name != filepath.Base(name) || name == "." || name == ".." {
		return &extract.InvalidParameterError{Name: field, Value: name, Reason: "expected a file name inside the folder"}
	}
	return nil
}
