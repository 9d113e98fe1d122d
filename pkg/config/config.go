// Package config turns the YAML file, environment and request parameters
// into validated settings before they reach the pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trash-change-map/pkg/extract"
	"trash-change-map/pkg/window"
)

// TileTokenEnv names the optional satellite tile token variable.
const TileTokenEnv = "MAP_TILE_TOKEN"

// MaxPointsLimit is the largest cap a request may ask for.
const MaxPointsLimit = 200000

// DBTypes are the accepted history store drivers.
var DBTypes = []string{"sqlite", "chai", "genji", "duckdb", "pgx", "none"}

// ValidationError reports a setting outside its allowed values.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s=%q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }

// ErrInvalidConfig is wrapped by every ValidationError.
var ErrInvalidConfig = errors.New("invalid configuration")

type MapConfig struct {
	DefaultLat   float64 `yaml:"default_lat"`
	DefaultLon   float64 `yaml:"default_lon"`
	DefaultZoom  int     `yaml:"default_zoom"`
	DefaultLayer string  `yaml:"default_layer"`
	TileToken    string  `yaml:"-"`
}

type ServerConfig struct {
	Port       int           `yaml:"port"`
	Domain     string        `yaml:"domain"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	AnyFolder  bool          `yaml:"any_folder"` // clients may open folders outside DataDir
}

type DatabaseConfig struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"ssl_mode"`
}

// Config is the full application configuration.
type Config struct {
	DataDir   string            `yaml:"data_dir"`
	Files     map[string]string `yaml:"files"` // window -> file name, overrides guessing
	Overlay   string            `yaml:"overlay"`
	Pairs     []string          `yaml:"pairs"`
	Step      int               `yaml:"step"`
	MaxPoints int               `yaml:"max_points"`
	Geometry  string            `yaml:"geometry"`
	Map       MapConfig         `yaml:"map"`
	Server    ServerConfig      `yaml:"server"`
	Database  DatabaseConfig    `yaml:"database"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DataDir:   ".",
		Step:      extract.DefaultStep,
		MaxPoints: extract.DefaultMaxPoints,
		Geometry:  string(extract.Point),
		Map: MapConfig{
			DefaultLat:   0,
			DefaultLon:   0,
			DefaultZoom:  12,
			DefaultLayer: "OpenStreetMap",
		},
		Server: ServerConfig{
			Port:       8765,
			SessionTTL: 2 * time.Hour,
			CacheTTL:   10 * time.Minute,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "postgres",
			Name:    "TrashChangeMap",
			SSLMode: "prefer",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML in the layout Load reads.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadEnv loads .env files when present and returns the tile token.
func LoadEnv(files ...string) string {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// Existing environment variables win over the file.
		_ = godotenv.Load(f)
	}
	return strings.TrimSpace(os.Getenv(TileTokenEnv))
}

// Validate checks every enumerated option and range.
func (c Config) Validate() error {
	if err := c.ExtractOptions().Validate(); err != nil {
		return err
	}
	if c.MaxPoints > MaxPointsLimit {
		return &extract.InvalidParameterError{Name: "max points", Value: strconv.Itoa(c.MaxPoints), Reason: fmt.Sprintf("must not exceed %d", MaxPointsLimit)}
	}
	if _, err := c.Selection(); err != nil {
		return err
	}
	if _, err := c.PairList(); err != nil {
		return err
	}
	if !validDBType(c.Database.Type) {
		return &ValidationError{Field: "database.type", Value: c.Database.Type, Reason: "expected one of " + strings.Join(DBTypes, ", ")}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Value: strconv.Itoa(c.Server.Port), Reason: "out of range"}
	}
	if c.Server.SessionTTL < time.Minute {
		return &ValidationError{Field: "server.session_ttl", Value: c.Server.SessionTTL.String(), Reason: "must be at least 1m"}
	}
	if c.Map.DefaultZoom < 1 || c.Map.DefaultZoom > 20 {
		return &ValidationError{Field: "map.default_zoom", Value: strconv.Itoa(c.Map.DefaultZoom), Reason: "expected 1..20"}
	}
	return nil
}

func validDBType(t string) bool {
	for _, v := range DBTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ExtractOptions converts the sampling settings.
func (c Config) ExtractOptions() extract.Options {
	return extract.Options{Step: c.Step, MaxPoints: c.MaxPoints, Geometry: extract.Geometry(c.Geometry)}
}

// Selection returns the explicit file per window from the files map.
func (c Config) Selection() (map[window.Window]string, error) {
	out := make(map[window.Window]string, len(c.Files))
	for k, v := range c.Files {
		w, err := window.Parse(k)
		if err != nil {
			return nil, &ValidationError{Field: "files", Value: k, Reason: err.Error()}
		}
		if strings.TrimSpace(v) != "" {
			out[w] = v
		}
	}
	return out, nil
}

// PairList parses the configured pairs; none means the default consecutive pairs.
func (c Config) PairList() ([]window.Pair, error) {
	if len(c.Pairs) == 0 {
		return window.DefaultPairs(), nil
	}
	out := make([]window.Pair, 0, len(c.Pairs))
	for _, s := range c.Pairs {
		p, err := window.ParsePair(s)
		if err != nil {
			return nil, &ValidationError{Field: "pairs", Value: s, Reason: err.Error()}
		}
		out = append(out, p)
	}
	return out, nil
}

// ParseStep reads a free-form step value; empty means def.
func ParseStep(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &extract.InvalidParameterError{Name: "step", Value: s, Reason: "not an integer"}
	}
	if err := extract.ValidateStep(v); err != nil {
		return 0, err
	}
	return v, nil
}

// ParseMaxPoints reads a free-form point cap from a request; empty means
// def. Requests always carry a cap: 0 is rejected and an unlimited default
// becomes MaxPointsLimit. Only the CLI and the config file can lift it.
func ParseMaxPoints(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if def <= 0 || def > MaxPointsLimit {
			return MaxPointsLimit, nil
		}
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &extract.InvalidParameterError{Name: "max points", Value: s, Reason: "not an integer"}
	}
	if v < 1 || v > MaxPointsLimit {
		return 0, &extract.InvalidParameterError{Name: "max points", Value: s, Reason: fmt.Sprintf("expected 1..%d", MaxPointsLimit)}
	}
	return v, nil
}
