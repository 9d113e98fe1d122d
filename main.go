package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"trash-change-map/pkg/api"
	"trash-change-map/pkg/config"
	"trash-change-map/pkg/database"
	"trash-change-map/pkg/kmlarchive"
	"trash-change-map/pkg/session"
	"trash-change-map/pkg/sysinfo"
)

//go:embed public_html/*
var content embed.FS

// CompileVersion is set with -ldflags "-X main.CompileVersion=...".
var CompileVersion = "dev"

var defaults = config.Default()

var configPath = flag.String("config", "", "Path to a YAML config file; flags given explicitly override it")
var dataDir = flag.String("data-dir", defaults.DataDir, "Folder with the mask GeoTIFFs (one per time window: 5y, 2y, 3m)")
var step = flag.Int("step", defaults.Step, "Sampling step: take every N-th row and column of a change grid")
var maxPoints = flag.Int("max-points", defaults.MaxPoints, "Maximum features per layer, 0 means unlimited")
var geometry = flag.String("geometry", defaults.Geometry, `Feature geometry: "point" or "cell"`)
var sessionTTL = flag.Duration("session-ttl", defaults.Server.SessionTTL, "Close sessions idle for this long")
var cacheTTL = flag.Duration("cache-ttl", defaults.Server.CacheTTL, "Keep rendered comparisons for this long, 0 disables the cache")
var anyFolder = flag.Bool("any-folder", false, "Let clients open folders outside -data-dir (local use only)")
var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", defaults.Database.Type, "Run history driver: sqlite, chai, genji, duckdb, pgx (postgresql) or none")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for sqlite, chai, genji, duckdb)")
var dbHost = flag.String("db-host", defaults.Database.Host, "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", defaults.Database.Port, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", defaults.Database.User, "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", defaults.Database.Name, "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", defaults.Database.SSLMode, "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", defaults.Server.Port, "Port for running the server")
var writeConfig = flag.String("write-config", "", "Write the effective configuration (file plus flags) as YAML to this path and exit")
var version = flag.Bool("version", false, "Show the application version")
var defaultLat = flag.Float64("default-lat", defaults.Map.DefaultLat, "Map latitude before a session is opened")
var defaultLon = flag.Float64("default-lon", defaults.Map.DefaultLon, "Map longitude before a session is opened")
var defaultZoom = flag.Int("default-zoom", defaults.Map.DefaultZoom, "Default map zoom")
var defaultLayer = flag.String("default-layer", defaults.Map.DefaultLayer, `Default base layer: "OpenStreetMap", "Google Satellite" or "Esri World Imagery"`)

// loadConfig reads the YAML file and applies the flags the user set.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "step":
			cfg.Step = *step
		case "max-points":
			cfg.MaxPoints = *maxPoints
		case "geometry":
			cfg.Geometry = *geometry
		case "session-ttl":
			cfg.Server.SessionTTL = *sessionTTL
		case "cache-ttl":
			cfg.Server.CacheTTL = *cacheTTL
		case "any-folder":
			cfg.Server.AnyFolder = *anyFolder
		case "domain":
			cfg.Server.Domain = *domain
		case "port":
			cfg.Server.Port = *port
		case "db-type":
			cfg.Database.Type = *dbType
		case "db-path":
			cfg.Database.Path = *dbPath
		case "db-host":
			cfg.Database.Host = *dbHost
		case "db-port":
			cfg.Database.Port = *dbPort
		case "db-user":
			cfg.Database.User = *dbUser
		case "db-pass":
			cfg.Database.Pass = *dbPass
		case "db-name":
			cfg.Database.Name = *dbName
		case "pg-ssl-mode":
			cfg.Database.SSLMode = *pgSSLMode
		case "default-lat":
			cfg.Map.DefaultLat = *defaultLat
		case "default-lon":
			cfg.Map.DefaultLon = *defaultLon
		case "default-zoom":
			cfg.Map.DefaultZoom = *defaultZoom
		case "default-layer":
			cfg.Map.DefaultLayer = *defaultLayer
		}
	})
	cfg.Map.TileToken = config.LoadEnv()
	return cfg, cfg.Validate()
}

func openHistory(cfg config.Config) *database.Database {
	if cfg.Database.Type == "none" {
		log.Printf("[History] disabled")
		return nil
	}
	dbCfg := database.Config{
		DBType:    cfg.Database.Type,
		DBPath:    cfg.Database.Path,
		DBHost:    cfg.Database.Host,
		DBPort:    cfg.Database.Port,
		DBUser:    cfg.Database.User,
		DBPass:    cfg.Database.Pass,
		DBName:    cfg.Database.Name,
		PGSSLMode: cfg.Database.SSLMode,
		Port:      cfg.Server.Port,
	}
	db, err := database.NewDatabase(dbCfg)
	if err != nil {
		log.Fatalf("DB init: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		log.Fatalf("DB schema: %v", err)
	}
	return db
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("trash-change-map version %s\n", CompileVersion)
		return
	}
	if CompileVersion == "dev" {
		CompileVersion = "latest"
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *writeConfig != "" {
		if err := config.Save(cfg, *writeConfig); err != nil {
			log.Fatalf("write config: %v", err)
		}
		log.Printf("[Config] written to %s", *writeConfig)
		return
	}
	translations, err := loadTranslations(content, "public_html/translations.json")
	if err != nil {
		log.Fatalf("translations: %v", err)
	}

	if cfg.Server.Domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}
	if cfg.Server.Domain != "" && cfg.Server.AnyFolder {
		log.Println("⚠  -any-folder on a public domain exposes every readable .tif on this host.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if m, err := sysinfo.ReadMemory(ctx); err == nil {
		log.Printf("[Startup] host memory: %s", m)
	}

	db := openHistory(cfg)
	if db != nil {
		defer db.Close()
	}

	sessions := session.NewManager(cfg.Server.SessionTTL, sysinfo.AvailableMemory)
	defer sessions.Stop()

	apiHandler := api.NewHandler(sessions, db, cfg, log.Printf)
	apiHandler.Cache = api.NewResponseCache(cfg.Server.CacheTTL)
	defer apiHandler.Cache.Close()
	apiHandler.Limiter = api.NewRateLimiter(2 * time.Second)
	if db != nil {
		archivePath := filepath.Join("archive", fmt.Sprintf("runs-%d.tar.gz", cfg.Server.Port))
		apiHandler.Archive = kmlarchive.Start(ctx, db, archivePath, 6*time.Hour, log.Printf)
	}

	site, err := newWeb(content, translations, cfg, db, sessions)
	if err != nil {
		log.Fatalf("template: %v", err)
	}

	mux := http.NewServeMux()
	apiHandler.Register(mux)
	site.register(mux)
	rootHandler := withServerHeader(mux)

	if cfg.Server.Domain != "" {
		go serveWithDomain(cfg.Server.Domain, rootHandler)
	} else {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		go func() {
			log.Printf("HTTP server ➜ http://localhost%s", addr)
			srv := &http.Server{Addr: addr, Handler: rootHandler, ReadHeaderTimeout: 10 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}
	log.Printf("[Startup] data dir %s, step %d, max points %d, history %s", cfg.DataDir, cfg.Step, cfg.MaxPoints, cfg.Database.Type)

	<-ctx.Done()
	log.Printf("shutting down")
}
