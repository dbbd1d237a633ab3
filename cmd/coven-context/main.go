// ABOUTME: Entry point for the coven-context exchange daemon
// ABOUTME: Bridges the local context store to the platform transports

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/2389/coven-context/internal/config"
	"github.com/2389/coven-context/internal/coordinator"
	"github.com/2389/coven-context/internal/store"
	"github.com/2389/coven-context/internal/transport"
	"github.com/2389/coven-context/internal/transport/autohost"
	"github.com/2389/coven-context/internal/transport/msgbus"
	"github.com/2389/coven-context/internal/transport/notifybus"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                   _            _
  ___ _____   _____ _ __         ___ ___  _ __ | |_ _____  _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \| '_ \| __/ _ \ \/ / __|
| (_| (_) \ V /  __/ | | |_____| (_| (_) | | | | ||  __/>  <| |_
 \___\___/ \_/ \___|_| |_|       \___\___/|_| |_|\__\___/_/\_\\__|
`

// getConfigPath returns the path to the context exchange config file.
// Priority: COVEN_CONTEXT_CONFIG env var > XDG_CONFIG_HOME/coven/context.yaml > ~/.config/coven/context.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CONTEXT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "context.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "context.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-context <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the context exchange daemon")
		fmt.Println("  init     Create a starter config file")
		fmt.Println("  status   Show the local context store contents")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "status":
		err = runStatus(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	if cfg.Store.InMemory {
		fmt.Printf("Store:     in-memory\n")
	} else {
		fmt.Printf("Store:     %s\n", cfg.Store.Path)
	}
	green.Print("    ▶ ")
	fmt.Printf("Transports: %s", strings.Join(enabledTransports(cfg), ", "))
	if cfg.Transports.Emulation {
		yellow.Print(" [emulation]")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting coven-context",
		"config", configPath,
		"app_id", cfg.App.ID,
		"interval", cfg.Exchange.Interval,
	)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	adapters, err := buildAdapters(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building transports: %w", err)
	}

	coord := coordinator.New(st, adapters, coordinator.Config{
		AllowedPeers:      cfg.Exchange.AllowedPeers,
		AllowedTypes:      cfg.Exchange.AllowedTypes,
		SystemWide:        cfg.Exchange.SystemWide,
		ReconcileInterval: cfg.Exchange.Interval,
		MinConfidence:     cfg.Exchange.MinConfidence,
		PushLimit:         cfg.Exchange.PushLimit,
		Logger:            logger,
	})
	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing coordinator: %w", err)
	}

	logger.Info("context exchange running", "state", coord.State().String())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return coord.Shutdown(shutdownCtx)
}

// loadConfig falls back to the built-in defaults when no config file exists,
// so a bare "serve" still comes up in emulation mode.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.InMemory {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return store.NewSQLiteStore(cfg.Store.Path)
}

// buildAdapters constructs the enabled transports. When the automation host
// transport is enabled but the notification bus is not, a notification-bus
// adapter is built privately as the host's fallback.
func buildAdapters(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]transport.Adapter, error) {
	var adapters []transport.Adapter

	var notif *notifybus.Adapter
	if cfg.Transports.NotifyBus.Enabled {
		var err error
		notif, err = newNotifyBus(cfg, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, notif)
	}

	if cfg.Transports.AutoHost.Enabled {
		var fallback transport.Adapter
		if notif == nil {
			fb, err := newNotifyBus(cfg, logger)
			if err != nil {
				return nil, err
			}
			fallback = fb
		}
		host, err := autohost.New(ctx, autohost.Config{
			StagingDir:  cfg.Transports.StagingDir,
			AppID:       cfg.App.ID,
			AppName:     cfg.App.Name,
			HostCommand: cfg.Transports.AutoHost.HostCommand,
			Fallback:    fallback,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, host)
	}

	if cfg.Transports.MsgBus.Enabled {
		bus, err := msgbus.New(msgbus.Config{
			BusName:        cfg.Transports.MsgBus.BusName,
			ObjectPath:     cfg.Transports.MsgBus.ObjectPath,
			SocketPath:     cfg.Transports.MsgBus.SocketPath,
			AppID:          cfg.App.ID,
			AppName:        cfg.App.Name,
			ForceEmulation: cfg.Transports.Emulation,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, bus)
	}

	return adapters, nil
}

func newNotifyBus(cfg *config.Config, logger *slog.Logger) (*notifybus.Adapter, error) {
	spoolDir := cfg.Transports.NotifyBus.SpoolDir
	if spoolDir == "" {
		spoolDir = filepath.Join(getDataPath(), "context-spool")
	}
	return notifybus.New(notifybus.Config{
		StagingDir:   cfg.Transports.StagingDir,
		SpoolDir:     spoolDir,
		AppID:        cfg.App.ID,
		AppName:      cfg.App.Name,
		Notification: cfg.Transports.NotifyBus.Notification,
		Logger:       logger,
	})
}

func enabledTransports(cfg *config.Config) []string {
	var names []string
	if cfg.Transports.NotifyBus.Enabled {
		names = append(names, "notifybus")
	}
	if cfg.Transports.AutoHost.Enabled {
		names = append(names, "autohost")
	}
	if cfg.Transports.MsgBus.Enabled {
		names = append(names, "msgbus")
	}
	if len(names) == 0 {
		names = append(names, "none")
	}
	return names
}

func runStatus(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Store.InMemory {
		return fmt.Errorf("store is in-memory; status is only available for a file-backed store")
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	recs, err := st.QueryContexts(ctx, store.Query{
		SortBy:    store.SortByTimestamp,
		SortOrder: store.SortDesc,
	})
	if err != nil {
		return fmt.Errorf("querying store: %w", err)
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Printf("%d context(s) in %s\n\n", len(recs), cfg.Store.Path)
	byType := make(map[string]int)
	for _, rec := range recs {
		byType[rec.Type]++
	}
	for typ, n := range byType {
		fmt.Printf("  %-24s %d\n", typ, n)
	}
	if len(recs) > 0 {
		gray.Printf("\nnewest: %s (%s)\n", recs[0].ID, recs[0].Timestamp.Format(time.RFC3339))
	}
	return nil
}

const starterConfig = `# coven-context configuration
app:
  id: ai.coven.agent
  name: Coven Agent

store:
  path: %s

exchange:
  interval: 5s
  min_confidence: 0.7
  push_limit: 20
  system_wide: true
  # allowed_peers:
  #   - com.example.notes
  # allowed_types:
  #   - user_intent

transports:
  msgbus:
    enabled: true
  notifybus:
    enabled: false
  autohost:
    enabled: false

logging:
  level: info
  format: text
`

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	dbPath := filepath.Join(getDataPath(), "context.db")
	content := fmt.Sprintf(starterConfig, dbPath)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Created %s\n", configPath)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	// File logging is always JSON, rotated by lumberjack.
	if cfg.File != "" {
		fileHandler := slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}, opts)
		handler = teeHandler{console: handler, file: fileHandler}
	}

	return slog.New(handler)
}

// teeHandler sends every record to both the console and the log file.
type teeHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.console.Enabled(ctx, level) || t.file.Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if t.console.Enabled(ctx, r.Level) {
		if err := t.console.Handle(ctx, r); err != nil {
			return err
		}
	}
	if t.file.Enabled(ctx, r.Level) {
		return t.file.Handle(ctx, r.Clone())
	}
	return nil
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{console: t.console.WithAttrs(attrs), file: t.file.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{console: t.console.WithGroup(name), file: t.file.WithGroup(name)}
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
