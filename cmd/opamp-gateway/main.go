// ABOUTME: Entry point for the opamp-gateway control plane server
// ABOUTME: Serves collector agents and the admin API, seeds topology and checks health

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/opamp-gateway/internal/config"
	"github.com/2389/opamp-gateway/internal/gateway"
	"github.com/2389/opamp-gateway/internal/seed"
)

// version is set with -ldflags "-X main.version=..." at build time.
var version = "dev"

const banner = `
                                                   _
  ___  _ __   __ _ _ __ ___  _ __         __ _  __ _| |_ _____      ____ _ _   _
 / _ \| '_ \ / _' | '_ ' _ \| '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_) | |_) | (_| | | | | | | |_) |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___/| .__/ \__,_|_| |_| |_| .__/       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
      |_|                   |_|          |___/                             |___/
`

const defaultConfigTemplate = `# opamp-gateway configuration
# Generated by opamp-gateway init

server:
  http_addr: "0.0.0.0:4320"
  # grpc_addr: "0.0.0.0:4321"   # gRPC health service

database:
  driver: "sqlite"               # sqlite, redis or memory
  path: "%s"
  # redis_addr: "localhost:6379"

agents:
  heartbeat_interval: "30s"
  heartbeat_timeout: "90s"
  push_timeout: "30s"
  max_push_attempts: 5
  failure_cooldown: "5m"
  sweep_schedule: "@every 30s"
  supersede_policy: "immediate"  # immediate or after_ack

# seed:
#   path: "seed.yaml"
#   watch: true

# events:
#   nats_url: "nats://localhost:4222"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`

// resolveConfigPath picks the config file: --config flag, then
// OPAMP_CONFIG, then the XDG default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("OPAMP_CONFIG"); envPath != "" {
		return envPath
	}
	return config.DefaultPath()
}

// loadConfig loads the config file, falling back to defaults when the
// default location does not exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Println("Usage: opamp-gateway [--config PATH] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  seed [file]            Apply a seed document (YAML or TOML, default: built-in sample) and exit")
	fmt.Println("  init                   Write a starter config file")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  agents                 Show readiness and connected agent count")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Print(flags.FlagUsages())
}

func main() {
	var configFlag string
	var showVersion bool
	flags := pflag.NewFlagSet("opamp-gateway", pflag.ContinueOnError)
	flags.StringVarP(&configFlag, "config", "c", "", "config file (default $OPAMP_CONFIG or "+config.DefaultPath()+")")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flags)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version)
		return
	}

	args := flags.Args()
	if len(args) < 1 {
		printUsage(flags)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := resolveConfigPath(configFlag)
	explicit := configFlag != "" || os.Getenv("OPAMP_CONFIG") != ""

	var err error
	switch args[0] {
	case "serve":
		err = runServe(ctx, configPath, explicit)
	case "seed":
		err = runSeed(ctx, configPath, explicit, args[1:])
	case "init":
		err = runInit(configPath)
	case "health":
		err = runProbe(ctx, configPath, explicit, "/health")
	case "agents":
		err = runProbe(ctx, configPath, explicit, "/health/ready")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string, explicit bool) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s", cfg.Database.Driver)
	if cfg.Database.Driver == "memory" {
		yellow.Print(" (not persisted)")
	}
	fmt.Println()
	if cfg.Seed.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Seed:      %s", cfg.Seed.Path)
		if cfg.Seed.Watch {
			gray.Print(" (watching)")
		}
		fmt.Println()
	}
	if cfg.Events.NATSURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      %s\n", cfg.Events.NATSURL)
	}

	fmt.Println()

	logger.Info("starting opamp-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runSeed applies a seed document against the configured store without
// serving agents. Without a file the built-in sample fleet is applied.
func runSeed(ctx context.Context, configPath string, explicit bool, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: opamp-gateway seed [file]")
	}
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "memory" {
		return errors.New("seeding the memory driver has no lasting effect; configure sqlite or redis")
	}
	doc := seed.Default()
	if len(args) == 1 {
		if doc, err = seed.LoadFile(args[0]); err != nil {
			return err
		}
	}

	logger := setupLogger(cfg.Logging)
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
	}()

	res, err := seed.Apply(ctx, gw.Admin(), doc, logger)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen)
	green.Printf("  ✓ Seed applied: %d created, %d already present\n", res.Created, res.Skipped)
	return nil
}

func runInit(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	dbPath := filepath.Join(getDataPath(), "opamp-gateway.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(defaultConfigTemplate, dbPath)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Printf("  Data directory:   %s\n", filepath.Dir(dbPath))
	fmt.Println("\nTo start the server:")
	fmt.Println("  opamp-gateway serve")
	return nil
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/opamp-gateway > ~/.local/share/opamp-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "opamp-gateway")
}

// runProbe requests a health endpoint of a running gateway and prints the body.
func runProbe(ctx context.Context, configPath string, explicit bool, path string) error {
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the parent's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
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
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
