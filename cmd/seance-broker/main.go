// ABOUTME: Entry point for the seance-broker daemon
// ABOUTME: Serves one SQLite database to local clients over loopback TCP

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/seance"
	"github.com/2389/seance/internal/broker"
	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/spawn"
	"github.com/2389/seance/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___  ___  __ _ _ __   ___ ___
 / __|/ _ \/ _' | '_ \ / __/ _ \
 \__ \  __/ (_| | | | | (_|  __/
 |___/\___|\__,_|_| |_|\___\___|
`

// getConfigPath returns the path to the broker config file.
// Priority: SEANCE_CONFIG env var > XDG_CONFIG_HOME/seance/broker.yaml > ~/.config/seance/broker.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SEANCE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "broker.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "seance", "broker.yaml")
}

func defaultAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(seance.DefaultBasePort))
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: seance-broker <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start a broker for one database")
		fmt.Println("  health   Check a running broker")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Printf("seance-broker %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// brokerFlags are the flags shared by serve and health. Supports both
// "--flag value" and "--flag=value" forms.
type brokerFlags struct {
	configPath  string
	db          string
	addr        string
	idleTimeout string
}

func parseBrokerFlags(args []string) (*brokerFlags, error) {
	fl := &brokerFlags{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			fl.configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			fl.configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--db":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--db requires a value")
			}
			fl.db = args[i+1]
			i++
		case strings.HasPrefix(arg, "--db="):
			fl.db = strings.TrimPrefix(arg, "--db=")
		case arg == "--addr":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--addr requires a value")
			}
			fl.addr = args[i+1]
			i++
		case strings.HasPrefix(arg, "--addr="):
			fl.addr = strings.TrimPrefix(arg, "--addr=")
		case arg == "--idle-timeout":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--idle-timeout requires a value")
			}
			fl.idleTimeout = args[i+1]
			i++
		case strings.HasPrefix(arg, "--idle-timeout="):
			fl.idleTimeout = strings.TrimPrefix(arg, "--idle-timeout=")
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}
	return fl, nil
}

// loadConfig resolves the effective configuration: config file values under
// flag and environment overrides. A missing default config file is fine,
// because a spawned broker gets everything it needs from flags and
// SEANCE_TOKEN.
func loadConfig(fl *brokerFlags) (*config.Config, string, error) {
	var cfg *config.Config
	var cfgPath string

	if fl.configPath != "" {
		loaded, err := config.Load(fl.configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		cfg, cfgPath = loaded, fl.configPath
	} else {
		path := getConfigPath()
		if _, err := os.Stat(path); err == nil {
			loaded, err := config.Load(path)
			if err != nil {
				return nil, "", fmt.Errorf("loading config: %w", err)
			}
			cfg, cfgPath = loaded, path
		} else {
			cfg = config.Default()
		}
	}

	if fl.db != "" {
		cfg.Database.Path = fl.db
	}
	if fl.addr != "" {
		cfg.Listen.Addr = fl.addr
	}
	if fl.idleTimeout != "" {
		d, err := time.ParseDuration(fl.idleTimeout)
		if err != nil {
			return nil, "", fmt.Errorf("parsing --idle-timeout: %w", err)
		}
		cfg.Limits.IdleTimeout = d
	}
	if token := os.Getenv(spawn.EnvToken); token != "" {
		cfg.Auth.Token = token
	}
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = defaultAddr()
	}

	return cfg, cfgPath, nil
}

func runServe(ctx context.Context) error {
	fl, err := parseBrokerFlags(os.Args[2:])
	if err != nil {
		return err
	}
	cfg, cfgPath, err := loadConfig(fl)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Endpoint:  %s\n", cfg.Listen.Addr)
	if cfgPath != "" {
		green.Print("    ▶ ")
		fmt.Printf("Config:    %s\n", cfgPath)
	}
	if cfg.Auth.Token != "" {
		green.Print("    ▶ ")
		fmt.Printf("Auth:      token required\n")
	}
	if cfg.Limits.IdleTimeout > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Idle exit: %s\n", cfg.Limits.IdleTimeout)
	}
	fmt.Println()

	logger.Info("starting seance-broker",
		"database", cfg.Database.Path,
		"addr", cfg.Listen.Addr,
		"auth_required", cfg.Auth.Token != "",
	)

	b, err := broker.New(broker.Config{
		Identity:    cfg.Database.Path,
		Addr:        cfg.Listen.Addr,
		Token:       cfg.Auth.Token,
		IdleTimeout: cfg.Limits.IdleTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}

	return b.Run(ctx)
}

// runHealth opens a channel to a broker and round-trips a ping, then reports
// which database the endpoint serves. The address comes from --addr, the
// config file, or the default endpoint.
func runHealth(ctx context.Context) error {
	fl, err := parseBrokerFlags(os.Args[2:])
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(fl)
	if err != nil {
		return err
	}

	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	ch := wire.NewChannel(conn)
	defer ch.Close()
	ch.SetDeadline(time.Now().Add(2 * time.Second))

	if cfg.Auth.Token != "" {
		resp, err := exchange(ch, &wire.Request{Command: wire.CmdAuthenticate, Args: []any{cfg.Auth.Token}})
		if err != nil {
			return fmt.Errorf("authenticate failed: %w", err)
		}
		if resp.Status != wire.StatusOK {
			return fmt.Errorf("authenticate rejected: %v", resp.Err)
		}
	}

	resp, err := exchange(ch, &wire.Request{Command: wire.CmdPing})
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if resp.Status != wire.StatusOK || resp.Result != wire.PingAck {
		return fmt.Errorf("unhealthy: unexpected ping reply %v", resp.Result)
	}

	resp, err = exchange(ch, &wire.Request{Command: wire.CmdIdentify})
	if err != nil {
		return fmt.Errorf("identify failed: %w", err)
	}

	fmt.Println("healthy")
	fmt.Printf("%s serves %v\n", cfg.Listen.Addr, resp.Result)
	return nil
}

func exchange(ch *wire.Channel, req *wire.Request) (*wire.Response, error) {
	if err := ch.WriteRequest(req); err != nil {
		return nil, err
	}
	return ch.ReadResponse()
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

	return slog.New(handler)
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
