// ABOUTME: Command-line client for databases shared through a seance broker
// ABOUTME: Runs statements, checks liveness, and mints auth tokens

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/seance"
	"github.com/2389/seance/internal/spawn"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the CLI config file.
// Priority: SEANCE_CLI_CONFIG env var > XDG_CONFIG_HOME/seance/cli.toml > ~/.config/seance/cli.toml
func getConfigPath() string {
	if envPath := os.Getenv("SEANCE_CLI_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "cli.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "seance", "cli.toml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: seance <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  exec --db PATH SQL [PARAM...]  Run one statement through the broker")
		fmt.Println("  ping --db PATH                 Check that the database's broker answers")
		fmt.Println("  identify --db PATH             Print which database the broker serves")
		fmt.Println("  token                          Generate a fresh shared secret")
		fmt.Println("  version                        Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "exec":
		err = runExec(ctx)
	case "ping":
		err = runPing(ctx)
	case "identify":
		err = runIdentify(ctx)
	case "token":
		err = runToken()
	case "version":
		fmt.Printf("seance %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds the flags shared by the connecting commands, plus the
// positional arguments left over. Supports both "--flag value" and
// "--flag=value" forms.
type cliFlags struct {
	configPath string
	db         string
	timeout    string
	rest       []string
}

func parseCLIFlags(args []string) (*cliFlags, error) {
	fl := &cliFlags{}
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
		case arg == "--timeout":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeout requires a value")
			}
			fl.timeout = args[i+1]
			i++
		case strings.HasPrefix(arg, "--timeout="):
			fl.timeout = strings.TrimPrefix(arg, "--timeout=")
		case strings.HasPrefix(arg, "-") && len(fl.rest) == 0:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		default:
			fl.rest = append(fl.rest, arg)
		}
	}
	return fl, nil
}

// loadConfigFile loads the CLI config, or returns an empty one when no file
// exists and none was asked for explicitly.
func loadConfigFile(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	path := getConfigPath()
	if _, err := os.Stat(path); err != nil {
		return &Config{}, nil
	}
	return Load(path)
}

// resolveConfig merges flags and environment over the config file. The token
// deliberately has no flag: SEANCE_TOKEN or the config file carry it so it
// never shows up in process listings.
func resolveConfig(fl *cliFlags) (*Config, error) {
	cfg, err := loadConfigFile(fl.configPath)
	if err != nil {
		return nil, err
	}
	if fl.db != "" {
		cfg.Database.Path = fl.db
	}
	if fl.timeout != "" {
		cfg.Client.Timeout = fl.timeout
	}
	if token := os.Getenv(spawn.EnvToken); token != "" {
		cfg.Auth.Token = token
	}
	if cfg.Database.Path == "" {
		return nil, fmt.Errorf("no database given: pass --db or set database.path in %s", getConfigPath())
	}
	return cfg, nil
}

func clientOptions(cfg *Config) ([]seance.Option, error) {
	opts := []seance.Option{seance.WithLogger(cliLogger(cfg.Logging.Level))}

	if cfg.Auth.Token != "" {
		opts = append(opts, seance.WithToken(cfg.Auth.Token))
	}
	if cfg.Client.Timeout != "" {
		d, err := time.ParseDuration(cfg.Client.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parsing timeout: %w", err)
		}
		opts = append(opts, seance.WithTimeout(d))
	}
	if cfg.Client.BasePort != 0 || cfg.Client.PortCount != 0 {
		base, count := cfg.Client.BasePort, cfg.Client.PortCount
		if base == 0 {
			base = seance.DefaultBasePort
		}
		if count == 0 {
			count = seance.DefaultPortCount
		}
		opts = append(opts, seance.WithPortRange(base, count))
	}
	if cfg.Client.Broker != "" {
		opts = append(opts, seance.WithBrokerBinary(cfg.Client.Broker))
	}
	return opts, nil
}

func connect(ctx context.Context, fl *cliFlags) (*seance.Conn, error) {
	cfg, err := resolveConfig(fl)
	if err != nil {
		return nil, err
	}
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	return seance.Connect(ctx, cfg.Database.Path, opts...)
}

func runExec(ctx context.Context) error {
	fl, err := parseCLIFlags(os.Args[2:])
	if err != nil {
		return err
	}
	if len(fl.rest) == 0 {
		return fmt.Errorf("exec requires a SQL statement")
	}
	query := fl.rest[0]
	params := make([]any, 0, len(fl.rest)-1)
	for _, raw := range fl.rest[1:] {
		params = append(params, parseParam(raw))
	}

	conn, err := connect(ctx, fl)
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, query, params...)
	if err != nil {
		return err
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
	return nil
}

func runPing(ctx context.Context) error {
	fl, err := parseCLIFlags(os.Args[2:])
	if err != nil {
		return err
	}
	conn, err := connect(ctx, fl)
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Ping(ctx); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("  ✓ ")
	fmt.Printf("broker for %s answered in %s\n", conn.Identity(), time.Since(start).Round(time.Microsecond))
	return nil
}

func runIdentify(ctx context.Context) error {
	fl, err := parseCLIFlags(os.Args[2:])
	if err != nil {
		return err
	}
	conn, err := connect(ctx, fl)
	if err != nil {
		return err
	}
	defer conn.Close()

	served, err := conn.Identify(ctx)
	if err != nil {
		return err
	}
	fmt.Println(served)
	return nil
}

// runToken mints a fresh shared secret suitable for SEANCE_TOKEN and the
// broker's auth.token setting.
func runToken() error {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(base64.StdEncoding.EncodeToString(secretBytes))
	return nil
}

// parseParam turns a command-line argument into a typed query parameter:
// integers and decimals become numbers, everything else stays a string.
func parseParam(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return "0x" + hex.EncodeToString(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func cliLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		// Quiet by default so command output stays clean.
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
