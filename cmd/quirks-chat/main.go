// ABOUTME: Entry point for quirks-chat: the chat server plus its command line tools
// ABOUTME: Dispatches serve, init, token, health and chat subcommands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/17anirudh/quirks/internal/config"
	"github.com/17anirudh/quirks/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
              _      _
  __ _ _  _ (_)_ _ | |__ ___
 / _' | || || | '_|| / /(_-<
 \__, |\_,_||_|_|  |_\_\/__/
    |_|
`

func usage() {
	fmt.Println("Usage: quirks-chat <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the chat server")
	fmt.Println("  init                   Write a starter config file")
	fmt.Println("  token -handle NAME     Mint a signed token for a handle (development)")
	fmt.Println("  health                 Check server readiness")
	fmt.Println("  chat -handle NAME      Open the terminal chat client")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx, args)
	case "chat":
		err = runChat(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath returns the config file to read and whether the user named
// it. Priority: -config flag > QUIRKS_CONFIG > config.yaml.
func configPath(flagValue string) (string, bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if envPath := os.Getenv(config.EnvConfigPath); envPath != "" {
		return envPath, true
	}
	return config.DefaultPath, false
}

// loadConfig reads the config file. An unnamed default file that does not
// exist falls back to built-in defaults.
func loadConfig(flagValue string) (*config.Config, string, error) {
	path, explicit := configPath(flagValue)

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}

	cfg = config.Default()
	if dbPath := os.Getenv(config.EnvDBPath); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, "(built-in defaults)", nil
}

func runServe(ctx context.Context, args []string) error {
	fl := newFlagSet("serve")
	cfgFlag := fl.String("config", "", "config file (YAML or TOML)")
	if err := fl.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig(*cfgFlag)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.DevMode() {
		yellow.Println("    ! no auth.jwt_secret: development mode, identities are not verified")
	}
	fmt.Println()

	logger.Info("starting quirks-chat", "config", path, "http_addr", cfg.Server.HTTPAddr)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runHealth(ctx context.Context, args []string) error {
	fl := newFlagSet("health")
	cfgFlag := fl.String("config", "", "config file (YAML or TOML)")
	server := fl.String("server", "", "server URL (default: from config)")
	if err := fl.Parse(args); err != nil {
		return err
	}

	base := *server
	if base == "" {
		cfg, _, err := loadConfig(*cfgFlag)
		if err != nil {
			return err
		}
		base = "http://" + cfg.Server.HTTPAddr
	}

	url := strings.TrimRight(base, "/") + "/health/ready"
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
	fmt.Println(strings.TrimSpace(string(body)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// quirksConfigDir returns $XDG_CONFIG_HOME/quirks, or ~/.config/quirks.
func quirksConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "quirks"), nil
}

// newFlagSet returns a FlagSet that reports errors instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fl := flag.NewFlagSet(name, flag.ContinueOnError)
	fl.SetOutput(os.Stderr)
	fl.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quirks-chat %s [flags]\n", name)
		fl.PrintDefaults()
	}
	return fl
}
