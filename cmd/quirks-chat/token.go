// ABOUTME: init and token subcommands: write a starter config and mint development tokens
// ABOUTME: Tokens are HS256 JWTs signed with auth.jwt_secret, the same kind the server verifies

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/17anirudh/quirks/internal/auth"
	"github.com/17anirudh/quirks/internal/config"
	"github.com/17anirudh/quirks/internal/protocol"
)

const defaultTokenTTL = 30 * 24 * time.Hour

func runInit(args []string) error {
	fl := newFlagSet("init")
	out := fl.String("config", "", "file to write (default: $QUIRKS_CONFIG or config.yaml)")
	dbPath := fl.String("db", "quirks.db", "SQLite database path")
	force := fl.Bool("force", false, "overwrite an existing file")
	if err := fl.Parse(args); err != nil {
		return err
	}

	path, _ := configPath(*out)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	cfg := config.Default()
	cfg.Database.Path = *dbPath
	cfg.Auth.JWTSecret = base64.StdEncoding.EncodeToString(secret)
	cfg.Tailscale.Hostname = "quirks"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	header := "# quirks-chat configuration\n# Generated by quirks-chat init\n\n"

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created config: %s\n", path)
	fmt.Println("\nNext:")
	fmt.Println("  quirks-chat serve")
	fmt.Println("  quirks-chat token -handle <you> -save")
	return nil
}

func runToken(args []string) error {
	fl := newFlagSet("token")
	cfgFlag := fl.String("config", "", "config file (YAML or TOML)")
	handle := fl.String("handle", "", "handle the token identifies (required)")
	ttl := fl.Duration("ttl", defaultTokenTTL, "token lifetime")
	save := fl.Bool("save", false, "also write the token to ~/.config/quirks/token")
	if err := fl.Parse(args); err != nil {
		return err
	}

	if !protocol.ValidHandle(*handle) {
		return fmt.Errorf("-handle is required and must be a valid handle")
	}
	if *ttl <= 0 {
		return errors.New("-ttl must be positive")
	}

	cfg, path, err := loadConfig(*cfgFlag)
	if err != nil {
		return err
	}
	if cfg.DevMode() {
		return fmt.Errorf("auth.jwt_secret not configured in %s; the server runs in development mode and needs no token", path)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*handle, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		dir, err := quirksConfigDir()
		if err != nil {
			return fmt.Errorf("locating config directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		tokenPath := filepath.Join(dir, "token")
		if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s (expires %s)\n",
			tokenPath, time.Now().Add(*ttl).Format("Jan 02, 2006"))
	}

	fmt.Println(token)
	return nil
}
