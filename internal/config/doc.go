// Package config loads the quirks server configuration.
//
// # Configuration File
//
// The CLI looks for the file named by -config, then QUIRKS_CONFIG, then
// ./config.yaml. A .toml extension selects TOML; anything else is YAML.
// Values in the file override Default().
//
// # Environment Variable Expansion
//
// Values can reference environment variables, which the CLI may load from
// a .env file first:
//
//	auth:
//	  jwt_secret: "${QUIRKS_JWT_SECRET}"
//
// QUIRKS_DB_PATH, when set, replaces database.path.
//
// # Durations
//
// messaging.persist_timeout, write_timeout, ping_interval and dedupe_ttl
// use time.ParseDuration syntax ("5s", "2m").
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  driver: "sqlite"       # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/quirks/chat.db"
//	auth:
//	  jwt_secret: "${QUIRKS_JWT_SECRET}"   # empty runs in dev mode
//	messaging:
//	  history_limit: 50
//	  persist_workers: 4
//	  rate_limit: 10
//	  rate_burst: 20
//	tailscale:
//	  enabled: false
//	  hostname: "quirks"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
