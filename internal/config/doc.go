// Package config loads the runtime configuration for the vaultsync binary.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// # JSON schema
//
//	{
//	  "server_url": "https://cloud.example.com",
//	  "user_id": "alice",
//	  "app_password": "s3cret",
//	  "certificate_path": "/home/alice/.vaultsync/cert.pem",
//	  "private_key_path": "/home/alice/.vaultsync/key.pem",
//	  "mnemonic_path": "/home/alice/.vaultsync/mnemonic",
//	  "sync_dir": "/home/alice/Vault",
//	  "journal_dsn": "/home/alice/.vaultsync/journal.db",
//	  "max_parallel": 6,
//	  "move_to_trash": true,
//	  "skip_checksum_validation": false,
//	  "log_level": "info"
//	}
//
// Primary API
//
//   - type Config                     — the assembled runtime settings
//   - func LoadConfig() *Config       — builds Config by applying defaults, JSON, then flags
//   - func (*Config) LoadDefaults()   — sets sensible defaults
//   - func (*Config) Validate() error — checks the assembled configuration
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
