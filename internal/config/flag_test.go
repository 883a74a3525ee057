package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		name        string
		args        []string
		expectPanic bool
		check       func(*testing.T, *Config)
	}{
		{
			name: "account and operation flags",
			args: []string{"cmd", "-a", "https://cloud.example.com", "-u", "alice",
				"-o", "share-add", "-t", "Vault", "-s", "bob"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "https://cloud.example.com", c.ServerURL)
				assert.Equal(t, "alice", c.UserID)
				assert.Equal(t, OpShareAdd, c.Operation)
				assert.Equal(t, "Vault", c.TargetPath)
				assert.Equal(t, "bob", c.ShareUser)
			},
		},
		{
			name: "booleans and tuning",
			args: []string{"cmd", "-trash", "-skip-checksum", "-n", "2", "-l", "debug"},
			check: func(t *testing.T, c *Config) {
				assert.True(t, c.MoveToTrash)
				assert.True(t, c.SkipChecksumValidation)
				assert.Equal(t, 2, c.MaxParallel)
				assert.Equal(t, "debug", c.LogLevel)
			},
		},
		{
			name: "paths",
			args: []string{"cmd", "-cert", "/k/c.pem", "-key", "/k/k.pem",
				"-mnemonic", "/k/m", "-d", "/sync", "-j", "/state/j.db", "-w", "work.json"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "/k/c.pem", c.CertificatePath)
				assert.Equal(t, "/k/k.pem", c.PrivateKeyPath)
				assert.Equal(t, "/k/m", c.MnemonicPath)
				assert.Equal(t, "/sync", c.SyncDir)
				assert.Equal(t, "/state/j.db", c.JournalDSN)
				assert.Equal(t, "work.json", c.WorklistPath)
			},
		},
		{
			name: "foreign flags are ignored",
			args: []string{"cmd", "-verbose", "-a", "https://cloud.example.com", "-x", "y"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "https://cloud.example.com", c.ServerURL)
			},
		},
		{
			name:        "malformed int panics",
			args:        []string{"cmd", "-n", "abc"},
			expectPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args

			cfg := &Config{}
			cfg.LoadDefaults()

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(cfg) })
				return
			}
			require.NotPanics(t, func() { parseFlags(cfg) })
			tt.check(t, cfg)
		})
	}
}
