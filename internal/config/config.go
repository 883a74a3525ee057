package config

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Operations the binary can run. Exactly one is selected per invocation.
const (
	OpSync        = "sync"
	OpEncrypt     = "encrypt"
	OpMigrate     = "migrate"
	OpShareAdd    = "share-add"
	OpShareRemove = "share-remove"
)

// Config holds everything a single run needs: the server account, the key
// material locations, the local sync root, the journal and the propagation
// tuning knobs.
type Config struct {
	ServerURL   string
	UserID      string
	AppPassword string

	CertificatePath string
	PrivateKeyPath  string
	MnemonicPath    string

	SyncDir    string
	JournalDSN string

	// Operation selects what the run does; the remaining fields are its
	// arguments. Sync consumes a worklist file, the folder operations a
	// target path and, for sharing, a user id.
	Operation    string
	WorklistPath string
	TargetPath   string
	ShareUser    string

	MaxParallel            int
	MoveToTrash            bool
	SkipChecksumValidation bool
	LogLevel               string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.JournalDSN = "vaultsync.db"
	c.Operation = OpSync
	c.MaxParallel = 6
	c.LogLevel = "info"
}

// Validate checks the assembled configuration. Operation arguments are
// checked per operation, so an encrypt run does not demand a worklist.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ServerURL, validation.Required),
		validation.Field(&c.UserID, validation.Required),
		validation.Field(&c.SyncDir, validation.Required),
		validation.Field(&c.JournalDSN, validation.Required),
		validation.Field(&c.MaxParallel, validation.Min(1), validation.Max(64)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Operation, validation.Required,
			validation.In(OpSync, OpEncrypt, OpMigrate, OpShareAdd, OpShareRemove)),
	); err != nil {
		return err
	}

	switch c.Operation {
	case OpSync:
		if c.WorklistPath == "" {
			return fmt.Errorf("operation %q needs a worklist file (-w)", c.Operation)
		}
	case OpEncrypt, OpMigrate:
		if c.TargetPath == "" {
			return fmt.Errorf("operation %q needs a target folder (-t)", c.Operation)
		}
	case OpShareAdd, OpShareRemove:
		if c.TargetPath == "" || c.ShareUser == "" {
			return fmt.Errorf("operation %q needs a target folder (-t) and a user (-s)", c.Operation)
		}
	}
	return nil
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
