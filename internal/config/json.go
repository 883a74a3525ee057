package config

import (
	"encoding/json"
	"os"

	"github.com/dmarkhas/vaultsync/internal/flagx"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Numeric and
// boolean fields are pointers so an absent key keeps the earlier value
// instead of zeroing it.
type JsonConfig struct {
	ServerURL   string `json:"server_url"`
	UserID      string `json:"user_id"`
	AppPassword string `json:"app_password"`

	CertificatePath string `json:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path"`
	MnemonicPath    string `json:"mnemonic_path"`

	SyncDir    string `json:"sync_dir"`
	JournalDSN string `json:"journal_dsn"`

	MaxParallel            *int   `json:"max_parallel"`
	MoveToTrash            *bool  `json:"move_to_trash"`
	SkipChecksumValidation *bool  `json:"skip_checksum_validation"`
	LogLevel               string `json:"log_level"`
}

// parseJson overlays cfg with values loaded from a JSON file. The file path
// comes from the -c or -config flag; without one, nothing is loaded. Read or
// unmarshal errors panic, the caller recovers if it wants to.
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigPathFromArgs(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerURL != "" {
		cfg.ServerURL = jc.ServerURL
	}
	if jc.UserID != "" {
		cfg.UserID = jc.UserID
	}
	if jc.AppPassword != "" {
		cfg.AppPassword = jc.AppPassword
	}
	if jc.CertificatePath != "" {
		cfg.CertificatePath = jc.CertificatePath
	}
	if jc.PrivateKeyPath != "" {
		cfg.PrivateKeyPath = jc.PrivateKeyPath
	}
	if jc.MnemonicPath != "" {
		cfg.MnemonicPath = jc.MnemonicPath
	}
	if jc.SyncDir != "" {
		cfg.SyncDir = jc.SyncDir
	}
	if jc.JournalDSN != "" {
		cfg.JournalDSN = jc.JournalDSN
	}
	if jc.MaxParallel != nil {
		cfg.MaxParallel = *jc.MaxParallel
	}
	if jc.MoveToTrash != nil {
		cfg.MoveToTrash = *jc.MoveToTrash
	}
	if jc.SkipChecksumValidation != nil {
		cfg.SkipChecksumValidation = *jc.SkipChecksumValidation
	}
	if jc.LogLevel != "" {
		cfg.LogLevel = jc.LogLevel
	}
}
