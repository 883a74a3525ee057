package config

import (
	"flag"
	"os"

	"github.com/dmarkhas/vaultsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string          server base URL
//	-u string          user id on the server
//	-p string          app password
//	-cert string       path to the account certificate (PEM)
//	-key string        path to the account private key (PEM or encrypted blob)
//	-mnemonic string   path to the mnemonic file
//	-d string          local sync directory
//	-j string          journal database DSN
//	-o string          operation: sync, encrypt, migrate, share-add, share-remove
//	-w string          worklist file for sync
//	-t string          target folder for encrypt/migrate/share operations
//	-s string          user id for share operations
//	-n int             maximum number of concurrently running jobs
//	-trash             move local removals to the trash instead of deleting
//	-skip-checksum     tolerate a legacy metadata checksum mismatch
//	-l string          log level: debug, info, warn, error
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-a", "-u", "-p", "-cert", "-key", "-mnemonic",
		"-d", "-j", "-o", "-w", "-t", "-s", "-n",
		"-trash", "-skip-checksum", "-l",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "server base URL")
	fs.StringVar(&cfg.UserID, "u", cfg.UserID, "user id on the server")
	fs.StringVar(&cfg.AppPassword, "p", cfg.AppPassword, "app password")
	fs.StringVar(&cfg.CertificatePath, "cert", cfg.CertificatePath, "path to the account certificate")
	fs.StringVar(&cfg.PrivateKeyPath, "key", cfg.PrivateKeyPath, "path to the account private key")
	fs.StringVar(&cfg.MnemonicPath, "mnemonic", cfg.MnemonicPath, "path to the mnemonic file")
	fs.StringVar(&cfg.SyncDir, "d", cfg.SyncDir, "local sync directory")
	fs.StringVar(&cfg.JournalDSN, "j", cfg.JournalDSN, "journal database DSN")
	fs.StringVar(&cfg.Operation, "o", cfg.Operation, "operation to run")
	fs.StringVar(&cfg.WorklistPath, "w", cfg.WorklistPath, "worklist file for sync")
	fs.StringVar(&cfg.TargetPath, "t", cfg.TargetPath, "target folder")
	fs.StringVar(&cfg.ShareUser, "s", cfg.ShareUser, "user id for share operations")
	fs.IntVar(&cfg.MaxParallel, "n", cfg.MaxParallel, "maximum concurrently running jobs")
	fs.BoolVar(&cfg.MoveToTrash, "trash", cfg.MoveToTrash, "move local removals to the trash")
	fs.BoolVar(&cfg.SkipChecksumValidation, "skip-checksum", cfg.SkipChecksumValidation, "tolerate a legacy metadata checksum mismatch")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
