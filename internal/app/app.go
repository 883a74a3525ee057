// Package app initializes and runs the sync client. It loads the account and
// its key material, opens the journal database, connects the server client
// and dispatches the configured operation, with graceful shutdown on signals.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/dmarkhas/vaultsync/internal/account"
	"github.com/dmarkhas/vaultsync/internal/config"
	"github.com/dmarkhas/vaultsync/internal/filex"
	"github.com/dmarkhas/vaultsync/internal/journal"
	"github.com/dmarkhas/vaultsync/internal/journal/sqlite"
	"github.com/dmarkhas/vaultsync/internal/keychain"
	"github.com/dmarkhas/vaultsync/internal/logging"
	"github.com/dmarkhas/vaultsync/internal/propagator"
	"github.com/dmarkhas/vaultsync/internal/remote"
)

// readPassword is a test seam for term.ReadPassword.
// In tests you can replace it with a stub to avoid touching the terminal.
var readPassword = term.ReadPassword

type App struct {
	cfg    *config.Config
	log    logging.Logger
	acc    *account.Account
	jrn    journal.Journal
	client remote.Client
	keys   keychain.Keychain

	// fs is the filesystem propagation jobs mutate; tests swap in a memory
	// one.
	fs afero.Fs
}

// New wires the configuration into a runnable App: credentials and key
// material, the journal database and the server client.
func New(cfg *config.Config) (*App, error) {
	log := logging.NewTextLogger(os.Stdout, cfg.LogLevel)

	acc, err := loadAccount(cfg)
	if err != nil {
		return nil, fmt.Errorf("account init error: %w", err)
	}

	if err := prepareJournalPath(cfg.JournalDSN); err != nil {
		return nil, fmt.Errorf("journal init error: %w", err)
	}
	jrn, err := sqlite.Open(context.Background(), cfg.JournalDSN, log)
	if err != nil {
		return nil, fmt.Errorf("journal init error: %w", err)
	}

	client, err := remote.NewHTTPClient(cfg.ServerURL, cfg.UserID, acc.AppPassword, log)
	if err != nil {
		_ = jrn.Close()
		return nil, fmt.Errorf("client init error: %w", err)
	}

	keys, err := newKeychain(cfg.JournalDSN)
	if err != nil {
		_ = jrn.Close()
		return nil, fmt.Errorf("keychain init error: %w", err)
	}

	return &App{
		cfg:    cfg,
		log:    log,
		acc:    acc,
		jrn:    jrn,
		client: client,
		keys:   keys,
		fs:     afero.NewOsFs(),
	}, nil
}

// newKeychain stores fetched peer certificates next to a file-backed journal.
// Journals without a backing file get a per-run in-memory keychain.
func newKeychain(journalDSN string) (keychain.Keychain, error) {
	if journalDSN == ":memory:" || strings.HasPrefix(journalDSN, "file:") {
		return keychain.NewMemory(), nil
	}
	return keychain.NewDir(filepath.Join(filepath.Dir(journalDSN), "keychain"))
}

// loadAccount builds the account from the configured credential and key
// files. Secrets absent from the configuration are prompted for on the
// terminal.
func loadAccount(cfg *config.Config) (*account.Account, error) {
	acc := account.New(cfg.ServerURL, cfg.UserID, cfg.AppPassword)
	acc.SkipChecksumValidation = cfg.SkipChecksumValidation

	if acc.AppPassword == "" {
		pw, err := promptSecret("App password: ")
		if err != nil {
			return nil, fmt.Errorf("read app password: %w", err)
		}
		acc.AppPassword = pw
	}

	if cfg.CertificatePath != "" {
		pemBytes, err := os.ReadFile(cfg.CertificatePath)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		if err := acc.SetCertificatePEM(pemBytes); err != nil {
			return nil, err
		}
	}

	if cfg.PrivateKeyPath == "" {
		return acc, nil
	}
	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	keyText := strings.TrimSpace(string(keyData))

	if strings.HasPrefix(keyText, "-----BEGIN") {
		if err := acc.SetPrivateKeyPEM(keyData); err != nil {
			return nil, err
		}
		if cfg.MnemonicPath != "" {
			mnemonic, err := filex.ReadTrimmed(cfg.MnemonicPath)
			if err != nil {
				return nil, err
			}
			acc.Mnemonic = mnemonic
		}
		return acc, nil
	}

	// Anything else is a mnemonic-protected key blob.
	mnemonic, err := loadMnemonic(cfg)
	if err != nil {
		return nil, err
	}
	if err := acc.SetEncryptedPrivateKey(keyText, mnemonic); err != nil {
		return nil, err
	}
	return acc, nil
}

func loadMnemonic(cfg *config.Config) (string, error) {
	if cfg.MnemonicPath != "" {
		return filex.ReadTrimmed(cfg.MnemonicPath)
	}
	m, err := promptSecret("Mnemonic: ")
	if err != nil {
		return "", fmt.Errorf("read mnemonic: %w", err)
	}
	return m, nil
}

// promptSecret reads one secret from the terminal without echo.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stdout, prompt)
	b, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stdout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// prepareJournalPath creates the directory for file-backed journal DSNs.
// In-memory and URI-style DSNs are left to the driver.
func prepareJournalPath(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	return filex.EnsureParentDir(dsn)
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run executes the configured operation and blocks until it finishes. An
// interrupt signal aborts the run; jobs already started finish naturally.
func (a *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.initSignalHandler(cancelFunc)

	defer func() {
		if err := a.jrn.Close(); err != nil {
			a.log.Warn(ctx, "journal close failed", "err", err)
		}
	}()

	p := propagator.New(a.acc, a.jrn, a.client, a.keys, a.fs, a.cfg.SyncDir, propagator.Options{
		MaxParallel:      a.cfg.MaxParallel,
		MoveToTrash:      a.cfg.MoveToTrash,
		CasePreservingFS: runtime.GOOS == "darwin" || runtime.GOOS == "windows",
	}, a.log)

	go func() {
		<-ctx.Done()
		p.Abort()
	}()

	a.log.Info(ctx, "starting", "operation", a.cfg.Operation, "user", a.cfg.UserID)

	switch a.cfg.Operation {
	case config.OpSync:
		return a.runSync(ctx, p)
	case config.OpEncrypt:
		return a.runEncrypt(ctx, p)
	case config.OpMigrate:
		return a.runMigrate(ctx, p)
	case config.OpShareAdd:
		return a.runShare(ctx, p, propagator.FolderUserOpAdd)
	case config.OpShareRemove:
		return a.runShare(ctx, p, propagator.FolderUserOpRemove)
	default:
		return fmt.Errorf("unknown operation %q", a.cfg.Operation)
	}
}

// runSync propagates a discovery worklist file against the local sync root.
func (a *App) runSync(ctx context.Context, p *propagator.Propagator) error {
	items, err := LoadWorklist(a.cfg.WorklistPath)
	if err != nil {
		return err
	}
	a.log.Info(ctx, "worklist loaded", "items", len(items), "file", a.cfg.WorklistPath)

	// The scheduler invokes this from its own drive loop, never concurrently.
	var failed int
	p.ItemCompleted = func(item *propagator.SyncFileItem) {
		if item.Status.IsError() {
			failed++
			a.log.Warn(ctx, "item failed", "path", item.File, "status", item.Status.String(), "err", item.ErrorString)
		}
	}

	if err := p.Run(ctx, items); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(items))
	}
	a.log.Info(ctx, "sync finished", "items", len(items))
	return nil
}

// runEncrypt turns the target folder into an end-to-end encrypted one.
func (a *App) runEncrypt(ctx context.Context, p *propagator.Propagator) error {
	target := a.cfg.TargetPath

	var item *propagator.SyncFileItem
	fileID := ""
	rec, err := a.jrn.GetFileRecord(ctx, target)
	if err != nil {
		return err
	}
	if rec.IsValid() {
		item = propagator.NewItemFromRecord(rec)
		fileID = rec.FileID
	}

	if status, message := propagator.NewEncryptFolderJob(p, target, fileID, item).Run(ctx); status != propagator.StatusSuccess {
		return fmt.Errorf("encrypt %s: %s", target, message)
	}
	if err := a.jrn.Commit(ctx, "encrypt folder"); err != nil {
		return err
	}
	a.log.Info(ctx, "folder encrypted", "path", target)
	return nil
}

// runMigrate re-uploads the target folder's metadata in the current format.
func (a *App) runMigrate(ctx context.Context, p *propagator.Propagator) error {
	target := a.cfg.TargetPath

	rec, err := a.jrn.GetFileRecord(ctx, target)
	if err != nil {
		return err
	}
	if !rec.IsValid() {
		return fmt.Errorf("no journal entry for %s", target)
	}

	item := propagator.NewItemFromRecord(rec)
	item.Instruction = propagator.InstructionUpdateMetadata
	item.Direction = propagator.DirectionDown

	if status, message := propagator.NewUpdateMigratedMetadataJob(p, item).Run(ctx); status != propagator.StatusSuccess {
		return fmt.Errorf("migrate %s: %s", target, message)
	}
	a.log.Info(ctx, "metadata migrated", "path", target, "status", item.EncryptionStatus.String())
	return nil
}

// runShare adds or removes a member of the target encrypted folder.
func (a *App) runShare(ctx context.Context, p *propagator.Propagator, op propagator.FolderUserOperation) error {
	job := propagator.NewUpdateFolderUsersJob(p, op, a.cfg.TargetPath, a.cfg.ShareUser, nil)
	if err := job.Run(ctx); err != nil {
		return err
	}
	a.log.Info(ctx, "folder membership updated", "path", a.cfg.TargetPath, "user", a.cfg.ShareUser, "op", op.String())
	return nil
}
