package e2ee

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmarkhas/vaultsync/internal/account"
	"github.com/dmarkhas/vaultsync/internal/common"
	"github.com/dmarkhas/vaultsync/internal/logging"
	"github.com/dmarkhas/vaultsync/internal/remote"
)

// MetadataHandler owns the fetch, lock, mutate, upload, unlock cycle for one
// folder. A handler either acquires its own lock token or gets one injected
// by a parent job; it only ever unlocks tokens it acquired itself.
type MetadataHandler struct {
	acc    *account.Account
	client remote.Client
	log    logging.Logger

	folderPath string
	root       RootFolderInfo

	mu            sync.Mutex
	folderID      string
	metadata      *FolderMetadata
	token         string
	ownsToken     bool
	isNewFolder   bool
	unlockRunning bool
}

func NewMetadataHandler(acc *account.Account, client remote.Client, folderPath string, root RootFolderInfo, log logging.Logger) *MetadataHandler {
	if log == nil {
		log = logging.NewNop()
	}
	return &MetadataHandler{
		acc:        acc,
		client:     client,
		log:        log.With("folder", folderPath),
		folderPath: folderPath,
		root:       root,
	}
}

func (h *MetadataHandler) FolderPath() string { return h.folderPath }

func (h *MetadataHandler) resolveFolderID(ctx context.Context) (string, error) {
	h.mu.Lock()
	id := h.folderID
	h.mu.Unlock()
	if id != "" {
		return id, nil
	}

	id, err := h.client.ResolveFileID(ctx, h.folderPath)
	if err != nil {
		return "", fmt.Errorf("resolve folder id %s: %w", h.folderPath, err)
	}
	h.mu.Lock()
	h.folderID = id
	h.mu.Unlock()
	return id, nil
}

func (h *MetadataHandler) SetFolderID(id string) {
	h.mu.Lock()
	h.folderID = id
	h.mu.Unlock()
}

func (h *MetadataHandler) FolderID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.folderID
}

// FetchMetadata downloads and parses the folder's document. A 404 with
// allowEmpty starts a fresh empty document instead; any other failure is
// surfaced immediately.
func (h *MetadataHandler) FetchMetadata(ctx context.Context, allowEmpty bool) error {
	id, err := h.resolveFolderID(ctx)
	if err != nil {
		return err
	}

	raw, err := h.client.FetchFolderMetadata(ctx, id)
	if err != nil {
		if remote.KindOf(err) == remote.KindNotFound && allowEmpty {
			md, mdErr := NewEmptyFolderMetadata(h.acc, h.root, h.log)
			if mdErr != nil {
				return mdErr
			}
			h.mu.Lock()
			h.metadata = md
			h.isNewFolder = true
			h.mu.Unlock()
			h.log.Debug(ctx, "no metadata on server, starting empty")
			return nil
		}
		return fmt.Errorf("fetch metadata %s: %w", h.folderPath, err)
	}

	md, err := NewFolderMetadata(h.acc, raw, h.root, h.log)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.metadata = md
	h.isNewFolder = false
	h.mu.Unlock()
	return nil
}

// LockFolder acquires the server-side write lock. Idempotent while a token
// is held.
func (h *MetadataHandler) LockFolder(ctx context.Context) error {
	h.mu.Lock()
	held := h.token != ""
	h.mu.Unlock()
	if held {
		return nil
	}

	id, err := h.resolveFolderID(ctx)
	if err != nil {
		return err
	}
	token, err := h.client.LockFolder(ctx, id)
	if err != nil {
		return fmt.Errorf("lock folder %s: %w", h.folderPath, err)
	}

	h.mu.Lock()
	h.token = token
	h.ownsToken = true
	h.mu.Unlock()
	h.log.Debug(ctx, "folder locked")
	return nil
}

// UploadMetadata serializes and uploads the current document. The handler
// locks first when it holds no token. An upload failure while holding a
// self-acquired token triggers a rollback unlock without commit; the
// rollback's own failure masks the upload error. With keepLock the lock is
// left in place for follow-up work.
func (h *MetadataHandler) UploadMetadata(ctx context.Context, keepLock bool) error {
	h.mu.Lock()
	md := h.metadata
	h.mu.Unlock()
	if md == nil {
		return fmt.Errorf("upload metadata %s: no document", h.folderPath)
	}

	id, err := h.resolveFolderID(ctx)
	if err != nil {
		return err
	}
	if err := h.LockFolder(ctx); err != nil {
		return err
	}

	body, err := md.EncryptedMetadata()
	if err != nil {
		return fmt.Errorf("serialize metadata %s: %w", h.folderPath, err)
	}

	h.mu.Lock()
	token := h.token
	create := h.isNewFolder
	owns := h.ownsToken
	h.mu.Unlock()

	if err := h.client.UploadFolderMetadata(ctx, id, token, body, create); err != nil {
		h.log.Error(ctx, "metadata upload failed", "err", err)
		if owns {
			if unlockErr := h.UnlockFolder(ctx, false); unlockErr != nil {
				return fmt.Errorf("unlock after failed upload %s: %w", h.folderPath, unlockErr)
			}
		}
		return fmt.Errorf("upload metadata %s: %w", h.folderPath, err)
	}

	h.mu.Lock()
	h.isNewFolder = false
	h.mu.Unlock()

	if !keepLock && owns {
		return h.UnlockFolder(ctx, true)
	}
	return nil
}

// UnlockFolder releases the lock, committing or discarding staged uploads.
// A second call while one is outstanding errors; unlocking without a token
// is a no-op.
func (h *MetadataHandler) UnlockFolder(ctx context.Context, commit bool) error {
	h.mu.Lock()
	if h.unlockRunning {
		h.mu.Unlock()
		return fmt.Errorf("unlock folder %s: %w", h.folderPath, common.ErrUnlockInProgress)
	}
	if h.token == "" {
		h.mu.Unlock()
		return nil
	}
	token := h.token
	id := h.folderID
	h.unlockRunning = true
	h.mu.Unlock()

	err := h.client.UnlockFolder(ctx, id, token, commit)

	h.mu.Lock()
	h.unlockRunning = false
	if err == nil {
		h.token = ""
		h.ownsToken = false
	}
	h.mu.Unlock()

	if err != nil {
		return fmt.Errorf("unlock folder %s: %w", h.folderPath, err)
	}
	h.log.Debug(ctx, "folder unlocked", "commit", commit)
	return nil
}

func (h *MetadataHandler) Metadata() *FolderMetadata {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metadata
}

func (h *MetadataHandler) SetMetadata(md *FolderMetadata) {
	h.mu.Lock()
	h.metadata = md
	h.mu.Unlock()
}

// SetFolderToken injects a token acquired by a parent job. The handler will
// present it on uploads but never unlock it.
func (h *MetadataHandler) SetFolderToken(token string) {
	h.mu.Lock()
	h.token = token
	h.ownsToken = false
	h.mu.Unlock()
}

func (h *MetadataHandler) FolderToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *MetadataHandler) IsFolderLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token != ""
}

func (h *MetadataHandler) IsUnlockRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unlockRunning
}
