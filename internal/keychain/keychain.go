// Package keychain caches other users' public-key certificates so folder
// sharing does not hit the server for every membership change. The real
// client would back this with the OS keychain; the engine only needs the
// interface plus file and memory stores.
package keychain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dmarkhas/vaultsync/internal/common"
)

type Keychain interface {
	// Certificate returns the cached PEM certificate of userID, or
	// common.ErrNotFound.
	Certificate(ctx context.Context, userID string) ([]byte, error)

	// SetCertificate stores (or replaces) the PEM certificate of userID.
	SetCertificate(ctx context.Context, userID string, pemBytes []byte) error
}

// Memory is a map-backed Keychain for tests.
type Memory struct {
	mu    sync.Mutex
	certs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{certs: make(map[string][]byte)}
}

func (m *Memory) Certificate(_ context.Context, userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pemBytes, ok := m.certs[userID]
	if !ok {
		return nil, fmt.Errorf("certificate %q: %w", userID, common.ErrNotFound)
	}
	out := make([]byte, len(pemBytes))
	copy(out, pemBytes)
	return out, nil
}

func (m *Memory) SetCertificate(_ context.Context, userID string, pemBytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(pemBytes))
	copy(cp, pemBytes)
	m.certs[userID] = cp
	return nil
}

// Dir stores one <user>.crt file per user under a directory.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("keychain dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(userID string) string {
	// User ids may contain separators; flatten them.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(userID)
	return filepath.Join(d.root, safe+".crt")
}

func (d *Dir) Certificate(_ context.Context, userID string) ([]byte, error) {
	pemBytes, err := os.ReadFile(d.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("certificate %q: %w", userID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("certificate %q: %w", userID, err)
	}
	return pemBytes, nil
}

func (d *Dir) SetCertificate(_ context.Context, userID string, pemBytes []byte) error {
	if err := os.WriteFile(d.path(userID), pemBytes, 0o600); err != nil {
		return fmt.Errorf("store certificate %q: %w", userID, err)
	}
	return nil
}
