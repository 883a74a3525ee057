package e2ee

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/dmarkhas/vaultsync/internal/account"
	"github.com/dmarkhas/vaultsync/internal/logging"
	"github.com/dmarkhas/vaultsync/internal/remote"
)

// RootFolderInfo carries the resolved key material of a top-level encrypted
// folder. Sub-folder documents are never self-contained; their keys come
// from here. A Path of "/" means the folder is itself the top of its
// encrypted tree and needs no external keys.
type RootFolderInfo struct {
	Path             string
	KeyForEncryption []byte
	KeyForDecryption []byte
	Checksums        []string
}

func (r RootFolderInfo) IsTopLevel() bool {
	return r.Path == "" || r.Path == "/"
}

// RootPathFor maps a folder path to the root argument a metadata document
// wants: "/" when the folder is the top of its encrypted tree, else the
// top-level path itself.
func RootPathFor(folderPath, topLevelPath string) string {
	fp := strings.Trim(folderPath, "/")
	tp := strings.Trim(topLevelPath, "/")
	if tp == "" || fp == tp {
		return "/"
	}
	return tp
}

// KeyResolver fetches and caches top-level folder key material. Concurrent
// resolutions of the same root collapse into one network round trip.
type KeyResolver struct {
	acc    *account.Account
	client remote.Client
	log    logging.Logger
	group  singleflight.Group
}

func NewKeyResolver(acc *account.Account, client remote.Client, log logging.Logger) *KeyResolver {
	if log == nil {
		log = logging.NewNop()
	}
	return &KeyResolver{acc: acc, client: client, log: log}
}

// Resolve returns the key material for the top-level folder at rootPath.
// Top-level callers get an empty info without network traffic.
func (r *KeyResolver) Resolve(ctx context.Context, rootPath string) (RootFolderInfo, error) {
	if rootPath == "" || rootPath == "/" {
		return RootFolderInfo{Path: "/"}, nil
	}

	v, err, _ := r.group.Do(rootPath, func() (any, error) {
		id, err := r.client.ResolveFileID(ctx, rootPath)
		if err != nil {
			return RootFolderInfo{}, fmt.Errorf("resolve top level folder %s: %w", rootPath, err)
		}
		raw, err := r.client.FetchFolderMetadata(ctx, id)
		if err != nil {
			return RootFolderInfo{}, fmt.Errorf("fetch top level metadata %s: %w", rootPath, err)
		}
		md, err := NewFolderMetadata(r.acc, raw, RootFolderInfo{Path: "/"}, r.log)
		if err != nil {
			return RootFolderInfo{}, fmt.Errorf("parse top level metadata %s: %w", rootPath, err)
		}
		return RootFolderInfo{
			Path:             rootPath,
			KeyForEncryption: md.KeyForEncryption(),
			KeyForDecryption: md.KeyForDecryption(),
			Checksums:        md.KeyChecksums(),
		}, nil
	})
	if err != nil {
		return RootFolderInfo{}, err
	}
	return v.(RootFolderInfo), nil
}
