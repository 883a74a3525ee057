package e2ee

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarkhas/vaultsync/internal/remote"
	"github.com/dmarkhas/vaultsync/internal/remote/remotetest"
)

func TestRootPathFor(t *testing.T) {
	tests := []struct {
		folder, topLevel, want string
	}{
		{"enc", "enc", "/"},
		{"/enc/", "enc", "/"},
		{"enc/sub", "enc", "enc"},
		{"enc/sub/deep", "/enc/", "enc"},
		{"anything", "", "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RootPathFor(tt.folder, tt.topLevel), "RootPathFor(%q, %q)", tt.folder, tt.topLevel)
	}
}

func TestRootFolderInfoIsTopLevel(t *testing.T) {
	assert.True(t, RootFolderInfo{}.IsTopLevel())
	assert.True(t, RootFolderInfo{Path: "/"}.IsTopLevel())
	assert.False(t, RootFolderInfo{Path: "enc"}.IsTopLevel())
}

func TestKeyResolverTopLevelNeedsNoNetwork(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	var calls atomic.Int32
	client := &stubClient{
		resolve: func(context.Context, string) (string, error) {
			calls.Add(1)
			return "1", nil
		},
	}

	r := NewKeyResolver(acc, client, nil)
	info, err := r.Resolve(context.Background(), "/")
	require.NoError(t, err)
	assert.True(t, info.IsTopLevel())
	assert.Zero(t, calls.Load())
}

func TestKeyResolverFetchesTopLevelKeys(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")

	top, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)
	doc, err := top.EncryptedMetadata()
	require.NoError(t, err)

	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)
	id := srv.AddFolder("enc")
	srv.SeedMetadata(id, doc)

	client, err := remote.NewHTTPClient(srv.URL, acc.UserID, acc.AppPassword, nil)
	require.NoError(t, err)

	r := NewKeyResolver(acc, client, nil)
	info, err := r.Resolve(context.Background(), "enc")
	require.NoError(t, err)

	assert.Equal(t, "enc", info.Path)
	assert.Equal(t, top.KeyForEncryption(), info.KeyForEncryption)
	assert.Equal(t, top.KeyForDecryption(), info.KeyForDecryption)
	assert.Equal(t, top.KeyChecksums(), info.Checksums)
}

func TestKeyResolverCollapsesConcurrentResolutions(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")

	top, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)
	doc, err := top.EncryptedMetadata()
	require.NoError(t, err)

	var fetches atomic.Int32
	client := &stubClient{
		fetch: func(context.Context, string) ([]byte, error) {
			fetches.Add(1)
			time.Sleep(100 * time.Millisecond)
			return doc, nil
		},
	}

	r := NewKeyResolver(acc, client, nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := r.Resolve(context.Background(), "enc")
			assert.NoError(t, err)
			assert.Equal(t, top.KeyForEncryption(), info.KeyForEncryption)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fetches.Load())
}

func TestKeyResolverPropagatesRemoteErrors(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	client := &stubClient{
		fetch: func(context.Context, string) ([]byte, error) {
			return nil, &remote.Error{Kind: remote.KindNotFound, StatusCode: 404, Op: "fetch metadata", Message: "gone"}
		},
	}

	r := NewKeyResolver(acc, client, nil)
	_, err := r.Resolve(context.Background(), "enc")
	require.Error(t, err)
	assert.Equal(t, remote.KindNotFound, remote.KindOf(err))
}
