package e2ee

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarkhas/vaultsync/internal/account"
	"github.com/dmarkhas/vaultsync/internal/common"
	"github.com/dmarkhas/vaultsync/internal/remote"
	"github.com/dmarkhas/vaultsync/internal/remote/remotetest"
)

// stubClient lets tests script individual remote calls.
type stubClient struct {
	resolve func(ctx context.Context, path string) (string, error)
	fetch   func(ctx context.Context, id string) ([]byte, error)
	upload  func(ctx context.Context, id, token string, body []byte, create bool) error
	lock    func(ctx context.Context, id string) (string, error)
	unlock  func(ctx context.Context, id, token string, commit bool) error
	setFlag func(ctx context.Context, id string, enabled bool) error
	pubKeys func(ctx context.Context, users []string) (map[string][]byte, error)
}

func (s *stubClient) ResolveFileID(ctx context.Context, path string) (string, error) {
	if s.resolve == nil {
		return "1", nil
	}
	return s.resolve(ctx, path)
}

func (s *stubClient) FetchFolderMetadata(ctx context.Context, id string) ([]byte, error) {
	return s.fetch(ctx, id)
}

func (s *stubClient) UploadFolderMetadata(ctx context.Context, id, token string, body []byte, create bool) error {
	return s.upload(ctx, id, token, body, create)
}

func (s *stubClient) LockFolder(ctx context.Context, id string) (string, error) {
	if s.lock == nil {
		return "tok", nil
	}
	return s.lock(ctx, id)
}

func (s *stubClient) UnlockFolder(ctx context.Context, id, token string, commit bool) error {
	return s.unlock(ctx, id, token, commit)
}

func (s *stubClient) SetEncryptionFlag(ctx context.Context, id string, enabled bool) error {
	return s.setFlag(ctx, id, enabled)
}

func (s *stubClient) UserPublicKeys(ctx context.Context, users []string) (map[string][]byte, error) {
	return s.pubKeys(ctx, users)
}

type handlerFixture struct {
	srv     *remotetest.Server
	client  *remote.HTTPClient
	acc     *account.Account
	handler *MetadataHandler
	fileID  string
}

func newHandlerFixture(t *testing.T, folderPath string) *handlerFixture {
	t.Helper()
	acc, _ := newTestAccount(t, "alice")

	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)
	fileID := srv.AddFolder(folderPath)

	client, err := remote.NewHTTPClient(srv.URL, acc.UserID, acc.AppPassword, nil)
	require.NoError(t, err)

	h := NewMetadataHandler(acc, client, folderPath, topLevelRoot(), nil)
	return &handlerFixture{srv: srv, client: client, acc: acc, handler: h, fileID: fileID}
}

func TestHandlerFetchMissingMetadataAllowEmpty(t *testing.T) {
	fx := newHandlerFixture(t, "enc")

	require.NoError(t, fx.handler.FetchMetadata(context.Background(), true))
	md := fx.handler.Metadata()
	require.NotNil(t, md)
	require.True(t, md.IsTopLevelFolder())

	users := md.FolderUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)
}

func TestHandlerFetchMissingMetadataStrict(t *testing.T) {
	fx := newHandlerFixture(t, "enc")

	err := fx.handler.FetchMetadata(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, remote.KindNotFound, remote.KindOf(err))
	assert.Nil(t, fx.handler.Metadata())
}

func TestHandlerUploadLifecycle(t *testing.T) {
	fx := newHandlerFixture(t, "enc")
	ctx := context.Background()

	require.NoError(t, fx.handler.FetchMetadata(ctx, true))
	require.NoError(t, fx.handler.UploadMetadata(ctx, false))

	assert.False(t, fx.handler.IsFolderLocked())
	assert.False(t, fx.srv.IsLocked(fx.fileID))
	require.NotNil(t, fx.srv.Metadata(fx.fileID))

	events := fx.srv.Unlocks()
	require.Len(t, events, 1)
	assert.False(t, events[0].Abort)

	// A fresh handler can fetch and parse what was committed.
	h2 := NewMetadataHandler(fx.acc, fx.client, "enc", topLevelRoot(), nil)
	require.NoError(t, h2.FetchMetadata(ctx, false))
	users := h2.Metadata().FolderUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)
}

func TestHandlerUploadFailureRollsBackLock(t *testing.T) {
	fx := newHandlerFixture(t, "enc")
	ctx := context.Background()

	require.NoError(t, fx.handler.FetchMetadata(ctx, true))
	fx.srv.FailNextUpload(http.StatusInternalServerError)

	err := fx.handler.UploadMetadata(ctx, false)
	require.Error(t, err)
	assert.Equal(t, remote.KindServer, remote.KindOf(err))

	assert.False(t, fx.srv.IsLocked(fx.fileID))
	assert.Nil(t, fx.srv.Metadata(fx.fileID))

	events := fx.srv.Unlocks()
	require.Len(t, events, 1)
	assert.True(t, events[0].Abort, "rollback must unlock without commit")
}

func TestHandlerInjectedTokenIsNeverUnlocked(t *testing.T) {
	fx := newHandlerFixture(t, "enc")
	ctx := context.Background()

	// A parent job owns the lock.
	parentToken, err := fx.client.LockFolder(ctx, fx.fileID)
	require.NoError(t, err)

	md, err := NewEmptyFolderMetadata(fx.acc, topLevelRoot(), nil)
	require.NoError(t, err)

	child := NewMetadataHandler(fx.acc, fx.client, "enc", topLevelRoot(), nil)
	child.SetFolderID(fx.fileID)
	child.SetFolderToken(parentToken)
	child.SetMetadata(md)

	require.NoError(t, child.UploadMetadata(ctx, true))
	assert.True(t, fx.srv.IsLocked(fx.fileID), "parent lock must survive the child upload")
	assert.Empty(t, fx.srv.Unlocks())

	// Even a failing upload must not release the parent's lock.
	fx.srv.FailNextUpload(http.StatusInternalServerError)
	require.Error(t, child.UploadMetadata(ctx, true))
	assert.True(t, fx.srv.IsLocked(fx.fileID))
	assert.Empty(t, fx.srv.Unlocks())

	// The parent commits; the child's staged upload becomes visible.
	require.NoError(t, fx.client.UnlockFolder(ctx, fx.fileID, parentToken, true))
	assert.NotNil(t, fx.srv.Metadata(fx.fileID))
}

func TestHandlerSerializationFailureKeepsLockForCaller(t *testing.T) {
	fx := newHandlerFixture(t, "enc")
	ctx := context.Background()

	require.NoError(t, fx.handler.FetchMetadata(ctx, true))
	require.NoError(t, fx.handler.Metadata().RemoveUser("alice"))

	err := fx.handler.UploadMetadata(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrInvariantViolation)

	// The folder stays locked; the calling job decides how to unlock.
	assert.True(t, fx.handler.IsFolderLocked())
	assert.True(t, fx.srv.IsLocked(fx.fileID))
	assert.Empty(t, fx.srv.Unlocks())
}

func TestHandlerLockIsIdempotent(t *testing.T) {
	fx := newHandlerFixture(t, "enc")
	ctx := context.Background()

	require.NoError(t, fx.handler.LockFolder(ctx))
	token := fx.handler.FolderToken()
	require.NotEmpty(t, token)

	require.NoError(t, fx.handler.LockFolder(ctx))
	assert.Equal(t, token, fx.handler.FolderToken())
}

func TestHandlerUnlockWithoutTokenIsNoop(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	unlockCalls := 0
	client := &stubClient{
		unlock: func(context.Context, string, string, bool) error {
			unlockCalls++
			return nil
		},
	}
	h := NewMetadataHandler(acc, client, "enc", topLevelRoot(), nil)

	require.NoError(t, h.UnlockFolder(context.Background(), true))
	assert.Zero(t, unlockCalls)
}

func TestHandlerUnlockGuardsAgainstReentry(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")

	entered := make(chan struct{})
	release := make(chan struct{})
	client := &stubClient{
		lock: func(context.Context, string) (string, error) { return "tok", nil },
		unlock: func(context.Context, string, string, bool) error {
			close(entered)
			<-release
			return nil
		},
	}
	h := NewMetadataHandler(acc, client, "enc", topLevelRoot(), nil)
	ctx := context.Background()
	require.NoError(t, h.LockFolder(ctx))

	done := make(chan error, 1)
	go func() { done <- h.UnlockFolder(ctx, true) }()
	<-entered

	assert.True(t, h.IsUnlockRunning())
	err := h.UnlockFolder(ctx, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrUnlockInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.IsFolderLocked())
	assert.False(t, h.IsUnlockRunning())
}

func TestHandlerUnlockFailureKeepsToken(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	client := &stubClient{
		lock: func(context.Context, string) (string, error) { return "tok", nil },
		unlock: func(context.Context, string, string, bool) error {
			return &remote.Error{Kind: remote.KindServer, StatusCode: 500, Op: "unlock folder", Message: "boom"}
		},
	}
	h := NewMetadataHandler(acc, client, "enc", topLevelRoot(), nil)
	ctx := context.Background()
	require.NoError(t, h.LockFolder(ctx))

	require.Error(t, h.UnlockFolder(ctx, true))
	assert.True(t, h.IsFolderLocked(), "a failed unlock keeps the token for a retry")
}

func TestHandlerUploadFailureUnlockFailureMasksUploadError(t *testing.T) {
	acc, _ := newTestAccount(t, "alice")
	md, err := NewEmptyFolderMetadata(acc, topLevelRoot(), nil)
	require.NoError(t, err)

	client := &stubClient{
		lock: func(context.Context, string) (string, error) { return "tok", nil },
		upload: func(context.Context, string, string, []byte, bool) error {
			return &remote.Error{Kind: remote.KindServer, StatusCode: 502, Op: "upload metadata", Message: "bad gateway"}
		},
		unlock: func(context.Context, string, string, bool) error {
			return &remote.Error{Kind: remote.KindUnavailable, Op: "unlock folder", Message: "connection reset"}
		},
	}
	h := NewMetadataHandler(acc, client, "enc", topLevelRoot(), nil)
	h.SetMetadata(md)

	err = h.UploadMetadata(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlock after failed upload")
	assert.Contains(t, err.Error(), "connection reset")
	assert.NotContains(t, err.Error(), "bad gateway")
}
