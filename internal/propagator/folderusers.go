package propagator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmarkhas/vaultsync/internal/common"
	"github.com/dmarkhas/vaultsync/internal/e2ee"
	"github.com/dmarkhas/vaultsync/internal/journal"
	"github.com/dmarkhas/vaultsync/internal/remote"
)

// FolderUserOperation selects what UpdateFolderUsersJob does to the folder's
// membership.
type FolderUserOperation int

const (
	FolderUserOpInvalid FolderUserOperation = iota
	// FolderUserOpAdd shares the folder with another user.
	FolderUserOpAdd
	// FolderUserOpRemove revokes a user and rotates the metadata key.
	FolderUserOpRemove
	// FolderUserOpReEncrypt rewrites a sub-folder's document under the
	// rotated key; used only for sub-jobs spawned by Add/Remove.
	FolderUserOpReEncrypt
)

func (op FolderUserOperation) String() string {
	switch op {
	case FolderUserOpAdd:
		return "add"
	case FolderUserOpRemove:
		return "remove"
	case FolderUserOpReEncrypt:
		return "re-encrypt"
	default:
		return "invalid"
	}
}

// folderUsersState is the tagged state of the job's machine. Every network
// round-trip is its own transition so each can be tested in isolation.
type folderUsersState int

const (
	fuStateCertificate folderUsersState = iota
	fuStateFetch
	fuStateMutate
	fuStateUpload
	fuStateSubJobs
	fuStateUnlock
	fuStateFinished
)

// UpdateFolderUsersJob adds or removes a member of an end-to-end encrypted
// folder. The mutation rotates the metadata key, so after uploading the
// top-level document the job re-encrypts every encrypted sub-folder below it
// under the same lock token, strictly one at a time, and only then unlocks.
type UpdateFolderUsersJob struct {
	p *Propagator

	op         FolderUserOperation
	folderPath string
	userID     string
	certPEM    []byte

	// Sub-job inheritance: the parent's resolved keys, its lock token and
	// the sub-folder's server-side location.
	inheritedRoot e2ee.RootFolderInfo
	hasRoot       bool
	parentToken   string
	remotePath    string
	fileID        string

	item     *SyncFileItem
	handler  *e2ee.MetadataHandler
	subItems []*SyncFileItem

	err          error
	unlockCommit bool
}

// NewUpdateFolderUsersJob prepares an Add or Remove of userID on the
// encrypted folder containing folderPath. certPEM may be nil; Add then
// resolves the certificate through the keychain and the server.
func NewUpdateFolderUsersJob(p *Propagator, op FolderUserOperation, folderPath, userID string, certPEM []byte) *UpdateFolderUsersJob {
	return &UpdateFolderUsersJob{
		p:          p,
		op:         op,
		folderPath: folderPath,
		userID:     userID,
		certPEM:    certPEM,
		item:       &SyncFileItem{File: folderPath, OriginalFile: folderPath, IsDirectory: true},
	}
}

// newReEncryptSubJob builds the per-sub-folder job an Add/Remove spawns. It
// addresses the sub-folder by its server-side mangled name and inherits the
// parent's key material and lock token.
func newReEncryptSubJob(p *Propagator, rec *journal.FileRecord, root e2ee.RootFolderInfo, token string) *UpdateFolderUsersJob {
	return &UpdateFolderUsersJob{
		p:             p,
		op:            FolderUserOpReEncrypt,
		folderPath:    rec.Path,
		inheritedRoot: root,
		hasRoot:       true,
		parentToken:   token,
		remotePath:    rec.E2eMangledName,
		fileID:        rec.FileID,
		item:          NewItemFromRecord(rec),
	}
}

func (j *UpdateFolderUsersJob) Item() *SyncFileItem { return j.item }

func (j *UpdateFolderUsersJob) Parallelism() Parallelism { return WaitForFinished }

func (j *UpdateFolderUsersJob) Start(ctx context.Context, rt *JobRuntime) {
	rt.Async(func() error {
		return j.Run(ctx)
	}, func(err error) {
		if err != nil {
			rt.Finish(StatusNormalError, err.Error())
			return
		}
		rt.Finish(StatusSuccess, "")
	})
}

// Run drives the state machine to completion and returns the terminal
// error, nil on success.
func (j *UpdateFolderUsersJob) Run(ctx context.Context) error {
	st := j.startState()
	for st != fuStateFinished {
		st = j.step(ctx, st)
	}
	return j.err
}

func (j *UpdateFolderUsersJob) startState() folderUsersState {
	switch j.op {
	case FolderUserOpAdd:
		return fuStateCertificate
	case FolderUserOpRemove, FolderUserOpReEncrypt:
		return fuStateFetch
	default:
		j.err = fmt.Errorf("folder users: invalid operation on %s", j.folderPath)
		return fuStateFinished
	}
}

// step executes one transition. States never loop; every path reaches
// fuStateFinished.
func (j *UpdateFolderUsersJob) step(ctx context.Context, st folderUsersState) folderUsersState {
	switch st {
	case fuStateCertificate:
		return j.stepCertificate(ctx)
	case fuStateFetch:
		return j.stepFetch(ctx)
	case fuStateMutate:
		return j.stepMutate(ctx)
	case fuStateUpload:
		return j.stepUpload(ctx)
	case fuStateSubJobs:
		return j.stepSubJobs(ctx)
	case fuStateUnlock:
		return j.stepUnlock(ctx)
	default:
		return fuStateFinished
	}
}

// stepCertificate resolves the new member's certificate: provided by the
// caller, else the keychain, else the server (written back to the keychain
// best effort).
func (j *UpdateFolderUsersJob) stepCertificate(ctx context.Context) folderUsersState {
	if len(j.certPEM) > 0 {
		return fuStateFetch
	}
	p := j.p

	if pem, err := p.keys.Certificate(ctx, j.userID); err == nil && len(pem) > 0 {
		j.certPEM = pem
		return fuStateFetch
	}

	published, err := p.client.UserPublicKeys(ctx, []string{j.userID})
	if err == nil {
		if pem, ok := published[j.userID]; ok && len(pem) > 0 {
			j.certPEM = pem
			if err := p.keys.SetCertificate(ctx, j.userID, pem); err != nil {
				p.log.Warn(ctx, "keychain write failed", "user", j.userID, "err", err)
			}
			return fuStateFetch
		}
	}

	j.err = &remote.Error{
		Kind:       remote.KindNotFound,
		StatusCode: 404,
		Op:         "folder users",
		Message:    fmt.Sprintf("Could not fetch publicKey for user %s", j.userID),
	}
	return fuStateFinished
}

// stepFetch locates the top-level encrypted folder, builds the metadata
// handler and downloads the current document.
func (j *UpdateFolderUsersJob) stepFetch(ctx context.Context) folderUsersState {
	p := j.p

	if j.hasRoot {
		j.handler = e2ee.NewMetadataHandler(p.acc, p.client, j.remotePath, j.inheritedRoot, p.log)
		if j.fileID != "" {
			j.handler.SetFolderID(j.fileID)
		}
		j.handler.SetFolderToken(j.parentToken)
	} else {
		rootRec, err := p.journal.GetRootE2eFolderRecord(ctx, j.folderPath)
		if err != nil || !rootRec.IsValid() {
			j.err = &remote.Error{
				Kind:       remote.KindNotFound,
				StatusCode: 404,
				Op:         "folder users",
				Message:    fmt.Sprintf("Could not find root encrypted folder for folder %s", j.folderPath),
			}
			return fuStateFinished
		}
		// Membership lives in the top-level document; the job operates
		// there no matter which folder inside the tree it was given.
		j.folderPath = rootRec.Path
		j.handler = e2ee.NewMetadataHandler(p.acc, p.client, rootRec.Path, e2ee.RootFolderInfo{Path: "/"}, p.log)
		if rootRec.FileID != "" {
			j.handler.SetFolderID(rootRec.FileID)
		}
	}

	if err := j.handler.FetchMetadata(ctx, false); err != nil {
		if errors.Is(err, common.ErrInvalidMetadata) {
			j.err = &remote.Error{
				Kind:       remote.KindForbidden,
				StatusCode: 403,
				Op:         "folder users",
				Message:    fmt.Sprintf("Could not add or remove a folder user %s, for folder %s", j.userID, j.folderPath),
			}
			return fuStateFinished
		}
		j.err = fmt.Errorf("Error updating metadata for a folder %s: %w", j.folderPath, err)
		return fuStateFinished
	}
	return fuStateMutate
}

// stepMutate applies the membership change. Re-encryption sub-jobs change
// nothing: serializing under the inherited rotated key is the whole point.
func (j *UpdateFolderUsersJob) stepMutate(ctx context.Context) folderUsersState {
	md := j.handler.Metadata()
	var err error
	switch j.op {
	case FolderUserOpAdd:
		err = md.AddUser(j.userID, j.certPEM)
	case FolderUserOpRemove:
		err = md.RemoveUser(j.userID)
	case FolderUserOpReEncrypt:
	}
	if err != nil {
		j.err = fmt.Errorf("Could not add or remove a folder user %s, for folder %s: %w", j.userID, j.folderPath, err)
		return fuStateFinished
	}
	return fuStateUpload
}

// stepUpload stores the rewritten document under the lock token, keeping the
// lock for the sub-jobs. On failure the handler has already rolled the lock
// back when this job owns it; a sub-job leaves the parent's token alone.
func (j *UpdateFolderUsersJob) stepUpload(ctx context.Context) folderUsersState {
	if err := j.handler.UploadMetadata(ctx, true); err != nil {
		j.err = fmt.Errorf("Error updating metadata for a folder %s: %w", j.folderPath, err)
		if j.op != FolderUserOpReEncrypt && j.handler.IsFolderLocked() {
			j.unlockCommit = false
			return fuStateUnlock
		}
		return fuStateFinished
	}
	if j.op == FolderUserOpReEncrypt {
		return fuStateFinished
	}
	return fuStateSubJobs
}

// stepSubJobs re-encrypts every encrypted sub-folder below the top level,
// strictly one at a time under the single lock token. The first failure
// stops the walk and releases the lock without committing.
func (j *UpdateFolderUsersJob) stepSubJobs(ctx context.Context) folderUsersState {
	p := j.p
	md := j.handler.Metadata()

	var subs []journal.FileRecord
	if _, err := p.journal.GetFilesBelowPath(ctx, j.folderPath, func(rec *journal.FileRecord) error {
		if rec.IsDirectory && rec.E2eMangledName != "" && rec.EncryptionStatus.IsEncrypted() {
			subs = append(subs, *rec)
		}
		return nil
	}); err != nil {
		j.err = fmt.Errorf("Error updating metadata for a folder %s: %w", j.folderPath, err)
		j.unlockCommit = false
		return fuStateUnlock
	}

	// Sub-folder documents are still encrypted under the old key, so the
	// inherited checksums include the rotated-away fingerprints.
	root := e2ee.RootFolderInfo{
		Path:             j.folderPath,
		KeyForEncryption: md.KeyForEncryption(),
		KeyForDecryption: md.KeyForDecryption(),
		Checksums:        append(md.KeyChecksums(), md.KeyChecksumsRemoved()...),
	}

	for i := range subs {
		if p.AbortRequested() {
			j.err = ErrAborted
			j.unlockCommit = false
			return fuStateUnlock
		}
		sub := newReEncryptSubJob(p, &subs[i], root, j.handler.FolderToken())
		if err := sub.Run(ctx); err != nil {
			j.err = err
			j.unlockCommit = false
			return fuStateUnlock
		}
		j.subItems = append(j.subItems, sub.item)
	}

	j.unlockCommit = true
	return fuStateUnlock
}

// stepUnlock releases the folder lock; its outcome is the job's final
// status. On a committed unlock the sub-folder items learn their new
// encryption status.
func (j *UpdateFolderUsersJob) stepUnlock(ctx context.Context) folderUsersState {
	if err := j.handler.UnlockFolder(ctx, j.unlockCommit); err != nil {
		j.p.log.Error(ctx, "folder unlock failed", "folder", j.folderPath, "err", err)
		j.err = errors.New("Failed to unlock a folder.")
		return fuStateFinished
	}
	if j.err == nil && j.unlockCommit {
		status := j.handler.Metadata().EncryptedMetadataEncryptionStatus()
		j.item.EncryptionStatus = status
		for _, it := range j.subItems {
			it.EncryptionStatus = status
		}
	}
	return fuStateFinished
}
