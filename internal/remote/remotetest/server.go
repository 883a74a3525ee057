// Package remotetest provides an in-memory OCS server for exercising the
// remote client and the metadata jobs without a real Nextcloud instance.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func init() {
	chi.RegisterMethod("PROPFIND")
}

// UnlockEvent records one unlock call, committed or aborted.
type UnlockEvent struct {
	FileID string
	Abort  bool
}

type folder struct {
	path        string
	encrypted   bool
	metadata    []byte // committed inner metadata document
	lockToken   string
	staged      []byte // uploaded under a lock token, not yet committed
	hasStaged   bool
	stagedToken string
}

// Server is a fake end-to-end-encryption OCS endpoint. Metadata uploads are
// staged under the lock token and only become visible after an unlock with
// commit; an abort discards them. A lock on a folder covers the folders
// below it, so a nested upload may carry an ancestor's token.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	nextID       int
	folders      map[string]*folder // by file id
	byPath       map[string]string  // path -> file id
	publicKeys   map[string]string  // user -> PEM
	unlocks      []UnlockEvent
	failUpload   int // HTTP status to fail the next upload with, 0 for none
	failLock     int
	failUploadAt map[string]int // per-folder upload failures, by file id
}

func NewServer() *Server {
	s := &Server{
		nextID:       100,
		folders:      make(map[string]*folder),
		byPath:       make(map[string]string),
		publicKeys:   make(map[string]string),
		failUploadAt: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Route("/ocs/v2.php/apps/end_to_end_encryption/api/v2", func(r chi.Router) {
		r.Get("/meta-data/{id}", s.handleGetMetadata)
		r.Post("/meta-data/{id}", s.handleUploadMetadata)
		r.Put("/meta-data/{id}", s.handleUploadMetadata)
		r.Post("/lock/{id}", s.handleLock)
		r.Delete("/lock/{id}", s.handleUnlock)
		r.Put("/encrypted/{id}", s.handleSetEncrypted(true))
		r.Delete("/encrypted/{id}", s.handleSetEncrypted(false))
		r.Get("/public-key", s.handlePublicKeys)
	})
	r.MethodFunc("PROPFIND", "/remote.php/dav/files/{user}/*", s.handlePropfind)

	s.Server = httptest.NewServer(r)
	return s
}

// AddFolder registers a remote folder and returns its file id.
func (s *Server) AddFolder(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = strings.Trim(path, "/")
	if id, ok := s.byPath[path]; ok {
		return id
	}
	s.nextID++
	id := fmt.Sprintf("%d", s.nextID)
	s.folders[id] = &folder{path: path}
	s.byPath[path] = id
	return id
}

// SeedMetadata installs committed metadata directly, bypassing the lock cycle.
func (s *Server) SeedMetadata(fileID string, doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[fileID]; ok {
		f.metadata = append([]byte(nil), doc...)
		f.encrypted = true
	}
}

func (s *Server) SetPublicKey(user, certPEM string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys[user] = certPEM
}

// Metadata returns the committed metadata document, nil if none.
func (s *Server) Metadata(fileID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[fileID]; ok && f.metadata != nil {
		return append([]byte(nil), f.metadata...)
	}
	return nil
}

func (s *Server) IsLocked(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[fileID]
	return ok && f.lockToken != ""
}

func (s *Server) IsEncrypted(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[fileID]
	return ok && f.encrypted
}

// Unlocks returns every unlock call seen so far, in order.
func (s *Server) Unlocks() []UnlockEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UnlockEvent(nil), s.unlocks...)
}

// FailNextUpload makes the next metadata upload fail with the given status.
func (s *Server) FailNextUpload(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpload = status
}

// FailNextUploadFor makes the next metadata upload for the given folder fail.
func (s *Server) FailNextUploadFor(fileID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploadAt[fileID] = status
}

// FailNextLock makes the next lock attempt fail with the given status.
func (s *Server) FailNextLock(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLock = status
}

func writeOCS(w http.ResponseWriter, status int, message string, data any) {
	if data == nil {
		data = struct{}{}
	}
	body := map[string]any{
		"ocs": map[string]any{
			"meta": map[string]any{
				"status":     http.StatusText(status),
				"statuscode": status,
				"message":    message,
			},
			"data": data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[chi.URLParam(r, "id")]
	if !ok || f.metadata == nil {
		writeOCS(w, http.StatusNotFound, "no metadata", nil)
		return
	}
	writeOCS(w, http.StatusOK, "OK", map[string]string{"meta-data": string(f.metadata)})
}

func (s *Server) handleUploadMetadata(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpload != 0 {
		status := s.failUpload
		s.failUpload = 0
		writeOCS(w, status, "injected failure", nil)
		return
	}
	id := chi.URLParam(r, "id")
	if status, ok := s.failUploadAt[id]; ok {
		delete(s.failUploadAt, id)
		writeOCS(w, status, "injected failure", nil)
		return
	}

	f, ok := s.folders[id]
	if !ok {
		writeOCS(w, http.StatusNotFound, "unknown folder", nil)
		return
	}
	token := r.Header.Get("e2e-token")
	if !s.tokenCovers(f, token) {
		writeOCS(w, http.StatusForbidden, "folder not locked by you", nil)
		return
	}

	var payload struct {
		MetaData string `json:"metaData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.MetaData == "" {
		writeOCS(w, http.StatusBadRequest, "bad metadata payload", nil)
		return
	}
	f.staged = []byte(payload.MetaData)
	f.hasStaged = true
	f.stagedToken = token
	writeOCS(w, http.StatusOK, "OK", map[string]string{"meta-data": payload.MetaData})
}

// tokenCovers reports whether the token holds the lock on the folder itself
// or on an ancestor. Callers must hold s.mu.
func (s *Server) tokenCovers(f *folder, token string) bool {
	if token == "" {
		return false
	}
	if f.lockToken == token {
		return true
	}
	for _, other := range s.folders {
		if other.lockToken == token && strings.HasPrefix(f.path, other.path+"/") {
			return true
		}
	}
	return false
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failLock != 0 {
		status := s.failLock
		s.failLock = 0
		writeOCS(w, status, "injected failure", nil)
		return
	}

	f, ok := s.folders[chi.URLParam(r, "id")]
	if !ok {
		writeOCS(w, http.StatusNotFound, "unknown folder", nil)
		return
	}
	if f.lockToken != "" {
		writeOCS(w, http.StatusLocked, "folder already locked", nil)
		return
	}
	f.lockToken = uuid.NewString()
	f.staged = nil
	f.hasStaged = false
	f.stagedToken = ""
	writeOCS(w, http.StatusOK, "OK", map[string]string{"e2e-token": f.lockToken})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := chi.URLParam(r, "id")
	f, ok := s.folders[id]
	if !ok {
		writeOCS(w, http.StatusNotFound, "unknown folder", nil)
		return
	}
	token := r.Header.Get("e2e-token")
	if f.lockToken == "" || token != f.lockToken {
		writeOCS(w, http.StatusForbidden, "not locked by you", nil)
		return
	}

	abort := r.URL.Query().Get("abort") == "true"
	s.unlocks = append(s.unlocks, UnlockEvent{FileID: id, Abort: abort})

	// Everything staged under this token settles with it, nested uploads
	// included.
	for _, g := range s.folders {
		if g.stagedToken != token {
			continue
		}
		if !abort && g.hasStaged {
			g.metadata = g.staged
		}
		g.staged = nil
		g.hasStaged = false
		g.stagedToken = ""
	}
	f.lockToken = ""
	writeOCS(w, http.StatusOK, "OK", nil)
}

func (s *Server) handleSetEncrypted(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		f, ok := s.folders[chi.URLParam(r, "id")]
		if !ok {
			writeOCS(w, http.StatusNotFound, "unknown folder", nil)
			return
		}
		f.encrypted = enabled
		writeOCS(w, http.StatusOK, "OK", nil)
	}
}

func (s *Server) handlePublicKeys(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	if raw := r.URL.Query().Get("users"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &users); err != nil {
			writeOCS(w, http.StatusBadRequest, "bad users parameter", nil)
			return
		}
	}
	keys := make(map[string]string)
	for _, u := range users {
		if pem, ok := s.publicKeys[u]; ok {
			keys[u] = pem
		}
	}
	writeOCS(w, http.StatusOK, "OK", map[string]any{"public-keys": keys})
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.Trim(chi.URLParam(r, "*"), "/")
	id, ok := s.byPath[path]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	fmt.Fprintf(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:response>
    <d:href>%s</d:href>
    <d:propstat>
      <d:prop>
        <oc:fileid>%s</oc:fileid>
        <d:resourcetype><d:collection/></d:resourcetype>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`, r.URL.Path, id)
}
