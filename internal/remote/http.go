package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dmarkhas/vaultsync/internal/logging"
)

const (
	ocsBasePath = "/ocs/v2.php/apps/end_to_end_encryption/api/v2"
	davBasePath = "/remote.php/dav/files"

	// TokenHeader carries the folder lock token on metadata mutations.
	TokenHeader = "e2e-token"

	requestTimeout = 30 * time.Second
)

// HTTPClient talks OCS JSON over HTTP with app-password auth.
type HTTPClient struct {
	baseURL *url.URL
	user    string
	appPass string
	hc      *http.Client
	log     logging.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, user, appPassword string, log logging.Logger) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q: missing scheme or host", baseURL)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &HTTPClient{
		baseURL: u,
		user:    user,
		appPass: appPassword,
		hc:      &http.Client{Timeout: requestTimeout},
		log:     log,
	}, nil
}

type ocsEnvelope struct {
	OCS struct {
		Meta struct {
			Status     string `json:"status"`
			StatusCode int    `json:"statuscode"`
			Message    string `json:"message"`
		} `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

// do sends one request and returns the body. Non-2xx responses come back as
// *Error with the kind derived from the status and the message taken from
// the OCS meta block when present.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, header http.Header, body []byte) ([]byte, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, transportError(op, err)
	}
	reqID := uuid.NewString()
	req.SetBasicAuth(c.user, c.appPass)
	req.Header.Set("OCS-APIRequest", "true")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := resp.Status
		var env ocsEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.OCS.Meta.Message != "" {
			msg = env.OCS.Meta.Message
		}
		c.log.Debug(ctx, "request failed", "op", op, "status", resp.StatusCode, "request_id", reqID)
		return nil, statusError(op, resp.StatusCode, msg)
	}
	return respBody, nil
}

// doIdempotent retries transient failures of safe requests with capped
// exponential backoff.
func (c *HTTPClient) doIdempotent(ctx context.Context, op, method, path string, query url.Values) ([]byte, error) {
	var out []byte
	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, err := c.do(ctx, op, method, path, query, nil, nil)
		if err != nil {
			if KindOf(err).Retryable() && ctx.Err() == nil {
				return retry.RetryableError(err)
			}
			return err
		}
		out = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) FetchFolderMetadata(ctx context.Context, fileID string) ([]byte, error) {
	return c.doIdempotent(ctx, "fetch metadata", http.MethodGet,
		ocsBasePath+"/meta-data/"+url.PathEscape(fileID), url.Values{"format": {"json"}})
}

func (c *HTTPClient) UploadFolderMetadata(ctx context.Context, fileID, token string, body []byte, create bool) error {
	payload, err := json.Marshal(map[string]string{"metaData": string(body)})
	if err != nil {
		return transportError("upload metadata", err)
	}

	method := http.MethodPut
	if create {
		method = http.MethodPost
	}
	header := http.Header{}
	if token != "" {
		header.Set(TokenHeader, token)
	}
	_, err = c.do(ctx, "upload metadata", method,
		ocsBasePath+"/meta-data/"+url.PathEscape(fileID), url.Values{"format": {"json"}}, header, payload)
	return err
}

func (c *HTTPClient) LockFolder(ctx context.Context, fileID string) (string, error) {
	body, err := c.do(ctx, "lock folder", http.MethodPost,
		ocsBasePath+"/lock/"+url.PathEscape(fileID), url.Values{"format": {"json"}}, nil, nil)
	if err != nil {
		return "", err
	}

	var env ocsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", &Error{Kind: KindServer, Op: "lock folder", Message: "malformed lock response"}
	}
	var data struct {
		Token string `json:"e2e-token"`
	}
	if err := json.Unmarshal(env.OCS.Data, &data); err != nil || data.Token == "" {
		return "", &Error{Kind: KindServer, Op: "lock folder", Message: "lock response missing e2e-token"}
	}
	return data.Token, nil
}

func (c *HTTPClient) UnlockFolder(ctx context.Context, fileID, token string, commit bool) error {
	header := http.Header{}
	header.Set(TokenHeader, token)
	query := url.Values{"format": {"json"}}
	if !commit {
		query.Set("abort", "true")
	}
	_, err := c.do(ctx, "unlock folder", http.MethodDelete,
		ocsBasePath+"/lock/"+url.PathEscape(fileID), query, header, nil)
	return err
}

func (c *HTTPClient) SetEncryptionFlag(ctx context.Context, fileID string, enabled bool) error {
	method := http.MethodPut
	if !enabled {
		method = http.MethodDelete
	}
	_, err := c.do(ctx, "set encryption flag", method,
		ocsBasePath+"/encrypted/"+url.PathEscape(fileID), url.Values{"format": {"json"}}, nil, nil)
	return err
}

func (c *HTTPClient) UserPublicKeys(ctx context.Context, users []string) (map[string][]byte, error) {
	usersJSON, err := json.Marshal(users)
	if err != nil {
		return nil, transportError("public keys", err)
	}
	query := url.Values{"format": {"json"}, "users": {string(usersJSON)}}

	body, err := c.doIdempotent(ctx, "public keys", http.MethodGet, ocsBasePath+"/public-key", query)
	if err != nil {
		return nil, err
	}

	var env ocsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &Error{Kind: KindServer, Op: "public keys", Message: "malformed public-key response"}
	}
	var data struct {
		PublicKeys map[string]string `json:"public-keys"`
	}
	if err := json.Unmarshal(env.OCS.Data, &data); err != nil {
		return nil, &Error{Kind: KindServer, Op: "public keys", Message: "malformed public-key response"}
	}
	out := make(map[string][]byte, len(data.PublicKeys))
	for user, pemStr := range data.PublicKeys {
		out[user] = []byte(pemStr)
	}
	return out, nil
}

// ResolveFileID issues a Depth 0 PROPFIND for the path and extracts the
// server file id.
func (c *HTTPClient) ResolveFileID(ctx context.Context, remotePath string) (string, error) {
	const op = "resolve file id"

	davPath := davBasePath + "/" + url.PathEscape(c.user)
	for _, seg := range strings.Split(strings.Trim(remotePath, "/"), "/") {
		if seg != "" {
			davPath += "/" + url.PathEscape(seg)
		}
	}

	const propfindBody = `<?xml version="1.0"?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:prop>
    <oc:fileid/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

	var out string
	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		u := *c.baseURL
		u.Path = strings.TrimRight(u.Path, "/") + davPath

		req, err := http.NewRequestWithContext(ctx, "PROPFIND", u.String(), strings.NewReader(propfindBody))
		if err != nil {
			return transportError(op, err)
		}
		req.SetBasicAuth(c.user, c.appPass)
		req.Header.Set("Depth", "0")
		req.Header.Set("Content-Type", "application/xml")
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := c.hc.Do(req)
		if err != nil {
			return retry.RetryableError(transportError(op, err))
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(transportError(op, err))
		}

		if resp.StatusCode != http.StatusMultiStatus && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			serr := statusError(op, resp.StatusCode, resp.Status)
			if serr.Kind.Retryable() {
				return retry.RetryableError(serr)
			}
			return serr
		}

		id, err := fileIDFromMultistatus(body)
		if err != nil {
			return &Error{Kind: KindServer, Op: op, Message: err.Error()}
		}
		out = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

type multistatus struct {
	Responses []struct {
		Href     string `xml:"href"`
		Propstat []struct {
			Status string `xml:"status"`
			Prop   struct {
				FileID string `xml:"fileid"`
			} `xml:"prop"`
		} `xml:"propstat"`
	} `xml:"response"`
}

func fileIDFromMultistatus(body []byte) (string, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return "", fmt.Errorf("propfind response: %w", err)
	}
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if id := strings.TrimSpace(ps.Prop.FileID); id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("propfind response: no fileid")
}
