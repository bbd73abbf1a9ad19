package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sgd/backend/internal/core"
)

// HTTPStore talks to an S3-compatible object endpoint over its REST surface:
// PUT/GET/DELETE on /{bucket}/{key}, plus x-amz-copy-source for server-side
// copies. Credentials ride in a bearer token; URL signing is local so reads
// don't round-trip to the backend.
type HTTPStore struct {
	endpoint   string
	bucket     string
	token      string
	httpClient *http.Client
	signer     *Signer
}

// NewHTTPStore builds a store client for the given endpoint and bucket.
func NewHTTPStore(endpoint, bucket, token, publicBaseURL, signingSecret string) *HTTPStore {
	return &HTTPStore{
		endpoint:   strings.TrimRight(endpoint, "/"),
		bucket:     bucket,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     NewSigner(publicBaseURL, signingSecret),
	}
}

func (s *HTTPStore) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, url.PathEscape(key))
}

func (s *HTTPStore) do(ctx context.Context, method, key string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.objectURL(key), body)
	if err != nil {
		return nil, core.NewError(core.KindStorage, "build storage request", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, core.NewError(core.KindStorage, fmt.Sprintf("storage %s %s", method, key), err)
	}
	return resp, nil
}

func (s *HTTPStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	resp, err := s.do(ctx, http.MethodPut, key, bytes.NewReader(data), map[string]string{
		"Content-Type": contentType,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return core.Errorf(core.KindStorage, "put %s: backend returned %d", key, resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, key, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, core.Errorf(core.KindStorage, "object not found: %s", key)
	}
	if resp.StatusCode >= 300 {
		return nil, core.Errorf(core.KindStorage, "get %s: backend returned %d", key, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, core.NewError(core.KindStorage, "read object body", err)
	}
	return data, nil
}

func (s *HTTPStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	resp, err := s.do(ctx, http.MethodPut, dstKey, nil, map[string]string{
		"x-amz-copy-source": "/" + s.bucket + "/" + srcKey,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return core.Errorf(core.KindStorage, "copy %s -> %s: backend returned %d", srcKey, dstKey, resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodDelete, key, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return core.Errorf(core.KindStorage, "delete %s: backend returned %d", key, resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, key, nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, core.Errorf(core.KindStorage, "head %s: backend returned %d", key, resp.StatusCode)
	}
}

func (s *HTTPStore) SignedURL(key string, expiry time.Duration) (string, error) {
	return s.signer.Sign(key, expiry), nil
}
