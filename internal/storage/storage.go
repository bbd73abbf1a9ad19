// Package storage provides the uniform object-store surface the pipelines
// write through: put/get, signed URL issuance, and quarantine-to-public
// promotion. Two implementations exist: an HTTP client for an S3-compatible
// backend and an in-memory store for tests and local development.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sgd/backend/internal/core"
)

// Client is the object-store contract the pipelines depend on.
type Client interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL issues a time-bounded read URL for key.
	SignedURL(key string, expiry time.Duration) (string, error)
}

// ObjectClass partitions the per-tenant layout.
type ObjectClass string

const (
	ClassQuarantine ObjectClass = "quarantine"
	ClassPublic     ObjectClass = "public"
	ClassRenders    ObjectClass = "renders"
	ClassPreviews   ObjectClass = "previews"
)

// Key builds the per-tenant object key:
// org/{org}/{class}/{project}/{name}.
func Key(orgID string, class ObjectClass, projectID, name string) string {
	return fmt.Sprintf("org/%s/%s/%s/%s", orgID, class, projectID, name)
}

// ThreatKey is where quarantined threat bytes are parked, outside any
// project prefix so nothing can promote them.
func ThreatKey(orgID, sha256hex string) string {
	return fmt.Sprintf("org/%s/quarantine/threats/%s", orgID, sha256hex)
}

// PromoteKey rewrites a quarantine key to its public twin, preserving the
// basename. Returns an error for keys outside the quarantine prefix.
func PromoteKey(key string) (string, error) {
	const marker = "/" + string(ClassQuarantine) + "/"
	idx := strings.Index(key, marker)
	if idx < 0 {
		return "", core.Errorf(core.KindStorage, "key %q is not under quarantine", key)
	}
	if strings.Contains(key, "/quarantine/threats/") {
		return "", core.Errorf(core.KindSecurity, "threat objects are never promoted")
	}
	return key[:idx] + "/" + string(ClassPublic) + "/" + key[idx+len(marker):], nil
}

// ContentTypeFor maps an image format to its MIME type.
func ContentTypeFor(format core.ImageFormat) string {
	switch format {
	case core.FormatPNG:
		return "image/png"
	case core.FormatJPG:
		return "image/jpeg"
	case core.FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// =============================================================================
// URL SIGNING
//
// Signed URLs are HMAC-SHA256 over "key\nexpiry-unix". The serving edge
// validates the same construction; expired or tampered URLs fail closed.
// =============================================================================

// Signer issues and verifies signed URLs against a shared secret.
type Signer struct {
	baseURL string
	secret  []byte
}

// NewSigner creates a signer. baseURL is the public serving origin.
func NewSigner(baseURL, secret string) *Signer {
	return &Signer{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

// Sign returns a time-bounded URL for the object key.
func (s *Signer) Sign(key string, expiry time.Duration) string {
	exp := time.Now().Add(expiry).Unix()
	sig := s.signature(key, exp)
	return fmt.Sprintf("%s/%s?expires=%d&signature=%s", s.baseURL, key, exp, sig)
}

// Verify checks the signature and expiry of a previously issued URL.
func (s *Signer) Verify(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", core.NewError(core.KindStorage, "malformed signed URL", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	exp, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		return "", core.Errorf(core.KindStorage, "missing expiry")
	}
	if time.Now().Unix() > exp {
		return "", core.Errorf(core.KindStorage, "signed URL expired")
	}
	want := s.signature(key, exp)
	if !hmac.Equal([]byte(want), []byte(u.Query().Get("signature"))) {
		return "", core.Errorf(core.KindStorage, "signature mismatch")
	}
	return key, nil
}

func (s *Signer) signature(key string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, exp)
	return hex.EncodeToString(mac.Sum(nil))
}
