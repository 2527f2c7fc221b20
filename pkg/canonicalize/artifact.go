package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// FingerprintPrefix names the digest algorithm of every fingerprint.
const FingerprintPrefix = "sha256:"

// ContentType values recorded for canonical artifacts.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

// Artifact is a named blob in its canonical byte form together with its
// fingerprint.
type Artifact struct {
	Name           string
	ContentType    string
	CanonicalBytes []byte
	Fingerprint    string
}

// Canonicalize converts a raw value into a canonical Artifact.
// Strings and byte slices are fingerprinted exactly as given; anything else
// is treated as structured data and serialized with JCS.
func Canonicalize(name string, raw interface{}) (*Artifact, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}

	var canonicalBytes []byte
	var contentType string

	switch v := raw.(type) {
	case string:
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("artifact %s: invalid UTF-8 string", name)
		}
		contentType = ContentTypeText
		canonicalBytes = []byte(v)
	case []byte:
		contentType = ContentTypeBinary
		canonicalBytes = v
	default:
		contentType = ContentTypeJSON
		canonicalBytes, err = JCS(v)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: failed to canonicalize as JSON: %w", name, err)
		}
	}

	return &Artifact{
		Name:           normalized,
		ContentType:    contentType,
		CanonicalBytes: canonicalBytes,
		Fingerprint:    Fingerprint(canonicalBytes),
	}, nil
}

// Fingerprint returns the "sha256:<hex>" digest of data.
func Fingerprint(data []byte) string {
	hash := sha256.Sum256(data)
	return FingerprintPrefix + hex.EncodeToString(hash[:])
}

// ErrInvalidFingerprint is returned by ParseFingerprint.
var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// ParseFingerprint validates a "sha256:<hex>" string and returns the hex part.
func ParseFingerprint(fp string) (string, error) {
	if !strings.HasPrefix(fp, FingerprintPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	raw := fp[len(FingerprintPrefix):]
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	return raw, nil
}

// NormalizeName returns the NFC form of an artifact name and rejects names
// that could escape a storage namespace.
func NormalizeName(name string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(name))
	if n == "" {
		return "", errors.New("artifact name is empty")
	}
	if strings.ContainsAny(n, "\\\x00") || strings.HasPrefix(n, "/") {
		return "", fmt.Errorf("artifact name %q is not a relative slash path", name)
	}
	if clean := path.Clean(n); clean != n || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("artifact name %q is not clean", name)
	}
	return n, nil
}
