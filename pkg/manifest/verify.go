package manifest

import (
	"crypto/subtle"
	"strings"

	"github.com/Mindburn-Labs/quorum/pkg/canonicalize"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
)

const opVerify = "manifest.verify"

// Verify recomputes the fingerprint of every artifact named in m from blobs
// (keyed by artifact name) and fails with an IntegrityError on the first
// missing, unexpected, or mismatching artifact.
func Verify(m *Manifest, blobs map[string][]byte) error {
	if m == nil {
		return errorir.Integrity(opVerify, "nil manifest")
	}
	for _, e := range m.Artifacts {
		data, ok := blobs[e.Name]
		if !ok {
			return errorir.Integrity(opVerify, "artifact %s missing", e.Name)
		}
		if int64(len(data)) != e.Size {
			return errorir.Integrity(opVerify, "artifact %s: size %d, manifest says %d", e.Name, len(data), e.Size)
		}
		if got := canonicalize.Fingerprint(data); !equal(got, e.Fingerprint) {
			return errorir.Integrity(opVerify, "artifact %s: fingerprint %s, manifest says %s", e.Name, got, e.Fingerprint)
		}
	}
	if len(blobs) != len(m.Artifacts) {
		for name := range blobs {
			if _, ok := m.Entry(name); !ok {
				return errorir.Integrity(opVerify, "artifact %s not listed in manifest", name)
			}
		}
	}
	return nil
}

// VerifyFingerprint checks that the canonical form of m hashes to expected.
// expected may be given with or without the "sha256:" prefix.
func VerifyFingerprint(m *Manifest, expected string) error {
	got, err := Fingerprint(m)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(expected, canonicalize.FingerprintPrefix) {
		expected = canonicalize.FingerprintPrefix + expected
	}
	if !equal(got, expected) {
		return errorir.Integrity(opVerify, "manifest fingerprint %s, expected %s", got, expected)
	}
	return nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
