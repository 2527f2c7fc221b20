package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name        string
		input       interface{}
		contentType string
		expect      string
	}{
		{
			name:        "content.md",
			input:       "# Proposal 123\n\nFund the thing.",
			contentType: ContentTypeText,
			expect:      hashHelper("# Proposal 123\n\nFund the thing."),
		},
		{
			name:        "raw.bin",
			input:       []byte{0x00, 0xff},
			contentType: ContentTypeBinary,
			expect:      hashHelper(string([]byte{0x00, 0xff})),
		},
		{
			name: "verdicts/caspar.json",
			input: map[string]interface{}{
				"rationale": "ok",
				"decision":  "AYE",
			},
			contentType: ContentTypeJSON,
			expect:      hashHelper(`{"decision":"AYE","rationale":"ok"}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact, err := Canonicalize(tt.name, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, artifact.Fingerprint)
			assert.Equal(t, tt.contentType, artifact.ContentType)
			assert.Equal(t, tt.name, artifact.Name)
		})
	}
}

func TestFingerprint_OneByteChangesDigest(t *testing.T) {
	a := Fingerprint([]byte("proposal text"))
	b := Fingerprint([]byte("proposal text"))
	c := Fingerprint([]byte("proposal texT"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestParseFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("x"))
	raw, err := ParseFingerprint(fp)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	for _, bad := range []string{"", "md5:abcd", "sha256:zz", "sha256:abcd"} {
		_, err := ParseFingerprint(bad)
		assert.ErrorIs(t, err, ErrInvalidFingerprint, bad)
	}
}

func TestNormalizeName(t *testing.T) {
	// "é" as e + combining acute accent normalizes to the precomposed rune.
	n, err := NormalizeName("résumé.md")
	require.NoError(t, err)
	assert.Equal(t, "r\u00e9sum\u00e9.md", n)

	for _, bad := range []string{"", "  ", "/etc/passwd", "../x", "a/../../b", "a\\b", "a//b"} {
		_, err := NormalizeName(bad)
		assert.Error(t, err, bad)
	}
}

func hashHelper(s string) string {
	hash := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(hash[:])
}
