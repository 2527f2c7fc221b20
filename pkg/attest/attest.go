// Package attest binds a sealed run's manifest fingerprint to a signature so
// that downstream consumers can check which decision they are looking at.
package attest

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/canonicalize"
	"github.com/Mindburn-Labs/quorum/pkg/store"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// KeyProvider signs messages with an Ed25519 key. An HSM or cloud KMS can
// stand in for the in-memory implementation.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// NetworkDeriver is implemented by providers that can hand out a separate key
// per network. Providers without it sign for every network with one key.
type NetworkDeriver interface {
	DeriveForNetwork(n verdict.Network) (KeyProvider, error)
}

// providerSigner adapts a KeyProvider to crypto.Signer for the JWT library.
type providerSigner struct{ KeyProvider }

func (p providerSigner) Public() crypto.PublicKey { return p.PublicKey() }

func (p providerSigner) Sign(_ io.Reader, msg []byte, _ crypto.SignerOpts) ([]byte, error) {
	return p.KeyProvider.Sign(msg)
}

// MemoryKeyProvider holds an Ed25519 key in memory.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// GenerateKeyProvider creates a random key.
func GenerateKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// KeyProviderFromSeed restores a key from a hex-encoded 32-byte seed.
func KeyProviderFromSeed(seedHex string) (*MemoryKeyProvider, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("attest seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("attest seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// DeriveForNetwork derives a network-specific key with HKDF-SHA256 so that a
// key leaked for one network cannot sign for another.
func (m *MemoryKeyProvider) DeriveForNetwork(n verdict.Network) (KeyProvider, error) {
	if n == "" {
		return nil, errors.New("network must not be empty")
	}
	r := hkdf.New(sha256.New, m.priv.Seed(), []byte("quorum-network-kdf"), []byte(n))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// Claims is the JWT payload of an attestation token.
type Claims struct {
	jwt.RegisteredClaims
	RunIndex      int64            `json:"run_index"`
	PolicyVersion string           `json:"policy_version"`
	Decision      verdict.Decision `json:"decision"`
	Fingerprint   string           `json:"manifest_fingerprint"`
}

// Attestation is what the pipeline hands to the submission collaborator.
type Attestation struct {
	Proposal            verdict.Proposal    `json:"proposal"`
	RunID               string              `json:"run_id"`
	RunIndex            int64               `json:"run_index"`
	Outcome             aggregation.Outcome `json:"outcome"`
	ManifestFingerprint string              `json:"manifest_fingerprint"`
	// Remark is the bare hex digest carried on-ledger.
	Remark    string `json:"remark"`
	Signature string `json:"signature,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Signer issues attestations. A nil *Signer issues unsigned ones.
type Signer struct {
	master KeyProvider
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner wraps a master key.
func NewSigner(master KeyProvider) *Signer {
	return &Signer{
		master: master,
		issuer: "quorum",
		ttl:    30 * 24 * time.Hour,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Attest builds the attestation of a sealed run.
func (s *Signer) Attest(run *store.Run) (*Attestation, error) {
	if run == nil || run.Status != store.StatusSealed || run.Outcome == nil {
		return nil, errors.New("attest: run is not sealed")
	}
	remark, err := canonicalize.ParseFingerprint(run.ManifestFingerprint)
	if err != nil {
		return nil, fmt.Errorf("attest: %w", err)
	}

	a := &Attestation{
		Proposal:            run.Proposal,
		RunID:               run.ID,
		RunIndex:            run.Index,
		Outcome:             *run.Outcome,
		ManifestFingerprint: run.ManifestFingerprint,
		Remark:              remark,
	}
	if s == nil || s.master == nil {
		return a, nil
	}

	key, err := s.keyFor(run.Proposal.Network)
	if err != nil {
		return nil, fmt.Errorf("attest: %w", err)
	}
	sig, err := key.Sign([]byte(run.ManifestFingerprint))
	if err != nil {
		return nil, fmt.Errorf("attest: sign failed: %w", err)
	}
	a.Signature = hex.EncodeToString(sig)
	a.PublicKey = hex.EncodeToString(key.PublicKey())

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        run.ID,
			Subject:   run.Proposal.Key(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		RunIndex:      run.Index,
		PolicyVersion: run.PolicyVersion,
		Decision:      run.Outcome.Decision,
		Fingerprint:   run.ManifestFingerprint,
	}
	a.Token, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(providerSigner{key})
	if err != nil {
		return nil, fmt.Errorf("attest: token: %w", err)
	}
	return a, nil
}

func (s *Signer) keyFor(n verdict.Network) (KeyProvider, error) {
	if d, ok := s.master.(NetworkDeriver); ok {
		return d.DeriveForNetwork(n)
	}
	return s.master, nil
}

// VerifySignature checks the raw Ed25519 signature of an attestation.
func VerifySignature(a *Attestation) error {
	pub, err := hex.DecodeString(a.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("attest: bad public key")
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return errors.New("attest: bad signature encoding")
	}
	if !ed25519.Verify(pub, []byte(a.ManifestFingerprint), sig) {
		return errors.New("attest: signature invalid")
	}
	return nil
}

// VerifyToken parses a token issued for pub.
func VerifyToken(token string, pub ed25519.PublicKey) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := parsed.Claims.(*Claims); ok && parsed.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}
