// Package manifest binds every input and output of a decision run into one
// content-addressed document whose canonical fingerprint is what downstream
// attestation signs.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/canonicalize"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// Schema is the manifest format identifier.
const Schema = "quorum.manifest/v1"

// Kind classifies a manifest entry.
type Kind string

const (
	KindContent Kind = "content"
	KindVerdict Kind = "verdict"
	KindOutcome Kind = "outcome"
)

// Well-known artifact names within a run namespace.
const (
	ContentDir   = "content/"
	VerdictDir   = "verdicts/"
	OutcomeName  = "outcome.json"
	ManifestName = "manifest.json"
)

// Entry is one fingerprinted artifact of a run.
type Entry struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

// Provenance describes the job that produced a run. Only stable identifiers
// are recorded.
type Provenance struct {
	JobName    string `json:"job_name,omitempty"`
	Repository string `json:"repository,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	CommitSHA  string `json:"commit_sha,omitempty"`
}

// ProvenanceFromEnv reads the CI job identity from the environment.
func ProvenanceFromEnv() Provenance {
	return Provenance{
		JobName:    os.Getenv("QUORUM_JOB_NAME"),
		Repository: os.Getenv("GITHUB_REPOSITORY"),
		RunID:      os.Getenv("GITHUB_RUN_ID"),
		CommitSHA:  os.Getenv("GITHUB_SHA"),
	}
}

// Manifest lists every artifact of a run with its fingerprint. Its canonical
// JSON serialization is the attested form.
type Manifest struct {
	Schema        string           `json:"schema"`
	RunID         string           `json:"run_id"`
	Proposal      verdict.Proposal `json:"proposal"`
	RunIndex      int64            `json:"run_index"`
	CreatedAt     time.Time        `json:"created_at"`
	PolicyVersion string           `json:"policy_version"`
	Provenance    Provenance       `json:"provenance"`
	Artifacts     []Entry          `json:"artifacts"`
}

// Input is everything a run consumed and produced. CreatedAt is the run's
// creation time, fixed when the run is begun, so rebuilding a stored run
// reproduces its fingerprint.
type Input struct {
	RunID         string
	Proposal      verdict.Proposal
	RunIndex      int64
	CreatedAt     time.Time
	PolicyVersion string
	Provenance    Provenance
	Contents      []verdict.Content
	Verdicts      []verdict.Verdict
	Outcome       aggregation.Record
}

// Bundle is a built manifest plus the canonical bytes it describes.
type Bundle struct {
	Manifest    *Manifest
	Artifacts   []*canonicalize.Artifact
	Kinds       map[string]Kind
	Fingerprint string
	Encoded     []byte
}

// ContentName is the run-relative name of a content artifact.
func ContentName(name string) string { return ContentDir + name }

// VerdictName is the run-relative name of an evaluator's verdict record.
func VerdictName(evaluator string) string { return VerdictDir + evaluator + ".json" }

const opBuild = "manifest.build"

// Assemble canonicalizes every artifact of a run and builds its manifest.
// It has no side effects.
func Assemble(in Input) (*Bundle, error) {
	if in.RunID == "" {
		return nil, errorir.Integrity(opBuild, "missing run id")
	}

	kinds := make(map[string]Kind, len(in.Contents)+len(in.Verdicts)+1)
	var arts []*canonicalize.Artifact

	add := func(kind Kind, name string, raw interface{}) error {
		a, err := canonicalize.Canonicalize(name, raw)
		if err != nil {
			return errorir.Integrity(opBuild, "%w", err)
		}
		if _, dup := kinds[a.Name]; dup {
			return errorir.Integrity(opBuild, "duplicate artifact %s", a.Name)
		}
		kinds[a.Name] = kind
		arts = append(arts, a)
		return nil
	}

	for _, c := range in.Contents {
		if err := add(KindContent, ContentName(c.Name), c.Data); err != nil {
			return nil, err
		}
	}
	for _, v := range in.Verdicts {
		if err := v.Validate(); err != nil {
			return nil, errorir.Integrity(opBuild, "%w", err)
		}
		if err := add(KindVerdict, VerdictName(v.Evaluator), v); err != nil {
			return nil, err
		}
	}
	if err := add(KindOutcome, OutcomeName, in.Outcome); err != nil {
		return nil, err
	}

	sort.Slice(arts, func(i, j int) bool { return arts[i].Name < arts[j].Name })

	m := &Manifest{
		Schema:        Schema,
		RunID:         in.RunID,
		Proposal:      in.Proposal,
		RunIndex:      in.RunIndex,
		CreatedAt:     in.CreatedAt.UTC(),
		PolicyVersion: in.PolicyVersion,
		Provenance:    in.Provenance,
		Artifacts:     make([]Entry, 0, len(arts)),
	}
	for _, a := range arts {
		m.Artifacts = append(m.Artifacts, Entry{
			Name:        a.Name,
			Kind:        kinds[a.Name],
			Fingerprint: a.Fingerprint,
			Size:        int64(len(a.CanonicalBytes)),
		})
	}

	encoded, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Manifest:    m,
		Artifacts:   arts,
		Kinds:       kinds,
		Fingerprint: canonicalize.Fingerprint(encoded),
		Encoded:     encoded,
	}, nil
}

// Build returns only the manifest of Assemble.
func Build(in Input) (*Manifest, error) {
	b, err := Assemble(in)
	if err != nil {
		return nil, err
	}
	return b.Manifest, nil
}

// Encode returns the canonical (RFC 8785) bytes of m.
func Encode(m *Manifest) ([]byte, error) {
	b, err := canonicalize.JCS(m)
	if err != nil {
		return nil, errorir.Integrity(opBuild, "encode manifest: %w", err)
	}
	return b, nil
}

// Decode parses a manifest document.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Schema != Schema {
		return nil, fmt.Errorf("decode manifest: unsupported schema %q", m.Schema)
	}
	return &m, nil
}

// Fingerprint is the "sha256:<hex>" digest of the canonical manifest.
func Fingerprint(m *Manifest) (string, error) {
	b, err := Encode(m)
	if err != nil {
		return "", err
	}
	return canonicalize.Fingerprint(b), nil
}

// Entry returns the entry with the given name.
func (m *Manifest) Entry(name string) (Entry, bool) {
	for _, e := range m.Artifacts {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// EntriesOf returns the entries of one kind, in manifest order.
func (m *Manifest) EntriesOf(kind Kind) []Entry {
	var out []Entry
	for _, e := range m.Artifacts {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
