// Package layout materializes a proposal's decision history as a directory
// tree:
//
//	proposals/<network>/<id>/current/{content/<name>, verdicts/<evaluator>.json, outcome.json, manifest.json}
//	proposals/<network>/<id>/archived/<run_index>/...
//
// Each run directory with a predecessor also carries previous.json.
package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/Mindburn-Labs/quorum/pkg/artifacts"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
	"github.com/Mindburn-Labs/quorum/pkg/store"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

const (
	CurrentDir   = "current"
	ArchivedDir  = "archived"
	PreviousName = "previous.json"
)

// ProposalDir is the slash path of a proposal namespace.
func ProposalDir(p verdict.Proposal) string {
	return path.Join("proposals", string(p.Network), strconv.FormatUint(p.ID, 10))
}

// RunDir is the slash path a run occupies: current for the sealed run,
// archived/<index> otherwise.
func RunDir(r *store.Run) string {
	if r.IsCurrent() {
		return path.Join(ProposalDir(r.Proposal), CurrentDir)
	}
	return path.Join(ProposalDir(r.Proposal), ArchivedDir, strconv.FormatInt(r.Index, 10))
}

// Previous is the content of previous.json.
type Previous struct {
	RunIndex            int64  `json:"run_index"`
	Path                string `json:"path"`
	ManifestFingerprint string `json:"manifest_fingerprint"`
}

// Summary reports what an export wrote.
type Summary struct {
	Proposal verdict.Proposal `json:"proposal"`
	Runs     []string         `json:"runs"`
	Files    int              `json:"files"`
}

// Exporter reads run records and their blobs.
type Exporter struct {
	records store.Store
	blobs   artifacts.Store
	logger  *slog.Logger
}

func NewExporter(records store.Store, blobs artifacts.Store) *Exporter {
	return &Exporter{
		records: records,
		blobs:   blobs,
		logger:  slog.Default().With("component", "layout"),
	}
}

// Export writes every sealed and archived run of p under root. Collecting
// and failed runs have no manifest and are skipped. Each run's blobs are
// checked against its manifest before anything is written.
func (e *Exporter) Export(ctx context.Context, root string, p verdict.Proposal) (*Summary, error) {
	runs, err := e.records.History(ctx, p)
	if err != nil {
		return nil, err
	}

	byIndex := make(map[int64]*store.Run, len(runs))
	for _, r := range runs {
		byIndex[r.Index] = r
	}

	// Runs move from current to archived between exports.
	if err := os.RemoveAll(filepath.Join(root, filepath.FromSlash(ProposalDir(p)))); err != nil {
		return nil, fmt.Errorf("clear %s: %w", ProposalDir(p), err)
	}

	sum := &Summary{Proposal: p}
	for _, r := range runs {
		if r.Status != store.StatusSealed && r.Status != store.StatusArchived {
			continue
		}
		if r.Manifest == nil {
			return nil, fmt.Errorf("run %s (%s #%d) has no manifest", r.ID, p, r.Index)
		}

		files, err := e.runFiles(ctx, r)
		if err != nil {
			return nil, err
		}
		if prev, ok := byIndex[r.PreviousIndex]; ok && r.PreviousIndex > 0 {
			doc, err := json.MarshalIndent(Previous{
				RunIndex:            prev.Index,
				Path:                path.Join(ProposalDir(p), ArchivedDir, strconv.FormatInt(prev.Index, 10)),
				ManifestFingerprint: prev.ManifestFingerprint,
			}, "", "  ")
			if err != nil {
				return nil, err
			}
			files[PreviousName] = doc
		}

		dir := RunDir(r)
		for name, data := range files {
			if err := writeFile(root, path.Join(dir, name), data); err != nil {
				return nil, err
			}
		}
		sum.Runs = append(sum.Runs, dir)
		sum.Files += len(files)
	}

	e.logger.InfoContext(ctx, "layout exported", "proposal", p.Key(), "runs", len(sum.Runs), "files", sum.Files)
	return sum, nil
}

// runFiles loads and verifies the artifacts of one run.
func (e *Exporter) runFiles(ctx context.Context, r *store.Run) (map[string][]byte, error) {
	files := make(map[string][]byte, len(r.Manifest.Artifacts)+1)
	for _, entry := range r.Manifest.Artifacts {
		data, err := e.blobs.Get(ctx, entry.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("run %s: load %s: %w", r.ID, entry.Name, err)
		}
		files[entry.Name] = data
	}
	if err := manifest.Verify(r.Manifest, files); err != nil {
		return nil, err
	}

	encoded, err := manifest.Encode(r.Manifest)
	if err != nil {
		return nil, err
	}
	if err := manifest.VerifyFingerprint(r.Manifest, r.ManifestFingerprint); err != nil {
		return nil, err
	}
	files[manifest.ManifestName] = encoded
	return files, nil
}

func writeFile(root, name string, data []byte) error {
	full := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(full), err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", full, err)
	}
	return nil
}
