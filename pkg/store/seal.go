package store

import (
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
)

const (
	opSeal    = "store.seal"
	opArchive = "store.archive"
)

// checkSeal validates that outcome and manifest describe exactly the run
// being sealed. It returns the manifest fingerprint.
func checkSeal(run *Run, outcome aggregation.Outcome, m *manifest.Manifest) (string, error) {
	if run.Status != StatusCollecting {
		return "", errorir.New(errorir.ClassIntegrity, opSeal, ErrRunNotCollecting)
	}
	if m == nil {
		return "", errorir.Integrity(opSeal, "nil manifest")
	}
	if m.RunID != run.ID || m.Proposal != run.Proposal || m.RunIndex != run.Index {
		return "", errorir.Integrity(opSeal, "manifest describes run %s (%s #%d), not %s (%s #%d)",
			m.RunID, m.Proposal, m.RunIndex, run.ID, run.Proposal, run.Index)
	}
	if !m.CreatedAt.Equal(run.CreatedAt) {
		return "", errorir.Integrity(opSeal, "manifest created %s, run created %s",
			m.CreatedAt.Format(time.RFC3339Nano), run.CreatedAt.Format(time.RFC3339Nano))
	}
	if m.PolicyVersion != run.PolicyVersion || outcome.PolicyVersion != run.PolicyVersion {
		return "", errorir.Integrity(opSeal, "policy version mismatch: run %s, manifest %s, outcome %s",
			run.PolicyVersion, m.PolicyVersion, outcome.PolicyVersion)
	}
	if outcome.Tally.Total() != len(run.Verdicts) {
		return "", errorir.Integrity(opSeal, "outcome counts %d votes, run holds %d verdicts",
			outcome.Tally.Total(), len(run.Verdicts))
	}
	if got := len(m.EntriesOf(manifest.KindVerdict)); got != len(run.Verdicts) {
		return "", errorir.Integrity(opSeal, "manifest lists %d verdicts, run holds %d", got, len(run.Verdicts))
	}
	for _, v := range run.Verdicts {
		e, ok := m.Entry(manifest.VerdictName(v.Verdict.Evaluator))
		if !ok || e.Fingerprint != v.Fingerprint {
			return "", errorir.Integrity(opSeal, "verdict of %s does not match manifest", v.Verdict.Evaluator)
		}
	}
	for _, in := range run.InputRefs {
		e, ok := m.Entry(manifest.ContentName(in.Name))
		if !ok || e.Fingerprint != in.Fingerprint {
			return "", errorir.Integrity(opSeal, "input %s does not match manifest", in.Name)
		}
	}

	fp, err := manifest.Fingerprint(m)
	if err != nil {
		return "", err
	}
	return fp, nil
}
