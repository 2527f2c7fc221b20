// Package store persists decision runs: one mutable current record per
// proposal plus an append-only history of archived predecessors.
//
// Exactly one run per proposal is sealed (current) at any time. Seal is the
// only operation that moves the current pointer, and it demotes the previous
// current run and promotes the new one in a single atomic step.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

var (
	// ErrNotFound is returned when a run or a current record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunNotCollecting is returned when a run is no longer accepting
	// verdicts or state changes.
	ErrRunNotCollecting = errors.New("run is not collecting")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusSealed     Status = "sealed" // the proposal's current run
	StatusArchived   Status = "archived"
	StatusFailed     Status = "failed"
)

// InputRef points at one content artifact consumed by a run.
type InputRef struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

// VerdictRecord is a stored verdict and the fingerprint of its canonical
// record.
type VerdictRecord struct {
	Verdict     verdict.Verdict `json:"verdict"`
	Fingerprint string          `json:"fingerprint"`
}

// Run is one execution of the aggregation pipeline for one proposal.
type Run struct {
	ID       string           `json:"run_id"`
	Proposal verdict.Proposal `json:"proposal"`
	Index    int64            `json:"run_index"`
	// PreviousIndex is the index of the run that was current when this run
	// began; 0 when there was none.
	PreviousIndex int64  `json:"previous_index,omitempty"`
	Status        Status `json:"status"`
	PolicyVersion string `json:"policy_version"`

	InputRefs []InputRef      `json:"input_refs,omitempty"`
	Verdicts  []VerdictRecord `json:"verdicts,omitempty"`

	Outcome             *aggregation.Outcome `json:"outcome,omitempty"`
	Manifest            *manifest.Manifest   `json:"manifest,omitempty"`
	ManifestFingerprint string               `json:"manifest_fingerprint,omitempty"`

	Reason        string     `json:"reason,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SealedAt      *time.Time `json:"sealed_at,omitempty"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
}

// IsCurrent reports whether the run is its proposal's current record.
func (r *Run) IsCurrent() bool { return r.Status == StatusSealed }

// VerdictList returns the bare verdicts in arrival order.
func (r *Run) VerdictList() []verdict.Verdict {
	out := make([]verdict.Verdict, len(r.Verdicts))
	for i, v := range r.Verdicts {
		out[i] = v.Verdict
	}
	return out
}

// Store is the Decision Record Store.
type Store interface {
	// BeginRun allocates the next run index for proposal in status
	// collecting. It fails with a ConcurrencyConflict while another run for
	// the same proposal is collecting.
	BeginRun(ctx context.Context, proposal verdict.Proposal, reason, policyVersion string) (*Run, error)
	// RecordInputs attaches content references to a collecting run.
	RecordInputs(ctx context.Context, runID string, refs []InputRef) error
	// AppendVerdict adds one evaluator's verdict. A second verdict from the
	// same evaluator is an IntegrityError.
	AppendVerdict(ctx context.Context, runID string, v verdict.Verdict, fingerprint string) error
	// Seal atomically archives the current run (if any) and makes runID
	// current. It fails with a ConcurrencyConflict if the current run changed
	// since BeginRun.
	Seal(ctx context.Context, runID string, outcome aggregation.Outcome, m *manifest.Manifest) (*Run, error)
	// Fail marks a collecting run failed. The current run is untouched.
	Fail(ctx context.Context, runID, reason string) error
	// Current returns the proposal's sealed run or ErrNotFound.
	Current(ctx context.Context, proposal verdict.Proposal) (*Run, error)
	// Get returns a run by id or ErrNotFound.
	Get(ctx context.Context, runID string) (*Run, error)
	// History returns every run of a proposal ordered by run index.
	History(ctx context.Context, proposal verdict.Proposal) ([]*Run, error)
	// Archive demotes the current run without a successor, retiring the
	// proposal.
	Archive(ctx context.Context, proposal verdict.Proposal) error
}
