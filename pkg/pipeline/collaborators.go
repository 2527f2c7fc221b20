package pipeline

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/quorum/pkg/attest"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// ContentSource supplies the frozen, already-sanitized content of a
// proposal. The controller treats it as opaque bytes.
type ContentSource interface {
	Fetch(ctx context.Context, proposal verdict.Proposal) ([]verdict.Content, error)
}

// Submitter publishes a sealed decision. The controller's obligation ends
// once Submit has been called.
type Submitter interface {
	Submit(ctx context.Context, a *attest.Attestation) error
}

// Failure describes a run that did not seal, or a sealed run whose hand-off
// failed.
type Failure struct {
	Proposal verdict.Proposal `json:"proposal"`
	RunID    string           `json:"run_id,omitempty"`
	RunIndex int64            `json:"run_index,omitempty"`
	Class    errorir.Class    `json:"class"`
	Reason   string           `json:"reason"`
}

// FailureReporter is told about every failure so an operator can trigger a
// manual re-run.
type FailureReporter interface {
	ReportFailure(ctx context.Context, f Failure)
}

// StaticContent serves a fixed content set for every proposal.
type StaticContent []verdict.Content

func (s StaticContent) Fetch(context.Context, verdict.Proposal) ([]verdict.Content, error) {
	return verdict.CloneAll(s), nil
}

// LogReporter writes failures to the structured log.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter() *LogReporter {
	return &LogReporter{logger: slog.Default().With("component", "pipeline")}
}

func (r *LogReporter) ReportFailure(ctx context.Context, f Failure) {
	r.logger.ErrorContext(ctx, "decision run failed",
		"proposal", f.Proposal.Key(),
		"run_id", f.RunID,
		"run_index", f.RunIndex,
		"class", f.Class,
		"reason", f.Reason,
	)
}
