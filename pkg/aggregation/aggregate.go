package aggregation

import (
	"sort"

	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// Outcome is the derived collective result of one run. It is never set
// directly; only Aggregate produces it.
type Outcome struct {
	Decision      verdict.Decision `json:"final_decision"`
	Conclusive    bool             `json:"is_conclusive"`
	Unanimous     bool             `json:"is_unanimous"`
	PolicyVersion string           `json:"policy_version"`
	Tally         Tally            `json:"tally"`
}

const opAggregate = "aggregate"

// Aggregate applies p to exactly p.Evaluators() verdicts. The result depends
// only on the tally of decision values.
func Aggregate(p *Policy, verdicts []verdict.Verdict) (Outcome, error) {
	if p == nil {
		return Outcome{}, errorir.Integrity(opAggregate, "no policy")
	}
	if len(verdicts) != p.Evaluators() {
		return Outcome{}, errorir.Integrity(opAggregate,
			"policy %s requires %d verdicts, got %d", p.Version(), p.Evaluators(), len(verdicts))
	}

	var tally Tally
	seen := make(map[string]struct{}, len(verdicts))
	for _, v := range verdicts {
		if !v.Decision.Valid() {
			return Outcome{}, errorir.Integrity(opAggregate,
				"evaluator %s returned %q: %w", v.Evaluator, v.Decision, verdict.ErrUnknownDecision)
		}
		if _, dup := seen[v.Evaluator]; dup {
			return Outcome{}, errorir.Integrity(opAggregate, "duplicate verdict from evaluator %s", v.Evaluator)
		}
		seen[v.Evaluator] = struct{}{}
		tally.add(v.Decision)
	}

	decision, ok := p.Resolve(tally)
	if !ok {
		// NewPolicy guarantees totality; reaching here means a corrupted policy.
		return Outcome{}, errorir.Integrity(opAggregate, "policy %s has no row for %+v", p.Version(), tally)
	}

	return Outcome{
		Decision:      decision,
		Conclusive:    decision != verdict.Abstain,
		Unanimous:     tally.Count(verdicts[0].Decision) == len(verdicts),
		PolicyVersion: p.Version(),
		Tally:         tally,
	}, nil
}

// Replay re-aggregates a historical verdict set under the policy version it
// was originally sealed with.
func (r *Registry) Replay(version string, verdicts []verdict.Verdict) (Outcome, error) {
	p, err := r.Lookup(version)
	if err != nil {
		return Outcome{}, errorir.Integrity("replay", "%w", err)
	}
	return Aggregate(p, verdicts)
}

// VoteBreakdown is one evaluator's line in an outcome record.
type VoteBreakdown struct {
	Evaluator  string           `json:"evaluator"`
	Decision   verdict.Decision `json:"decision"`
	Confidence *float64         `json:"confidence,omitempty"`
}

// Record is the persisted outcome document. It holds no wall-clock fields so
// that rebuilding it from the same verdicts yields identical bytes.
type Record struct {
	Proposal         verdict.Proposal `json:"proposal"`
	RunIndex         int64            `json:"run_index"`
	FinalDecision    verdict.Decision `json:"final_decision"`
	IsConclusive     bool             `json:"is_conclusive"`
	IsUnanimous      bool             `json:"is_unanimous"`
	PolicyVersion    string           `json:"policy_version"`
	Tally            Tally            `json:"tally"`
	SummaryRationale string           `json:"summary_rationale"`
	VotesBreakdown   []VoteBreakdown  `json:"votes_breakdown"`
}

// NewRecord builds the outcome record. The breakdown is sorted by evaluator
// name so arrival order does not leak into the bytes.
func NewRecord(proposal verdict.Proposal, runIndex int64, o Outcome, verdicts []verdict.Verdict) Record {
	breakdown := make([]VoteBreakdown, 0, len(verdicts))
	for _, v := range verdicts {
		breakdown = append(breakdown, VoteBreakdown{
			Evaluator:  v.Evaluator,
			Decision:   v.Decision,
			Confidence: v.Confidence,
		})
	}
	sort.Slice(breakdown, func(i, j int) bool { return breakdown[i].Evaluator < breakdown[j].Evaluator })

	return Record{
		Proposal:         proposal,
		RunIndex:         runIndex,
		FinalDecision:    o.Decision,
		IsConclusive:     o.Conclusive,
		IsUnanimous:      o.Unanimous,
		PolicyVersion:    o.PolicyVersion,
		Tally:            o.Tally,
		SummaryRationale: o.Tally.Summary(),
		VotesBreakdown:   breakdown,
	}
}
