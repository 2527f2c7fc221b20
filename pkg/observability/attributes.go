package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attributes for decision runs.
var (
	AttrOperation     = attribute.Key("quorum.operation")
	AttrRunID         = attribute.Key("quorum.run.id")
	AttrRunIndex      = attribute.Key("quorum.run.index")
	AttrProposal      = attribute.Key("quorum.proposal")
	AttrNetwork       = attribute.Key("quorum.network")
	AttrEvaluator     = attribute.Key("quorum.evaluator")
	AttrDecision      = attribute.Key("quorum.decision")
	AttrPolicyVersion = attribute.Key("quorum.policy.version")
	AttrErrorClass    = attribute.Key("quorum.error.class")
)

// RunAttributes describes a run for span and metric attributes.
func RunAttributes(runID, proposal string, index int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrProposal.String(proposal),
		AttrRunIndex.Int64(index),
	}
}

// EvaluatorAttributes describes one evaluator call.
func EvaluatorAttributes(proposal, evaluator string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProposal.String(proposal),
		AttrEvaluator.String(evaluator),
	}
}
