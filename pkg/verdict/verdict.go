// Package verdict defines the subjects and atomic inputs of a decision: the
// proposal being decided, the frozen content it is decided on, and the
// ternary verdict each evaluator returns.
package verdict

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Network identifies the governance network a proposal belongs to.
type Network string

const (
	NetworkPolkadot Network = "polkadot"
	NetworkKusama   Network = "kusama"
	NetworkPaseo    Network = "paseo"
)

// Networks lists every supported network in a stable order.
var Networks = []Network{NetworkPolkadot, NetworkKusama, NetworkPaseo}

// ParseNetwork validates a network name.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Networks {
		if n == known {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// Proposal is the immutable subject of a decision.
type Proposal struct {
	Network Network `json:"network"`
	ID      uint64  `json:"proposal_id"`
}

// Key returns the unique "<network>/<id>" key of the proposal.
func (p Proposal) Key() string {
	return string(p.Network) + "/" + strconv.FormatUint(p.ID, 10)
}

func (p Proposal) String() string { return p.Key() }

// ParseProposalKey parses a "<network>/<id>" key.
func ParseProposalKey(key string) (Proposal, error) {
	network, id, ok := strings.Cut(key, "/")
	if !ok {
		return Proposal{}, fmt.Errorf("invalid proposal key %q: want <network>/<id>", key)
	}
	return NewProposal(network, id)
}

// NewProposal validates a network name and a decimal proposal id.
func NewProposal(network, id string) (Proposal, error) {
	n, err := ParseNetwork(network)
	if err != nil {
		return Proposal{}, err
	}
	parsed, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return Proposal{}, fmt.Errorf("invalid proposal id %q: %w", id, err)
	}
	return Proposal{Network: n, ID: parsed}, nil
}

// Decision is a ternary vote value.
type Decision string

const (
	Aye     Decision = "AYE"
	Nay     Decision = "NAY"
	Abstain Decision = "ABSTAIN"
)

// Decisions lists the decision space in canonical order.
var Decisions = []Decision{Aye, Nay, Abstain}

// ErrUnknownDecision is returned for values outside {AYE, NAY, ABSTAIN}.
var ErrUnknownDecision = errors.New("unknown decision")

// ParseDecision accepts any casing ("Aye", "aye", "AYE").
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToUpper(strings.TrimSpace(s))) {
	case Aye:
		return Aye, nil
	case Nay:
		return Nay, nil
	case Abstain:
		return Abstain, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDecision, s)
}

// Valid reports whether d is one of the three decision values.
func (d Decision) Valid() bool {
	return d == Aye || d == Nay || d == Abstain
}

// Verdict is the output of exactly one evaluator for exactly one run.
// It is immutable once produced.
type Verdict struct {
	Evaluator  string    `json:"evaluator"`
	Decision   Decision  `json:"decision"`
	Confidence *float64  `json:"confidence,omitempty"`
	Rationale  string    `json:"rationale"`
	ProducedAt time.Time `json:"produced_at"`
	// Raw is the evaluator's opaque backing data, kept for audit.
	Raw []byte `json:"raw,omitempty"`
}

// Validate checks the structural invariants of a verdict.
func (v Verdict) Validate() error {
	if strings.TrimSpace(v.Evaluator) == "" {
		return errors.New("verdict: missing evaluator name")
	}
	if !v.Decision.Valid() {
		return fmt.Errorf("verdict %s: %w: %q", v.Evaluator, ErrUnknownDecision, v.Decision)
	}
	if c := v.Confidence; c != nil && (math.IsNaN(*c) || *c < 0 || *c > 1) {
		return fmt.Errorf("verdict %s: confidence %v outside [0,1]", v.Evaluator, *v.Confidence)
	}
	return nil
}

// Content is one frozen, already-sanitized artifact supplied for a run.
type Content struct {
	Name string `json:"name"`
	Data []byte `json:"-"`
}

// Clone returns a deep copy so a consumer cannot mutate the original bytes.
func (c Content) Clone() Content {
	data := make([]byte, len(c.Data))
	copy(data, c.Data)
	return Content{Name: c.Name, Data: data}
}

// CloneAll deep-copies a content set.
func CloneAll(contents []Content) []Content {
	out := make([]Content, len(contents))
	for i, c := range contents {
		out[i] = c.Clone()
	}
	return out
}
