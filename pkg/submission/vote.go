// Package submission shapes a sealed outcome into the ledger vote message
// and hands it to a delivery backend.
package submission

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// Conviction names the lock multiplier applied to a vote.
type Conviction string

var convictions = []Conviction{
	"None",
	"Locked1x",
	"Locked2x",
	"Locked3x",
	"Locked4x",
	"Locked5x",
	"Locked6x",
}

// DefaultConviction is used when the roster does not set one.
const DefaultConviction = 1

// ErrInvalidConviction is returned for convictions outside 0..6.
var ErrInvalidConviction = errors.New("invalid conviction")

// ConvictionFor maps 0..6 to its named multiplier.
func ConvictionFor(level int) (Conviction, error) {
	if level < 0 || level >= len(convictions) {
		return "", fmt.Errorf("%w %d: must be one of 0..%d", ErrInvalidConviction, level, len(convictions)-1)
	}
	return convictions[level], nil
}

// DefaultVotingPower is the balance committed per network, in planck.
var DefaultVotingPower = map[verdict.Network]uint64{
	verdict.NetworkPolkadot: 10_000_000_000,
	verdict.NetworkKusama:   1_000_000_000_000,
	verdict.NetworkPaseo:    10_000_000_000,
}

// StandardVote is a directional vote with conviction.
type StandardVote struct {
	Vote struct {
		Aye        bool       `json:"aye"`
		Conviction Conviction `json:"conviction"`
	} `json:"vote"`
	Balance uint64 `json:"balance"`
}

// SplitAbstain puts the whole balance on abstain.
type SplitAbstain struct {
	Aye     uint64 `json:"aye"`
	Nay     uint64 `json:"nay"`
	Abstain uint64 `json:"abstain"`
}

// Vote is the account vote parameter; exactly one field is set.
type Vote struct {
	Standard     *StandardVote `json:"Standard,omitempty"`
	SplitAbstain *SplitAbstain `json:"SplitAbstain,omitempty"`
}

// BuildVote converts a final decision into vote parameters.
func BuildVote(decision verdict.Decision, conviction int, power uint64) (Vote, error) {
	switch decision {
	case verdict.Aye, verdict.Nay:
		c, err := ConvictionFor(conviction)
		if err != nil {
			return Vote{}, err
		}
		sv := &StandardVote{Balance: power}
		sv.Vote.Aye = decision == verdict.Aye
		sv.Vote.Conviction = c
		return Vote{Standard: sv}, nil
	case verdict.Abstain:
		return Vote{SplitAbstain: &SplitAbstain{Abstain: power}}, nil
	}
	return Vote{}, fmt.Errorf("build vote: %w: %q", verdict.ErrUnknownDecision, decision)
}

// Call is one runtime call of a batch.
type Call struct {
	Module   string         `json:"call_module"`
	Function string         `json:"call_function"`
	Params   map[string]any `json:"call_params"`
}

// Batch is the vote call followed by a remark carrying the manifest digest.
type Batch struct {
	Network  verdict.Network  `json:"network"`
	Calls    []Call           `json:"calls"`
	Remark   string           `json:"remark"`
	Decision verdict.Decision `json:"decision"`
}

// Params are the per-network submission settings.
type Params struct {
	Conviction  int
	VotingPower map[verdict.Network]uint64
}

// Compose builds the batch for a proposal. remark is the bare hex manifest
// fingerprint.
func Compose(p verdict.Proposal, decision verdict.Decision, remark string, params Params) (*Batch, error) {
	power, ok := params.VotingPower[p.Network]
	if !ok {
		power, ok = DefaultVotingPower[p.Network]
	}
	if !ok {
		return nil, fmt.Errorf("no voting power configured for %s", p.Network)
	}
	if remark == "" {
		return nil, errors.New("compose: remark must not be empty")
	}
	vote, err := BuildVote(decision, params.Conviction, power)
	if err != nil {
		return nil, err
	}
	return &Batch{
		Network:  p.Network,
		Decision: decision,
		Remark:   remark,
		Calls: []Call{
			{
				Module:   "ConvictionVoting",
				Function: "vote",
				Params:   map[string]any{"poll_index": p.ID, "vote": vote},
			},
			{
				Module:   "System",
				Function: "remark_with_event",
				Params:   map[string]any{"remark": remark},
			},
		},
	}, nil
}
