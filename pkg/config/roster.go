package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/quorum/pkg/eligibility"
	"github.com/Mindburn-Labs/quorum/pkg/evaluator"
	"github.com/Mindburn-Labs/quorum/pkg/submission"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// Roster is the YAML document naming the evaluators and the rules a
// deployment runs with.
type Roster struct {
	Evaluators  []evaluator.Spec         `yaml:"evaluators" json:"evaluators"`
	Policy      string                   `yaml:"policy" json:"policy"`
	Eligibility EligibilityRules         `yaml:"eligibility" json:"eligibility"`
	Networks    map[string]NetworkParams `yaml:"networks" json:"networks"`
	Conviction  *int                     `yaml:"conviction,omitempty" json:"conviction,omitempty"`
}

// EligibilityRules configures the eligibility gate.
type EligibilityRules struct {
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// NetworkParams are the per-network settings.
type NetworkParams struct {
	MinProposalID *uint64 `yaml:"min_proposal_id,omitempty" json:"min_proposal_id,omitempty"`
	VotingPower   *uint64 `yaml:"voting_power,omitempty" json:"voting_power,omitempty"`
}

// LoadRoster reads and validates a roster file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load roster %q: %w", path, err)
	}
	return ParseRoster(data)
}

// ParseRoster decodes a roster document.
func ParseRoster(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(r.Evaluators) == 0 {
		return nil, fmt.Errorf("roster lists no evaluators")
	}
	for name := range r.Networks {
		if _, err := verdict.ParseNetwork(name); err != nil {
			return nil, fmt.Errorf("roster: %w", err)
		}
	}
	if r.Conviction != nil {
		if _, err := submission.ConvictionFor(*r.Conviction); err != nil {
			return nil, fmt.Errorf("roster: %w", err)
		}
	}
	return &r, nil
}

// EligibilityConfig merges per-network floors over the defaults.
func (r *Roster) EligibilityConfig() eligibility.Config {
	mins := make(map[verdict.Network]uint64, len(eligibility.DefaultMinProposalIDs))
	for n, v := range eligibility.DefaultMinProposalIDs {
		mins[n] = v
	}
	for name, p := range r.Networks {
		if p.MinProposalID != nil {
			mins[verdict.Network(name)] = *p.MinProposalID
		}
	}
	return eligibility.Config{Expression: r.Eligibility.Expression, MinProposalID: mins}
}

// SubmissionParams merges per-network voting power over the defaults.
func (r *Roster) SubmissionParams() submission.Params {
	power := make(map[verdict.Network]uint64, len(submission.DefaultVotingPower))
	for n, v := range submission.DefaultVotingPower {
		power[n] = v
	}
	for name, p := range r.Networks {
		if p.VotingPower != nil {
			power[verdict.Network(name)] = *p.VotingPower
		}
	}
	conviction := submission.DefaultConviction
	if r.Conviction != nil {
		conviction = *r.Conviction
	}
	return submission.Params{Conviction: conviction, VotingPower: power}
}
