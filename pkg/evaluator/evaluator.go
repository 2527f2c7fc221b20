// Package evaluator adapts independent decision makers to a single call
// shape. An Evaluator sees only the proposal and its own copy of the frozen
// content; it never sees the run's reason or any sibling verdict.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// Evaluator produces one verdict for one proposal.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, proposal verdict.Proposal, contents []verdict.Content) (verdict.Verdict, error)
}

// Spec describes one roster entry.
type Spec struct {
	Name    string        `yaml:"name" json:"name"`
	Kind    string        `yaml:"kind" json:"kind"` // http | static
	URL     string        `yaml:"url,omitempty" json:"url,omitempty"`
	Token   string        `yaml:"token,omitempty" json:"-"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RPS     float64       `yaml:"rps,omitempty" json:"rps,omitempty"`
	Burst   int           `yaml:"burst,omitempty" json:"burst,omitempty"`
	// Decision is the fixed answer of a static evaluator.
	Decision string `yaml:"decision,omitempty" json:"decision,omitempty"`
}

// Build constructs the evaluator a spec describes.
func Build(s Spec) (Evaluator, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("evaluator spec: missing name")
	}
	switch s.Kind {
	case "http":
		return NewHTTPEvaluator(HTTPConfig{
			Name:    s.Name,
			URL:     s.URL,
			Token:   s.Token,
			Timeout: s.Timeout,
			RPS:     s.RPS,
			Burst:   s.Burst,
		})
	case "static":
		d, err := verdict.ParseDecision(s.Decision)
		if err != nil {
			return nil, fmt.Errorf("evaluator %s: %w", s.Name, err)
		}
		return &Static{EvaluatorName: s.Name, Decision: d, Rationale: "static roster entry"}, nil
	default:
		return nil, fmt.Errorf("evaluator %s: unknown kind %q", s.Name, s.Kind)
	}
}

// BuildAll constructs a roster and rejects duplicate names.
func BuildAll(specs []Spec) ([]Evaluator, error) {
	seen := make(map[string]bool, len(specs))
	out := make([]Evaluator, 0, len(specs))
	for _, s := range specs {
		if seen[s.Name] {
			return nil, fmt.Errorf("evaluator %s listed twice", s.Name)
		}
		seen[s.Name] = true
		e, err := Build(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Static returns a fixed verdict. It backs dry runs and tests.
type Static struct {
	EvaluatorName string
	Decision      verdict.Decision
	Rationale     string
	Confidence    *float64
	// Delay simulates evaluation latency; the context still wins.
	Delay time.Duration
	// Err, when set, is returned instead of a verdict.
	Err error
	// Observe, when set, receives the contents the evaluator was given.
	Observe func(contents []verdict.Content)
	// Now overrides the verdict timestamp.
	Now func() time.Time
}

func (s *Static) Name() string { return s.EvaluatorName }

func (s *Static) Evaluate(ctx context.Context, _ verdict.Proposal, contents []verdict.Content) (verdict.Verdict, error) {
	if s.Observe != nil {
		s.Observe(contents)
	}
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return verdict.Verdict{}, ctx.Err()
		case <-t.C:
		}
	}
	if s.Err != nil {
		return verdict.Verdict{}, s.Err
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	return verdict.Verdict{
		Evaluator:  s.EvaluatorName,
		Decision:   s.Decision,
		Confidence: s.Confidence,
		Rationale:  s.Rationale,
		ProducedAt: now,
	}, nil
}
