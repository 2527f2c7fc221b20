// Package eligibility decides whether a proposal may be run at all, before
// any run index is allocated.
package eligibility

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// DefaultExpression admits the treasury spending tracks.
const DefaultExpression = `has(input.track) && int(input.track) in [30, 31, 32, 33, 34]`

// DefaultMinProposalIDs are the first referenda each network handles.
var DefaultMinProposalIDs = map[verdict.Network]uint64{
	verdict.NetworkPolkadot: 1723,
	verdict.NetworkKusama:   578,
	verdict.NetworkPaseo:    99,
}

// Config holds the gate's rules.
type Config struct {
	// Expression is a CEL boolean over "input", a map holding network,
	// proposal_id and every request attribute (for example track).
	Expression    string
	MinProposalID map[verdict.Network]uint64
}

// Result explains a gate decision.
type Result struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// Engine evaluates eligibility rules.
type Engine struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
	cfg      Config
}

// New compiles cfg.Expression up front so a bad rule fails at startup.
func New(cfg Config) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	if cfg.Expression == "" {
		cfg.Expression = DefaultExpression
	}
	if cfg.MinProposalID == nil {
		cfg.MinProposalID = DefaultMinProposalIDs
	}
	e := &Engine{env: env, prgCache: make(map[string]cel.Program), cfg: cfg}
	if _, err := e.program(cfg.Expression); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expression]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expression]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	p, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	e.prgCache[expression] = p
	return p, nil
}

// Evaluate runs a boolean CEL expression against input.
func (e *Engine) Evaluate(expression string, input map[string]any) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return allowed, nil
}

// Check applies the minimum proposal id and the expression. A missing
// attribute the expression needs makes the proposal ineligible rather than
// failing the check.
func (e *Engine) Check(p verdict.Proposal, attrs map[string]any) (Result, error) {
	if floor, ok := e.cfg.MinProposalID[p.Network]; ok && p.ID < floor {
		return Result{Reason: fmt.Sprintf("proposal %d is below the %s minimum %d", p.ID, p.Network, floor)}, nil
	}

	input := make(map[string]any, len(attrs)+2)
	for k, v := range attrs {
		input[k] = v
	}
	input["network"] = string(p.Network)
	input["proposal_id"] = p.ID

	ok, err := e.Evaluate(e.cfg.Expression, input)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Reason: "eligibility rule rejected proposal"}, nil
	}
	return Result{Eligible: true}, nil
}
