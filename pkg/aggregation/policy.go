// Package aggregation turns a fixed-size set of evaluator verdicts into one
// collective Outcome.
//
// The rule is a symmetric function of the vote tally: evaluator identity and
// arrival order never influence the result. Each rule set is an immutable,
// versioned Policy so historical runs can be re-aggregated under the rule
// that was active when they were created.
package aggregation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// Tally counts the decision values of a verdict set.
type Tally struct {
	Aye     int `json:"aye"`
	Nay     int `json:"nay"`
	Abstain int `json:"abstain"`
}

// Total is the number of votes in the tally.
func (t Tally) Total() int { return t.Aye + t.Nay + t.Abstain }

// Count returns the count for one decision value.
func (t Tally) Count(d verdict.Decision) int {
	switch d {
	case verdict.Aye:
		return t.Aye
	case verdict.Nay:
		return t.Nay
	case verdict.Abstain:
		return t.Abstain
	}
	return 0
}

func (t *Tally) add(d verdict.Decision) {
	switch d {
	case verdict.Aye:
		t.Aye++
	case verdict.Nay:
		t.Nay++
	case verdict.Abstain:
		t.Abstain++
	}
}

// Summary renders the tally as "N AYE, N NAY, N ABSTAIN".
func (t Tally) Summary() string {
	return fmt.Sprintf("%d AYE, %d NAY, %d ABSTAIN", t.Aye, t.Nay, t.Abstain)
}

// Policy is one immutable version of the aggregation rule.
type Policy struct {
	version    *semver.Version
	evaluators int
	table      map[Tally]verdict.Decision
}

// Row maps one vote tally to its resolved decision.
type Row struct {
	Tally    Tally
	Decision verdict.Decision
}

// NewPolicy builds a policy and checks that its table is total over every
// multiset of exactly n decisions.
func NewPolicy(version string, n int, rows []Row) (*Policy, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("policy version %q: %w", version, err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("policy %s: evaluator count must be positive", v)
	}

	table := make(map[Tally]verdict.Decision, len(rows))
	for _, r := range rows {
		if r.Tally.Total() != n {
			return nil, fmt.Errorf("policy %s: row %+v does not sum to %d", v, r.Tally, n)
		}
		if !r.Decision.Valid() {
			return nil, fmt.Errorf("policy %s: row %+v resolves to invalid decision %q", v, r.Tally, r.Decision)
		}
		if _, dup := table[r.Tally]; dup {
			return nil, fmt.Errorf("policy %s: duplicate row %+v", v, r.Tally)
		}
		table[r.Tally] = r.Decision
	}

	for _, t := range tallies(n) {
		if _, ok := table[t]; !ok {
			return nil, fmt.Errorf("policy %s: table missing row %+v", v, t)
		}
	}

	return &Policy{version: v, evaluators: n, table: table}, nil
}

// Version is the canonical semantic version string of the policy.
func (p *Policy) Version() string { return p.version.String() }

// Evaluators is the exact verdict count the policy accepts.
func (p *Policy) Evaluators() int { return p.evaluators }

// Resolve looks up the decision for a tally.
func (p *Policy) Resolve(t Tally) (verdict.Decision, bool) {
	d, ok := p.table[t]
	return d, ok
}

// Rows returns the table in a stable order, for audit output.
func (p *Policy) Rows() []Row {
	rows := make([]Row, 0, len(p.table))
	for t, d := range p.table {
		rows = append(rows, Row{Tally: t, Decision: d})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Tally, rows[j].Tally
		if a.Aye != b.Aye {
			return a.Aye > b.Aye
		}
		if a.Nay != b.Nay {
			return a.Nay > b.Nay
		}
		return a.Abstain > b.Abstain
	})
	return rows
}

// tallies enumerates every multiset of n decisions.
func tallies(n int) []Tally {
	var out []Tally
	for aye := 0; aye <= n; aye++ {
		for nay := 0; nay <= n-aye; nay++ {
			out = append(out, Tally{Aye: aye, Nay: nay, Abstain: n - aye - nay})
		}
	}
	return out
}

// V1 is the three-evaluator rule: unanimity, or a two-vote majority whose
// third vote abstains, resolves to the majority; any opposing non-abstaining
// minority collapses to ABSTAIN.
const V1 = "1.0.0"

var v1Rows = []Row{
	{Tally{Aye: 3}, verdict.Aye},
	{Tally{Nay: 3}, verdict.Nay},
	{Tally{Abstain: 3}, verdict.Abstain},
	{Tally{Aye: 2, Abstain: 1}, verdict.Aye},
	{Tally{Nay: 2, Abstain: 1}, verdict.Nay},
	{Tally{Aye: 2, Nay: 1}, verdict.Abstain},
	{Tally{Aye: 1, Nay: 2}, verdict.Abstain},
	{Tally{Aye: 1, Nay: 1, Abstain: 1}, verdict.Abstain},
	{Tally{Aye: 1, Abstain: 2}, verdict.Abstain},
	{Tally{Nay: 1, Abstain: 2}, verdict.Abstain},
}

// Registry holds every policy version ever used, so sealed runs remain
// reproducible after the default moves on.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	current  string
}

// NewRegistry returns a registry pre-loaded with the built-in policies and
// V1 as the default.
func NewRegistry() *Registry {
	p, err := NewPolicy(V1, 3, v1Rows)
	if err != nil {
		panic(err)
	}
	return &Registry{
		policies: map[string]*Policy{p.Version(): p},
		current:  p.Version(),
	}
}

// Register adds a policy. Versions are immutable: re-registering an existing
// version is an error.
func (r *Registry) Register(p *Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.policies[p.Version()]; exists {
		return fmt.Errorf("policy %s already registered", p.Version())
	}
	r.policies[p.Version()] = p
	return nil
}

// SetDefault selects the policy used for new runs.
func (r *Registry) SetDefault(version string) error {
	p, err := r.Lookup(version)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = p.Version()
	r.mu.Unlock()
	return nil
}

// Default returns the policy used for new runs.
func (r *Registry) Default() *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies[r.current]
}

// Lookup finds a policy by version. "v1.0.0" and "1.0.0" are equivalent.
func (r *Registry) Lookup(version string) (*Policy, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("policy version %q: %w", version, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[v.String()]
	if !ok {
		return nil, fmt.Errorf("policy %s not registered", v)
	}
	return p, nil
}

// Versions lists registered versions in ascending semantic order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs := make([]*semver.Version, 0, len(r.policies))
	for _, p := range r.policies {
		vs = append(vs, p.version)
	}
	sort.Sort(semver.Collection(vs))
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}
