package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// MemoryStore is an in-process Store. A single mutex makes every operation,
// including Seal, atomic.
type MemoryStore struct {
	mu         sync.Mutex
	runs       map[string]*Run
	byProposal map[string][]string
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*Run),
		byProposal: make(map[string][]string),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *MemoryStore) BeginRun(ctx context.Context, proposal verdict.Proposal, reason, policyVersion string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxIndex, currentIndex int64
	for _, id := range s.byProposal[proposal.Key()] {
		r := s.runs[id]
		if r.Status == StatusCollecting {
			return nil, errorir.Conflict("store.begin", "run %s is already collecting for %s", r.ID, proposal)
		}
		if r.Status == StatusSealed {
			currentIndex = r.Index
		}
		if r.Index > maxIndex {
			maxIndex = r.Index
		}
	}

	run := &Run{
		ID:            uuid.NewString(),
		Proposal:      proposal,
		Index:         maxIndex + 1,
		PreviousIndex: currentIndex,
		Status:        StatusCollecting,
		PolicyVersion: policyVersion,
		Reason:        reason,
		CreatedAt:     s.now(),
	}
	s.runs[run.ID] = run
	s.byProposal[proposal.Key()] = append(s.byProposal[proposal.Key()], run.ID)
	return cloneRun(run), nil
}

func (s *MemoryStore) collecting(op, runID string) (*Run, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Status != StatusCollecting {
		return nil, errorir.New(errorir.ClassIntegrity, op, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunNotCollecting))
	}
	return run, nil
}

func (s *MemoryStore) RecordInputs(ctx context.Context, runID string, refs []InputRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.collecting("store.inputs", runID)
	if err != nil {
		return err
	}
	run.InputRefs = append([]InputRef(nil), refs...)
	return nil
}

func (s *MemoryStore) AppendVerdict(ctx context.Context, runID string, v verdict.Verdict, fingerprint string) error {
	if err := v.Validate(); err != nil {
		return errorir.Integrity("store.append", "%w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.collecting("store.append", runID)
	if err != nil {
		return err
	}
	for _, existing := range run.Verdicts {
		if existing.Verdict.Evaluator == v.Evaluator {
			return errorir.Integrity("store.append", "duplicate verdict from %s in run %s", v.Evaluator, runID)
		}
	}
	run.Verdicts = append(run.Verdicts, VerdictRecord{Verdict: v, Fingerprint: fingerprint})
	return nil
}

func (s *MemoryStore) Seal(ctx context.Context, runID string, outcome aggregation.Outcome, m *manifest.Manifest) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	fp, err := checkSeal(run, outcome, m)
	if err != nil {
		return nil, err
	}

	current := s.current(run.Proposal)
	var currentIndex int64
	if current != nil {
		currentIndex = current.Index
	}
	if currentIndex != run.PreviousIndex {
		return nil, errorir.Conflict(opSeal, "current run of %s moved from #%d to #%d", run.Proposal, run.PreviousIndex, currentIndex)
	}

	now := s.now()
	s.archive(run.Proposal, now)
	o := outcome
	run.Status = StatusSealed
	run.Outcome = &o
	run.Manifest = cloneManifest(m)
	run.ManifestFingerprint = fp
	run.SealedAt = &now
	return cloneRun(run), nil
}

func (s *MemoryStore) Fail(ctx context.Context, runID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.collecting("store.fail", runID)
	if err != nil {
		return err
	}
	run.Status = StatusFailed
	run.FailureReason = reason
	return nil
}

func (s *MemoryStore) current(p verdict.Proposal) *Run {
	for _, id := range s.byProposal[p.Key()] {
		if r := s.runs[id]; r.Status == StatusSealed {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) Current(ctx context.Context, proposal verdict.Proposal) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.current(proposal); r != nil {
		return cloneRun(r), nil
	}
	return nil, fmt.Errorf("current run of %s: %w", proposal, ErrNotFound)
}

func (s *MemoryStore) Get(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) History(ctx context.Context, proposal verdict.Proposal) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byProposal[proposal.Key()]
	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRun(s.runs[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) Archive(ctx context.Context, proposal verdict.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.archive(proposal, s.now()) {
		return fmt.Errorf("current run of %s: %w", proposal, ErrNotFound)
	}
	return nil
}

// archive demotes the proposal's sealed run, if any. Callers hold s.mu.
func (s *MemoryStore) archive(p verdict.Proposal, at time.Time) bool {
	r := s.current(p)
	if r == nil {
		return false
	}
	r.Status = StatusArchived
	r.ArchivedAt = &at
	return true
}

func cloneRun(r *Run) *Run {
	cp := *r
	cp.InputRefs = append([]InputRef(nil), r.InputRefs...)
	cp.Verdicts = make([]VerdictRecord, len(r.Verdicts))
	for i, v := range r.Verdicts {
		cp.Verdicts[i] = v
		if v.Verdict.Raw != nil {
			cp.Verdicts[i].Verdict.Raw = append([]byte(nil), v.Verdict.Raw...)
		}
	}
	if r.Outcome != nil {
		o := *r.Outcome
		cp.Outcome = &o
	}
	cp.Manifest = cloneManifest(r.Manifest)
	if r.SealedAt != nil {
		t := *r.SealedAt
		cp.SealedAt = &t
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}

func cloneManifest(m *manifest.Manifest) *manifest.Manifest {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Artifacts = append([]manifest.Entry(nil), m.Artifacts...)
	return &cp
}
