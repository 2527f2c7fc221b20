package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/artifacts"
	"github.com/Mindburn-Labs/quorum/pkg/attest"
	"github.com/Mindburn-Labs/quorum/pkg/eligibility"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/evaluator"
	"github.com/Mindburn-Labs/quorum/pkg/lock"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
	"github.com/Mindburn-Labs/quorum/pkg/retry"
	"github.com/Mindburn-Labs/quorum/pkg/store"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

var proposal = verdict.Proposal{Network: verdict.NetworkPolkadot, ID: 1800}

var fixedNow = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

func static(name string, d verdict.Decision) *evaluator.Static {
	return &evaluator.Static{EvaluatorName: name, Decision: d, Rationale: name + " says " + string(d), Now: fixedNow}
}

func roster(a, b, c verdict.Decision) []evaluator.Evaluator {
	return []evaluator.Evaluator{static("balthazar", a), static("caspar", b), static("melchior", c)}
}

func content() []verdict.Content {
	return []verdict.Content{
		{Name: "content.md", Data: []byte("# Treasury proposal\nFund the thing.")},
		{Name: "attachments/budget.csv", Data: []byte("item,amount\nwork,100\n")},
	}
}

type recordingSubmitter struct {
	mu  sync.Mutex
	got []*attest.Attestation
	err error
}

func (s *recordingSubmitter) Submit(_ context.Context, a *attest.Attestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return s.err
}

type recordingReporter struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *recordingReporter) ReportFailure(_ context.Context, f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

type harness struct {
	records   store.Store
	blobs     *artifacts.MemoryStore
	submitter *recordingSubmitter
	reporter  *recordingReporter
}

func newHarness() *harness {
	return &harness{
		records:   store.NewMemoryStore(),
		blobs:     artifacts.NewMemoryStore(),
		submitter: &recordingSubmitter{},
		reporter:  &recordingReporter{},
	}
}

func (h *harness) controller(t *testing.T, evals []evaluator.Evaluator, mutate ...func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		Evaluators:       evals,
		Records:          h.records,
		Blobs:            h.blobs,
		Submitter:        h.submitter,
		Failures:         h.reporter,
		EvaluatorTimeout: time.Second,
		Retry:            retry.Policy{BaseMs: 1, MaxMs: 5, MaxAttempts: 3},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestExecute_SealsAndHandsOff(t *testing.T) {
	h := newHarness()
	c := h.controller(t, roster(verdict.Aye, verdict.Aye, verdict.Abstain))

	run, err := c.Execute(context.Background(), Request{Proposal: proposal, Contents: content(), Reason: "initial"})
	require.NoError(t, err)

	assert.Equal(t, store.StatusSealed, run.Status)
	assert.Equal(t, int64(1), run.Index)
	assert.Equal(t, verdict.Aye, run.Outcome.Decision)
	assert.True(t, run.Outcome.Conclusive)
	assert.False(t, run.Outcome.Unanimous)
	assert.Equal(t, "initial", run.Reason)
	assert.Len(t, run.Verdicts, 3)

	current, err := h.records.Current(context.Background(), proposal)
	require.NoError(t, err)
	assert.Equal(t, run.ID, current.ID)

	// Every artifact the manifest names, and the manifest itself, is stored.
	for _, e := range run.Manifest.Artifacts {
		ok, err := h.blobs.Exists(context.Background(), e.Fingerprint)
		require.NoError(t, err)
		assert.True(t, ok, e.Name)
	}
	ok, err := h.blobs.Exists(context.Background(), run.ManifestFingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, manifest.VerifyFingerprint(run.Manifest, run.ManifestFingerprint))

	require.Len(t, h.submitter.got, 1)
	a := h.submitter.got[0]
	assert.Equal(t, run.ManifestFingerprint, a.ManifestFingerprint)
	assert.Equal(t, run.ManifestFingerprint[len("sha256:"):], a.Remark)
	assert.Equal(t, verdict.Aye, a.Outcome.Decision)
	assert.Empty(t, h.reporter.failures)
}

func TestExecute_ReRunArchivesPrevious(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.controller(t, roster(verdict.Nay, verdict.Nay, verdict.Nay)).
		Execute(ctx, Request{Proposal: proposal, Contents: content()})
	require.NoError(t, err)

	second, err := h.controller(t, roster(verdict.Aye, verdict.Aye, verdict.Aye)).
		Execute(ctx, Request{Proposal: proposal, Contents: content(), Reason: "new evidence"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.Index)
	assert.Equal(t, first.Index, second.PreviousIndex)

	history, err := h.records.History(ctx, proposal)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.StatusArchived, history[0].Status)
	assert.Equal(t, store.StatusSealed, history[1].Status)
	assert.NotEqual(t, history[0].ManifestFingerprint, history[1].ManifestFingerprint)
}

func TestExecute_TimeoutFailsClosed(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.controller(t, roster(verdict.Aye, verdict.Aye, verdict.Aye)).
		Execute(ctx, Request{Proposal: proposal, Contents: content()})
	require.NoError(t, err)

	slow := static("melchior", verdict.Nay)
	slow.Delay = time.Minute
	evals := []evaluator.Evaluator{static("balthazar", verdict.Nay), static("caspar", verdict.Nay), slow}
	c := h.controller(t, evals, func(cfg *Config) { cfg.EvaluatorTimeout = 50 * time.Millisecond })

	run, err := c.Execute(ctx, Request{Proposal: proposal, Contents: content()})
	require.Error(t, err)
	assert.True(t, errorir.Is(err, errorir.ClassTransient), "got %v", err)

	var re *errorir.RunError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, proposal.Key(), re.Proposal)
	assert.NotEmpty(t, re.RunID)

	require.NotNil(t, run)
	assert.Equal(t, store.StatusFailed, run.Status)
	assert.Nil(t, run.Outcome)
	assert.Nil(t, run.Manifest)

	current, err := h.records.Current(ctx, proposal)
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID, "previous decision stays current")
	assert.Equal(t, store.StatusSealed, current.Status)

	require.Len(t, h.reporter.failures, 1)
	assert.Equal(t, run.ID, h.reporter.failures[0].RunID)
	assert.Equal(t, errorir.ClassTransient, h.reporter.failures[0].Class)
	assert.Len(t, h.submitter.got, 1, "failed run is never submitted")
}

func TestExecute_RunDeadlineCancelsEvaluators(t *testing.T) {
	h := newHarness()
	evals := roster(verdict.Aye, verdict.Aye, verdict.Aye)
	for _, e := range evals {
		e.(*evaluator.Static).Delay = time.Minute
	}
	c := h.controller(t, evals, func(cfg *Config) {
		cfg.EvaluatorTimeout = time.Minute
		cfg.RunDeadline = 50 * time.Millisecond
	})

	start := time.Now()
	run, err := c.Execute(context.Background(), Request{Proposal: proposal, Contents: content()})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, store.StatusFailed, run.Status)

	_, err = h.records.Current(context.Background(), proposal)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecute_ConcurrentCallsLeaveOneCurrent(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, db, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "runs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.records = open(t)
			c := h.controller(t, roster(verdict.Aye, verdict.Nay, verdict.Aye), func(cfg *Config) {
				cfg.Locker = lock.NewMemoryLocker(lock.ModeWait)
			})

			const callers = 5
			var wg sync.WaitGroup
			errs := make([]error, callers)
			for i := 0; i < callers; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = c.Execute(context.Background(), Request{Proposal: proposal, Contents: content()})
				}()
			}
			wg.Wait()
			for _, err := range errs {
				require.NoError(t, err)
			}

			history, err := h.records.History(context.Background(), proposal)
			require.NoError(t, err)
			require.Len(t, history, callers)

			current := 0
			for i, r := range history {
				assert.Equal(t, int64(i+1), r.Index)
				assert.Equal(t, int64(i), r.PreviousIndex, "run %d links to its predecessor", r.Index)
				if r.IsCurrent() {
					current++
					assert.Equal(t, int64(callers), r.Index)
				} else {
					assert.Equal(t, store.StatusArchived, r.Status)
				}
			}
			assert.Equal(t, 1, current)
		})
	}
}

func TestExecute_RejectModeConflict(t *testing.T) {
	h := newHarness()
	locker := lock.NewMemoryLocker(lock.ModeReject)
	c := h.controller(t, roster(verdict.Aye, verdict.Aye, verdict.Aye), func(cfg *Config) { cfg.Locker = locker })

	lease, err := locker.Acquire(context.Background(), proposal.Key())
	require.NoError(t, err)
	defer func() { _ = lease.Release(context.Background()) }()

	_, err = c.Execute(context.Background(), Request{Proposal: proposal, Contents: content()})
	assert.True(t, errorir.Is(err, errorir.ClassConflict), "got %v", err)

	history, err := h.records.History(context.Background(), proposal)
	require.NoError(t, err)
	assert.Empty(t, history, "a rejected caller allocates no run")
}

func TestExecute_EvaluatorsReceivePrivateContent(t *testing.T) {
	h := newHarness()
	orig := content()

	var mu sync.Mutex
	seen := map[string]string{}
	observe := func(name string, tamper bool) func([]verdict.Content) {
		return func(cs []verdict.Content) {
			mu.Lock()
			seen[name] = string(cs[0].Data)
			mu.Unlock()
			if tamper {
				cs[0].Data[0] = 'X'
			}
		}
	}
	evals := roster(verdict.Aye, verdict.Aye, verdict.Aye)
	for i, e := range evals {
		s := e.(*evaluator.Static)
		s.Observe = observe(s.EvaluatorName, i == 0)
	}

	req := Request{Proposal: proposal, Contents: orig}
	run, err := h.controller(t, evals).Execute(context.Background(), req)
	require.NoError(t, err)

	for name, data := range seen {
		assert.Equal(t, "# Treasury proposal\nFund the thing.", data, name)
	}
	assert.Equal(t, byte('#'), orig[0].Data[0], "caller's bytes are untouched")

	want, _ := run.Manifest.Entry(manifest.ContentName("content.md"))
	blob, err := h.blobs.Get(context.Background(), want.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "# Treasury proposal\nFund the thing.", string(blob))
}

type flaky struct {
	name  string
	fails int32
	calls atomic.Int32
}

func (f *flaky) Name() string { return f.name }

func (f *flaky) Evaluate(context.Context, verdict.Proposal, []verdict.Content) (verdict.Verdict, error) {
	if f.calls.Add(1) <= f.fails {
		return verdict.Verdict{}, errorir.Transient("evaluator.http", errors.New("connection reset"))
	}
	return verdict.Verdict{Evaluator: f.name, Decision: verdict.Nay, Rationale: "recovered", ProducedAt: fixedNow()}, nil
}

func TestExecute_RetriesTransientEvaluatorErrors(t *testing.T) {
	h := newHarness()
	f := &flaky{name: "melchior", fails: 2}
	evals := []evaluator.Evaluator{static("balthazar", verdict.Nay), static("caspar", verdict.Nay), f}

	run, err := h.controller(t, evals).Execute(context.Background(), Request{Proposal: proposal, Contents: content()})
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Equal(t, verdict.Nay, run.Outcome.Decision)
	assert.True(t, run.Outcome.Unanimous)
}

func TestExecute_RetriesAreBounded(t *testing.T) {
	h := newHarness()
	f := &flaky{name: "melchior", fails: 100}
	evals := []evaluator.Evaluator{static("balthazar", verdict.Nay), static("caspar", verdict.Nay), f}

	_, err := h.controller(t, evals).Execute(context.Background(), Request{Proposal: proposal, Contents: content()})
	assert.True(t, errorir.Is(err, errorir.ClassTransient))
	assert.Equal(t, int32(3), f.calls.Load())
}

type impostor struct{}

func (impostor) Name() string { return "melchior" }

func (impostor) Evaluate(context.Context, verdict.Proposal, []verdict.Content) (verdict.Verdict, error) {
	return verdict.Verdict{Evaluator: "caspar", Decision: verdict.Aye, Rationale: "not me"}, nil
}

func TestExecute_MisattributedVerdictIsIntegrityError(t *testing.T) {
	h := newHarness()
	evals := []evaluator.Evaluator{static("balthazar", verdict.Aye), static("caspar", verdict.Aye), impostor{}}

	run, err := h.controller(t, evals).Execute(context.Background(), Request{Proposal: proposal, Contents: content()})
	assert.True(t, errorir.Is(err, errorir.ClassIntegrity), "got %v", err)
	assert.Equal(t, store.StatusFailed, run.Status)
}

func TestExecute_IneligibleAllocatesNoRun(t *testing.T) {
	h := newHarness()
	engine, err := eligibility.New(eligibility.Config{})
	require.NoError(t, err)
	c := h.controller(t, roster(verdict.Aye, verdict.Aye, verdict.Aye), func(cfg *Config) { cfg.Eligibility = engine })

	old := verdict.Proposal{Network: verdict.NetworkPolkadot, ID: 10}
	_, err = c.Execute(context.Background(), Request{Proposal: old, Contents: content(), Attributes: map[string]any{"track": 34}})
	assert.True(t, errorir.Is(err, errorir.ClassIneligible))
	assert.ErrorIs(t, err, ErrIneligible)

	_, err = c.Execute(context.Background(), Request{Proposal: proposal, Contents: content(), Attributes: map[string]any{"track": 999}})
	assert.ErrorIs(t, err, ErrIneligible)

	history, err := h.records.History(context.Background(), old)
	require.NoError(t, err)
	assert.Empty(t, history)

	run, err := c.Execute(context.Background(), Request{Proposal: proposal, Contents: content(), Attributes: map[string]any{"track": 34}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.Index)
}

func TestExecute_SubmissionFailureKeepsSeal(t *testing.T) {
	h := newHarness()
	h.submitter.err = errors.New("node unreachable")
	c := h.controller(t, roster(verdict.Abstain, verdict.Abstain, verdict.Abstain))

	run, err := c.Execute(context.Background(), Request{Proposal: proposal, Contents: content()})
	assert.True(t, errorir.Is(err, errorir.ClassUnavailable))
	require.NotNil(t, run)
	assert.Equal(t, store.StatusSealed, run.Status)
	assert.False(t, run.Outcome.Conclusive)
	require.Len(t, h.reporter.failures, 1)
	assert.Equal(t, run.ID, h.reporter.failures[0].RunID)
}

func TestExecute_ContentSourceAndEmptyContent(t *testing.T) {
	h := newHarness()
	c := h.controller(t, roster(verdict.Aye, verdict.Aye, verdict.Aye))
	_, err := c.Execute(context.Background(), Request{Proposal: proposal})
	assert.True(t, errorir.Is(err, errorir.ClassIntegrity))

	c = h.controller(t, roster(verdict.Aye, verdict.Aye, verdict.Aye), func(cfg *Config) {
		cfg.Contents = StaticContent(content())
	})
	run, err := c.Execute(context.Background(), Request{Proposal: proposal})
	require.NoError(t, err)
	assert.Len(t, run.InputRefs, 2)
}

func TestExecute_ManifestReproducibleFromStoredRun(t *testing.T) {
	h := newHarness()
	c := h.controller(t, roster(verdict.Aye, verdict.Nay, verdict.Abstain))
	sealed, err := c.Execute(context.Background(), Request{Proposal: proposal, Contents: content()})
	require.NoError(t, err)

	run, err := h.records.Get(context.Background(), sealed.ID)
	require.NoError(t, err)
	require.NotNil(t, run.Outcome)
	vs := run.VerdictList()
	rebuilt, err := manifest.Assemble(manifest.Input{
		RunID:         run.ID,
		Proposal:      run.Proposal,
		RunIndex:      run.Index,
		CreatedAt:     run.CreatedAt,
		PolicyVersion: run.PolicyVersion,
		Provenance:    run.Manifest.Provenance,
		Contents:      content(),
		Verdicts:      vs,
		Outcome:       aggregation.NewRecord(run.Proposal, run.Index, *run.Outcome, vs),
	})
	require.NoError(t, err)
	assert.Equal(t, run.ManifestFingerprint, rebuilt.Fingerprint)
	assert.Equal(t, run.CreatedAt.UTC(), rebuilt.Manifest.CreatedAt)
}

func TestNew_RejectsRosterPolicyMismatch(t *testing.T) {
	h := newHarness()
	_, err := New(Config{Records: h.records, Blobs: h.blobs, Evaluators: roster(verdict.Aye, verdict.Aye, verdict.Aye)[:2]})
	assert.ErrorContains(t, err, "expects 3 evaluators")

	dup := []evaluator.Evaluator{static("a", verdict.Aye), static("a", verdict.Aye), static("b", verdict.Aye)}
	_, err = New(Config{Records: h.records, Blobs: h.blobs, Evaluators: dup})
	assert.Error(t, err)
}
