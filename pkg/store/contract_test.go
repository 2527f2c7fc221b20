package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

var testProposal = verdict.Proposal{Network: verdict.NetworkPolkadot, ID: 1723}

func implementations(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "runs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return s
		},
	}
}

// completeRun drives a run from BeginRun to a sealable state and returns the
// outcome and manifest for it.
func completeRun(t *testing.T, s Store, p verdict.Proposal, ds ...verdict.Decision) (*Run, aggregation.Outcome, *manifest.Manifest) {
	t.Helper()
	ctx := context.Background()
	policy := aggregation.NewRegistry().Default()

	run, err := s.BeginRun(ctx, p, "test", policy.Version())
	require.NoError(t, err)

	contents := []verdict.Content{{Name: "content.md", Data: []byte("proposal body")}}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	names := []string{"balthazar", "caspar", "melchior"}
	var vs []verdict.Verdict
	for i, d := range ds {
		vs = append(vs, verdict.Verdict{Evaluator: names[i], Decision: d, Rationale: "r", ProducedAt: at})
	}

	out, err := aggregation.Aggregate(policy, vs)
	require.NoError(t, err)
	bundle, err := manifest.Assemble(manifest.Input{
		RunID:         run.ID,
		Proposal:      p,
		RunIndex:      run.Index,
		CreatedAt:     run.CreatedAt,
		PolicyVersion: policy.Version(),
		Contents:      contents,
		Verdicts:      vs,
		Outcome:       aggregation.NewRecord(p, run.Index, out, vs),
	})
	require.NoError(t, err)

	e, _ := bundle.Manifest.Entry(manifest.ContentName("content.md"))
	require.NoError(t, s.RecordInputs(ctx, run.ID, []InputRef{{Name: "content.md", Fingerprint: e.Fingerprint, Size: e.Size}}))
	for _, v := range vs {
		ve, ok := bundle.Manifest.Entry(manifest.VerdictName(v.Evaluator))
		require.True(t, ok)
		require.NoError(t, s.AppendVerdict(ctx, run.ID, v, ve.Fingerprint))
	}
	return run, out, bundle.Manifest
}

func TestStoreContract(t *testing.T) {
	for name, newStore := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("first run has no predecessor", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				_, err := s.Current(ctx, testProposal)
				assert.ErrorIs(t, err, ErrNotFound)

				run, out, m := completeRun(t, s, testProposal, verdict.Aye, verdict.Aye, verdict.Aye)
				assert.Equal(t, int64(1), run.Index)
				assert.Zero(t, run.PreviousIndex)

				sealed, err := s.Seal(ctx, run.ID, out, m)
				require.NoError(t, err)
				assert.Equal(t, StatusSealed, sealed.Status)
				assert.NotNil(t, sealed.SealedAt)

				cur, err := s.Current(ctx, testProposal)
				require.NoError(t, err)
				assert.Equal(t, run.ID, cur.ID)
				assert.Equal(t, verdict.Aye, cur.Outcome.Decision)
				assert.Len(t, cur.Verdicts, 3)
				assert.Len(t, cur.InputRefs, 1)
				assert.Equal(t, "test", cur.Reason)

				fp, err := manifest.Fingerprint(m)
				require.NoError(t, err)
				assert.Equal(t, fp, cur.ManifestFingerprint)
				assert.NoError(t, manifest.VerifyFingerprint(cur.Manifest, fp))
			})

			t.Run("rerun archives predecessor with back-pointer", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				r1, o1, m1 := completeRun(t, s, testProposal, verdict.Aye, verdict.Aye, verdict.Abstain)
				_, err := s.Seal(ctx, r1.ID, o1, m1)
				require.NoError(t, err)

				r2, o2, m2 := completeRun(t, s, testProposal, verdict.Nay, verdict.Nay, verdict.Nay)
				assert.Equal(t, int64(2), r2.Index)
				assert.Equal(t, int64(1), r2.PreviousIndex)

				// The predecessor stays current until the new run seals.
				cur, err := s.Current(ctx, testProposal)
				require.NoError(t, err)
				assert.Equal(t, r1.ID, cur.ID)

				_, err = s.Seal(ctx, r2.ID, o2, m2)
				require.NoError(t, err)

				old, err := s.Get(ctx, r1.ID)
				require.NoError(t, err)
				assert.Equal(t, StatusArchived, old.Status)
				assert.NotNil(t, old.ArchivedAt)
				assert.Equal(t, verdict.Aye, old.Outcome.Decision, "archived outcome is unchanged")

				hist, err := s.History(ctx, testProposal)
				require.NoError(t, err)
				require.Len(t, hist, 2)
				assert.Equal(t, []int64{1, 2}, []int64{hist[0].Index, hist[1].Index})
				assertSingleCurrent(t, hist)
			})

			t.Run("failed run keeps current and consumes its index", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				r1, o1, m1 := completeRun(t, s, testProposal, verdict.Aye, verdict.Aye, verdict.Aye)
				_, err := s.Seal(ctx, r1.ID, o1, m1)
				require.NoError(t, err)

				r2, err := s.BeginRun(ctx, testProposal, "retry", aggregation.V1)
				require.NoError(t, err)
				require.NoError(t, s.Fail(ctx, r2.ID, "caspar: timeout"))

				cur, err := s.Current(ctx, testProposal)
				require.NoError(t, err)
				assert.Equal(t, r1.ID, cur.ID)

				failed, err := s.Get(ctx, r2.ID)
				require.NoError(t, err)
				assert.Equal(t, StatusFailed, failed.Status)
				assert.Equal(t, "caspar: timeout", failed.FailureReason)

				r3, err := s.BeginRun(ctx, testProposal, "again", aggregation.V1)
				require.NoError(t, err)
				assert.Equal(t, int64(3), r3.Index)
				assert.Equal(t, int64(1), r3.PreviousIndex)

				err = s.AppendVerdict(ctx, r2.ID, verdict.Verdict{Evaluator: "late", Decision: verdict.Aye}, "sha256:x")
				assert.ErrorIs(t, err, ErrRunNotCollecting)
			})

			t.Run("one collecting run per proposal", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				_, err := s.BeginRun(ctx, testProposal, "a", aggregation.V1)
				require.NoError(t, err)
				_, err = s.BeginRun(ctx, testProposal, "b", aggregation.V1)
				assert.True(t, errorir.Is(err, errorir.ClassConflict), "%v", err)

				other := verdict.Proposal{Network: verdict.NetworkKusama, ID: 1723}
				_, err = s.BeginRun(ctx, other, "c", aggregation.V1)
				assert.NoError(t, err, "proposals are independent")
			})

			t.Run("duplicate verdict is an integrity error", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				run, err := s.BeginRun(ctx, testProposal, "", aggregation.V1)
				require.NoError(t, err)
				v := verdict.Verdict{Evaluator: "caspar", Decision: verdict.Nay}
				require.NoError(t, s.AppendVerdict(ctx, run.ID, v, "sha256:a"))
				err = s.AppendVerdict(ctx, run.ID, v, "sha256:b")
				assert.True(t, errorir.Is(err, errorir.ClassIntegrity), "%v", err)

				err = s.AppendVerdict(ctx, run.ID, verdict.Verdict{Evaluator: "x", Decision: "PERHAPS"}, "sha256:c")
				assert.True(t, errorir.Is(err, errorir.ClassIntegrity))
			})

			t.Run("seal rejects mismatched manifest", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				run, out, m := completeRun(t, s, testProposal, verdict.Aye, verdict.Nay, verdict.Abstain)

				bad := *m
				bad.RunIndex = 99
				_, err := s.Seal(ctx, run.ID, out, &bad)
				assert.True(t, errorir.Is(err, errorir.ClassIntegrity), "%v", err)

				backdated := *m
				backdated.CreatedAt = m.CreatedAt.Add(-time.Hour)
				_, err = s.Seal(ctx, run.ID, out, &backdated)
				assert.True(t, errorir.Is(err, errorir.ClassIntegrity), "%v", err)

				short := out
				short.Tally = aggregation.Tally{Aye: 1, Nay: 1}
				_, err = s.Seal(ctx, run.ID, short, m)
				assert.True(t, errorir.Is(err, errorir.ClassIntegrity))

				tampered := *m
				tampered.Artifacts = append([]manifest.Entry(nil), m.Artifacts...)
				for i := range tampered.Artifacts {
					if tampered.Artifacts[i].Kind == manifest.KindVerdict {
						tampered.Artifacts[i].Fingerprint = "sha256:00"
					}
				}
				_, err = s.Seal(ctx, run.ID, out, &tampered)
				assert.True(t, errorir.Is(err, errorir.ClassIntegrity))

				// The run is still collecting and can be sealed correctly.
				_, err = s.Seal(ctx, run.ID, out, m)
				require.NoError(t, err)

				_, err = s.Seal(ctx, run.ID, out, m)
				assert.ErrorIs(t, err, ErrRunNotCollecting)
			})

			t.Run("seal conflicts when current moved", func(t *testing.T) {
				s := newStore(t)
				ctx := context.Background()

				r1, o1, m1 := completeRun(t, s, testProposal, verdict.Aye, verdict.Aye, verdict.Aye)
				_, err := s.Seal(ctx, r1.ID, o1, m1)
				require.NoError(t, err)

				r2, o2, m2 := completeRun(t, s, testProposal, verdict.Nay, verdict.Nay, verdict.Nay)
				require.NoError(t, s.Archive(ctx, testProposal))

				_, err = s.Seal(ctx, r2.ID, o2, m2)
				assert.True(t, errorir.Is(err, errorir.ClassConflict), "%v", err)

				_, err = s.Current(ctx, testProposal)
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, s.Archive(ctx, testProposal), ErrNotFound)
			})

			t.Run("get unknown run", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Get(context.Background(), "nope")
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, s.Fail(context.Background(), "nope", "x"), ErrNotFound)
			})
		})
	}
}

func TestStore_ConcurrentBeginAllowsOneWinner(t *testing.T) {
	for name, newStore := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			const workers = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winners   int
				conflicts int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.BeginRun(ctx, testProposal, "race", aggregation.V1)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners++
					case errorir.Is(err, errorir.ClassConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, winners)
			assert.Equal(t, workers-1, conflicts)
		})
	}
}

func assertSingleCurrent(t *testing.T, runs []*Run) {
	t.Helper()
	var current []*Run
	var maxSealed int64
	for _, r := range runs {
		if r.IsCurrent() {
			current = append(current, r)
		}
		if r.Status == StatusSealed || r.Status == StatusArchived {
			if r.Index > maxSealed {
				maxSealed = r.Index
			}
		}
	}
	require.Len(t, current, 1)
	assert.Equal(t, maxSealed, current[0].Index, "current is the sealed run with the largest index")
}
