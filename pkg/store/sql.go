package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

// SQLStore implements Store using database/sql. It supports both Postgres
// and SQLite. The single-collecting and single-current rules are enforced by
// partial unique indexes, so they hold across processes sharing a database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS decision_runs (
	run_id TEXT PRIMARY KEY,
	network TEXT NOT NULL,
	proposal_id BIGINT NOT NULL,
	run_index BIGINT NOT NULL,
	previous_index BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	policy_version TEXT NOT NULL,
	input_refs TEXT NOT NULL DEFAULT '[]',
	outcome TEXT,
	manifest TEXT,
	manifest_fingerprint TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	sealed_at TIMESTAMP,
	archived_at TIMESTAMP,
	UNIQUE (network, proposal_id, run_index)
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS decision_runs_one_collecting
	ON decision_runs (network, proposal_id) WHERE status = 'collecting'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS decision_runs_one_current
	ON decision_runs (network, proposal_id) WHERE status = 'sealed'`,
	`CREATE TABLE IF NOT EXISTS run_verdicts (
	run_id TEXT NOT NULL REFERENCES decision_runs (run_id),
	evaluator TEXT NOT NULL,
	seq INTEGER NOT NULL,
	decision TEXT NOT NULL,
	body TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	PRIMARY KEY (run_id, evaluator)
)`,
}

// Init creates the tables and indexes.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errorir.Storage("store.init", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (s *SQLStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errorir.Storage(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return errorir.Conflict(op, "%v", err)
		}
		return errorir.Storage(op, err)
	}
	return nil
}

func (s *SQLStore) BeginRun(ctx context.Context, proposal verdict.Proposal, reason, policyVersion string) (*Run, error) {
	const op = "store.begin"
	run := &Run{
		ID:            uuid.NewString(),
		Proposal:      proposal,
		Status:        StatusCollecting,
		PolicyVersion: policyVersion,
		Reason:        reason,
		CreatedAt:     s.now(),
	}

	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		var collecting string
		err := tx.QueryRowContext(ctx,
			`SELECT run_id FROM decision_runs WHERE network = $1 AND proposal_id = $2 AND status = 'collecting'`,
			string(proposal.Network), proposal.ID).Scan(&collecting)
		switch {
		case err == nil:
			return errorir.Conflict(op, "run %s is already collecting for %s", collecting, proposal)
		case !errors.Is(err, sql.ErrNoRows):
			return errorir.Storage(op, err)
		}

		var maxIndex, currentIndex int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(run_index), 0),
			        COALESCE(MAX(CASE WHEN status = 'sealed' THEN run_index END), 0)
			 FROM decision_runs WHERE network = $1 AND proposal_id = $2`,
			string(proposal.Network), proposal.ID).Scan(&maxIndex, &currentIndex)
		if err != nil {
			return errorir.Storage(op, err)
		}
		run.Index = maxIndex + 1
		run.PreviousIndex = currentIndex

		_, err = tx.ExecContext(ctx,
			`INSERT INTO decision_runs (run_id, network, proposal_id, run_index, previous_index, status, policy_version, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			run.ID, string(proposal.Network), proposal.ID, run.Index, run.PreviousIndex,
			string(StatusCollecting), policyVersion, reason, run.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errorir.Conflict(op, "concurrent run allocation for %s: %v", proposal, err)
			}
			return errorir.Storage(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// requireCollecting locks in the run's status inside tx.
func requireCollecting(ctx context.Context, tx *sql.Tx, op, runID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM decision_runs WHERE run_id = $1`, runID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return errorir.Storage(op, err)
	}
	if Status(status) != StatusCollecting {
		return errorir.New(errorir.ClassIntegrity, op, fmt.Errorf("run %s is %s: %w", runID, status, ErrRunNotCollecting))
	}
	return nil
}

func (s *SQLStore) RecordInputs(ctx context.Context, runID string, refs []InputRef) error {
	const op = "store.inputs"
	body, err := json.Marshal(refs)
	if err != nil {
		return errorir.Storage(op, err)
	}
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if err := requireCollecting(ctx, tx, op, runID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE decision_runs SET input_refs = $1 WHERE run_id = $2`, string(body), runID); err != nil {
			return errorir.Storage(op, err)
		}
		return nil
	})
}

func (s *SQLStore) AppendVerdict(ctx context.Context, runID string, v verdict.Verdict, fingerprint string) error {
	const op = "store.append"
	if err := v.Validate(); err != nil {
		return errorir.Integrity(op, "%w", err)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return errorir.Storage(op, err)
	}

	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if err := requireCollecting(ctx, tx, op, runID); err != nil {
			return err
		}
		var seq int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_verdicts WHERE run_id = $1`, runID).Scan(&seq); err != nil {
			return errorir.Storage(op, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_verdicts (run_id, evaluator, seq, decision, body, fingerprint) VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, v.Evaluator, seq, string(v.Decision), string(body), fingerprint)
		if err != nil {
			if isUniqueViolation(err) {
				return errorir.Integrity(op, "duplicate verdict from %s in run %s", v.Evaluator, runID)
			}
			return errorir.Storage(op, err)
		}
		return nil
	})
}

func (s *SQLStore) Seal(ctx context.Context, runID string, outcome aggregation.Outcome, m *manifest.Manifest) (*Run, error) {
	var sealed *Run
	err := s.inTx(ctx, opSeal, func(tx *sql.Tx) error {
		run, err := getRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		fp, err := checkSeal(run, outcome, m)
		if err != nil {
			return err
		}

		var currentIndex int64
		err = tx.QueryRowContext(ctx,
			`SELECT run_index FROM decision_runs WHERE network = $1 AND proposal_id = $2 AND status = 'sealed'`,
			string(run.Proposal.Network), run.Proposal.ID).Scan(&currentIndex)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return errorir.Storage(opSeal, err)
		}
		if currentIndex != run.PreviousIndex {
			return errorir.Conflict(opSeal, "current run of %s moved from #%d to #%d", run.Proposal, run.PreviousIndex, currentIndex)
		}

		outcomeJSON, err := json.Marshal(outcome)
		if err != nil {
			return errorir.Storage(opSeal, err)
		}
		manifestJSON, err := manifest.Encode(m)
		if err != nil {
			return err
		}

		now := s.now()
		if currentIndex > 0 {
			n, err := archiveCurrent(ctx, tx, run.Proposal, now)
			if err != nil {
				return errorir.Storage(opSeal, err)
			}
			if n != 1 {
				return errorir.Conflict(opSeal, "current run of %s changed during seal", run.Proposal)
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE decision_runs SET status = 'sealed', outcome = $1, manifest = $2, manifest_fingerprint = $3, sealed_at = $4
			 WHERE run_id = $5 AND status = 'collecting'`,
			string(outcomeJSON), string(manifestJSON), fp, now, runID)
		if err != nil {
			if isUniqueViolation(err) {
				return errorir.Conflict(opSeal, "another run of %s became current", run.Proposal)
			}
			return errorir.Storage(opSeal, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return errorir.Storage(opSeal, err)
		} else if n != 1 {
			return errorir.Conflict(opSeal, "run %s changed during seal", runID)
		}

		o := outcome
		run.Status = StatusSealed
		run.Outcome = &o
		run.Manifest = cloneManifest(m)
		run.ManifestFingerprint = fp
		run.SealedAt = &now
		sealed = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

func (s *SQLStore) Fail(ctx context.Context, runID, reason string) error {
	const op = "store.fail"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if err := requireCollecting(ctx, tx, op, runID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE decision_runs SET status = 'failed', failure_reason = $1 WHERE run_id = $2`, reason, runID)
		if err != nil {
			return errorir.Storage(op, err)
		}
		return nil
	})
}

func (s *SQLStore) Current(ctx context.Context, proposal verdict.Proposal) (*Run, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM decision_runs WHERE network = $1 AND proposal_id = $2 AND status = 'sealed'`,
		string(proposal.Network), proposal.ID).Scan(&runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("current run of %s: %w", proposal, ErrNotFound)
		}
		return nil, errorir.Storage("store.current", err)
	}
	return s.Get(ctx, runID)
}

func (s *SQLStore) Get(ctx context.Context, runID string) (*Run, error) {
	return getRun(ctx, s.db, runID)
}

func (s *SQLStore) History(ctx context.Context, proposal verdict.Proposal) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM decision_runs WHERE network = $1 AND proposal_id = $2 ORDER BY run_index`,
		string(proposal.Network), proposal.ID)
	if err != nil {
		return nil, errorir.Storage("store.history", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, errorir.Storage("store.history", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errorir.Storage("store.history", err)
	}

	result := make([]*Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *SQLStore) Archive(ctx context.Context, proposal verdict.Proposal) error {
	n, err := archiveCurrent(ctx, s.db, proposal, s.now())
	if err != nil {
		return errorir.Storage(opArchive, err)
	}
	if n == 0 {
		return fmt.Errorf("current run of %s: %w", proposal, ErrNotFound)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// archiveCurrent demotes the proposal's sealed run and reports how many rows
// it demoted. Seal calls it inside its transaction.
func archiveCurrent(ctx context.Context, ex execer, p verdict.Proposal, at time.Time) (int64, error) {
	res, err := ex.ExecContext(ctx,
		`UPDATE decision_runs SET status = 'archived', archived_at = $1
		 WHERE network = $2 AND proposal_id = $3 AND status = 'sealed'`,
		at, string(p.Network), p.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getRun(ctx context.Context, q querier, runID string) (*Run, error) {
	const op = "store.get"
	var (
		run                    Run
		network, status        string
		inputRefs              string
		outcomeJSON, manifestJ sql.NullString
		sealedAt, archivedAt   sql.NullTime
	)
	err := q.QueryRowContext(ctx,
		`SELECT run_id, network, proposal_id, run_index, previous_index, status, policy_version,
		        input_refs, outcome, manifest, manifest_fingerprint, reason, failure_reason,
		        created_at, sealed_at, archived_at
		 FROM decision_runs WHERE run_id = $1`, runID).Scan(
		&run.ID, &network, &run.Proposal.ID, &run.Index, &run.PreviousIndex, &status, &run.PolicyVersion,
		&inputRefs, &outcomeJSON, &manifestJ, &run.ManifestFingerprint, &run.Reason, &run.FailureReason,
		&run.CreatedAt, &sealedAt, &archivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, errorir.Storage(op, err)
	}
	run.Proposal.Network = verdict.Network(network)
	run.Status = Status(status)
	run.CreatedAt = run.CreatedAt.UTC()
	if sealedAt.Valid {
		t := sealedAt.Time.UTC()
		run.SealedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time.UTC()
		run.ArchivedAt = &t
	}
	if inputRefs != "" {
		if err := json.Unmarshal([]byte(inputRefs), &run.InputRefs); err != nil {
			return nil, errorir.Storage(op, fmt.Errorf("decode input refs: %w", err))
		}
	}
	if outcomeJSON.Valid {
		var o aggregation.Outcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &o); err != nil {
			return nil, errorir.Storage(op, fmt.Errorf("decode outcome: %w", err))
		}
		run.Outcome = &o
	}
	if manifestJ.Valid {
		m, err := manifest.Decode([]byte(manifestJ.String))
		if err != nil {
			return nil, errorir.Storage(op, err)
		}
		run.Manifest = m
	}

	rows, err := q.QueryContext(ctx,
		`SELECT body, fingerprint FROM run_verdicts WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, errorir.Storage(op, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var body, fp string
		if err := rows.Scan(&body, &fp); err != nil {
			return nil, errorir.Storage(op, err)
		}
		var v verdict.Verdict
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, errorir.Storage(op, fmt.Errorf("decode verdict: %w", err))
		}
		run.Verdicts = append(run.Verdicts, VerdictRecord{Verdict: v, Fingerprint: fp})
	}
	if err := rows.Err(); err != nil {
		return nil, errorir.Storage(op, err)
	}
	return &run, nil
}
