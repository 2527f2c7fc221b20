// Package pipeline runs one decision end to end: evaluators in parallel,
// aggregation, manifest, durable seal and hand-off to submission.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/artifacts"
	"github.com/Mindburn-Labs/quorum/pkg/attest"
	"github.com/Mindburn-Labs/quorum/pkg/canonicalize"
	"github.com/Mindburn-Labs/quorum/pkg/eligibility"
	"github.com/Mindburn-Labs/quorum/pkg/errorir"
	"github.com/Mindburn-Labs/quorum/pkg/evaluator"
	"github.com/Mindburn-Labs/quorum/pkg/lock"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
	"github.com/Mindburn-Labs/quorum/pkg/observability"
	"github.com/Mindburn-Labs/quorum/pkg/retry"
	"github.com/Mindburn-Labs/quorum/pkg/store"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

const (
	opExecute  = "pipeline.execute"
	opEvaluate = "pipeline.evaluate"
	opPersist  = "pipeline.persist"
	opSubmit   = "pipeline.submit"
)

// ErrIneligible is wrapped by the error returned for proposals the
// eligibility gate rejects.
var ErrIneligible = errors.New("proposal is not eligible")

// Config wires the controller's collaborators. Records, Blobs and
// Evaluators are required.
type Config struct {
	Evaluators []evaluator.Evaluator
	Policies   *aggregation.Registry
	Records    store.Store
	Blobs      artifacts.Store
	Locker     lock.Locker

	Eligibility *eligibility.Engine
	Contents    ContentSource
	Signer      *attest.Signer
	Submitter   Submitter
	Failures    FailureReporter

	EvaluatorTimeout time.Duration
	RunDeadline      time.Duration
	Retry            retry.Policy
	Provenance       manifest.Provenance

	Telemetry *observability.Provider
	Metrics   *observability.Metrics
}

// Request starts one run.
type Request struct {
	Proposal verdict.Proposal
	// Contents overrides the ContentSource when non-nil.
	Contents []verdict.Content
	// Reason is kept on the run for audit. Evaluators never see it.
	Reason string
	// Attributes feed the eligibility rule (for example "track").
	Attributes map[string]any
	// PolicyVersion pins a registered policy; empty means the default.
	PolicyVersion string
}

// Controller executes decision runs.
type Controller struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Controller, error) {
	if cfg.Records == nil || cfg.Blobs == nil {
		return nil, errors.New("pipeline: record store and artifact store are required")
	}
	if len(cfg.Evaluators) == 0 {
		return nil, errors.New("pipeline: no evaluators configured")
	}
	seen := make(map[string]bool, len(cfg.Evaluators))
	for _, e := range cfg.Evaluators {
		if e.Name() == "" || seen[e.Name()] {
			return nil, fmt.Errorf("pipeline: evaluator name %q is empty or repeated", e.Name())
		}
		seen[e.Name()] = true
	}
	if cfg.Policies == nil {
		cfg.Policies = aggregation.NewRegistry()
	}
	if n := cfg.Policies.Default().Evaluators(); n != len(cfg.Evaluators) {
		return nil, fmt.Errorf("pipeline: policy %s expects %d evaluators, roster has %d",
			cfg.Policies.Default().Version(), n, len(cfg.Evaluators))
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemoryLocker(lock.ModeReject)
	}
	if cfg.Failures == nil {
		cfg.Failures = NewLogReporter()
	}
	if cfg.EvaluatorTimeout <= 0 {
		cfg.EvaluatorTimeout = 2 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Controller{cfg: cfg, logger: slog.Default().With("component", "pipeline")}, nil
}

// Execute runs the pipeline for one proposal and returns the sealed run.
//
// A run that fails after BeginRun is marked failed, reported to the
// FailureReporter and returned alongside the error. A submission failure
// after sealing returns the sealed run and an UNAVAILABLE error.
func (c *Controller) Execute(ctx context.Context, req Request) (run *store.Run, err error) {
	p := req.Proposal
	ctx, done := c.cfg.Telemetry.TrackOperation(ctx, opExecute,
		observability.AttrProposal.String(p.Key()), observability.AttrNetwork.String(string(p.Network)))
	defer func() { done(err) }()

	if _, perr := verdict.ParseNetwork(string(p.Network)); perr != nil {
		return nil, errorir.WithRun(errorir.Integrity(opExecute, "%w", perr), "", p.Key())
	}

	if err := c.checkEligible(ctx, req); err != nil {
		return nil, errorir.WithRun(err, "", p.Key())
	}

	policy := c.cfg.Policies.Default()
	if req.PolicyVersion != "" {
		policy, err = c.cfg.Policies.Lookup(req.PolicyVersion)
		if err != nil {
			return nil, errorir.WithRun(errorir.Integrity(opExecute, "%w", err), "", p.Key())
		}
	}
	if policy.Evaluators() != len(c.cfg.Evaluators) {
		return nil, errorir.WithRun(errorir.Integrity(opExecute, "policy %s expects %d evaluators, roster has %d",
			policy.Version(), policy.Evaluators(), len(c.cfg.Evaluators)), "", p.Key())
	}

	contents, err := c.freeze(ctx, req)
	if err != nil {
		return nil, errorir.WithRun(err, "", p.Key())
	}

	lease, err := c.cfg.Locker.Acquire(ctx, p.Key())
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, errorir.WithRun(errorir.Conflict(opExecute, "a run for %s is already in progress", p), "", p.Key())
		}
		return nil, errorir.WithRun(errorir.New(errorir.ClassUnavailable, opExecute, err), "", p.Key())
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.logger.WarnContext(ctx, "lock release failed", "proposal", p.Key(), "error", rerr)
		}
	}()

	run, err = c.cfg.Records.BeginRun(ctx, p, req.Reason, policy.Version())
	if err != nil {
		return nil, errorir.WithRun(err, "", p.Key())
	}
	logger := c.logger.With("run_id", run.ID, "proposal", p.Key(), "run_index", run.Index)
	logger.InfoContext(ctx, "decision run started", "policy", policy.Version(), "evaluators", len(c.cfg.Evaluators))

	sealed, err := c.collect(ctx, run, policy, contents)
	if err != nil {
		err = errorir.WithRun(err, run.ID, p.Key())
		c.fail(ctx, run, err)
		return c.reload(ctx, run), err
	}
	logger.InfoContext(ctx, "decision run sealed",
		"decision", sealed.Outcome.Decision,
		"conclusive", sealed.Outcome.Conclusive,
		"manifest", sealed.ManifestFingerprint,
	)
	c.countRun(p, store.StatusSealed)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.OutcomesTotal.WithLabelValues(string(p.Network), string(sealed.Outcome.Decision),
			strconv.FormatBool(sealed.Outcome.Conclusive)).Inc()
	}

	if err := c.handOff(ctx, sealed); err != nil {
		err = errorir.WithRun(errorir.New(errorir.ClassUnavailable, opSubmit, err), sealed.ID, p.Key())
		c.cfg.Failures.ReportFailure(ctx, Failure{
			Proposal: p, RunID: sealed.ID, RunIndex: sealed.Index,
			Class: errorir.ClassUnavailable, Reason: err.Error(),
		})
		return sealed, err
	}
	return sealed, nil
}

func (c *Controller) checkEligible(ctx context.Context, req Request) error {
	if c.cfg.Eligibility == nil {
		return nil
	}
	res, err := c.cfg.Eligibility.Check(req.Proposal, req.Attributes)
	if err != nil {
		return errorir.Integrity(opExecute, "eligibility: %w", err)
	}
	if !res.Eligible {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Ineligible.WithLabelValues(string(req.Proposal.Network)).Inc()
		}
		c.logger.InfoContext(ctx, "proposal not eligible", "proposal", req.Proposal.Key(), "reason", res.Reason)
		return errorir.New(errorir.ClassIneligible, opExecute, fmt.Errorf("%w: %s", ErrIneligible, res.Reason))
	}
	return nil
}

// freeze obtains the content set and takes a private copy of it.
func (c *Controller) freeze(ctx context.Context, req Request) ([]verdict.Content, error) {
	contents := req.Contents
	if contents == nil && c.cfg.Contents != nil {
		fetched, err := c.cfg.Contents.Fetch(ctx, req.Proposal)
		if err != nil {
			return nil, errorir.New(errorir.ClassUnavailable, opExecute, fmt.Errorf("fetch content: %w", err))
		}
		contents = fetched
	}
	if len(contents) == 0 {
		return nil, errorir.Integrity(opExecute, "no content supplied for %s", req.Proposal)
	}
	return verdict.CloneAll(contents), nil
}

// collect runs the evaluators, then aggregates, persists and seals.
func (c *Controller) collect(ctx context.Context, run *store.Run, policy *aggregation.Policy, contents []verdict.Content) (*store.Run, error) {
	if c.cfg.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunDeadline)
		defer cancel()
	}

	if err := c.storeInputs(ctx, run, contents); err != nil {
		return nil, err
	}

	verdicts, err := c.evaluate(ctx, run, contents)
	if err != nil {
		return nil, err
	}

	outcome, err := aggregation.Aggregate(policy, verdicts)
	if err != nil {
		return nil, err
	}
	bundle, err := manifest.Assemble(manifest.Input{
		RunID:         run.ID,
		Proposal:      run.Proposal,
		RunIndex:      run.Index,
		CreatedAt:     run.CreatedAt,
		PolicyVersion: policy.Version(),
		Provenance:    c.cfg.Provenance,
		Contents:      contents,
		Verdicts:      verdicts,
		Outcome:       aggregation.NewRecord(run.Proposal, run.Index, outcome, verdicts),
	})
	if err != nil {
		return nil, err
	}

	// Everything the manifest names must be durable before the seal.
	if err := artifacts.PutAll(ctx, c.cfg.Blobs, bundle.Artifacts); err != nil {
		return nil, errorir.Storage(opPersist, err)
	}
	if _, err := c.cfg.Blobs.Store(ctx, bundle.Encoded); err != nil {
		return nil, errorir.Storage(opPersist, fmt.Errorf("store manifest: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, errorir.Transient(opExecute, fmt.Errorf("run deadline exceeded before seal: %w", err))
	}

	sealed, err := c.cfg.Records.Seal(ctx, run.ID, outcome, bundle.Manifest)
	if err != nil {
		return nil, err
	}
	if sealed.ManifestFingerprint != bundle.Fingerprint {
		return nil, errorir.Integrity(opPersist, "sealed fingerprint %s differs from built %s",
			sealed.ManifestFingerprint, bundle.Fingerprint)
	}
	return sealed, nil
}

func (c *Controller) storeInputs(ctx context.Context, run *store.Run, contents []verdict.Content) error {
	refs := make([]store.InputRef, 0, len(contents))
	arts := make([]*canonicalize.Artifact, 0, len(contents))
	for _, content := range contents {
		a, err := canonicalize.Canonicalize(manifest.ContentName(content.Name), content.Data)
		if err != nil {
			return errorir.Integrity(opPersist, "%w", err)
		}
		arts = append(arts, a)
		refs = append(refs, store.InputRef{
			Name:        strings.TrimPrefix(a.Name, manifest.ContentDir),
			Fingerprint: a.Fingerprint,
			Size:        int64(len(a.CanonicalBytes)),
		})
	}
	if err := artifacts.PutAll(ctx, c.cfg.Blobs, arts); err != nil {
		return errorir.Storage(opPersist, err)
	}
	return c.cfg.Records.RecordInputs(ctx, run.ID, refs)
}

// evaluate fans out one goroutine per evaluator. Each goroutine gets its own
// copy of the content and writes only its own result slot, so no evaluator
// can observe a sibling's verdict. The first failure cancels the rest.
func (c *Controller) evaluate(ctx context.Context, run *store.Run, contents []verdict.Content) ([]verdict.Verdict, error) {
	results := make([]verdict.Verdict, len(c.cfg.Evaluators))
	g, gctx := errgroup.WithContext(ctx)

	for i, e := range c.cfg.Evaluators {
		i, e := i, e
		own := verdict.CloneAll(contents)
		g.Go(func() error {
			v, err := c.call(gctx, run, e, own)
			if err != nil {
				return err
			}
			if err := c.recordVerdict(gctx, run, v); err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// call invokes one evaluator under its timeout, retrying transient failures.
func (c *Controller) call(ctx context.Context, run *store.Run, e evaluator.Evaluator, contents []verdict.Content) (verdict.Verdict, error) {
	name := e.Name()
	ctx, done := c.cfg.Telemetry.TrackOperation(ctx, opEvaluate,
		observability.EvaluatorAttributes(run.Proposal.Key(), name)...)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.EvaluatorTimeout)
	defer cancel()

	var v verdict.Verdict
	err := retry.Do(ctx, retry.Params{RunID: run.ID, Evaluator: name}, c.cfg.Retry,
		func(err error) bool { return errorir.ClassOf(err).Retryable() },
		func(ctx context.Context, attempt int) error {
			out, err := e.Evaluate(ctx, run.Proposal, contents)
			if err != nil {
				c.logger.WarnContext(ctx, "evaluator attempt failed",
					"run_id", run.ID, "evaluator", name, "attempt", attempt+1, "error", err)
				return classifyEvaluatorError(name, err)
			}
			v = out
			return nil
		})
	if err == nil {
		err = checkVerdict(name, &v)
	}
	if err != nil && errorir.ClassOf(err) == "" {
		err = classifyEvaluatorError(name, err)
	}

	if c.cfg.Metrics != nil {
		result := "ok"
		if err != nil {
			result = strings.ToLower(string(errorir.ClassOf(err)))
		}
		c.cfg.Metrics.EvaluatorLatency.WithLabelValues(name, result).Observe(time.Since(start).Seconds())
	}
	done(err)
	return v, err
}

func classifyEvaluatorError(name string, err error) error {
	if errorir.ClassOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorir.Transient(opEvaluate, fmt.Errorf("evaluator %s timed out: %w", name, err))
	}
	return errorir.Transient(opEvaluate, fmt.Errorf("evaluator %s: %w", name, err))
}

// checkVerdict pins the verdict to the evaluator that produced it.
func checkVerdict(name string, v *verdict.Verdict) error {
	if v.Evaluator == "" {
		v.Evaluator = name
	}
	if v.Evaluator != name {
		return errorir.Integrity(opEvaluate, "evaluator %s returned a verdict signed as %s", name, v.Evaluator)
	}
	if v.ProducedAt.IsZero() {
		v.ProducedAt = time.Now().UTC()
	}
	if err := v.Validate(); err != nil {
		return errorir.Integrity(opEvaluate, "%w", err)
	}
	return nil
}

// recordVerdict makes a verdict durable as soon as it arrives.
func (c *Controller) recordVerdict(ctx context.Context, run *store.Run, v verdict.Verdict) error {
	a, err := canonicalize.Canonicalize(manifest.VerdictName(v.Evaluator), v)
	if err != nil {
		return errorir.Integrity(opPersist, "%w", err)
	}
	if err := artifacts.PutAll(ctx, c.cfg.Blobs, []*canonicalize.Artifact{a}); err != nil {
		return errorir.Storage(opPersist, err)
	}
	if err := c.cfg.Records.AppendVerdict(ctx, run.ID, v, a.Fingerprint); err != nil {
		return err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.VerdictsTotal.WithLabelValues(v.Evaluator, string(v.Decision)).Inc()
	}
	c.logger.InfoContext(ctx, "verdict recorded", "run_id", run.ID, "evaluator", v.Evaluator, "decision", v.Decision)
	return nil
}

// fail marks the run failed. It uses a context detached from cancellation so
// a run that hit its deadline is still recorded.
func (c *Controller) fail(ctx context.Context, run *store.Run, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := c.cfg.Records.Fail(fctx, run.ID, cause.Error()); err != nil {
		c.logger.ErrorContext(fctx, "failed to mark run failed", "run_id", run.ID, "error", err)
	}
	c.countRun(run.Proposal, store.StatusFailed)
	c.cfg.Failures.ReportFailure(fctx, Failure{
		Proposal: run.Proposal,
		RunID:    run.ID,
		RunIndex: run.Index,
		Class:    errorir.ClassOf(cause),
		Reason:   cause.Error(),
	})
}

func (c *Controller) reload(ctx context.Context, run *store.Run) *store.Run {
	latest, err := c.cfg.Records.Get(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return run
	}
	return latest
}

func (c *Controller) handOff(ctx context.Context, sealed *store.Run) error {
	if c.cfg.Submitter == nil {
		return nil
	}
	a, err := c.cfg.Signer.Attest(sealed)
	if err != nil {
		return err
	}
	return c.cfg.Submitter.Submit(ctx, a)
}

func (c *Controller) countRun(p verdict.Proposal, status store.Status) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RunsTotal.WithLabelValues(string(p.Network), string(status)).Inc()
	}
}
