package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/quorum/pkg/aggregation"
	"github.com/Mindburn-Labs/quorum/pkg/artifacts"
	"github.com/Mindburn-Labs/quorum/pkg/attest"
	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/eligibility"
	"github.com/Mindburn-Labs/quorum/pkg/evaluator"
	"github.com/Mindburn-Labs/quorum/pkg/lock"
	"github.com/Mindburn-Labs/quorum/pkg/manifest"
	"github.com/Mindburn-Labs/quorum/pkg/observability"
	"github.com/Mindburn-Labs/quorum/pkg/pipeline"
	"github.com/Mindburn-Labs/quorum/pkg/store"
	"github.com/Mindburn-Labs/quorum/pkg/submission"
)

// app is the dependency graph every command builds from config.Load().
type app struct {
	cfg       *config.Config
	db        *sql.DB
	records   store.Store
	blobs     artifacts.Store
	metrics   *observability.Metrics
	telemetry *observability.Provider
	policies  *aggregation.Registry
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	if cfg.DatabaseDriver == store.DriverSQLite {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	records, db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	blobs, err := artifacts.New(ctx, artifacts.Config{
		Type:       artifacts.StoreType(cfg.ArtifactStorageType),
		DataDir:    cfg.DataDir,
		S3Bucket:   cfg.ArtifactS3Bucket,
		S3Region:   cfg.ArtifactS3Region,
		S3Endpoint: cfg.ArtifactS3Endpoint,
		S3Prefix:   cfg.ArtifactS3Prefix,
		GCSBucket:  cfg.ArtifactGCSBucket,
		GCSPrefix:  cfg.ArtifactGCSPrefix,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "quorum",
		ServiceVersion: version,
		Environment:    cfg.OTelEnvironment,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     cfg.OTelSampleRate,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		Enabled:        cfg.OTelEnabled,
		Insecure:       cfg.OTelInsecure,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		db:        db,
		records:   records,
		blobs:     blobs,
		metrics:   observability.NewMetrics("quorum"),
		telemetry: telemetry,
		policies:  aggregation.NewRegistry(),
	}, nil
}

func (a *app) Close(ctx context.Context) {
	_ = a.telemetry.Shutdown(ctx)
	_ = a.db.Close()
}

// controller builds the pipeline from the roster file.
func (a *app) controller(ctx context.Context, rosterPath string) (*pipeline.Controller, error) {
	if rosterPath == "" {
		rosterPath = a.cfg.RosterPath
	}
	roster, err := config.LoadRoster(rosterPath)
	if err != nil {
		return nil, err
	}
	for i := range roster.Evaluators {
		if roster.Evaluators[i].Timeout == 0 {
			roster.Evaluators[i].Timeout = a.cfg.EvaluatorTimeout
		}
	}
	evals, err := evaluator.BuildAll(roster.Evaluators)
	if err != nil {
		return nil, err
	}
	if roster.Policy != "" {
		if err := a.policies.SetDefault(roster.Policy); err != nil {
			return nil, err
		}
	}

	gate, err := eligibility.New(roster.EligibilityConfig())
	if err != nil {
		return nil, err
	}

	mode, err := lock.ParseMode(a.cfg.LockMode)
	if err != nil {
		return nil, err
	}
	var locker lock.Locker = lock.NewMemoryLocker(mode)
	if a.cfg.RedisAddr != "" {
		rl := lock.NewRedisLocker(lock.RedisOptions{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			Mode:     mode,
			TTL:      a.cfg.LockTTL,
		})
		if err := rl.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis lock backend: %w", err)
		}
		locker = rl
	}

	var signer *attest.Signer
	if a.cfg.AttestSeed != "" {
		key, err := attest.KeyProviderFromSeed(a.cfg.AttestSeed)
		if err != nil {
			return nil, err
		}
		signer = attest.NewSigner(key)
	}

	params := roster.SubmissionParams()
	var submitter pipeline.Submitter = submission.NewLogSubmitter(params)
	if a.cfg.SubmitWebhookURL != "" {
		submitter = submission.NewWebhookSubmitter(a.cfg.SubmitWebhookURL, a.cfg.SubmitWebhookAuth, params)
	}

	return pipeline.New(pipeline.Config{
		Evaluators:       evals,
		Policies:         a.policies,
		Records:          a.records,
		Blobs:            a.blobs,
		Locker:           locker,
		Eligibility:      gate,
		Signer:           signer,
		Submitter:        submitter,
		EvaluatorTimeout: a.cfg.EvaluatorTimeout,
		RunDeadline:      a.cfg.RunDeadline,
		Provenance:       manifest.ProvenanceFromEnv(),
		Telemetry:        a.telemetry,
		Metrics:          a.metrics,
	})
}
