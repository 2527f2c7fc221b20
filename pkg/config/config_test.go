package config_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/verdict"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "DATABASE_DRIVER", "DATA_DIR",
		"ARTIFACT_STORAGE_TYPE", "REDIS_ADDR", "LOCK_MODE", "EVALUATOR_TIMEOUT",
		"RUN_DEADLINE", "OTEL_ENABLED", "OTEL_SAMPLE_RATE", "OTEL_ENVIRONMENT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Contains(t, cfg.DatabaseURL, "data/quorum.db")
	assert.Equal(t, "fs", cfg.ArtifactStorageType)
	assert.Equal(t, "reject", cfg.LockMode)
	assert.Equal(t, 2*time.Minute, cfg.EvaluatorTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RunDeadline)
	assert.False(t, cfg.OTelEnabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("EVALUATOR_TIMEOUT", "45s")
	t.Setenv("RUN_DEADLINE", "3m")
	t.Setenv("LOCK_MODE", "wait")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLE_RATE", "0.1")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
	assert.Equal(t, 45*time.Second, cfg.EvaluatorTimeout)
	assert.Equal(t, 3*time.Minute, cfg.RunDeadline)
	assert.Equal(t, "wait", cfg.LockMode)
	assert.True(t, cfg.OTelEnabled)
	assert.InDelta(t, 0.1, cfg.OTelSampleRate, 1e-9)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVALUATOR_TIMEOUT", "soon")
	assert.Equal(t, 2*time.Minute, config.Load().EvaluatorTimeout)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg := config.Load()
	cfg.DatabaseDriver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = config.Load()
	cfg.RunDeadline = time.Second
	assert.ErrorContains(t, cfg.Validate(), "RUN_DEADLINE")
}

func TestNewLogger_RespectsLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "WARN")
	var buf bytes.Buffer
	logger := config.Load().NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

const rosterYAML = `
policy: "1.0.0"
conviction: 2
evaluators:
  - name: balthazar
    kind: http
    url: http://balthazar:8000/evaluate
    timeout: 90s
    rps: 0.5
  - name: caspar
    kind: static
    decision: aye
  - name: melchior
    kind: static
    decision: abstain
eligibility:
  expression: "int(input.track) == 34"
networks:
  kusama:
    min_proposal_id: 600
    voting_power: 42
`

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rosterYAML), 0o600))

	r, err := config.LoadRoster(path)
	require.NoError(t, err)
	require.Len(t, r.Evaluators, 3)
	assert.Equal(t, "balthazar", r.Evaluators[0].Name)
	assert.Equal(t, 90*time.Second, r.Evaluators[0].Timeout)
	assert.Equal(t, "1.0.0", r.Policy)

	el := r.EligibilityConfig()
	assert.Equal(t, "int(input.track) == 34", el.Expression)
	assert.Equal(t, uint64(600), el.MinProposalID[verdict.NetworkKusama])
	assert.Equal(t, uint64(1723), el.MinProposalID[verdict.NetworkPolkadot])

	sp := r.SubmissionParams()
	assert.Equal(t, 2, sp.Conviction)
	assert.Equal(t, uint64(42), sp.VotingPower[verdict.NetworkKusama])
	assert.Equal(t, uint64(10_000_000_000), sp.VotingPower[verdict.NetworkPolkadot])
}

func TestParseRoster_Rejections(t *testing.T) {
	_, err := config.ParseRoster([]byte("policy: 1.0.0\n"))
	assert.ErrorContains(t, err, "no evaluators")

	_, err = config.ParseRoster([]byte("evaluators: [{name: a, kind: static, decision: aye}]\nnetworks: {westend: {}}\n"))
	assert.ErrorContains(t, err, "unknown network")

	_, err = config.ParseRoster([]byte("evaluators: [{name: a, kind: static, decision: aye}]\nconviction: 9\n"))
	assert.Error(t, err)

	_, err = config.LoadRoster(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
