// Package retry computes deterministic backoff schedules for evaluator calls
// and runs a call under such a schedule.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identify one retried call. The jitter is a pure function of them, so
// a replayed run waits exactly as long as the original.
type Params struct {
	RunID     string
	Evaluator string
	Attempt   int
}

// Policy bounds a retry schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	// MaxAttempts counts the first call; 1 disables retries.
	MaxAttempts int
}

// DefaultPolicy retries an evaluator twice.
var DefaultPolicy = Policy{BaseMs: 250, MaxMs: 5000, MaxJitterMs: 100, MaxAttempts: 3}

// ComputeBackoff returns the delay before the given attempt.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	// delay = base * 2^attempt, capped
	factor := int64(1)
	if params.Attempt > 0 {
		if params.Attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.Attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

// ComputeDeterministicJitter derives jitter from a SHA-256 of the params.
func ComputeDeterministicJitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.RunID, params.Evaluator, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the wait before each attempt; the first is always zero.
func Schedule(params Params, policy Policy) []time.Duration {
	n := policy.MaxAttempts
	if n < 1 {
		n = 1
	}
	out := make([]time.Duration, n)
	for i := 1; i < n; i++ {
		p := params
		p.Attempt = i
		out[i] = ComputeBackoff(p, policy)
	}
	return out
}
