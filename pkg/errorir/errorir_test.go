package errorir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	assert.True(t, ClassTransient.Retryable())
	for _, c := range []Class{ClassIntegrity, ClassConflict, ClassStorage, ClassIneligible, ClassUnavailable} {
		assert.False(t, c.Retryable(), c)
	}
}

func TestRunError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("store.seal", cause)
	err.RunID = "r1"
	err.Proposal = "polkadot/1723"

	assert.Equal(t, "STORAGE: store.seal proposal=polkadot/1723 run=r1: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestClassOf_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("execute: %w", Conflict("store.begin", "run %s collecting", "r2"))
	assert.Equal(t, ClassConflict, ClassOf(err))
	assert.True(t, Is(err, ClassConflict))
	assert.False(t, Is(err, ClassIntegrity))
	assert.Equal(t, Class(""), ClassOf(errors.New("plain")))
	assert.False(t, Is(nil, ClassConflict))
}

func TestWithRun(t *testing.T) {
	assert.NoError(t, WithRun(nil, "r1", "kusama/600"))

	annotated := WithRun(Integrity("manifest.build", "bad"), "r1", "kusama/600")
	var re *RunError
	require.ErrorAs(t, annotated, &re)
	assert.Equal(t, "r1", re.RunID)
	assert.Equal(t, "kusama/600", re.Proposal)

	inner := Transient("evaluator.call", errors.New("timeout"))
	inner.RunID = "inner"
	require.ErrorAs(t, WithRun(inner, "outer", "kusama/600"), &re)
	assert.Equal(t, "inner", re.RunID, "innermost annotation wins")
	assert.Equal(t, "", inner.Proposal, "original is not mutated")

	notFound := errors.New("run not found")
	wrapped := WithRun(fmt.Errorf("seal: %w", notFound), "r3", "paseo/100")
	require.ErrorAs(t, wrapped, &re)
	assert.Equal(t, Class(""), re.Class)
	assert.Equal(t, Class(""), ClassOf(wrapped))
	assert.False(t, Is(wrapped, ClassStorage))
	assert.ErrorIs(t, wrapped, notFound)
	assert.Equal(t, "r3", re.RunID)
	assert.Equal(t, "unclassified proposal=paseo/100 run=r3: seal: run not found", wrapped.Error())
}
