package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
)

func TestMachineGuardsReportedCompletion(t *testing.T) {
	_, err := next(domain.PhaseInProgress, domain.ActionRequestCompletion, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	to, err := next(domain.PhaseInProgress, domain.ActionRequestCompletion, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompletionRequested, to)
}

func TestMachineDeclaresEveryStatus(t *testing.T) {
	for _, st := range domain.PhaseStatuses() {
		interp, err := buildMachine(st, 0)
		require.NoError(t, err, "status %s", st)
		assert.Equal(t, st, domain.PhaseStatus(interp.State().Value))
	}
}
