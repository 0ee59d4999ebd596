package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"payline/internal/domain"
)

func TestTaskTransitionTable(t *testing.T) {
	allowed := [][2]string{
		{domain.StatusOpen, domain.StatusAssigned},
		{domain.StatusAssigned, domain.StatusInProgress},
		{domain.StatusAssigned, domain.StatusCompleted},
		{domain.StatusInProgress, domain.StatusCompleted},
		{domain.StatusCompleted, domain.StatusUnderReview},
		{domain.StatusUnderReview, domain.StatusApproved},
		{domain.StatusUnderReview, domain.StatusRejected},
		{domain.StatusRejected, domain.StatusInProgress},
		{domain.StatusApproved, domain.StatusPaid},
	}
	for _, tr := range allowed {
		require.NoError(t, ensureTaskTransition("t", tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]string{
		{domain.StatusOpen, domain.StatusInProgress},
		{domain.StatusOpen, domain.StatusCompleted},
		{domain.StatusAssigned, domain.StatusUnderReview},
		{domain.StatusCompleted, domain.StatusApproved},
		{domain.StatusUnderReview, domain.StatusPaid},
		{domain.StatusRejected, domain.StatusApproved},
		{domain.StatusPaid, domain.StatusOpen},
		{domain.StatusApproved, domain.StatusRejected},
	}
	for _, tr := range denied {
		err := ensureTaskTransition("t", tr[0], tr[1])
		var trErr InvalidTransitionError
		require.ErrorAs(t, err, &trErr, "%s -> %s", tr[0], tr[1])
		require.Equal(t, tr[0], trErr.From)
		require.Equal(t, tr[1], trErr.To)
	}
}

func TestGuardErrorMessages(t *testing.T) {
	require.Contains(t, LevelTooLowError{Required: 3, Actual: 1}.Error(), "level 3")
	require.Contains(t, NotOwnerError{TaskID: "t1", ActorID: "a1"}.Error(), "a1")
	require.Contains(t, AlreadyAssignedError{TaskID: "t1"}.Error(), "t1")
}
