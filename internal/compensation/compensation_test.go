package compensation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"payline/internal/valuation"
)

func TestEmployeeBlend(t *testing.T) {
	b, err := EmployeePayout(3000, 0.7, 500, RBounds{Min: 0, Max: 1})
	require.NoError(t, err)
	require.InDelta(t, 2100, b.BasePortion, 1e-9)
	require.InDelta(t, 150, b.TaskPortion, 1e-9)
}

func TestEmployeeClampsToOrgBounds(t *testing.T) {
	b, err := EmployeePayout(3000, 0.9, 500, RBounds{Min: 0.2, Max: 0.8})
	require.NoError(t, err)
	require.InDelta(t, 0.8, b.R, 1e-9)

	b, err = EmployeePayout(3000, 0.1, 500, RBounds{Min: 0.2, Max: 0.8})
	require.NoError(t, err)
	require.InDelta(t, 0.2, b.R, 1e-9)
}

func TestEmployeeRejectsOutOfRangeR(t *testing.T) {
	// r outside [0,1] is a data-integrity bug, not something to clamp away.
	_, err := EmployeePayout(3000, 1.2, 500, RBounds{Min: 0, Max: 1})
	require.Error(t, err)
	_, err = EmployeePayout(3000, -0.1, 500, RBounds{Min: 0, Max: 1})
	require.Error(t, err)
}

func TestQCPayoutPaysSinglePass(t *testing.T) {
	p := valuation.Params{V: 100, P0: 0.8, Beta: 0.25, Gamma: 0.4}
	b1, err := QCPayout(p, 1)
	require.NoError(t, err)
	require.InDelta(t, 20, b1.Amount, 1e-9)

	b2, err := QCPayout(p, 2)
	require.NoError(t, err)
	require.InDelta(t, 8, b2.Amount, 1e-9)
}

func TestPMOverdraftFloorsAtZero(t *testing.T) {
	b := PMPayout(1000, 1200, 0.5, 1.5, 50)
	require.InDelta(t, 200, b.Overdraft, 1e-9)
	require.Zero(t, b.Amount)
}

func TestPMUnderBudget(t *testing.T) {
	b := PMPayout(1000, 600, 0.5, 1.5, 50)
	require.Zero(t, b.Overdraft)
	require.InDelta(t, 250, b.Amount, 1e-9)
}

func TestSalesCommissionDecay(t *testing.T) {
	decay := ExponentialDecay(14)
	b, err := SalesCommission(400, 0, decay)
	require.NoError(t, err)
	require.InDelta(t, 400, b.Amount, 1e-9)

	b, err = SalesCommission(400, 14, decay)
	require.NoError(t, err)
	require.InDelta(t, 200, b.Amount, 1e-9)

	// Monotone non-increasing across a sweep.
	prev := 2.0
	for days := 0.0; days <= 90; days += 3 {
		f := decay(days)
		require.LessOrEqual(t, f, prev)
		require.Greater(t, f, 0.0)
		prev = f
	}
}

func TestSalesCommissionRejectsBadDecay(t *testing.T) {
	_, err := SalesCommission(400, 10, func(float64) float64 { return 0 })
	require.Error(t, err)
	_, err = SalesCommission(400, 10, nil)
	require.Error(t, err)
}
