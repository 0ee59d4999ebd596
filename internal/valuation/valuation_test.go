package valuation

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstPassNoNormalization(t *testing.T) {
	m, err := ComputeMarginals(Params{V: 100, P0: 0.8, Beta: 0.25, Gamma: 0.4, K: 1})
	require.NoError(t, err)
	require.InDelta(t, 70, m.V0, 1e-9)
	require.Len(t, m.D, 1)
	require.InDelta(t, 20, m.D[0], 1e-9)
	require.InDelta(t, 1, m.Alpha, 1e-9)
	require.InDelta(t, 20, m.Total, 1e-9)
}

func TestNormalizationTriggers(t *testing.T) {
	m, err := ComputeMarginals(Params{V: 100, P0: 1.0, Beta: 0.5, Gamma: 0.5, K: 5})
	require.NoError(t, err)
	// raw total = 50 * (1 + 0.5 + 0.25 + 0.125 + 0.0625) = 96.875
	wantAlpha := 30.0 / 96.875
	require.InDelta(t, wantAlpha, m.Alpha, 1e-9)
	require.InDelta(t, 50*wantAlpha, m.D[0], 1e-9)
	require.LessOrEqual(t, m.V0+m.Total, 100+1e-9)
}

func TestZeroConfidence(t *testing.T) {
	m, err := ComputeMarginals(Params{V: 100, P0: 0, Beta: 0.25, Gamma: 0.4, K: 4})
	require.NoError(t, err)
	for _, d := range m.D {
		require.Zero(t, d)
	}
	require.Zero(t, m.Total)
}

func TestZeroPasses(t *testing.T) {
	m, err := ComputeMarginals(Params{V: 100, P0: 0.9, Beta: 0.25, Gamma: 0.4, K: 0})
	require.NoError(t, err)
	require.Empty(t, m.D)
	require.Zero(t, m.Total)
}

func TestMonotoneDecay(t *testing.T) {
	m, err := ComputeMarginals(Params{V: 500, P0: 0.9, Beta: 0.3, Gamma: 0.6, K: 8})
	require.NoError(t, err)
	for k := 1; k < len(m.D); k++ {
		require.LessOrEqual(t, m.D[k], m.D[k-1], "pass %d", k+1)
	}
}

func TestInvalidInputsRejected(t *testing.T) {
	cases := map[string]Params{
		"negative V": {V: -1, P0: 0.5, Beta: 0.25, Gamma: 0.4, K: 1},
		"nan V":      {V: math.NaN(), P0: 0.5, Beta: 0.25, Gamma: 0.4, K: 1},
		"p0 above 1": {V: 10, P0: 1.5, Beta: 0.25, Gamma: 0.4, K: 1},
		"zero beta":  {V: 10, P0: 0.5, Beta: 0, Gamma: 0.4, K: 1},
		"gamma 1":    {V: 10, P0: 0.5, Beta: 0.25, Gamma: 1, K: 1},
		"negative K": {V: 10, P0: 0.5, Beta: 0.25, Gamma: 0.4, K: -1},
	}
	for name, p := range cases {
		_, err := ComputeMarginals(p)
		require.Error(t, err, name)
		var ie InvalidInputError
		require.ErrorAs(t, err, &ie, name)
	}
}

func TestBudgetInvariantProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		p := Params{
			V:     rng.Float64() * 10000,
			P0:    rng.Float64(),
			Beta:  rng.Float64()*5 + 1e-6,
			Gamma: rng.Float64()*0.98 + 0.01,
			K:     rng.Intn(20),
		}
		m, err := ComputeMarginals(p)
		require.NoError(t, err)
		require.LessOrEqual(t, m.V0+m.Total, p.V+1e-6, "params %+v", p)
	}
}

func TestPerPassPayoutsNeverOverspend(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 500; i++ {
		p := Params{
			V:     rng.Float64() * 1000,
			P0:    rng.Float64(),
			Beta:  rng.Float64()*3 + 1e-6,
			Gamma: rng.Float64()*0.9 + 0.05,
		}
		var paid float64
		for pass := 1; pass <= 10; pass++ {
			d, err := MarginalForPass(p, pass)
			require.NoError(t, err)
			paid += d
		}
		require.LessOrEqual(t, WorkerBaseline*p.V+paid, p.V+1e-6, "params %+v", p)
	}
}

func TestSecondPassDecaysPreNormalization(t *testing.T) {
	p := Params{V: 100, P0: 0.8, Beta: 0.25, Gamma: 0.4}
	d1, err := MarginalForPass(p, 1)
	require.NoError(t, err)
	d2, err := MarginalForPass(p, 2)
	require.NoError(t, err)
	require.InDelta(t, d1*0.4, d2, 1e-9)
}

func TestExpectedQCPayout(t *testing.T) {
	p := Params{V: 100, P0: 0.8, Beta: 0.25, Gamma: 0.4, K: 1}
	// d1 = 20, E = 20 * 0.2 / (1 - 0.5*0.4)
	e, err := ExpectedQCPayout(p, 0.5)
	require.NoError(t, err)
	require.InDelta(t, 20*0.2/(1-0.2), e, 1e-9)

	_, err = ExpectedQCPayout(p, -0.1)
	require.Error(t, err)
}
