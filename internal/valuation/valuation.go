// Package valuation computes Shapley-style marginal values for QC review
// passes. All functions are pure; callers supply every input explicitly.
package valuation

import (
	"fmt"
	"math"
)

// WorkerBaseline is the fixed fraction of task value reserved for the worker.
const WorkerBaseline = 0.7

// InvalidInputError reports a NaN, negative, or out-of-range numeric input.
// It always indicates a caller bug, never a policy decision, so inputs are
// rejected rather than silently clamped.
type InvalidInputError struct {
	Field string
	Value float64
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid valuation input %s=%v", e.Field, e.Value)
}

// Params are the inputs to a marginal computation.
type Params struct {
	// V is the task budget: dollar value times urgency multiplier.
	V float64
	// P0 is the AI pass probability in [0,1].
	P0 float64
	// Beta is the org qc_beta coefficient, > 0.
	Beta float64
	// Gamma is the org qc_gamma decay, in (0,1).
	Gamma float64
	// K is the number of passes to materialize, >= 0.
	K int
}

// Marginals is the result of ComputeMarginals.
type Marginals struct {
	V0    float64   `json:"v0"`
	D     []float64 `json:"d"`
	Alpha float64   `json:"alpha"`
	Total float64   `json:"total"`
}

func (p Params) validate() error {
	switch {
	case math.IsNaN(p.V) || math.IsInf(p.V, 0) || p.V < 0:
		return InvalidInputError{Field: "V", Value: p.V}
	case math.IsNaN(p.P0) || p.P0 < 0 || p.P0 > 1:
		return InvalidInputError{Field: "p0", Value: p.P0}
	case math.IsNaN(p.Beta) || math.IsInf(p.Beta, 0) || p.Beta <= 0:
		return InvalidInputError{Field: "beta", Value: p.Beta}
	case math.IsNaN(p.Gamma) || p.Gamma <= 0 || p.Gamma >= 1:
		return InvalidInputError{Field: "gamma", Value: p.Gamma}
	case p.K < 0:
		return InvalidInputError{Field: "K", Value: float64(p.K)}
	}
	return nil
}

// ComputeMarginals derives the per-pass marginals d_1..d_K with budget
// normalization. Invariant: v0 + sum(d) <= V for every valid input.
func ComputeMarginals(p Params) (Marginals, error) {
	if err := p.validate(); err != nil {
		return Marginals{}, err
	}
	m := Marginals{
		V0:    WorkerBaseline * p.V,
		Alpha: 1,
	}
	d1 := p.Beta * p.P0 * p.V
	raw := make([]float64, p.K)
	var total float64
	for k := 0; k < p.K; k++ {
		raw[k] = d1 * math.Pow(p.Gamma, float64(k))
		total += raw[k]
	}
	if total > 0 && m.V0+total > p.V {
		alpha := (p.V - m.V0) / total
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
		m.Alpha = alpha
		for k := range raw {
			raw[k] *= alpha
		}
	}
	m.D = raw
	for _, d := range raw {
		m.Total += d
	}
	return m, nil
}

// MarginalForPass returns the payout for a single 1-indexed pass: the
// increment of the normalized cumulative total between pass-1 and pass.
// Equal to raw d_k whenever normalization does not trigger, and the running
// sum of per-pass payouts never exceeds V - v0 even when it does. Earlier
// passes are never re-paid.
func MarginalForPass(p Params, pass int) (float64, error) {
	if pass < 1 {
		return 0, InvalidInputError{Field: "pass", Value: float64(pass)}
	}
	p.K = pass
	cur, err := ComputeMarginals(p)
	if err != nil {
		return 0, err
	}
	p.K = pass - 1
	prev, err := ComputeMarginals(p)
	if err != nil {
		return 0, err
	}
	d := cur.Total - prev.Total
	if d < 0 {
		d = 0
	}
	return d, nil
}

// ExpectedQCPayout is the geometric-series expectation of total QC earnings
// across an indefinite number of rejection/resubmission cycles. pRe is the
// probability a resubmission is itself rejected. Preview only, never a
// ledger write.
func ExpectedQCPayout(p Params, pRe float64) (float64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	if math.IsNaN(pRe) || pRe < 0 || pRe > 1 {
		return 0, InvalidInputError{Field: "pRe", Value: pRe}
	}
	d1 := p.Beta * p.P0 * p.V
	ratio := (1 - pRe) * p.Gamma
	if ratio >= 1 {
		// Degenerate case: avoid division by ~0.
		return d1 * (1 - p.P0), nil
	}
	return d1 * (1 - p.P0) / (1 - ratio), nil
}
