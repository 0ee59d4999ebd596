// Package compensation turns valuation output and org tunables into concrete
// amounts for each stakeholder. Every function is side-effect-free and
// returns a structured breakdown for audit; writing the result to the ledger
// is the caller's job.
package compensation

import (
	"fmt"
	"math"

	"payline/internal/valuation"
)

// RBounds clamp the salary mixer r to an organization's policy range.
type RBounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Blend is the employee salary split for a single task payout event.
type Blend struct {
	R           float64 `json:"r"`
	BasePortion float64 `json:"base_portion"`
	TaskPortion float64 `json:"task_portion"`
}

// EmployeePayout splits compensation between fixed base salary and task pay.
// r outside [0,1] is a data-integrity bug and is rejected before clamping to
// the org bounds. The task-triggered event only ever pays TaskPortion; the
// base portion is a payroll concern.
func EmployeePayout(baseSalaryMonthly, r, taskValue float64, bounds RBounds) (Blend, error) {
	if math.IsNaN(r) || r < 0 || r > 1 {
		return Blend{}, fmt.Errorf("salary mixer r=%v outside [0,1]", r)
	}
	if baseSalaryMonthly < 0 || math.IsNaN(baseSalaryMonthly) {
		return Blend{}, fmt.Errorf("base salary %v invalid", baseSalaryMonthly)
	}
	if taskValue < 0 || math.IsNaN(taskValue) {
		return Blend{}, fmt.Errorf("task value %v invalid", taskValue)
	}
	if r < bounds.Min {
		r = bounds.Min
	}
	if r > bounds.Max {
		r = bounds.Max
	}
	return Blend{
		R:           r,
		BasePortion: baseSalaryMonthly * r,
		TaskPortion: taskValue * (1 - r),
	}, nil
}

// QCBreakdown records the inputs behind a per-pass QC payout.
type QCBreakdown struct {
	Pass   int     `json:"pass"`
	V      float64 `json:"v"`
	P0     float64 `json:"p0"`
	Beta   float64 `json:"beta"`
	Gamma  float64 `json:"gamma"`
	Amount float64 `json:"amount"`
}

// QCPayout pays the marginal for one specific pass. Prior passes were paid
// when they happened; nothing here is cumulative.
func QCPayout(p valuation.Params, pass int) (QCBreakdown, error) {
	d, err := valuation.MarginalForPass(p, pass)
	if err != nil {
		return QCBreakdown{}, err
	}
	return QCBreakdown{
		Pass:   pass,
		V:      p.V,
		P0:     p.P0,
		Beta:   p.Beta,
		Gamma:  p.Gamma,
		Amount: d,
	}, nil
}

// PMBreakdown records the PM profit-share computation.
type PMBreakdown struct {
	Budget    float64 `json:"budget"`
	Spent     float64 `json:"spent"`
	X         float64 `json:"x"`
	Overdraft float64 `json:"overdraft"`
	Penalty   float64 `json:"penalty"`
	Bonus     float64 `json:"bonus"`
	Amount    float64 `json:"amount"`
}

// PMPayout computes the PM profit share with an overdraft penalty. The outer
// floor guarantees the payout is never negative.
func PMPayout(budget, spent, x, overdraftPenalty, bonus float64) PMBreakdown {
	overdraft := math.Max(0, spent-budget)
	amount := math.Max(0, (budget-spent)*x-overdraft*(overdraftPenalty*x)+bonus)
	return PMBreakdown{
		Budget:    budget,
		Spent:     spent,
		X:         x,
		Overdraft: overdraft,
		Penalty:   overdraftPenalty,
		Bonus:     bonus,
		Amount:    amount,
	}
}

// SalesBreakdown records a commission computation.
type SalesBreakdown struct {
	Base         float64 `json:"base"`
	DaysToPickup float64 `json:"days_to_pickup"`
	Factor       float64 `json:"factor"`
	Amount       float64 `json:"amount"`
}

// SalesCommission applies a decay strategy to the base commission. decay must
// be monotonically non-increasing with range (0,1].
func SalesCommission(base, daysToPickup float64, decay DecayFunc) (SalesBreakdown, error) {
	if base < 0 || math.IsNaN(base) {
		return SalesBreakdown{}, fmt.Errorf("commission base %v invalid", base)
	}
	if daysToPickup < 0 || math.IsNaN(daysToPickup) {
		return SalesBreakdown{}, fmt.Errorf("days to pickup %v invalid", daysToPickup)
	}
	if decay == nil {
		return SalesBreakdown{}, fmt.Errorf("decay function required")
	}
	factor := decay(daysToPickup)
	if factor <= 0 || factor > 1 || math.IsNaN(factor) {
		return SalesBreakdown{}, fmt.Errorf("decay factor %v outside (0,1]", factor)
	}
	return SalesBreakdown{
		Base:         base,
		DaysToPickup: daysToPickup,
		Factor:       factor,
		Amount:       base * factor,
	}, nil
}
