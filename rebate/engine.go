/*
engine.go - Component C: the staged rebate engine

PURPOSE:
  Computes the immutable InvoiceRebateSchedule for one invoice under the
  active agreement of the same (tenant, laboratory). This is the deepest
  subsystem in the package: it partitions invoice lines by tranche,
  ventilates every stage's rate against its own tranche base, and never
  collapses the invoice into one dominant tranche.

CRITICAL CORRECTNESS PROPERTY:
  amount_S = round(base_A * rate_A(s), 2) + round(base_B * rate_B(s), 2)
  NEVER   = round(base_eligible * rate_dominant(s), 2)

  This is the bug the engine exists to not reintroduce. See engine_test.go
  for the ventilated-rebate scenario that pins this down.

SEE ALSO:
  - classify.go: tranche assignment feeding base_A/base_B
  - calendar.go: AddCalendarMonths for due_date_S
  - ledger.go: ScheduleLedger, which persists Compute/Recompute results
*/
package rebate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Engine computes staged rebate schedules. It is stateless and safe for
// concurrent use; all mutable state lives in its arguments.
type Engine struct{}

// NewEngine returns a ready-to-use Engine.
func NewEngine() *Engine { return &Engine{} }

// Compute produces a forecast InvoiceRebateSchedule. It does not persist
// anything; the caller (store/sqlite or a test) is responsible for the
// cancel-and-recreate write the ledger performs.
//
// yearlyCumulative is the tenant-scoped yearly cumulative brut_ht for this
// laboratory, used only to evaluate conditional_percentage stages.
func (e *Engine) Compute(invoice Invoice, agreement LaboratoryAgreement, structure Structure, yearlyCumulative decimal.Decimal) (*InvoiceRebateSchedule, error) {
	if err := ValidateConfig(agreement.AgreementConfig, structure); err != nil {
		return nil, err
	}

	classified := ClassifyLines(invoice.Lines)

	var baseA, baseB decimal.Decimal
	for _, l := range classified {
		switch l.Tranche {
		case TrancheA:
			baseA = baseA.Add(l.MontantHT)
		case TrancheB:
			baseB = baseB.Add(l.MontantHT)
		}
		// OTC lines are discarded from the RFA base entirely.
	}
	baseEligible := baseA.Add(baseB)

	stages := append([]StageDefinition(nil), structure.Stages...)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })

	entries := make([]RebateEntry, 0, len(stages))
	expectedA := decimal.Zero
	expectedB := decimal.Zero
	montantPrevu := decimal.Zero

	for _, stage := range stages {
		rateA := agreement.AgreementConfig.TrancheA.Stages[stage.StageID]
		rateB := agreement.AgreementConfig.TrancheB.Stages[stage.StageID]

		amountA := RoundMoney(baseA.Mul(rateA.EffectiveRate()))
		amountB := RoundMoney(baseB.Mul(rateB.EffectiveRate()))
		amount := amountA.Add(amountB)

		expectedA = expectedA.Add(amountA)
		expectedB = expectedB.Add(amountB)
		montantPrevu = montantPrevu.Add(amount)

		dueDate := AddCalendarMonths(invoice.Date, stage.DelayMonths)
		status := stageStatus(stage, rateA, rateB, yearlyCumulative)

		entries = append(entries, RebateEntry{
			StageID: stage.StageID,
			DueDate: dueDate,
			Amount:  amount,
			Status:  status,
		})
	}

	tauxApplique := decimal.Zero
	if baseEligible.GreaterThan(decimal.Zero) {
		tauxApplique = montantPrevu.Div(baseEligible)
	}

	schedule := &InvoiceRebateSchedule{
		TenantID:      invoice.TenantID,
		AgreementID:   agreement.ID,
		InvoiceID:     invoice.ID,
		MontantBaseHT: baseEligible,
		TauxApplique:  tauxApplique,
		MontantPrevu:  montantPrevu,
		AppliedConfig: AppliedConfigSnapshot{
			AgreementConfig:  agreement.AgreementConfig,
			Structure:        structure,
			TemplateVersion:  agreement.TemplateVersion,
			AgreementVersion: agreement.Version,
		}.Clone(),
		TrancheBreakdown: map[Tranche]TrancheBreakdown{
			TrancheA: {Base: baseA, Expected: expectedA},
			TrancheB: {Base: baseB, Expected: expectedB},
		},
		RebateEntries:    entries,
		Status:           ScheduleForecast,
		InvoiceDate:      invoice.Date,
		InvoiceAmount:    invoice.BrutHT,
		AgreementVersion: agreement.Version,
	}
	return schedule, nil
}

// stageStatus determines a single entry's status.
func stageStatus(stage StageDefinition, rateA, rateB StageRate, yearlyCumulative decimal.Decimal) StageStatus {
	if stage.DelayMonths == 0 {
		return StageReceived
	}
	if stage.RateType == RateConditionalPercentage {
		if conditionUnmet(rateA, yearlyCumulative) || conditionUnmet(rateB, yearlyCumulative) {
			return StageConditional
		}
	}
	return StageScheduled
}

func conditionUnmet(r StageRate, yearlyCumulative decimal.Decimal) bool {
	if r.ConditionThreshold == nil {
		return false
	}
	return yearlyCumulative.LessThan(*r.ConditionThreshold)
}

// ValidateConfig checks the agreement_config invariants the compute step
// failure modes require: every stage referenced by structure must have a
// tranche entry, rates fall within [0, max_rebate], and the cumulative
// rate of incremental stages is consistent with the sum of increments to
// within 1e-6.
func ValidateConfig(cfg AgreementConfig, structure Structure) error {
	epsilon := decimal.New(1, -6)

	for _, tc := range []struct {
		name string
		cfg  TrancheConfig
	}{{"tranche_A", cfg.TrancheA}, {"tranche_B", cfg.TrancheB}} {
		cumulative := decimal.Zero
		sawIncremental := false
		for _, stage := range structure.Stages {
			rate, ok := tc.cfg.Stages[stage.StageID]
			if !ok {
				return &InvalidConfigError{Field: tc.name + ".stages." + stage.StageID, Reason: "missing stage"}
			}
			if rate.EffectiveRate().LessThan(decimal.Zero) || rate.EffectiveRate().GreaterThan(tc.cfg.MaxRebate) {
				return &InvalidConfigError{
					Field:  tc.name + ".stages." + stage.StageID,
					Reason: "rate outside [0, max_rebate]",
				}
			}
			if rate.Kind == RateIncrementalPercentage || rate.Kind == RateConditionalPercentage {
				cumulative = cumulative.Add(rate.IncrementalRate)
				sawIncremental = true
				if !rate.CumulativeRate.IsZero() && rate.CumulativeRate.Sub(cumulative).Abs().GreaterThan(epsilon) {
					return &InvalidConfigError{
						Field:  tc.name + ".stages." + stage.StageID,
						Reason: "cumulative_rate inconsistent with sum of incremental rates",
					}
				}
			}
		}
		_ = sawIncremental
	}
	return nil
}

// Recomputed is the result of a recompute: the cancelled old schedule (if
// any) and the newly computed one.
type Recomputed struct {
	Cancelled *InvoiceRebateSchedule
	New       *InvoiceRebateSchedule
}

// Recompute runs Compute and, if prior is non-nil, marks it cancelled and
// carries its MontantRecu forward as PriorReceivedAmount metadata rather
// than onto the new schedule's MontantRecu field — see SPEC_FULL.md §9
// Open Question (b) for the rationale. It performs no I/O; the caller
// persists both halves of the result in one transaction.
func (e *Engine) Recompute(invoice Invoice, agreement LaboratoryAgreement, structure Structure, yearlyCumulative decimal.Decimal, prior *InvoiceRebateSchedule) (*Recomputed, error) {
	next, err := e.Compute(invoice, agreement, structure, yearlyCumulative)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return &Recomputed{New: next}, nil
	}
	cancelled := *prior
	cancelled.Status = ScheduleCancelled
	if prior.MontantRecu != nil {
		v := *prior.MontantRecu
		next.AppliedConfig.PriorReceivedAmount = &v
	}
	return &Recomputed{Cancelled: &cancelled, New: next}, nil
}

// MergeReceivedAmount records a received amount on an existing
// (non-cancelled) schedule: it sets MontantRecu, Ecart and DateReception,
// and sets Status to received when the amount matches MontantPrevu within
// MoneyEqual's tolerance, discrepancy otherwise. No other field changes.
func MergeReceivedAmount(schedule *InvoiceRebateSchedule, amount decimal.Decimal, at time.Time) error {
	if schedule.Status == ScheduleCancelled {
		return &InvariantViolationError{Invariant: "schedule_immutable", Detail: "cannot merge received amount onto a cancelled schedule"}
	}
	v := amount
	schedule.MontantRecu = &v
	ecart := RoundMoney(amount.Sub(schedule.MontantPrevu))
	schedule.Ecart = &ecart
	schedule.DateReception = &at
	if MoneyEqual(amount, schedule.MontantPrevu) {
		schedule.Status = ScheduleReceived
	} else {
		schedule.Status = ScheduleDiscrepancy
	}
	return nil
}
