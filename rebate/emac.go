/*
emac.go - Component E: three-way EMAC reconciliation

PURPOSE:
  Reconciles one vendor-declared EMAC statement against the invoices and
  the agreement for the same (tenant, laboratory, period), and separately
  detects months with invoice activity but no covering EMAC.

GROUNDED ON:
  backend/app/services/emac_verification_engine.py (original_source),
  carried check-by-check with the same tolerance constants.

SEE ALSO:
  - verify.go: sibling seven-check verifier for invoices
  - money.go: RoundMoney, PctOf
*/
package rebate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tolerances, grounded on emac_verification_engine.py's module constants.
var (
	EMACCAPctWarning   = decimal.NewFromFloat(1.0)
	EMACCAPctCritical  = decimal.NewFromFloat(5.0)
	EMACRFAPctWarning  = decimal.NewFromFloat(2.0)
	EMACRFAPctCritical = decimal.NewFromFloat(5.0)
	EMACCOPTolerance   = decimal.NewFromFloat(50.0)
	EMACAmountTolerance = decimal.NewFromFloat(1.0)
)

// InvoiceCASource supplies the real invoice-derived CA for an EMAC's
// period, and the set of invoices for missing-EMAC detection.
type InvoiceCASource interface {
	InvoicesInPeriod(ctx context.Context, tenantID TenantID, laboratoryID LaboratoryID, start, end time.Time) ([]Invoice, error)
}

// EMACReconciler runs the three crosschecks and missing-EMAC detection.
type EMACReconciler struct {
	Invoices InvoiceCASource
}

// NewEMACReconciler returns a reconciler backed by source.
func NewEMACReconciler(source InvoiceCASource) *EMACReconciler {
	return &EMACReconciler{Invoices: source}
}

// Verify runs all three checks, mutating emac's computed fields in place
// and returning the anomalies found. agreement may be nil, in which case
// check 2 is skipped and an info anomaly records the absent agreement.
func (r *EMACReconciler) Verify(ctx context.Context, emac *EMAC, agreement *LaboratoryAgreement, tiers []Tier) ([]EMACAnomaly, error) {
	var anomalies []EMACAnomaly

	caAnoms, err := r.checkEMACvsInvoices(ctx, emac)
	if err != nil {
		return nil, err
	}
	anomalies = append(anomalies, caAnoms...)

	if agreement != nil {
		anomalies = append(anomalies, r.checkEMACvsAgreement(emac, agreement, tiers)...)
	} else {
		anomalies = append(anomalies, EMACAnomaly{
			EMACID:      emac.ID,
			Kind:        "no_active_agreement",
			Severity:    SeverityInfo,
			Description: "no active agreement found for this laboratory at verification time",
		})
	}

	anomalies = append(anomalies, r.checkCoherenceInterne(emac)...)

	emac.NbAnomalies = len(anomalies)
	emac.Statut = aggregateSeverity(anomalies)
	emac.MontantRecouvrable = recoverableAmount(anomalies)
	return anomalies, nil
}

// checkEMACvsInvoices is check 1.
func (r *EMACReconciler) checkEMACvsInvoices(ctx context.Context, emac *EMAC) ([]EMACAnomaly, error) {
	invoices, err := r.Invoices.InvoicesInPeriod(ctx, emac.TenantID, emac.LaboratoryID, emac.PeriodStart, emac.PeriodEnd)
	if err != nil {
		return nil, err
	}
	caReel := decimal.Zero
	for _, inv := range invoices {
		caReel = caReel.Add(inv.BrutHT)
	}
	emac.CaReel = caReel
	emac.NbInvoicesMatched = len(invoices)

	ecart := emac.DeclaredCA.Sub(caReel)
	emac.EcartCA = ecart
	if emac.DeclaredCA.IsZero() {
		emac.EcartCAPct = decimal.Zero
	} else {
		emac.EcartCAPct = PctOf(ecart.Abs(), emac.DeclaredCA)
	}

	if caReel.IsZero() && emac.DeclaredCA.GreaterThan(decimal.Zero) {
		return []EMACAnomaly{{
			EMACID:         emac.ID,
			Kind:           "ca_no_invoices_found",
			Severity:       SeverityCritical,
			Description:    "no invoices found in period despite declared CA",
			MontantEcart:   &emac.DeclaredCA,
			ActionSuggeree: "request supporting invoices from laboratory",
		}}, nil
	}

	if ecart.IsZero() {
		return nil, nil
	}
	severity := severityForPct(emac.EcartCAPct, EMACCAPctWarning, EMACCAPctCritical)
	if severity == "" {
		return nil, nil
	}
	amt := RoundMoney(ecart.Abs())
	return []EMACAnomaly{{
		EMACID:         emac.ID,
		Kind:           "ca_mismatch",
		Severity:       severity,
		Description:    "declared CA deviates from invoice-derived CA",
		MontantEcart:   &amt,
		ActionSuggeree: "reconcile declared CA against invoices for the period",
	}}, nil
}

// checkEMACvsAgreement is check 2.
func (r *EMACReconciler) checkEMACvsAgreement(emac *EMAC, agreement *LaboratoryAgreement, tiers []Tier) []EMACAnomaly {
	var out []EMACAnomaly

	base := emac.CaReel
	if base.IsZero() {
		base = emac.DeclaredCA
	}
	rate := rateForCumulative(tiers, base)
	rfaAttendue := RoundMoney(base.Mul(rate).Div(decimal.NewFromInt(100)))
	emac.RFAAttendueCalculee = rfaAttendue
	ecartRFA := emac.DeclaredRFA.Sub(rfaAttendue)
	emac.EcartRFA = ecartRFA

	if ecartRFA.Abs().GreaterThan(EMACAmountTolerance) {
		var pct decimal.Decimal
		if rfaAttendue.IsZero() {
			pct = decimal.NewFromInt(100)
		} else {
			pct = PctOf(ecartRFA.Abs(), rfaAttendue)
		}
		severity := severityForPct(pct, EMACRFAPctWarning, EMACRFAPctCritical)
		if severity != "" {
			amt := RoundMoney(ecartRFA.Abs())
			out = append(out, EMACAnomaly{
				EMACID:         emac.ID,
				Kind:           "rfa_mismatch",
				Severity:       severity,
				Description:    "declared RFA deviates from the rate computed from the agreement tier",
				MontantEcart:   &amt,
				ActionSuggeree: "reconcile declared RFA against the applicable tier rate",
			})
		}
	}

	if emac.DeclaredCOP.GreaterThan(decimal.Zero) {
		out = append(out, EMACAnomaly{
			EMACID:         emac.ID,
			Kind:           "cop_manual_review",
			Severity:       SeverityInfo,
			Description:    "declared cooperation amount requires manual review (no closed-form check)",
			ActionSuggeree: "manually verify cooperation amount against agreement",
		})
	}

	if emac.RemainingBalance.GreaterThan(EMACCOPTolerance) {
		out = append(out, EMACAnomaly{
			EMACID:         emac.ID,
			Kind:           "amount_not_remitted",
			Severity:       SeverityWarning,
			Description:    "laboratory still owes a remaining balance on this EMAC",
			MontantEcart:   &emac.RemainingBalance,
			ActionSuggeree: "follow up with the laboratory for the outstanding balance",
		})
	}

	if agreement.EscompteRate.GreaterThan(decimal.Zero) {
		expectedEscompte := RoundMoney(emac.DeclaredCA.Mul(agreement.EscompteRate).Div(decimal.NewFromInt(100)))
		half := expectedEscompte.Mul(decimal.NewFromFloat(0.5))
		if emac.OtherAdvantages.LessThan(half) {
			out = append(out, EMACAnomaly{
				EMACID:         emac.ID,
				Kind:           "escompte_opportunity",
				Severity:       SeverityOpportunity,
				Description:    "other advantages understate the expected prompt-payment discount",
				MontantEcart:   &expectedEscompte,
				ActionSuggeree: "request escompte reconciliation from laboratory",
			})
		}
	}

	return out
}

// checkCoherenceInterne is check 3.
func (r *EMACReconciler) checkCoherenceInterne(emac *EMAC) []EMACAnomaly {
	var out []EMACAnomaly

	sum := emac.DeclaredRFA.Add(emac.DeclaredCOP).Add(emac.DeclaredDiffere).Add(emac.OtherAdvantages)
	if sum.Sub(emac.TotalDeclared).Abs().GreaterThan(EMACAmountTolerance) {
		diff := RoundMoney(sum.Sub(emac.TotalDeclared))
		out = append(out, EMACAnomaly{
			EMACID:         emac.ID,
			Kind:           "internal_incoherence",
			Severity:       SeverityWarning,
			Description:    "sum of declared advantage components does not match total_declared_advantages",
			MontantEcart:   &diff,
			ActionSuggeree: "request corrected EMAC breakdown from laboratory",
		})
	}

	expectedBalance := emac.TotalDeclared.Sub(emac.AmountPaid)
	if expectedBalance.LessThan(decimal.Zero) {
		expectedBalance = decimal.Zero
	}
	if expectedBalance.Sub(emac.RemainingBalance).Abs().GreaterThan(EMACAmountTolerance) {
		diff := RoundMoney(expectedBalance.Sub(emac.RemainingBalance))
		out = append(out, EMACAnomaly{
			EMACID:         emac.ID,
			Kind:           "balance_incoherence",
			Severity:       SeverityWarning,
			Description:    "remaining balance does not match max(0, total - paid)",
			MontantEcart:   &diff,
			ActionSuggeree: "request corrected EMAC balance from laboratory",
		})
	}

	return out
}

// DetectMissing finds, for a tenant and year, every (laboratory, month)
// with invoice activity but no EMAC covering the month. Open Question (a)
// resolution: any overlap counts as covered.
func (r *EMACReconciler) DetectMissing(ctx context.Context, tenantID TenantID, year int, laboratories []LaboratoryID, existing []EMAC, now time.Time) ([]MissingEMAC, error) {
	var missing []MissingEMAC
	for _, labID := range laboratories {
		for month := 1; month <= 12; month++ {
			monthStart := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
			if monthStart.After(now) {
				break
			}
			monthEnd := AddCalendarMonths(monthStart, 1).AddDate(0, 0, -1)

			invoices, err := r.Invoices.InvoicesInPeriod(ctx, tenantID, labID, monthStart, monthEnd)
			if err != nil {
				return nil, err
			}
			if len(invoices) == 0 {
				continue
			}
			if coveredByAny(existing, labID, monthStart, monthEnd) {
				continue
			}
			ca := decimal.Zero
			for _, inv := range invoices {
				ca = ca.Add(inv.BrutHT)
			}
			missing = append(missing, MissingEMAC{
				LaboratoryID: labID,
				PeriodStart:  monthStart,
				PeriodEnd:    monthEnd,
				MonthCA:      ca,
				InvoiceCount: len(invoices),
			})
		}
	}
	return missing, nil
}

func coveredByAny(existing []EMAC, labID LaboratoryID, start, end time.Time) bool {
	for _, e := range existing {
		if e.LaboratoryID != labID {
			continue
		}
		if intervalsOverlap(start, end, e.PeriodStart, e.PeriodEnd) {
			return true
		}
	}
	return false
}

func intervalsOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}

func rateForCumulative(tiers []Tier, cumulative decimal.Decimal) decimal.Decimal {
	for _, t := range tiers {
		if t.Contains(cumulative) {
			return t.Rate
		}
	}
	return decimal.Zero
}

func severityForPct(pct, warning, critical decimal.Decimal) Severity {
	switch {
	case pct.GreaterThanOrEqual(critical):
		return SeverityCritical
	case pct.GreaterThanOrEqual(warning):
		return SeverityWarning
	case pct.GreaterThan(decimal.Zero):
		return SeverityInfo
	default:
		return ""
	}
}

// aggregateSeverity implements update_emac_status: any critical wins,
// else any warning, else conforme.
func aggregateSeverity(anomalies []EMACAnomaly) EMACStatus {
	sawWarning := false
	for _, a := range anomalies {
		if a.Severity == SeverityCritical {
			return EMACAnomalie
		}
		if a.Severity == SeverityWarning {
			sawWarning = true
		}
	}
	if sawWarning {
		return EMACEcartDetecte
	}
	return EMACConforme
}

func recoverableAmount(anomalies []EMACAnomaly) decimal.Decimal {
	total := decimal.Zero
	for _, a := range anomalies {
		if a.MontantEcart == nil {
			continue
		}
		switch a.Kind {
		case "ca_mismatch", "rfa_mismatch", "ca_no_invoices_found":
			total = total.Add(*a.MontantEcart)
		}
	}
	return total
}
