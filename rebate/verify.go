/*
verify.go - Component B: the seven-check invoice verifier

PURPOSE:
  Runs the seven compliance checks against an invoice and its active
  agreement (if any), producing a flat slice of InvoiceAnomaly. If no
  agreement is found, only checks 6 and 7 run; that absence is not
  itself an anomaly.

TOLERANCES:
  0.02 currency unit for absolute amounts
  0.5 percentage point for rates
  10%% proximity for free-goods/thresholds

SEE ALSO:
  - classify.go: canonical tranche assignment, used by checks 1 and 6
  - money.go: rounding and tolerance helpers
*/
package rebate

import (
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
)

var arithmeticTolerance = decimal.NewFromFloat(0.02)
var proximityPct = decimal.NewFromFloat(10.0)
var discountRateTolerance = decimal.NewFromFloat(0.5)

// delayDigits extracts the first run of digits from free-text payment
// delay descriptions (e.g. "30 jours" -> 30), mirroring the original
// system's regex-based parse.
var delayDigits = regexp.MustCompile(`\d+`)

// Verifier runs the seven-check compliance pass. Stateless.
type Verifier struct{}

// NewVerifier returns a ready-to-use Verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// Verify runs all applicable checks. agreement may be nil: in that case
// only the data-quality checks (6, 7) run, and that is not an anomaly.
// yearlyCumulative is the tenant-scoped yearly cumulative brut_ht for
// this laboratory, used by the RFA progression check. tiers is the
// progression schedule (agreement.CustomTiers or the referenced
// template's tiers — the caller resolves which).
func (v *Verifier) Verify(invoice Invoice, agreement *LaboratoryAgreement, yearlyCumulative decimal.Decimal, tiers []Tier) []InvoiceAnomaly {
	var anomalies []InvoiceAnomaly

	if agreement != nil {
		anomalies = append(anomalies, v.checkDiscountRate(invoice, agreement)...)
		anomalies = append(anomalies, v.checkEscompte(invoice, agreement)...)
		anomalies = append(anomalies, v.checkFranco(invoice, agreement)...)
		anomalies = append(anomalies, v.checkRFAProgression(invoice, yearlyCumulative, tiers)...)
		anomalies = append(anomalies, v.checkFreeGoods(invoice, agreement)...)
	}
	anomalies = append(anomalies, v.checkVATCoherence(invoice)...)
	anomalies = append(anomalies, v.checkArithmetic(invoice)...)
	return anomalies
}

// checkDiscountRate is check 1.
func (v *Verifier) checkDiscountRate(invoice Invoice, agreement *LaboratoryAgreement) []InvoiceAnomaly {
	var out []InvoiceAnomaly
	type tb struct {
		tranche Tranche
		brut    decimal.Decimal
		remise  decimal.Decimal
		cible   decimal.Decimal
	}
	buckets := []tb{
		{TrancheA, invoice.ABrut, invoice.ARemise, agreement.TargetRateA},
		{TrancheB, invoice.BBrut, invoice.BRemise, agreement.TargetRateB},
		{TrancheOTC, invoice.OTCBrut, invoice.OTCRemise, decimal.Zero},
	}
	for _, b := range buckets {
		if !b.brut.GreaterThan(decimal.Zero) {
			continue
		}
		tauxReel := PctOf(b.remise, b.brut)
		ecart := tauxReel.Sub(b.cible)
		if ecart.Abs().GreaterThanOrEqual(discountRateTolerance) {
			montant := RoundMoney(b.brut.Mul(ecart.Abs()).Div(decimal.NewFromInt(100)))
			out = append(out, InvoiceAnomaly{
				InvoiceID:      invoice.ID,
				Kind:           "discount_rate_mismatch",
				Severity:       SeverityCritical,
				Description:    "discount rate for tranche " + string(b.tranche) + " deviates from agreement target",
				MontantEcart:   &montant,
				ActionSuggeree: "contact laboratory to correct invoiced discount rate",
			})
		}
	}
	return out
}

// checkEscompte is check 2.
func (v *Verifier) checkEscompte(invoice Invoice, agreement *LaboratoryAgreement) []InvoiceAnomaly {
	if agreement.EscompteRate.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	delay, ok := parseDelay(invoice.PaymentDelayText)
	if !ok || delay > agreement.EscompteDelaiJours {
		return nil
	}
	amount := RoundMoney(invoice.NetHT.Mul(agreement.EscompteRate).Div(decimal.NewFromInt(100)))
	return []InvoiceAnomaly{{
		InvoiceID:      invoice.ID,
		Kind:           "escompte_opportunity",
		Severity:       SeverityOpportunity,
		Description:    "invoice payment delay qualifies for prompt-payment discount",
		MontantEcart:   &amount,
		ActionSuggeree: "request escompte application from laboratory",
	}}
}

func parseDelay(text string) (int, bool) {
	m := delayDigits.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// checkFranco is check 3.
func (v *Verifier) checkFranco(invoice Invoice, agreement *LaboratoryAgreement) []InvoiceAnomaly {
	if agreement.FrancoThreshold.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if invoice.BrutHT.LessThan(agreement.FrancoThreshold) {
		fee := agreement.FrancoShippingFee
		return []InvoiceAnomaly{{
			InvoiceID:      invoice.ID,
			Kind:           "franco_not_reached",
			Severity:       SeverityOpportunity,
			Description:    "order total is below the free-shipping threshold",
			MontantEcart:   &fee,
			ActionSuggeree: "consolidate orders to reach the franco threshold",
		}}
	}
	proximityBand := agreement.FrancoThreshold.Mul(proximityPct).Div(decimal.NewFromInt(100))
	if invoice.BrutHT.Sub(agreement.FrancoThreshold).LessThanOrEqual(proximityBand) {
		return []InvoiceAnomaly{{
			InvoiceID:      invoice.ID,
			Kind:           "franco_proximity",
			Severity:       SeverityInfo,
			Description:    "order total is within 10% of the franco threshold; returns could push it under",
			ActionSuggeree: "monitor for returns before accounting for free shipping",
		}}
	}
	return nil
}

// checkRFAProgression is check 4.
func (v *Verifier) checkRFAProgression(invoice Invoice, yearlyCumulative decimal.Decimal, tiers []Tier) []InvoiceAnomaly {
	_, next := locateTiers(tiers, yearlyCumulative)
	if next == nil {
		return nil
	}
	threshold := next.Min
	remaining := threshold.Sub(yearlyCumulative)
	proximityBand := threshold.Mul(proximityPct).Div(decimal.NewFromInt(100))
	if remaining.GreaterThan(proximityBand) {
		return nil
	}
	gain := RoundMoney(yearlyCumulative.Mul(next.Rate).Div(decimal.NewFromInt(100)))
	return []InvoiceAnomaly{{
		InvoiceID:      invoice.ID,
		Kind:           "rfa_progression",
		Severity:       SeverityInfo,
		Description:    "laboratory cumulative revenue is approaching the next RFA tier",
		MontantEcart:   &gain,
		ActionSuggeree: "consider consolidating remaining orders into this laboratory before year end",
	}}
}

// locateTiers returns the tier containing cumulative and the next tier in
// sequence (nil if cumulative is already in the last tier).
func locateTiers(tiers []Tier, cumulative decimal.Decimal) (current, next *Tier) {
	for i := range tiers {
		if tiers[i].Contains(cumulative) {
			current = &tiers[i]
			if i+1 < len(tiers) {
				next = &tiers[i+1]
			}
			return current, next
		}
	}
	return nil, nil
}

// checkFreeGoods is check 5.
func (v *Verifier) checkFreeGoods(invoice Invoice, agreement *LaboratoryAgreement) []InvoiceAnomaly {
	if !agreement.GratuitesEnabled || agreement.GratuitesSeuilQte <= 0 {
		return nil
	}
	seuil := decimal.NewFromInt(int64(agreement.GratuitesSeuilQte))

	freeByCIP := map[string]bool{}
	for _, l := range invoice.Lines {
		if isFreeLine(l) {
			freeByCIP[l.CIP13] = true
		}
	}

	var out []InvoiceAnomaly
	for _, l := range invoice.Lines {
		if isFreeLine(l) {
			continue
		}
		if l.Quantity.LessThan(seuil) {
			continue
		}
		if freeByCIP[l.CIP13] {
			continue
		}
		expectedCount := l.Quantity.Div(seuil).Truncate(0).IntPart()
		if expectedCount <= 0 {
			continue
		}
		amount := RoundMoney(decimal.NewFromInt(expectedCount).Mul(l.PUHT))
		out = append(out, InvoiceAnomaly{
			InvoiceID:      invoice.ID,
			Kind:           "missing_free_goods",
			Severity:       SeverityOpportunity,
			Description:    "line " + l.CIP13 + " qualifies for free goods not present on the invoice",
			MontantEcart:   &amount,
			ActionSuggeree: "claim missing free units from laboratory",
		})
	}
	return out
}

func isFreeLine(l InvoiceLine) bool {
	return l.PUHT.IsZero() || l.RemisePct.Equal(decimal.NewFromInt(100))
}

// checkVATCoherence is check 6.
func (v *Verifier) checkVATCoherence(invoice Invoice) []InvoiceAnomaly {
	var out []InvoiceAnomaly
	for _, l := range invoice.Lines {
		declared := l.Tranche
		if declared == "" {
			continue
		}
		if isVATEligible(l.TauxTVA) && declared == TrancheOTC {
			out = append(out, InvoiceAnomaly{
				InvoiceID:      invoice.ID,
				Kind:           "vat_tranche_mismatch",
				Severity:       SeverityCritical,
				Description:    "line " + l.CIP13 + " has reimbursable VAT but is classified OTC",
				ActionSuggeree: "reclassify line",
			})
		} else if !isVATEligible(l.TauxTVA) && (declared == TrancheA || declared == TrancheB) {
			out = append(out, InvoiceAnomaly{
				InvoiceID:      invoice.ID,
				Kind:           "vat_tranche_mismatch",
				Severity:       SeverityCritical,
				Description:    "line " + l.CIP13 + " has non-reimbursable VAT but is classified " + string(declared),
				ActionSuggeree: "reclassify line",
			})
		}
	}
	return out
}

// checkArithmetic is check 7.
func (v *Verifier) checkArithmetic(invoice Invoice) []InvoiceAnomaly {
	var out []InvoiceAnomaly
	for _, l := range invoice.Lines {
		expectedPUAfterRemise := l.PUHT.Mul(decimal.NewFromInt(1).Sub(l.RemisePct.Div(decimal.NewFromInt(100))))
		if expectedPUAfterRemise.Sub(l.PUAfterRemise).Abs().GreaterThan(arithmeticTolerance) {
			out = append(out, arithmeticAnomaly(invoice.ID, l, "pu_ht*(1-remise_pct/100) != pu_after_remise"))
		}
		expectedMontantHT := l.PUAfterRemise.Mul(l.Quantity)
		if expectedMontantHT.Sub(l.MontantHT).Abs().GreaterThan(arithmeticTolerance) {
			out = append(out, arithmeticAnomaly(invoice.ID, l, "pu_after_remise*qty != montant_ht"))
		}
		expectedMontantBrut := l.PUHT.Mul(l.Quantity)
		if expectedMontantBrut.Sub(l.MontantBrut).Abs().GreaterThan(arithmeticTolerance) {
			out = append(out, arithmeticAnomaly(invoice.ID, l, "pu_ht*qty != montant_brut"))
		}
	}
	return out
}

func arithmeticAnomaly(invoiceID InvoiceID, l InvoiceLine, reason string) InvoiceAnomaly {
	return InvoiceAnomaly{
		InvoiceID:      invoiceID,
		Kind:           "line_arithmetic_mismatch",
		Severity:       SeverityCritical,
		Description:    "line " + l.CIP13 + ": " + reason,
		ActionSuggeree: "verify source document for transcription error",
	}
}
