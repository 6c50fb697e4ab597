/*
classify.go - Component A: per-line tranche classification

PURPOSE:
  Assigns each invoice line to tranche A, B, or OTC based on its VAT rate
  and discount percentage. Pure, deterministic, idempotent: no I/O, no
  package state.

RULES:
  taux_tva within 0.01 of TVAEligible (2.10%) -> reimbursable.
    remise_pct <= TrancheAMaxRemise (2.5%) -> A
    otherwise                              -> B
  taux_tva outside that band -> OTC

SEE ALSO:
  - money.go: TVAEligible, TrancheAMaxRemise, VATTolerance
  - verify.go: check 6 (VAT/tranche coherence) re-derives this rule
*/
package rebate

import "github.com/shopspring/decimal"

// ClassifyLine returns a copy of a single invoice line with the derived
// fields (MontantBrut, MontantRemise, Tranche) filled in.
func ClassifyLine(line InvoiceLine) InvoiceLine {
	line.MontantBrut = RoundMoney(line.PUHT.Mul(line.Quantity))
	line.MontantRemise = RoundMoney(line.MontantBrut.Sub(line.MontantHT))
	line.Tranche = tranche(line.TauxTVA, line.RemisePct)
	return line
}

// ClassifyLines classifies every line of a slice, returning a new slice.
func ClassifyLines(lines []InvoiceLine) []InvoiceLine {
	out := make([]InvoiceLine, len(lines))
	for i, l := range lines {
		out[i] = ClassifyLine(l)
	}
	return out
}

func tranche(tauxTVA, remisePct decimal.Decimal) Tranche {
	if !isVATEligible(tauxTVA) {
		return TrancheOTC
	}
	if remisePct.LessThanOrEqual(TrancheAMaxRemise) {
		return TrancheA
	}
	return TrancheB
}

func isVATEligible(tauxTVA decimal.Decimal) bool {
	return tauxTVA.Sub(TVAEligible).Abs().LessThanOrEqual(VATTolerance)
}
