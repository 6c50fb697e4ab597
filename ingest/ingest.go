/*
Package ingest defines the boundary between an external invoice parser
(PDF/Excel table extraction, out of scope here) and the rebate engine. A
real parser produces a ParsedInvoice; this package only classifies and
normalizes it into a rebate.Invoice ready for verification and scheduling.

SEE ALSO:
  - rebate/classify.go: ClassifyLine, applied to every ingested line
  - api/handlers_invoice.go: the HTTP handler that accepts ParsedInvoice
*/
package ingest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmaverif/rebate-engine/rebate"
)

// ParsedInvoiceLine is the shape a collaborator's parser (or a human
// transcriber) is expected to produce for one invoice line. Tranche is
// deliberately absent: classification happens on ingest, not at parse time.
type ParsedInvoiceLine struct {
	CIP13       string          `json:"cip13"`
	Designation string          `json:"designation"`
	Lot         string          `json:"lot"`
	Quantity    decimal.Decimal `json:"quantity"`
	PUHT        decimal.Decimal `json:"pu_ht"`
	RemisePct   decimal.Decimal `json:"remise_pct"`
	MontantHT   decimal.Decimal `json:"montant_ht"`
	TauxTVA     decimal.Decimal `json:"taux_tva"`
}

// ParsedInvoice is the pre-parsed substitute for a real PDF/Excel extractor.
// A caller that already has structured invoice data (a collaborator's own
// parser, a manual entry form) posts this directly; nothing here attempts
// table extraction itself.
type ParsedInvoice struct {
	TenantID         rebate.TenantID     `json:"tenant_id"`
	LaboratoryID     rebate.LaboratoryID `json:"laboratory_id"`
	Number           string              `json:"number"`
	Date             time.Time           `json:"date"`
	PaymentMode      string              `json:"payment_mode"`
	PaymentDelayText string              `json:"payment_delay_text"`
	Lines            []ParsedInvoiceLine `json:"lines"`
}

// ToInvoice classifies every line and derives the invoice-level totals
// (brut/net/TTC, per-tranche brut/remise) that verify.go's checks read
// directly rather than recomputing from lines on every call.
func (p ParsedInvoice) ToInvoice(id rebate.InvoiceID) (*rebate.Invoice, error) {
	if len(p.Lines) == 0 {
		return nil, fmt.Errorf("ingest: parsed invoice %s has no lines", p.Number)
	}

	lines := make([]rebate.InvoiceLine, len(p.Lines))
	for i, l := range p.Lines {
		puAfterRemise := l.PUHT.Mul(decimal.NewFromInt(1).Sub(l.RemisePct.Div(decimal.NewFromInt(100))))
		lines[i] = rebate.ClassifyLine(rebate.InvoiceLine{
			InvoiceID:     id,
			CIP13:         l.CIP13,
			Designation:   l.Designation,
			Lot:           l.Lot,
			Quantity:      l.Quantity,
			PUHT:          l.PUHT,
			RemisePct:     l.RemisePct,
			PUAfterRemise: rebate.RoundMoney(puAfterRemise),
			MontantHT:     l.MontantHT,
			TauxTVA:       l.TauxTVA,
		})
	}

	inv := &rebate.Invoice{
		ID:               id,
		TenantID:         p.TenantID,
		LaboratoryID:     p.LaboratoryID,
		Number:           p.Number,
		Date:             p.Date,
		PaymentMode:      p.PaymentMode,
		PaymentDelayText: p.PaymentDelayText,
		Status:           "imported",
		Lines:            lines,
	}

	var totalTVA decimal.Decimal
	for _, l := range lines {
		inv.BrutHT = inv.BrutHT.Add(l.MontantBrut)
		inv.NetHT = inv.NetHT.Add(l.MontantHT)
		totalTVA = totalTVA.Add(l.MontantHT.Mul(l.TauxTVA).Div(decimal.NewFromInt(100)))

		switch l.Tranche {
		case rebate.TrancheA:
			inv.ABrut = inv.ABrut.Add(l.MontantBrut)
			inv.ARemise = inv.ARemise.Add(l.MontantRemise)
		case rebate.TrancheB:
			inv.BBrut = inv.BBrut.Add(l.MontantBrut)
			inv.BRemise = inv.BRemise.Add(l.MontantRemise)
		case rebate.TrancheOTC:
			inv.OTCBrut = inv.OTCBrut.Add(l.MontantBrut)
			inv.OTCRemise = inv.OTCRemise.Add(l.MontantRemise)
		}
	}
	inv.TotalTVA = rebate.RoundMoney(totalTVA)
	inv.TTC = rebate.RoundMoney(inv.NetHT.Add(inv.TotalTVA))

	return inv, nil
}
