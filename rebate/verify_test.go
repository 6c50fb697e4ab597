package rebate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseAgreement() *LaboratoryAgreement {
	return &LaboratoryAgreement{
		ID:           "agr-1",
		TenantID:     "tenant-1",
		LaboratoryID: "lab-1",
		TargetRateA:  d("2.7"),
		TargetRateB:  d("15"),
	}
}

func TestVerify_DiscountRateAnomaly(t *testing.T) {
	v := NewVerifier()
	invoice := Invoice{ID: "inv-1", ABrut: d("1000"), ARemise: d("22")}
	agreement := baseAgreement()

	anomalies := v.Verify(invoice, agreement, decimal.Zero, nil)

	var found *InvoiceAnomaly
	for i := range anomalies {
		if anomalies[i].Kind == "discount_rate_mismatch" {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found, "expected a discount_rate_mismatch anomaly")
	assert.Equal(t, SeverityCritical, found.Severity)
	require.NotNil(t, found.MontantEcart)
	assert.True(t, found.MontantEcart.Equal(d("5.00")), "montant_ecart = %s, want 5.00", found.MontantEcart)
}

func TestVerify_EscompteOpportunity(t *testing.T) {
	v := NewVerifier()
	agreement := baseAgreement()
	agreement.EscompteRate = d("2")
	agreement.EscompteDelaiJours = 30
	invoice := Invoice{ID: "inv-2", PaymentDelayText: "30 jours", NetHT: d("5000")}

	anomalies := v.Verify(invoice, agreement, decimal.Zero, nil)

	var found *InvoiceAnomaly
	for i := range anomalies {
		if anomalies[i].Kind == "escompte_opportunity" {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, SeverityOpportunity, found.Severity)
	assert.True(t, found.MontantEcart.Equal(d("100.00")))
}

func TestVerify_FreeGoodsMissing(t *testing.T) {
	v := NewVerifier()
	agreement := baseAgreement()
	agreement.GratuitesEnabled = true
	agreement.GratuitesSeuilQte = 10
	invoice := Invoice{
		ID: "inv-3",
		Lines: []InvoiceLine{
			{CIP13: "3400000000009", Quantity: d("23"), PUHT: d("4.50"), RemisePct: d("0")},
		},
	}

	anomalies := v.Verify(invoice, agreement, decimal.Zero, nil)

	var found *InvoiceAnomaly
	for i := range anomalies {
		if anomalies[i].Kind == "missing_free_goods" {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, SeverityOpportunity, found.Severity)
	assert.True(t, found.MontantEcart.Equal(d("9.00")), "amount = %s, want 9.00", found.MontantEcart)
}

func TestVerify_FreeGoodsPresentSuppressesAnomaly(t *testing.T) {
	v := NewVerifier()
	agreement := baseAgreement()
	agreement.GratuitesEnabled = true
	agreement.GratuitesSeuilQte = 10
	invoice := Invoice{
		ID: "inv-3b",
		Lines: []InvoiceLine{
			{CIP13: "3400000000009", Quantity: d("23"), PUHT: d("4.50"), RemisePct: d("0")},
			{CIP13: "3400000000009", Quantity: d("2"), PUHT: d("4.50"), RemisePct: d("100")},
		},
	}
	anomalies := v.Verify(invoice, agreement, decimal.Zero, nil)
	for _, a := range anomalies {
		assert.NotEqual(t, "missing_free_goods", a.Kind)
	}
}

func TestVerify_FreeGoodsUsesFloorNotRoundHalfAway(t *testing.T) {
	v := NewVerifier()
	agreement := baseAgreement()
	agreement.GratuitesEnabled = true
	agreement.GratuitesSeuilQte = 10
	invoice := Invoice{
		ID: "inv-3c",
		Lines: []InvoiceLine{
			{CIP13: "3400000000009", Quantity: d("15"), PUHT: d("4.50"), RemisePct: d("0")},
		},
	}

	anomalies := v.Verify(invoice, agreement, decimal.Zero, nil)

	var found *InvoiceAnomaly
	for i := range anomalies {
		if anomalies[i].Kind == "missing_free_goods" {
			found = &anomalies[i]
		}
	}
	require.NotNil(t, found)
	// floor(15/10) = 1, not round-half-away-from-zero(15/10) = 2.
	assert.True(t, found.MontantEcart.Equal(d("4.50")), "amount = %s, want 4.50", found.MontantEcart)
}

func TestVerify_NoAgreementOnlyRunsDataQualityChecks(t *testing.T) {
	v := NewVerifier()
	invoice := Invoice{
		ID: "inv-4",
		Lines: []InvoiceLine{
			{CIP13: "3400000000010", TauxTVA: d("2.10"), RemisePct: d("1.0"), Tranche: TrancheOTC,
				PUHT: d("10"), Quantity: d("10"), PUAfterRemise: d("9.90"), MontantHT: d("99"), MontantBrut: d("100")},
		},
	}
	anomalies := v.Verify(invoice, nil, decimal.Zero, nil)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "vat_tranche_mismatch", anomalies[0].Kind)
}

func TestVerify_Idempotent(t *testing.T) {
	v := NewVerifier()
	agreement := baseAgreement()
	invoice := Invoice{ID: "inv-5", ABrut: d("1000"), ARemise: d("22")}

	first := v.Verify(invoice, agreement, decimal.Zero, nil)
	second := v.Verify(invoice, agreement, decimal.Zero, nil)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Kind, second[i].Kind)
		assert.Equal(t, first[i].Severity, second[i].Severity)
	}
}

func TestVerify_ArithmeticMismatch(t *testing.T) {
	v := NewVerifier()
	invoice := Invoice{
		ID: "inv-6",
		Lines: []InvoiceLine{
			{CIP13: "3400000000011", PUHT: d("10"), RemisePct: d("10"), PUAfterRemise: d("9.50"), Quantity: d("5"), MontantHT: d("45"), MontantBrut: d("50")},
		},
	}
	anomalies := v.Verify(invoice, nil, decimal.Zero, nil)
	found := false
	for _, a := range anomalies {
		if a.Kind == "line_arithmetic_mismatch" {
			found = true
		}
	}
	assert.True(t, found, "expected an arithmetic mismatch anomaly")
}
