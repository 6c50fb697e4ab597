package rebate

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestClassifyLine_TrancheA(t *testing.T) {
	line := InvoiceLine{TauxTVA: d("2.10"), RemisePct: d("2.5"), PUHT: d("10"), Quantity: d("10"), MontantHT: d("97.50")}
	got := ClassifyLine(line)
	if got.Tranche != TrancheA {
		t.Fatalf("expected tranche A, got %s", got.Tranche)
	}
}

func TestClassifyLine_TrancheB(t *testing.T) {
	line := InvoiceLine{TauxTVA: d("2.10"), RemisePct: d("2.51"), PUHT: d("10"), Quantity: d("10"), MontantHT: d("97.49")}
	got := ClassifyLine(line)
	if got.Tranche != TrancheB {
		t.Fatalf("expected tranche B, got %s", got.Tranche)
	}
}

func TestClassifyLine_OTC(t *testing.T) {
	line := InvoiceLine{TauxTVA: d("20.00"), RemisePct: d("1.0"), PUHT: d("10"), Quantity: d("10"), MontantHT: d("99")}
	got := ClassifyLine(line)
	if got.Tranche != TrancheOTC {
		t.Fatalf("expected tranche OTC, got %s", got.Tranche)
	}
}

func TestClassifyLine_Idempotent(t *testing.T) {
	line := InvoiceLine{TauxTVA: d("2.10"), RemisePct: d("1.5"), PUHT: d("10"), Quantity: d("5"), MontantHT: d("49.25")}
	once := ClassifyLine(line)
	twice := ClassifyLine(once)
	if once.Tranche != twice.Tranche {
		t.Fatalf("classification not idempotent: %s != %s", once.Tranche, twice.Tranche)
	}
}

func TestClassifyLine_VATBoundaryInclusive(t *testing.T) {
	// 2.11 is within the 0.01 tolerance band of 2.10.
	line := InvoiceLine{TauxTVA: d("2.11"), RemisePct: d("1.0"), PUHT: d("10"), Quantity: d("1"), MontantHT: d("9.90")}
	got := ClassifyLine(line)
	if got.Tranche == TrancheOTC {
		t.Fatalf("expected reimbursable tranche at VAT boundary, got OTC")
	}
}
