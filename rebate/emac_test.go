package rebate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeInvoiceSource struct {
	invoices []Invoice
}

func (s *fakeInvoiceSource) InvoicesInPeriod(ctx context.Context, tenantID TenantID, laboratoryID LaboratoryID, start, end time.Time) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range s.invoices {
		if inv.TenantID != tenantID || inv.LaboratoryID != laboratoryID {
			continue
		}
		if inv.Date.Before(start) || inv.Date.After(end) {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func TestEMACReconciler_MissingEMACDetection(t *testing.T) {
	march := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	source := &fakeInvoiceSource{invoices: []Invoice{
		{TenantID: "t", LaboratoryID: "lab-1", Date: march, BrutHT: d("4000")},
		{TenantID: "t", LaboratoryID: "lab-1", Date: march.AddDate(0, 0, 1), BrutHT: d("4000")},
		{TenantID: "t", LaboratoryID: "lab-1", Date: march.AddDate(0, 0, 2), BrutHT: d("4000")},
	}}
	r := NewEMACReconciler(source)

	now := time.Date(2026, time.July, 30, 0, 0, 0, 0, time.UTC)
	missing, err := r.DetectMissing(context.Background(), "t", 2026, []LaboratoryID{"lab-1"}, nil, now)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, 3, missing[0].InvoiceCount)
	require.True(t, missing[0].MonthCA.Equal(d("12000")))
	require.Equal(t, time.March, missing[0].PeriodStart.Month())
}

func TestEMACReconciler_MissingEMACSuppressedByOverlap(t *testing.T) {
	march := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	source := &fakeInvoiceSource{invoices: []Invoice{
		{TenantID: "t", LaboratoryID: "lab-1", Date: march, BrutHT: d("4000")},
	}}
	r := NewEMACReconciler(source)
	existing := []EMAC{{
		LaboratoryID: "lab-1",
		PeriodStart:  time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:    time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC),
	}}
	now := time.Date(2026, time.July, 30, 0, 0, 0, 0, time.UTC)
	missing, err := r.DetectMissing(context.Background(), "t", 2026, []LaboratoryID{"lab-1"}, existing, now)
	require.NoError(t, err)
	require.Len(t, missing, 0)
}

func TestEMACReconciler_CAMismatchSeverity(t *testing.T) {
	period := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC)
	source := &fakeInvoiceSource{invoices: []Invoice{
		{TenantID: "t", LaboratoryID: "lab-1", Date: period.AddDate(0, 0, 5), BrutHT: d("9700")},
	}}
	r := NewEMACReconciler(source)

	emac := &EMAC{TenantID: "t", LaboratoryID: "lab-1", PeriodStart: period, PeriodEnd: periodEnd, DeclaredCA: d("10000")}
	anomalies, err := r.Verify(context.Background(), emac, nil, nil)
	require.NoError(t, err)

	found := false
	for _, a := range anomalies {
		if a.Kind == "ca_mismatch" {
			found = true
			require.Equal(t, SeverityWarning, a.Severity) // 3% deviation -> warning band [1%,5%)
		}
	}
	require.True(t, found)
}

func TestEMACReconciler_NoInvoicesFoundCritical(t *testing.T) {
	period := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC)
	source := &fakeInvoiceSource{}
	r := NewEMACReconciler(source)

	emac := &EMAC{TenantID: "t", LaboratoryID: "lab-1", PeriodStart: period, PeriodEnd: periodEnd, DeclaredCA: d("10000")}
	anomalies, err := r.Verify(context.Background(), emac, nil, nil)
	require.NoError(t, err)

	require.Equal(t, EMACAnomalie, emac.Statut)
	found := false
	for _, a := range anomalies {
		if a.Kind == "ca_no_invoices_found" {
			found = true
			require.Equal(t, SeverityCritical, a.Severity)
		}
	}
	require.True(t, found)
}

func TestEMACReconciler_FlagsUnremittedBalanceAboveTolerance(t *testing.T) {
	period := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC)
	source := &fakeInvoiceSource{}
	r := NewEMACReconciler(source)

	agreement := &LaboratoryAgreement{ID: "agr-1", TenantID: "t", LaboratoryID: "lab-1"}
	emac := &EMAC{
		TenantID: "t", LaboratoryID: "lab-1", PeriodStart: period, PeriodEnd: periodEnd,
		DeclaredCA: d("1000"), DeclaredRFA: d("0"), TotalDeclared: d("200"), AmountPaid: d("100"),
		RemainingBalance: d("100"),
	}

	anomalies, err := r.Verify(context.Background(), emac, agreement, nil)
	require.NoError(t, err)

	found := false
	for _, a := range anomalies {
		if a.Kind == "amount_not_remitted" {
			found = true
			require.NotNil(t, a.MontantEcart)
			require.True(t, a.MontantEcart.Equal(d("100")))
		}
	}
	require.True(t, found, "remaining balance of 100 exceeds the 50 EUR tolerance")
}

func TestEMACReconciler_InternalCoherence(t *testing.T) {
	period := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC)
	source := &fakeInvoiceSource{}
	r := NewEMACReconciler(source)

	emac := &EMAC{
		TenantID: "t", LaboratoryID: "lab-1", PeriodStart: period, PeriodEnd: periodEnd,
		DeclaredRFA: d("100"), DeclaredCOP: d("50"), DeclaredDiffere: d("0"), OtherAdvantages: d("0"),
		TotalDeclared: d("200"), AmountPaid: d("100"), RemainingBalance: d("100"),
	}
	anomalies, err := r.Verify(context.Background(), emac, nil, nil)
	require.NoError(t, err)

	found := false
	for _, a := range anomalies {
		if a.Kind == "internal_incoherence" {
			found = true
		}
	}
	require.True(t, found, "declared components sum to 150 but total_declared is 200")
}
