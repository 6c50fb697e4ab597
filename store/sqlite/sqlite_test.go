package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmaverif/rebate-engine/rebate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestStore_SaveAndLoadAgreement(t *testing.T) {
	s := newTestStore(t)
	a := &rebate.LaboratoryAgreement{
		TenantID:     "t1",
		LaboratoryID: "lab-1",
		Statut:       rebate.AgreementDraft,
		Start:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TargetRateA:  d("2.7"),
		TargetRateB:  d("15"),
		AgreementConfig: rebate.AgreementConfig{
			TrancheA: rebate.TrancheConfig{MaxRebate: d("1"), Stages: map[string]rebate.StageRate{
				"s1": {Kind: rebate.RatePercentage, Rate: d("0.1")},
			}},
		},
	}
	require.NoError(t, s.SaveAgreement(a))
	require.NotEmpty(t, a.ID)

	loaded, err := s.LoadAgreement(a.ID)
	require.NoError(t, err)
	require.Equal(t, a.TenantID, loaded.TenantID)
	require.True(t, loaded.TargetRateA.Equal(d("2.7")))
	require.Equal(t, rebate.RatePercentage, loaded.AgreementConfig.TrancheA.Stages["s1"].Kind)
}

func TestStore_LoadAgreement_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadAgreement("missing")
	require.ErrorIs(t, err, rebate.ErrAgreementNotFound)
}

func TestStore_ActiveAgreement_NoneReturnsSentinel(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ActiveAgreement("t1", "lab-1")
	require.ErrorIs(t, err, rebate.ErrNoActiveAgreement)
}

func TestStore_SingleActiveAgreementInvariantAtDBLayer(t *testing.T) {
	s := newTestStore(t)
	a1 := &rebate.LaboratoryAgreement{ID: "a1", TenantID: "t1", LaboratoryID: "lab-1", Statut: rebate.AgreementActive, Start: time.Now()}
	a2 := &rebate.LaboratoryAgreement{ID: "a2", TenantID: "t1", LaboratoryID: "lab-1", Statut: rebate.AgreementActive, Start: time.Now()}
	require.NoError(t, s.SaveAgreement(a1))

	err := s.SaveAgreement(a2)
	require.Error(t, err)
	require.True(t, rebate.IsInvariantViolation(err))
}

func TestStore_ActivateAgreement_SuspendsOther(t *testing.T) {
	s := newTestStore(t)
	a1 := &rebate.LaboratoryAgreement{ID: "a1", TenantID: "t1", LaboratoryID: "lab-1", Statut: rebate.AgreementActive, Start: time.Now()}
	a2 := &rebate.LaboratoryAgreement{ID: "a2", TenantID: "t1", LaboratoryID: "lab-1", Statut: rebate.AgreementDraft, Start: time.Now()}
	require.NoError(t, s.SaveAgreement(a1))
	require.NoError(t, s.SaveAgreement(a2))

	require.NoError(t, s.ActivateAgreement(context.Background(), "a2", "user-1"))

	active, err := s.ActiveAgreement("t1", "lab-1")
	require.NoError(t, err)
	require.Equal(t, rebate.AgreementID("a2"), active.ID)

	prior, err := s.LoadAgreement("a1")
	require.NoError(t, err)
	require.Equal(t, rebate.AgreementSuspended, prior.Statut)
}

func TestStore_ScheduleCancelAndReplace_IsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &rebate.InvoiceRebateSchedule{
		TenantID: "t1", AgreementID: "a1", InvoiceID: "inv-1",
		MontantPrevu: d("100.00"), Status: rebate.ScheduleForecast,
		InvoiceDate: time.Now(), InvoiceAmount: d("1000"),
		TrancheBreakdown: map[rebate.Tranche]rebate.TrancheBreakdown{},
	}
	require.NoError(t, s.CancelAndReplace(ctx, nil, first))
	firstID := first.ID

	second := &rebate.InvoiceRebateSchedule{
		TenantID: "t1", AgreementID: "a1", InvoiceID: "inv-1",
		MontantPrevu: d("150.00"), Status: rebate.ScheduleForecast,
		InvoiceDate: time.Now(), InvoiceAmount: d("1000"),
		TrancheBreakdown: map[rebate.Tranche]rebate.TrancheBreakdown{},
	}
	require.NoError(t, s.CancelAndReplace(ctx, first, second))

	latest, err := s.LatestSchedule(ctx, "t1", "inv-1")
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
	require.True(t, latest.MontantPrevu.Equal(d("150.00")))

	var status string
	require.NoError(t, s.db.QueryRow(`SELECT status FROM schedules WHERE id = ?`, string(firstID)).Scan(&status))
	require.Equal(t, "cancelled", status)

	other, err := s.LatestSchedule(ctx, "other-tenant", "inv-1")
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestStore_SaveAndLoadInvoice_CrossTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inv := &rebate.Invoice{
		ID: "inv-1", TenantID: "t1", LaboratoryID: "lab-1", Number: "F2026-001",
		Date: time.Now(), BrutHT: d("1000"),
		Lines: []rebate.InvoiceLine{
			{CIP13: "3400000000001", Quantity: d("10"), PUHT: d("10"), MontantBrut: d("100")},
		},
	}
	require.NoError(t, s.SaveInvoice(ctx, inv))

	loaded, err := s.LoadInvoice(ctx, "t1", "inv-1")
	require.NoError(t, err)
	require.Len(t, loaded.Lines, 1)
	require.Equal(t, "3400000000001", loaded.Lines[0].CIP13)

	_, err = s.LoadInvoice(ctx, "other-tenant", "inv-1")
	require.Error(t, err)
	var cross *rebate.CrossTenantAccessError
	require.ErrorAs(t, err, &cross)
}

func TestStore_YearlyCumulativeBrut_SumsWithinYear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveInvoice(ctx, &rebate.Invoice{ID: "i1", TenantID: "t1", LaboratoryID: "lab-1", Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), BrutHT: d("1000")}))
	require.NoError(t, s.SaveInvoice(ctx, &rebate.Invoice{ID: "i2", TenantID: "t1", LaboratoryID: "lab-1", Date: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), BrutHT: d("2000")}))
	require.NoError(t, s.SaveInvoice(ctx, &rebate.Invoice{ID: "i3", TenantID: "t1", LaboratoryID: "lab-1", Date: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), BrutHT: d("5000")}))

	total, err := s.YearlyCumulativeBrut(ctx, "t1", "lab-1", 2026)
	require.NoError(t, err)
	require.True(t, total.Equal(d("3000")), "got %s", total)
}

func TestStore_PersistInvoiceAnomalies_IdempotentReVerification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ecart := d("5.00")
	first := []rebate.InvoiceAnomaly{{Kind: "discount_rate_mismatch", Severity: rebate.SeverityCritical, MontantEcart: &ecart}}
	require.NoError(t, s.PersistInvoiceAnomalies(ctx, "inv-1", first))

	second := []rebate.InvoiceAnomaly{{Kind: "franco_opportunity", Severity: rebate.SeverityOpportunity}}
	require.NoError(t, s.PersistInvoiceAnomalies(ctx, "inv-1", second))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM invoice_anomalies WHERE invoice_id = ?`, "inv-1").Scan(&count))
	require.Equal(t, 1, count, "unresolved anomalies from the prior run must be replaced, not accumulated")
}

func TestStore_SaveEMACAndListEMACs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &rebate.EMAC{
		TenantID: "t1", LaboratoryID: "lab-1",
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		DeclaredCA:  d("10000"),
	}
	require.NoError(t, s.SaveEMAC(ctx, e))

	list, err := s.ListEMACs(ctx, "t1", "lab-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].DeclaredCA.Equal(d("10000")))
}
