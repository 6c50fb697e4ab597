package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pharmaverif/rebate-engine/rebate"
	"github.com/pharmaverif/rebate-engine/store/sqlite"
)

func TestScheduler_RunNow_NoLaboratoriesIsANoop(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := NewScheduler(store, rebate.NewEMACReconciler(store), rebate.TenantID("tenant-a"))
	sched.RunNow()
}

func TestScheduler_RunNow_AfterAgreementVersionBump(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	tenantID := rebate.TenantID("tenant-a")

	lab := &sqlite.Laboratory{TenantID: tenantID, Name: "Labo Sweep"}
	require.NoError(t, store.SaveLaboratory(ctx, lab))

	agr := &rebate.LaboratoryAgreement{
		TenantID: tenantID, LaboratoryID: lab.ID, Start: time.Now().UTC().AddDate(0, -6, 0),
		Version: 1,
	}
	require.NoError(t, store.SaveAgreement(agr))
	require.NoError(t, store.ActivateAgreement(ctx, agr.ID, "test"))

	next, err := store.LoadAgreement(agr.ID)
	require.NoError(t, err)
	_, err = NewHandler(store).Versioner.CreateNewVersion(*next, func(a *rebate.LaboratoryAgreement) {
		a.TargetRateA = next.TargetRateA
	}, "test")
	require.NoError(t, err)

	sched := NewScheduler(store, rebate.NewEMACReconciler(store), tenantID)
	sched.RunNow()

	require.Equal(t, tenantID, sched.TenantID)
	require.True(t, sched.GetNextRunTime().After(time.Now()))
}
