package rebate

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeScheduleStore struct {
	latest map[InvoiceID]*InvoiceRebateSchedule
	all    []*InvoiceRebateSchedule
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{latest: map[InvoiceID]*InvoiceRebateSchedule{}}
}

func (s *fakeScheduleStore) LatestSchedule(ctx context.Context, tenantID TenantID, invoiceID InvoiceID) (*InvoiceRebateSchedule, error) {
	return s.latest[invoiceID], nil
}

func (s *fakeScheduleStore) CancelAndReplace(ctx context.Context, cancelled, next *InvoiceRebateSchedule) error {
	if cancelled != nil {
		s.all = append(s.all, cancelled)
	}
	s.all = append(s.all, next)
	s.latest[next.InvoiceID] = next
	return nil
}

type zeroCumulative struct{}

func (zeroCumulative) YearlyCumulativeBrut(ctx context.Context, tenantID TenantID, laboratoryID LaboratoryID, year int) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func TestScheduleLedger_ComputeThenRecomputeCancelsOld(t *testing.T) {
	invoice, agreement, structure := ventilatedScenarioInputs()
	store := newFakeScheduleStore()
	ledger := NewScheduleLedger(store)

	first, err := ledger.Compute(context.Background(), invoice, agreement, structure, zeroCumulative{})
	require.NoError(t, err)
	require.Equal(t, ScheduleForecast, first.Status)
	require.Len(t, store.all, 1)

	second, err := ledger.Compute(context.Background(), invoice, agreement, structure, zeroCumulative{})
	require.NoError(t, err)
	require.Equal(t, ScheduleForecast, second.Status)
	require.Len(t, store.all, 3) // first + cancelled-first + second

	require.Equal(t, ScheduleCancelled, store.all[1].Status)
}
