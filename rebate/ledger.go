/*
ledger.go - Append-only schedule ledger

PURPOSE:
  InvoiceRebateSchedule rows are append-only: a recompute never edits a
  persisted row, it cancels the old one and appends a new one.

SEE ALSO:
  - engine.go: Engine.Recompute produces the (cancelled, new) pair
  - store/sqlite: the concrete ScheduleStore implementation
*/
package rebate

import (
	"context"

	"github.com/shopspring/decimal"
)

// ScheduleStore is the append-only persistence contract for schedules.
// Implementations must never mutate a row whose Status is already
// something other than what was written — only CancelAndReplace may
// transition a row to ScheduleCancelled.
type ScheduleStore interface {
	// LatestSchedule must filter by tenantID as well as invoiceID: an
	// invoice ID alone does not prove the caller's tenant owns it.
	LatestSchedule(ctx context.Context, tenantID TenantID, invoiceID InvoiceID) (*InvoiceRebateSchedule, error)
	// CancelAndReplace persists cancelled (if non-nil) and next in one
	// transaction, satisfying the immutability invariant.
	CancelAndReplace(ctx context.Context, cancelled *InvoiceRebateSchedule, next *InvoiceRebateSchedule) error
}

// ScheduleLedger orchestrates Engine.Recompute against a ScheduleStore.
type ScheduleLedger struct {
	Engine *Engine
	Store  ScheduleStore
}

// NewScheduleLedger returns a ledger wired to store.
func NewScheduleLedger(store ScheduleStore) *ScheduleLedger {
	return &ScheduleLedger{Engine: NewEngine(), Store: store}
}

// Compute loads the latest schedule (if any), recomputes, and persists
// the cancel-and-recreate pair in a single call.
func (l *ScheduleLedger) Compute(ctx context.Context, invoice Invoice, agreement LaboratoryAgreement, structure Structure, yearlyCumulative AmountProvider) (*InvoiceRebateSchedule, error) {
	prior, err := l.Store.LatestSchedule(ctx, invoice.TenantID, invoice.ID)
	if err != nil {
		return nil, err
	}

	cumulative, err := yearlyCumulative.YearlyCumulativeBrut(ctx, invoice.TenantID, invoice.LaboratoryID, invoice.Date.Year())
	if err != nil {
		return nil, err
	}

	result, err := l.Engine.Recompute(invoice, agreement, structure, cumulative, prior)
	if err != nil {
		return nil, err
	}
	if err := l.Store.CancelAndReplace(ctx, result.Cancelled, result.New); err != nil {
		return nil, err
	}
	return result.New, nil
}

// AmountProvider supplies the tenant-scoped yearly cumulative brut_ht for
// a laboratory, used by both the rebate engine (conditional stages) and
// the invoice verifier (RFA progression check).
type AmountProvider interface {
	YearlyCumulativeBrut(ctx context.Context, tenantID TenantID, laboratoryID LaboratoryID, year int) (decimal.Decimal, error)
}
