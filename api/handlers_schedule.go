/*
handlers_schedule.go - staged rebate schedule compute/recompute/merge

PURPOSE:
  Wraps rebate.ScheduleLedger (compute-then-cancel-and-recreate, built on
  rebate.Engine.Recompute) and rebate.MergeReceivedAmount behind three
  endpoints:
  POST .../schedule to (re)compute the forecast, GET .../schedule to read
  the latest one, and POST .../schedule/receive to merge a received
  amount onto an existing, non-cancelled schedule.
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaverif/rebate-engine/rebate"
)

// ComputeSchedule handles POST /invoices-labo/{id}/schedule: resolves the
// invoice's active agreement and structure, then asks the ledger to
// compute (cancelling and replacing any prior forecast for this invoice).
func (h *Handler) ComputeSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Store.LoadInvoice(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	agreement, err := h.Store.ActiveAgreement(tenantID, inv.LaboratoryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	structure, err := h.resolveStructure(r, agreement)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	schedule, err := h.Ledger.Compute(r.Context(), *inv, *agreement, structure, h.Store)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(*schedule))
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.InvoiceID(chi.URLParam(r, "id"))
	schedule, err := h.Store.LatestSchedule(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if schedule == nil {
		writeError(w, http.StatusNotFound, "schedule_not_found", "no schedule has been computed for this invoice", nil)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(*schedule))
}

// ReceiveSchedule handles POST /invoices-labo/{id}/schedule/receive: merges
// a received amount onto a copy of the latest non-cancelled schedule and
// stores it through CancelAndReplace (the previous row is marked
// cancelled), without running Recompute.
func (h *Handler) ReceiveSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.InvoiceID(chi.URLParam(r, "id"))

	schedule, err := h.Store.LatestSchedule(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if schedule == nil {
		writeError(w, http.StatusNotFound, "schedule_not_found", "no schedule has been computed for this invoice", nil)
		return
	}

	var req MergeReceivedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	merged := *schedule
	merged.ID = ""
	if err := rebate.MergeReceivedAmount(&merged, req.Amount, time.Now().UTC()); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Store.CancelAndReplace(r.Context(), schedule, &merged); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(merged))
}

// resolveStructure prefers the agreement's template's structure; a future
// iteration could let an agreement override individual stage definitions,
// but for now Structure stays wholly template-owned.
func (h *Handler) resolveStructure(r *http.Request, agreement *rebate.LaboratoryAgreement) (rebate.Structure, error) {
	if agreement.TemplateID == nil {
		return rebate.Structure{}, &rebate.InvalidConfigError{Field: "template_id", Reason: "agreement has no template to source a stage structure from"}
	}
	tpl, err := h.Store.LoadTemplate(r.Context(), *agreement.TemplateID)
	if err != nil {
		return rebate.Structure{}, err
	}
	return tpl.Structure, nil
}
