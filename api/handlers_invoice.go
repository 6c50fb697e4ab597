/*
handlers_invoice.go - invoice ingestion and the seven-check verifier

PURPOSE:
  POST /invoices-labo/upload accepts a pre-parsed ingest.ParsedInvoice
  body rather than a PDF/Excel file: table extraction is explicitly out
  of scope, so this handler is the seam a real parser would sit behind.
  POST /invoices-labo/{id}/verify runs the seven-check
  verifier and persists the findings idempotently.
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaverif/rebate-engine/ingest"
	"github.com/pharmaverif/rebate-engine/rebate"
)

func (h *Handler) UploadInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var parsed ingest.ParsedInvoice
	if err := decodeJSON(r, &parsed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if parsed.TenantID != tenantID {
		writeDomainError(w, &rebate.CrossTenantAccessError{
			RequestingTenant: tenantID, OwningTenant: parsed.TenantID, EntityKind: "invoice", EntityID: parsed.Number,
		})
		return
	}

	id := rebate.InvoiceID(parsed.Number)
	inv, err := parsed.ToInvoice(id)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "parse_failure", err.Error(), nil)
		return
	}
	if err := h.Store.SaveInvoice(r.Context(), inv); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.InvoiceID(chi.URLParam(r, "id"))
	inv, err := h.Store.LoadInvoice(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// VerifyInvoice handles POST /invoices-labo/{id}/verify: resolves the
// active agreement (if any) and the tier progression it references, runs
// the seven checks, persists the anomalies idempotently, and returns both.
func (h *Handler) VerifyInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Store.LoadInvoice(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var agreement *rebate.LaboratoryAgreement
	var tiers []rebate.Tier
	active, err := h.Store.ActiveAgreement(tenantID, inv.LaboratoryID)
	switch {
	case err == nil:
		agreement = active
		tiers = resolveTiers(r, h, active)
	case rebate.IsNotFound(err):
		// absence of an agreement is not itself an anomaly; only checks 6/7 run.
	default:
		writeDomainError(w, err)
		return
	}

	year := inv.Date.Year()
	cumulative, err := h.Store.YearlyCumulativeBrut(r.Context(), tenantID, inv.LaboratoryID, year)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	anomalies := h.Verifier.Verify(*inv, agreement, cumulative, tiers)
	if err := h.Store.PersistInvoiceAnomalies(r.Context(), id, anomalies); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyInvoiceResponse{
		Invoice:   toInvoiceDTO(*inv),
		Anomalies: toInvoiceAnomalyDTOs(anomalies),
	})
}

func (h *Handler) ListInvoiceAnomalies(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.InvoiceID(chi.URLParam(r, "id"))
	anomalies, err := h.Store.ListInvoiceAnomalies(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceAnomalyDTOs(anomalies))
}

// resolveTiers prefers the agreement's own CustomTiers, falling back to
// its referenced template's tiers — the same precedence the rebate
// engine expects its caller to resolve.
func resolveTiers(r *http.Request, h *Handler, agreement *rebate.LaboratoryAgreement) []rebate.Tier {
	if len(agreement.CustomTiers) > 0 {
		return agreement.CustomTiers
	}
	if agreement.TemplateID == nil {
		return nil
	}
	tpl, err := h.Store.LoadTemplate(r.Context(), *agreement.TemplateID)
	if err != nil {
		return nil
	}
	return tpl.Tiers
}
