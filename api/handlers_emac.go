/*
handlers_emac.go - EMAC reconciliation and missing-EMAC detection
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaverif/rebate-engine/rebate"
)

func (h *Handler) CreateEMAC(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var req CreateEMACRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	e := &rebate.EMAC{
		TenantID: tenantID, LaboratoryID: rebate.LaboratoryID(req.LaboratoryID),
		PeriodStart: req.PeriodStart, PeriodEnd: req.PeriodEnd,
		DeclaredCA: req.DeclaredCA, DeclaredRFA: req.DeclaredRFA, DeclaredCOP: req.DeclaredCOP,
		DeclaredDiffere: req.DeclaredDiffere, OtherAdvantages: req.OtherAdvantages,
		TotalDeclared: req.TotalDeclared, AmountPaid: req.AmountPaid,
		Statut: rebate.EMACStatus("non_verifie"),
	}
	if err := h.Store.SaveEMAC(r.Context(), e); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEMACDTO(*e))
}

func (h *Handler) ListEMACs(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	labID := rebate.LaboratoryID(r.URL.Query().Get("laboratory_id"))
	list, err := h.Store.ListEMACs(r.Context(), tenantID, labID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEMACDTOs(list))
}

// VerifyEMAC handles POST /emac/{id}/verify: runs the three-way
// reconciliation (invoices, agreement tier rate, internal coherence) and
// persists the findings idempotently.
func (h *Handler) VerifyEMAC(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.EMACID(chi.URLParam(r, "id"))

	list, err := h.Store.ListEMACs(r.Context(), tenantID, "")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var emac *rebate.EMAC
	for i := range list {
		if list[i].ID == id {
			emac = &list[i]
			break
		}
	}
	if emac == nil {
		writeError(w, http.StatusNotFound, "not_found", "EMAC not found", nil)
		return
	}

	var agreement *rebate.LaboratoryAgreement
	var tiers []rebate.Tier
	active, err := h.Store.ActiveAgreement(tenantID, emac.LaboratoryID)
	switch {
	case err == nil:
		agreement = active
		tiers = resolveTiers(r, h, active)
	case rebate.IsNotFound(err):
	default:
		writeDomainError(w, err)
		return
	}

	anomalies, err := h.Reconciler.Verify(r.Context(), emac, agreement, tiers)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Store.SaveEMAC(r.Context(), emac); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Store.PersistEMACAnomalies(r.Context(), id, anomalies); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"emac":      toEMACDTO(*emac),
		"anomalies": toEMACAnomalyDTOs(anomalies),
	})
}

func (h *Handler) ListEMACAnomalies(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.EMACID(chi.URLParam(r, "id"))
	anomalies, err := h.Store.ListEMACAnomalies(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEMACAnomalyDTOs(anomalies))
}

// DetectMissingEMACs handles GET /emac/missing?year=YYYY: scans every
// laboratory in the tenant for months with invoiced turnover but no
// covering EMAC.
func (h *Handler) DetectMissingEMACs(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "year query parameter must be an integer", nil)
		return
	}

	labs, err := h.Store.ListLaboratories(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	labIDs := make([]rebate.LaboratoryID, len(labs))
	for i, l := range labs {
		labIDs[i] = l.ID
	}

	existing, err := h.Store.ListEMACs(r.Context(), tenantID, "")
	if err != nil {
		writeDomainError(w, err)
		return
	}

	missing, err := h.Reconciler.DetectMissing(r.Context(), tenantID, year, labIDs, existing, time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMissingEMACDTOs(missing))
}
