/*
handlers.go - laboratory, template and agreement HTTP handlers

PURPOSE:
  Handler is the single dependency-injection point for every route: it
  holds the storage layer plus the stateless domain engines
  (rebate.Engine, rebate.Verifier, rebate.AgreementVersioner,
  rebate.ScheduleLedger, rebate.EMACReconciler) wired once at
  construction.

SEE ALSO:
  - api/handlers_invoice.go: invoice ingestion/verification
  - api/handlers_schedule.go: rebate schedule compute/recompute/merge
  - api/handlers_emac.go: EMAC reconciliation
  - api/errors.go: writeDomainError
*/
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaverif/rebate-engine/rebate"
	"github.com/pharmaverif/rebate-engine/store/sqlite"
)

// Handler holds every dependency the route handlers need.
type Handler struct {
	Store      *sqlite.Store
	Engine     *rebate.Engine
	Verifier   *rebate.Verifier
	Versioner  *rebate.AgreementVersioner
	Ledger     *rebate.ScheduleLedger
	Reconciler *rebate.EMACReconciler

	mu           sync.RWMutex
	lastScenario map[rebate.TenantID]string
}

// NewHandler wires a Handler around store, constructing the stateless
// engines once and the store-backed ones (versioner, ledger, reconciler)
// against store itself, since *sqlite.Store implements every interface
// they require.
func NewHandler(store *sqlite.Store) *Handler {
	return &Handler{
		Store:        store,
		Engine:       rebate.NewEngine(),
		Verifier:     rebate.NewVerifier(),
		Versioner:    rebate.NewAgreementVersioner(store),
		Ledger:       rebate.NewScheduleLedger(store),
		Reconciler:   rebate.NewEMACReconciler(store),
		lastScenario: make(map[rebate.TenantID]string),
	}
}

// =============================================================================
// JSON HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message, Details: details})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// =============================================================================
// LABORATORIES
// =============================================================================

func (h *Handler) ListLaboratories(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	labs, err := h.Store.ListLaboratories(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]LaboratoryDTO, len(labs))
	for i, l := range labs {
		dtos[i] = toLaboratoryDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateLaboratory(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var req CreateLaboratoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	lab := &sqlite.Laboratory{TenantID: tenantID, Name: req.Name}
	if err := h.Store.SaveLaboratory(r.Context(), lab); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLaboratoryDTO(*lab))
}

// =============================================================================
// REBATE TEMPLATES
// =============================================================================

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	ts, err := h.Store.ListTemplates(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateDTOs(ts))
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id := rebate.RebateTemplateID(chi.URLParam(r, "id"))
	t, err := h.Store.LoadTemplate(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateDTO(*t))
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var req CreateTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	t := &rebate.RebateTemplate{
		TenantID: tenantID, Name: req.Name, LaboratoryName: req.LaboratoryName,
		RebateType: rebate.RebateType(req.RebateType), Frequency: rebate.Frequency(req.Frequency),
		Tiers: req.Tiers, Structure: req.Structure, TauxEscompte: req.TauxEscompte,
		DelaiEscompteJours: req.DelaiEscompteJours, TauxCooperation: req.TauxCooperation,
		GratuitesRatio: req.GratuitesRatio, GratuitesSeuilQte: req.GratuitesSeuilQte,
		Version: 1, Scope: rebate.TemplateScope(req.Scope),
	}
	if err := h.Store.SaveTemplate(r.Context(), t); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTemplateDTO(*t))
}

// =============================================================================
// AGREEMENTS
// =============================================================================

func (h *Handler) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var req CreateAgreementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}

	a := &rebate.LaboratoryAgreement{
		TenantID: tenantID, LaboratoryID: rebate.LaboratoryID(req.LaboratoryID),
		Statut: rebate.AgreementDraft, Start: req.Start, End: req.End,
		TargetRateA: req.TargetRateA, TargetRateB: req.TargetRateB,
		EscompteRate: req.EscompteRate, EscompteDelaiJours: req.EscompteDelaiJours,
		CooperationRate: req.CooperationRate, FrancoThreshold: req.FrancoThreshold,
		FrancoShippingFee: req.FrancoShippingFee, AnnualObjective: req.AnnualObjective,
		AgreementConfig: req.AgreementConfig, Version: 1,
	}
	if req.TemplateID != nil {
		id := rebate.RebateTemplateID(*req.TemplateID)
		a.TemplateID = &id
	}
	if err := h.Store.SaveAgreement(a); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementDTO(*a))
}

func (h *Handler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	id := rebate.AgreementID(chi.URLParam(r, "id"))
	a, err := h.Store.LoadAgreement(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if a.TenantID != tenantFromContext(r.Context()) {
		writeDomainError(w, &rebate.CrossTenantAccessError{
			RequestingTenant: tenantFromContext(r.Context()), OwningTenant: a.TenantID,
			EntityKind: "agreement", EntityID: string(a.ID),
		})
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(*a))
}

func (h *Handler) GetActiveAgreement(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	labID := rebate.LaboratoryID(chi.URLParam(r, "labID"))
	a, err := h.Store.ActiveAgreement(tenantID, labID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(*a))
}

// ActivateAgreement handles POST /agreements/{id}/activate, delegating to
// store.ActivateAgreement so the suspend-other/activate-this/two-audit-
// writes sequence runs inside one SQL transaction.
func (h *Handler) ActivateAgreement(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.AgreementID(chi.URLParam(r, "id"))

	a, err := h.Store.LoadAgreement(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if a.TenantID != tenantID {
		writeDomainError(w, &rebate.CrossTenantAccessError{
			RequestingTenant: tenantID, OwningTenant: a.TenantID, EntityKind: "agreement", EntityID: string(a.ID),
		})
		return
	}

	var req ActivateAgreementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if err := h.Store.ActivateAgreement(r.Context(), id, rebate.UserID(req.UserID)); err != nil {
		writeDomainError(w, err)
		return
	}
	activated, err := h.Store.LoadAgreement(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(*activated))
}

// CreateAgreementVersion handles POST /agreements/{id}/version: copy-on-
// write a new draft from the named agreement, applying req's fields as
// the mutation.
func (h *Handler) CreateAgreementVersion(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.AgreementID(chi.URLParam(r, "id"))

	current, err := h.Store.LoadAgreement(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if current.TenantID != tenantID {
		writeDomainError(w, &rebate.CrossTenantAccessError{
			RequestingTenant: tenantID, OwningTenant: current.TenantID, EntityKind: "agreement", EntityID: string(current.ID),
		})
		return
	}

	var req CreateAgreementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}

	next, err := h.Versioner.CreateNewVersion(*current, func(a *rebate.LaboratoryAgreement) {
		a.TargetRateA = req.TargetRateA
		a.TargetRateB = req.TargetRateB
		a.EscompteRate = req.EscompteRate
		a.EscompteDelaiJours = req.EscompteDelaiJours
		a.CooperationRate = req.CooperationRate
		a.FrancoThreshold = req.FrancoThreshold
		a.FrancoShippingFee = req.FrancoShippingFee
		a.AnnualObjective = req.AnnualObjective
		a.AgreementConfig = req.AgreementConfig
	}, "system")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementDTO(*next))
}

// AgreementHistory handles GET /agreements/{id}/history.
func (h *Handler) AgreementHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	id := rebate.AgreementID(chi.URLParam(r, "id"))
	a, err := h.Store.LoadAgreement(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if a.TenantID != tenantID {
		writeDomainError(w, &rebate.CrossTenantAccessError{
			RequestingTenant: tenantID, OwningTenant: a.TenantID, EntityKind: "agreement", EntityID: string(a.ID),
		})
		return
	}
	chain, err := h.Versioner.History(*a)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTOs(chain))
}
