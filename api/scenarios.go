/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate a tenant with a realistic
  laboratory, rebate template, agreement and one invoice, so a fresh
  database is never empty when showing the schedule/verification flow
  end to end. Each scenario demonstrates one facet of the ledger.

AVAILABLE SCENARIOS:
  simple-tiered:     one lab, flat percentage stages, single invoice
  multi-tranche:     tranche A and B carry distinct stage rates
  escompte-recovery: an invoice whose payment delay falls within the
                     agreement's escompte delay

HOW SCENARIOS WORK:
 1. Create a laboratory and a rebate template (tiers + staged structure)
 2. Create and activate an agreement against the template
 3. Ingest one invoice (via the ingest package, as an upload would)
 4. Verification and schedule computation are not run by the loader;
    they are done afterwards through the invoice endpoints

USAGE VIA API:
  POST /api/v1/scenarios/load
  {"scenario_id": "multi-tranche"}

ADDING NEW SCENARIOS:
 1. Add an entry to the 'scenarios' slice
 2. Write a loader function: loadXxxScenario(ctx, h, tenantID)
 3. Add a case to LoadScenario

NOTE:
  Scenarios only add data; they never reset the database, since doing so
  for one tenant would touch every other tenant's rows too.

SEE ALSO:
  - handlers.go: Handler, writeJSON/writeError
  - ingest/ingest.go: ParsedInvoice.ToInvoice
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmaverif/rebate-engine/ingest"
	"github.com/pharmaverif/rebate-engine/rebate"
	"github.com/pharmaverif/rebate-engine/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "simple-tiered",
		Name:        "Simple Tiered RFA",
		Description: "One laboratory, flat percentage stages, single invoice",
		Category:    "rebate",
	},
	{
		ID:          "multi-tranche",
		Name:        "Multi-Tranche Structure",
		Description: "Tranche A and B carry distinct stage rates, ventilated per tranche",
		Category:    "rebate",
	},
	{
		ID:          "escompte-recovery",
		Name:        "Escompte Recovery",
		Description: "Invoice paid within the escompte delay, ready to verify and schedule",
		Category:    "rebate",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario for this
// tenant, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	h.mu.RLock()
	id, ok := h.lastScenario[tenantID]
	h.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == id {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: id, Name: id, Description: "previously loaded scenario"})
}

// LoadScenario loads a predefined scenario into the caller's tenant.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "simple-tiered":
		err = h.loadSimpleTieredScenario(ctx, tenantID)
	case "multi-tranche":
		err = h.loadMultiTrancheScenario(ctx, tenantID)
	case "escompte-recovery":
		err = h.loadEscompteRecoveryScenario(ctx, tenantID)
	default:
		writeError(w, http.StatusBadRequest, "unknown_scenario", "unknown scenario id", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "scenario_load_failed", err.Error(), nil)
		return
	}

	h.mu.Lock()
	h.lastScenario[tenantID] = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func pct(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func (h *Handler) loadSimpleTieredScenario(ctx context.Context, tenantID rebate.TenantID) error {
	lab := &sqlite.Laboratory{TenantID: tenantID, Name: "Laboratoires Demo A"}
	if err := h.Store.SaveLaboratory(ctx, lab); err != nil {
		return err
	}

	tpl := &rebate.RebateTemplate{
		TenantID: tenantID, Name: "RFA standard", LaboratoryName: lab.Name,
		RebateType: rebate.RebateTypeRFA, Frequency: rebate.FrequencyAnnual,
		Tiers: []rebate.Tier{
			{Min: decimal.Zero, Max: decimalPtr("50000"), Rate: pct("2"), Label: "palier 1"},
			{Min: decimal.RequireFromString("50000"), Rate: pct("4"), Label: "palier 2"},
		},
		Structure: rebate.Structure{Stages: []rebate.StageDefinition{
			{StageID: "s1", Label: "Acompte", Order: 1, DelayMonths: 1, RateType: rebate.RatePercentage, PaymentMethod: rebate.PaymentInvoiceDeduction},
			{StageID: "s2", Label: "Solde", Order: 2, DelayMonths: 12, RateType: rebate.RatePercentage, PaymentMethod: rebate.PaymentEMACTransfer},
		}},
		TauxEscompte: pct("1"), DelaiEscompteJours: 30,
		Version: 1, Scope: rebate.ScopeSystem,
	}
	if err := h.Store.SaveTemplate(ctx, tpl); err != nil {
		return err
	}

	start := time.Now().UTC().AddDate(0, -1, 0)
	agr := &rebate.LaboratoryAgreement{
		TenantID: tenantID, LaboratoryID: lab.ID, TemplateID: &tpl.ID, TemplateVersion: tpl.Version,
		Start: start, TargetRateA: pct("3"), TargetRateB: pct("3"),
		AnnualObjective: decimal.RequireFromString("80000"), Version: 1,
		AgreementConfig: rebate.AgreementConfig{
			TrancheA: rebate.TrancheConfig{MaxRebate: pct("10"), Stages: map[string]rebate.StageRate{
				"s1": {Kind: rebate.RatePercentage, Rate: pct("1")},
				"s2": {Kind: rebate.RatePercentage, Rate: pct("2")},
			}},
			TrancheB: rebate.TrancheConfig{MaxRebate: pct("10"), Stages: map[string]rebate.StageRate{
				"s1": {Kind: rebate.RatePercentage, Rate: pct("1")},
				"s2": {Kind: rebate.RatePercentage, Rate: pct("2")},
			}},
		},
	}
	if err := h.Store.SaveAgreement(agr); err != nil {
		return err
	}
	if err := h.Store.ActivateAgreement(ctx, agr.ID, "scenario"); err != nil {
		return err
	}

	inv, err := demoInvoice(tenantID, lab.ID, "FA-DEMO-001", start.AddDate(0, 0, 5), 1)
	if err != nil {
		return err
	}
	return h.Store.SaveInvoice(ctx, inv)
}

func (h *Handler) loadMultiTrancheScenario(ctx context.Context, tenantID rebate.TenantID) error {
	lab := &sqlite.Laboratory{TenantID: tenantID, Name: "Laboratoires Demo B"}
	if err := h.Store.SaveLaboratory(ctx, lab); err != nil {
		return err
	}

	tpl := &rebate.RebateTemplate{
		TenantID: tenantID, Name: "RFA ventile", LaboratoryName: lab.Name,
		RebateType: rebate.RebateTypeRFA, Frequency: rebate.FrequencyQuarterly,
		Tiers: []rebate.Tier{
			{Min: decimal.Zero, Rate: pct("3"), Label: "unique"},
		},
		Structure: rebate.Structure{Stages: []rebate.StageDefinition{
			{StageID: "s1", Label: "Trimestre", Order: 1, DelayMonths: 3, RateType: rebate.RatePercentage, PaymentMethod: rebate.PaymentInvoiceDeduction},
		}},
		Version: 1, Scope: rebate.ScopeSystem,
	}
	if err := h.Store.SaveTemplate(ctx, tpl); err != nil {
		return err
	}

	start := time.Now().UTC().AddDate(0, -2, 0)
	agr := &rebate.LaboratoryAgreement{
		TenantID: tenantID, LaboratoryID: lab.ID, TemplateID: &tpl.ID, TemplateVersion: tpl.Version,
		Start: start, TargetRateA: pct("2"), TargetRateB: pct("5"), Version: 1,
		AgreementConfig: rebate.AgreementConfig{
			TrancheA: rebate.TrancheConfig{MaxRebate: pct("10"), Stages: map[string]rebate.StageRate{
				"s1": {Kind: rebate.RatePercentage, Rate: pct("2")},
			}},
			TrancheB: rebate.TrancheConfig{MaxRebate: pct("10"), Stages: map[string]rebate.StageRate{
				"s1": {Kind: rebate.RatePercentage, Rate: pct("5")},
			}},
		},
	}
	if err := h.Store.SaveAgreement(agr); err != nil {
		return err
	}
	if err := h.Store.ActivateAgreement(ctx, agr.ID, "scenario"); err != nil {
		return err
	}

	inv, err := demoInvoice(tenantID, lab.ID, "FA-DEMO-002", start.AddDate(0, 0, 10), 2)
	if err != nil {
		return err
	}
	return h.Store.SaveInvoice(ctx, inv)
}

func (h *Handler) loadEscompteRecoveryScenario(ctx context.Context, tenantID rebate.TenantID) error {
	lab := &sqlite.Laboratory{TenantID: tenantID, Name: "Laboratoires Demo C"}
	if err := h.Store.SaveLaboratory(ctx, lab); err != nil {
		return err
	}

	tpl := &rebate.RebateTemplate{
		TenantID: tenantID, Name: "RFA avec escompte", LaboratoryName: lab.Name,
		RebateType: rebate.RebateTypeRFA, Frequency: rebate.FrequencyAnnual,
		Tiers:     []rebate.Tier{{Min: decimal.Zero, Rate: pct("2"), Label: "unique"}},
		Structure: rebate.Structure{Stages: []rebate.StageDefinition{
			{StageID: "s1", Label: "Acompte", Order: 1, DelayMonths: 1, RateType: rebate.RatePercentage, PaymentMethod: rebate.PaymentInvoiceDeduction},
		}},
		TauxEscompte: pct("2"), DelaiEscompteJours: 15,
		Version: 1, Scope: rebate.ScopeSystem,
	}
	if err := h.Store.SaveTemplate(ctx, tpl); err != nil {
		return err
	}

	start := time.Now().UTC().AddDate(0, -1, 0)
	agr := &rebate.LaboratoryAgreement{
		TenantID: tenantID, LaboratoryID: lab.ID, TemplateID: &tpl.ID, TemplateVersion: tpl.Version,
		Start: start, TargetRateA: pct("2"), TargetRateB: pct("2"),
		EscompteRate: pct("2"), EscompteDelaiJours: 15, Version: 1,
		AgreementConfig: rebate.AgreementConfig{
			TrancheA: rebate.TrancheConfig{MaxRebate: pct("10"), Stages: map[string]rebate.StageRate{
				"s1": {Kind: rebate.RatePercentage, Rate: pct("2")},
			}},
			TrancheB: rebate.TrancheConfig{MaxRebate: pct("10"), Stages: map[string]rebate.StageRate{
				"s1": {Kind: rebate.RatePercentage, Rate: pct("2")},
			}},
		},
	}
	if err := h.Store.SaveAgreement(agr); err != nil {
		return err
	}
	if err := h.Store.ActivateAgreement(ctx, agr.ID, "scenario"); err != nil {
		return err
	}

	inv, err := demoInvoice(tenantID, lab.ID, "FA-DEMO-003", start.AddDate(0, 0, 3), 1)
	if err != nil {
		return err
	}
	inv.PaymentMode = "virement anticipe"
	inv.PaymentDelayText = "10 jours"
	return h.Store.SaveInvoice(ctx, inv)
}

// demoInvoice builds a small, realistic invoice through the same ingest
// path an uploaded parse result would take, so scenario data exercises
// classification exactly like production traffic does.
func demoInvoice(tenantID rebate.TenantID, labID rebate.LaboratoryID, number string, date time.Time, variant int) (*rebate.Invoice, error) {
	parsed := ingest.ParsedInvoice{
		TenantID: tenantID, LaboratoryID: labID, Number: number, Date: date,
		PaymentMode: "virement 60 jours", PaymentDelayText: "60 jours fin de mois",
		Lines: []ingest.ParsedInvoiceLine{
			{
				CIP13: "3400930000001", Designation: "Produit A", Lot: fmt.Sprintf("L-%03d", variant),
				Quantity: decimal.NewFromInt(100), PUHT: decimal.RequireFromString("10.00"),
				RemisePct: decimal.RequireFromString("2"), MontantHT: decimal.RequireFromString("980.00"),
				TauxTVA: decimal.RequireFromString("2.10"),
			},
			{
				CIP13: "3400930000002", Designation: "Produit B", Lot: fmt.Sprintf("L-%03d", variant+1),
				Quantity: decimal.NewFromInt(50), PUHT: decimal.RequireFromString("20.00"),
				RemisePct: decimal.RequireFromString("5"), MontantHT: decimal.RequireFromString("950.00"),
				TauxTVA: decimal.RequireFromString("2.10"),
			},
		},
	}
	return parsed.ToInvoice("")
}

func decimalPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}
