/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

ERROR ENVELOPE:
  Fixed shape: {error: <code>, message: <text>, details}. The "error"
  field carries a stable machine-readable code (see api/errors.go's
  codeFor), not the free-text message.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmaverif/rebate-engine/rebate"
	"github.com/pharmaverif/rebate-engine/store/sqlite"
)

// ErrorResponse is the standard error response shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// LABORATORY / TEMPLATE
// =============================================================================

// LaboratoryDTO represents a laboratory in API responses.
type LaboratoryDTO struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

// CreateLaboratoryRequest is the request to register a laboratory.
type CreateLaboratoryRequest struct {
	Name string `json:"name"`
}

func toLaboratoryDTO(l sqlite.Laboratory) LaboratoryDTO {
	return LaboratoryDTO{ID: string(l.ID), TenantID: string(l.TenantID), Name: l.Name}
}

// TemplateDTO represents a RebateTemplate in API responses.
type TemplateDTO struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	LaboratoryName     string          `json:"laboratory_name"`
	RebateType         string          `json:"rebate_type"`
	Frequency          string          `json:"frequency"`
	Tiers              []rebate.Tier   `json:"tiers"`
	Structure          rebate.Structure `json:"structure"`
	TauxEscompte       decimal.Decimal `json:"taux_escompte"`
	DelaiEscompteJours int             `json:"delai_escompte_jours"`
	TauxCooperation    decimal.Decimal `json:"taux_cooperation"`
	GratuitesRatio     string          `json:"gratuites_ratio"`
	GratuitesSeuilQte  int             `json:"gratuites_seuil_qte"`
	Version            int             `json:"version"`
	Scope              string          `json:"scope"`
}

// CreateTemplateRequest is the request to create or update a RebateTemplate.
type CreateTemplateRequest struct {
	Name               string          `json:"name"`
	LaboratoryName     string          `json:"laboratory_name"`
	RebateType         string          `json:"rebate_type"`
	Frequency          string          `json:"frequency"`
	Tiers              []rebate.Tier   `json:"tiers"`
	Structure          rebate.Structure `json:"structure"`
	TauxEscompte       decimal.Decimal `json:"taux_escompte"`
	DelaiEscompteJours int             `json:"delai_escompte_jours"`
	TauxCooperation    decimal.Decimal `json:"taux_cooperation"`
	GratuitesRatio     string          `json:"gratuites_ratio"`
	GratuitesSeuilQte  int             `json:"gratuites_seuil_qte"`
	Scope              string          `json:"scope"`
}

func toTemplateDTO(t rebate.RebateTemplate) TemplateDTO {
	return TemplateDTO{
		ID: string(t.ID), Name: t.Name, LaboratoryName: t.LaboratoryName,
		RebateType: string(t.RebateType), Frequency: string(t.Frequency),
		Tiers: t.Tiers, Structure: t.Structure, TauxEscompte: t.TauxEscompte,
		DelaiEscompteJours: t.DelaiEscompteJours, TauxCooperation: t.TauxCooperation,
		GratuitesRatio: t.GratuitesRatio, GratuitesSeuilQte: t.GratuitesSeuilQte,
		Version: t.Version, Scope: string(t.Scope),
	}
}

func toTemplateDTOs(ts []rebate.RebateTemplate) []TemplateDTO {
	out := make([]TemplateDTO, len(ts))
	for i, t := range ts {
		out[i] = toTemplateDTO(t)
	}
	return out
}

// =============================================================================
// AGREEMENT
// =============================================================================

// AgreementDTO represents a LaboratoryAgreement in API responses.
type AgreementDTO struct {
	ID                string                 `json:"id"`
	LaboratoryID       string                 `json:"laboratory_id"`
	TemplateID         *string                `json:"template_id,omitempty"`
	TemplateVersion    int                    `json:"template_version"`
	Statut             string                 `json:"statut"`
	Start              time.Time              `json:"start"`
	End                *time.Time             `json:"end,omitempty"`
	TargetRateA        decimal.Decimal        `json:"target_rate_a"`
	TargetRateB        decimal.Decimal        `json:"target_rate_b"`
	EscompteRate       decimal.Decimal        `json:"escompte_rate"`
	EscompteDelaiJours int                    `json:"escompte_delai_jours"`
	CooperationRate    decimal.Decimal        `json:"cooperation_rate"`
	FrancoThreshold    decimal.Decimal        `json:"franco_threshold"`
	FrancoShippingFee  decimal.Decimal        `json:"franco_shipping_fee"`
	AnnualObjective    decimal.Decimal        `json:"annual_objective"`
	AgreementConfig    rebate.AgreementConfig `json:"agreement_config"`
	Version            int                    `json:"version"`
	PreviousVersionID  *string                `json:"previous_version_id,omitempty"`
	CaCumule           decimal.Decimal        `json:"ca_cumule"`
	RemiseCumulee      decimal.Decimal        `json:"remise_cumulee"`
}

// CreateAgreementRequest is the request to create a draft LaboratoryAgreement.
type CreateAgreementRequest struct {
	LaboratoryID       string                 `json:"laboratory_id"`
	TemplateID         *string                `json:"template_id,omitempty"`
	Start              time.Time              `json:"start"`
	End                *time.Time             `json:"end,omitempty"`
	TargetRateA        decimal.Decimal        `json:"target_rate_a"`
	TargetRateB        decimal.Decimal        `json:"target_rate_b"`
	EscompteRate       decimal.Decimal        `json:"escompte_rate"`
	EscompteDelaiJours int                    `json:"escompte_delai_jours"`
	CooperationRate    decimal.Decimal        `json:"cooperation_rate"`
	FrancoThreshold    decimal.Decimal        `json:"franco_threshold"`
	FrancoShippingFee  decimal.Decimal        `json:"franco_shipping_fee"`
	AnnualObjective    decimal.Decimal        `json:"annual_objective"`
	AgreementConfig    rebate.AgreementConfig `json:"agreement_config"`
}

// ActivateAgreementRequest names the acting user for the audit log.
type ActivateAgreementRequest struct {
	UserID string `json:"user_id"`
}

func toAgreementDTO(a rebate.LaboratoryAgreement) AgreementDTO {
	dto := AgreementDTO{
		ID: string(a.ID), LaboratoryID: string(a.LaboratoryID), TemplateVersion: a.TemplateVersion,
		Statut: string(a.Statut), Start: a.Start, End: a.End,
		TargetRateA: a.TargetRateA, TargetRateB: a.TargetRateB,
		EscompteRate: a.EscompteRate, EscompteDelaiJours: a.EscompteDelaiJours,
		CooperationRate: a.CooperationRate, FrancoThreshold: a.FrancoThreshold,
		FrancoShippingFee: a.FrancoShippingFee, AnnualObjective: a.AnnualObjective,
		AgreementConfig: a.AgreementConfig, Version: a.Version,
		CaCumule: a.CaCumule, RemiseCumulee: a.RemiseCumulee,
	}
	if a.TemplateID != nil {
		dto.TemplateID = strPtr(string(*a.TemplateID))
	}
	if a.PreviousVersionID != nil {
		dto.PreviousVersionID = strPtr(string(*a.PreviousVersionID))
	}
	return dto
}

func toAgreementDTOs(as []rebate.LaboratoryAgreement) []AgreementDTO {
	out := make([]AgreementDTO, len(as))
	for i, a := range as {
		out[i] = toAgreementDTO(a)
	}
	return out
}

// =============================================================================
// INVOICE
// =============================================================================

// InvoiceLineDTO represents one classified invoice line.
type InvoiceLineDTO struct {
	CIP13         string          `json:"cip13"`
	Designation   string          `json:"designation"`
	Lot           string          `json:"lot"`
	Quantity      decimal.Decimal `json:"quantity"`
	PUHT          decimal.Decimal `json:"pu_ht"`
	RemisePct     decimal.Decimal `json:"remise_pct"`
	PUAfterRemise decimal.Decimal `json:"pu_after_remise"`
	MontantHT     decimal.Decimal `json:"montant_ht"`
	TauxTVA       decimal.Decimal `json:"taux_tva"`
	MontantBrut   decimal.Decimal `json:"montant_brut"`
	MontantRemise decimal.Decimal `json:"montant_remise"`
	Tranche       string          `json:"tranche"`
}

// InvoiceDTO represents an Invoice in API responses.
type InvoiceDTO struct {
	ID           string           `json:"id"`
	LaboratoryID string           `json:"laboratory_id"`
	Number       string           `json:"number"`
	Date         time.Time        `json:"date"`
	BrutHT       decimal.Decimal  `json:"brut_ht"`
	NetHT        decimal.Decimal  `json:"net_ht"`
	TTC          decimal.Decimal  `json:"ttc"`
	TotalTVA     decimal.Decimal  `json:"total_tva"`
	Status       string           `json:"status"`
	Lines        []InvoiceLineDTO `json:"lines"`
}

func toInvoiceDTO(inv rebate.Invoice) InvoiceDTO {
	lines := make([]InvoiceLineDTO, len(inv.Lines))
	for i, l := range inv.Lines {
		lines[i] = InvoiceLineDTO{
			CIP13: l.CIP13, Designation: l.Designation, Lot: l.Lot, Quantity: l.Quantity,
			PUHT: l.PUHT, RemisePct: l.RemisePct, PUAfterRemise: l.PUAfterRemise,
			MontantHT: l.MontantHT, TauxTVA: l.TauxTVA, MontantBrut: l.MontantBrut,
			MontantRemise: l.MontantRemise, Tranche: string(l.Tranche),
		}
	}
	return InvoiceDTO{
		ID: string(inv.ID), LaboratoryID: string(inv.LaboratoryID), Number: inv.Number, Date: inv.Date,
		BrutHT: inv.BrutHT, NetHT: inv.NetHT, TTC: inv.TTC, TotalTVA: inv.TotalTVA,
		Status: string(inv.Status), Lines: lines,
	}
}

// InvoiceAnomalyDTO represents one verification finding.
type InvoiceAnomalyDTO struct {
	ID             int64            `json:"id"`
	Kind           string           `json:"kind"`
	Severity       string           `json:"severity"`
	Description    string           `json:"description"`
	MontantEcart   *decimal.Decimal `json:"montant_ecart,omitempty"`
	ActionSuggeree string           `json:"action_suggeree"`
	Resolu         bool             `json:"resolu"`
}

func toInvoiceAnomalyDTO(a rebate.InvoiceAnomaly) InvoiceAnomalyDTO {
	return InvoiceAnomalyDTO{
		ID: a.ID, Kind: a.Kind, Severity: string(a.Severity), Description: a.Description,
		MontantEcart: a.MontantEcart, ActionSuggeree: a.ActionSuggeree, Resolu: a.Resolu,
	}
}

func toInvoiceAnomalyDTOs(as []rebate.InvoiceAnomaly) []InvoiceAnomalyDTO {
	out := make([]InvoiceAnomalyDTO, len(as))
	for i, a := range as {
		out[i] = toInvoiceAnomalyDTO(a)
	}
	return out
}

// VerifyInvoiceResponse wraps an invoice's verification result.
type VerifyInvoiceResponse struct {
	Invoice   InvoiceDTO          `json:"invoice"`
	Anomalies []InvoiceAnomalyDTO `json:"anomalies"`
}

// =============================================================================
// SCHEDULE
// =============================================================================

// RebateEntryDTO represents one staged payment entry.
type RebateEntryDTO struct {
	StageID string          `json:"stage_id"`
	DueDate time.Time       `json:"due_date"`
	Amount  decimal.Decimal `json:"amount"`
	Status  string          `json:"status"`
}

// ScheduleDTO represents an InvoiceRebateSchedule in API responses.
type ScheduleDTO struct {
	ID            string                            `json:"id"`
	AgreementID   string                            `json:"agreement_id"`
	InvoiceID     string                            `json:"invoice_id"`
	MontantBaseHT decimal.Decimal                   `json:"montant_base_ht"`
	TauxApplique  decimal.Decimal                   `json:"taux_applique"`
	MontantPrevu  decimal.Decimal                   `json:"montant_prevu"`
	MontantRecu   *decimal.Decimal                  `json:"montant_recu,omitempty"`
	Ecart         *decimal.Decimal                  `json:"ecart,omitempty"`
	TrancheBreakdown map[string]rebate.TrancheBreakdown `json:"tranche_breakdown"`
	RebateEntries []RebateEntryDTO                  `json:"rebate_entries"`
	Status        string                            `json:"status"`
}

func toScheduleDTO(s rebate.InvoiceRebateSchedule) ScheduleDTO {
	entries := make([]RebateEntryDTO, len(s.RebateEntries))
	for i, e := range s.RebateEntries {
		entries[i] = RebateEntryDTO{StageID: e.StageID, DueDate: e.DueDate, Amount: e.Amount, Status: string(e.Status)}
	}
	breakdown := make(map[string]rebate.TrancheBreakdown, len(s.TrancheBreakdown))
	for k, v := range s.TrancheBreakdown {
		breakdown[string(k)] = v
	}
	return ScheduleDTO{
		ID: string(s.ID), AgreementID: string(s.AgreementID), InvoiceID: string(s.InvoiceID),
		MontantBaseHT: s.MontantBaseHT, TauxApplique: s.TauxApplique, MontantPrevu: s.MontantPrevu,
		MontantRecu: s.MontantRecu, Ecart: s.Ecart, TrancheBreakdown: breakdown,
		RebateEntries: entries, Status: string(s.Status),
	}
}

// MergeReceivedRequest is the request to record a received rebate amount
// against an existing schedule.
type MergeReceivedRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// =============================================================================
// EMAC
// =============================================================================

// EMACDTO represents an EMAC in API responses.
type EMACDTO struct {
	ID                  string          `json:"id"`
	LaboratoryID        string          `json:"laboratory_id"`
	PeriodStart         time.Time       `json:"period_start"`
	PeriodEnd           time.Time       `json:"period_end"`
	DeclaredCA          decimal.Decimal `json:"declared_ca"`
	DeclaredRFA         decimal.Decimal `json:"declared_rfa"`
	DeclaredCOP         decimal.Decimal `json:"declared_cop"`
	DeclaredDiffere     decimal.Decimal `json:"declared_differe"`
	OtherAdvantages     decimal.Decimal `json:"other_advantages"`
	TotalDeclared       decimal.Decimal `json:"total_declared"`
	AmountPaid          decimal.Decimal `json:"amount_paid"`
	RemainingBalance    decimal.Decimal `json:"remaining_balance"`
	CaReel              decimal.Decimal `json:"ca_reel"`
	NbInvoicesMatched   int             `json:"nb_invoices_matched"`
	EcartCA             decimal.Decimal `json:"ecart_ca"`
	EcartCAPct          decimal.Decimal `json:"ecart_ca_pct"`
	Statut              string          `json:"statut"`
}

// CreateEMACRequest is the request to record a declared EMAC.
type CreateEMACRequest struct {
	LaboratoryID    string          `json:"laboratory_id"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
	DeclaredCA      decimal.Decimal `json:"declared_ca"`
	DeclaredRFA     decimal.Decimal `json:"declared_rfa"`
	DeclaredCOP     decimal.Decimal `json:"declared_cop"`
	DeclaredDiffere decimal.Decimal `json:"declared_differe"`
	OtherAdvantages decimal.Decimal `json:"other_advantages"`
	TotalDeclared   decimal.Decimal `json:"total_declared"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
}

func toEMACDTO(e rebate.EMAC) EMACDTO {
	return EMACDTO{
		ID: string(e.ID), LaboratoryID: string(e.LaboratoryID), PeriodStart: e.PeriodStart, PeriodEnd: e.PeriodEnd,
		DeclaredCA: e.DeclaredCA, DeclaredRFA: e.DeclaredRFA, DeclaredCOP: e.DeclaredCOP,
		DeclaredDiffere: e.DeclaredDiffere, OtherAdvantages: e.OtherAdvantages, TotalDeclared: e.TotalDeclared,
		AmountPaid: e.AmountPaid, RemainingBalance: e.RemainingBalance, CaReel: e.CaReel,
		NbInvoicesMatched: e.NbInvoicesMatched, EcartCA: e.EcartCA, EcartCAPct: e.EcartCAPct,
		Statut: string(e.Statut),
	}
}

func toEMACDTOs(es []rebate.EMAC) []EMACDTO {
	out := make([]EMACDTO, len(es))
	for i, e := range es {
		out[i] = toEMACDTO(e)
	}
	return out
}

// EMACAnomalyDTO represents one EMAC reconciliation finding.
type EMACAnomalyDTO struct {
	ID             int64            `json:"id"`
	Kind           string           `json:"kind"`
	Severity       string           `json:"severity"`
	Description    string           `json:"description"`
	MontantEcart   *decimal.Decimal `json:"montant_ecart,omitempty"`
	ActionSuggeree string           `json:"action_suggeree"`
}

func toEMACAnomalyDTOs(as []rebate.EMACAnomaly) []EMACAnomalyDTO {
	out := make([]EMACAnomalyDTO, len(as))
	for i, a := range as {
		out[i] = EMACAnomalyDTO{
			ID: a.ID, Kind: a.Kind, Severity: string(a.Severity), Description: a.Description,
			MontantEcart: a.MontantEcart, ActionSuggeree: a.ActionSuggeree,
		}
	}
	return out
}

// MissingEMACDTO represents a period with invoiced turnover but no EMAC.
type MissingEMACDTO struct {
	LaboratoryID   string          `json:"laboratory_id"`
	LaboratoryName string          `json:"laboratory_name"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
	MonthCA        decimal.Decimal `json:"month_ca"`
	InvoiceCount   int             `json:"invoice_count"`
}

func toMissingEMACDTOs(ms []rebate.MissingEMAC) []MissingEMACDTO {
	out := make([]MissingEMACDTO, len(ms))
	for i, m := range ms {
		out[i] = MissingEMACDTO{
			LaboratoryID: string(m.LaboratoryID), LaboratoryName: m.LaboratoryName,
			PeriodStart: m.PeriodStart, PeriodEnd: m.PeriodEnd,
			MonthCA: m.MonthCA, InvoiceCount: m.InvoiceCount,
		}
	}
	return out
}

func strPtr(s string) *string { return &s }

// ScenarioDTO describes a demo scenario available via LoadScenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}
