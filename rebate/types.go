/*
types.go - Core domain types for invoice verification and rebate computation

PURPOSE:
  Defines the value types that flow through the classifier, verifier,
  rebate engine, versioning service and EMAC reconciler. Every monetary
  and rate field uses decimal.Decimal; there is no float64 anywhere a
  currency amount or percentage is stored or compared.

SEE ALSO:
  - money.go: rounding and tolerance comparisons for these types
  - classify.go, verify.go, engine.go, agreement.go, emac.go: consumers
*/
package rebate

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type LaboratoryID string
type RebateTemplateID string
type AgreementID string
type InvoiceID string
type ScheduleID string
type EMACID string
type UserID string

// =============================================================================
// ENUMS
// =============================================================================

// Tranche classifies an invoice line by VAT eligibility and discount level.
type Tranche string

const (
	TrancheA   Tranche = "A"
	TrancheB   Tranche = "B"
	TrancheOTC Tranche = "OTC"
)

// RebateType enumerates the kinds of commercial advantage a template covers.
type RebateType string

const (
	RebateTypeRFA         RebateType = "rfa"
	RebateTypeEscompte    RebateType = "escompte"
	RebateTypeCooperation RebateType = "cooperation"
	RebateTypeGratuite    RebateType = "gratuite"
)

// Frequency enumerates how often a rebate template's tiers recur.
type Frequency string

const (
	FrequencyMonthly     Frequency = "monthly"
	FrequencyQuarterly   Frequency = "quarterly"
	FrequencySemiannual  Frequency = "semiannual"
	FrequencyAnnual      Frequency = "annual"
)

// TemplateScope enumerates who may reference a RebateTemplate.
type TemplateScope string

const (
	ScopeSystem   TemplateScope = "system"
	ScopeGroup    TemplateScope = "group"
	ScopePharmacy TemplateScope = "pharmacy"
)

// AgreementStatus is the lifecycle state of a LaboratoryAgreement.
type AgreementStatus string

const (
	AgreementDraft     AgreementStatus = "draft"
	AgreementActive    AgreementStatus = "active"
	AgreementSuspended AgreementStatus = "suspended"
	AgreementExpired   AgreementStatus = "expired"
	AgreementArchived  AgreementStatus = "archived"
)

// ScheduleStatus is the lifecycle state of an InvoiceRebateSchedule.
type ScheduleStatus string

const (
	ScheduleForecast   ScheduleStatus = "forecast"
	ScheduleIssued     ScheduleStatus = "issued"
	ScheduleReceived   ScheduleStatus = "received"
	ScheduleDiscrepancy ScheduleStatus = "discrepancy"
	ScheduleCancelled  ScheduleStatus = "cancelled"
)

// StageStatus is the per-entry status of a rebate_entries row.
type StageStatus string

const (
	StageReceived    StageStatus = "received"
	StageScheduled   StageStatus = "scheduled"
	StageConditional StageStatus = "conditional"
)

// RateKind is the tagged-union discriminant for a stage's rate variant.
type RateKind string

const (
	RatePercentage            RateKind = "percentage"
	RateIncrementalPercentage RateKind = "incremental_percentage"
	RateConditionalPercentage RateKind = "conditional_percentage"
)

// PaymentMethod describes how a stage's amount is actually settled.
type PaymentMethod string

const (
	PaymentInvoiceDeduction PaymentMethod = "invoice_deduction"
	PaymentEMACTransfer     PaymentMethod = "emac_transfer"
	PaymentYearEndTransfer  PaymentMethod = "year_end_transfer"
)

// Severity is shared by both anomaly flavors.
type Severity string

const (
	SeverityCritical    Severity = "critical"
	SeverityWarning     Severity = "warning"
	SeverityOpportunity Severity = "opportunity"
	SeverityInfo        Severity = "info"
)

// EMACStatus is the aggregate reconciliation state of an EMAC.
type EMACStatus string

const (
	EMACNonVerifie    EMACStatus = "non_verifie"
	EMACConforme      EMACStatus = "conforme"
	EMACEcartDetecte  EMACStatus = "ecart_detecte"
	EMACAnomalie      EMACStatus = "anomalie"
)

// =============================================================================
// REBATE TEMPLATE & TIERS
// =============================================================================

// Tier is one revenue bracket ("palier") in a progression.
type Tier struct {
	Min   decimal.Decimal  `json:"min"`
	Max   *decimal.Decimal `json:"max,omitempty"` // nil = open-ended
	Rate  decimal.Decimal  `json:"rate"`
	Label string           `json:"label"`
}

// Contains reports whether amount falls within [Min, Max], Max included
// (open-ended if nil).
func (t Tier) Contains(amount decimal.Decimal) bool {
	if amount.LessThan(t.Min) {
		return false
	}
	if t.Max == nil {
		return true
	}
	return amount.LessThan(*t.Max) || amount.Equal(*t.Max)
}

// StageCondition gates a conditional_percentage stage.
type StageCondition struct {
	Type           string          `json:"type"`
	Operator       string          `json:"operator"` // "gte", "lte", etc.
	ThresholdField string          `json:"threshold_field"`
	Threshold      decimal.Decimal `json:"threshold"`
	Unit           string          `json:"unit"`
}

// StageDefinition is one entry in structure.stages: the ordered stage
// catalog shared by every tranche of an agreement's config.
type StageDefinition struct {
	StageID       string          `json:"stage_id"`
	Label         string          `json:"label"`
	Order         int             `json:"order"`
	DelayMonths   int             `json:"delay_months"`
	RateType      RateKind        `json:"rate_type"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Conditions    []StageCondition `json:"conditions,omitempty"`
}

// Structure is the template-level stage catalog (structure.stages).
type Structure struct {
	Stages []StageDefinition `json:"stages"`
}

// RebateTemplate is a reusable vendor-family grid.
type RebateTemplate struct {
	ID               RebateTemplateID `json:"id"`
	TenantID         TenantID         `json:"tenant_id"`
	Name             string           `json:"name"`
	LaboratoryName   string           `json:"laboratory_name"`
	RebateType       RebateType       `json:"rebate_type"`
	Frequency        Frequency        `json:"frequency"`
	Tiers            []Tier           `json:"tiers"`
	Structure        Structure        `json:"structure"`
	TauxEscompte     decimal.Decimal  `json:"taux_escompte"`
	DelaiEscompteJours int            `json:"delai_escompte_jours"`
	TauxCooperation  decimal.Decimal  `json:"taux_cooperation"`
	GratuitesRatio   string           `json:"gratuites_ratio"` // e.g. "10+1"
	GratuitesSeuilQte int             `json:"gratuites_seuil_qte"`
	Version          int              `json:"version"`
	Scope            TemplateScope    `json:"scope"`
}

// =============================================================================
// STAGE RATE (tagged union, one per tranche per stage)
// =============================================================================

// StageRate carries only the fields needed by its Kind: a tagged union
// rather than one struct per variant.
type StageRate struct {
	Kind               RateKind         `json:"rate_type"`
	Rate               decimal.Decimal  `json:"rate,omitempty"`            // percentage
	IncrementalRate    decimal.Decimal  `json:"incremental_rate,omitempty"` // incremental/conditional
	CumulativeRate     decimal.Decimal  `json:"cumulative_rate,omitempty"`
	ConditionThreshold *decimal.Decimal `json:"condition_threshold,omitempty"`
}

// EffectiveRate returns the rate to multiply the tranche base by for this
// stage.
func (r StageRate) EffectiveRate() decimal.Decimal {
	if r.Kind == RatePercentage {
		return r.Rate
	}
	return r.IncrementalRate
}

// TrancheConfig is one tranche's rebate rules (tranche_A or tranche_B).
type TrancheConfig struct {
	MaxRebate decimal.Decimal      `json:"max_rebate"`
	Stages    map[string]StageRate `json:"stages"` // keyed by stage_id
}

// AgreementConfig is the per-tranche staged rate table (agreement_config).
type AgreementConfig struct {
	TrancheA TrancheConfig `json:"tranche_A"`
	TrancheB TrancheConfig `json:"tranche_B"`
}

// =============================================================================
// LABORATORY AGREEMENT
// =============================================================================

type LaboratoryAgreement struct {
	ID                AgreementID     `json:"id"`
	TenantID          TenantID        `json:"tenant_id"`
	LaboratoryID      LaboratoryID    `json:"laboratory_id"`
	TemplateID        *RebateTemplateID `json:"template_id,omitempty"`
	TemplateVersion   int             `json:"template_version"`
	Statut            AgreementStatus `json:"statut"`
	Start             time.Time       `json:"start"`
	End               *time.Time      `json:"end,omitempty"`
	TargetRateA       decimal.Decimal `json:"target_rate_a"`
	TargetRateB       decimal.Decimal `json:"target_rate_b"`
	EscompteRate      decimal.Decimal `json:"escompte_rate"`
	EscompteDelaiJours int            `json:"escompte_delai_jours"`
	CooperationRate   decimal.Decimal `json:"cooperation_rate"`
	GratuitesEnabled  bool            `json:"gratuites_enabled"`
	GratuitesRatioN   int             `json:"gratuites_ratio_n"`
	GratuitesRatioM   int             `json:"gratuites_ratio_m"`
	GratuitesSeuilQte int             `json:"gratuites_seuil_qte"`
	FrancoThreshold   decimal.Decimal `json:"franco_threshold"`
	FrancoShippingFee decimal.Decimal `json:"franco_shipping_fee"`
	AnnualObjective   decimal.Decimal `json:"annual_objective"`
	AgreementConfig   AgreementConfig `json:"agreement_config"`
	CustomTiers       []Tier          `json:"custom_tiers,omitempty"`
	Version           int             `json:"version"`
	PreviousVersionID *AgreementID    `json:"previous_version_id,omitempty"`
	CaCumule          decimal.Decimal `json:"ca_cumule"`
	RemiseCumulee     decimal.Decimal `json:"remise_cumulee"`
	LastRecomputeAt   *time.Time      `json:"last_recompute_at,omitempty"`
}

// =============================================================================
// INVOICE & LINES
// =============================================================================

type InvoiceLine struct {
	ID             int64           `json:"id"`
	InvoiceID      InvoiceID       `json:"invoice_id"`
	CIP13          string          `json:"cip13"`
	Designation    string          `json:"designation"`
	Lot            string          `json:"lot"`
	Quantity       decimal.Decimal `json:"quantity"`
	PUHT           decimal.Decimal `json:"pu_ht"`
	RemisePct      decimal.Decimal `json:"remise_pct"`
	PUAfterRemise  decimal.Decimal `json:"pu_after_remise"`
	MontantHT      decimal.Decimal `json:"montant_ht"`
	TauxTVA        decimal.Decimal `json:"taux_tva"`
	// Derived at classification time.
	MontantBrut   decimal.Decimal `json:"montant_brut"`
	MontantRemise decimal.Decimal `json:"montant_remise"`
	Tranche       Tranche         `json:"tranche"`
}

type Invoice struct {
	ID           InvoiceID    `json:"id"`
	TenantID     TenantID     `json:"tenant_id"`
	LaboratoryID LaboratoryID `json:"laboratory_id"`
	Number       string       `json:"number"`
	Date         time.Time    `json:"date"`
	BrutHT       decimal.Decimal `json:"brut_ht"`
	NetHT        decimal.Decimal `json:"net_ht"`
	TTC          decimal.Decimal `json:"ttc"`
	TotalTVA     decimal.Decimal `json:"total_tva"`
	PaymentMode  string       `json:"payment_mode"`
	PaymentDelayText string   `json:"payment_delay_text"`
	ABrut        decimal.Decimal `json:"a_brut"`
	ARemise      decimal.Decimal `json:"a_remise"`
	BBrut        decimal.Decimal `json:"b_brut"`
	BRemise      decimal.Decimal `json:"b_remise"`
	OTCBrut      decimal.Decimal `json:"otc_brut"`
	OTCRemise    decimal.Decimal `json:"otc_remise"`
	Status       string       `json:"status"`
	Lines        []InvoiceLine `json:"lines"`
}

// =============================================================================
// SCHEDULE
// =============================================================================

// RebateEntry is one stage's scheduled payment.
type RebateEntry struct {
	StageID string          `json:"stage_id"`
	DueDate time.Time       `json:"due_date"`
	Amount  decimal.Decimal `json:"amount"`
	Status  StageStatus     `json:"status"`
}

// TrancheBreakdown records the eligible base and expected amount per tranche.
type TrancheBreakdown struct {
	Base     decimal.Decimal `json:"base"`
	Expected decimal.Decimal `json:"expected"`
}

type InvoiceRebateSchedule struct {
	ID               ScheduleID      `json:"id"`
	TenantID         TenantID        `json:"tenant_id"`
	AgreementID      AgreementID     `json:"agreement_id"`
	InvoiceID        InvoiceID       `json:"invoice_id"`
	RebateType       RebateType      `json:"rebate_type"`
	MontantBaseHT    decimal.Decimal `json:"montant_base_ht"`
	TauxApplique     decimal.Decimal `json:"taux_applique"`
	MontantPrevu     decimal.Decimal `json:"montant_prevu"`
	MontantRecu      *decimal.Decimal `json:"montant_recu,omitempty"`
	Ecart            *decimal.Decimal `json:"ecart,omitempty"`
	AppliedConfig    AppliedConfigSnapshot `json:"applied_config"`
	TrancheBreakdown map[Tranche]TrancheBreakdown `json:"tranche_breakdown"`
	RebateEntries    []RebateEntry   `json:"rebate_entries"`
	Status           ScheduleStatus  `json:"status"`
	InvoiceDate      time.Time       `json:"invoice_date"`
	InvoiceAmount    decimal.Decimal `json:"invoice_amount"`
	DateEcheance     *time.Time      `json:"date_echeance,omitempty"`
	DateReception    *time.Time      `json:"date_reception,omitempty"`
	AgreementVersion int             `json:"agreement_version"`
}

// AppliedConfigSnapshot is a deep, non-aliased copy of the agreement config
// in force at compute time, so a later agreement edit can never retroactively
// change an already-scheduled stage.
type AppliedConfigSnapshot struct {
	AgreementConfig     AgreementConfig `json:"agreement_config"`
	Structure           Structure       `json:"structure"`
	TemplateVersion     int             `json:"template_version"`
	AgreementVersion    int             `json:"agreement_version"`
	PriorReceivedAmount *decimal.Decimal `json:"prior_received_amount,omitempty"`
}

// Clone returns a deep copy with no aliasing to the receiver's slices/maps.
func (s AppliedConfigSnapshot) Clone() AppliedConfigSnapshot {
	out := s
	out.AgreementConfig.TrancheA.Stages = cloneStageMap(s.AgreementConfig.TrancheA.Stages)
	out.AgreementConfig.TrancheB.Stages = cloneStageMap(s.AgreementConfig.TrancheB.Stages)
	out.Structure.Stages = append([]StageDefinition(nil), s.Structure.Stages...)
	for i := range out.Structure.Stages {
		out.Structure.Stages[i].Conditions = append([]StageCondition(nil), s.Structure.Stages[i].Conditions...)
	}
	if s.PriorReceivedAmount != nil {
		v := *s.PriorReceivedAmount
		out.PriorReceivedAmount = &v
	}
	return out
}

func cloneStageMap(in map[string]StageRate) map[string]StageRate {
	if in == nil {
		return nil
	}
	out := make(map[string]StageRate, len(in))
	for k, v := range in {
		if v.ConditionThreshold != nil {
			t := *v.ConditionThreshold
			v.ConditionThreshold = &t
		}
		out[k] = v
	}
	return out
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditAction enumerates agreement-mutating actions recorded in the log.
type AuditAction string

const (
	AuditVersionBump AuditAction = "version_bump"
	AuditActivate    AuditAction = "activate"
	AuditSuspend     AuditAction = "suspend"
)

// AgreementAuditLog is an append-only record of agreement mutations.
type AgreementAuditLog struct {
	ID          int64       `json:"id"`
	AgreementID AgreementID `json:"agreement_id"`
	UserID      UserID      `json:"user_id"`
	Action      AuditAction `json:"action"`
	AncienEtat  map[string]interface{} `json:"ancien_etat"`
	NouvelEtat  map[string]interface{} `json:"nouvel_etat"`
	Description string      `json:"description"`
	IPAddress   string      `json:"ip_address"`
	Timestamp   time.Time   `json:"timestamp"`
}

// =============================================================================
// EMAC
// =============================================================================

type EMAC struct {
	ID              EMACID       `json:"id"`
	TenantID        TenantID     `json:"tenant_id"`
	LaboratoryID    LaboratoryID `json:"laboratory_id"`
	PeriodStart     time.Time    `json:"period_start"`
	PeriodEnd       time.Time    `json:"period_end"`
	DeclaredCA      decimal.Decimal `json:"declared_ca"`
	DeclaredRFA     decimal.Decimal `json:"declared_rfa"`
	DeclaredCOP     decimal.Decimal `json:"declared_cop"`
	DeclaredDiffere decimal.Decimal `json:"declared_differed"`
	OtherAdvantages decimal.Decimal `json:"other_advantages"`
	TotalDeclared   decimal.Decimal `json:"total_declared_advantages"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`

	// Computed after verification.
	CaReel               decimal.Decimal `json:"ca_reel"`
	NbInvoicesMatched    int             `json:"nb_invoices_matched"`
	EcartCA              decimal.Decimal `json:"ecart_ca"`
	EcartCAPct           decimal.Decimal `json:"ecart_ca_pct"`
	RFAAttendueCalculee  decimal.Decimal `json:"rfa_attendue_calculee"`
	EcartRFA             decimal.Decimal `json:"ecart_rfa"`
	AnomaliesResume      string          `json:"anomalies_resume"`
	NbAnomalies          int             `json:"nb_anomalies"`
	Statut               EMACStatus      `json:"statut"`
	MontantRecouvrable   decimal.Decimal `json:"montant_recouvrable"`
}

// MissingEMAC is one gap in EMAC coverage for a laboratory/month.
type MissingEMAC struct {
	LaboratoryID   LaboratoryID `json:"laboratory_id"`
	LaboratoryName string       `json:"laboratory_name"`
	PeriodStart    time.Time    `json:"period_start"`
	PeriodEnd      time.Time    `json:"period_end"`
	MonthCA        decimal.Decimal `json:"month_ca"`
	InvoiceCount   int          `json:"invoice_count"`
}

// =============================================================================
// ANOMALIES
// =============================================================================

// InvoiceAnomaly is one finding from the seven-check invoice verifier.
type InvoiceAnomaly struct {
	ID                int64           `json:"id"`
	InvoiceID         InvoiceID       `json:"invoice_id"`
	Kind              string          `json:"kind"`
	Severity          Severity        `json:"severity"`
	Description       string          `json:"description"`
	MontantEcart      *decimal.Decimal `json:"montant_ecart,omitempty"`
	ActionSuggeree    string          `json:"action_suggeree"`
	Resolu            bool            `json:"resolu"`
	ResolutionNote    string          `json:"resolution_note"`
	CreatedAt         time.Time       `json:"created_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// EMACAnomaly is one finding from the EMAC reconciler.
type EMACAnomaly struct {
	ID             int64           `json:"id"`
	EMACID         EMACID          `json:"emac_id"`
	Kind           string          `json:"kind"`
	Severity       Severity        `json:"severity"`
	Description    string          `json:"description"`
	MontantEcart   *decimal.Decimal `json:"montant_ecart,omitempty"`
	ActionSuggeree string          `json:"action_suggeree"`
	Resolu         bool            `json:"resolu"`
	ResolutionNote string          `json:"resolution_note"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}
