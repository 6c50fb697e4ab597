/*
Package sqlite provides a SQLite-backed implementation of the rebate
package's storage interfaces.

PURPOSE:
  Persists laboratories, rebate templates, agreements, invoices, schedules,
  the agreement audit log, EMACs and both anomaly flavors. Implements
  rebate.AgreementStore, rebate.ScheduleStore, rebate.AmountProvider and
  rebate.InvoiceCASource so the domain package never imports database/sql.

APPEND-ONLY ENFORCEMENT:
  Schedules are never UPDATEd once persisted except through
  CancelAndReplace's single transaction (cancel old row, insert new row).
  The agreement_audit_log table has no UPDATE or DELETE statement
  anywhere in this file.

KEY TABLES:
  laboratories, rebate_templates, agreements, invoices, invoice_lines,
  schedules, agreement_audit_log, emacs, invoice_anomalies, emac_anomalies

INDEXES:
  idx_unique_active_agreement: enforces at most one active agreement per
    (tenant, laboratory) at the database layer, mirroring the invariant
    agreement.go's Activate/CreateNewVersion also enforce in Go.
  idx_invoices_tenant_lab_date, idx_agreements_tenant_lab_statut,
  idx_schedules_agreement, idx_schedules_invoice,
  idx_emacs_tenant_lab_period: every lookup path the core uses.

CONCURRENCY:
  sync.RWMutex guards writes; SQLite is opened with WAL plus a busy
  timeout so concurrent same-invoice verifications serialize instead of
  erroring with SQLITE_BUSY.

SEE ALSO:
  - rebate/agreement.go, rebate/ledger.go, rebate/emac.go: interfaces
  - api/handlers*.go: HTTP layer built on this Store
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/pharmaverif/rebate-engine/rebate"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens a SQLite database at dbPath (":memory:" for an in-memory
// database) and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS laboratories (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_laboratories_tenant ON laboratories(tenant_id);

	CREATE TABLE IF NOT EXISTS rebate_templates (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		laboratory_name TEXT NOT NULL,
		rebate_type TEXT NOT NULL,
		frequency TEXT NOT NULL,
		tiers_json TEXT NOT NULL,
		structure_json TEXT NOT NULL,
		taux_escompte TEXT NOT NULL DEFAULT '0',
		delai_escompte_jours INTEGER NOT NULL DEFAULT 0,
		taux_cooperation TEXT NOT NULL DEFAULT '0',
		gratuites_ratio TEXT,
		gratuites_seuil_qte INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		scope TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(tenant_id, name)
	);

	CREATE TABLE IF NOT EXISTS agreements (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		laboratory_id TEXT NOT NULL,
		template_id TEXT,
		template_version INTEGER NOT NULL DEFAULT 0,
		statut TEXT NOT NULL,
		start TEXT NOT NULL,
		end_at TEXT,
		target_rate_a TEXT NOT NULL DEFAULT '0',
		target_rate_b TEXT NOT NULL DEFAULT '0',
		escompte_rate TEXT NOT NULL DEFAULT '0',
		escompte_delai_jours INTEGER NOT NULL DEFAULT 0,
		cooperation_rate TEXT NOT NULL DEFAULT '0',
		gratuites_enabled INTEGER NOT NULL DEFAULT 0,
		gratuites_ratio_n INTEGER NOT NULL DEFAULT 0,
		gratuites_ratio_m INTEGER NOT NULL DEFAULT 0,
		gratuites_seuil_qte INTEGER NOT NULL DEFAULT 0,
		franco_threshold TEXT NOT NULL DEFAULT '0',
		franco_shipping_fee TEXT NOT NULL DEFAULT '0',
		annual_objective TEXT NOT NULL DEFAULT '0',
		agreement_config_json TEXT NOT NULL,
		custom_tiers_json TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		previous_version_id TEXT,
		ca_cumule TEXT NOT NULL DEFAULT '0',
		remise_cumulee TEXT NOT NULL DEFAULT '0',
		last_recompute_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_agreements_tenant_lab_statut
		ON agreements(tenant_id, laboratory_id, statut);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_agreement
		ON agreements(tenant_id, laboratory_id) WHERE statut = 'active';

	CREATE TABLE IF NOT EXISTS agreement_audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agreement_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		ancien_etat_json TEXT,
		nouvel_etat_json TEXT,
		description TEXT,
		ip_address TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_agreement ON agreement_audit_log(agreement_id);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		laboratory_id TEXT NOT NULL,
		number TEXT NOT NULL,
		date TEXT NOT NULL,
		brut_ht TEXT NOT NULL DEFAULT '0',
		net_ht TEXT NOT NULL DEFAULT '0',
		ttc TEXT NOT NULL DEFAULT '0',
		total_tva TEXT NOT NULL DEFAULT '0',
		payment_mode TEXT,
		payment_delay_text TEXT,
		a_brut TEXT NOT NULL DEFAULT '0',
		a_remise TEXT NOT NULL DEFAULT '0',
		b_brut TEXT NOT NULL DEFAULT '0',
		b_remise TEXT NOT NULL DEFAULT '0',
		otc_brut TEXT NOT NULL DEFAULT '0',
		otc_remise TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'imported'
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_tenant_lab_date
		ON invoices(tenant_id, laboratory_id, date);

	CREATE TABLE IF NOT EXISTS invoice_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id TEXT NOT NULL,
		cip13 TEXT NOT NULL,
		designation TEXT,
		lot TEXT,
		quantity TEXT NOT NULL DEFAULT '0',
		pu_ht TEXT NOT NULL DEFAULT '0',
		remise_pct TEXT NOT NULL DEFAULT '0',
		pu_after_remise TEXT NOT NULL DEFAULT '0',
		montant_ht TEXT NOT NULL DEFAULT '0',
		taux_tva TEXT NOT NULL DEFAULT '0',
		montant_brut TEXT NOT NULL DEFAULT '0',
		montant_remise TEXT NOT NULL DEFAULT '0',
		tranche TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_invoice_lines_invoice ON invoice_lines(invoice_id);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		agreement_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		rebate_type TEXT,
		montant_base_ht TEXT NOT NULL DEFAULT '0',
		taux_applique TEXT NOT NULL DEFAULT '0',
		montant_prevu TEXT NOT NULL DEFAULT '0',
		montant_recu TEXT,
		ecart TEXT,
		applied_config_json TEXT NOT NULL,
		tranche_breakdown_json TEXT NOT NULL,
		rebate_entries_json TEXT NOT NULL,
		status TEXT NOT NULL,
		invoice_date TEXT NOT NULL,
		invoice_amount TEXT NOT NULL DEFAULT '0',
		date_echeance TEXT,
		date_reception TEXT,
		agreement_version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_agreement ON schedules(agreement_id);
	CREATE INDEX IF NOT EXISTS idx_schedules_invoice ON schedules(invoice_id);

	CREATE TABLE IF NOT EXISTS emacs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		laboratory_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		declared_ca TEXT NOT NULL DEFAULT '0',
		declared_rfa TEXT NOT NULL DEFAULT '0',
		declared_cop TEXT NOT NULL DEFAULT '0',
		declared_differed TEXT NOT NULL DEFAULT '0',
		other_advantages TEXT NOT NULL DEFAULT '0',
		total_declared TEXT NOT NULL DEFAULT '0',
		amount_paid TEXT NOT NULL DEFAULT '0',
		remaining_balance TEXT NOT NULL DEFAULT '0',
		ca_reel TEXT NOT NULL DEFAULT '0',
		nb_invoices_matched INTEGER NOT NULL DEFAULT 0,
		ecart_ca TEXT NOT NULL DEFAULT '0',
		ecart_ca_pct TEXT NOT NULL DEFAULT '0',
		rfa_attendue_calculee TEXT NOT NULL DEFAULT '0',
		ecart_rfa TEXT NOT NULL DEFAULT '0',
		anomalies_resume TEXT,
		nb_anomalies INTEGER NOT NULL DEFAULT 0,
		statut TEXT NOT NULL DEFAULT 'non_verifie',
		montant_recouvrable TEXT NOT NULL DEFAULT '0'
	);
	CREATE INDEX IF NOT EXISTS idx_emacs_tenant_lab_period
		ON emacs(tenant_id, laboratory_id, period_start, period_end);

	CREATE TABLE IF NOT EXISTS invoice_anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT,
		montant_ecart TEXT,
		action_suggeree TEXT,
		resolu INTEGER NOT NULL DEFAULT 0,
		resolution_note TEXT,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_invoice_anomalies_invoice ON invoice_anomalies(invoice_id);

	CREATE TABLE IF NOT EXISTS emac_anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		emac_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT,
		montant_ecart TEXT,
		action_suggeree TEXT,
		resolu INTEGER NOT NULL DEFAULT 0,
		resolution_note TEXT,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_emac_anomalies_emac ON emac_anomalies(emac_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// AGREEMENT STORE (rebate.AgreementStore)
// =============================================================================

func (s *Store) LoadAgreement(id rebate.AgreementID) (*rebate.LaboratoryAgreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+agreementColumns+` FROM agreements WHERE id = ?`, string(id))
	a, err := scanAgreement(row)
	if err == sql.ErrNoRows {
		return nil, rebate.ErrAgreementNotFound
	}
	return a, err
}

func (s *Store) ActiveAgreement(tenantID rebate.TenantID, laboratoryID rebate.LaboratoryID) (*rebate.LaboratoryAgreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+agreementColumns+` FROM agreements
		WHERE tenant_id = ? AND laboratory_id = ? AND statut = 'active'`,
		string(tenantID), string(laboratoryID))
	a, err := scanAgreement(row)
	if err == sql.ErrNoRows {
		return nil, rebate.ErrNoActiveAgreement
	}
	return a, err
}

func (s *Store) SaveAgreement(a *rebate.LaboratoryAgreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = rebate.AgreementID(newID("agr"))
	}

	cfgJSON, err := json.Marshal(a.AgreementConfig)
	if err != nil {
		return fmt.Errorf("marshal agreement_config: %w", err)
	}
	tiersJSON, err := json.Marshal(a.CustomTiers)
	if err != nil {
		return fmt.Errorf("marshal custom_tiers: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agreements (id, tenant_id, laboratory_id, template_id, template_version, statut,
			start, end_at, target_rate_a, target_rate_b, escompte_rate, escompte_delai_jours,
			cooperation_rate, gratuites_enabled, gratuites_ratio_n, gratuites_ratio_m,
			gratuites_seuil_qte, franco_threshold, franco_shipping_fee, annual_objective,
			agreement_config_json, custom_tiers_json, version, previous_version_id,
			ca_cumule, remise_cumulee, last_recompute_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			template_id=excluded.template_id, template_version=excluded.template_version,
			statut=excluded.statut, start=excluded.start, end_at=excluded.end_at,
			target_rate_a=excluded.target_rate_a, target_rate_b=excluded.target_rate_b,
			escompte_rate=excluded.escompte_rate, escompte_delai_jours=excluded.escompte_delai_jours,
			cooperation_rate=excluded.cooperation_rate, gratuites_enabled=excluded.gratuites_enabled,
			gratuites_ratio_n=excluded.gratuites_ratio_n, gratuites_ratio_m=excluded.gratuites_ratio_m,
			gratuites_seuil_qte=excluded.gratuites_seuil_qte, franco_threshold=excluded.franco_threshold,
			franco_shipping_fee=excluded.franco_shipping_fee, annual_objective=excluded.annual_objective,
			agreement_config_json=excluded.agreement_config_json, custom_tiers_json=excluded.custom_tiers_json,
			version=excluded.version, previous_version_id=excluded.previous_version_id,
			ca_cumule=excluded.ca_cumule, remise_cumulee=excluded.remise_cumulee,
			last_recompute_at=excluded.last_recompute_at
		`,
		string(a.ID), string(a.TenantID), string(a.LaboratoryID), nullTemplateID(a.TemplateID), a.TemplateVersion, string(a.Statut),
		a.Start.Format(time.RFC3339), nullTime(a.End), a.TargetRateA.String(), a.TargetRateB.String(),
		a.EscompteRate.String(), a.EscompteDelaiJours, a.CooperationRate.String(),
		boolToInt(a.GratuitesEnabled), a.GratuitesRatioN, a.GratuitesRatioM, a.GratuitesSeuilQte,
		a.FrancoThreshold.String(), a.FrancoShippingFee.String(), a.AnnualObjective.String(),
		string(cfgJSON), string(tiersJSON), a.Version, nullAgreementID(a.PreviousVersionID),
		a.CaCumule.String(), a.RemiseCumulee.String(), nullTime(a.LastRecomputeAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &rebate.InvariantViolationError{
				Invariant: "single_active_agreement",
				Detail:    "another agreement is already active for this (tenant, laboratory)",
			}
		}
		return fmt.Errorf("save agreement: %w", err)
	}
	return nil
}

// ActivateAgreement performs the invariant-preserving activation
// transaction: suspend any other active agreement for the same pair,
// then activate this one, writing both audit entries inside one SQL
// transaction so the pair can never partially apply.
func (s *Store) ActivateAgreement(ctx context.Context, agreementID rebate.AgreementID, userID rebate.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = ?`, string(agreementID))
	agreement, err := scanAgreement(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return rebate.ErrAgreementNotFound
		}
		return err
	}

	otherRow := tx.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements
		WHERE tenant_id = ? AND laboratory_id = ? AND statut = 'active' AND id != ?`,
		string(agreement.TenantID), string(agreement.LaboratoryID), string(agreementID))
	other, otherErr := scanAgreement(otherRow)
	now := time.Now().UTC().Format(time.RFC3339)

	if otherErr == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE agreements SET statut = 'suspended' WHERE id = ?`, string(other.ID)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO agreement_audit_log
			(agreement_id, user_id, action, ancien_etat_json, nouvel_etat_json, description, timestamp)
			VALUES (?, ?, 'suspend', ?, ?, ?, ?)`,
			string(other.ID), string(userID), `{"statut":"active"}`, `{"statut":"suspended"}`,
			"suspended to preserve single-active-agreement invariant", now); err != nil {
			return err
		}
	} else if otherErr != sql.ErrNoRows {
		return otherErr
	}

	if _, err := tx.ExecContext(ctx, `UPDATE agreements SET statut = 'active' WHERE id = ?`, string(agreementID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO agreement_audit_log
		(agreement_id, user_id, action, ancien_etat_json, nouvel_etat_json, description, timestamp)
		VALUES (?, ?, 'activate', ?, ?, ?, ?)`,
		string(agreementID), string(userID), `{"statut":"`+string(agreement.Statut)+`"}`, `{"statut":"active"}`,
		"agreement activated", now); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) AppendAudit(entry rebate.AgreementAuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ancien, _ := json.Marshal(entry.AncienEtat)
	nouvel, _ := json.Marshal(entry.NouvelEtat)
	_, err := s.db.Exec(`
		INSERT INTO agreement_audit_log
		(agreement_id, user_id, action, ancien_etat_json, nouvel_etat_json, description, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.AgreementID), string(entry.UserID), string(entry.Action),
		string(ancien), string(nouvel), entry.Description, entry.IPAddress,
		entry.Timestamp.Format(time.RFC3339))
	return err
}

const agreementColumns = `id, tenant_id, laboratory_id, template_id, template_version, statut,
	start, end_at, target_rate_a, target_rate_b, escompte_rate, escompte_delai_jours,
	cooperation_rate, gratuites_enabled, gratuites_ratio_n, gratuites_ratio_m,
	gratuites_seuil_qte, franco_threshold, franco_shipping_fee, annual_objective,
	agreement_config_json, custom_tiers_json, version, previous_version_id,
	ca_cumule, remise_cumulee, last_recompute_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgreement(row rowScanner) (*rebate.LaboratoryAgreement, error) {
	var a rebate.LaboratoryAgreement
	var templateID, previousVersionID, endAt, lastRecomputeAt sql.NullString
	var targetA, targetB, escompteRate, coopRate, francoThreshold, francoFee, annualObjective, caCumule, remiseCumulee string
	var cfgJSON, tiersJSON string
	var gratuitesEnabled int
	var start string

	err := row.Scan(&a.ID, &a.TenantID, &a.LaboratoryID, &templateID, &a.TemplateVersion, &a.Statut,
		&start, &endAt, &targetA, &targetB, &escompteRate, &a.EscompteDelaiJours,
		&coopRate, &gratuitesEnabled, &a.GratuitesRatioN, &a.GratuitesRatioM,
		&a.GratuitesSeuilQte, &francoThreshold, &francoFee, &annualObjective,
		&cfgJSON, &tiersJSON, &a.Version, &previousVersionID,
		&caCumule, &remiseCumulee, &lastRecomputeAt)
	if err != nil {
		return nil, err
	}

	a.Start, _ = time.Parse(time.RFC3339, start)
	if templateID.Valid {
		id := rebate.RebateTemplateID(templateID.String)
		a.TemplateID = &id
	}
	if previousVersionID.Valid {
		id := rebate.AgreementID(previousVersionID.String)
		a.PreviousVersionID = &id
	}
	if endAt.Valid {
		t, _ := time.Parse(time.RFC3339, endAt.String)
		a.End = &t
	}
	if lastRecomputeAt.Valid {
		t, _ := time.Parse(time.RFC3339, lastRecomputeAt.String)
		a.LastRecomputeAt = &t
	}
	a.TargetRateA = mustDecimal(targetA)
	a.TargetRateB = mustDecimal(targetB)
	a.EscompteRate = mustDecimal(escompteRate)
	a.CooperationRate = mustDecimal(coopRate)
	a.GratuitesEnabled = gratuitesEnabled != 0
	a.FrancoThreshold = mustDecimal(francoThreshold)
	a.FrancoShippingFee = mustDecimal(francoFee)
	a.AnnualObjective = mustDecimal(annualObjective)
	a.CaCumule = mustDecimal(caCumule)
	a.RemiseCumulee = mustDecimal(remiseCumulee)
	_ = json.Unmarshal([]byte(cfgJSON), &a.AgreementConfig)
	_ = json.Unmarshal([]byte(tiersJSON), &a.CustomTiers)
	return &a, nil
}

// =============================================================================
// SCHEDULE STORE (rebate.ScheduleStore)
// =============================================================================

func (s *Store) LatestSchedule(ctx context.Context, tenantID rebate.TenantID, invoiceID rebate.InvoiceID) (*rebate.InvoiceRebateSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE invoice_id = ? AND tenant_id = ? AND status != 'cancelled'
		ORDER BY created_at DESC LIMIT 1`, string(invoiceID), string(tenantID))
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sch, err
}

func (s *Store) CancelAndReplace(ctx context.Context, cancelled, next *rebate.InvoiceRebateSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if cancelled != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE schedules SET status = 'cancelled' WHERE id = ?`, string(cancelled.ID)); err != nil {
			return err
		}
	}
	if err := insertSchedule(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertSchedule(ctx context.Context, db execer, sch *rebate.InvoiceRebateSchedule) error {
	if sch.ID == "" {
		sch.ID = rebate.ScheduleID(newID("sch"))
	}
	appliedJSON, err := json.Marshal(sch.AppliedConfig)
	if err != nil {
		return err
	}
	breakdownJSON, err := json.Marshal(sch.TrancheBreakdown)
	if err != nil {
		return err
	}
	entriesJSON, err := json.Marshal(sch.RebateEntries)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO schedules (id, tenant_id, agreement_id, invoice_id, rebate_type,
			montant_base_ht, taux_applique, montant_prevu, montant_recu, ecart,
			applied_config_json, tranche_breakdown_json, rebate_entries_json, status,
			invoice_date, invoice_amount, date_echeance, date_reception, agreement_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sch.ID), string(sch.TenantID), string(sch.AgreementID), string(sch.InvoiceID), string(sch.RebateType),
		sch.MontantBaseHT.String(), sch.TauxApplique.String(), sch.MontantPrevu.String(),
		nullDecimal(sch.MontantRecu), nullDecimal(sch.Ecart),
		string(appliedJSON), string(breakdownJSON), string(entriesJSON), string(sch.Status),
		sch.InvoiceDate.Format(time.RFC3339), sch.InvoiceAmount.String(),
		nullTime(sch.DateEcheance), nullTime(sch.DateReception), sch.AgreementVersion,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

const scheduleColumns = `id, tenant_id, agreement_id, invoice_id, rebate_type,
	montant_base_ht, taux_applique, montant_prevu, montant_recu, ecart,
	applied_config_json, tranche_breakdown_json, rebate_entries_json, status,
	invoice_date, invoice_amount, date_echeance, date_reception, agreement_version`

func scanSchedule(row rowScanner) (*rebate.InvoiceRebateSchedule, error) {
	var sch rebate.InvoiceRebateSchedule
	var baseHT, taux, prevu string
	var recu, ecart, dateEcheance, dateReception sql.NullString
	var appliedJSON, breakdownJSON, entriesJSON string
	var invoiceDate, invoiceAmount string
	var status string

	err := row.Scan(&sch.ID, &sch.TenantID, &sch.AgreementID, &sch.InvoiceID, &sch.RebateType,
		&baseHT, &taux, &prevu, &recu, &ecart,
		&appliedJSON, &breakdownJSON, &entriesJSON, &status,
		&invoiceDate, &invoiceAmount, &dateEcheance, &dateReception, &sch.AgreementVersion)
	if err != nil {
		return nil, err
	}

	sch.Status = rebate.ScheduleStatus(status)
	sch.MontantBaseHT = mustDecimal(baseHT)
	sch.TauxApplique = mustDecimal(taux)
	sch.MontantPrevu = mustDecimal(prevu)
	if recu.Valid {
		v := mustDecimal(recu.String)
		sch.MontantRecu = &v
	}
	if ecart.Valid {
		v := mustDecimal(ecart.String)
		sch.Ecart = &v
	}
	sch.InvoiceDate, _ = time.Parse(time.RFC3339, invoiceDate)
	sch.InvoiceAmount = mustDecimal(invoiceAmount)
	if dateEcheance.Valid {
		t, _ := time.Parse(time.RFC3339, dateEcheance.String)
		sch.DateEcheance = &t
	}
	if dateReception.Valid {
		t, _ := time.Parse(time.RFC3339, dateReception.String)
		sch.DateReception = &t
	}
	_ = json.Unmarshal([]byte(appliedJSON), &sch.AppliedConfig)
	_ = json.Unmarshal([]byte(breakdownJSON), &sch.TrancheBreakdown)
	_ = json.Unmarshal([]byte(entriesJSON), &sch.RebateEntries)
	return &sch, nil
}

// =============================================================================
// AMOUNT PROVIDER (rebate.AmountProvider) & INVOICE CA SOURCE (rebate.InvoiceCASource)
// =============================================================================

func (s *Store) YearlyCumulativeBrut(ctx context.Context, tenantID rebate.TenantID, laboratoryID rebate.LaboratoryID, year int) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	yearStart := fmt.Sprintf("%04d-01-01T00:00:00Z", year)
	yearEnd := fmt.Sprintf("%04d-12-31T23:59:59Z", year)

	rows, err := s.db.QueryContext(ctx, `
		SELECT brut_ht FROM invoices
		WHERE tenant_id = ? AND laboratory_id = ? AND date >= ? AND date <= ?`,
		string(tenantID), string(laboratoryID), yearStart, yearEnd)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(mustDecimal(v))
	}
	return sum, rows.Err()
}

func (s *Store) InvoicesInPeriod(ctx context.Context, tenantID rebate.TenantID, laboratoryID rebate.LaboratoryID, start, end time.Time) ([]rebate.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, laboratory_id, number, date, brut_ht, net_ht, ttc, total_tva,
			payment_mode, payment_delay_text, a_brut, a_remise, b_brut, b_remise, otc_brut, otc_remise, status
		FROM invoices
		WHERE tenant_id = ? AND laboratory_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		string(tenantID), string(laboratoryID), start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rebate.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func scanInvoice(row rowScanner) (*rebate.Invoice, error) {
	var inv rebate.Invoice
	var date, brutHT, netHT, ttc, totalTVA string
	var paymentMode, paymentDelay sql.NullString
	var aBrut, aRemise, bBrut, bRemise, otcBrut, otcRemise string

	err := row.Scan(&inv.ID, &inv.TenantID, &inv.LaboratoryID, &inv.Number, &date, &brutHT, &netHT, &ttc, &totalTVA,
		&paymentMode, &paymentDelay, &aBrut, &aRemise, &bBrut, &bRemise, &otcBrut, &otcRemise, &inv.Status)
	if err != nil {
		return nil, err
	}
	inv.Date, _ = time.Parse(time.RFC3339, date)
	inv.BrutHT = mustDecimal(brutHT)
	inv.NetHT = mustDecimal(netHT)
	inv.TTC = mustDecimal(ttc)
	inv.TotalTVA = mustDecimal(totalTVA)
	inv.PaymentMode = paymentMode.String
	inv.PaymentDelayText = paymentDelay.String
	inv.ABrut = mustDecimal(aBrut)
	inv.ARemise = mustDecimal(aRemise)
	inv.BBrut = mustDecimal(bBrut)
	inv.BRemise = mustDecimal(bRemise)
	inv.OTCBrut = mustDecimal(otcBrut)
	inv.OTCRemise = mustDecimal(otcRemise)
	return &inv, nil
}

// SaveInvoice upserts an invoice and replaces its lines. It does not check
// whether a schedule has already been computed against the invoice.
func (s *Store) SaveInvoice(ctx context.Context, inv *rebate.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.ID == "" {
		inv.ID = rebate.InvoiceID(newID("inv"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, tenant_id, laboratory_id, number, date, brut_ht, net_ht, ttc, total_tva,
			payment_mode, payment_delay_text, a_brut, a_remise, b_brut, b_remise, otc_brut, otc_remise, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number=excluded.number, date=excluded.date, brut_ht=excluded.brut_ht, net_ht=excluded.net_ht,
			ttc=excluded.ttc, total_tva=excluded.total_tva, payment_mode=excluded.payment_mode,
			payment_delay_text=excluded.payment_delay_text, a_brut=excluded.a_brut, a_remise=excluded.a_remise,
			b_brut=excluded.b_brut, b_remise=excluded.b_remise, otc_brut=excluded.otc_brut,
			otc_remise=excluded.otc_remise, status=excluded.status`,
		string(inv.ID), string(inv.TenantID), string(inv.LaboratoryID), inv.Number, inv.Date.Format(time.RFC3339),
		inv.BrutHT.String(), inv.NetHT.String(), inv.TTC.String(), inv.TotalTVA.String(),
		inv.PaymentMode, inv.PaymentDelayText, inv.ABrut.String(), inv.ARemise.String(),
		inv.BBrut.String(), inv.BRemise.String(), inv.OTCBrut.String(), inv.OTCRemise.String(), inv.Status)
	if err != nil {
		return fmt.Errorf("save invoice: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_lines WHERE invoice_id = ?`, string(inv.ID)); err != nil {
		return err
	}
	for _, l := range inv.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_lines (invoice_id, cip13, designation, lot, quantity, pu_ht, remise_pct,
				pu_after_remise, montant_ht, taux_tva, montant_brut, montant_remise, tranche)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(inv.ID), l.CIP13, l.Designation, l.Lot, l.Quantity.String(), l.PUHT.String(), l.RemisePct.String(),
			l.PUAfterRemise.String(), l.MontantHT.String(), l.TauxTVA.String(), l.MontantBrut.String(),
			l.MontantRemise.String(), string(l.Tranche))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadInvoice loads an invoice by id with its lines, enforcing tenant
// isolation: a mismatched tenantID returns CrossTenantAccessError rather
// than silently returning another tenant's row.
func (s *Store) LoadInvoice(ctx context.Context, tenantID rebate.TenantID, id rebate.InvoiceID) (*rebate.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, laboratory_id, number, date, brut_ht, net_ht, ttc, total_tva,
			payment_mode, payment_delay_text, a_brut, a_remise, b_brut, b_remise, otc_brut, otc_remise, status
		FROM invoices WHERE id = ?`, string(id))
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, rebate.ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	if inv.TenantID != tenantID {
		return nil, &rebate.CrossTenantAccessError{RequestingTenant: tenantID, OwningTenant: inv.TenantID, EntityKind: "invoice", EntityID: string(id)}
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT cip13, designation, lot, quantity, pu_ht, remise_pct, pu_after_remise, montant_ht,
			taux_tva, montant_brut, montant_remise, tranche
		FROM invoice_lines WHERE invoice_id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var l rebate.InvoiceLine
		var quantity, puHT, remisePct, puAfterRemise, montantHT, tauxTVA, montantBrut, montantRemise string
		var tranche sql.NullString
		if err := lineRows.Scan(&l.CIP13, &l.Designation, &l.Lot, &quantity, &puHT, &remisePct, &puAfterRemise,
			&montantHT, &tauxTVA, &montantBrut, &montantRemise, &tranche); err != nil {
			return nil, err
		}
		l.InvoiceID = inv.ID
		l.Quantity = mustDecimal(quantity)
		l.PUHT = mustDecimal(puHT)
		l.RemisePct = mustDecimal(remisePct)
		l.PUAfterRemise = mustDecimal(puAfterRemise)
		l.MontantHT = mustDecimal(montantHT)
		l.TauxTVA = mustDecimal(tauxTVA)
		l.MontantBrut = mustDecimal(montantBrut)
		l.MontantRemise = mustDecimal(montantRemise)
		l.Tranche = rebate.Tranche(tranche.String)
		inv.Lines = append(inv.Lines, l)
	}
	return inv, lineRows.Err()
}

// =============================================================================
// ANOMALY PERSISTENCE
// =============================================================================

// PersistInvoiceAnomalies deletes unresolved anomalies for invoiceID and
// inserts fresh ones, preserving resolved rows so re-verification is
// idempotent without losing resolution history.
func (s *Store) PersistInvoiceAnomalies(ctx context.Context, invoiceID rebate.InvoiceID, anomalies []rebate.InvoiceAnomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_anomalies WHERE invoice_id = ? AND resolu = 0`, string(invoiceID)); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, a := range anomalies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_anomalies (invoice_id, kind, severity, description, montant_ecart,
				action_suggeree, resolu, resolution_note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, '', ?)`,
			string(invoiceID), a.Kind, string(a.Severity), a.Description, nullDecimal(a.MontantEcart),
			a.ActionSuggeree, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PersistEMACAnomalies is the EMAC-flavored twin of PersistInvoiceAnomalies.
func (s *Store) PersistEMACAnomalies(ctx context.Context, emacID rebate.EMACID, anomalies []rebate.EMACAnomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM emac_anomalies WHERE emac_id = ? AND resolu = 0`, string(emacID)); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, a := range anomalies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO emac_anomalies (emac_id, kind, severity, description, montant_ecart,
				action_suggeree, resolu, resolution_note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, '', ?)`,
			string(emacID), a.Kind, string(a.Severity), a.Description, nullDecimal(a.MontantEcart),
			a.ActionSuggeree, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// =============================================================================
// EMAC PERSISTENCE
// =============================================================================

func (s *Store) SaveEMAC(ctx context.Context, e *rebate.EMAC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = rebate.EMACID(newID("emac"))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emacs (id, tenant_id, laboratory_id, period_start, period_end, declared_ca, declared_rfa,
			declared_cop, declared_differed, other_advantages, total_declared, amount_paid, remaining_balance,
			ca_reel, nb_invoices_matched, ecart_ca, ecart_ca_pct, rfa_attendue_calculee, ecart_rfa,
			anomalies_resume, nb_anomalies, statut, montant_recouvrable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			declared_ca=excluded.declared_ca, declared_rfa=excluded.declared_rfa, declared_cop=excluded.declared_cop,
			declared_differed=excluded.declared_differed, other_advantages=excluded.other_advantages,
			total_declared=excluded.total_declared, amount_paid=excluded.amount_paid,
			remaining_balance=excluded.remaining_balance, ca_reel=excluded.ca_reel,
			nb_invoices_matched=excluded.nb_invoices_matched, ecart_ca=excluded.ecart_ca,
			ecart_ca_pct=excluded.ecart_ca_pct, rfa_attendue_calculee=excluded.rfa_attendue_calculee,
			ecart_rfa=excluded.ecart_rfa, anomalies_resume=excluded.anomalies_resume,
			nb_anomalies=excluded.nb_anomalies, statut=excluded.statut,
			montant_recouvrable=excluded.montant_recouvrable`,
		string(e.ID), string(e.TenantID), string(e.LaboratoryID), e.PeriodStart.Format(time.RFC3339), e.PeriodEnd.Format(time.RFC3339),
		e.DeclaredCA.String(), e.DeclaredRFA.String(), e.DeclaredCOP.String(), e.DeclaredDiffere.String(),
		e.OtherAdvantages.String(), e.TotalDeclared.String(), e.AmountPaid.String(), e.RemainingBalance.String(),
		e.CaReel.String(), e.NbInvoicesMatched, e.EcartCA.String(), e.EcartCAPct.String(),
		e.RFAAttendueCalculee.String(), e.EcartRFA.String(), e.AnomaliesResume, e.NbAnomalies,
		string(e.Statut), e.MontantRecouvrable.String())
	return err
}

// ListEMACs returns every EMAC for a tenant, optionally narrowed to one
// laboratory (an empty laboratoryID lists across all of the tenant's
// laboratories) - used by missing-EMAC detection's overlap check and by
// the dashboard listing.
func (s *Store) ListEMACs(ctx context.Context, tenantID rebate.TenantID, laboratoryID rebate.LaboratoryID) ([]rebate.EMAC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, tenant_id, laboratory_id, period_start, period_end, declared_ca, declared_rfa, declared_cop,
			declared_differed, other_advantages, total_declared, amount_paid, remaining_balance
		FROM emacs WHERE tenant_id = ?`
	args := []interface{}{string(tenantID)}
	if laboratoryID != "" {
		query += ` AND laboratory_id = ?`
		args = append(args, string(laboratoryID))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rebate.EMAC
	for rows.Next() {
		var e rebate.EMAC
		var start, end, declaredCA, declaredRFA, declaredCOP, declaredDiffere, otherAdv, totalDeclared, amountPaid, remainingBalance string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.LaboratoryID, &start, &end, &declaredCA, &declaredRFA, &declaredCOP,
			&declaredDiffere, &otherAdv, &totalDeclared, &amountPaid, &remainingBalance); err != nil {
			return nil, err
		}
		e.PeriodStart, _ = time.Parse(time.RFC3339, start)
		e.PeriodEnd, _ = time.Parse(time.RFC3339, end)
		e.DeclaredCA = mustDecimal(declaredCA)
		e.DeclaredRFA = mustDecimal(declaredRFA)
		e.DeclaredCOP = mustDecimal(declaredCOP)
		e.DeclaredDiffere = mustDecimal(declaredDiffere)
		e.OtherAdvantages = mustDecimal(otherAdv)
		e.TotalDeclared = mustDecimal(totalDeclared)
		e.AmountPaid = mustDecimal(amountPaid)
		e.RemainingBalance = mustDecimal(remainingBalance)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// TEMPLATES & LABORATORIES
// =============================================================================

// SaveTemplate upserts a RebateTemplate, assigning an ID if absent.
func (s *Store) SaveTemplate(ctx context.Context, t *rebate.RebateTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = rebate.RebateTemplateID(newID("tpl"))
	}
	tiersJSON, err := json.Marshal(t.Tiers)
	if err != nil {
		return fmt.Errorf("marshal tiers: %w", err)
	}
	structureJSON, err := json.Marshal(t.Structure)
	if err != nil {
		return fmt.Errorf("marshal structure: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rebate_templates (id, tenant_id, name, laboratory_name, rebate_type, frequency, tiers_json,
			structure_json, taux_escompte, delai_escompte_jours, taux_cooperation, gratuites_ratio,
			gratuites_seuil_qte, version, scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, laboratory_name=excluded.laboratory_name, rebate_type=excluded.rebate_type,
			frequency=excluded.frequency, tiers_json=excluded.tiers_json, structure_json=excluded.structure_json,
			taux_escompte=excluded.taux_escompte, delai_escompte_jours=excluded.delai_escompte_jours,
			taux_cooperation=excluded.taux_cooperation, gratuites_ratio=excluded.gratuites_ratio,
			gratuites_seuil_qte=excluded.gratuites_seuil_qte, version=excluded.version, scope=excluded.scope`,
		string(t.ID), string(t.TenantID), t.Name, t.LaboratoryName, string(t.RebateType), string(t.Frequency),
		string(tiersJSON), string(structureJSON), t.TauxEscompte.String(), t.DelaiEscompteJours,
		t.TauxCooperation.String(), t.GratuitesRatio, t.GratuitesSeuilQte, t.Version, string(t.Scope),
		time.Now().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &rebate.InvalidConfigError{Field: "name", Reason: "a template with this name already exists for this tenant"}
		}
		return err
	}
	return nil
}

func (s *Store) LoadTemplate(ctx context.Context, id rebate.RebateTemplateID) (*rebate.RebateTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, laboratory_name, rebate_type, frequency, tiers_json, structure_json,
			taux_escompte, delai_escompte_jours, taux_cooperation, gratuites_ratio, gratuites_seuil_qte,
			version, scope
		FROM rebate_templates WHERE id = ?`, string(id))
	return scanTemplate(row)
}

func (s *Store) ListTemplates(ctx context.Context, tenantID rebate.TenantID) ([]rebate.RebateTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, laboratory_name, rebate_type, frequency, tiers_json, structure_json,
			taux_escompte, delai_escompte_jours, taux_cooperation, gratuites_ratio, gratuites_seuil_qte,
			version, scope
		FROM rebate_templates WHERE tenant_id = ? ORDER BY name`, string(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rebate.RebateTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTemplate(row rowScanner) (*rebate.RebateTemplate, error) {
	var t rebate.RebateTemplate
	var rebateType, frequency, tiersJSON, structureJSON, tauxEscompte, tauxCooperation, scope string
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.LaboratoryName, &rebateType, &frequency, &tiersJSON,
		&structureJSON, &tauxEscompte, &t.DelaiEscompteJours, &tauxCooperation, &t.GratuitesRatio,
		&t.GratuitesSeuilQte, &t.Version, &scope)
	if err == sql.ErrNoRows {
		return nil, rebate.ErrAgreementNotFound
	}
	if err != nil {
		return nil, err
	}
	t.RebateType = rebate.RebateType(rebateType)
	t.Frequency = rebate.Frequency(frequency)
	t.TauxEscompte = mustDecimal(tauxEscompte)
	t.TauxCooperation = mustDecimal(tauxCooperation)
	t.Scope = rebate.TemplateScope(scope)
	if err := json.Unmarshal([]byte(tiersJSON), &t.Tiers); err != nil {
		return nil, fmt.Errorf("unmarshal tiers: %w", err)
	}
	if err := json.Unmarshal([]byte(structureJSON), &t.Structure); err != nil {
		return nil, fmt.Errorf("unmarshal structure: %w", err)
	}
	return &t, nil
}

// Laboratory is the minimal identity record invoices and agreements hang
// off of; the domain package treats laboratory_id as an opaque foreign key
// so this type lives at the storage boundary rather than in rebate/types.go.
type Laboratory struct {
	ID       rebate.LaboratoryID `json:"id"`
	TenantID rebate.TenantID     `json:"tenant_id"`
	Name     string              `json:"name"`
}

func (s *Store) SaveLaboratory(ctx context.Context, lab *Laboratory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lab.ID == "" {
		lab.ID = rebate.LaboratoryID(newID("lab"))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO laboratories (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name`,
		string(lab.ID), string(lab.TenantID), lab.Name, time.Now().Format(time.RFC3339))
	return err
}

func (s *Store) ListLaboratories(ctx context.Context, tenantID rebate.TenantID) ([]Laboratory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, name FROM laboratories WHERE tenant_id = ? ORDER BY name`, string(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Laboratory
	for rows.Next() {
		var l Laboratory
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Name); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// =============================================================================
// ANOMALY LISTING
// =============================================================================

func (s *Store) ListInvoiceAnomalies(ctx context.Context, tenantID rebate.TenantID, invoiceID rebate.InvoiceID) ([]rebate.InvoiceAnomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.invoice_id, a.kind, a.severity, a.description, a.montant_ecart, a.action_suggeree, a.resolu, a.resolution_note
		FROM invoice_anomalies a
		JOIN invoices i ON i.id = a.invoice_id
		WHERE a.invoice_id = ? AND i.tenant_id = ? ORDER BY a.id`, string(invoiceID), string(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rebate.InvoiceAnomaly
	for rows.Next() {
		var a rebate.InvoiceAnomaly
		var severity string
		var montantEcart sql.NullString
		var resolu int
		if err := rows.Scan(&a.ID, &a.InvoiceID, &a.Kind, &severity, &a.Description, &montantEcart,
			&a.ActionSuggeree, &resolu, &a.ResolutionNote); err != nil {
			return nil, err
		}
		a.Severity = rebate.Severity(severity)
		a.Resolu = resolu != 0
		if montantEcart.Valid {
			v := mustDecimal(montantEcart.String)
			a.MontantEcart = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListEMACAnomalies(ctx context.Context, tenantID rebate.TenantID, emacID rebate.EMACID) ([]rebate.EMACAnomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.emac_id, a.kind, a.severity, a.description, a.montant_ecart, a.action_suggeree, a.resolu, a.resolution_note
		FROM emac_anomalies a
		JOIN emacs e ON e.id = a.emac_id
		WHERE a.emac_id = ? AND e.tenant_id = ? ORDER BY a.id`, string(emacID), string(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rebate.EMACAnomaly
	for rows.Next() {
		var a rebate.EMACAnomaly
		var severity string
		var montantEcart sql.NullString
		var resolu int
		if err := rows.Scan(&a.ID, &a.EMACID, &a.Kind, &severity, &a.Description, &montantEcart,
			&a.ActionSuggeree, &resolu, &a.ResolutionNote); err != nil {
			return nil, err
		}
		a.Severity = rebate.Severity(severity)
		a.Resolu = resolu != 0
		if montantEcart.Valid {
			v := mustDecimal(montantEcart.String)
			a.MontantEcart = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

var idCounter int64

func newID(prefix string) string {
	idCounter++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), idCounter)
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func nullTemplateID(id *rebate.RebateTemplateID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullAgreementID(id *rebate.AgreementID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
