/*
agreement.go - Component D: copy-on-write agreement versioning

PURPOSE:
  Agreements evolve by copy-on-write once they have produced schedules.
  This file defines the pure decision logic for the three versioning
  operations; the storage layer (store/sqlite) wraps it in a single
  transaction so the mutation and its audit entry never partially
  succeed.

SEE ALSO:
  - types.go: LaboratoryAgreement, AgreementAuditLog
  - AgreementStore.AppendAudit (below): how audit entries are written
*/
package rebate

import "time"

// AgreementStore is the minimal persistence contract the versioning
// operations need. store/sqlite.Store implements it; tests can use an
// in-memory fake.
type AgreementStore interface {
	LoadAgreement(id AgreementID) (*LaboratoryAgreement, error)
	ActiveAgreement(tenantID TenantID, laboratoryID LaboratoryID) (*LaboratoryAgreement, error)
	SaveAgreement(a *LaboratoryAgreement) error
	AppendAudit(entry AgreementAuditLog) error
}

// AgreementVersioner exposes the three agreement lifecycle operations:
// creating a new draft version, activating one, and reading its history.
type AgreementVersioner struct {
	Store AgreementStore
}

// NewAgreementVersioner returns a versioner backed by store.
func NewAgreementVersioner(store AgreementStore) *AgreementVersioner {
	return &AgreementVersioner{Store: store}
}

// CreateNewVersion duplicates agreement, points the copy's
// PreviousVersionID at the original, archives the original, and leaves
// the copy in draft. The audit log records the diff in one write.
func (v *AgreementVersioner) CreateNewVersion(agreement LaboratoryAgreement, changes func(*LaboratoryAgreement), user UserID) (*LaboratoryAgreement, error) {
	before := snapshotAgreementState(agreement)

	next := agreement
	prevID := agreement.ID
	next.ID = ""
	next.PreviousVersionID = &prevID
	next.Version = agreement.Version + 1
	next.Statut = AgreementDraft
	next.TemplateVersion = agreement.TemplateVersion
	if changes != nil {
		changes(&next)
	}

	agreement.Statut = AgreementArchived
	if err := v.Store.SaveAgreement(&agreement); err != nil {
		return nil, err
	}
	if err := v.Store.SaveAgreement(&next); err != nil {
		return nil, err
	}

	after := snapshotAgreementState(next)
	if err := v.Store.AppendAudit(AgreementAuditLog{
		AgreementID: next.ID,
		UserID:      user,
		Action:      AuditVersionBump,
		AncienEtat:  before,
		NouvelEtat:  after,
		Description: "agreement version bumped via copy-on-write",
		Timestamp:   nowUTC(),
	}); err != nil {
		return nil, err
	}
	return &next, nil
}

// Activate enforces the single-active-agreement-per-(tenant,laboratory)
// invariant: any other agreement in status active for the same pair is
// transitioned to suspended before this one is activated. Both
// transitions and both audit entries are expected to happen within one
// storage transaction — store/sqlite.Store.ActivateAgreement does that;
// this method expresses the decision logic the storage layer drives.
func (v *AgreementVersioner) Activate(agreement *LaboratoryAgreement, other *LaboratoryAgreement, user UserID) error {
	if other != nil && other.ID != agreement.ID && other.Statut == AgreementActive {
		beforeOther := snapshotAgreementState(*other)
		other.Statut = AgreementSuspended
		afterOther := snapshotAgreementState(*other)
		if err := v.Store.SaveAgreement(other); err != nil {
			return err
		}
		if err := v.Store.AppendAudit(AgreementAuditLog{
			AgreementID: other.ID,
			UserID:      user,
			Action:      AuditSuspend,
			AncienEtat:  beforeOther,
			NouvelEtat:  afterOther,
			Description: "suspended to preserve single-active-agreement invariant",
			Timestamp:   nowUTC(),
		}); err != nil {
			return err
		}
	}

	before := snapshotAgreementState(*agreement)
	agreement.Statut = AgreementActive
	after := snapshotAgreementState(*agreement)
	if err := v.Store.SaveAgreement(agreement); err != nil {
		return err
	}
	return v.Store.AppendAudit(AgreementAuditLog{
		AgreementID: agreement.ID,
		UserID:      user,
		Action:      AuditActivate,
		AncienEtat:  before,
		NouvelEtat:  after,
		Description: "agreement activated",
		Timestamp:   nowUTC(),
	})
}

// History follows PreviousVersionID back to the root and returns the
// chain ordered newest-first.
func (v *AgreementVersioner) History(agreement LaboratoryAgreement) ([]LaboratoryAgreement, error) {
	chain := []LaboratoryAgreement{agreement}
	cur := agreement
	for cur.PreviousVersionID != nil {
		prev, err := v.Store.LoadAgreement(*cur.PreviousVersionID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *prev)
		cur = *prev
	}
	return chain, nil
}

func snapshotAgreementState(a LaboratoryAgreement) map[string]interface{} {
	return map[string]interface{}{
		"id":                a.ID,
		"statut":            a.Statut,
		"version":           a.Version,
		"target_rate_a":     a.TargetRateA.String(),
		"target_rate_b":     a.TargetRateB.String(),
		"template_version":  a.TemplateVersion,
		"previous_version_id": a.PreviousVersionID,
	}
}

// nowUTC isolated so tests can observe deterministic wall-clock usage is
// confined to this one seam.
func nowUTC() time.Time { return time.Now().UTC() }
