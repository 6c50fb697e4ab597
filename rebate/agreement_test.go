package rebate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAgreementStore struct {
	agreements map[AgreementID]*LaboratoryAgreement
	audit      []AgreementAuditLog
}

func newFakeAgreementStore() *fakeAgreementStore {
	return &fakeAgreementStore{agreements: map[AgreementID]*LaboratoryAgreement{}}
}

func (s *fakeAgreementStore) LoadAgreement(id AgreementID) (*LaboratoryAgreement, error) {
	a, ok := s.agreements[id]
	if !ok {
		return nil, ErrAgreementNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAgreementStore) ActiveAgreement(tenantID TenantID, laboratoryID LaboratoryID) (*LaboratoryAgreement, error) {
	for _, a := range s.agreements {
		if a.TenantID == tenantID && a.LaboratoryID == laboratoryID && a.Statut == AgreementActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNoActiveAgreement
}

func (s *fakeAgreementStore) SaveAgreement(a *LaboratoryAgreement) error {
	if a.ID == "" {
		a.ID = AgreementID("generated-" + string(rune(len(s.agreements)+'0')))
	}
	cp := *a
	s.agreements[a.ID] = &cp
	return nil
}

func (s *fakeAgreementStore) AppendAudit(entry AgreementAuditLog) error {
	s.audit = append(s.audit, entry)
	return nil
}

func TestAgreementVersioner_SingleActiveInvariant(t *testing.T) {
	store := newFakeAgreementStore()
	v := NewAgreementVersioner(store)

	a1 := &LaboratoryAgreement{ID: "a1", TenantID: "t", LaboratoryID: "l", Statut: AgreementActive}
	a2 := &LaboratoryAgreement{ID: "a2", TenantID: "t", LaboratoryID: "l", Statut: AgreementDraft}
	require.NoError(t, store.SaveAgreement(a1))
	require.NoError(t, store.SaveAgreement(a2))

	err := v.Activate(a2, a1, "user-1")
	require.NoError(t, err)

	require.Equal(t, AgreementSuspended, a1.Statut)
	require.Equal(t, AgreementActive, a2.Statut)

	require.Len(t, store.audit, 2)
	actions := map[AuditAction]bool{}
	for _, e := range store.audit {
		actions[e.Action] = true
	}
	require.True(t, actions[AuditSuspend])
	require.True(t, actions[AuditActivate])
}

func TestAgreementVersioner_CreateNewVersion(t *testing.T) {
	store := newFakeAgreementStore()
	v := NewAgreementVersioner(store)

	original := LaboratoryAgreement{ID: "a1", TenantID: "t", LaboratoryID: "l", Statut: AgreementActive, Version: 1}
	require.NoError(t, store.SaveAgreement(&original))

	next, err := v.CreateNewVersion(original, func(a *LaboratoryAgreement) {
		a.TargetRateA = d("3.0")
	}, "user-1")
	require.NoError(t, err)

	require.Equal(t, 2, next.Version)
	require.Equal(t, AgreementDraft, next.Statut)
	require.NotNil(t, next.PreviousVersionID)
	require.Equal(t, AgreementID("a1"), *next.PreviousVersionID)

	archived := store.agreements["a1"]
	require.Equal(t, AgreementArchived, archived.Statut)
}

func TestAgreementVersioner_History(t *testing.T) {
	store := newFakeAgreementStore()
	v := NewAgreementVersioner(store)

	root := LaboratoryAgreement{ID: "a1", Version: 1}
	require.NoError(t, store.SaveAgreement(&root))
	rootID := root.ID
	mid := LaboratoryAgreement{ID: "a2", Version: 2, PreviousVersionID: &rootID}
	require.NoError(t, store.SaveAgreement(&mid))

	chain, err := v.History(mid)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, AgreementID("a2"), chain[0].ID)
	require.Equal(t, AgreementID("a1"), chain[1].ID)
}
