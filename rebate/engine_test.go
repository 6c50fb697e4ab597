package rebate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func ventilatedScenarioInputs() (Invoice, LaboratoryAgreement, Structure) {
	invoiceDate := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	lines := []InvoiceLine{
		{CIP13: "3400000000001", TauxTVA: d("2.10"), RemisePct: d("2.0"), PUHT: d("8.16"), Quantity: d("100"), MontantHT: d("800")},
		{CIP13: "3400000000002", TauxTVA: d("2.10"), RemisePct: d("2.0"), PUHT: d("10.20"), Quantity: d("100"), MontantHT: d("1000")},
		{CIP13: "3400000000003", TauxTVA: d("2.10"), RemisePct: d("2.0"), PUHT: d("6.12"), Quantity: d("100"), MontantHT: d("600")},
		{CIP13: "3400000000004", TauxTVA: d("2.10"), RemisePct: d("4.0"), PUHT: d("30.00"), Quantity: d("100"), MontantHT: d("3000")},
		{CIP13: "3400000000005", TauxTVA: d("2.10"), RemisePct: d("4.0"), PUHT: d("46.00"), Quantity: d("100"), MontantHT: d("4600")},
		{CIP13: "3600000000006", TauxTVA: d("20.00"), RemisePct: d("1.0"), PUHT: d("8.50"), Quantity: d("100"), MontantHT: d("850")},
	}
	invoice := Invoice{
		ID:       "inv-1",
		TenantID: "tenant-1",
		LaboratoryID: "lab-biogaran",
		Date:     invoiceDate,
		Lines:    lines,
	}

	stages := []StageDefinition{
		{StageID: "s1", Order: 1, DelayMonths: 0, RateType: RatePercentage},
		{StageID: "s2", Order: 2, DelayMonths: 1, RateType: RatePercentage},
		{StageID: "s3", Order: 3, DelayMonths: 6, RateType: RatePercentage},
		{StageID: "s4", Order: 4, DelayMonths: 12, RateType: RatePercentage},
	}
	structure := Structure{Stages: stages}

	agreement := LaboratoryAgreement{
		ID:       "agr-1",
		TenantID: "tenant-1",
		LaboratoryID: "lab-biogaran",
		Version:  1,
		AgreementConfig: AgreementConfig{
			TrancheA: TrancheConfig{
				MaxRebate: d("1"),
				Stages: map[string]StageRate{
					"s1": {Kind: RatePercentage, Rate: d("0.10")},
					"s2": {Kind: RatePercentage, Rate: d("0.10")},
					"s3": {Kind: RatePercentage, Rate: d("0.05")},
					"s4": {Kind: RatePercentage, Rate: d("0.025")},
				},
			},
			TrancheB: TrancheConfig{
				MaxRebate: d("1"),
				Stages: map[string]StageRate{
					"s1": {Kind: RatePercentage, Rate: d("0.14")},
					"s2": {Kind: RatePercentage, Rate: d("0.18")},
					"s3": {Kind: RatePercentage, Rate: d("0.23")},
					"s4": {Kind: RatePercentage, Rate: d("0.02")},
				},
			},
		},
	}

	return invoice, agreement, structure
}

func TestEngine_VentilatedRebate(t *testing.T) {
	invoice, agreement, structure := ventilatedScenarioInputs()
	engine := NewEngine()

	schedule, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)

	require.True(t, schedule.MontantBaseHT.Equal(d("10000")), "base_eligible = %s", schedule.MontantBaseHT)

	wantAmounts := map[string]string{
		"s1": "1304.00",
		"s2": "1608.00",
		"s3": "1868.00",
		"s4": "212.00",
	}
	for _, entry := range schedule.RebateEntries {
		want, ok := wantAmounts[entry.StageID]
		require.True(t, ok, "unexpected stage %s", entry.StageID)
		require.True(t, entry.Amount.Equal(d(want)), "stage %s amount = %s, want %s", entry.StageID, entry.Amount, want)
	}

	require.True(t, schedule.MontantPrevu.Equal(d("4992.00")), "montant_prevu = %s", schedule.MontantPrevu)

	rate := schedule.TauxApplique.Mul(decimal.NewFromInt(100))
	require.True(t, rate.Equal(d("49.92")), "taux_applique*100 = %s, want 49.92", rate)
}

func TestEngine_NeverCollapsesToOneDominantTranche(t *testing.T) {
	// The bug fix property: applying tranche B's rate to the whole
	// eligible base would produce a materially larger total than the
	// ventilated computation. Assert the engine does not do that.
	invoice, agreement, structure := ventilatedScenarioInputs()
	engine := NewEngine()

	schedule, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)

	dominantCollapse := schedule.MontantBaseHT.Mul(d("0.14").Add(d("0.18")).Add(d("0.23")).Add(d("0.02")))
	require.False(t, schedule.MontantPrevu.Equal(dominantCollapse),
		"engine collapsed to single-tranche rate: got %s, dominant-collapse would be %s",
		schedule.MontantPrevu, dominantCollapse)
}

func TestEngine_Deterministic(t *testing.T) {
	invoice, agreement, structure := ventilatedScenarioInputs()
	engine := NewEngine()

	first, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)
	second, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)

	require.True(t, first.MontantPrevu.Equal(second.MontantPrevu))
	require.Equal(t, len(first.RebateEntries), len(second.RebateEntries))
	for i := range first.RebateEntries {
		require.Equal(t, first.RebateEntries[i].StageID, second.RebateEntries[i].StageID)
		require.True(t, first.RebateEntries[i].Amount.Equal(second.RebateEntries[i].Amount))
		require.True(t, first.RebateEntries[i].DueDate.Equal(second.RebateEntries[i].DueDate))
	}
}

func TestEngine_DueDatesClampedPerStage(t *testing.T) {
	invoice, agreement, structure := ventilatedScenarioInputs()
	invoice.Date = time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)
	engine := NewEngine()

	schedule, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)

	byStage := map[string]time.Time{}
	for _, e := range schedule.RebateEntries {
		byStage[e.StageID] = e.DueDate
	}
	require.True(t, byStage["s2"].Equal(time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC)))
}

func TestEngine_OTCExcludedFromBase(t *testing.T) {
	invoice, agreement, structure := ventilatedScenarioInputs()
	engine := NewEngine()
	schedule, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)
	require.True(t, schedule.MontantBaseHT.Equal(d("10000")), "OTC line's 850 must not appear in base_eligible")
}

func TestValidateConfig_RejectsRateAboveMax(t *testing.T) {
	_, agreement, structure := ventilatedScenarioInputs()
	cfg := agreement.AgreementConfig
	cfg.TrancheA.MaxRebate = d("0.05")
	err := ValidateConfig(cfg, structure)
	require.Error(t, err)
}

func TestValidateConfig_RejectsMissingStage(t *testing.T) {
	_, agreement, structure := ventilatedScenarioInputs()
	cfg := agreement.AgreementConfig
	delete(cfg.TrancheB.Stages, "s4")
	err := ValidateConfig(cfg, structure)
	require.Error(t, err)
}

func TestMergeReceivedAmount_MatchSetsReceived(t *testing.T) {
	invoice, agreement, structure := ventilatedScenarioInputs()
	engine := NewEngine()
	schedule, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)

	err = MergeReceivedAmount(schedule, d("4992.00"), time.Now())
	require.NoError(t, err)
	require.Equal(t, ScheduleReceived, schedule.Status)
}

func TestMergeReceivedAmount_MismatchSetsDiscrepancy(t *testing.T) {
	invoice, agreement, structure := ventilatedScenarioInputs()
	engine := NewEngine()
	schedule, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)

	err = MergeReceivedAmount(schedule, d("4000.00"), time.Now())
	require.NoError(t, err)
	require.Equal(t, ScheduleDiscrepancy, schedule.Status)
}

func TestRecompute_CarriesPriorReceivedAmountForward(t *testing.T) {
	invoice, agreement, structure := ventilatedScenarioInputs()
	engine := NewEngine()
	prior, err := engine.Compute(invoice, agreement, structure, decimal.Zero)
	require.NoError(t, err)
	received := d("4992.00")
	prior.MontantRecu = &received

	result, err := engine.Recompute(invoice, agreement, structure, decimal.Zero, prior)
	require.NoError(t, err)
	require.Equal(t, ScheduleCancelled, result.Cancelled.Status)
	require.Nil(t, result.New.MontantRecu)
	require.NotNil(t, result.New.AppliedConfig.PriorReceivedAmount)
	require.True(t, result.New.AppliedConfig.PriorReceivedAmount.Equal(received))
}
