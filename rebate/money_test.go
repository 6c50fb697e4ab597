package rebate

import "testing"

func TestRoundMoney(t *testing.T) {
	cases := map[string]string{
		"10.005": "10.01",
		"10.004": "10.00",
		"0.125":  "0.13",
	}
	for in, want := range cases {
		got := RoundMoney(d(in))
		if !got.Equal(d(want)) {
			t.Errorf("RoundMoney(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestMoneyEqual(t *testing.T) {
	if !MoneyEqual(d("10.00"), d("10.01")) {
		t.Fatalf("expected 10.00 ~= 10.01 within tolerance")
	}
	if MoneyEqual(d("10.00"), d("10.02")) {
		t.Fatalf("expected 10.00 != 10.02 beyond tolerance")
	}
}

func TestRateEqual(t *testing.T) {
	if !RateEqual(d("2.5"), d("2.504")) {
		t.Fatalf("expected rates within 0.005pp tolerance to compare equal")
	}
	if RateEqual(d("2.5"), d("2.51")) {
		t.Fatalf("expected rates beyond 0.005pp tolerance to compare unequal")
	}
}

func TestPctOf(t *testing.T) {
	got := PctOf(d("22"), d("1000"))
	if !got.Equal(d("2.2")) {
		t.Fatalf("PctOf(22, 1000) = %s, want 2.2", got)
	}
	if !PctOf(d("5"), d("0")).IsZero() {
		t.Fatalf("PctOf with zero whole should be zero")
	}
}
