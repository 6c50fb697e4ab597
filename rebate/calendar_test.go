package rebate

import (
	"testing"
	"time"
)

func TestAddCalendarMonths_ClampsToMonthEnd(t *testing.T) {
	jan31 := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)
	got := AddCalendarMonths(jan31, 1)
	want := time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("AddCalendarMonths(Jan 31, 1) = %v, want %v", got, want)
	}
}

func TestAddCalendarMonths_LeapYear(t *testing.T) {
	jan31 := time.Date(2028, time.January, 31, 0, 0, 0, 0, time.UTC)
	got := AddCalendarMonths(jan31, 1)
	want := time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("AddCalendarMonths(Jan 31, 1) in leap year = %v, want %v", got, want)
	}
}

func TestAddCalendarMonths_NoClampNeeded(t *testing.T) {
	mar15 := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	got := AddCalendarMonths(mar15, 2)
	want := time.Date(2026, time.May, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("AddCalendarMonths(Mar 15, 2) = %v, want %v", got, want)
	}
}

func TestAddCalendarMonths_YearRollover(t *testing.T) {
	nov30 := time.Date(2026, time.November, 30, 0, 0, 0, 0, time.UTC)
	got := AddCalendarMonths(nov30, 3)
	want := time.Date(2027, time.February, 28, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("AddCalendarMonths(Nov 30, 3) = %v, want %v", got, want)
	}
}

func TestAddCalendarMonths_Zero(t *testing.T) {
	now := time.Date(2026, time.June, 10, 0, 0, 0, 0, time.UTC)
	got := AddCalendarMonths(now, 0)
	if !got.Equal(now) {
		t.Fatalf("AddCalendarMonths(t, 0) should return t unchanged")
	}
}
