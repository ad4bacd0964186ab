package service

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSliceQuantityEvenSplit(t *testing.T) {
	slices, err := PlanSlices(dec("10"), 2, decimal.Zero)
	if err != nil {
		t.Fatalf("PlanSlices failed: %v", err)
	}
	if len(slices) != 2 || !slices[0].Equal(dec("5")) || !slices[1].Equal(dec("5")) {
		t.Fatalf("expected [5 5], got %v", slices)
	}
}

func TestSliceQuantityLastAbsorbsRemainder(t *testing.T) {
	cases := []struct {
		total string
		parts int
		step  string
		want  []string
	}{
		{"10", 3, "0.001", []string{"3.333", "3.333", "3.334"}},
		{"1", 3, "0.1", []string{"0.3", "0.3", "0.4"}},
		{"7", 1, "1", []string{"7"}},
		{"0.05", 4, "0.01", []string{"0.01", "0.01", "0.01", "0.02"}},
	}
	for _, tc := range cases {
		slices, err := PlanSlices(dec(tc.total), tc.parts, dec(tc.step))
		if err != nil {
			t.Fatalf("PlanSlices(%s,%d): %v", tc.total, tc.parts, err)
		}
		sum := decimal.Zero
		for i, s := range slices {
			if !s.Equal(dec(tc.want[i])) {
				t.Errorf("total=%s parts=%d slice %d = %s, want %s", tc.total, tc.parts, i+1, s, tc.want[i])
			}
			sum = sum.Add(s)
		}
		if !sum.Equal(dec(tc.total)) {
			t.Errorf("slices of %s sum to %s", tc.total, sum)
		}
	}
}

func TestSliceQuantityErrors(t *testing.T) {
	if _, err := SliceQuantity(dec("0"), 2, 1, decimal.Zero); err == nil {
		t.Error("zero total must fail")
	}
	if _, err := SliceQuantity(dec("10"), 0, 1, decimal.Zero); err == nil {
		t.Error("zero parts must fail")
	}
	if _, err := SliceQuantity(dec("10"), 2, 3, decimal.Zero); err == nil {
		t.Error("part beyond parts must fail")
	}
	if _, err := SliceQuantity(dec("0.01"), 5, 1, dec("0.01")); err == nil {
		t.Error("slice below step must fail")
	}
}
