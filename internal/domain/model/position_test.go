package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPositionTransitions(t *testing.T) {
	now := time.Now()
	p := &Position{ID: "p1", Status: PositionInitializing}

	if err := p.Transition(PositionActive, now); err == nil {
		t.Fatalf("INITIALIZING -> ACTIVE should be illegal")
	}
	if err := p.Transition(PositionExecuting, now); err != nil {
		t.Fatalf("INITIALIZING -> EXECUTING: %v", err)
	}
	if p.StartedAt == nil {
		t.Fatalf("startedAt not set on EXECUTING")
	}
	if err := p.Transition(PositionError, now); err != nil {
		t.Fatalf("EXECUTING -> ERROR: %v", err)
	}
	if p.CompletedAt == nil {
		t.Fatalf("completedAt not set on terminal status")
	}
	err := p.Transition(PositionCompleted, now)
	if !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("terminal status must be immutable, got %v", err)
	}
}

func TestAdvancePartMonotonic(t *testing.T) {
	p := &Position{ID: "p1", GraduatedParts: 2}
	if err := p.AdvancePart(2); err == nil {
		t.Fatalf("skipping a part must fail")
	}
	if err := p.AdvancePart(1); err != nil {
		t.Fatalf("advance to 1: %v", err)
	}
	if err := p.AdvancePart(1); err == nil {
		t.Fatalf("re-advancing to the same part must fail")
	}
	if err := p.AdvancePart(2); err != nil {
		t.Fatalf("advance to 2: %v", err)
	}
	if err := p.AdvancePart(3); err == nil {
		t.Fatalf("advancing past graduatedParts must fail")
	}
}

func TestLegRecordFillBounded(t *testing.T) {
	leg := Leg{Role: RolePrimary, Quantity: d("10")}
	if err := leg.RecordFill(d("5"), d("100")); err != nil {
		t.Fatalf("fill 5: %v", err)
	}
	if err := leg.RecordFill(d("5"), d("110")); err != nil {
		t.Fatalf("fill 5: %v", err)
	}
	if !leg.AvgEntryPrice.Equal(d("105")) {
		t.Errorf("avg entry = %s, want 105", leg.AvgEntryPrice)
	}
	if err := leg.RecordFill(d("0.1"), d("100")); err == nil {
		t.Fatalf("fill beyond target must fail")
	}
	if !leg.FilledQty.Equal(d("10")) {
		t.Errorf("filled = %s, want 10", leg.FilledQty)
	}

	leg.RecordClose(d("4"), d("120"))
	if !leg.OpenQty().Equal(d("6")) {
		t.Errorf("open = %s, want 6", leg.OpenQty())
	}
	leg.RecordClose(d("100"), d("120"))
	if !leg.OpenQty().IsZero() {
		t.Errorf("close must cap at open qty, open = %s", leg.OpenQty())
	}
}

func TestAppendOrderKeepsSubmissionOrder(t *testing.T) {
	p := &Position{}
	p.AppendOrder(OrderRecord{Role: RolePrimary, OrderID: "a"})
	p.AppendOrder(OrderRecord{Role: RoleHedge, OrderID: "b"})
	idx := p.AppendOrder(OrderRecord{Role: RolePrimary, OrderID: "c"})

	if idx != 2 || p.Order(idx).OrderID != "c" {
		t.Fatalf("unexpected arena index %d", idx)
	}
	if got := p.Primary.OrderIDs; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("primary order ids = %v", got)
	}
	if p.Order(5) != nil {
		t.Fatalf("out of range index must return nil")
	}
}

func TestSnapshotQuality(t *testing.T) {
	cases := []struct {
		name string
		snap FundingSnapshot
		want SnapshotQuality
	}{
		{"absent mark", FundingSnapshot{FundingIntervalHours: 8}, SnapshotInvalidMark},
		{"zero mark", FundingSnapshot{MarkPrice: decimal.NewNullDecimal(decimal.Zero), FundingIntervalHours: 8}, SnapshotInvalidMark},
		{"unknown interval", FundingSnapshot{MarkPrice: decimal.NewNullDecimal(d("100"))}, SnapshotUnknownInterval},
		{"valid", FundingSnapshot{MarkPrice: decimal.NewNullDecimal(d("100")), FundingIntervalHours: 4}, SnapshotValid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.snap.Quality(); got != tc.want {
				t.Errorf("quality = %s, want %s", got, tc.want)
			}
		})
	}

	_, err := FundingSnapshot{}.Mark()
	if KindOf(err) != KindDataQuality || !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("invalid mark must be a data-quality error, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{ErrRateLimited, KindTransient},
		{ErrTimeout, KindTransient},
		{ErrAuthFailure, KindAuth},
		{Rejected("-2019", "Margin is insufficient."), KindRejected},
		{ErrDuplicateActivePosition, KindConstraint},
		{ErrUnknownFundingInterval, KindDataQuality},
		{&Error{Kind: KindImbalance, Op: "hedge"}, KindImbalance},
		{errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if r := Reason(Rejected("-2019", "Margin is insufficient.")); r != "Margin is insufficient." {
		t.Errorf("rejected reason must be verbatim, got %q", r)
	}
}
