package domain

import (
	"testing"

	"dlsched/pkg/dlentity"
)

func TestSetOverloadMaintainsMaskAndCount(t *testing.T) {
	dom := New(4)

	dom.SetOverload(1, true)
	dom.SetOverload(3, true)

	if !dom.Overloaded(1) || !dom.Overloaded(3) {
		t.Fatal("set bits must be observable")
	}

	if dom.Overloaded(0) || dom.Overloaded(2) {
		t.Fatal("unset bits must stay clear")
	}

	if got := dom.OverloadCount(); got != 2 {
		t.Fatalf("dlo_count = %d, want 2", got)
	}

	if got := dom.OverloadedCPUs(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("overloaded CPUs = %v, want [1 3]", got)
	}
}

func TestSetOverloadIdempotent(t *testing.T) {
	dom := New(2)

	dom.SetOverload(0, true)
	dom.SetOverload(0, true)

	if got := dom.OverloadCount(); got != 1 {
		t.Fatalf("repeated set must not double-count, got %d", got)
	}

	dom.SetOverload(0, false)
	dom.SetOverload(0, false)

	if got := dom.OverloadCount(); got != 0 {
		t.Fatalf("repeated clear must not go negative, got %d", got)
	}
}

func TestBandwidthAccounting(t *testing.T) {
	dom := New(1)
	half := dlentity.NewBandwidth(1, 2)
	quarter := dlentity.NewBandwidth(1, 4)

	dom.AddBandwidth(half)
	dom.AddBandwidth(quarter)

	if got := dom.TotalBW().Float64(); got < 0.74 || got > 0.76 {
		t.Fatalf("total_bw = %f, want 0.75", got)
	}

	dom.RemoveBandwidth(half)
	if got := dom.TotalBW().Float64(); got < 0.24 || got > 0.26 {
		t.Fatalf("total_bw = %f, want 0.25", got)
	}

	// Withdrawing more than is admitted clamps rather than wrapping.
	dom.RemoveBandwidth(half)
	if dom.TotalBW() != 0 {
		t.Fatalf("total_bw = %v, want 0", dom.TotalBW())
	}
}
