package dlclock

import (
	"math"
	"testing"
)

func TestBefore(t *testing.T) {
	cases := []struct {
		name string
		a, b Time
		want bool
	}{
		{name: "earlier", a: 10, b: 20, want: true},
		{name: "later", a: 20, b: 10, want: false},
		{name: "equal", a: 15, b: 15, want: false},
		{name: "wraparound forward", a: math.MaxUint64 - 5, b: 5, want: true},
		{name: "wraparound backward", a: 5, b: math.MaxUint64 - 5, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Before(tc.a, tc.b)
			if got != tc.want {
				t.Fatalf("Before(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestBeforeOrEqual(t *testing.T) {
	if !BeforeOrEqual(7, 7) {
		t.Fatal("equal instants must compare before-or-equal")
	}

	if !BeforeOrEqual(6, 7) {
		t.Fatal("earlier instant must compare before-or-equal")
	}

	if BeforeOrEqual(8, 7) {
		t.Fatal("later instant must not compare before-or-equal")
	}
}

func TestAfter(t *testing.T) {
	if !After(20, 10) {
		t.Fatal("After(20, 10) must hold")
	}

	if After(10, 20) {
		t.Fatal("After(10, 20) must not hold")
	}
}

func TestOverflows(t *testing.T) {
	cases := []struct {
		name                  string
		now, deadline         Time
		runtime               Duration
		dlRuntime, dlDeadline Duration
		want                  bool
	}{
		{
			// remaining=10, 10*5=50 vs 10*6=60: density above reservation.
			name: "density exceeds bandwidth", now: 0, deadline: 10,
			runtime: 6, dlRuntime: 5, dlDeadline: 10, want: true,
		},
		{
			name: "density within bandwidth", now: 0, deadline: 10,
			runtime: 4, dlRuntime: 5, dlDeadline: 10, want: false,
		},
		{
			// Exactly at the reservation boundary counts as overflowing.
			name: "boundary", now: 0, deadline: 10,
			runtime: 5, dlRuntime: 5, dlDeadline: 10, want: true,
		},
		{
			name: "deadline already passed", now: 10, deadline: 10,
			runtime: 1, dlRuntime: 5, dlDeadline: 10, want: true,
		},
		{
			name: "deadline behind now", now: 20, deadline: 10,
			runtime: 1, dlRuntime: 5, dlDeadline: 10, want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Overflows(tc.now, tc.deadline, tc.runtime, tc.dlRuntime, tc.dlDeadline)
			if got != tc.want {
				t.Fatalf("Overflows(%d, %d, %d, %d, %d) = %v, want %v",
					tc.now, tc.deadline, tc.runtime, tc.dlRuntime, tc.dlDeadline, got, tc.want)
			}
		})
	}
}
