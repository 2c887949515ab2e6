package calc

import (
	"math"
	"testing"
	"time"

	"github.com/urbanevents/metricas/internal/domain"
)

func TestPercentileEdges(t *testing.T) {
	for _, p := range []float64{0, 50, 95, 99, 100} {
		if got := Percentile(nil, p); got != 0 {
			t.Fatalf("percentile(empty, %v) = %v, want 0", p, got)
		}
		if got := Percentile([]int64{42}, p); got != 42 {
			t.Fatalf("percentile([42], %v) = %v, want 42", p, got)
		}
	}
}

func TestPercentileInterpolates(t *testing.T) {
	values := []int64{10, 20, 30, 40, 50}
	cases := map[float64]float64{
		0:   10,
		50:  30,
		95:  48,
		100: 50,
		25:  20,
	}
	for p, want := range cases {
		if got := Percentile(values, p); math.Abs(got-want) > 1e-9 {
			t.Fatalf("percentile(%v) = %v, want %v", p, got, want)
		}
	}

	if got := Percentile([]int64{100000, 200000}, 99); math.Abs(got-199000) > 1e-6 {
		t.Fatalf("expected 199000 got %v", got)
	}
}

func TestRate(t *testing.T) {
	if got := Rate(0, 0); got != 0 {
		t.Fatalf("rate(0,0) = %v", got)
	}
	if got := Rate(5, 0); got != 0 {
		t.Fatalf("rate(5,0) = %v", got)
	}
	if got := Rate(5, 20); got != 25 {
		t.Fatalf("rate(5,20) = %v", got)
	}
	if got := Rate(1, 3); math.Abs(got-33.333333) > 1e-5 {
		t.Fatalf("rate(1,3) = %v", got)
	}
}

func TestElapsedMs(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(30*time.Second + 250*time.Millisecond)
	if got := ElapsedMs(&start, &end); got != 30250 {
		t.Fatalf("expected 30250 got %d", got)
	}
	if got := ElapsedMs(nil, &end); got != 0 {
		t.Fatalf("expected 0 for missing start got %d", got)
	}
	if got := ElapsedMs(&start, nil); got != 0 {
		t.Fatalf("expected 0 for missing end got %d", got)
	}
}

func TestSecondConversions(t *testing.T) {
	if got := MsToSec(1999); got != 1 {
		t.Fatalf("expected 1 got %d", got)
	}
	if got := MsToSecFloat(1500); got != 1.5 {
		t.Fatalf("expected 1.5 got %v", got)
	}
}

func TestClassifyState(t *testing.T) {
	cases := map[string]domain.State{
		"RESUELTO":    domain.StateResolved,
		"resuelto":    domain.StateResolved,
		" Cerrado ":   domain.StateClosed,
		"RECHAZADO":   domain.StateRejected,
		"rejected":    domain.StateRejected,
		"EN_PROGRESO": domain.StatePending,
		"PENDIENTE":   domain.StatePending,
		"":            domain.StatePending,
	}
	for label, want := range cases {
		got := ClassifyState(label)
		if got != want {
			t.Fatalf("classify(%q) = %s, want %s", label, got, want)
		}
		if IsTerminal(got) != (want != domain.StatePending) {
			t.Fatalf("terminal mismatch for %q", label)
		}
	}
}
