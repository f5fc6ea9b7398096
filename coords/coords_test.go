package coords

import "testing"

func TestOperator(t *testing.T) {
	if got := Scale(1.124, 1.124).Operator(); got != "1.124 0 0 1.124 0 0 cm" {
		t.Fatalf("got %q", got)
	}
}

func TestRectFraction(t *testing.T) {
	r := RectFrom([4]float64{10, 20, 310, 420})
	if r.Width() != 300 || r.Height() != 400 {
		t.Fatalf("extent %v x %v", r.Width(), r.Height())
	}
	got := r.Fraction(0.5, 0.25, 1, 1)
	want := Rect{LLX: 160, LLY: 120, URX: 310, URY: 420}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if tr := r.Trimmed(); tr != (Rect{URX: 300, URY: 400}) {
		t.Fatalf("trimmed %+v", tr)
	}
}
