package geo

import (
	"math"
	"testing"
)

func TestDistanceKmZeroAndSymmetry(t *testing.T) {
	if d := DistanceKm(50.06, 19.93, 50.06, 19.93); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
	ab := DistanceKm(50.0614, 19.9366, 52.2297, 21.0122)
	ba := DistanceKm(52.2297, 21.0122, 50.0614, 19.9366)
	if math.Abs(ab-ba) > 1e-9 {
		t.Fatalf("not symmetric: %f vs %f", ab, ba)
	}
}

func TestDistanceKmKrakowSanity(t *testing.T) {
	// city center to the airport
	d := DistanceKm(50.0614, 19.9366, 50.0777, 19.7848)
	if d < 10.5 || d > 11.5 {
		t.Fatalf("expected 10.5..11.5 km, got %f", d)
	}
}

func TestDriverMinPrice(t *testing.T) {
	if v := DriverMinPrice(1.5, 5.0, 2.0); v != 5.0 {
		t.Fatalf("floor should dominate, got %f", v)
	}
	if v := DriverMinPrice(1.5, 5.0, 10.0); v != 15.0 {
		t.Fatalf("per-km should dominate, got %f", v)
	}
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"$10.50", 10.50},
		{"20 zł", 20},
		{"1,050.25", 1050.25},
		{"", 0},
		{"free", 0},
		{"..", 0},
	}
	for _, c := range cases {
		if got := ParsePrice(c.in); got != c.want {
			t.Errorf("ParsePrice(%q) = %f, want %f", c.in, got, c.want)
		}
	}
}

func TestMatchScoreDistanceMonotone(t *testing.T) {
	prev := math.Inf(1)
	for _, d := range []float64{0, 1, 2.5, 5, 7.5, 9.9, 12} {
		s := MatchScore(d, 10, 20, 7.5, 0)
		if s > prev {
			t.Fatalf("score increased with distance at %f: %f > %f", d, s, prev)
		}
		prev = s
	}
}

func TestMatchScoreProfitMonotone(t *testing.T) {
	prev := -1.0
	for _, price := range []float64{8, 10, 15, 20, 40} {
		s := MatchScore(1, 10, price, 7.5, 0)
		if s < prev {
			t.Fatalf("score decreased with margin at price %f: %f < %f", price, s, prev)
		}
		prev = s
	}
}

func TestMatchScoreComponents(t *testing.T) {
	// at zero distance, fresh ride, margin 0.625: 40 + min(40, 62.5) + 20
	if s := MatchScore(0, 10, 20, 7.5, 0); s != 100 {
		t.Fatalf("expected capped 100, got %f", s)
	}
	// beyond radius the distance component clamps to zero
	if s := MatchScore(12, 10, 20, 20, 0); s != 20 {
		t.Fatalf("expected freshness only, got %f", s)
	}
	// stale rides lose the freshness component entirely
	if s := MatchScore(12, 10, 20, 20, 90); s != 0 {
		t.Fatalf("expected 0, got %f", s)
	}
}

func TestMatchScoreRounding(t *testing.T) {
	// distance 3/10 of the radius: 40*0.7 = 28, margin 10% = 10, age 30min = 10
	if s := MatchScore(3, 10, 10, 9, 30); s != 48 {
		t.Fatalf("expected 48.0, got %f", s)
	}
	got := MatchScore(3.33, 10, 10, 9, 30)
	if got != Round1(got) {
		t.Fatalf("score not rounded to one decimal: %f", got)
	}
}
