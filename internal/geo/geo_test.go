package geo

import (
	"math"
	"testing"
)

func TestDistanceZeroForSamePoint(t *testing.T) {
	p := Point{Lat: 6.5244, Lng: 3.3792}
	if d := Distance(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKnownPair(t *testing.T) {
	// Lagos Island to Ikeja, roughly 16.5 km.
	a := Point{Lat: 6.4541, Lng: 3.3947}
	b := Point{Lat: 6.6018, Lng: 3.3515}
	d := Distance(a, b)
	if d < 16000 || d > 18000 {
		t.Fatalf("expected ~16.5km, got %f m", d)
	}
}

func TestWithinRadiusBoundaryInclusive(t *testing.T) {
	target := Point{Lat: 0, Lng: 0}
	observed := Point{Lat: 0, Lng: 0}
	// Move exactly 500m east along the equator.
	observed.Lng = 500.0 / earthRadiusMeters * 180 / math.Pi

	d := Distance(target, observed)
	if math.Abs(d-500) > 0.01 {
		t.Fatalf("expected distance ~500m, got %f", d)
	}
	// A radius exactly equal to the computed distance must pass: the check
	// is <=, not <.
	if ok, _ := WithinRadius(target, observed, d); !ok {
		t.Fatalf("exact boundary must count as within radius (distance %f)", d)
	}

	// A point just past the boundary is out.
	observed.Lng = 510.0 / earthRadiusMeters * 180 / math.Pi
	ok, d := WithinRadius(target, observed, 500)
	if ok {
		t.Fatalf("expected out of range at %f m", d)
	}
}

func TestWithinRadiusReturnsDistance(t *testing.T) {
	ok, d := WithinRadius(Point{Lat: 6.5244, Lng: 3.3792}, Point{Lat: 6.5244, Lng: 3.3792}, 500)
	if !ok || d != 0 {
		t.Fatalf("expected in-range at 0m, got ok=%v d=%f", ok, d)
	}
}
