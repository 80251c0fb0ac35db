package geo

import (
	"math"
	"testing"

	"github.com/example/service-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := Haversine(51.5, -0.12, 51.5, -0.12); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := models.Coordinate{Lat: 51.5007, Lon: -0.1246}
	b := models.Coordinate{Lat: 48.8584, Lon: 2.2945}
	if d1, d2 := DistanceKm(a, b), DistanceKm(b, a); d1 != d2 {
		t.Fatalf("asymmetric: %f vs %f", d1, d2)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Big Ben to Eiffel Tower, roughly 340 km.
	d := Haversine(51.5007, -0.1246, 48.8584, 2.2945)
	if math.Abs(d-340) > 5 {
		t.Fatalf("expected ~340km, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("expected ~111.19km per degree, got %f", d)
	}
}
