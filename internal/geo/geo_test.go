package geo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/example/driver-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeOfLongitudeAtEquator(t *testing.T) {
	d := Haversine(0, 0, 0, 1)
	if math.Abs(d-111.195) > 0.01 {
		t.Fatalf("expected ~111.195km, got %f", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := Haversine(30.0444, 31.2357, 31.2001, 29.9187)
	b := Haversine(31.2001, 29.9187, 30.0444, 31.2357)
	if math.Abs(a-b) > 1e-9 {
		t.Fatalf("expected symmetric distance, got %f vs %f", a, b)
	}
	if a < 170 || a > 190 {
		t.Fatalf("cairo-alexandria distance out of range: %f", a)
	}
}

type recordingMirror struct {
	got []models.Position
	err error
}

func (m *recordingMirror) Publish(ctx context.Context, driverID string, p models.Position) error {
	m.got = append(m.got, p)
	return m.err
}

func TestTrackerUpdateForwardsToMirrors(t *testing.T) {
	ok := &recordingMirror{}
	failing := &recordingMirror{err: errors.New("down")}
	tr := NewTracker("d1", nil, ok, failing)

	if _, has := tr.Current(); has {
		t.Fatal("expected no position before first update")
	}
	tr.Update(context.Background(), models.Position{Coord: models.Coord{Lat: 1, Lon: 2}, Heading: 90})

	p, has := tr.Current()
	if !has || p.Lat != 1 || p.Lon != 2 {
		t.Fatalf("unexpected position %+v", p)
	}
	if p.At.IsZero() {
		t.Fatal("expected timestamp to be filled")
	}
	if len(ok.got) != 1 || len(failing.got) != 1 {
		t.Fatalf("expected both mirrors called once, got %d and %d", len(ok.got), len(failing.got))
	}
	if d, has := tr.DistanceTo(models.Coord{Lat: 1, Lon: 2}); !has || d != 0 {
		t.Fatalf("expected zero distance, got %f", d)
	}
}
