package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/ride-queue/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceToPathOnAndOffRoute(t *testing.T) {
	// a straight road heading east along the equator, ~1.1km long
	path := []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.005}, {Lat: 0, Lon: 0.01}}

	if d := DistanceToPath(models.Coord{Lat: 0, Lon: 0.007}, path); d > 1 {
		t.Fatalf("point on the road reported %fm away", d)
	}
	// ~111m north of the road
	d := DistanceToPath(models.Coord{Lat: 0.001, Lon: 0.003}, path)
	if math.Abs(d-111.2) > 2 {
		t.Fatalf("expected ~111m, got %f", d)
	}
	// past the end: distance to the last vertex
	past := models.Coord{Lat: 0, Lon: 0.011}
	if got, want := DistanceToPath(past, path), Distance(past, path[2]); math.Abs(got-want) > 1 {
		t.Fatalf("expected %f got %f", want, got)
	}
	if !math.IsInf(DistanceToPath(past, nil), 1) {
		t.Fatal("empty path must be infinitely far")
	}
}

func TestIndexUpsertRemove(t *testing.T) {
	idx := NewIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, models.Driver{ID: "d1", Online: true, Loc: models.Coord{Lat: 1, Lon: 2}})
	if d, ok := idx.Get("d1"); !ok || d.Updated.IsZero() {
		t.Fatalf("upsert not stored: %+v", d)
	}
	_ = idx.Remove(ctx, "d1")
	if _, ok := idx.Get("d1"); ok {
		t.Fatal("remove did not drop driver")
	}
}
