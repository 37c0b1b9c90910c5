package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-queue/internal/models"
)

func TestOSRMClientParsesGeometry(t *testing.T) {
	var gotPath, gotCache string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCache = r.Header.Get("Cache-Control")
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":1520.5,"duration":240,"geometry":{"coordinates":[[13.38,52.51],[13.39,52.52]]}}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL, time.Second)
	from := models.Coord{Lat: 52.51, Lon: 13.38}
	to := models.Coord{Lat: 52.52, Lon: 13.39}
	info, err := c.GetRoute(context.Background(), from, to, true)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.HasPrefix(gotPath, "/route/v1/driving/13.380000,52.510000;13.390000,52.520000") {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotCache != "no-cache" {
		t.Fatalf("forceFresh not forwarded")
	}
	if info.DistanceMeters != 1520.5 || len(info.Waypoints) != 2 || info.Waypoints[1].Lat != 52.52 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Target != to || info.Origin != from {
		t.Fatalf("endpoints not recorded")
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL, time.Second).GetRoute(context.Background(), models.Coord{}, models.Coord{Lat: 1}, false)
	if !errors.Is(err, models.ErrRouteUnavailable) {
		t.Fatalf("expected ErrRouteUnavailable, got %v", err)
	}
	if errors.Is(err, models.ErrTransient) {
		t.Fatal("no-route is not transient")
	}
}

func TestOSRMClientServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL, time.Second).GetRoute(context.Background(), models.Coord{}, models.Coord{Lat: 1}, false)
	if !errors.Is(err, models.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
