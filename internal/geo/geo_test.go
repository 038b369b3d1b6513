package geo

import (
	"testing"

	"github.com/PayRpc/rpc-sprint/internal/pool"
)

func makeEndpoint(priority uint8, region string, lat, lon float64, weight uint32) *pool.Endpoint {
	p := pool.New(pool.Config{Strategy: pool.RoundRobin}, nil)
	return p.Add(pool.EndpointConfig{URL: "http://x", Name: region, Priority: priority, Region: region, Lat: lat, Lon: lon, Weight: weight})
}

func TestOrder_DisabledFallsBackToPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	a := makeEndpoint(5, "", 0, 0, 0)
	b := makeEndpoint(1, "", 0, 0, 0)

	ranked := Order(cfg, []*pool.Endpoint{a, b}, Location{})
	if ranked[0].Endpoint != b {
		t.Fatal("expected lower-priority endpoint ranked first when geo disabled")
	}
}

func TestOrder_PrefersCloserEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	near := makeEndpoint(1, "us-east", 39.0, -76.0, 100)
	far := makeEndpoint(1, "asia", 35.6, 139.6, 100)

	loc := Location{Latitude: 39.0458, Longitude: -76.6413, HasCoords: true, Region: "us-east", Country: "US"}
	ranked := Order(cfg, []*pool.Endpoint{far, near}, loc)

	if ranked[0].Endpoint != near {
		t.Fatalf("expected geographically closer endpoint ranked first, got %s", ranked[0].Endpoint.Name)
	}
	if !ranked[0].HasDistance {
		t.Error("expected distance to be computed for a coordinate match")
	}
}

func TestOrder_SameRegionBonusApplied(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.PreferLocalEndpoints = true
	same := makeEndpoint(2, "us-east", 0, 0, 100)
	other := makeEndpoint(1, "eu", 0, 0, 100)

	loc := Location{Region: "us-east", Country: "US"}
	ranked := Order(cfg, []*pool.Endpoint{other, same}, loc)

	if ranked[0].Endpoint != same {
		t.Fatalf("expected same-region endpoint to win despite worse priority, got %s", ranked[0].Endpoint.Name)
	}
}

func TestRegionPreference_USLongitudeSplit(t *testing.T) {
	if got := RegionPreference(Location{Country: "US", Longitude: -70, HasCoords: true}); got != "us-east" {
		t.Errorf("expected us-east, got %s", got)
	}
	if got := RegionPreference(Location{Country: "US", Longitude: -120, HasCoords: true}); got != "us-west" {
		t.Errorf("expected us-west, got %s", got)
	}
}

func TestRegionPreference_EuropeanCountriesMapToEU(t *testing.T) {
	if got := RegionPreference(Location{Country: "DE"}); got != "eu" {
		t.Errorf("expected eu, got %s", got)
	}
}

func TestRegionCoordinates_KnownRegion(t *testing.T) {
	lat, lon, ok := RegionCoordinates("asia-pacific")
	if !ok {
		t.Fatal("expected asia-pacific to resolve")
	}
	if lat == 0 && lon == 0 {
		t.Error("expected non-zero coordinates")
	}
}

func TestRegionCoordinates_UnknownRegion(t *testing.T) {
	if _, _, ok := RegionCoordinates("mars"); ok {
		t.Fatal("expected unknown region to report not-found")
	}
}
