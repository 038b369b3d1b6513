// Package geo implements proximity-aware endpoint ordering, supplementing
// spec §4.5's selection strategies with the geographic candidate ranking
// described in original_source/src/geo.rs: score endpoints by distance,
// region weight, and same-region/-country bonuses, then hand the caller a
// ranked shortlist the pool can pick from.
package geo

import (
	"math"
	"sort"
	"strings"

	"github.com/PayRpc/rpc-sprint/internal/pool"
)

// Location is a client's approximate geographic position, resolved by the
// caller (e.g. from a CDN geo header or an external IP-to-location lookup)
// and handed in rather than performed by this package, so it carries no
// GeoIP database dependency of its own.
type Location struct {
	Country   string
	Region    string
	Latitude  float64
	Longitude float64
	HasCoords bool
}

// Config tunes proximity scoring.
type Config struct {
	Enabled             bool
	PreferLocalEndpoints bool
	MaxLatencyPenaltyMs float64
	RegionWeights       map[string]float64
}

// DefaultConfig returns spec-default geo-ordering tuning with geo routing
// disabled (priority-only ordering) until region weights are configured.
func DefaultConfig() Config {
	return Config{
		Enabled:             false,
		PreferLocalEndpoints: true,
		MaxLatencyPenaltyMs: 200,
		RegionWeights:       map[string]float64{},
	}
}

// Ranked pairs an endpoint with its computed proximity score, descending.
type Ranked struct {
	Endpoint          *pool.Endpoint
	DistanceKm        float64
	HasDistance       bool
	LatencyPenaltyMs  float64
	RegionWeight      float64
	Score             float64
}

// regionCoords holds approximate coordinates for the handful of regions the
// upstream's weighting table names.
var regionCoords = map[string][2]float64{
	"us-east":      {39.0458, -76.6413},
	"us-west":      {37.7749, -122.4194},
	"us-central":   {41.8781, -87.6298},
	"eu":           {50.1109, 8.6821},
	"eu-west":      {51.5074, -0.1278},
	"asia":         {35.6762, 139.6503},
	"asia-pacific": {1.3521, 103.8198},
}

// Order ranks endpoints by proximity to loc. When geo routing is disabled,
// endpoints are ordered by priority only (lower priority value first),
// matching the teacher's non-geo fallback behavior.
func Order(cfg Config, endpoints []*pool.Endpoint, loc Location) []Ranked {
	if !cfg.Enabled {
		out := make([]Ranked, len(endpoints))
		for i, ep := range endpoints {
			out[i] = Ranked{Endpoint: ep, Score: 100 - float64(ep.Priority), RegionWeight: 1}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		return out
	}

	out := make([]Ranked, len(endpoints))
	for i, ep := range endpoints {
		out[i] = scoreEndpoint(cfg, ep, loc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func scoreEndpoint(cfg Config, ep *pool.Endpoint, loc Location) Ranked {
	score := 100.0 - float64(ep.Priority)
	regionWeight := 1.0
	var distance float64
	hasDistance := false
	var latencyPenalty float64

	if loc.HasCoords && ep.Lat != 0 && ep.Lon != 0 {
		distance = haversineKm(loc.Latitude, loc.Longitude, ep.Lat, ep.Lon)
		hasDistance = true

		distPenalty := distance / 1000.0
		if distPenalty > 10 {
			distPenalty = 10
		}
		score -= distPenalty

		latencyPenalty = distance / 100.0
		if cfg.MaxLatencyPenaltyMs > 0 && latencyPenalty > cfg.MaxLatencyPenaltyMs {
			latencyPenalty = cfg.MaxLatencyPenaltyMs
		}
	}

	if ep.Region != "" {
		if w, ok := cfg.RegionWeights[ep.Region]; ok {
			regionWeight = w
		}
		score *= regionWeight
	}

	if cfg.PreferLocalEndpoints && ep.Region != "" {
		if loc.Region != "" && loc.Region == ep.Region {
			score += 20
		}
		if loc.Country != "" && strings.Contains(ep.Region, loc.Country) {
			score += 10
		}
	}

	if ep.Weight > 0 {
		score *= float64(ep.Weight) / 100.0
	}

	return Ranked{
		Endpoint:         ep,
		DistanceKm:       distance,
		HasDistance:      hasDistance,
		LatencyPenaltyMs: latencyPenalty,
		RegionWeight:     regionWeight,
		Score:            score,
	}
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := degToRad(lat2 - lat1)
	dLon := degToRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(degToRad(lat1))*math.Cos(degToRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func degToRad(deg float64) float64 { return deg * math.Pi / 180 }

// RegionPreference infers a coarse routing region from a country code,
// used when no endpoint-level region metadata is available for a client.
func RegionPreference(loc Location) string {
	switch loc.Country {
	case "US":
		if loc.HasCoords && loc.Longitude > -100.0 {
			return "us-east"
		}
		return "us-west"
	case "CA":
		return "us-east"
	case "GB", "FR", "DE", "NL", "IT", "ES":
		return "eu"
	case "JP", "KR", "CN", "SG", "AU", "IN":
		return "asia"
	default:
		return ""
	}
}

// RegionCoordinates returns the approximate lat/lon for a named routing
// region, used to pre-compute endpoint-to-region distance tables.
func RegionCoordinates(region string) (lat, lon float64, ok bool) {
	c, found := regionCoords[region]
	if !found {
		return 0, 0, false
	}
	return c[0], c[1], true
}

