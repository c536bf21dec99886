// Colony layout generation using layered simplex noise.
// Buildability comes from an elevation/roughness field; structures are then
// placed on the flattest free hexes around the town hall.
package world

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// SiteKind is the kind of structure placed on a hex.
type SiteKind uint8

const (
	SiteTownHall SiteKind = iota
	SiteWarehouse
	SiteWorkshop
	SiteBuilderHut
	SiteHome
)

var siteKindNames = [...]string{"town_hall", "warehouse", "workshop", "builder_hut", "home"}

func (k SiteKind) String() string {
	if int(k) < len(siteKindNames) {
		return siteKindNames[k]
	}
	return fmt.Sprintf("site(%d)", k)
}

// Site is one placed structure.
type Site struct {
	Coord HexCoord `json:"coord"`
	Kind  SiteKind `json:"kind"`
	Name  string   `json:"name"`
}

// LayoutConfig holds layout generation parameters.
type LayoutConfig struct {
	Radius      int     // Hex grid radius around the town hall
	Seed        int64   // Random seed (0 = random)
	MaxSlope    float64 // Roughness above which a hex is unbuildable (0.0–1.0)
	Warehouses  int
	Workshops   int
	BuilderHuts int
	Homes       int
}

// DefaultLayoutConfig returns a small starting colony.
func DefaultLayoutConfig() LayoutConfig {
	return LayoutConfig{
		Radius:      8,
		MaxSlope:    0.7,
		Warehouses:  2,
		Workshops:   2,
		BuilderHuts: 1,
		Homes:       6,
	}
}

// Layout is a generated colony site plan.
type Layout struct {
	Radius    int                  `json:"radius"`
	Roughness map[HexCoord]float64 `json:"-"`
	Sites     []Site               `json:"sites"`
}

// InBounds returns true if the coordinate is within the layout radius.
func (l *Layout) InBounds(c HexCoord) bool {
	return Distance(HexCoord{}, c) <= l.Radius
}

// SitesOf returns the sites of one kind in placement order.
func (l *Layout) SitesOf(kind SiteKind) []Site {
	var out []Site
	for _, s := range l.Sites {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// GenerateLayout creates a deterministic colony layout for cfg.Seed.
func GenerateLayout(cfg LayoutConfig) *Layout {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	noise := opensimplex.NewNormalized(seed)
	rng := rand.New(rand.NewSource(seed + 100))

	l := &Layout{
		Radius:    cfg.Radius,
		Roughness: make(map[HexCoord]float64),
	}

	type scored struct {
		coord HexCoord
		score float64
	}
	var candidates []scored

	for q := -cfg.Radius; q <= cfg.Radius; q++ {
		for r := -cfg.Radius; r <= cfg.Radius; r++ {
			c := HexCoord{Q: q, R: r}
			if !l.InBounds(c) {
				continue
			}
			// Hex axial → cartesian for noise sampling.
			x := float64(q) + float64(r)*0.5
			y := float64(r) * math.Sqrt(3.0) / 2.0
			rough := octaveNoise(noise, x, y, 3, 0.15, 0.5)
			l.Roughness[c] = rough
			if c == (HexCoord{}) || rough > cfg.MaxSlope {
				continue
			}
			// Prefer flat ground close to the town hall.
			dist := float64(Distance(HexCoord{}, c)) / float64(cfg.Radius+1)
			candidates = append(candidates, scored{c, (1 - rough) * (1 - 0.5*dist)})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].coord.Q != candidates[j].coord.Q {
			return candidates[i].coord.Q < candidates[j].coord.Q
		}
		return candidates[i].coord.R < candidates[j].coord.R
	})

	l.Sites = append(l.Sites, Site{Coord: HexCoord{}, Kind: SiteTownHall, Name: "Town Hall"})
	taken := map[HexCoord]bool{{}: true}

	place := func(kind SiteKind, n int) {
		placed := 0
		for _, c := range candidates {
			if placed >= n {
				return
			}
			if taken[c.coord] || crowded(c.coord, taken) {
				continue
			}
			taken[c.coord] = true
			placed++
			l.Sites = append(l.Sites, Site{
				Coord: c.coord,
				Kind:  kind,
				Name:  siteName(kind, placed, rng),
			})
		}
	}
	place(SiteWarehouse, cfg.Warehouses)
	place(SiteWorkshop, cfg.Workshops)
	place(SiteBuilderHut, cfg.BuilderHuts)
	place(SiteHome, cfg.Homes)

	return l
}

// crowded rejects hexes touching two or more taken hexes so sites keep
// some room between them.
func crowded(c HexCoord, taken map[HexCoord]bool) bool {
	n := 0
	for _, nb := range c.Neighbors() {
		if taken[nb] {
			n++
		}
	}
	return n >= 2
}

var siteAdjectives = []string{"Old", "North", "South", "River", "Oak", "Stone", "Hill", "Low"}

func siteName(kind SiteKind, n int, rng *rand.Rand) string {
	adj := siteAdjectives[rng.Intn(len(siteAdjectives))]
	switch kind {
	case SiteWarehouse:
		return fmt.Sprintf("%s Warehouse", adj)
	case SiteWorkshop:
		return fmt.Sprintf("%s Workshop", adj)
	case SiteBuilderHut:
		return fmt.Sprintf("%s Builder's Hut", adj)
	default:
		return fmt.Sprintf("%s House %d", adj, n)
	}
}

// octaveNoise samples multi-octave simplex noise normalized to [0, 1].
func octaveNoise(n opensimplex.Noise, x, y float64, octaves int, freq, persistence float64) float64 {
	total := 0.0
	amp := 1.0
	maxAmp := 0.0
	for i := 0; i < octaves; i++ {
		total += n.Eval2(x*freq, y*freq) * amp
		maxAmp += amp
		amp *= persistence
		freq *= 2
	}
	return total / maxAmp
}
