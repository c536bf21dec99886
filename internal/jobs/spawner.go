package jobs

import (
	"math/rand"

	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/world"
)

// Spawner creates citizens. The same seed yields the same names, jobs and
// identities, so a restored colony lines up with its saved requests.
type Spawner struct {
	rng *rand.Rand
	ids *token.SeededSource
}

// NewSpawner creates a citizen spawner with the given seed.
func NewSpawner(seed int64) *Spawner {
	return &Spawner{
		rng: rand.New(rand.NewSource(seed + 300)),
		ids: token.NewSeededSource(seed + 301),
	}
}

// NextID issues the next identity from the spawner's sequence. Resolvers
// built alongside the citizens draw from it too.
func (s *Spawner) NextID() token.Token { return s.ids.Next() }

// Spawn creates count citizens spread over the given homes.
func (s *Spawner) Spawn(count int, homes []world.Site) []*Citizen {
	out := make([]*Citizen, 0, count)
	for i := 0; i < count; i++ {
		home := world.HexCoord{}
		if len(homes) > 0 {
			home = homes[i%len(homes)].Coord
		}
		c := NewCitizen(s.NextID(), s.name(), s.occupation(), home)
		// Stagger hunger so requests do not all land on the same tick.
		c.Needs.Food = 0.5 + s.rng.Float32()*0.5
		c.Needs.Tools = 0.4 + s.rng.Float32()*0.6
		out = append(out, c)
	}
	return out
}

// occupation is weighted toward the trades that need tools.
func (s *Spawner) occupation() Occupation {
	r := s.rng.Float32()
	switch {
	case r < 0.25:
		return OccupationFarmer
	case r < 0.45:
		return OccupationMiner
	case r < 0.65:
		return OccupationForester
	case r < 0.80:
		return OccupationBuilder
	case r < 0.92:
		return OccupationBaker
	default:
		return OccupationGuard
	}
}

var (
	givenNames = []string{
		"Ansel", "Brida", "Corwin", "Dagny", "Eamon", "Fenna", "Gideon", "Hilde",
		"Ivo", "Jorunn", "Kasper", "Liesl", "Magnus", "Nell", "Osric", "Petra",
		"Quill", "Runa", "Soren", "Tamsin", "Ulf", "Vera", "Wendel", "Ysolde",
	}
	familyNames = []string{
		"Ashdown", "Barrow", "Cobb", "Dunmore", "Elling", "Fairweather", "Greaves",
		"Holloway", "Ingram", "Kettle", "Lowe", "Marsh", "Nettleton", "Oakes",
		"Pike", "Rooke", "Stannard", "Thorne", "Underhill", "Wick",
	}
)

func (s *Spawner) name() string {
	return givenNames[s.rng.Intn(len(givenNames))] + " " + familyNames[s.rng.Intn(len(familyNames))]
}
