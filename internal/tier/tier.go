// Package tier maps a points balance onto a program's tier table.
package tier

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"loyalty-engine/internal/models"
)

// Resolver answers tier lookups for a program's ordered tier table.
type Resolver struct {
	tiers []models.TierDefinition
}

// NewResolver sorts tiers ascending by threshold.
func NewResolver(tiers []models.TierDefinition) *Resolver {
	sorted := make([]models.TierDefinition, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinPointsRequired.LessThan(sorted[j].MinPointsRequired)
	})
	return &Resolver{tiers: sorted}
}

// Tiers returns the table in ascending order.
func (r *Resolver) Tiers() []models.TierDefinition {
	return r.tiers
}

// Resolve returns the tier with the largest threshold not above points.
// Balances below the lowest threshold fall into the lowest tier.
func (r *Resolver) Resolve(points decimal.Decimal) (models.TierDefinition, error) {
	if len(r.tiers) == 0 {
		return models.TierDefinition{}, models.ErrNoTierConfigured
	}

	// First index whose threshold exceeds points.
	i := sort.Search(len(r.tiers), func(i int) bool {
		return r.tiers[i].MinPointsRequired.GreaterThan(points)
	})
	if i == 0 {
		return r.tiers[0], nil
	}
	return r.tiers[i-1], nil
}

// Lowest returns the entry tier.
func (r *Resolver) Lowest() (models.TierDefinition, error) {
	if len(r.tiers) == 0 {
		return models.TierDefinition{}, models.ErrNoTierConfigured
	}
	return r.tiers[0], nil
}

// ByID looks up a tier by ID.
func (r *Resolver) ByID(id string) (models.TierDefinition, bool) {
	for _, t := range r.tiers {
		if t.ID == id {
			return t, true
		}
	}
	return models.TierDefinition{}, false
}

// Multiplier returns the earning multiplier of a tier, never below 1.
func Multiplier(t models.TierDefinition) decimal.Decimal {
	if t.PointsMultiplier.LessThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return t.PointsMultiplier
}

// Registry resolves tiers per program.
type Registry struct {
	resolvers map[string]*Resolver
}

// NewRegistry builds a resolver for every program.
func NewRegistry(programs []models.Program) *Registry {
	reg := &Registry{resolvers: make(map[string]*Resolver, len(programs))}
	for _, p := range programs {
		reg.resolvers[p.ID] = NewResolver(p.Tiers)
	}
	return reg
}

// ResolveTier returns the tier of points within programID.
func (reg *Registry) ResolveTier(programID string, points decimal.Decimal) (models.TierDefinition, error) {
	r, ok := reg.resolvers[programID]
	if !ok {
		return models.TierDefinition{}, fmt.Errorf("%w: %s", models.ErrProgramNotFound, programID)
	}
	t, err := r.Resolve(points)
	if err != nil {
		return models.TierDefinition{}, fmt.Errorf("program %s: %w", programID, err)
	}
	return t, nil
}

// Resolver returns the table of a program.
func (reg *Registry) Resolver(programID string) (*Resolver, bool) {
	r, ok := reg.resolvers[programID]
	return r, ok
}
