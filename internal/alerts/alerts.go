package alerts

import (
	"sort"
	"time"

	"botica/backend/internal/domain"
)

// DefaultWindowDays is how far ahead the expiry scan looks when the caller
// does not ask for a specific horizon.
const DefaultWindowDays = 30

// BuildSummary ranks the supplied low-stock products and expiring lots so
// the dashboard can show the most urgent entries first. Products are ordered
// by how far below their minimum they sit, lots by how soon they expire.
func BuildSummary(lowStock []domain.Product, expiring []domain.ExpiringLot, windowDays int, now time.Time) domain.AlertSummary {
	if windowDays < 1 {
		windowDays = DefaultWindowDays
	}

	ranked := make([]domain.Product, len(lowStock))
	copy(ranked, lowStock)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri := stockRatio(ranked[i])
		rj := stockRatio(ranked[j])
		if ri != rj {
			return ri < rj
		}
		return ranked[i].Name < ranked[j].Name
	})

	soonest := make([]domain.ExpiringLot, len(expiring))
	copy(soonest, expiring)
	sort.SliceStable(soonest, func(i, j int) bool {
		if !soonest[i].ExpiryDate.Equal(soonest[j].ExpiryDate) {
			return soonest[i].ExpiryDate.Before(soonest[j].ExpiryDate)
		}
		return soonest[i].ProductName < soonest[j].ProductName
	})

	return domain.AlertSummary{
		LowStockCount: len(ranked),
		ExpiringCount: len(soonest),
		WindowDays:    windowDays,
		LowStock:      ranked,
		Expiring:      soonest,
		GeneratedAt:   now.UTC(),
	}
}

// stockRatio is stock over minimum, so a product at zero stock sorts ahead
// of one that merely dipped under its threshold.
func stockRatio(p domain.Product) float64 {
	minStock := p.MinStock
	if minStock < 1 {
		minStock = 1
	}
	return float64(p.Stock) / float64(minStock)
}
