package alerts

import (
	"testing"
	"time"

	"botica/backend/internal/domain"
)

func TestBuildSummaryRanksByUrgency(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	lowStock := []domain.Product{
		{Name: "Casi agotado", Stock: 4, MinStock: 5},
		{Name: "Agotado", Stock: 0, MinStock: 5},
	}
	expiring := []domain.ExpiringLot{
		{Lot: domain.Lot{Code: "B", ExpiryDate: now.AddDate(0, 0, 20)}, ProductName: "Jarabe"},
		{Lot: domain.Lot{Code: "A", ExpiryDate: now.AddDate(0, 0, 3)}, ProductName: "Ampolla"},
	}

	summary := BuildSummary(lowStock, expiring, 0, now)

	if summary.WindowDays != DefaultWindowDays {
		t.Fatalf("expected default window, got %d", summary.WindowDays)
	}
	if summary.LowStockCount != 2 || summary.ExpiringCount != 2 {
		t.Fatalf("unexpected counts %d/%d", summary.LowStockCount, summary.ExpiringCount)
	}
	if summary.LowStock[0].Name != "Agotado" {
		t.Fatalf("expected out-of-stock product first, got %s", summary.LowStock[0].Name)
	}
	if summary.Expiring[0].Code != "A" {
		t.Fatalf("expected soonest expiry first, got %s", summary.Expiring[0].Code)
	}
	if !summary.GeneratedAt.Equal(now) {
		t.Fatalf("expected generated-at %v, got %v", now, summary.GeneratedAt)
	}
}

func TestBuildSummaryDoesNotMutateInput(t *testing.T) {
	now := time.Now().UTC()
	lowStock := []domain.Product{
		{Name: "B", Stock: 1, MinStock: 5},
		{Name: "A", Stock: 0, MinStock: 5},
	}

	_ = BuildSummary(lowStock, nil, 15, now)

	if lowStock[0].Name != "B" {
		t.Fatalf("input slice was reordered")
	}
}
