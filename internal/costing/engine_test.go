package costing

import (
	"errors"
	"testing"
	"time"

	"tokosegar/backend/internal/domain"
	"tokosegar/backend/internal/store"
)

func batch(id, productID string, remaining int, unitCost int64, receivedAt time.Time) domain.InventoryBatch {
	return domain.InventoryBatch{
		ID:            id,
		ProductID:     productID,
		QtyReceived:   remaining,
		QtyRemaining:  remaining,
		UnitCostCents: unitCost,
		Status:        domain.BatchStatusActive,
		ReceivedAt:    receivedAt,
	}
}

func TestPlanAllocationConsumesOldestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	batches := []domain.InventoryBatch{
		batch("b-new", "p-1", 10, 1200, base.Add(48*time.Hour)),
		batch("b-old", "p-1", 5, 1000, base),
		batch("b-mid", "p-1", 5, 1100, base.Add(24*time.Hour)),
	}

	plan, err := PlanAllocation("p-1", 8, batches)
	if err != nil {
		t.Fatalf("plan allocation: %v", err)
	}
	if len(plan.Deductions) != 2 {
		t.Fatalf("expected 2 deductions, got %d", len(plan.Deductions))
	}
	if plan.Deductions[0].BatchID != "b-old" || plan.Deductions[0].Qty != 5 {
		t.Fatalf("first deduction should drain b-old, got %+v", plan.Deductions[0])
	}
	if plan.Deductions[1].BatchID != "b-mid" || plan.Deductions[1].Qty != 3 {
		t.Fatalf("second deduction should take 3 from b-mid, got %+v", plan.Deductions[1])
	}
	wantCost := int64(5*1000 + 3*1100)
	if plan.CostCents != wantCost {
		t.Fatalf("expected cost %d, got %d", wantCost, plan.CostCents)
	}
}

func TestPlanAllocationAllOrNothing(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	batches := []domain.InventoryBatch{
		batch("b-1", "p-1", 3, 1000, base),
		batch("b-2", "p-1", 2, 1100, base.Add(time.Hour)),
	}

	_, err := PlanAllocation("p-1", 6, batches)
	if err == nil {
		t.Fatal("expected out of stock error")
	}
	var oos *store.OutOfStockError
	if !errors.As(err, &oos) {
		t.Fatalf("expected OutOfStockError, got %v", err)
	}
	if oos.Shortfall() != 1 {
		t.Fatalf("expected shortfall 1, got %d", oos.Shortfall())
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Fatal("out of stock should classify as conflict")
	}
}

func TestPlanAllocationIgnoresOtherProductsAndEmptyBatches(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	drained := batch("b-drained", "p-1", 0, 900, base.Add(-time.Hour))
	drained.QtyReceived = 10
	drained.Status = domain.BatchStatusFinished
	batches := []domain.InventoryBatch{
		drained,
		batch("b-other", "p-2", 50, 500, base),
		batch("b-live", "p-1", 4, 1000, base),
	}

	plan, err := PlanAllocation("p-1", 4, batches)
	if err != nil {
		t.Fatalf("plan allocation: %v", err)
	}
	if len(plan.Deductions) != 1 || plan.Deductions[0].BatchID != "b-live" {
		t.Fatalf("expected single deduction from b-live, got %+v", plan.Deductions)
	}
}

func TestPlanAllocationRejectsNonPositiveQty(t *testing.T) {
	if _, err := PlanAllocation("p-1", 0, nil); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPreviewCostDoesNotRequireMutation(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	batches := []domain.InventoryBatch{
		batch("b-1", "p-1", 5, 1000, base),
		batch("b-2", "p-1", 5, 1500, base.Add(time.Hour)),
	}

	cost, err := PreviewCost("p-1", 7, batches)
	if err != nil {
		t.Fatalf("preview cost: %v", err)
	}
	if want := int64(5*1000 + 2*1500); cost != want {
		t.Fatalf("expected cost %d, got %d", want, cost)
	}
	if batches[0].QtyRemaining != 5 || batches[1].QtyRemaining != 5 {
		t.Fatal("preview must not mutate batch state")
	}
}

func TestRestoreTargetPrefersOriginBatch(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	batches := []domain.InventoryBatch{
		batch("b-old", "p-1", 2, 1000, base),
		batch("b-new", "p-1", 2, 1100, base.Add(time.Hour)),
	}

	id, ok := RestoreTarget("b-old", batches)
	if !ok || id != "b-old" {
		t.Fatalf("expected origin batch b-old, got %q ok=%v", id, ok)
	}
}

func TestRestoreTargetFallsBackToNewest(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	batches := []domain.InventoryBatch{
		batch("b-old", "p-1", 2, 1000, base),
		batch("b-new", "p-1", 2, 1100, base.Add(time.Hour)),
	}

	id, ok := RestoreTarget("b-gone", batches)
	if !ok || id != "b-new" {
		t.Fatalf("expected newest batch b-new, got %q ok=%v", id, ok)
	}

	if _, ok := RestoreTarget("", nil); ok {
		t.Fatal("no batches should report ok=false")
	}
}
