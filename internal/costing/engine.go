// Package costing plans FIFO batch consumption. It is pure planning
// logic over in-memory batch snapshots; applying a plan (decrementing
// quantities, flipping statuses) is the repository's job so that the
// postgres implementation can do it under a serializable transaction.
package costing

import (
	"sort"

	"tokosegar/backend/internal/domain"
	"tokosegar/backend/internal/store"
)

// Deduction is one batch's contribution to an allocation plan.
type Deduction struct {
	BatchID       string
	Qty           int
	UnitCostCents int64
}

// Plan is the outcome of FIFO planning for one product: which batches
// to draw down, by how much, and the realized cost of the whole draw.
type Plan struct {
	ProductID  string
	Qty        int
	CostCents  int64
	Deductions []Deduction
}

// SortFIFO orders batches oldest-received first. Ties on ReceivedAt
// fall back to batch id so the order is deterministic.
func SortFIFO(batches []domain.InventoryBatch) {
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].ReceivedAt.Equal(batches[j].ReceivedAt) {
			return batches[i].ReceivedAt.Before(batches[j].ReceivedAt)
		}
		return batches[i].ID < batches[j].ID
	})
}

// PlanAllocation computes the FIFO draw for qty units of a product.
// The allocation is all-or-nothing: when the batches cannot cover qty
// the plan is nil and the error carries the shortfall. Batches with
// nothing remaining are skipped, finished or not.
func PlanAllocation(productID string, qty int, batches []domain.InventoryBatch) (*Plan, error) {
	if qty <= 0 {
		return nil, store.ErrValidation
	}

	available := 0
	for _, b := range batches {
		if b.ProductID == productID && b.QtyRemaining > 0 {
			available += b.QtyRemaining
		}
	}
	if available < qty {
		return nil, &store.OutOfStockError{ProductID: productID, Requested: qty, Available: available}
	}

	eligible := make([]domain.InventoryBatch, 0, len(batches))
	for _, b := range batches {
		if b.ProductID == productID && b.QtyRemaining > 0 {
			eligible = append(eligible, b)
		}
	}
	SortFIFO(eligible)

	plan := &Plan{ProductID: productID, Qty: qty}
	remaining := qty
	for _, b := range eligible {
		if remaining == 0 {
			break
		}
		take := b.QtyRemaining
		if take > remaining {
			take = remaining
		}
		plan.Deductions = append(plan.Deductions, Deduction{
			BatchID:       b.ID,
			Qty:           take,
			UnitCostCents: b.UnitCostCents,
		})
		plan.CostCents += int64(take) * b.UnitCostCents
		remaining -= take
	}
	return plan, nil
}

// PreviewCost is a read-only costing pass: the FIFO cost qty units
// would realize right now, without planning any draw-down. Deferred
// settlements use it to recompute profit against current batch state.
func PreviewCost(productID string, qty int, batches []domain.InventoryBatch) (int64, error) {
	plan, err := PlanAllocation(productID, qty, batches)
	if err != nil {
		return 0, err
	}
	return plan.CostCents, nil
}

// RestoreTarget picks the batch a stock restore should credit. The
// origin batch wins when it is known and still exists; otherwise the
// most recently created batch absorbs the return. ok is false when the
// product has no batches at all, in which case the caller creates one.
func RestoreTarget(originBatchID string, batches []domain.InventoryBatch) (string, bool) {
	if originBatchID != "" {
		for _, b := range batches {
			if b.ID == originBatchID {
				return b.ID, true
			}
		}
	}
	if len(batches) == 0 {
		return "", false
	}
	newest := batches[0]
	for _, b := range batches[1:] {
		if b.ReceivedAt.After(newest.ReceivedAt) ||
			(b.ReceivedAt.Equal(newest.ReceivedAt) && b.ID > newest.ID) {
			newest = b
		}
	}
	return newest.ID, true
}
