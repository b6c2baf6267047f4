package catalog

import (
	"sort"
	"time"
)

// AvailabilityDetail describes the outcome of an availability check.
type AvailabilityDetail struct {
	Requested float64 `json:"requested"`
	Available float64 `json:"available"`
	Expired   float64 `json:"expired"`
	Batched   bool    `json:"batched"`
}

// CheckAvailability reports whether requested units of the product can be
// allocated at the given instant. Expired batch quantity is never counted,
// even when still numerically present on the record.
func CheckAvailability(p *Product, requested float64, now time.Time) (bool, AvailabilityDetail) {
	detail := AvailabilityDetail{
		Requested: requested,
		Batched:   len(p.Batches) > 0,
	}
	if !p.TrackStock {
		detail.Available = requested
		return true, detail
	}
	if len(p.Batches) == 0 {
		detail.Available = p.Quantity
		return requested <= p.Quantity, detail
	}
	for _, b := range p.Batches {
		if b.Expired(now) {
			detail.Expired += b.Quantity
			continue
		}
		detail.Available += b.Quantity
	}
	return requested <= detail.Available, detail
}

// BatchConsumption records how much was taken from a single batch.
type BatchConsumption struct {
	BatchID  int64
	Quantity float64
}

// DeductionResult is the outcome of a FIFO batch deduction.
type DeductionResult struct {
	// Remaining is the portion of the requested quantity that no batch could
	// cover. Callers that checked availability first always see zero here.
	Remaining float64
	// Batches holds the surviving batches; emptied batches are pruned.
	Batches []Batch
	// Consumed lists per-batch deductions in the order they were applied.
	Consumed []BatchConsumption
}

// Deduct walks batches in ascending expiration order and subtracts qty from
// each until exhausted. Batches that reach exactly zero are removed. Deduct
// does not re-validate expiration; availability must have been checked under
// the same lock.
func Deduct(batches []Batch, qty float64) DeductionResult {
	sorted := make([]Batch, len(batches))
	copy(sorted, batches)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ExpiresAt.Before(sorted[j].ExpiresAt)
	})

	result := DeductionResult{Remaining: qty}
	for _, b := range sorted {
		if result.Remaining > 0 && b.Quantity > 0 {
			take := b.Quantity
			if take > result.Remaining {
				take = result.Remaining
			}
			b.Quantity -= take
			result.Remaining -= take
			result.Consumed = append(result.Consumed, BatchConsumption{BatchID: b.ID, Quantity: take})
		}
		if b.Quantity > 0 {
			result.Batches = append(result.Batches, b)
		}
	}
	return result
}

// TotalQuantity sums quantities across batches.
func TotalQuantity(batches []Batch) float64 {
	var total float64
	for _, b := range batches {
		total += b.Quantity
	}
	return total
}
