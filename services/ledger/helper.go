package ledger

import (
	"github.com/shopspring/decimal"
)

// allocate consumes amount from buckets in the order given and returns the
// per-bucket allocations plus whatever the buckets could not cover.
func allocate(buckets []*PendingCredit, amount decimal.Decimal) ([]Allocation, decimal.Decimal) {
	remaining := amount
	allocations := make([]Allocation, 0, len(buckets))
	for _, b := range buckets {
		if !remaining.IsPositive() {
			break
		}
		if !b.Remaining.IsPositive() {
			continue
		}

		take := decimal.Min(b.Remaining, remaining)
		allocations = append(allocations, Allocation{
			PendingCreditID: b.ID,
			SourceEventID:   b.LedgerEventID,
			Amount:          take,
			Remaining:       b.Remaining.Sub(take),
		})
		remaining = remaining.Sub(take)
	}
	return allocations, remaining
}

func sumRemaining(buckets []*PendingCredit) decimal.Decimal {
	total := decimal.Zero
	for _, b := range buckets {
		total = total.Add(b.Remaining)
	}
	return total
}

func mergeMetadata(maps ...map[string]any) map[string]any {
	var out map[string]any
	for _, m := range maps {
		for k, v := range m {
			if out == nil {
				out = make(map[string]any)
			}
			out[k] = v
		}
	}
	return out
}
