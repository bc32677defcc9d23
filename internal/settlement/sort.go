package settlement

import (
	"sort"

	"kolis/internal/models"
)

// SortKey selects the bid ordering shown to the client.
type SortKey string

const (
	SortByPrice   SortKey = "price"   // cheapest first
	SortByRating  SortKey = "rating"  // best courier first
	SortByRecency SortKey = "recency" // newest first
)

// SortBids orders bids by the given key without mutating the input.
// Ties keep insertion order so repeated renders are stable.
func SortBids(bids []models.Bid, key SortKey) []models.Bid {
	out := make([]models.Bid, len(bids))
	copy(out, bids)

	sort.SliceStable(out, func(i, j int) bool {
		switch key {
		case SortByRating:
			if out[i].CourierRating != out[j].CourierRating {
				return out[i].CourierRating > out[j].CourierRating
			}
		case SortByRecency:
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
		default:
			if out[i].Amount != out[j].Amount {
				return out[i].Amount < out[j].Amount
			}
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Bids returns the delivery's bids ordered by the given key.
func (e *Engine) Bids(deliveryID string, key SortKey) []models.Bid {
	e.mu.Lock()
	list := make([]models.Bid, 0, len(e.bids[deliveryID]))
	for _, b := range e.bids[deliveryID] {
		list = append(list, *b)
	}
	e.mu.Unlock()
	return SortBids(list, key)
}
