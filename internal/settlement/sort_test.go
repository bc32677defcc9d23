package settlement

import (
	"testing"
	"time"

	"kolis/internal/models"

	"github.com/stretchr/testify/assert"
)

func testBids() []models.Bid {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []models.Bid{
		{ID: "b-1", Amount: 150, CourierRating: 4.8, CreatedAt: base, Seq: 1},
		{ID: "b-2", Amount: 100, CourierRating: 4.2, CreatedAt: base.Add(time.Minute), Seq: 2},
		{ID: "b-3", Amount: 100, CourierRating: 4.5, CreatedAt: base.Add(2 * time.Minute), Seq: 3},
		{ID: "b-4", Amount: 200, CourierRating: 4.5, CreatedAt: base.Add(3 * time.Minute), Seq: 4},
	}
}

func idsOf(bids []models.Bid) []string {
	ids := make([]string, len(bids))
	for i, b := range bids {
		ids[i] = b.ID
	}
	return ids
}

func TestSortBidsByPrice(t *testing.T) {
	sorted := SortBids(testBids(), SortByPrice)
	// Equal prices keep insertion order.
	assert.Equal(t, []string{"b-2", "b-3", "b-1", "b-4"}, idsOf(sorted))
}

func TestSortBidsByRating(t *testing.T) {
	sorted := SortBids(testBids(), SortByRating)
	assert.Equal(t, []string{"b-1", "b-3", "b-4", "b-2"}, idsOf(sorted))
}

func TestSortBidsByRecency(t *testing.T) {
	sorted := SortBids(testBids(), SortByRecency)
	assert.Equal(t, []string{"b-4", "b-3", "b-2", "b-1"}, idsOf(sorted))
}

func TestSortBidsDoesNotMutateInput(t *testing.T) {
	bids := testBids()
	_ = SortBids(bids, SortByPrice)
	assert.Equal(t, []string{"b-1", "b-2", "b-3", "b-4"}, idsOf(bids))
}

func TestSortBidsIsDeterministic(t *testing.T) {
	first := SortBids(testBids(), SortByPrice)
	second := SortBids(testBids(), SortByPrice)
	assert.Equal(t, idsOf(first), idsOf(second))
}
