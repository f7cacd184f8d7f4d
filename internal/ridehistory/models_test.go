package ridehistory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(value string) *time.Time {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestFilter_Matches(t *testing.T) {
	trip := Trip{ID: "x", Date: time.Date(2024, 2, 20, 23, 59, 0, 0, time.UTC), Status: ride.StatusCompleted}
	lateStart := time.Date(2024, 2, 20, 23, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter", filter: Filter{}, want: true},
		{name: "all", filter: Filter{Status: StatusAll}, want: true},
		{name: "status match", filter: Filter{Status: StatusCompleted}, want: true},
		{name: "status mismatch", filter: Filter{Status: StatusCancelled}, want: false},
		{name: "same day bounds", filter: Filter{Start: day("2024-02-20"), End: day("2024-02-20")}, want: true},
		{name: "start bound is a calendar day", filter: Filter{Start: &lateStart}, want: true},
		{name: "before start", filter: Filter{Start: day("2024-02-21")}, want: false},
		{name: "after end", filter: Filter{End: day("2024-02-19")}, want: false},
		{name: "open start", filter: Filter{End: day("2024-02-20")}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(trip))
		})
	}
}

func TestFilter_Window(t *testing.T) {
	from, until := Filter{Start: day("2024-02-20"), End: day("2024-02-20")}.window()
	require.NotNil(t, from)
	require.NotNil(t, until)
	assert.Equal(t, time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2024, 2, 21, 0, 0, 0, 0, time.UTC), *until)

	from, until = Filter{}.window()
	assert.Nil(t, from)
	assert.Nil(t, until)
}

func TestStatusFilter_Valid(t *testing.T) {
	assert.True(t, StatusFilter("").Valid())
	assert.True(t, StatusAll.Valid())
	assert.True(t, StatusCompleted.Valid())
	assert.True(t, StatusCancelled.Valid())
	assert.False(t, StatusFilter("IN_PROGRESS").Valid())
}

func TestReceipt_Totals(t *testing.T) {
	r := Receipt{BaseFare: 1200, DistanceFare: 4700, TimeFare: 1300, ServiceFee: 300, Discount: 500, Tip: 500}

	assert.Equal(t, 7200.0, r.Subtotal())
	assert.Equal(t, 7500.0, r.Total())

	items := r.LineItems()
	require.Len(t, items, 6)
	assert.Equal(t, FareLineItem{Label: "Discount", Amount: -500, Type: "discount"}, items[4])
}

func TestReceipt_LineItemsSkipZero(t *testing.T) {
	items := Receipt{BaseFare: 800}.LineItems()
	assert.Equal(t, []FareLineItem{{Label: "Base fare", Amount: 800, Type: "charge"}}, items)
}

func TestEarnings_TotalIsDerived(t *testing.T) {
	e := Earnings{TripFare: 4500, Bonus: 300, Tips: 200, PlatformFee: 900}
	assert.Equal(t, 4100.0, e.Total())

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 4100.0, decoded["total"])
	assert.Equal(t, 900.0, decoded["platform_fee"])
}

func TestReceipt_JSONIncludesDerivedFields(t *testing.T) {
	raw, err := json.Marshal(Receipt{ID: "RCP-AAAAAA-BBBBBB", BaseFare: 800, ServiceFee: 200})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "RCP-AAAAAA-BBBBBB", decoded["receipt_id"])
	assert.Equal(t, 800.0, decoded["subtotal"])
	assert.Equal(t, 1000.0, decoded["total"])
	assert.Len(t, decoded["fare_breakdown"], 2)
}
