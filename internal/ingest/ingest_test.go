package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-sentinel/internal/storage"
)

func TestImportPrices(t *testing.T) {
	mem := storage.NewMemory()
	imp := New(mem, zerolog.Nop())
	ctx := context.Background()

	csvData := `listing_id,price,observed_at
iphone-15,"56,000.00",2025-03-01T10:00:00Z
iphone-15,Rs.52000,2025-03-02
pixel-8,₹39999.5,2025-03-01 08:30:00
pixel-8,not-a-price,2025-03-01
,100,2025-03-01
pixel-8,100,yesterday
`
	report, err := imp.ImportPrices(ctx, strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, Report{Rows: 6, Inserted: 3, Skipped: 3}, report)

	history, err := mem.PriceHistory(ctx, "iphone-15", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(5600000), history[0].Price)
	assert.Equal(t, int64(5200000), history[1].Price)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), history[1].ObservedAt)

	pixel, err := mem.PriceHistory(ctx, "pixel-8", time.Time{})
	require.NoError(t, err)
	require.Len(t, pixel, 1)
	assert.Equal(t, int64(3999950), pixel[0].Price)

	report, err = imp.ImportPrices(ctx, strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted, "re-import is a no-op")
}

func TestImportReviewsLegacyColumns(t *testing.T) {
	mem := storage.NewMemory()
	imp := New(mem, zerolog.Nop())
	imp.now = func() time.Time { return time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	csvData := `product_asin,product_name,platform,reviewer_name,rating,review_title,review_text,date,verified_purchase
B0CHX1W1XY,Apple iPhone 15,Amazon,Ravi,5,Great,"Great camera, fast",2025-02-20,Yes
B0CHX1W1XY,Apple iPhone 15,Flipkart,Asha,2,Meh,Battery drains,someday,No
B0CHX1W1XY,Apple iPhone 15,Amazon,Neha,3,Empty,,2025-02-22,Yes
`
	report, err := imp.ImportReviews(ctx, strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, Report{Rows: 3, Inserted: 3}, report)

	pending, err := mem.ListUnclassifiedReviews(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "Amazon_B0CHX1W1XY_review_0", pending[0].ReviewID)
	assert.Equal(t, "Great camera, fast", pending[0].Text)
	assert.Equal(t, "Amazon_B0CHX1W1XY_review_2", pending[1].ReviewID)
	assert.Empty(t, pending[1].Text)
	assert.Equal(t, "Flipkart_B0CHX1W1XY_review_1", pending[2].ReviewID)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), pending[2].ObservedAt)
}

func TestImportRejectsMissingColumns(t *testing.T) {
	imp := New(storage.NewMemory(), zerolog.Nop())

	_, err := imp.ImportPrices(context.Background(), strings.NewReader("listing_id,observed_at\na,2025-03-01\n"))
	require.ErrorContains(t, err, "price")

	_, err = imp.ImportReviews(context.Background(), strings.NewReader(""))
	require.Error(t, err)
}

func TestParsePrice(t *testing.T) {
	cases := map[string]int64{
		"56999":     5699900,
		"56,999.99": 5699999,
		"Rs. 1,234": 123400,
		"$0.5":      50,
		" 10.005 ":  1001,
	}
	for raw, want := range cases {
		got, err := ParsePrice(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, raw := range []string{"", "-5", "abc"} {
		_, err := ParsePrice(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2025-03-01", "2025-03-01T00:00:00Z", "01/03/2025", "March 1, 2025", "1740787200"} {
		got, err := ParseTime(raw)
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(got), raw)
	}
	_, err := ParseTime("soon")
	assert.Error(t, err)
}
