package render

import (
	"context"
	"testing"
	"time"

	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2024, 3, 1, 9, 30, 15, 0, time.UTC) }

func TestDelimitedRender(t *testing.T) {
	r := Delimited{Prefix: "URA2LTA_", Columns: []string{"vehicle_no", "amount"}, Now: fixedNow}

	file, err := r.Render(context.Background(), []models.OutboxRecord{
		{ID: 1, NoticeNo: "500000001A", Fields: map[string]interface{}{"vehicle_no": "SBA1234A", "amount": float64(70)}},
		{ID: 2, NoticeNo: "500000002B", Fields: map[string]interface{}{"vehicle_no": "SGX9|9", "amount": nil}},
	})
	require.NoError(t, err)

	assert.Equal(t, "URA2LTA_20240301093015.txt", file.Name)
	assert.Equal(t,
		"H|URA2LTA_|20240301093015\n"+
			"D|500000001A|SBA1234A|70\n"+
			"D|500000002B|\"SGX9|9\"|\n"+
			"T|2\n",
		string(file.Content))
}

func TestDelimitedRenderMissingField(t *testing.T) {
	r := Delimited{Prefix: "URA2LTA_", Columns: []string{"vehicle_no"}, Now: fixedNow}

	_, err := r.Render(context.Background(), []models.OutboxRecord{{ID: 7, NoticeNo: "N7", Fields: map[string]interface{}{}}})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDataIntegrity))
}
