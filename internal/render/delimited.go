// Package render turns outbox records into agency files.
package render

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stanstork/ocms-cron/internal/pipeline"
)

const fileTimestamp = "20060102150405"

// Delimited writes a header line, one pipe-delimited line per record and a
// trailer carrying the record count.
type Delimited struct {
	Prefix  string
	Columns []string
	Now     func() time.Time
}

func (d Delimited) Render(_ context.Context, records []models.OutboxRecord) (pipeline.File, error) {
	if len(d.Columns) == 0 {
		return pipeline.File{}, errors.New("renderer has no columns configured")
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	ts := now().Format(fileTimestamp)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '|'

	if err := w.Write([]string{"H", d.Prefix, ts}); err != nil {
		return pipeline.File{}, err
	}
	for _, rec := range records {
		line := make([]string, 0, len(d.Columns)+2)
		line = append(line, "D", rec.NoticeNo)
		for _, col := range d.Columns {
			v, ok := rec.Fields[col]
			if !ok {
				return pipeline.File{}, errs.Newf(errs.KindDataIntegrity, "render",
					"record %d (%s) is missing required field %s", rec.ID, rec.NoticeNo, col)
			}
			line = append(line, cell(v))
		}
		if err := w.Write(line); err != nil {
			return pipeline.File{}, err
		}
	}
	if err := w.Write([]string{"T", strconv.Itoa(len(records))}); err != nil {
		return pipeline.File{}, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return pipeline.File{}, errors.Wrap(err, "flush agency file")
	}

	return pipeline.File{
		Name:        fmt.Sprintf("%s%s.txt", d.Prefix, ts),
		Content:     buf.Bytes(),
		ContentType: "text/plain",
	}, nil
}

func cell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
