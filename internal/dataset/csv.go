package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/spboyer/kumite/internal/models"
)

// Reserved CSV columns. Every other column becomes a reference value.
const (
	columnID    = "id"
	columnQuery = "query"
	columnTags  = "tags"
)

// Row represents a single CSV row with column name to value mapping.
type Row map[string]string

// readCSV returns rows as maps of column to value.
// The first row is treated as headers (column names).
func readCSV(r io.Reader) ([]Row, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv: parse: %w", err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("csv: empty file (no header row)")
	}

	headers := records[0]
	rows := make([]Row, 0, len(records)-1)

	for _, record := range records[1:] {
		row := make(Row, len(headers))
		for j, h := range headers {
			row[strings.TrimSpace(h)] = record[j]
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func decodeCSV(r io.Reader) ([]models.Example, error) {
	rows, err := readCSV(r)
	if err != nil {
		return nil, err
	}

	examples := make([]models.Example, 0, len(rows))
	for _, row := range rows {
		ex := models.Example{
			ID:    row[columnID],
			Query: row[columnQuery],
		}
		if tags := strings.TrimSpace(row[columnTags]); tags != "" {
			for _, tag := range strings.Split(tags, ";") {
				if tag = strings.TrimSpace(tag); tag != "" {
					ex.Tags = append(ex.Tags, tag)
				}
			}
		}
		for col, val := range row {
			switch col {
			case columnID, columnQuery, columnTags:
				continue
			}
			if ex.Reference == nil {
				ex.Reference = map[string]any{}
			}
			ex.Reference[col] = val
		}
		examples = append(examples, ex)
	}
	return examples, nil
}
