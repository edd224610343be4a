package seed

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EncodeCSV writes rows without a header. A nil value becomes an empty
// unquoted field, which COPY reads as NULL.
func EncodeCSV(w io.Writer, rows [][]any) error {
	cw := csv.NewWriter(w)
	record := make([]string, 0, 16)
	for i, row := range rows {
		record = record[:0]
		for _, v := range row {
			field, err := formatValue(v)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			record = append(record, field)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case bool:
		return strconv.FormatBool(val), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case uuid.UUID:
		return val.String(), nil
	case *string:
		if val == nil {
			return "", nil
		}
		return *val, nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
